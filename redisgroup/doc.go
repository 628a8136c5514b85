/*
Package redisgroup multiplexes command traffic over a small group of
connections behind one client handle.

Group keys: "basic" carries ordinary pipelined commands, "pubsub" carries
subscribe/publish traffic so long-lived subscriptions never stall regular
commands, and every blocking Do call gets a throwaway "blocking:" group of
its own. Connections are created lazily on first use of their key and are not
destroyed on transport errors: a broken one fails its pending commands and is
re-dialed on the next use.

A detected process fork invalidates every held connection before any new
request is served: inherited sockets would otherwise corrupt the parent's
reply streams.
*/
package redisgroup
