/*
Package redisconn manages a single pipelined connection.

A Connection is created disconnected and dials lazily on the first Send.
Requests are pipelined: everything queued is written without waiting for
replies, and replies complete requests in exact submission order. A transport
failure fails every request in flight on that connection and nothing else;
the connection object survives and re-dials on the next Send.

Pub/sub push frames are recognized by their tag and delivered through
Opts.OnPush without consuming a queued request.
*/
package redisconn
