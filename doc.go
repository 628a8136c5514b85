/*
Package redmux - multiplexed Redis connector with pipelining, pub/sub and
blocking call emulation behind one logical handle.

A single handle transparently manages a small group of connections: ordinary
commands are pipelined over one "basic" connection, subscribe/publish traffic
lives on its own "pubsub" connection so long-lived subscriptions never stall
regular commands, and every synchronous (blocking) call gets a private
throwaway connection of its own so concurrent blocking calls do not serialize
behind each other.

Within one connection replies are matched to requests strictly in submission
order, as the protocol guarantees. Unsolicited pub/sub push frames never
consume a queued request: they are re-emitted as subscriber events.

Connections are created lazily on first use of their group and are not torn
down on transient network errors: a broken connection fails everything it had
in flight and is quietly re-dialed on the next request. There is no automatic
retry of failed commands and no cancellation of a request once written.

Structure

- root package is empty

- common protocol machinery (requests, RESP, errors, command table) is in the
redis subpackage

- a single pipelined connection is in the redisconn subpackage

- the connection-group multiplexer with the public client façade is in the
redisgroup subpackage

Usage

	opts, _ := redisgroup.ParseURL("redis://localhost:6379/0")
	opts.OnMessage = func(channel, payload string) { ... }
	client, _ := redisgroup.New(ctx, opts)

	// non-blocking, pipelined
	client.Send(redis.Req("SET", "k", "v"), redis.FuncFuture(cb), 0)

	// synchronous, on a dedicated connection
	res, err := client.Do("GET", "k")

	// pub/sub
	client.Subscribe("news")
*/
package redmux
