package redis

import "strings"

// Static command table. The set of verbs is fixed: an unknown verb is a usage
// error and is never forwarded to the server.

var supportedCmds = cmdSet(
	"PING ECHO SELECT AUTH QUIT INFO DBSIZE FLUSHDB FLUSHALL " +
		"GET SET SETNX SETEX PSETEX APPEND STRLEN GETSET GETDEL GETEX GETRANGE SETRANGE " +
		"INCR DECR INCRBY DECRBY INCRBYFLOAT MGET MSET MSETNX " +
		"SETBIT GETBIT BITCOUNT BITPOS " +
		"DEL EXISTS EXPIRE PEXPIRE TTL PTTL PERSIST TYPE KEYS RANDOMKEY RENAME TOUCH UNLINK DUMP " +
		"HSET HSETNX HGET HMSET HMGET HGETALL HDEL HLEN HEXISTS HKEYS HVALS HSTRLEN HINCRBY HINCRBYFLOAT " +
		"LPUSH RPUSH LPOP RPOP LLEN LRANGE LINDEX LSET LREM LTRIM LINSERT RPOPLPUSH " +
		"SADD SREM SMEMBERS SISMEMBER SCARD SPOP SRANDMEMBER SDIFF SINTER SUNION SMOVE " +
		"ZADD ZREM ZSCORE ZCARD ZCOUNT ZINCRBY ZRANK ZREVRANK " +
		"ZRANGE ZREVRANGE ZRANGEBYSCORE ZREVRANGEBYSCORE ZRANGEBYLEX ZREVRANGEBYLEX ZLEXCOUNT " +
		"SUBSCRIBE UNSUBSCRIBE PSUBSCRIBE PUNSUBSCRIBE PUBLISH PUBSUB " +
		"BLPOP BRPOP BRPOPLPUSH BZPOPMIN BZPOPMAX WAIT")

var blockingCmds = cmdSet("BLPOP BRPOP BRPOPLPUSH BZPOPMIN BZPOPMAX WAIT")

var subscribeCmds = cmdSet("SUBSCRIBE UNSUBSCRIBE PSUBSCRIBE PUNSUBSCRIBE")

func cmdSet(list string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, cmd := range strings.Fields(list) {
		m[cmd] = struct{}{}
	}
	return m
}

// normCmd uppercases cmd only when needed, the common case being already
// uppercase verbs.
func normCmd(cmd string) string {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] >= 'a' && cmd[i] <= 'z' {
			return strings.ToUpper(cmd)
		}
	}
	return cmd
}

// Supported reports whether cmd is in the static command table.
func Supported(cmd string) bool {
	_, ok := supportedCmds[normCmd(cmd)]
	return ok
}

// Blocking reports whether cmd parks the connection until the server has
// something to answer. Such verbs must go through a dedicated connection.
func Blocking(cmd string) bool {
	_, ok := blockingCmds[normCmd(cmd)]
	return ok
}

// SubscribeCmd reports whether cmd changes the subscription set.
func SubscribeCmd(cmd string) bool {
	_, ok := subscribeCmds[normCmd(cmd)]
	return ok
}

// PubSubCmd reports whether cmd belongs on the pub/sub connection. Repeated
// subscriptions share one connection and one socket's worth of push traffic,
// and PUBLISH rides along so it never interleaves with basic pipelining.
func PubSubCmd(cmd string) bool {
	if SubscribeCmd(cmd) {
		return true
	}
	return normCmd(cmd) == "PUBLISH"
}
