package redisgroup

import (
	"github.com/google/uuid"

	"github.com/redmux/redmux/redis"
	"github.com/redmux/redmux/redisconn"
)

// Do executes one command synchronously on a dedicated private connection
// and returns its result, converting a server or transport error into a hard
// failure.
//
// Every call dials its own connection under a fresh "blocking:" group key and
// tears it down afterwards. The connection is deliberately never pooled or
// reused: concurrent Do calls must not serialize behind one socket, and a
// throwaway connection can carry no state from an unrelated earlier call.
func (m *Mux) Do(cmd string, args ...interface{}) (interface{}, error) {
	if !redis.Supported(cmd) {
		return nil, redis.ErrUnknownCommand.New("unsupported command %q", cmd).
			WithProperty(redis.EKCommand, cmd)
	}

	key := "blocking:" + uuid.NewString()
	m.mu.Lock()
	conn, err := m.resolveLocked(key)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The completion below must not issue another Do as a side effect of
	// resolving on the same connection; the connection never escapes this
	// call, so it cannot.
	res := redis.Sync{S: conn}.Do(cmd, args...)
	m.forget(key, conn)

	if rerr := redis.AsError(res); rerr != nil {
		return nil, rerr
	}
	return res, nil
}

func (m *Mux) forget(key string, conn *redisconn.Connection) {
	m.mu.Lock()
	if m.groups[key] == conn {
		delete(m.groups, key)
	}
	m.mu.Unlock()
	conn.Close()
}
