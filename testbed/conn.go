package testbed

import (
	"bufio"
	"net"
	"time"

	"github.com/redmux/redmux/redis"
)

// Do runs a single command over a throwaway raw connection. Used by tests to
// poke the server from "elsewhere", e.g. to publish into a channel the client
// under test is subscribed to.
func Do(addr string, cmd string, args ...interface{}) interface{} {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return redis.ErrDial.Wrap(err, "could not dial testbed")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(1 * time.Second))
	req, rerr := redis.AppendRequest(nil, redis.Request{Cmd: cmd, Args: args})
	if rerr != nil {
		return rerr
	}
	if _, err = conn.Write(req); err != nil {
		return redis.ErrIO.Wrap(err, "could not write to testbed")
	}
	return redis.ReadResponse(bufio.NewReader(conn))
}
