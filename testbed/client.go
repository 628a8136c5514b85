package testbed

import (
	"bufio"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/redmux/redmux/redis"
)

// matchPattern applies glob-style channel patterns ("news.*").
func matchPattern(pattern, channel string) (bool, error) {
	return path.Match(pattern, channel)
}

var subMu sync.Mutex // guards channels/patterns of all clients

func (cl *client) subscribed(channel string) bool {
	subMu.Lock()
	defer subMu.Unlock()
	return cl.channels[channel]
}

func (cl *client) patternsMatching(channel string) []string {
	subMu.Lock()
	defer subMu.Unlock()
	var res []string
	for pat := range cl.patterns {
		if ok, err := matchPattern(pat, channel); err == nil && ok {
			res = append(res, pat)
		}
	}
	return res
}

func (cl *client) serve() {
	defer cl.srv.forget(cl)
	defer cl.c.Close()
	r := bufio.NewReader(cl.c)
	for {
		req := redis.ReadResponse(r)
		if redis.AsError(req) != nil {
			return
		}
		cmd, args, ok := splitRequest(req)
		if !ok {
			cl.errReply("ERR protocol error: expected array of bulk strings")
			continue
		}
		if !cl.dispatch(cmd, args) {
			return
		}
	}
}

func splitRequest(req interface{}) (string, []string, bool) {
	arr, ok := req.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, false
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		b, ok := v.([]byte)
		if !ok {
			return "", nil, false
		}
		parts[i] = string(b)
	}
	return strings.ToUpper(parts[0]), parts[1:], true
}

// dispatch handles one command; the return value is false when the
// connection should be dropped.
func (cl *client) dispatch(cmd string, args []string) bool {
	s := cl.srv
	if s.RequirePass != "" && !cl.authed && cmd != "AUTH" && cmd != "QUIT" {
		cl.errReply("NOAUTH Authentication required.")
		return true
	}
	switch cmd {
	case "AUTH":
		if len(args) == 1 && args[0] == s.RequirePass {
			cl.authed = true
			cl.simpleReply("OK")
		} else {
			cl.errReply("ERR invalid password")
		}
	case "PING":
		cl.simpleReply("PONG")
	case "ECHO":
		if len(args) != 1 {
			cl.errReply("ERR wrong number of arguments for 'echo' command")
			break
		}
		cl.bulkReply(args[0])
	case "SELECT":
		cl.simpleReply("OK")
	case "QUIT":
		cl.simpleReply("OK")
		return false
	case "SET":
		if len(args) < 2 {
			cl.errReply("ERR wrong number of arguments for 'set' command")
			break
		}
		s.mu.Lock()
		s.data[args[0]] = args[1]
		s.mu.Unlock()
		cl.simpleReply("OK")
	case "GET":
		if len(args) != 1 {
			cl.errReply("ERR wrong number of arguments for 'get' command")
			break
		}
		s.mu.Lock()
		v, ok := s.data[args[0]]
		s.mu.Unlock()
		if ok {
			cl.bulkReply(v)
		} else {
			cl.nilReply()
		}
	case "DEL":
		n := 0
		s.mu.Lock()
		for _, k := range args {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		s.mu.Unlock()
		cl.intReply(n)
	case "SUBSCRIBE":
		subMu.Lock()
		for _, ch := range args {
			cl.channels[ch] = true
		}
		n := len(cl.channels) + len(cl.patterns)
		subMu.Unlock()
		for _, ch := range args {
			cl.confirmReply("subscribe", ch, n)
		}
	case "UNSUBSCRIBE":
		subMu.Lock()
		for _, ch := range args {
			delete(cl.channels, ch)
		}
		n := len(cl.channels) + len(cl.patterns)
		subMu.Unlock()
		for _, ch := range args {
			cl.confirmReply("unsubscribe", ch, n)
		}
	case "PSUBSCRIBE":
		subMu.Lock()
		for _, pat := range args {
			cl.patterns[pat] = true
		}
		n := len(cl.channels) + len(cl.patterns)
		subMu.Unlock()
		for _, pat := range args {
			cl.confirmReply("psubscribe", pat, n)
		}
	case "PUNSUBSCRIBE":
		subMu.Lock()
		for _, pat := range args {
			delete(cl.patterns, pat)
		}
		n := len(cl.channels) + len(cl.patterns)
		subMu.Unlock()
		for _, pat := range args {
			cl.confirmReply("punsubscribe", pat, n)
		}
	case "PUBLISH":
		if len(args) != 2 {
			cl.errReply("ERR wrong number of arguments for 'publish' command")
			break
		}
		cl.intReply(s.publish(args[0], args[1]))
	case "HANG":
		// no reply: the request stays pending forever
	case "PUSH":
		// test hook: inject an unsolicited push frame on this connection
		if len(args) != 2 {
			cl.errReply("ERR wrong number of arguments for 'push' command")
			break
		}
		cl.push("message", args[0], args[1])
		cl.simpleReply("OK")
	default:
		cl.errReply("ERR unknown command '" + cmd + "'")
	}
	return true
}

/********** wire helpers **************/

func (cl *client) write(b []byte) {
	cl.wmu.Lock()
	cl.c.Write(b)
	cl.wmu.Unlock()
}

func (cl *client) simpleReply(s string) {
	cl.write([]byte("+" + s + "\r\n"))
}

func (cl *client) errReply(msg string) {
	cl.write([]byte("-" + msg + "\r\n"))
}

func (cl *client) intReply(n int) {
	cl.write([]byte(":" + strconv.Itoa(n) + "\r\n"))
}

func appendBulk(b []byte, s string) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(s)), 10)
	b = append(b, '\r', '\n')
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func (cl *client) bulkReply(s string) {
	cl.write(appendBulk(nil, s))
}

func (cl *client) nilReply() {
	cl.write([]byte("$-1\r\n"))
}

// confirmReply is the ordinary reply to a (p)subscribe command: an array of
// [verb, name, active subscription count].
func (cl *client) confirmReply(verb, name string, count int) {
	b := []byte("*3\r\n")
	b = appendBulk(b, verb)
	b = appendBulk(b, name)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(count), 10)
	b = append(b, '\r', '\n')
	cl.write(b)
}

// push writes an unsolicited pub/sub frame.
func (cl *client) push(kind string, parts ...string) {
	b := []byte("*" + strconv.Itoa(len(parts)+1) + "\r\n")
	b = appendBulk(b, kind)
	for _, p := range parts {
		b = appendBulk(b, p)
	}
	cl.write(b)
}
