package redis

import (
	"sync"
)

// Sync provides synchronous calls over an asynchronous Sender.
type Sync struct {
	S Sender
}

// Do sends a single command and waits for its result.
func (s Sync) Do(cmd string, args ...interface{}) interface{} {
	return s.Send(Request{cmd, args})
}

// Send sends a single request and waits for its result.
func (s Sync) Send(r Request) interface{} {
	var res syncRes
	res.Add(1)
	s.S.Send(r, &res, 0)
	res.Wait()
	return res.r
}

type syncRes struct {
	r interface{}
	sync.WaitGroup
}

func (s *syncRes) Cancelled() bool {
	return false
}

func (s *syncRes) Resolve(res interface{}, _ uint64) {
	s.r = res
	s.Done()
}
