package redis

// Req - convenient Request constructor.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request is a command with arguments. It is immutable once handed to a
// sender: the queue owns it until its future is resolved.
type Request struct {
	Cmd  string
	Args []interface{}
}

// Future is a handle for the result of a request. Resolve is called exactly
// once with either a decoded reply or an error value.
type Future interface {
	Resolve(res interface{}, n uint64)
	Cancelled() bool
}

// FuncFuture - Future adapter for plain callbacks.
type FuncFuture func(res interface{}, n uint64)

// Cancelled implements Future.
func (f FuncFuture) Cancelled() bool { return false }

// Resolve implements Future.
func (f FuncFuture) Resolve(res interface{}, n uint64) { f(res, n) }

// Sender is anything able to accept a request for asynchronous execution.
type Sender interface {
	Send(r Request, cb Future, n uint64)
}
