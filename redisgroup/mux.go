package redisgroup

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/redmux/redmux/internal"
	"github.com/redmux/redmux/redis"
	"github.com/redmux/redmux/redisconn"
)

const (
	basicGroup  = "basic"
	pubsubGroup = "pubsub"
)

// swapped in tests to simulate a process identity change
var getpid = os.Getpid

// Mux is the connection-group multiplexer and the public client handle.
//
// It owns a map from group key to connection: ordinary commands share the
// "basic" group, subscribe/publish traffic shares the "pubsub" group, and
// every blocking Do call gets a transient private group of its own.
// Connections are created lazily and survive transport failures; they are
// destroyed only by Close or when a process fork is detected.
type Mux struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	events *internal.Executor

	mu     sync.Mutex
	groups map[string]*redisconn.Connection
	pid    int
	closed bool
}

// New creates a client handle. Nothing is dialed until the first request.
func New(ctx context.Context, opts Options) (*Mux, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	m := &Mux{
		opts:   opts,
		groups: make(map[string]*redisconn.Connection),
		pid:    getpid(),
		events: internal.NewExecutor(1024),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m, nil
}

// Send enqueues a non-blocking command. cb always receives either the reply
// or an explicit error; usage errors (unknown verb, blocking verb) resolve
// synchronously and never touch the network. Subscribe and publish verbs are
// routed to the pub/sub connection, everything else to the basic one.
func (m *Mux) Send(req redis.Request, cb redis.Future, n uint64) {
	if cb == nil {
		cb = ignore
	}
	if !redis.Supported(req.Cmd) {
		cb.Resolve(redis.ErrUnknownCommand.New("unsupported command %q", req.Cmd).
			WithProperty(redis.EKCommand, req.Cmd), n)
		return
	}
	if redis.Blocking(req.Cmd) {
		cb.Resolve(redis.ErrBlockingCommand.New("blocking command %q must go through Do", req.Cmd).
			WithProperty(redis.EKCommand, req.Cmd), n)
		return
	}
	key := basicGroup
	if redis.PubSubCmd(req.Cmd) {
		key = pubsubGroup
	}
	conn, err := m.resolve(key)
	if err != nil {
		cb.Resolve(err, n)
		return
	}
	conn.Send(req, cb, n)
}

var ignore = redis.FuncFuture(func(interface{}, uint64) {})

// Subscribe adds channel subscriptions; messages arrive via OnMessage.
func (m *Mux) Subscribe(channels ...string) {
	m.pubsubCmd("SUBSCRIBE", channels)
}

// Unsubscribe removes channel subscriptions.
func (m *Mux) Unsubscribe(channels ...string) {
	m.pubsubCmd("UNSUBSCRIBE", channels)
}

// PSubscribe adds pattern subscriptions; messages arrive via OnPMessage.
func (m *Mux) PSubscribe(patterns ...string) {
	m.pubsubCmd("PSUBSCRIBE", patterns)
}

// PUnsubscribe removes pattern subscriptions.
func (m *Mux) PUnsubscribe(patterns ...string) {
	m.pubsubCmd("PUNSUBSCRIBE", patterns)
}

// Publish sends payload to channel through the pub/sub connection.
func (m *Mux) Publish(channel string, payload interface{}) {
	m.Send(redis.Req("PUBLISH", channel, payload), m.errorForward(), 0)
}

func (m *Mux) pubsubCmd(cmd string, args []string) {
	req := redis.Request{Cmd: cmd, Args: make([]interface{}, len(args))}
	for i, a := range args {
		req.Args[i] = a
	}
	m.Send(req, m.errorForward(), 0)
}

// errorForward turns a fire-and-forget completion into an error event, so
// failures of convenience calls are never silently lost.
func (m *Mux) errorForward() redis.Future {
	return redis.FuncFuture(func(res interface{}, _ uint64) {
		if err := redis.AsErrorx(res); err != nil {
			m.eventError(err)
		}
	})
}

// Close tears the handle down: every group connection is closed and all
// pending commands fail. The handle is unusable afterwards.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*redisconn.Connection, 0, len(m.groups))
	for _, conn := range m.groups {
		conns = append(conns, conn)
	}
	m.groups = make(map[string]*redisconn.Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	m.cancel()
	m.events.Close()
}

/********** group resolution **************/

func (m *Mux) resolve(key string) (*redisconn.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(key)
}

// resolveLocked returns the connection of a group, creating it disconnected
// when absent. It never blocks; dialing happens on first use.
func (m *Mux) resolveLocked(key string) (*redisconn.Connection, error) {
	if m.closed {
		return nil, redis.ErrConnClosed.New("client handle is closed")
	}
	m.invalidateStaleLocked()
	if conn, ok := m.groups[key]; ok {
		return conn, nil
	}
	conn, err := redisconn.Connect(m.ctx, m.opts.Addr, m.connOpts(key == pubsubGroup))
	if err != nil {
		return nil, err
	}
	m.groups[key] = conn
	return conn, nil
}

// invalidateStaleLocked discards every connection inherited across a process
// fork: sockets are not valid in the child, and writing to them would corrupt
// the parent's streams. Pending commands fail with a stale process error.
func (m *Mux) invalidateStaleLocked() {
	pid := getpid()
	if pid == m.pid {
		return
	}
	stale := redis.ErrStaleProcess.New("process forked, discarding inherited connections")
	for _, conn := range m.groups {
		conn.CloseWithReason(stale)
	}
	m.groups = make(map[string]*redisconn.Connection)
	m.pid = pid
}

func (m *Mux) connOpts(pubsub bool) redisconn.Opts {
	o := redisconn.Opts{
		DB:          m.opts.DB,
		Password:    m.opts.Password,
		DialTimeout: m.opts.DialTimeout,
		IOTimeout:   m.opts.IOTimeout,
		Logger:      m.opts.Logger,
		Encoding:    m.opts.Encoding,
		RawBytes:    m.opts.RawBytes,
		OnError:     m.eventError,
	}
	if pubsub {
		o.OnPush = m.dispatchPush
	}
	return o
}

/********** event surface **************/

func (m *Mux) eventError(err error) {
	if m.opts.OnError == nil {
		return
	}
	m.events.Do(func() { m.opts.OnError(err) })
}

func (m *Mux) dispatchPush(kind string, args []interface{}) {
	m.events.Do(func() { m.deliver(kind, args) })
}

func (m *Mux) deliver(kind string, args []interface{}) {
	switch kind {
	case "message":
		if len(args) == 2 {
			if m.opts.OnMessage != nil {
				m.opts.OnMessage(asText(args[0]), asText(args[1]))
			}
			return
		}
	case "pmessage":
		if len(args) == 3 {
			if m.opts.OnPMessage != nil {
				m.opts.OnPMessage(asText(args[0]), asText(args[1]), asText(args[2]))
			}
			return
		}
	}
	if m.opts.OnError != nil {
		m.opts.OnError(redis.ErrResponseUnexpected.New("malformed %q push frame with %d elements", kind, len(args)))
	}
}

func asText(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
