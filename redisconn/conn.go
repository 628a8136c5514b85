package redisconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"
	"golang.org/x/text/encoding"

	"github.com/redmux/redmux/redis"
)

const (
	connDisconnected = 0
	connConnecting   = 1
	connConnected    = 2
	connClosed       = 3

	defaultDialTimeout  = 1 * time.Second
	defaultIOTimeout    = 1 * time.Second
	defaultTCPKeepAlive = 300 * time.Millisecond
)

// PushFunc receives unsolicited pub/sub frames: kind is "message" or
// "pmessage", args are the remaining frame elements in order.
type PushFunc func(kind string, args []interface{})

// EventFunc receives errors not associated with any request.
type EventFunc func(err error)

// Opts - connection options.
type Opts struct {
	// DB is the database number selected right after connecting.
	DB int
	// Password for AUTH, sent before anything else.
	Password string
	// DialTimeout is the timeout for establishing a connection.
	DialTimeout time.Duration
	// IOTimeout limits writes and the handshake. Reads are not limited:
	// a subscriber connection may legitimately stay silent for hours.
	// IOTimeout < 0 disables the limit.
	IOTimeout time.Duration
	// TCPKeepAlive for net.Dialer. < 0 disables it.
	TCPKeepAlive time.Duration
	// Logger for connection lifecycle events.
	Logger Logger
	// Handle is returned by Connection.Handle(), opaque to this package.
	Handle interface{}
	// Encoding converts textual payloads before they reach futures and
	// events. Nil leaves them as UTF-8.
	Encoding encoding.Encoding
	// RawBytes disables text conversion entirely: bulk strings stay []byte.
	RawBytes bool
	// OnPush, when set, receives pub/sub push frames. When unset, a push
	// frame is a protocol violation and goes to OnError.
	OnPush PushFunc
	// OnError receives errors that complete no particular request.
	OnError EventFunc
}

// Connection is a single pipelined connection to the server. It is created
// disconnected and dials lazily on the first Send; a transport failure fails
// everything pending and the next Send dials again.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	state  uint32

	addr string
	opts Opts

	mutex   sync.Mutex
	c       net.Conn
	cur     *oneconn
	buf     []byte
	futures []future

	done     chan struct{}
	doneOnce sync.Once
}

type future struct {
	redis.Future
	n uint64
}

func (f future) resolve(res interface{}) {
	if f.Future != nil {
		f.Future.Resolve(res, f.n)
	}
}

var dumb = redis.FuncFuture(func(interface{}, uint64) {})

// oneconn is the write/read goroutine pair of one physical socket. A new pair
// is created per successful dial; a failed one never comes back.
type oneconn struct {
	c        net.Conn
	futures  chan []future
	control  chan struct{}
	wakeup   chan struct{}
	err      *errorx.Error
	erronce  sync.Once
	inflight int32
}

func (one *oneconn) kick() {
	select {
	case one.wakeup <- struct{}{}:
	default:
	}
}

// Connect prepares a connection handle. It never blocks and does not dial:
// the first Send does, keeping group resolution cheap.
func Connect(ctx context.Context, addr string, opts Opts) (*Connection, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	if addr == "" {
		return nil, redis.ErrNoAddressProvided.NewWithNoMessage()
	}
	conn := &Connection{
		addr: addr,
		opts: opts,
		done: make(chan struct{}),
	}
	conn.ctx, conn.cancel = context.WithCancel(ctx)

	if conn.opts.DialTimeout <= 0 {
		conn.opts.DialTimeout = defaultDialTimeout
	}
	if conn.opts.IOTimeout == 0 {
		conn.opts.IOTimeout = defaultIOTimeout
	} else if conn.opts.IOTimeout < 0 {
		conn.opts.IOTimeout = 0
	}
	if conn.opts.TCPKeepAlive == 0 {
		conn.opts.TCPKeepAlive = defaultTCPKeepAlive
	} else if conn.opts.TCPKeepAlive < 0 {
		conn.opts.TCPKeepAlive = 0
	}
	if conn.opts.Logger == nil {
		conn.opts.Logger = defaultLogger{}
	}

	go func() {
		select {
		case <-conn.ctx.Done():
			conn.shutdown(withNewProperty(
				redis.ErrConnClosed.Wrap(conn.ctx.Err(), "connection context closed"),
				EKConnection, conn))
		case <-conn.done:
		}
	}()

	return conn, nil
}

// Addr is the address this connection dials.
func (conn *Connection) Addr() string {
	return conn.addr
}

// Handle returns the user-specified handle from Opts.
func (conn *Connection) Handle() interface{} {
	return conn.opts.Handle
}

// ConnectedNow reports whether the connection is established at this moment.
func (conn *Connection) ConnectedNow() bool {
	return atomic.LoadUint32(&conn.state) == connConnected
}

// MayBeConnected reports whether the connection is established or in the
// middle of establishing.
func (conn *Connection) MayBeConnected() bool {
	s := atomic.LoadUint32(&conn.state)
	return s == connConnected || s == connConnecting
}

// RemoteAddr is the address of the peer socket, empty when disconnected.
func (conn *Connection) RemoteAddr() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.c == nil {
		return ""
	}
	return conn.c.RemoteAddr().String()
}

// Close terminates the connection forever, failing everything pending.
func (conn *Connection) Close() {
	conn.shutdown(withNewProperty(
		redis.ErrConnClosed.New("connection closed"), EKConnection, conn))
}

// CloseWithReason terminates the connection forever, failing everything
// pending with err. Used by owners to broadcast a reason of their own, e.g.
// teardown of connections inherited across a process fork.
func (conn *Connection) CloseWithReason(err *errorx.Error) {
	if err == nil {
		conn.Close()
		return
	}
	conn.shutdown(withNewProperty(err, EKConnection, conn))
}

func (conn *Connection) String() string {
	return fmt.Sprintf("*redisconn.Connection{addr: %s}", conn.addr)
}

// Send enqueues the request. cb is resolved with either the decoded reply or
// an error; it is never left hanging while the connection is alive. Replies
// on one connection complete requests in exact submission order.
func (conn *Connection) Send(req redis.Request, cb redis.Future, n uint64) {
	if cb == nil {
		cb = dumb
	}
	encoded, rerr := redis.AppendRequest(nil, req)
	if rerr != nil {
		go cb.Resolve(withNewProperty(rerr, EKConnection, conn), n)
		return
	}

	conn.mutex.Lock()
	switch atomic.LoadUint32(&conn.state) {
	case connClosed:
		conn.mutex.Unlock()
		go cb.Resolve(withNewProperty(
			redis.ErrConnClosed.New("connection is closed"), EKConnection, conn), n)
		return
	case connDisconnected:
		// lazy (re)connect: queue the request and dial
		conn.buf = append(conn.buf, encoded...)
		conn.futures = append(conn.futures, future{cb, n})
		atomic.StoreUint32(&conn.state, connConnecting)
		conn.mutex.Unlock()
		go conn.establish()
		return
	default:
		conn.buf = append(conn.buf, encoded...)
		conn.futures = append(conn.futures, future{cb, n})
		cur := conn.cur
		conn.mutex.Unlock()
		if cur != nil {
			cur.kick()
		}
		return
	}
}

/********** private api **************/

func (conn *Connection) report(event LogKind, v ...interface{}) {
	conn.opts.Logger.Report(event, conn, v...)
}

func (conn *Connection) shutdown(err *errorx.Error) {
	conn.doneOnce.Do(func() { close(conn.done) })
	conn.cancel()

	conn.mutex.Lock()
	already := atomic.LoadUint32(&conn.state) == connClosed
	atomic.StoreUint32(&conn.state, connClosed)
	cur := conn.cur
	conn.cur = nil
	if cur != nil {
		// the reason has to be in place before the socket close wakes the
		// reader, or in-flight requests would fail with a bare io error
		cur.setErr(err, conn)
	}
	if conn.c != nil {
		conn.c.Close()
		conn.c = nil
	}
	futs := conn.futures
	conn.futures = nil
	conn.buf = nil
	conn.mutex.Unlock()

	if already {
		return
	}
	for _, fut := range futs {
		fut.resolve(err)
	}
	conn.report(LogClosed)
}

func (conn *Connection) establish() {
	conn.report(LogConnecting)
	c, r, w, err := conn.dial()
	if err != nil {
		conn.report(LogConnectFailed, err)
		conn.mutex.Lock()
		if atomic.LoadUint32(&conn.state) == connConnecting {
			atomic.StoreUint32(&conn.state, connDisconnected)
		}
		futs := conn.futures
		conn.futures = nil
		conn.buf = nil
		conn.mutex.Unlock()
		// connect failure is broadcast to everything queued on this group
		errp := withNewProperty(err, EKConnection, conn)
		for _, fut := range futs {
			fut.resolve(errp)
		}
		return
	}

	one := &oneconn{
		c:       c,
		futures: make(chan []future, 128),
		control: make(chan struct{}),
		wakeup:  make(chan struct{}, 1),
	}

	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) == connClosed {
		// closed while dialing; queue was already failed by shutdown
		conn.mutex.Unlock()
		c.Close()
		return
	}
	conn.c = c
	conn.cur = one
	atomic.StoreUint32(&conn.state, connConnected)
	pending := len(conn.buf) > 0
	conn.mutex.Unlock()

	conn.report(LogConnected, c.LocalAddr().String(), c.RemoteAddr().String())

	go conn.writer(w, one)
	go conn.reader(r, one)
	if pending {
		one.kick()
	}
}

func (conn *Connection) dial() (net.Conn, *bufio.Reader, *bufio.Writer, *errorx.Error) {
	network := "tcp"
	address := conn.addr
	switch {
	case strings.HasPrefix(address, "unix://"):
		network, address = "unix", address[7:]
	case strings.HasPrefix(address, "tcp://"):
		address = address[6:]
	case address[0] == '/' || address[0] == '.':
		network = "unix"
	}
	dialer := net.Dialer{
		Timeout:   conn.opts.DialTimeout,
		KeepAlive: conn.opts.TCPKeepAlive,
	}
	c, err := dialer.DialContext(conn.ctx, network, address)
	if err != nil {
		return nil, nil, nil, redis.ErrDial.Wrap(err, "could not connect to %s", conn.addr)
	}

	dio := &deadlineIO{c: c, timeout: conn.opts.IOTimeout}
	r := bufio.NewReaderSize(dio, 64*1024)
	w := bufio.NewWriterSize(dio, 64*1024)

	// AUTH and SELECT are pushed in front of the queue: they have to reach
	// the server before anything the caller has already enqueued.
	var req []byte
	if conn.opts.Password != "" {
		req, _ = redis.AppendRequest(req, redis.Req("AUTH", conn.opts.Password))
	}
	req, _ = redis.AppendRequest(req, redis.Req("PING"))
	if conn.opts.DB != 0 {
		req, _ = redis.AppendRequest(req, redis.Req("SELECT", conn.opts.DB))
	}
	if _, err = dio.Write(req); err != nil {
		c.Close()
		return nil, nil, nil, redis.ErrConnSetup.Wrap(err, "handshake write failed")
	}

	// the handshake is the one read with a deadline: no request has been
	// pipelined yet, so a silent server here is a setup failure
	if conn.opts.IOTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(conn.opts.IOTimeout))
		defer c.SetReadDeadline(time.Time{})
	}

	var res interface{}
	if conn.opts.Password != "" {
		res = redis.ReadResponse(r)
		if rerr := redis.AsErrorx(res); rerr != nil {
			c.Close()
			if rerr.IsOfType(redis.ErrResult) {
				return nil, nil, nil, redis.ErrAuth.New("auth rejected: %s", rerr.Message())
			}
			return nil, nil, nil, redis.ErrConnSetup.Wrap(rerr, "auth failed")
		}
	}
	res = redis.ReadResponse(r)
	if rerr := redis.AsErrorx(res); rerr != nil {
		c.Close()
		return nil, nil, nil, redis.ErrConnSetup.Wrap(rerr, "ping after connect failed")
	}
	if str, ok := res.(string); !ok || str != "PONG" {
		c.Close()
		return nil, nil, nil, redis.ErrConnSetup.New("ping response mismatch").
			WithProperty(redis.EKResponse, res)
	}
	if conn.opts.DB != 0 {
		res = redis.ReadResponse(r)
		if rerr := redis.AsErrorx(res); rerr != nil {
			c.Close()
			return nil, nil, nil, withNewProperty(
				redis.ErrConnSetup.Wrap(rerr, "select db failed"), EKDb, conn.opts.DB)
		}
		if str, ok := res.(string); !ok || str != "OK" {
			c.Close()
			return nil, nil, nil, withNewProperty(
				redis.ErrConnSetup.New("select db response mismatch"), EKDb, conn.opts.DB).
				WithProperty(redis.EKResponse, res)
		}
	}

	return c, r, w, nil
}

func (one *oneconn) setErr(err *errorx.Error, conn *Connection) {
	one.erronce.Do(func() {
		one.err = err
		close(one.control)
		go conn.dropConnection(one, err)
	})
}

// dropConnection moves the connection back to Disconnected after a transport
// failure, failing every request still queued but not yet handed to the
// writer. In-flight requests are failed by the reader. The connection object
// survives: the next Send re-enters Connecting.
func (conn *Connection) dropConnection(one *oneconn, err *errorx.Error) {
	conn.mutex.Lock()
	if conn.cur != one {
		conn.mutex.Unlock()
		return
	}
	conn.cur = nil
	if conn.c != nil {
		conn.c.Close()
		conn.c = nil
	}
	if atomic.LoadUint32(&conn.state) != connClosed {
		atomic.StoreUint32(&conn.state, connDisconnected)
	}
	futs := conn.futures
	conn.futures = nil
	conn.buf = nil
	conn.mutex.Unlock()

	conn.report(LogDisconnected, err)
	for _, fut := range futs {
		fut.resolve(err)
	}
	if len(futs) == 0 && atomic.LoadInt32(&one.inflight) == 0 {
		// no command was affected: surface the error as an event
		// instead of swallowing it
		conn.eventError(err)
	}
}

func (conn *Connection) writer(w *bufio.Writer, one *oneconn) {
	defer close(one.futures)
	for {
		select {
		case <-one.wakeup:
		case <-one.control:
			return
		case <-conn.ctx.Done():
			return
		}
		for {
			conn.mutex.Lock()
			if conn.cur != one {
				conn.mutex.Unlock()
				return
			}
			packet := conn.buf
			futs := conn.futures
			conn.buf = nil
			conn.futures = nil
			conn.mutex.Unlock()

			if len(packet) == 0 {
				break
			}

			// futures go to the reader before the bytes go to the
			// socket, so a reply can never beat its future
			if len(futs) > 0 {
				atomic.AddInt32(&one.inflight, int32(len(futs)))
				one.futures <- futs
			}

			if _, err := w.Write(packet); err != nil {
				one.setErr(redis.ErrIO.Wrap(err, "write failed"), conn)
				return
			}
			if err := w.Flush(); err != nil {
				one.setErr(redis.ErrIO.Wrap(err, "write flush failed"), conn)
				return
			}
		}
	}
}

func (conn *Connection) reader(r *bufio.Reader, one *oneconn) {
	var pending []future

	for {
		res := redis.ReadResponse(r)
		if rerr := redis.AsErrorx(res); rerr != nil && redis.HardError(rerr) {
			one.setErr(withNewProperty(rerr, EKConnection, conn), conn)
			break
		}

		if kind, args, ok := pushFrame(res); ok {
			// push frames bypass the queue and never consume an entry
			conn.handlePush(kind, args)
			continue
		}

		if len(pending) == 0 {
			pending = one.drain(pending)
		}
		if len(pending) == 0 {
			conn.unassociated(res)
			continue
		}

		fut := pending[0]
		pending[0] = future{}
		pending = pending[1:]
		fut.resolve(conn.decodeValue(res))
		atomic.AddInt32(&one.inflight, -1)
	}

	for _, fut := range pending {
		fut.resolve(one.err)
		atomic.AddInt32(&one.inflight, -1)
	}
	for futs := range one.futures {
		for _, fut := range futs {
			fut.resolve(one.err)
			atomic.AddInt32(&one.inflight, -1)
		}
	}
}

// drain collects future batches already handed over by the writer. It never
// blocks: the writer sends futures strictly before the corresponding bytes,
// so by the time a genuine reply is decoded its future is already here.
func (one *oneconn) drain(pending []future) []future {
	for {
		select {
		case futs, ok := <-one.futures:
			if !ok {
				return pending
			}
			pending = append(pending, futs...)
		default:
			return pending
		}
	}
}

// pushFrame recognizes pub/sub pushes: an array whose first element is the
// literal tag "message" or "pmessage". Only the top level is inspected;
// nested arrays are plain values.
func pushFrame(res interface{}) (string, []interface{}, bool) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, false
	}
	var tag string
	switch t := arr[0].(type) {
	case []byte:
		tag = string(t)
	case string:
		tag = t
	default:
		return "", nil, false
	}
	tag = strings.ToLower(tag)
	if tag != "message" && tag != "pmessage" {
		return "", nil, false
	}
	return tag, arr[1:], true
}

func (conn *Connection) handlePush(kind string, args []interface{}) {
	if conn.opts.OnPush == nil {
		conn.eventError(withNewProperty(
			redis.ErrPushUnexpected.New("%q push frame on non-subscriber connection", kind),
			EKConnection, conn))
		return
	}
	for i := range args {
		args[i] = conn.decodeValue(args[i])
	}
	conn.opts.OnPush(kind, args)
}

func (conn *Connection) unassociated(res interface{}) {
	conn.eventError(withNewProperty(
		redis.ErrResponseUnexpected.New("response arrived with no command pending").
			WithProperty(redis.EKResponse, res),
		EKConnection, conn))
}

func (conn *Connection) eventError(err *errorx.Error) {
	if conn.opts.OnError != nil {
		conn.opts.OnError(err)
		return
	}
	conn.report(LogEventDropped, error(err))
}

// decodeValue applies the configured text conversion to a decoded reply.
func (conn *Connection) decodeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		if conn.opts.RawBytes {
			return x
		}
		if conn.opts.Encoding != nil {
			if decoded, err := conn.opts.Encoding.NewDecoder().Bytes(x); err == nil {
				return string(decoded)
			}
		}
		return string(x)
	case []interface{}:
		for i := range x {
			x[i] = conn.decodeValue(x[i])
		}
		return x
	default:
		return v
	}
}

// deadlineIO applies the io timeout to writes only. Reads wait forever: a
// pipelined connection may be idle, and a subscriber connection silent, for
// arbitrarily long.
type deadlineIO struct {
	c       net.Conn
	timeout time.Duration
}

func (d *deadlineIO) Write(p []byte) (int, error) {
	if d.timeout > 0 {
		d.c.SetWriteDeadline(time.Now().Add(d.timeout))
	}
	return d.c.Write(p)
}

func (d *deadlineIO) Read(p []byte) (int, error) {
	return d.c.Read(p)
}
