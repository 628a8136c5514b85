package redisconn_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/redmux/redmux/redis"
	"github.com/redmux/redmux/redisconn"
	"github.com/redmux/redmux/testbed"
)

type ConnSuite struct {
	suite.Suite
	s      *testbed.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func TestConnSuite(t *testing.T) {
	suite.Run(t, new(ConnSuite))
}

func (s *ConnSuite) SetupTest() {
	s.s = &testbed.Server{}
	s.Require().NoError(s.s.Start())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *ConnSuite) TearDownTest() {
	s.cancel()
	s.s.Stop()
}

func (s *ConnSuite) baseOpts() redisconn.Opts {
	return redisconn.Opts{
		IOTimeout: 200 * time.Millisecond,
		Logger:    redisconn.ZapLogger{L: zap.NewNop()},
	}
}

func (s *ConnSuite) connect(opts redisconn.Opts) *redisconn.Connection {
	conn, err := redisconn.Connect(s.ctx, s.s.Addr(), opts)
	s.Require().NoError(err)
	return conn
}

func (s *ConnSuite) ping(conn *redisconn.Connection) interface{} {
	return redis.Sync{S: conn}.Do("PING")
}

// pingUntilConnected polls PING until the lazy (re)dial succeeds. Every
// failure along the way has to be a connectivity error.
func (s *ConnSuite) pingUntilConnected(conn *redisconn.Connection) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		res := s.ping(conn)
		if res == "PONG" {
			return
		}
		rerr := redis.AsErrorx(res)
		s.Require().NotNil(rerr)
		s.Require().True(rerr.HasTrait(redis.ErrTraitConnectivity), "unexpected error: %v", rerr)
		s.Require().True(time.Now().Before(deadline), "could not reconnect: %v", rerr)
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *ConnSuite) TestConnectArgValidation() {
	_, err := redisconn.Connect(nil, s.s.Addr(), redisconn.Opts{})
	s.True(errorx.IsOfType(err, redis.ErrContextIsNil))

	_, err = redisconn.Connect(s.ctx, "", redisconn.Opts{})
	s.True(errorx.IsOfType(err, redis.ErrNoAddressProvided))
}

func (s *ConnSuite) TestLazyDial() {
	conn := s.connect(s.baseOpts())
	defer conn.Close()

	// Connect does not dial
	s.False(conn.ConnectedNow())
	s.Equal(0, s.s.ConnCount())

	s.Equal("PONG", s.ping(conn))
	s.True(conn.ConnectedNow())
	s.Equal(1, s.s.ConnCount())
	s.NotEmpty(conn.RemoteAddr())
}

func (s *ConnSuite) TestPipelineOrder() {
	conn := s.connect(s.baseOpts())
	defer conn.Close()

	var mu sync.Mutex
	var got []string
	var ns []uint64
	var wg sync.WaitGroup
	cb := redis.FuncFuture(func(res interface{}, n uint64) {
		mu.Lock()
		got = append(got, res.(string))
		ns = append(ns, n)
		mu.Unlock()
		wg.Done()
	})

	wg.Add(4)
	conn.Send(redis.Req("SET", "k1", "v1"), cb, 0)
	conn.Send(redis.Req("SET", "k2", "v2"), cb, 1)
	conn.Send(redis.Req("GET", "k1"), cb, 2)
	conn.Send(redis.Req("GET", "k2"), cb, 3)
	wg.Wait()

	// replies complete requests in exact submission order
	s.Equal([]string{"OK", "OK", "v1", "v2"}, got)
	s.Equal([]uint64{0, 1, 2, 3}, ns)
}

func (s *ConnSuite) TestErrorReplyIsLocalToOneCommand() {
	conn := s.connect(s.baseOpts())
	defer conn.Close()

	var wg sync.WaitGroup
	var first, second interface{}
	wg.Add(2)
	// the command table is not consulted at this layer, so an unknown verb
	// reaches the server and comes back as an ordinary error reply
	conn.Send(redis.Req("FOOBAR"), redis.FuncFuture(func(res interface{}, _ uint64) {
		first = res
		wg.Done()
	}), 0)
	conn.Send(redis.Req("PING"), redis.FuncFuture(func(res interface{}, _ uint64) {
		second = res
		wg.Done()
	}), 1)
	wg.Wait()

	rerr := redis.AsErrorx(first)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrResult))
	s.False(redis.HardError(rerr))
	s.Equal("PONG", second)
	s.True(conn.ConnectedNow())
}

func (s *ConnSuite) TestTransportCloseFailsAllOutstanding() {
	conn := s.connect(s.baseOpts())
	defer conn.Close()

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	wg.Add(2)
	for i := range results {
		i := i
		// HANG is swallowed by the peer: the reply never comes
		conn.Send(redis.Req("HANG"), redis.FuncFuture(func(res interface{}, _ uint64) {
			results[i] = res
			wg.Done()
		}), uint64(i))
	}
	// let both requests reach the wire before the cut
	time.Sleep(100 * time.Millisecond)
	s.s.DropConnections()
	wg.Wait()

	for _, res := range results {
		rerr := redis.AsErrorx(res)
		s.Require().NotNil(rerr)
		s.True(rerr.HasTrait(redis.ErrTraitConnectivity), "unexpected error: %v", rerr)
	}

	// the connection object survives and redials on the next request
	s.pingUntilConnected(conn)
}

func (s *ConnSuite) TestPushDoesNotConsumeReply() {
	pushes := make(chan []interface{}, 4)
	opts := s.baseOpts()
	opts.OnPush = func(kind string, args []interface{}) {
		pushes <- append([]interface{}{kind}, args...)
	}
	conn := s.connect(opts)
	defer conn.Close()

	res := redis.Sync{S: conn}.Do("SUBSCRIBE", "news")
	s.Equal([]interface{}{"subscribe", "news", int64(1)}, res)

	testbed.Do(s.s.Addr(), "PUBLISH", "news", "hello")

	select {
	case p := <-pushes:
		s.Equal([]interface{}{"message", "news", "hello"}, p)
	case <-time.After(2 * time.Second):
		s.Fail("push frame not delivered")
	}

	// the push above must not have eaten this reply
	s.Equal("PONG", s.ping(conn))
}

func (s *ConnSuite) TestUnexpectedPushBecomesEvent() {
	events := make(chan error, 4)
	opts := s.baseOpts()
	opts.OnError = func(err error) { events <- err }
	conn := s.connect(opts)
	defer conn.Close()

	// PUSH makes the peer emit a pub/sub frame before its +OK answer
	s.Equal("OK", redis.Sync{S: conn}.Do("PUSH", "news", "x"))

	select {
	case err := <-events:
		s.True(errorx.IsOfType(err, redis.ErrPushUnexpected))
	case <-time.After(2 * time.Second):
		s.Fail("push violation not reported")
	}
}

func (s *ConnSuite) TestDialFailureBroadcast() {
	addr := s.s.Addr()
	s.s.Stop()

	conn, err := redisconn.Connect(s.ctx, addr, s.baseOpts())
	s.Require().NoError(err)
	defer conn.Close()

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	wg.Add(2)
	for i := range results {
		i := i
		conn.Send(redis.Req("PING"), redis.FuncFuture(func(res interface{}, _ uint64) {
			results[i] = res
			wg.Done()
		}), uint64(i))
	}
	wg.Wait()

	// one failed dial answers everything queued behind it
	for _, res := range results {
		rerr := redis.AsErrorx(res)
		s.Require().NotNil(rerr)
		s.True(rerr.IsOfType(redis.ErrDial), "unexpected error: %v", rerr)
		s.True(rerr.HasTrait(redis.ErrTraitNotSent))
	}
	s.False(conn.ConnectedNow())
}

func (s *ConnSuite) TestAuthAndSelect() {
	s.s.RequirePass = "sesame"

	opts := s.baseOpts()
	opts.Password = "sesame"
	opts.DB = 3
	conn := s.connect(opts)
	defer conn.Close()
	s.Equal("PONG", s.ping(conn))

	bad := s.baseOpts()
	bad.Password = "wrong"
	conn2 := s.connect(bad)
	defer conn2.Close()
	rerr := redis.AsErrorx(s.ping(conn2))
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrAuth), "unexpected error: %v", rerr)
}

func (s *ConnSuite) TestClose() {
	conn := s.connect(s.baseOpts())
	s.Equal("PONG", s.ping(conn))
	conn.Close()

	rerr := redis.AsErrorx(s.ping(conn))
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrConnClosed))

	// closed is terminal, no redial
	time.Sleep(50 * time.Millisecond)
	rerr = redis.AsErrorx(s.ping(conn))
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrConnClosed))
}

func (s *ConnSuite) TestContextCancelClosesConnection() {
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := redisconn.Connect(ctx, s.s.Addr(), s.baseOpts())
	s.Require().NoError(err)
	s.Equal("PONG", s.ping(conn))

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rerr := redis.AsErrorx(s.ping(conn))
		if rerr != nil && rerr.IsOfType(redis.ErrConnClosed) {
			break
		}
		s.Require().True(time.Now().Before(deadline), "connection not closed after cancel")
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *ConnSuite) TestUnserializableArgument() {
	conn := s.connect(s.baseOpts())
	defer conn.Close()

	res := redis.Sync{S: conn}.Send(redis.Req("SET", "k", struct{}{}))
	rerr := redis.AsErrorx(res)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrArgumentType))
	s.True(rerr.HasTrait(redis.ErrTraitNotSent))

	// the connection was never touched
	s.Equal(0, s.s.ConnCount())
}
