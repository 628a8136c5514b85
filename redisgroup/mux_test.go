package redisgroup_test

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
	"github.com/redmux/redmux/redisgroup"
	"github.com/redmux/redmux/testbed"
)

type MuxSuite struct {
	suite.Suite
	s      *testbed.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func TestMuxSuite(t *testing.T) {
	suite.Run(t, new(MuxSuite))
}

func (s *MuxSuite) SetupTest() {
	s.s = &testbed.Server{}
	s.Require().NoError(s.s.Start())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *MuxSuite) TearDownTest() {
	s.cancel()
	s.s.Stop()
}

func (s *MuxSuite) newMux(opts redisgroup.Options) *redisgroup.Mux {
	opts.Addr = s.s.Addr()
	opts.IOTimeout = 200 * time.Millisecond
	opts.Logger = redisconn.ZapLogger{L: zap.NewNop()}
	m, err := redisgroup.New(s.ctx, opts)
	s.Require().NoError(err)
	return m
}

func (s *MuxSuite) TestDo() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	res, err := m.Do("PING")
	s.Require().NoError(err)
	s.Equal("PONG", res)
}

func (s *MuxSuite) TestDoUnknownCommand() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	_, err := m.Do("FOOBAR")
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrUnknownCommand))
	// the verb was rejected before any connection existed
	s.Equal(0, s.s.ConnCount())
}

func (s *MuxSuite) TestDoServerError() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	// GET on a missing key is nil, not an error
	res, err := m.Do("GET", "missing")
	s.Require().NoError(err)
	s.Nil(res)

	_, err = m.Do("AUTH", "nopass")
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrResult))
}

func (s *MuxSuite) TestSendRejectsUnknownVerbSynchronously() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	var res interface{}
	m.Send(redis.Req("FOOBAR"), redis.FuncFuture(func(r interface{}, _ uint64) {
		res = r
	}), 0)
	// usage errors resolve inline, no waiting involved
	rerr := redis.AsErrorx(res)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrUnknownCommand))
	s.True(rerr.HasTrait(redis.ErrTraitNotSent))
}

func (s *MuxSuite) TestSendRejectsBlockingVerb() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	var res interface{}
	m.Send(redis.Req("BLPOP", "list", 0), redis.FuncFuture(func(r interface{}, _ uint64) {
		res = r
	}), 0)
	rerr := redis.AsErrorx(res)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrBlockingCommand))
	cmd, _ := rerr.Property(redis.EKCommand)
	s.Equal("BLPOP", cmd)
}

func (s *MuxSuite) TestBasicCommandsShareOneConnection() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	sy := redis.Sync{S: m}
	s.Equal("OK", sy.Do("SET", "k", "v"))
	s.Equal("v", sy.Do("GET", "k"))
	s.Equal(int64(1), sy.Do("DEL", "k"))
	s.Equal(1, s.s.ConnCount())
}

func (s *MuxSuite) TestPubSubUsesSeparateConnection() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	sy := redis.Sync{S: m}
	res := sy.Do("SUBSCRIBE", "news")
	s.Equal([]interface{}{"subscribe", "news", int64(1)}, res)
	s.Equal(1, s.s.ConnCount())

	// an ordinary command dials the basic group, not the subscriber socket
	s.Equal("OK", sy.Do("SET", "k", "v"))
	s.Equal(2, s.s.ConnCount())
}

func (s *MuxSuite) TestMessageDelivery() {
	type msg struct{ channel, payload string }
	msgs := make(chan msg, 4)
	m := s.newMux(redisgroup.Options{
		OnMessage: func(channel, payload string) { msgs <- msg{channel, payload} },
	})
	defer m.Close()

	s.Equal([]interface{}{"subscribe", "news", int64(1)},
		redis.Sync{S: m}.Do("SUBSCRIBE", "news"))

	m.Publish("news", "hello")

	select {
	case got := <-msgs:
		s.Equal(msg{"news", "hello"}, got)
	case <-time.After(2 * time.Second):
		s.Fail("message not delivered")
	}

	// the pub/sub connection still answers ordinary replies after the push
	s.Equal(int64(0), redis.Sync{S: m}.Do("PUBLISH", "errands", "x"))
}

func (s *MuxSuite) TestPatternDelivery() {
	type pmsg struct{ pattern, channel, payload string }
	msgs := make(chan pmsg, 4)
	m := s.newMux(redisgroup.Options{
		OnPMessage: func(pattern, channel, payload string) {
			msgs <- pmsg{pattern, channel, payload}
		},
	})
	defer m.Close()

	s.Equal([]interface{}{"psubscribe", "news.*", int64(1)},
		redis.Sync{S: m}.Do("PSUBSCRIBE", "news.*"))

	m.Publish("news.sport", "goal")

	select {
	case got := <-msgs:
		s.Equal(pmsg{"news.*", "news.sport", "goal"}, got)
	case <-time.After(2 * time.Second):
		s.Fail("pattern message not delivered")
	}
}

func (s *MuxSuite) TestConcurrentDo() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Do("PING")
			if err != nil {
				errs <- err
				return
			}
			if res != "PONG" {
				errs <- redis.ErrResponseUnexpected.New("unexpected ping result %v", res)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func (s *MuxSuite) TestDoConnectionIsTornDown() {
	m := s.newMux(redisgroup.Options{})
	defer m.Close()

	res, err := m.Do("PING")
	s.Require().NoError(err)
	s.Equal("PONG", res)

	// the private connection never outlives the call
	deadline := time.Now().Add(2 * time.Second)
	for s.s.ConnCount() != 0 {
		s.Require().True(time.Now().Before(deadline), "blocking connection leaked")
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *MuxSuite) TestClose() {
	m := s.newMux(redisgroup.Options{})
	res, err := m.Do("PING")
	s.Require().NoError(err)
	s.Equal("PONG", res)

	m.Close()
	m.Close() // idempotent

	_, err = m.Do("PING")
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrConnClosed))

	var sres interface{}
	m.Send(redis.Req("PING"), redis.FuncFuture(func(r interface{}, _ uint64) {
		sres = r
	}), 0)
	rerr := redis.AsErrorx(sres)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrConnClosed))
}

func (s *MuxSuite) TestNilContext() {
	_, err := redisgroup.New(nil, redisgroup.Options{})
	s.True(errorx.IsOfType(err, redis.ErrContextIsNil))
}
