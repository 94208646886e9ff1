package siderconn_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/suite"

	"github.com/siderkv/sider/redis"
	. "github.com/siderkv/sider/siderconn"
	"github.com/siderkv/sider/testbed"
)

type Suite struct {
	suite.Suite
	s *testbed.Server

	ctx       context.Context
	ctxcancel func()
}

func TestConn(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.s = &testbed.Server{}
	s.Require().NoError(s.s.Start())
	s.ctx, s.ctxcancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Suite) TearDownTest() {
	s.s.Stop()
	s.ctxcancel()
	s.ctx, s.ctxcancel = nil, nil
}

func (s *Suite) opts() Opts {
	return Opts{
		Port:   s.s.Port(),
		Logger: NoopLogger{},
	}
}

func (s *Suite) connect(opts Opts) *Conn {
	conn, err := Connect(s.ctx, opts)
	s.Require().NoError(err)
	return conn
}

func (s *Suite) isType(err error, typ *errorx.Type) {
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, typ), "expected %s, got %v", typ, err)
}

func (s *Suite) TestConnects() {
	conn := s.connect(s.opts())
	defer conn.Close()

	r, err := conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal(redis.Simple("PONG"), r)
}

func (s *Suite) TestConnectRefused() {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	_, err = Connect(s.ctx, Opts{Port: port, Logger: NoopLogger{}})
	s.isType(err, redis.ErrConnect)
}

func (s *Suite) TestAuth() {
	s.s.Stop()
	s.s = &testbed.Server{Password: "sesame"}
	s.Require().NoError(s.s.Start())

	_, err := Connect(s.ctx, s.opts())
	s.isType(err, redis.ErrConnect)

	opts := s.opts()
	opts.Password = "wrong"
	_, err = Connect(s.ctx, opts)
	s.isType(err, redis.ErrConnect)

	opts.Password = "sesame"
	conn := s.connect(opts)
	defer conn.Close()
	r, err := conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal("PONG", r.Str())
}

func (s *Suite) TestAuthWithoutPasswordSet() {
	opts := s.opts()
	opts.Password = "unneeded"
	_, err := Connect(s.ctx, opts)
	s.isType(err, redis.ErrConnect)
}

func (s *Suite) TestSelectDb() {
	conn0 := s.connect(s.opts())
	defer conn0.Close()
	_, err := conn0.Do(s.ctx, "SET", "db", "zero")
	s.Require().NoError(err)

	opts := s.opts()
	opts.DB = 1
	conn1 := s.connect(opts)
	defer conn1.Close()

	r, err := conn1.Do(s.ctx, "GET", "db")
	s.Require().NoError(err)
	s.True(r.IsNull())

	_, err = conn1.Do(s.ctx, "SET", "db", "one")
	s.Require().NoError(err)

	r, err = conn0.Do(s.ctx, "GET", "db")
	s.Require().NoError(err)
	s.Equal("zero", r.Str())
}

func (s *Suite) TestSetGet() {
	conn := s.connect(s.opts())
	defer conn.Close()

	r, err := conn.Do(s.ctx, "SET", "hello", "world")
	s.Require().NoError(err)
	s.Equal(redis.Simple("OK"), r)

	r, err = conn.Do(s.ctx, "GET", "hello")
	s.Require().NoError(err)
	s.Equal(redis.BulkString("world"), r)

	r, err = conn.Do(s.ctx, "GET", "nonexistent")
	s.Require().NoError(err)
	s.True(r.IsNull())
}

func (s *Suite) TestServerErrorIsData() {
	conn := s.connect(s.opts())
	defer conn.Close()

	_, err := conn.Do(s.ctx, "LPUSH", "alist", "a")
	s.Require().NoError(err)

	r, err := conn.Do(s.ctx, "GET", "alist")
	s.Require().NoError(err)
	s.True(r.IsError())
	rerr := r.AsError()
	s.isType(rerr, redis.ErrResult)
	kind, ok := redis.AsErrorx(rerr).Property(redis.EKErrorKind)
	s.Require().True(ok)
	s.Equal("WRONGTYPE", kind)

	// a server error must not poison the connection
	s.False(conn.Closed())
	r, err = conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal("PONG", r.Str())
}

func (s *Suite) TestPipelineOrder() {
	conn := s.connect(s.opts())
	defer conn.Close()

	const n = 1000
	p, err := conn.Pipeline()
	s.Require().NoError(err)
	for i := 0; i < n; i++ {
		s.Require().NoError(p.Command("SET", fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
	}
	replies, err := p.Execute(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(replies, n)
	s.Require().NoError(redis.FirstError(replies))
	p.Close()

	p, err = conn.Pipeline()
	s.Require().NoError(err)
	for i := 0; i < n; i++ {
		s.Require().NoError(p.Command("GET", fmt.Sprintf("k%d", i)))
	}
	replies, err = p.Execute(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(replies, n)
	for i, r := range replies {
		s.Equal(fmt.Sprintf("v%d", i), r.Str())
	}
	p.Close()
}

func (s *Suite) TestPipelineMixed() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Pipeline()
	s.Require().NoError(err)
	defer p.Close()
	s.Require().NoError(p.Command("SET", "mixed", "value"))
	s.Require().NoError(p.Command("GET", "mixed"))
	s.Equal(2, p.Len())

	replies, err := p.Execute(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(replies, 2)
	s.Equal(redis.Simple("OK"), replies[0])
	s.Equal(redis.BulkString("value"), replies[1])
}

func (s *Suite) TestEmptyPipeline() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Pipeline()
	s.Require().NoError(err)
	replies, err := p.Execute(s.ctx)
	s.Require().NoError(err)
	s.Empty(replies)
	p.Close()

	r, err := conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal("PONG", r.Str())
}

func (s *Suite) TestPipelineUsage() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Pipeline()
	s.Require().NoError(err)

	// one pipeline at a time
	_, err = conn.Pipeline()
	s.isType(err, redis.ErrUsage)
	_, err = conn.Do(s.ctx, "PING")
	s.isType(err, redis.ErrUsage)

	s.Require().NoError(p.Command("PING"))
	_, err = p.Execute(s.ctx)
	s.Require().NoError(err)

	// executed pipelines are spent
	err = p.Command("PING")
	s.isType(err, redis.ErrUsage)
	_, err = p.Execute(s.ctx)
	s.isType(err, redis.ErrUsage)

	p.Close()
	p.Close() // idempotent

	err = p.Command("PING")
	s.isType(err, redis.ErrUsage)

	// the busy flag is released
	r, err := conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal("PONG", r.Str())
}

func (s *Suite) TestUnexecutedPipelineDiscarded() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Pipeline()
	s.Require().NoError(err)
	s.Require().NoError(p.Command("SET", "never", "sent"))
	p.Close()

	r, err := conn.Do(s.ctx, "GET", "never")
	s.Require().NoError(err)
	s.True(r.IsNull())
}

func (s *Suite) TestTransaction() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Transaction()
	s.Require().NoError(err)
	defer p.Close()
	for i := 0; i < 3; i++ {
		s.Require().NoError(p.Command("INCR", "counter"))
	}
	replies, err := p.Execute(s.ctx)
	s.Require().NoError(err)
	s.Equal([]redis.Reply{redis.Int(1), redis.Int(2), redis.Int(3)}, replies)
}

func (s *Suite) TestTransactionAborted() {
	conn := s.connect(s.opts())
	defer conn.Close()

	s.s.FailNextExec()
	p, err := conn.Transaction()
	s.Require().NoError(err)
	s.Require().NoError(p.Command("INCR", "counter"))
	replies, err := p.Execute(s.ctx)
	s.isType(err, redis.ErrTxAborted)
	s.Empty(replies)
	p.Close()

	// an aborted transaction leaves the connection healthy
	s.False(conn.Closed())
	r, err := conn.Do(s.ctx, "PING")
	s.Require().NoError(err)
	s.Equal("PONG", r.Str())
}

func (s *Suite) TestExecuteDiscard() {
	conn := s.connect(s.opts())
	defer conn.Close()

	p, err := conn.Pipeline()
	s.Require().NoError(err)
	s.Require().NoError(p.Command("SET", "discarded", "but-applied"))
	s.Require().NoError(p.Command("PING"))
	s.Require().NoError(p.ExecuteDiscard(s.ctx))
	p.Close()

	// the socket stayed synchronized
	r, err := conn.Do(s.ctx, "GET", "discarded")
	s.Require().NoError(err)
	s.Equal("but-applied", r.Str())
}

func (s *Suite) TestLPushLRange() {
	conn := s.connect(s.opts())
	defer conn.Close()

	r, err := conn.Do(s.ctx, "LPUSH", "list", "a", "b", "c")
	s.Require().NoError(err)
	s.Equal(redis.Int(3), r)

	r, err = conn.Do(s.ctx, "LRANGE", "list", 0, -1)
	s.Require().NoError(err)
	s.Equal(redis.Array(
		redis.BulkString("c"),
		redis.BulkString("b"),
		redis.BulkString("a"),
	), r)
}

func (s *Suite) TestReadBufferGrowsForLargeReplies() {
	opts := s.opts()
	opts.ReadBufferInitial = 64
	conn := s.connect(opts)
	defer conn.Close()

	value := strings.Repeat("v", 128*1024)
	_, err := conn.Do(s.ctx, "SET", "large", value)
	s.Require().NoError(err)

	r, err := conn.Do(s.ctx, "GET", "large")
	s.Require().NoError(err)
	s.Equal(value, r.Str())
}

func (s *Suite) TestReplyOverBufferLimitPoisons() {
	opts := s.opts()
	opts.ReadBufferInitial = 64
	opts.ReadBufferMax = 1024
	conn := s.connect(opts)
	defer conn.Close()

	_, err := conn.Do(s.ctx, "SET", "large", strings.Repeat("v", 4096))
	s.Require().NoError(err)

	_, err = conn.Do(s.ctx, "GET", "large")
	s.isType(err, redis.ErrProtocol)
	s.True(conn.Closed())
}

func (s *Suite) TestStalledServerPoisons() {
	conn := s.connect(s.opts())
	defer conn.Close()

	s.s.SetNoReply(true)
	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()

	_, err := conn.Do(ctx, "GET", "whatever")
	s.isType(err, redis.ErrTransport)
	s.True(conn.Closed())
	s.True(redis.Fatal(conn.Err()))

	// a poisoned connection rejects further use
	_, err = conn.Do(s.ctx, "PING")
	s.isType(err, redis.ErrTransport)
}

func (s *Suite) TestServerGonePoisons() {
	conn := s.connect(s.opts())
	defer conn.Close()
	s.s.Stop()

	_, err := conn.Do(s.ctx, "PING")
	s.isType(err, redis.ErrTransport)
	s.True(conn.Closed())
}

func (s *Suite) TestCloseIdempotent() {
	conn := s.connect(s.opts())
	s.Require().NoError(conn.Close())
	s.Require().NoError(conn.Close())
	s.True(conn.Closed())

	_, err := conn.Do(s.ctx, "PING")
	s.isType(err, redis.ErrUsage)
}
