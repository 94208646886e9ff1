package siderconn

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/resp"
)

const (
	stateConnecting = iota
	stateReady
	stateBusy
	stateClosed

	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 1 * time.Second
	defaultKeepAlive   = 300 * time.Millisecond

	DefaultReadBufferInitial = 4096
	DefaultReadBufferMax     = 1 << 20
)

type Opts struct {
	// Host of the redis server. Default is 127.0.0.1.
	Host string
	// Port of the redis server. Default is 6379.
	Port int
	// UnixPath, when set, connects over a unix socket and the TCP
	// parameters are ignored.
	UnixPath string
	// DB is the database number. If not zero, SELECT is issued during
	// connect.
	DB int
	// Password for AUTH. Issued during connect when set.
	Password string
	// Name, when set, is registered with CLIENT SETNAME during connect.
	Name string
	// DialTimeout is the timeout for net.Dialer. Default is 5s.
	DialTimeout time.Duration
	// IOTimeout is the deadline on every read/write to the socket.
	// If IOTimeout == 0, it is set to 1s.
	// If IOTimeout < 0, the deadline is disabled.
	IOTimeout time.Duration
	// TCPKeepAlive is the KeepAlive parameter for net.Dialer.
	// If TCPKeepAlive == 0, it is set to 300ms.
	// If TCPKeepAlive < 0, keep-alive is disabled.
	TCPKeepAlive time.Duration
	// ReadBufferInitial is the starting size of the read buffer.
	// Default is 4096.
	ReadBufferInitial int
	// ReadBufferMax is the ceiling the read buffer may grow to. A reply
	// that does not fit is fatal for the connection. Default is 1 MiB.
	ReadBufferMax int
	// Logger for connection lifecycle events.
	Logger Logger
	// Handle is returned with Conn.Handle(), useful for custom logging.
	Handle interface{}
}

func (opts *Opts) endpoint() (network, address string) {
	if p := opts.UnixPath; p != "" {
		return "unix", p
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = 6379
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(port))
}

// Conn is a single connection to a redis server.
//
// A Conn is not safe for concurrent use: it serves one caller and one
// pipeline at a time, and enforces the latter with its busy flag. Concurrent
// load is spread over distinct connections via siderpool.
type Conn struct {
	opts    Opts
	network string
	addr    string

	c        net.Conn
	state    uint32
	closeErr error

	dec  resp.Decoder
	rbuf readBuffer
	wbuf []byte
}

// Connect establishes a connection and performs the handshake: AUTH when a
// password is set, a PING liveness probe, SELECT when a database number is
// set, and CLIENT SETNAME when a name is set. The handshake is batched into
// a single write and each reply is verified. Any handshake failure closes
// the transport and is reported as ErrConnect.
func Connect(ctx context.Context, opts Opts) (*Conn, error) {
	if ctx == nil {
		return nil, redis.ErrUsage.New("context must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger{}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IOTimeout == 0 {
		opts.IOTimeout = defaultIOTimeout
	} else if opts.IOTimeout < 0 {
		opts.IOTimeout = 0
	}
	if opts.TCPKeepAlive == 0 {
		opts.TCPKeepAlive = defaultKeepAlive
	}

	conn := &Conn{opts: opts, state: stateConnecting}
	conn.network, conn.addr = opts.endpoint()
	conn.rbuf.init(opts.ReadBufferInitial, opts.ReadBufferMax)

	conn.report(LogConnecting)
	if err := conn.dial(ctx); err != nil {
		atomic.StoreUint32(&conn.state, stateClosed)
		conn.closeErr = err
		conn.report(LogConnectFailed, err)
		return nil, err
	}
	atomic.StoreUint32(&conn.state, stateReady)
	conn.report(LogConnected,
		conn.c.LocalAddr().String(),
		conn.c.RemoteAddr().String())
	return conn, nil
}

// Addr is the address of the redis endpoint.
func (conn *Conn) Addr() string { return conn.addr }

// Handle returns the user-specified handle from Opts.
func (conn *Conn) Handle() interface{} { return conn.opts.Handle }

// Closed reports whether the connection was closed or poisoned.
func (conn *Conn) Closed() bool {
	return atomic.LoadUint32(&conn.state) == stateClosed
}

// Err returns the error that poisoned the connection, if any.
func (conn *Conn) Err() error { return conn.closeErr }

// Close shuts the transport down. Idempotent. A Conn cannot be reused after
// Close.
func (conn *Conn) Close() error {
	if atomic.LoadUint32(&conn.state) == stateClosed {
		return nil
	}
	atomic.StoreUint32(&conn.state, stateClosed)
	conn.report(LogClosed)
	if conn.c != nil {
		return conn.c.Close()
	}
	return nil
}

// Do executes a single command and returns its reply. It is equivalent to a
// one-command pipeline. A server error comes back as a Reply of the Error
// variant, not as err.
func (conn *Conn) Do(ctx context.Context, name string, args ...interface{}) (redis.Reply, error) {
	if err := conn.ready(); err != nil {
		return redis.Reply{}, err
	}
	buf, err := resp.AppendCommand(conn.wbuf[:0], redis.Req(name, args...))
	if err != nil {
		return redis.Reply{}, err
	}
	conn.wbuf = buf

	stop := conn.watch(ctx)
	defer stop()
	if err := conn.write(ctx, buf); err != nil {
		return redis.Reply{}, err
	}
	replies, err := conn.readReplies(ctx, 1)
	if err != nil {
		return redis.Reply{}, err
	}
	return replies[0], nil
}

// Pipeline starts a plain pipeline on this connection and marks it busy.
// Only one pipeline may be outstanding; a second call before Close of the
// first is ErrUsage.
func (conn *Conn) Pipeline() (*Pipeline, error) {
	return conn.pipeline(false)
}

// Transaction starts a MULTI/EXEC pipeline on this connection.
func (conn *Conn) Transaction() (*Pipeline, error) {
	return conn.pipeline(true)
}

func (conn *Conn) pipeline(tx bool) (*Pipeline, error) {
	if err := conn.ready(); err != nil {
		return nil, err
	}
	atomic.StoreUint32(&conn.state, stateBusy)
	p := &Pipeline{conn: conn, tx: tx, buf: conn.wbuf[:0]}
	if tx {
		p.buf = append(p.buf, resp.MultiReq...)
	}
	return p, nil
}

/********** private api **************/

func (conn *Conn) report(event LogKind, v ...interface{}) {
	conn.opts.Logger.Report(event, conn, v...)
}

func (conn *Conn) ready() error {
	switch atomic.LoadUint32(&conn.state) {
	case stateReady:
		return nil
	case stateBusy:
		return redis.ErrUsage.New("connection is busy with a pipeline")
	case stateClosed:
		return conn.closedErr()
	}
	return redis.ErrUsage.New("connection is not ready")
}

func (conn *Conn) closedErr() error {
	if conn.closeErr != nil {
		return conn.closeErr
	}
	return redis.ErrUsage.New("connection is closed")
}

// poison closes the connection after a fatal error and remembers the cause.
// Fatal means the framing state is no longer trustworthy: the stream may
// still carry replies for writes that never completed, so the connection can
// never be handed out again.
func (conn *Conn) poison(err error) error {
	prev := atomic.LoadUint32(&conn.state)
	if prev == stateClosed {
		return conn.closedErr()
	}
	atomic.StoreUint32(&conn.state, stateClosed)
	conn.closeErr = err
	if conn.c != nil {
		conn.c.Close()
	}
	if prev != stateConnecting {
		conn.report(LogBroken, err)
	}
	return err
}

func (conn *Conn) dial(ctx context.Context) error {
	dialer := net.Dialer{
		Timeout:   conn.opts.DialTimeout,
		KeepAlive: conn.opts.TCPKeepAlive,
		Control:   controlSocket,
	}
	c, err := dialer.DialContext(ctx, conn.network, conn.addr)
	if err != nil {
		return redis.ErrConnect.Wrap(err, "could not connect").
			WithProperty(redis.EKAddress, conn.addr)
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		if conn.opts.TCPKeepAlive < 0 {
			// the control hook may have turned SO_KEEPALIVE on
			tcp.SetKeepAlive(false)
		}
	}
	conn.c = c
	if err := conn.handshake(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (conn *Conn) handshake(ctx context.Context) error {
	cmds := make([]redis.Command, 0, 4)
	expect := make([]string, 0, 4)
	if p := conn.opts.Password; p != "" {
		cmds = append(cmds, redis.Req("AUTH", p))
		expect = append(expect, "OK")
	}
	cmds = append(cmds, redis.Req("PING"))
	expect = append(expect, "PONG")
	if db := conn.opts.DB; db != 0 {
		cmds = append(cmds, redis.Req("SELECT", db))
		expect = append(expect, "OK")
	}
	if n := conn.opts.Name; n != "" {
		cmds = append(cmds, redis.Req("CLIENT", "SETNAME", n))
		expect = append(expect, "OK")
	}

	buf, err := resp.AppendCommands(conn.wbuf[:0], cmds)
	if err != nil {
		return err
	}
	conn.wbuf = buf

	stop := conn.watch(ctx)
	defer stop()
	if err := conn.write(ctx, buf); err != nil {
		return redis.ErrConnect.Wrap(err, "handshake write failed").
			WithProperty(redis.EKAddress, conn.addr)
	}
	replies, err := conn.readReplies(ctx, len(cmds))
	if err != nil {
		return redis.ErrConnect.Wrap(err, "handshake read failed").
			WithProperty(redis.EKAddress, conn.addr)
	}
	for i, r := range replies {
		if r.IsError() {
			e := redis.ErrConnect.Wrap(r.AsError(), "%s rejected during handshake", cmds[i].Name).
				WithProperty(redis.EKAddress, conn.addr)
			if cmds[i].Name == "SELECT" {
				e = e.WithProperty(redis.EKDb, conn.opts.DB)
			}
			return e
		}
		if r.Type != redis.ReplySimple || r.Str() != expect[i] {
			return redis.ErrConnect.New("%s replied %q instead of %q during handshake",
				cmds[i].Name, r.Str(), expect[i]).
				WithProperty(redis.EKAddress, conn.addr)
		}
	}
	return nil
}

var aLongTimeAgo = time.Unix(1, 0)

// watch interrupts blocking socket calls when ctx fires, so cancellation is
// observed at every suspension point and not only between them.
func (conn *Conn) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.c.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (conn *Conn) deadline(ctx context.Context) time.Time {
	var t time.Time
	if conn.opts.IOTimeout > 0 {
		t = time.Now().Add(conn.opts.IOTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (t.IsZero() || d.Before(t)) {
		t = d
	}
	return t
}

// write issues buf as one contiguous write, looping on partial writes. Any
// failure, including cancellation mid-write, poisons the connection: the
// server may already be producing replies for the written prefix.
func (conn *Conn) write(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		if err := ctx.Err(); err != nil {
			return conn.poison(redis.ErrTransport.Wrap(err, "write interrupted").
				WithProperty(redis.EKAddress, conn.addr))
		}
		conn.c.SetWriteDeadline(conn.deadline(ctx))
		n, err := conn.c.Write(buf)
		buf = buf[n:]
		if err != nil {
			return conn.poison(redis.ErrTransport.Wrap(err, "write failed").
				WithProperty(redis.EKAddress, conn.addr))
		}
	}
	return nil
}

// readReplies reads until the decoder has produced exactly n replies, in
// arrival order.
func (conn *Conn) readReplies(ctx context.Context, n int) ([]redis.Reply, error) {
	replies := make([]redis.Reply, 0, n)
	for len(replies) < n {
		r, ok, err := conn.dec.TryParseOne(conn.rbuf.bytes())
		if err != nil {
			return nil, conn.poison(err)
		}
		if ok {
			replies = append(replies, r)
			continue
		}
		if err := conn.fill(ctx); err != nil {
			return nil, err
		}
	}
	conn.maybeCompact()
	return replies, nil
}

// fill makes room if needed and reads more bytes from the socket.
func (conn *Conn) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return conn.poison(redis.ErrTransport.Wrap(err, "read interrupted").
			WithProperty(redis.EKAddress, conn.addr))
	}
	if conn.rbuf.full() {
		// Reclaim consumed space before paying for a reallocation.
		if pos := conn.dec.Pos(); pos > 0 {
			conn.dec.Rebase(conn.rbuf.compact(pos))
		} else if err := conn.rbuf.grow(); err != nil {
			return conn.poison(err)
		}
	}
	conn.c.SetReadDeadline(conn.deadline(ctx))
	n, err := conn.c.Read(conn.rbuf.writable())
	conn.rbuf.extend(n)
	if err != nil {
		if err == io.EOF {
			return conn.poison(redis.ErrTransport.New("connection closed by the server").
				WithProperty(redis.EKAddress, conn.addr))
		}
		return conn.poison(redis.ErrTransport.Wrap(err, "read failed").
			WithProperty(redis.EKAddress, conn.addr))
	}
	return nil
}

// maybeCompact moves the unparsed tail to the front of the read buffer once
// that tail fills at most a quarter of the capacity, keeping the buffer from
// creeping toward its ceiling between pipelines.
func (conn *Conn) maybeCompact() {
	pos := conn.dec.Pos()
	if pos == 0 {
		return
	}
	live := conn.rbuf.len() - pos
	if live == 0 || live*4 <= conn.rbuf.capacity() {
		conn.dec.Rebase(conn.rbuf.compact(pos))
	}
}

// used by error paths that need a short description of an unexpected reply
func describe(r redis.Reply) string {
	switch r.Type {
	case redis.ReplySimple:
		return "+" + r.Str()
	case redis.ReplyError:
		return "-" + r.Str()
	case redis.ReplyInt:
		return ":" + strconv.FormatInt(r.Int, 10)
	case redis.ReplyBulk:
		if r.Null {
			return "null bulk"
		}
		return "bulk of " + strconv.Itoa(len(r.Data)) + " bytes"
	case redis.ReplyArray:
		if r.Null {
			return "null array"
		}
		return "array of " + strconv.Itoa(len(r.Elems)) + " elements"
	}
	return "invalid reply"
}
