package siderconn

import (
	"context"
	"sync/atomic"

	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/resp"
)

// Pipeline accumulates commands and executes them as one batch: a single
// write carries all request frames, and the replies are drained in order
// from a single read loop.
//
// A Pipeline borrows its connection for its whole lifetime. It is executed at
// most once, and it must be Closed when done (normally with defer): Close
// clears the buffer and releases the connection's busy flag. Commands that
// were appended but never executed are silently discarded by Close.
type Pipeline struct {
	conn     *Conn
	buf      []byte
	n        int
	tx       bool
	executed bool
}

// Command appends one command to the batch. No I/O happens until Execute.
// The only errors are usage errors: an unsupported argument type, or
// appending after Execute or Close.
func (p *Pipeline) Command(name string, args ...interface{}) error {
	if p.conn == nil {
		return redis.ErrUsage.New("pipeline is closed")
	}
	if p.executed {
		return redis.ErrUsage.New("pipeline was already executed")
	}
	buf, err := resp.AppendCommand(p.buf, redis.Req(name, args...))
	if err != nil {
		return err
	}
	p.buf = buf
	p.n++
	return nil
}

// Len returns the number of commands appended so far.
func (p *Pipeline) Len() int { return p.n }

// Execute writes the whole batch in one write and reads one reply per
// command, returned in submission order. Server error replies come back as
// Reply values, not as err; use redis.FirstError to escalate them.
//
// In transactional mode the batch is wrapped in MULTI/EXEC: the MULTI and
// QUEUED acknowledgements are verified, and the inner EXEC array is returned
// as the result vector. A null EXEC array (the transaction was invalidated)
// yields an empty result and ErrTxAborted.
func (p *Pipeline) Execute(ctx context.Context) ([]redis.Reply, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	if p.n == 0 && !p.tx {
		return []redis.Reply{}, nil
	}
	conn := p.conn
	if p.tx {
		p.buf = append(p.buf, resp.ExecReq...)
	}
	stop := conn.watch(ctx)
	defer stop()
	if err := conn.write(ctx, p.buf); err != nil {
		return nil, err
	}
	if !p.tx {
		return conn.readReplies(ctx, p.n)
	}
	replies, err := conn.readReplies(ctx, p.n+2)
	if err != nil {
		return nil, err
	}
	return p.verifyTx(replies)
}

// ExecuteDiscard executes the batch but throws the results away. The replies
// are still read and framed so the socket stays synchronized; the caller just
// never sees them.
func (p *Pipeline) ExecuteDiscard(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	if p.n == 0 && !p.tx {
		return nil
	}
	conn := p.conn
	total := p.n
	if p.tx {
		p.buf = append(p.buf, resp.ExecReq...)
		total += 2
	}
	stop := conn.watch(ctx)
	defer stop()
	if err := conn.write(ctx, p.buf); err != nil {
		return err
	}
	_, err := conn.readReplies(ctx, total)
	return err
}

// Close releases the connection's busy flag and clears the command buffer.
// Idempotent. Unexecuted commands are dropped without error.
func (p *Pipeline) Close() {
	conn := p.conn
	if conn == nil {
		return
	}
	p.conn = nil
	conn.wbuf = p.buf[:0]
	if atomic.LoadUint32(&conn.state) == stateBusy {
		atomic.StoreUint32(&conn.state, stateReady)
	}
}

func (p *Pipeline) begin() error {
	if p.conn == nil {
		return redis.ErrUsage.New("pipeline is closed")
	}
	if p.executed {
		return redis.ErrUsage.New("pipeline was already executed")
	}
	if atomic.LoadUint32(&p.conn.state) == stateClosed {
		return p.conn.closedErr()
	}
	p.executed = true
	return nil
}

// verifyTx checks MULTI/EXEC framing. Framing violations poison the
// connection: a transaction in an unknown server-side state cannot be
// reasoned about, and partial-result recovery is not attempted.
func (p *Pipeline) verifyTx(replies []redis.Reply) ([]redis.Reply, error) {
	conn := p.conn
	if r := replies[0]; r.Type != redis.ReplySimple || r.Str() != "OK" {
		return nil, conn.poison(redis.ErrProtocol.
			New("MULTI replied %s instead of +OK", describe(r)))
	}
	for i := 1; i <= p.n; i++ {
		if r := replies[i]; r.Type != redis.ReplySimple || r.Str() != "QUEUED" {
			return nil, conn.poison(redis.ErrProtocol.
				New("command %d of transaction replied %s instead of +QUEUED", i-1, describe(r)))
		}
	}
	exec := replies[p.n+1]
	if exec.Type != redis.ReplyArray {
		return nil, conn.poison(redis.ErrProtocol.
			New("EXEC replied %s instead of an array", describe(exec)))
	}
	if exec.Null {
		return []redis.Reply{}, redis.ErrTxAborted.New("transaction aborted by the server")
	}
	if len(exec.Elems) != p.n {
		return nil, conn.poison(redis.ErrProtocol.
			New("EXEC returned %d results for %d commands", len(exec.Elems), p.n))
	}
	return exec.Elems, nil
}
