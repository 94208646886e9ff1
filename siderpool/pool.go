/*
Package siderpool multiplexes callers over a bounded set of connections.

Connections are minted lazily up to the configured size. When all of them are
out, Acquire parks the caller on a strict FIFO queue: the first waiter is the
first to receive a released connection. FIFO does not buy throughput under
saturation, but it bounds the worst-case wait and makes starvation arguments
trivial.

A connection that comes back poisoned is closed, and its slot is freed so the
next Acquire can mint a fresh one.
*/
package siderpool

import (
	"container/list"
	"context"
	"sync"

	"github.com/siderkv/sider/internal"
	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/siderconn"
)

type Opts struct {
	// Size is the maximum number of connections, required, at least 1.
	Size int
	// Conn holds the parameters every pooled connection is created with.
	Conn siderconn.Opts
}

// Pool is a bounded set of connections with fair FIFO waiting.
// All methods are safe for concurrent use.
type Pool struct {
	opts Opts

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*siderconn.Conn
	created int
	waiters *list.List
	closed  bool
}

type grant struct {
	conn *siderconn.Conn
	err  error
}

// waiters hold a buffered channel so a grant never blocks the releaser.
// Connection grants are only ever sent under the pool mutex with the
// cancelled flag checked, so a cancelled Acquire can never strand a
// connection in an abandoned channel. Error grants are safe to abandon.
type waiter struct {
	ch        chan grant
	cancelled bool
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Idle    int
	Created int
	Waiters int
}

func New(opts Opts) (*Pool, error) {
	if opts.Size < 1 {
		return nil, redis.ErrUsage.New("pool size must be at least 1, got %d", opts.Size)
	}
	p := &Pool{
		opts:    opts,
		waiters: list.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Acquire hands out a connection: an idle one if available, a freshly minted
// one while fewer than Size exist, and otherwise parks the caller in FIFO
// order. The returned handle owns the connection until Release.
//
// Cancelling ctx while parked removes the caller from the queue; a grant
// racing the cancellation is returned to the pool, never leaked.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, redis.ErrPoolClosed.New("pool is drained")
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Handle{pool: p, conn: conn}, nil
	}
	if p.created < p.opts.Size {
		p.created++
		p.mu.Unlock()
		conn, err := siderconn.Connect(ctx, p.opts.Conn)
		if err != nil {
			p.connectFailed()
			return nil, err
		}
		return &Handle{pool: p, conn: conn}, nil
	}

	w := &waiter{ch: make(chan grant, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		return &Handle{pool: p, conn: g.conn}, nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case g := <-w.ch:
			// The grant won the race; put it back.
			p.mu.Unlock()
			if g.conn != nil {
				p.put(g.conn)
			}
		default:
			w.cancelled = true
			p.waiters.Remove(elem)
			p.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// Prefill mints connections until the pool holds Size of them, so the first
// wave of callers doesn't pay connect latency.
func (p *Pool) Prefill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return redis.ErrPoolClosed.New("pool is drained")
		}
		if p.created >= p.opts.Size {
			p.mu.Unlock()
			return nil
		}
		p.created++
		p.mu.Unlock()

		conn, err := siderconn.Connect(ctx, p.opts.Conn)
		if err != nil {
			p.connectFailed()
			return err
		}
		p.put(conn)
	}
}

// connectFailed frees the slot reserved for a failed dial. If a waiter is
// parked it inherits the slot immediately, so a failed mint can't strand a
// waiter next to free capacity.
func (p *Pool) connectFailed() {
	p.mu.Lock()
	if !p.closed {
		if e := p.waiters.Front(); e != nil {
			w := e.Value.(*waiter)
			p.waiters.Remove(e)
			p.mu.Unlock()
			internal.Go(func() { p.mint(w) })
			return
		}
	}
	p.created--
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Drain closes the pool: waiters are woken with ErrPoolClosed, idle
// connections are closed immediately, and Drain then blocks until every
// outstanding connection has been returned (or ctx fires). Idempotent.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for e := p.waiters.Front(); e != nil; e = e.Next() {
			e.Value.(*waiter).ch <- grant{err: redis.ErrPoolClosed.New("pool is drained")}
		}
		p.waiters.Init()
		for _, conn := range p.idle {
			conn.Close()
			p.created--
		}
		p.idle = nil
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.created > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool occupancy. Busy connections are
// Created - Idle.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		Created: p.created,
		Waiters: p.waiters.Len(),
	}
}

// put returns a connection to the pool: the head waiter gets it if one is
// parked, otherwise it goes idle. Poisoned connections free their slot
// instead, and a replacement is minted for the head waiter on a detached
// task so the releaser doesn't pay connect latency.
func (p *Pool) put(conn *siderconn.Conn) {
	p.mu.Lock()
	if conn.Closed() {
		p.created--
		if !p.closed {
			if e := p.waiters.Front(); e != nil {
				w := e.Value.(*waiter)
				p.waiters.Remove(e)
				p.created++
				internal.Go(func() { p.mint(w) })
			}
		}
		p.cond.Broadcast()
		p.mu.Unlock()
		return
	}
	if p.closed {
		p.created--
		p.cond.Broadcast()
		p.mu.Unlock()
		conn.Close()
		return
	}
	if e := p.waiters.Front(); e != nil {
		w := e.Value.(*waiter)
		p.waiters.Remove(e)
		w.ch <- grant{conn: conn}
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// mint dials a replacement for a parked waiter after a poisoned return or a
// failed dial. A failed replacement dial surfaces to the waiter as its
// Acquire error.
func (p *Pool) mint(w *waiter) {
	ctx := context.Background()
	conn, err := siderconn.Connect(ctx, p.opts.Conn)
	if err != nil {
		p.connectFailed()
		w.ch <- grant{err: err}
		return
	}
	p.mu.Lock()
	if p.closed {
		p.created--
		p.cond.Broadcast()
		p.mu.Unlock()
		conn.Close()
		w.ch <- grant{err: redis.ErrPoolClosed.New("pool is drained")}
		return
	}
	if w.cancelled {
		p.mu.Unlock()
		p.put(conn)
		return
	}
	w.ch <- grant{conn: conn}
	p.mu.Unlock()
}

// Handle is scoped ownership of one pooled connection. Release returns the
// connection to the pool and runs exactly once; a Handle must not be used
// after Release.
type Handle struct {
	pool *Pool
	conn *siderconn.Conn
	once sync.Once
}

// Conn is the owned connection. Nil after Release.
func (h *Handle) Conn() *siderconn.Conn { return h.conn }

// Release returns the connection to the pool (or closes it, if it came back
// poisoned or the pool was drained meanwhile). Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		conn := h.conn
		h.conn = nil
		h.pool.put(conn)
	})
}
