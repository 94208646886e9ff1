package siderconn

import (
	"github.com/siderkv/sider/redis"
)

// readBuffer accumulates raw bytes from the socket until the decoder can cut
// complete replies out of them. It grows geometrically up to a ceiling and is
// compacted in place once the unparsed tail is small, so a long-lived connection
// settles on a single allocation.
type readBuffer struct {
	buf []byte
	max int
}

func (b *readBuffer) init(initial, max int) {
	if initial <= 0 {
		initial = DefaultReadBufferInitial
	}
	if max <= 0 {
		max = DefaultReadBufferMax
	}
	if max < initial {
		max = initial
	}
	b.buf = make([]byte, 0, initial)
	b.max = max
}

func (b *readBuffer) bytes() []byte { return b.buf }

func (b *readBuffer) len() int { return len(b.buf) }

func (b *readBuffer) capacity() int { return cap(b.buf) }

func (b *readBuffer) full() bool { return len(b.buf) == cap(b.buf) }

// writable is the free tail the next read lands in.
func (b *readBuffer) writable() []byte { return b.buf[len(b.buf):cap(b.buf)] }

// extend commits n freshly read bytes.
func (b *readBuffer) extend(n int) { b.buf = b.buf[:len(b.buf)+n] }

// compact discards the first pos bytes by moving the live region to the
// front. Returns pos so the caller can rebase its decoder cursor.
func (b *readBuffer) compact(pos int) int {
	if pos <= 0 {
		return 0
	}
	live := copy(b.buf, b.buf[pos:])
	b.buf = b.buf[:live]
	return pos
}

// grow doubles the capacity, clamped to the ceiling. A reply that does not
// fit below the ceiling cannot ever be received, which makes it fatal.
func (b *readBuffer) grow() error {
	c := cap(b.buf)
	if c >= b.max {
		return redis.ErrProtocol.New("reply exceeds the read buffer limit of %d bytes", b.max)
	}
	nc := c * 2
	if nc > b.max {
		nc = b.max
	}
	nb := make([]byte, len(b.buf), nc)
	copy(nb, b.buf)
	b.buf = nb
	return nil
}
