package resp

import (
	"bytes"

	"github.com/siderkv/sider/redis"
)

const (
	// maxHeaderLen bounds the search for a header line terminator. No sane
	// header (type tag plus length or status line) comes close; a stream that
	// does is not RESP.
	maxHeaderLen = 64 * 1024
	// maxBulkLen mirrors the server-side proto-max-bulk-len default.
	maxBulkLen = 512 * 1024 * 1024
)

// Decoder incrementally parses replies out of a growing byte buffer.
//
// The caller appends freshly read bytes to its buffer and calls TryParseOne
// with the whole buffer; the decoder keeps a cursor of how far it has
// consumed. Frames split at any byte boundary are handled: an incomplete
// reply leaves the cursor untouched and parsing resumes once more bytes
// arrive. When the caller compacts its buffer it rebases the cursor with
// Rebase.
//
// The zero value is ready to use.
type Decoder struct {
	pos int
}

// Pos returns the number of buffer bytes consumed so far.
func (d *Decoder) Pos() int { return d.pos }

// Rebase shifts the cursor back by n bytes after the caller discarded the
// first n bytes of its buffer.
func (d *Decoder) Rebase(n int) { d.pos -= n }

// Reset makes the decoder forget all consumed input.
func (d *Decoder) Reset() { d.pos = 0 }

// TryParseOne attempts to parse one complete reply starting at the cursor.
// It returns (reply, true, nil) and advances the cursor on success,
// (zero, false, nil) if the buffer does not yet hold a complete reply, and
// (zero, false, err) on a protocol violation. Protocol errors are fatal for
// the byte stream: framing cannot be re-synchronized.
func (d *Decoder) TryParseOne(buf []byte) (redis.Reply, bool, error) {
	r, n, err := parseOne(buf[d.pos:])
	if err != nil {
		return redis.Reply{}, false, err
	}
	if n == 0 {
		return redis.Reply{}, false, nil
	}
	d.pos += n
	return r, true, nil
}

// parseOne parses a single reply from the head of buf. It returns the number
// of bytes consumed; zero means the input is incomplete.
func parseOne(buf []byte) (redis.Reply, int, error) {
	if len(buf) == 0 {
		return redis.Reply{}, 0, nil
	}
	tag := buf[0]
	switch tag {
	case '+', '-':
		line, n, err := scanLine(buf)
		if err != nil || n == 0 {
			return redis.Reply{}, 0, err
		}
		return redis.Reply{Type: redis.ReplyType(tag), Data: copyBytes(line)}, n, nil

	case ':':
		line, n, err := scanLine(buf)
		if err != nil || n == 0 {
			return redis.Reply{}, 0, err
		}
		v, err := parseInt(line)
		if err != nil {
			return redis.Reply{}, 0, err
		}
		return redis.Reply{Type: redis.ReplyInt, Int: v}, n, nil

	case '$':
		line, n, err := scanLine(buf)
		if err != nil || n == 0 {
			return redis.Reply{}, 0, err
		}
		l, err := parseInt(line)
		if err != nil {
			return redis.Reply{}, 0, err
		}
		if l == -1 {
			return redis.Reply{Type: redis.ReplyBulk, Null: true}, n, nil
		}
		if l < 0 || l > maxBulkLen {
			return redis.Reply{}, 0, redis.ErrProtocol.New("bulk string length %d out of range", l)
		}
		need := n + int(l) + 2
		if len(buf) < need {
			return redis.Reply{}, 0, nil
		}
		if buf[need-2] != '\r' || buf[need-1] != '\n' {
			return redis.Reply{}, 0, redis.ErrProtocol.New("bulk string of declared length %d has no final CRLF", l)
		}
		return redis.Reply{Type: redis.ReplyBulk, Data: copyBytes(buf[n : n+int(l)])}, need, nil

	case '*':
		line, n, err := scanLine(buf)
		if err != nil || n == 0 {
			return redis.Reply{}, 0, err
		}
		l, err := parseInt(line)
		if err != nil {
			return redis.Reply{}, 0, err
		}
		if l == -1 {
			return redis.Reply{Type: redis.ReplyArray, Null: true}, n, nil
		}
		if l < 0 {
			return redis.Reply{}, 0, redis.ErrProtocol.New("array length %d out of range", l)
		}
		// The declared length is untrusted until the elements actually arrive.
		capHint := l
		if capHint > 1024 {
			capHint = 1024
		}
		elems := make([]redis.Reply, 0, capHint)
		total := n
		for i := int64(0); i < l; i++ {
			el, m, err := parseOne(buf[total:])
			if err != nil || m == 0 {
				return redis.Reply{}, 0, err
			}
			elems = append(elems, el)
			total += m
		}
		return redis.Reply{Type: redis.ReplyArray, Elems: elems}, total, nil

	default:
		return redis.Reply{}, 0, redis.ErrProtocol.New("unknown reply tag %q", tag)
	}
}

// scanLine finds the CRLF-terminated header line after the type tag. It
// returns the line content (tag and terminator excluded) and the total bytes
// consumed; zero consumed means the terminator has not arrived yet.
func scanLine(buf []byte) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[1:], '\n')
	if idx < 0 {
		if len(buf) > maxHeaderLen {
			return nil, 0, redis.ErrProtocol.New("header line exceeds %d bytes", maxHeaderLen)
		}
		return nil, 0, nil
	}
	end := idx + 1
	if end == 1 || buf[end-1] != '\r' {
		return nil, 0, redis.ErrProtocol.New("header line has LF without preceding CR")
	}
	return buf[1 : end-1], end + 1, nil
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrProtocol.New("empty integer")
	}
	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
		if len(buf) == 0 {
			return 0, redis.ErrProtocol.New("empty integer")
		}
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, redis.ErrProtocol.New("malformed integer %q", buf)
		}
		v *= 10
		v += int64(b - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

// copyBytes detaches a payload from the transient read buffer, which is
// compacted and overwritten between parses.
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
