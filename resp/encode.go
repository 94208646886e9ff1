package resp

import (
	"strconv"

	"github.com/siderkv/sider/redis"
)

// AppendCommand serializes cmd as a RESP array of bulk strings and appends it
// to buf. The only error condition is an unsupported argument type, which is
// reported as redis.ErrUsage with buf left unchanged.
func AppendCommand(buf []byte, cmd redis.Command) ([]byte, error) {
	mark := len(buf)
	buf = appendHead(buf, '*', int64(len(cmd.Args)+1))
	buf = appendHead(buf, '$', int64(len(cmd.Name)))
	buf = append(buf, cmd.Name...)
	buf = append(buf, '\r', '\n')
	for _, val := range cmd.Args {
		switch v := val.(type) {
		case string:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case int:
			buf = appendBulkInt(buf, int64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case uint:
			buf = appendBulkUint(buf, uint64(v))
		case uint64:
			buf = appendBulkUint(buf, v)
		case uint32:
			buf = appendBulkUint(buf, uint64(v))
		case uint16:
			buf = appendBulkUint(buf, uint64(v))
		case uint8:
			buf = appendBulkUint(buf, uint64(v))
		case float32:
			str := strconv.FormatFloat(float64(v), 'f', -1, 32)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case float64:
			str := strconv.FormatFloat(v, 'f', -1, 64)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case bool:
			if v {
				buf = append(buf, "$1\r\n1"...)
			} else {
				buf = append(buf, "$1\r\n0"...)
			}
		case nil:
			buf = append(buf, "$0\r\n"...)
		default:
			return buf[:mark], redis.ErrUsage.
				New("command argument type %T is not supported", val).
				WithProperty(redis.EKCommand, cmd.Name)
		}
		buf = append(buf, '\r', '\n')
	}
	return buf, nil
}

// AppendCommands serializes a whole batch into one contiguous buffer, so the
// caller can issue it as a single write. On error buf is returned unchanged.
func AppendCommands(buf []byte, cmds []redis.Command) ([]byte, error) {
	mark := len(buf)
	var err error
	for i, cmd := range cmds {
		if buf, err = AppendCommand(buf, cmd); err != nil {
			return buf[:mark], redis.ErrUsage.
				Wrap(err, "command %d of batch is malformed", i)
		}
	}
	return buf, nil
}

// AppendReply serializes a reply value back to its wire form. Together with
// the Decoder this gives the round-trip law decode(AppendReply(r)) == r.
func AppendReply(buf []byte, r redis.Reply) []byte {
	switch r.Type {
	case redis.ReplySimple, redis.ReplyError:
		buf = append(buf, byte(r.Type))
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.ReplyInt:
		buf = appendHead(buf, ':', r.Int)
	case redis.ReplyBulk:
		if r.Null {
			buf = append(buf, "$-1\r\n"...)
			break
		}
		buf = appendHead(buf, '$', int64(len(r.Data)))
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.ReplyArray:
		if r.Null {
			buf = append(buf, "*-1\r\n"...)
			break
		}
		buf = appendHead(buf, '*', int64(len(r.Elems)))
		for _, e := range r.Elems {
			buf = AppendReply(buf, e)
		}
	}
	return buf
}

// appendInt renders i in decimal using only stack scratch.
func appendInt(b []byte, i int64) []byte {
	if i == 0 {
		return append(b, '0')
	}
	u := uint64(i)
	if i < 0 {
		b = append(b, '-')
		u = -u
	}
	var digits [20]byte
	p := len(digits)
	for u > 0 {
		p--
		digits[p] = byte(u%10) + '0'
		u /= 10
	}
	return append(b, digits[p:]...)
}

func appendUint(b []byte, u uint64) []byte {
	if u == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	p := len(digits)
	for u > 0 {
		p--
		digits[p] = byte(u%10) + '0'
		u /= 10
	}
	return append(b, digits[p:]...)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}

func appendBulkInt(b []byte, i int64) []byte {
	var scratch [20]byte
	digits := appendInt(scratch[:0], i)
	b = appendHead(b, '$', int64(len(digits)))
	return append(b, digits...)
}

func appendBulkUint(b []byte, u uint64) []byte {
	var scratch [20]byte
	digits := appendUint(scratch[:0], u)
	b = appendHead(b, '$', int64(len(digits)))
	return append(b, digits...)
}
