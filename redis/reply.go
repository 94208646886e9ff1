package redis

import (
	"strings"
)

// ReplyType is the RESP type tag of a reply.
type ReplyType byte

const (
	ReplySimple ReplyType = '+'
	ReplyError  ReplyType = '-'
	ReplyInt    ReplyType = ':'
	ReplyBulk   ReplyType = '$'
	ReplyArray  ReplyType = '*'
)

func (t ReplyType) String() string {
	switch t {
	case ReplySimple:
		return "simple string"
	case ReplyError:
		return "error"
	case ReplyInt:
		return "integer"
	case ReplyBulk:
		return "bulk string"
	case ReplyArray:
		return "array"
	}
	return "invalid"
}

// Reply is a single parsed RESP value.
//
// Data holds the payload of simple strings, errors and bulk strings. Int holds
// integer replies. Elems holds array elements and nests arbitrarily. Null
// distinguishes the null bulk ($-1) and null array (*-1) from their empty
// counterparts.
type Reply struct {
	Type  ReplyType
	Null  bool
	Int   int64
	Data  []byte
	Elems []Reply
}

// Simple makes a simple string reply ("+...").
func Simple(s string) Reply { return Reply{Type: ReplySimple, Data: []byte(s)} }

// ErrReply makes a server error reply ("-...").
func ErrReply(s string) Reply { return Reply{Type: ReplyError, Data: []byte(s)} }

// Int makes an integer reply (":...").
func Int(v int64) Reply { return Reply{Type: ReplyInt, Int: v} }

// Bulk makes a bulk string reply. A nil b still makes an empty bulk, not a
// null one; use NullBulk for "$-1".
func Bulk(b []byte) Reply {
	if b == nil {
		b = []byte{}
	}
	return Reply{Type: ReplyBulk, Data: b}
}

// BulkString makes a bulk string reply from a string.
func BulkString(s string) Reply { return Reply{Type: ReplyBulk, Data: []byte(s)} }

// NullBulk makes the "$-1" reply.
func NullBulk() Reply { return Reply{Type: ReplyBulk, Null: true} }

// Array makes an array reply. A nil elems still makes an empty array; use
// NullArray for "*-1".
func Array(elems ...Reply) Reply {
	if elems == nil {
		elems = []Reply{}
	}
	return Reply{Type: ReplyArray, Elems: elems}
}

// NullArray makes the "*-1" reply.
func NullArray() Reply { return Reply{Type: ReplyArray, Null: true} }

// IsNull reports whether r is the null bulk or the null array.
func (r Reply) IsNull() bool { return r.Null }

// IsError reports whether r is a server error reply.
func (r Reply) IsError() bool { return r.Type == ReplyError }

// Bytes returns the payload of a simple string, error or bulk reply,
// and nil for every other variant.
func (r Reply) Bytes() []byte {
	switch r.Type {
	case ReplySimple, ReplyError, ReplyBulk:
		if r.Null {
			return nil
		}
		return r.Data
	}
	return nil
}

// Str returns the payload of a simple string, error or bulk reply as a string.
func (r Reply) Str() string { return string(r.Bytes()) }

// AsError converts an Error reply into an ErrResult error carrying the leading
// status word as the EKErrorKind property. For every other variant it returns
// nil.
func (r Reply) AsError() error {
	if r.Type != ReplyError {
		return nil
	}
	msg := string(r.Data)
	kind := msg
	if i := strings.IndexByte(msg, ' '); i >= 0 {
		kind = msg[:i]
	}
	return ErrResult.New("%s", msg).WithProperty(EKErrorKind, kind)
}

// FirstError scans replies in order and escalates the first Error variant.
// It is the opt-in "raise on redis error" helper: Execute never fails on
// server error replies by itself.
func FirstError(replies []Reply) error {
	for _, r := range replies {
		if r.Type == ReplyError {
			return r.AsError()
		}
	}
	return nil
}
