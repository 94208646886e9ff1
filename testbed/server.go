// Package testbed runs a miniature in-process RESP server, so the client
// test suites exercise real sockets without depending on a redis-server
// binary. It speaks enough of the command set for the suites: strings,
// lists, MULTI/EXEC framing, AUTH/SELECT handshakes.
package testbed

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/resp"
)

type Server struct {
	// Password, when non-empty, makes every connection require AUTH.
	Password string

	mu       sync.Mutex
	lis      net.Listener
	dbs      map[int]*database
	conns    map[net.Conn]struct{}
	noReply  bool
	failExec bool
	wg       sync.WaitGroup
}

type database struct {
	strings map[string][]byte
	lists   map[string][][]byte
}

func newDatabase() *database {
	return &database{
		strings: make(map[string][]byte),
		lists:   make(map[string][][]byte),
	}
}

// Start listens on an ephemeral loopback port and begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.lis = lis
	s.dbs = map[int]*database{0: newDatabase()}
	s.conns = make(map[net.Conn]struct{})
	s.wg.Add(1)
	go s.acceptLoop(lis)
	return nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Port is the listening port.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return port
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	for c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	if lis != nil {
		lis.Close()
	}
	s.wg.Wait()
}

// SetNoReply makes the server swallow requests without answering, to
// simulate a stalled peer.
func (s *Server) SetNoReply(v bool) {
	s.mu.Lock()
	s.noReply = v
	s.mu.Unlock()
}

// FailNextExec makes the next EXEC return a null array, the way a
// WATCH-invalidated transaction does.
func (s *Server) FailNextExec() {
	s.mu.Lock()
	s.failExec = true
	s.mu.Unlock()
}

// FlushAll drops every database.
func (s *Server) FlushAll() {
	s.mu.Lock()
	s.dbs = map[int]*database{0: newDatabase()}
	s.mu.Unlock()
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.conns == nil {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

type session struct {
	srv    *Server
	authed bool
	db     int
	multi  bool
	queued [][][]byte
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.conns != nil {
			delete(s.conns, c)
		}
		s.mu.Unlock()
		c.Close()
	}()

	sess := &session{srv: s, authed: s.Password == ""}
	var dec resp.Decoder
	var buf, out []byte
	chunk := make([]byte, 4096)
	for {
		n, err := c.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		out = out[:0]
		for {
			r, ok, perr := dec.TryParseOne(buf)
			if perr != nil {
				out = resp.AppendReply(out, redis.ErrReply("ERR Protocol error"))
				c.Write(out)
				return
			}
			if !ok {
				break
			}
			args, ok := commandArgs(r)
			if !ok {
				out = resp.AppendReply(out, redis.ErrReply("ERR Protocol error: expected array of bulk strings"))
				c.Write(out)
				return
			}
			out = resp.AppendReply(out, sess.dispatch(args))
		}
		if pos := dec.Pos(); pos > 0 {
			live := copy(buf, buf[pos:])
			buf = buf[:live]
			dec.Rebase(pos)
		}
		s.mu.Lock()
		silent := s.noReply
		s.mu.Unlock()
		if len(out) > 0 && !silent {
			if _, err := c.Write(out); err != nil {
				return
			}
		}
	}
}

func commandArgs(r redis.Reply) ([][]byte, bool) {
	if r.Type != redis.ReplyArray || r.Null || len(r.Elems) == 0 {
		return nil, false
	}
	args := make([][]byte, len(r.Elems))
	for i, e := range r.Elems {
		if e.Type != redis.ReplyBulk || e.Null {
			return nil, false
		}
		args[i] = e.Data
	}
	return args, true
}

func (sess *session) dispatch(args [][]byte) redis.Reply {
	name := strings.ToUpper(string(args[0]))
	if !sess.authed && name != "AUTH" {
		return redis.ErrReply("NOAUTH Authentication required.")
	}
	if sess.multi && name != "EXEC" && name != "DISCARD" && name != "MULTI" {
		sess.queued = append(sess.queued, args)
		return redis.Simple("QUEUED")
	}
	switch name {
	case "MULTI":
		if sess.multi {
			return redis.ErrReply("ERR MULTI calls can not be nested")
		}
		sess.multi = true
		sess.queued = nil
		return redis.Simple("OK")
	case "EXEC":
		if !sess.multi {
			return redis.ErrReply("ERR EXEC without MULTI")
		}
		sess.multi = false
		queued := sess.queued
		sess.queued = nil
		sess.srv.mu.Lock()
		abort := sess.srv.failExec
		sess.srv.failExec = false
		sess.srv.mu.Unlock()
		if abort {
			return redis.NullArray()
		}
		results := make([]redis.Reply, len(queued))
		for i, q := range queued {
			results[i] = sess.run(q)
		}
		return redis.Array(results...)
	case "DISCARD":
		if !sess.multi {
			return redis.ErrReply("ERR DISCARD without MULTI")
		}
		sess.multi = false
		sess.queued = nil
		return redis.Simple("OK")
	}
	return sess.run(args)
}

func (sess *session) run(args [][]byte) redis.Reply {
	s := sess.srv
	name := strings.ToUpper(string(args[0]))
	switch name {
	case "PING":
		if len(args) > 1 {
			return redis.Bulk(args[1])
		}
		return redis.Simple("PONG")
	case "ECHO":
		if len(args) != 2 {
			return arityError(name)
		}
		return redis.Bulk(args[1])
	case "AUTH":
		if len(args) != 2 {
			return arityError(name)
		}
		if s.Password == "" {
			return redis.ErrReply("ERR Client sent AUTH, but no password is set")
		}
		if string(args[1]) != s.Password {
			return redis.ErrReply("ERR invalid password")
		}
		sess.authed = true
		return redis.Simple("OK")
	case "SELECT":
		if len(args) != 2 {
			return arityError(name)
		}
		db, err := strconv.Atoi(string(args[1]))
		if err != nil || db < 0 {
			return redis.ErrReply("ERR DB index is out of range")
		}
		sess.db = db
		return redis.Simple("OK")
	case "CLIENT":
		if len(args) >= 2 && strings.EqualFold(string(args[1]), "SETNAME") {
			return redis.Simple("OK")
		}
		return redis.ErrReply("ERR Unknown CLIENT subcommand")
	case "FLUSHALL":
		s.FlushAll()
		return redis.Simple("OK")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.dbs[sess.db]
	if db == nil {
		db = newDatabase()
		s.dbs[sess.db] = db
	}

	switch name {
	case "SET":
		if len(args) < 3 {
			return arityError(name)
		}
		key := string(args[1])
		delete(db.lists, key)
		db.strings[key] = append([]byte(nil), args[2]...)
		return redis.Simple("OK")
	case "GET":
		if len(args) != 2 {
			return arityError(name)
		}
		key := string(args[1])
		if _, ok := db.lists[key]; ok {
			return wrongType()
		}
		v, ok := db.strings[key]
		if !ok {
			return redis.NullBulk()
		}
		return redis.Bulk(append([]byte(nil), v...))
	case "DEL":
		if len(args) < 2 {
			return arityError(name)
		}
		n := int64(0)
		for _, k := range args[1:] {
			key := string(k)
			if _, ok := db.strings[key]; ok {
				delete(db.strings, key)
				n++
			} else if _, ok := db.lists[key]; ok {
				delete(db.lists, key)
				n++
			}
		}
		return redis.Int(n)
	case "EXISTS":
		if len(args) < 2 {
			return arityError(name)
		}
		n := int64(0)
		for _, k := range args[1:] {
			key := string(k)
			if _, ok := db.strings[key]; ok {
				n++
			} else if _, ok := db.lists[key]; ok {
				n++
			}
		}
		return redis.Int(n)
	case "INCR":
		if len(args) != 2 {
			return arityError(name)
		}
		key := string(args[1])
		if _, ok := db.lists[key]; ok {
			return wrongType()
		}
		v := int64(0)
		if cur, ok := db.strings[key]; ok {
			parsed, err := strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return redis.ErrReply("ERR value is not an integer or out of range")
			}
			v = parsed
		}
		v++
		db.strings[key] = []byte(strconv.FormatInt(v, 10))
		return redis.Int(v)
	case "LPUSH":
		if len(args) < 3 {
			return arityError(name)
		}
		key := string(args[1])
		if _, ok := db.strings[key]; ok {
			return wrongType()
		}
		list := db.lists[key]
		for _, v := range args[2:] {
			list = append([][]byte{append([]byte(nil), v...)}, list...)
		}
		db.lists[key] = list
		return redis.Int(int64(len(list)))
	case "LRANGE":
		if len(args) != 4 {
			return arityError(name)
		}
		key := string(args[1])
		if _, ok := db.strings[key]; ok {
			return wrongType()
		}
		start, err1 := strconv.Atoi(string(args[2]))
		stop, err2 := strconv.Atoi(string(args[3]))
		if err1 != nil || err2 != nil {
			return redis.ErrReply("ERR value is not an integer or out of range")
		}
		list := db.lists[key]
		n := len(list)
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop || start >= n {
			return redis.Array()
		}
		elems := make([]redis.Reply, 0, stop-start+1)
		for _, v := range list[start : stop+1] {
			elems = append(elems, redis.Bulk(append([]byte(nil), v...)))
		}
		return redis.Array(elems...)
	case "TYPE":
		if len(args) != 2 {
			return arityError(name)
		}
		key := string(args[1])
		if _, ok := db.strings[key]; ok {
			return redis.Simple("string")
		}
		if _, ok := db.lists[key]; ok {
			return redis.Simple("list")
		}
		return redis.Simple("none")
	}
	return redis.ErrReply("ERR unknown command '" + string(args[0]) + "'")
}

func arityError(name string) redis.Reply {
	return redis.ErrReply("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
}

func wrongType() redis.Reply {
	return redis.ErrReply("WRONGTYPE Operation against a key holding the wrong kind of value")
}
