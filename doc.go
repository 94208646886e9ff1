/*
Package sider - high throughput Redis client with explicit pipelining.

https://redis.io/topics/pipelining

Pipelining improves the maximum throughput that redis can serve, and reduces CPU
usage both on the redis server and on the client. Most of the win comes from
saving system CPU consumption: a batch of commands is encoded into a single
write, and the batch's replies are drained from a single read loop.

This client keeps pipelining explicit: you open a Pipeline on a connection,
append commands to it, and execute the whole batch at once. A connection serves
one pipeline at a time; concurrency comes from acquiring distinct connections
out of a fair FIFO pool.

Structure

- root package is empty

- common value and error model is in the redis subpackage

- wire protocol encoding/decoding is in the resp subpackage

- single connection and its pipeline are in the siderconn subpackage

- the connection pool is in the siderpool subpackage

- file based configuration is in the config subpackage

Usage

	conn, err := siderconn.Connect(ctx, siderconn.Opts{})
	if err != nil {
		// handle
	}
	defer conn.Close()

	p, err := conn.Pipeline()
	if err != nil {
		// handle
	}
	defer p.Close()
	for i := 0; i < 10000; i++ {
		p.Command("SET", fmt.Sprintf("k%d", i), i)
	}
	replies, err := p.Execute(ctx)

Or through a pool:

	pool, err := siderpool.New(siderpool.Opts{Size: 8})
	h, err := pool.Acquire(ctx)
	defer h.Release()
	reply, err := h.Conn().Do(ctx, "GET", "k1")

Types accepted as command arguments: nil, []byte, string, int (and all other
integer types), float64, float32, bool. All arguments are converted to redis
bulk strings as usual (string and bytes as is; numbers in decimal notation;
bool as 0/1; nil as empty string).

Replies are returned as redis.Reply values that keep the full RESP type
information, including the distinction between null and empty bulks/arrays.
Server-side errors ("-ERR ...") are data, not errors: they come back as a Reply
of the Error variant, and redis.FirstError is the opt-in escalation helper.

IO and protocol errors poison a connection: it is closed and must be replaced
(the pool does this automatically).
*/
package sider
