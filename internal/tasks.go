package internal

import "sync/atomic"

const workerN = 8
const backlog = 512

var taskn uint32
var queues []chan func()

func init() {
	queues = make([]chan func(), workerN)
	for i := range queues {
		ch := make(chan func(), backlog)
		queues[i] = ch
		go worker(ch)
	}
}

func worker(ch chan func()) {
	for f := range ch {
		f()
	}
}

// Go runs f on one of a small set of long-lived workers, so detached
// housekeeping tasks (replacement connection dials, handoffs) don't each pay
// for a fresh goroutine. Queues are picked round-robin; when the picked queue
// is full it falls back to spawning.
func Go(f func()) {
	i := atomic.AddUint32(&taskn, 1)
	select {
	case queues[i%workerN] <- f:
	default:
		go f()
	}
}
