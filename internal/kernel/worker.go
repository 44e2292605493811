package kernel

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrWorkerClosed is returned by Submit after the worker has been stopped
var ErrWorkerClosed = errors.New("kernel worker closed")

// evalResult carries a completed call's value or transport error
type evalResult struct {
	val Value
	err error
}

type task struct {
	fn    func() (Value, error)
	reply chan evalResult
}

// Worker is the blocking-call isolator: a single long-lived goroutine that
// runs every blocking kernel call, so those calls never occupy a caller's
// goroutine and never run concurrently with each other. It imposes no
// timeout of its own; a caller that stops waiting simply abandons the call,
// and the worker finishes it in the background. Reply channels are buffered
// so the late result is dropped without blocking the worker.
type Worker struct {
	tasks chan task
	done  chan struct{}
	idle  chan struct{}
	busy  atomic.Bool

	mu     sync.Mutex
	closed bool
}

// NewWorker starts the worker goroutine with a bounded task queue
func NewWorker(queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 16
	}
	w := &Worker{
		tasks: make(chan task, queueSize),
		done:  make(chan struct{}),
		idle:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.idle)
	for {
		select {
		case t := <-w.tasks:
			w.busy.Store(true)
			v, err := t.fn()
			t.reply <- evalResult{val: v, err: err} // buffered; never blocks
			w.busy.Store(false)
		case <-w.done:
			return
		}
	}
}

// Submit queues fn for execution on the worker goroutine and returns the
// channel its result will be delivered on. Submit blocks only while the
// queue is full.
func (w *Worker) Submit(fn func() (Value, error)) (<-chan evalResult, error) {
	reply := make(chan evalResult, 1)
	select {
	case w.tasks <- task{fn: fn, reply: reply}:
		return reply, nil
	case <-w.done:
		return nil, ErrWorkerClosed
	}
}

// Busy reports whether a call is currently running on the worker goroutine
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Close stops the worker and waits for an in-flight call to return. A call
// blocked on a wedged kernel only unwinds once the connection is torn down,
// so terminate the session before closing the worker. Safe to call more
// than once.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	w.mu.Unlock()
	<-w.idle
}
