package softmac

import (
	"context"
	"sync"
)

// A worker runs functions one at a time, in submission order, on a single
// goroutine. Its queue is unbounded so that posting never blocks.
type worker struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	running sync.WaitGroup
}

func newWorker() *worker {
	w := &worker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	w.running.Add(1)
	go w.run()
	return w
}

func (w *worker) run() {
	defer w.running.Done()

	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.closed {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.notify
			w.mu.Lock()
		}

		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		fn()
	}
}

// post queues fn and returns immediately. It reports false if the worker is
// closed.
func (w *worker) post(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

// do queues fn and waits for it to run. It must not be called from the
// worker goroutine.
func (w *worker) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !w.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrDeviceClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// len returns the number of queued functions.
func (w *worker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.queue)
}

// close runs the remaining queue and stops the goroutine.
func (w *worker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	w.running.Wait()
	close(w.done)
}
