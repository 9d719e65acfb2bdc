// Package workerpool runs functions on a fixed number of goroutines fed from a
// bounded queue. Go blocks while the queue is full, which gives callers
// backpressure instead of an unbounded backlog.
package workerpool

import "sync"

// DEFAULT_QUEUE_SIZE is the queue length used by New.
const DEFAULT_QUEUE_SIZE = 1000

// WorkerPool is a set of goroutines that execute submitted functions.
type WorkerPool struct {
	queue chan func()
	wg    sync.WaitGroup
}

// New returns a WorkerPool with the given number of workers and the default
// queue size.
func New(numWorkers int) *WorkerPool {
	return NewWithQueue(numWorkers, DEFAULT_QUEUE_SIZE)
}

// NewWithQueue returns a WorkerPool with numWorkers goroutines and room for
// queueSize pending functions.
func NewWithQueue(numWorkers, queueSize int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &WorkerPool{
		queue: make(chan func(), queueSize),
	}
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.queue {
				fn()
			}
		}()
	}
	return p
}

// Go submits fn to the pool. It blocks if the queue is full. Go panics if
// called after Wait.
func (p *WorkerPool) Go(fn func()) {
	p.queue <- fn
}

// Wait stops accepting new work and blocks until every submitted function
// has run. The pool cannot be reused; a second Wait panics.
func (p *WorkerPool) Wait() {
	close(p.queue)
	p.wg.Wait()
}
