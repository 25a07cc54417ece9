package worker

import (
	"sync"
)

type task func()

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan task
}

func NewPool(n, queue int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}

	p := &Pool{jobs: make(chan task, queue)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit queues f, blocking while the queue is full. It must not be called after Stop.
func (p *Pool) Submit(f task) { p.jobs <- f }

// QueueDepth reports tasks waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.jobs) }

// Stop drains queued tasks and waits for the workers to exit.
func (p *Pool) Stop() { close(p.jobs); p.wg.Wait() }
