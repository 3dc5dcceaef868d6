/*
pool.go - Bounded worker pool

PURPOSE:
  Runs jobs on a fixed set of goroutines fed by a bounded queue. Used for
  notification delivery, off the purchase path.

SEE ALSO:
  - api/notify.go: Hub submits deliveries here
*/
// Package worker runs submitted jobs on a fixed number of goroutines.
package worker

import (
	"sync"
)

type Job func()

type Pool struct {
	wg   sync.WaitGroup
	mu   sync.RWMutex
	done bool
	jobs chan Job
}

// NewPool starts n workers sharing a queue of the given capacity.
func NewPool(n, queue int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{jobs: make(chan Job, queue)}
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

// Submit queues f, blocking while the queue is full. It reports false once
// the pool is stopped.
func (p *Pool) Submit(f Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return false
	}
	p.jobs <- f
	return true
}

// TrySubmit queues f without blocking. It reports false when the queue is
// full or the pool is stopped.
func (p *Pool) TrySubmit(f Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return false
	}
	select {
	case p.jobs <- f:
		return true
	default:
		return false
	}
}

// Len is the number of queued jobs.
func (p *Pool) Len() int { return len(p.jobs) }

// Stop drains the queue and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.done {
		p.done = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
