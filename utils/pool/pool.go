package pool

import (
	"context"
	"sync"
)

// Pool is a basic work pool bounding how many jobs run at once. It is
// shared by the queue executors of every replica in the process.
type Pool struct {
	workerQ chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a new worker pool with a goroutine limit.
func NewPool(routines int) *Pool {
	if routines < 1 {
		routines = 1
	}
	q := make(chan struct{}, routines)
	for i := 0; i < routines; i++ {
		q <- struct{}{}
	}
	return &Pool{workerQ: q}
}

// Work is a blocking call that starts the
// pool working on a job channel.
func (p *Pool) Work(c <-chan func()) {
	for job := range c {
		<-p.workerQ
		p.run(job)
	}
}

// TrySubmit starts job if a worker is free and reports whether it did.
func (p *Pool) TrySubmit(job func()) bool {
	select {
	case <-p.workerQ:
		p.run(job)
		return true
	default:
		return false
	}
}

// Submit waits for a free worker, then starts job.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.workerQ:
		p.run(job)
		return nil
	}
}

func (p *Pool) run(job func()) {
	p.wg.Add(1)
	go func() {
		defer func() {
			p.workerQ <- struct{}{}
			p.wg.Done()
		}()
		job()
	}()
}

// Busy returns the number of running jobs.
func (p *Pool) Busy() int {
	return cap(p.workerQ) - len(p.workerQ)
}

// Size returns the goroutine limit.
func (p *Pool) Size() int {
	return cap(p.workerQ)
}

// Wait waits until the pool is finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
