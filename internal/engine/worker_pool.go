package engine

import (
	"sync"
)

// WorkerPool runs batch sub-evaluations on a fixed set of goroutines
type WorkerPool struct {
	workers int
	tasks   chan func()
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewWorkerPool creates and starts a worker pool
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 16
	}

	pool := &WorkerPool{
		workers: workers,
		tasks:   make(chan func(), workers*4),
	}
	pool.start()
	return pool
}

func (p *WorkerPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task, blocking when the queue is full
func (p *WorkerPool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes the task queue and blocks until queued and in-flight
// tasks have finished.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	close(p.tasks)
	p.started = false
	p.wg.Wait()
}

// Workers returns the pool size
func (p *WorkerPool) Workers() int {
	return p.workers
}
