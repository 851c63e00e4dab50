// Package parallel runs CPU-side build work across a fixed set of
// goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs batches of tasks on long-lived workers.
//
// Each worker owns a queue and steals from the others when it runs dry,
// which keeps workers busy when task costs are uneven (a BLAS of a
// million triangles next to a BLAS of twelve).
//
// WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorkerPool starts a pool. If workers is 0 or negative, GOMAXPROCS
// is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			return
		case task := <-own:
			task()
			continue
		default:
		}

		if task := p.steal(id); task != nil {
			task()
			continue
		}
		select {
		case <-p.done:
			return
		case task := <-own:
			task()
		}
	}
}

// steal takes one task from another worker's queue, or returns nil.
func (p *WorkerPool) steal(id int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case task := <-p.queues[(id+i)%p.workers]:
			return task
		default:
		}
	}
	return nil
}

// ExecuteAll runs every task and waits for all of them. Tasks are dealt
// round-robin. After Close, tasks run on the calling goroutine.
func (p *WorkerPool) ExecuteAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	if !p.running.Load() || len(tasks) == 1 {
		for _, task := range tasks {
			task()
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		wrapped := func() {
			defer wg.Done()
			task()
		}
		select {
		case p.queues[i%p.workers] <- wrapped:
		case <-p.done:
			wrapped()
		}
	}
	wg.Wait()
}

// Close stops the workers once their current tasks finish. Close is
// idempotent.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }
