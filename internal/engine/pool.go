package engine

import "sync"

// compilePool implements library.JobQueue as a single-library FIFO job
// queue draining on a shared worker goroutine pool (§4.3 "Compile-Library
// Worker Pool"): enqueueing into an empty queue schedules a worker; a
// worker runs one job and reschedules itself if more remain.
type compilePool struct {
	schedule func(func())

	mu      sync.Mutex
	jobs    []func()
	running bool
}

func newCompilePool(schedule func(func())) *compilePool {
	return &compilePool{schedule: schedule}
}

// Submit appends job to the queue, starting the drain loop if idle.
func (p *compilePool) Submit(job func()) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()

	if start {
		p.schedule(p.drain)
	}
}

// PendingJobs returns the number of jobs not yet started.
func (p *compilePool) PendingJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *compilePool) drain() {
	p.mu.Lock()
	if len(p.jobs) == 0 {
		p.running = false
		p.mu.Unlock()
		return
	}
	job := p.jobs[0]
	p.jobs = p.jobs[1:]
	p.mu.Unlock()

	job()

	p.mu.Lock()
	more := len(p.jobs) > 0
	if !more {
		p.running = false
	}
	p.mu.Unlock()
	if more {
		p.schedule(p.drain)
	}
}
