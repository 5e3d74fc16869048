// Package workers provides a bounded goroutine pool. A pool keeps Core
// workers alive, grows to Max workers when its queue is full, and runs the
// task on the submitting goroutine when both are exhausted.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is the result of tasks submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Config sizes a pool.
type Config struct {
	Name      string
	Core      int
	Max       int
	Queue     int
	KeepAlive time.Duration
	// OnCallerRuns is invoked each time a task runs on the submitter.
	OnCallerRuns func(pool string)
}

func (c Config) validate() error {
	if c.Core < 1 {
		return fmt.Errorf("pool %s: core size must be at least 1, got %d", c.Name, c.Core)
	}
	if c.Max < c.Core {
		return fmt.Errorf("pool %s: max size %d below core size %d", c.Name, c.Max, c.Core)
	}
	if c.Queue < 0 {
		return fmt.Errorf("pool %s: queue depth must not be negative, got %d", c.Name, c.Queue)
	}
	return nil
}

// Task is the handle to a submitted function.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Finished returns a task that has already completed with err.
func Finished(err error) *Task {
	t := newTask()
	t.finish(err)
	return t
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	fn   func() error
	task *Task
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Workers    int
	Queued     int
	CallerRuns int64
}

// Pool runs submitted functions on a bounded set of goroutines.
type Pool struct {
	cfg   Config
	queue chan job

	mu      sync.Mutex
	workers int
	closed  bool

	wg         sync.WaitGroup
	callerRuns atomic.Int64
}

// New starts a pool with cfg.Core workers.
func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	p := &Pool{cfg: cfg, queue: make(chan job, cfg.Queue)}

	p.mu.Lock()
	for range cfg.Core {
		p.spawn(nil, true)
	}
	p.mu.Unlock()
	return p, nil
}

// Submit schedules fn. It never drops work: when the queue is full and the
// pool is at its maximum size, fn runs before Submit returns.
func (p *Pool) Submit(fn func() error) *Task {
	j := job{fn: fn, task: newTask()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		j.task.finish(ErrPoolClosed)
		return j.task
	}
	select {
	case p.queue <- j:
		p.mu.Unlock()
		return j.task
	default:
	}
	if p.workers < p.cfg.Max {
		p.spawn(&j, false)
		p.mu.Unlock()
		return j.task
	}
	p.mu.Unlock()

	p.callerRuns.Add(1)
	if p.cfg.OnCallerRuns != nil {
		p.cfg.OnCallerRuns(p.cfg.Name)
	}
	run(j)
	return j.task
}

// Stats reports the current worker count, queue length and how many tasks
// ran on their submitter.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: p.workers, Queued: len(p.queue), CallerRuns: p.callerRuns.Load()}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// spawn starts a worker. Callers hold p.mu.
func (p *Pool) spawn(first *job, core bool) {
	p.workers++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if first != nil {
			run(*first)
		}
		if core {
			for j := range p.queue {
				run(j)
			}
			return
		}
		p.idleLoop()
	}()
}

// idleLoop serves the queue until it has been empty for KeepAlive.
func (p *Pool) idleLoop() {
	timer := time.NewTimer(p.cfg.KeepAlive)
	defer timer.Stop()
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			run(j)
			timer.Reset(p.cfg.KeepAlive)
		case <-timer.C:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
}

func run(j job) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		j.task.finish(err)
	}()
	err = j.fn()
}
