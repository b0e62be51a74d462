// Package workpool runs tasks on a bounded set of goroutines that exit after
// sitting idle.
package workpool

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("worker pool is closed")

const DefaultIdleTimeout = 30 * time.Second

type Pool struct {
	size        int
	idleTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	backlog []func()
	workers int
	idle    int
	closed  bool

	// Tokens sent to idle workers and not yet consumed
	waking int

	// One token per idle worker that should look at the backlog
	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool of at most size workers. Workers are started on demand
// and exit after idleTimeout without work.
func New(size int, idleTimeout time.Duration, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:        size,
		idleTimeout: idleTimeout,
		logger:      logger,
		wake:        make(chan struct{}, size),
	}
}

// Submit queues task. It never blocks on a busy pool.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.backlog = append(p.backlog, task)

	// An idle worker already holding a token will not pick up this task too
	switch {
	case p.idle > p.waking:
		select {
		case p.wake <- struct{}{}:
			p.waking++
		default:
		}
	case p.workers < p.size:
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *Pool) Size() int { return p.size }

// Workers returns the number of live worker goroutines.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Close stops accepting tasks and waits for the backlog to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.wake)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if len(p.backlog) > 0 {
			task := p.backlog[0]
			p.backlog[0] = nil
			p.backlog = p.backlog[1:]
			p.mu.Unlock()

			p.run(task)
			continue
		}
		if p.closed {
			p.workers--
			p.mu.Unlock()
			return
		}
		p.idle++
		p.mu.Unlock()

		timedOut := false
		timer := time.NewTimer(p.idleTimeout)
		select {
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
			timedOut = true
		}

		p.mu.Lock()
		p.idle--
		switch {
		case !timedOut && p.waking > 0:
			p.waking--
		case timedOut && p.waking > p.idle && !p.closed:
			// A token meant for this worker arrived as it timed out
			select {
			case <-p.wake:
				p.waking--
			default:
			}
		}
		if timedOut && len(p.backlog) == 0 {
			p.workers--
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
