// Package pool provides the shared elastic worker pool chains run on.
//
// The pool has no capacity ceiling: a submitted job is handed to an
// idle worker when one is waiting, otherwise a new worker goroutine is
// started for it. Workers that stay idle past the configured timeout
// exit on their own. The pool is an explicit value constructed by the
// composition root and passed by reference; there is no global pool.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pool: pool is closed")

// DefaultIdleTimeout is how long a worker waits for another job before
// exiting.
const DefaultIdleTimeout = 60 * time.Second

// job is a plain named unit of work; the name is a diagnostic label,
// not a type.
type job struct {
	name   string
	run    func()
	handle *Handle
}

// Handle tracks one submitted job until it settles.
type Handle struct {
	name string
	done chan struct{}
}

// Name returns the diagnostic label the job was submitted with.
func (h *Handle) Name() string { return h.name }

// Wait blocks until the job has returned or ctx is done. The job's own
// outcome is not carried here; failures are expected to be recorded on
// whatever state the job shares with its owner.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the job has settled without blocking.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Pool is an elastic worker pool.
type Pool struct {
	idleTimeout time.Duration

	mu     sync.Mutex
	closed bool

	jobs    chan job
	quit    chan struct{}
	wg      sync.WaitGroup
	workers atomic.Int32
}

// New builds a pool whose idle workers exit after idleTimeout. A zero
// or negative timeout uses DefaultIdleTimeout.
func New(idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		idleTimeout: idleTimeout,
		jobs:        make(chan job),
		quit:        make(chan struct{}),
	}
}

// Submit hands fn to the pool and returns a Handle settling when fn
// returns. If no idle worker picks the job up immediately, a new worker
// is started for it.
func (p *Pool) Submit(name string, fn func()) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	h := &Handle{name: name, done: make(chan struct{})}
	j := job{name: name, run: fn, handle: h}

	// Unbuffered hand-off: an idle worker takes the job right now or a
	// fresh worker is spawned holding it.
	select {
	case p.jobs <- j:
	default:
		p.spawn(j)
	}
	p.mu.Unlock()
	return h, nil
}

// spawn starts a worker that runs first and then stays around for more
// jobs until it idles out. Caller holds p.mu.
func (p *Pool) spawn(first job) {
	p.wg.Add(1)
	p.workers.Add(1)
	go func() {
		defer func() {
			p.workers.Add(-1)
			p.wg.Done()
		}()

		p.runJob(first)

		timer := time.NewTimer(p.idleTimeout)
		defer timer.Stop()
		for {
			select {
			case j := <-p.jobs:
				p.runJob(j)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.idleTimeout)
			case <-timer.C:
				return
			case <-p.quit:
				return
			}
		}
	}()
}

func (p *Pool) runJob(j job) {
	defer close(j.handle.done)
	j.run()
}

// Workers returns the current number of live workers.
func (p *Pool) Workers() int {
	return int(p.workers.Load())
}

// Shutdown stops accepting jobs, releases idle workers and waits for
// running jobs to return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}
