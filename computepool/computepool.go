// Package computepool runs CPU-bound coroutine segments from a fixed-size
// pool of worker goroutines, off the scheduler's single driver goroutine.
// Workers are not locked to OS threads; each worker's Resume hands control
// to the coroutine's own goroutine for the length of the segment.
//
// The pattern is grounded on joeycumines-go-utilpkg/microbatch's
// functional-options worker-pool shape (BatcherConfig, With* options,
// a fixed slice of worker goroutines draining a shared queue) and on
// catrate/ring.go's ring buffer for the pending queue, generalized via
// internal/ring. Sizing defaults to automaxprocs-adjusted
// runtime.GOMAXPROCS, matching go.uber.org/automaxprocs's container-aware
// CPU accounting used by cmd/coros-echo.
package computepool

import (
	"runtime"
	"sync"

	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/internal/obslog"
	"github.com/blockspacer/coros/internal/ring"
)

// Pool dispatches COMPUTE-state coroutines to a fixed worker pool. A
// worker resumes the coroutine once (running its current synchronous,
// non-yielding compute segment to completion or to its next suspension
// point), then hands it back to its owner via Owner.PostCoroutine.
type Pool struct {
	log *obslog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  ring.Buffer[*coroutine.Coroutine]
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Pool at construction.
type Option func(*poolConfig)

type poolConfig struct {
	workers int
	log     *obslog.Logger
}

// WithWorkers overrides the worker count (default runtime.GOMAXPROCS(0)).
func WithWorkers(n int) Option {
	return func(c *poolConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger attaches a structured logger; the default discards events.
func WithLogger(log *obslog.Logger) Option {
	return func(c *poolConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// New starts a Pool with the given worker count (or GOMAXPROCS if
// unset/non-positive via options).
func New(opts ...Option) *Pool {
	cfg := poolConfig{
		workers: runtime.GOMAXPROCS(0),
		log:     obslog.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	p := &Pool{log: cfg.log}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		go p.worker(i)
	}
	return p
}

var defaultPool *Pool
var defaultPoolOnce sync.Once

// Default returns a process-wide shared Pool, sized to GOMAXPROCS and
// constructed on first use. It is the pool package scheduler.New uses
// when no WithComputePool option is given.
func Default() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = New()
	})
	return defaultPool
}

// Add enqueues a COMPUTE-state coroutine for dispatch to a worker. Safe
// to call from any goroutine; it is always called from a scheduler's own
// driver goroutine in practice, immediately after observing
// coroutine.Compute from a Resume call.
func (p *Pool) Add(c *coroutine.Coroutine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue.PushBack(c)
	p.cond.Signal()
}

// Close stops accepting new work, cancels and unwinds every coroutine
// still sitting in the pending queue (delivering CANCEL and resuming
// each once so it can clean up, same as Coroutine.Cancel elsewhere),
// and waits for every worker goroutine to drain its current item and
// exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var pending []*coroutine.Coroutine
	for {
		c, ok := p.queue.PopFront()
		if !ok {
			break
		}
		pending = append(pending, c)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range pending {
		// c is sitting idle in the pending queue, not on any worker
		// goroutine, so resuming it directly here (the same way a
		// scheduler's own teardown does for its waiting coroutines) is
		// race-free.
		c.CancelAndResume()
		if c.State() != coroutine.Done {
			c.Owner().PostCoroutine(c, true)
		}
	}

	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		c, ok := p.next()
		if !ok {
			return
		}

		p.log.Debug().Int("worker", id).Int64("coroutine", int64(c.ID())).Log("compute dispatch")

		c.SetEvent(coroutine.EventCompute)
		c.Resume()

		p.log.Debug().Int("worker", id).Int64("coroutine", int64(c.ID())).Str("state", c.State().String()).Log("compute segment returned")

		// Post back regardless of resulting state, Done included: the
		// owning scheduler incremented outstanding when it first
		// dispatched c to Compute, and only its own drainAsync (running
		// on its own driver goroutine) decrements it. Skipping the post
		// here because c already finished leaks that count forever.
		c.Owner().PostCoroutine(c, true)
	}
}

// next pops the most recently added coroutine (LIFO), favoring whatever
// segment is still warm in cache over one that has been waiting longest.
func (p *Pool) next() (*coroutine.Coroutine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if c, ok := p.queue.PopBack(); ok {
			return c, true
		}
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
}
