// Package scheduler is the per-OS-thread driver tying together package
// coroutine, package computepool, and package ioloop: it owns the
// ready/waiting collections, the cross-thread inbox, and the event-loop
// tick that resumes coroutines in response to I/O readiness, timers,
// joins, and compute completion.
//
// Construction follows joeycumines-go-utilpkg/eventloop's functional
// options shape (a private config struct, a slice of Option closures
// applied before the loop is built) — see New.
package scheduler

import (
	"runtime"
	"sync"
	"time"

	"github.com/blockspacer/coros/computepool"
	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/internal/assert"
	"github.com/blockspacer/coros/internal/obslog"
	"github.com/blockspacer/coros/internal/ring"
	"github.com/blockspacer/coros/ioloop"
)

// IOFlags selects which readiness conditions a WaitIO call arms.
type IOFlags int

const (
	WaitReadable IOFlags = 1 << iota
	WaitWritable
)

// Scheduler is a single-threaded-cooperative coroutine driver. Exactly
// one goroutine — the one inside Run — touches ready/waiting/outstanding
// and the ioloop.Loop; every other goroutine (a coroutine's own body
// goroutine while self-suspending, a compute pool worker, a foreign
// thread calling Cancel or PostCoroutine) either relies on that
// happens-before relationship or routes through the mutex-guarded inbox.
type Scheduler struct {
	loop *ioloop.Loop
	pool *computepool.Pool
	log  *obslog.Logger

	ready   ring.Buffer[*coroutine.Coroutine]
	waiting map[*coroutine.Coroutine]struct{}

	mu          sync.Mutex
	posted      []*coroutine.Coroutine
	computeDone []*coroutine.Coroutine

	outstanding int
	coroutines  map[*coroutine.Coroutine]struct{}

	async      *ioloop.Async
	sweepTimer *ioloop.Timer
}

// Option configures a Scheduler at construction.
type Option func(*config)

type config struct {
	pool          *computepool.Pool
	sweepInterval time.Duration
	log           *obslog.Logger
}

// WithComputePool overrides the compute pool coroutines are dispatched
// to on BeginCompute. Defaults to computepool.Default().
func WithComputePool(p *computepool.Pool) Option {
	return func(c *config) { c.pool = p }
}

// WithSweepInterval overrides the periodic deadline-sweep period used
// for socket-style waits (default 1s).
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger attaches a structured logger; the default discards events.
func WithLogger(log *obslog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// New constructs a Scheduler bound to a fresh ioloop.Loop.
func New(opts ...Option) (*Scheduler, error) {
	cfg := config{
		sweepInterval: time.Second,
		log:           obslog.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pool == nil {
		cfg.pool = computepool.Default()
	}

	loop, err := ioloop.New()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		loop:       loop,
		pool:       cfg.pool,
		log:        cfg.log,
		waiting:    make(map[*coroutine.Coroutine]struct{}),
		coroutines: make(map[*coroutine.Coroutine]struct{}),
	}
	s.async = loop.NewAsync(s.drainAsync)
	s.sweepTimer = loop.NewTimer(cfg.sweepInterval, cfg.sweepInterval, s.sweep)
	loop.OnPrepare(s.tick)
	loop.OnCheck(s.tick)
	return s, nil
}

// Spawn creates a coroutine owned by s, running body, invoking onExit
// after it returns or unwinds, and enqueues it for its first resume.
func (s *Scheduler) Spawn(body coroutine.Body, onExit coroutine.ExitFunc, opts ...coroutine.Option) *coroutine.Coroutine {
	c := coroutine.New(s, body, onExit, opts...)
	s.AddCoroutine(c)
	return c
}

// AddCoroutine enqueues a coroutine created on the current (scheduler)
// thread, dispatching by its current state.
func (s *Scheduler) AddCoroutine(c *coroutine.Coroutine) {
	s.coroutines[c] = struct{}{}
	switch c.State() {
	case coroutine.Ready:
		s.ready.PushBack(c)
	case coroutine.Waiting:
		s.waiting[c] = struct{}{}
	case coroutine.Done:
		delete(s.coroutines, c)
	}
}

// PostCoroutine implements coroutine.Owner: a cross-thread enqueue from
// Cancel, from notifyJoiners, or from a compute pool worker. Safe from
// any goroutine.
func (s *Scheduler) PostCoroutine(c *coroutine.Coroutine, isCompute bool) {
	assert.Invariant(s.log, c.Owner() == s, "PostCoroutine: %v is not owned by this scheduler", c)

	s.mu.Lock()
	if isCompute {
		s.computeDone = append(s.computeDone, c)
	} else {
		s.posted = append(s.posted, c)
	}
	s.mu.Unlock()
	s.async.Send()
}

// wake is the single path that moves a coroutine out of waiting and into
// ready: every same-thread event source (a Wait timer, a WaitIO poll
// callback, a sweep timeout) calls it directly, synchronously, exactly
// once. Cross-thread sources (Cancel, notifyJoiners, compute completion)
// never call it directly — they go through PostCoroutine instead, and
// drainAsync re-checks waiting membership before acting, so a coroutine
// racing between a same-thread wake and a cross-thread post is only ever
// moved to ready once.
func (s *Scheduler) wake(c *coroutine.Coroutine, ev coroutine.Event) {
	delete(s.waiting, c)
	c.SetEvent(ev)
	s.ready.PushBack(c)
}

// Wake moves a WAITING coroutine straight to ready with ev, the same
// same-thread path timers and poll callbacks use. It exists so package
// condvar (which does not import package scheduler) can requeue a waiter
// through the Scheduler interface it declares. Callers other than a
// coroutine body running on this scheduler's own driver goroutine must
// not call it.
func (s *Scheduler) Wake(c *coroutine.Coroutine, ev coroutine.Event) {
	s.wake(c, ev)
}

func (s *Scheduler) drainAsync() {
	s.mu.Lock()
	posted := s.posted
	s.posted = nil
	done := s.computeDone
	s.computeDone = nil
	s.mu.Unlock()

	for _, c := range posted {
		// Only act if c is still tracked as waiting: it may already
		// have been moved to ready by a same-thread wake that raced
		// with this post (e.g. a Wait timer firing the same instant a
		// foreign goroutine calls Cancel). Pushing it again here would
		// resume an already-DONE coroutine a second time.
		if _, ok := s.waiting[c]; ok {
			delete(s.waiting, c)
			s.ready.PushBack(c)
		}
	}
	for _, c := range done {
		s.outstanding--
		// c already ran on the worker's goroutine; classify its
		// resulting state the same way runCoros does after its own
		// Resume, without resuming again (Done must never be pushed to
		// ready, since ready entries get Resume'd unconditionally).
		s.settle(c)
	}
}

func (s *Scheduler) sweep() {
	now := time.Now().Unix()
	for c := range s.waiting {
		if d := c.Deadline(); d != 0 && now >= d {
			s.wake(c, coroutine.EventTimeout)
		}
	}
}

// tick is registered as both the prepare and check hook: drain ready to
// empty, then stop the loop if idle.
func (s *Scheduler) tick() {
	s.runCoros()
	if len(s.waiting) == 0 && s.outstanding == 0 {
		s.loop.Stop()
	}
}

// runCoros drains ready until empty, resuming each coroutine exactly
// once per pass and reclassifying it by its post-resume state.
func (s *Scheduler) runCoros() {
	for {
		c, ok := s.ready.PopFront()
		if !ok {
			return
		}
		c.Resume()
		s.settle(c)
	}
}

// settle reclassifies c by its current state after a Resume — either one
// runCoros just performed, or one a compute pool worker already
// performed before handing c back via PostCoroutine.
func (s *Scheduler) settle(c *coroutine.Coroutine) {
	switch c.State() {
	case coroutine.Done:
		delete(s.coroutines, c)
		s.log.Debug().Int64("coroutine", int64(c.ID())).Log("coroutine done")
	case coroutine.Waiting:
		s.waiting[c] = struct{}{}
	case coroutine.Compute:
		s.outstanding++
		s.pool.Add(c)
	case coroutine.Ready:
		c.SetEvent(coroutine.EventCont)
		s.ready.PushBack(c)
	}
}

// Wait suspends c until d elapses, delivering EventTimeout.
func (s *Scheduler) Wait(c *coroutine.Coroutine, d time.Duration) coroutine.Event {
	timer := s.loop.NewTimer(d, 0, func() {
		s.wake(c, coroutine.EventTimeout)
	})
	defer timer.Stop()
	return coroutine.Suspend(c, coroutine.Waiting)
}

// WaitIO suspends c until fd becomes ready for one of flags (or, if
// deadline is non-zero, until the next sweep observes it has passed).
// This is the scheduler half of the original design's "Wait(c, sock,
// flags)": package socket supplies the raw fd and deadline rather than a
// *Scheduler-visible socket type, which would otherwise require package
// socket and package scheduler to import each other.
func (s *Scheduler) WaitIO(c *coroutine.Coroutine, fd int, flags IOFlags, deadline time.Time) (coroutine.Event, error) {
	var ev ioloop.Events
	if flags&WaitReadable != 0 {
		ev |= ioloop.Readable
	}
	if flags&WaitWritable != 0 {
		ev |= ioloop.Writable
	}

	poll, err := s.loop.RegisterFD(fd, ev, func(got ioloop.Events) {
		switch {
		case got&ioloop.Hangup != 0:
			s.wake(c, coroutine.EventHUP)
		case got&ioloop.Readable != 0 && got&ioloop.Writable != 0:
			s.wake(c, coroutine.EventRWAble)
		case got&ioloop.Writable != 0:
			s.wake(c, coroutine.EventWritable)
		default:
			s.wake(c, coroutine.EventReadable)
		}
	})
	if err != nil {
		return coroutine.EventNone, err
	}
	defer poll.Stop()

	if !deadline.IsZero() {
		c.SetDeadline(deadline.Unix())
		defer c.SetDeadline(0)
	}

	return coroutine.Suspend(c, coroutine.Waiting), nil
}

// Run pins the calling goroutine to its OS thread (mirroring the
// original design's one-OS-thread-per-scheduler assumption, which
// ioloop's epoll/kqueue fd relies on) and drives the event loop until it
// stops, then cancels and unwinds every coroutine still owned by s.
func (s *Scheduler) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := s.loop.Run()
	s.teardown()
	return err
}

// teardown cancels and unwinds every coroutine still owned by s after
// its loop stops. Coroutines in Compute are deliberately excluded: they
// are queued in, or actively running on, a compute pool worker
// goroutine, and CancelAndResume's direct Resume call would race that
// worker's own Resume of the same coroutine, violating the "no two
// threads ever touch a coroutine's stack concurrently" rule. Those are
// left to the owning pool's own shutdown drain (Pool.Close cancels
// anything still queued; anything already running completes naturally
// and is posted back via PostCoroutine, same as in steady state).
func (s *Scheduler) teardown() {
	pending := make([]*coroutine.Coroutine, 0, len(s.coroutines))
	for c := range s.coroutines {
		switch c.State() {
		case coroutine.Done, coroutine.Compute:
		default:
			pending = append(pending, c)
		}
	}
	for _, c := range pending {
		c.CancelAndResume()
		if c.State() == coroutine.Done {
			delete(s.coroutines, c)
		}
	}
	_ = s.loop.Close()
}

// Nice is a convenience wrapper over c.Nice(), kept on Scheduler for API
// parity with the original design's free-function Nice(c).
func (s *Scheduler) Nice(c *coroutine.Coroutine) {
	c.Nice()
}
