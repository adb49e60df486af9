// Package ioloop is this module's in-process implementation of the
// external event-loop collaborator contract the scheduler depends on:
// a run loop with prepare/check hooks, a coalescing cross-thread async
// wakeup, one-shot/periodic timers, and file-descriptor readiness
// polling (epoll on linux, kqueue on darwin, a channel-based fallback
// elsewhere).
//
// It deliberately does not delegate to Go's runtime network poller
// (net.Conn's hidden goroutine-parking mechanism): doing so would bypass
// the coroutine WAITING state machine scheduler owns and make the
// testable properties in SPEC_FULL.md §8 (in particular "within one loop
// iteration of T1, c is in S1's ready queue") unobservable from outside
// the runtime.
//
// The timer heap is grounded on
// joeycumines-go-utilpkg/eventloop/loop.go's timer/timerHeap
// (container/heap, min time.Time ordering); the prepare/check hook shape
// and the overall Run/RunNoWait/Stop lifecycle are grounded on the same
// file's Loop type, scaled down to what scheduler actually needs.
package ioloop

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	ErrLoopAlreadyRunning = errors.New("ioloop: loop is already running")
	ErrLoopClosed         = errors.New("ioloop: loop is closed")
)

// HookFunc is a prepare/check callback: invoked with no arguments, once
// per loop iteration.
type HookFunc func()

// timerEntry is one scheduled timer.
type timerEntry struct {
	when    time.Time
	repeat  time.Duration // zero means one-shot
	cb      func()
	index   int
	stopped bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a handle returned by Loop.NewTimer. Stop cancels it; safe to
// call more than once, and safe even after the timer has already fired.
type Timer struct {
	loop  *Loop
	entry *timerEntry
}

// Stop cancels the timer so it will not fire again. Must be called from
// the loop's own goroutine (the same goroutine running Run/RunNoWait),
// matching scheduler's single-threaded-cooperative model — timers are
// always armed and disarmed by the coroutine that owns them, which only
// ever runs inside its scheduler's Run call.
func (t *Timer) Stop() {
	if t.entry.stopped {
		return
	}
	t.entry.stopped = true
	if t.entry.index >= 0 && t.entry.index < len(t.loop.timers) && t.loop.timers[t.entry.index] == t.entry {
		heap.Remove(&t.loop.timers, t.entry.index)
	}
}

// Async is a coalescing cross-thread wakeup handle: many Send calls
// between two loop iterations collapse into a single invocation of cb.
type Async struct {
	loop    *Loop
	cb      func()
	pending sync.Mutex
	armed   bool
}

// Send requests cb run once on the loop's own goroutine, waking the loop
// if it is currently blocked in poll. Safe to call from any goroutine.
func (a *Async) Send() {
	a.pending.Lock()
	already := a.armed
	a.armed = true
	a.pending.Unlock()
	if !already {
		a.loop.poller.wake()
	}
}

func (a *Async) fire() {
	a.pending.Lock()
	armed := a.armed
	a.armed = false
	a.pending.Unlock()
	if armed {
		a.cb()
	}
}

// Poll is a handle returned by Loop.RegisterFD.
type Poll struct {
	loop *Loop
	fd   int
}

// Start (re)arms readiness polling on the underlying fd for ev.
func (p *Poll) Start(ev Events) error {
	return p.loop.poller.modifyFD(p.fd, ev)
}

// Stop deregisters the fd from the poller. Safe to call more than once.
func (p *Poll) Stop() error {
	err := p.loop.poller.unregisterFD(p.fd)
	if errors.Is(err, ErrFDNotRegistered) {
		return nil
	}
	return err
}

// Loop is a single-threaded run loop: one prepare pass, one poll (I/O +
// timers + async), one check pass, repeated until Stop.
type Loop struct {
	poller poller

	prepare []HookFunc
	check   []HookFunc

	timers timerHeap
	async  []*Async

	running bool
	closed  bool
	stop    chan struct{}
}

// New constructs a Loop bound to the platform's native poller backend.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{poller: p, stop: make(chan struct{}, 1)}, nil
}

// OnPrepare registers fn to run at the start of every iteration, before
// the loop blocks on I/O.
func (l *Loop) OnPrepare(fn HookFunc) { l.prepare = append(l.prepare, fn) }

// OnCheck registers fn to run at the end of every iteration, after the
// loop returns from I/O polling (and after any fired timers/async
// callbacks have run).
func (l *Loop) OnCheck(fn HookFunc) { l.check = append(l.check, fn) }

// NewTimer schedules cb to run after first elapses, and (if repeat > 0)
// every repeat thereafter, until Stop.
func (l *Loop) NewTimer(first time.Duration, repeat time.Duration, cb func()) *Timer {
	e := &timerEntry{when: time.Now().Add(first), repeat: repeat, cb: cb}
	heap.Push(&l.timers, e)
	return &Timer{loop: l, entry: e}
}

// NewAsync creates a coalescing cross-thread wakeup bound to cb.
func (l *Loop) NewAsync(cb func()) *Async {
	a := &Async{loop: l, cb: cb}
	l.async = append(l.async, a)
	return a
}

// RegisterFD starts readiness polling on fd for ev, invoking cb on every
// dispatch until Poll.Stop is called.
func (l *Loop) RegisterFD(fd int, ev Events, cb Callback) (*Poll, error) {
	if err := l.poller.registerFD(fd, ev, cb); err != nil {
		return nil, err
	}
	return &Poll{loop: l, fd: fd}, nil
}

// nextTimeout computes the poll() timeout in milliseconds: 0 if any
// timer has already fired, otherwise time until the earliest pending
// timer, or -1 (block indefinitely) if none are armed.
func (l *Loop) nextTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if maxInt := int64(^uint(0) >> 1); ms > maxInt {
		ms = maxInt
	}
	return int(ms)
}

func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.stopped {
			continue
		}
		e.cb()
		if e.repeat > 0 && !e.stopped {
			e.when = now.Add(e.repeat)
			heap.Push(&l.timers, e)
		}
	}
}

func (l *Loop) runAsync() {
	for _, a := range l.async {
		a.fire()
	}
}

func (l *Loop) iterate(timeoutMs int) error {
	for _, fn := range l.prepare {
		fn()
	}
	if err := l.poller.poll(timeoutMs); err != nil {
		return err
	}
	l.runTimers()
	l.runAsync()
	for _, fn := range l.check {
		fn()
	}
	return nil
}

// Run blocks, repeatedly iterating (prepare, poll, timers, async, check),
// until Stop is called.
func (l *Loop) Run() error {
	if l.running {
		return ErrLoopAlreadyRunning
	}
	if l.closed {
		return ErrLoopClosed
	}
	l.running = true
	defer func() { l.running = false }()

	for {
		select {
		case <-l.stop:
			return nil
		default:
		}
		if err := l.iterate(l.nextTimeout()); err != nil {
			return err
		}
	}
}

// RunNoWait performs exactly one non-blocking iteration.
func (l *Loop) RunNoWait() error {
	if l.closed {
		return ErrLoopClosed
	}
	return l.iterate(0)
}

// Stop requests the next (or current) Run call return. Safe to call
// from any goroutine, including from inside a prepare/check/timer/async
// callback.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
	l.poller.wake()
}

// Close releases the loop's OS resources (epoll/kqueue fd, wake
// mechanism). Run must not be in progress.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.poller.close()
}
