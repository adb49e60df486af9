// Package coroutine implements the suspendable unit of execution at the
// bottom of the dependency stack: stack allocation, context switch,
// cancellation and the READY/RUNNING/WAITING/COMPUTE/DONE state machine.
//
// Go goroutines are already independently growable, stack-switchable
// execution contexts managed by the runtime, so this package does not
// allocate virtual memory or hand-write assembly context switches. Every
// Coroutine owns exactly one dedicated goroutine for its entire lifetime;
// "context switch" is a synchronous, unbuffered channel handoff between
// that goroutine and whichever goroutine calls Resume (normally the
// owning scheduler's driver goroutine, but also a compute pool worker
// goroutine while the coroutine is in the COMPUTE state). See
// SPEC_FULL.md §4.1 for the full rationale.
package coroutine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockspacer/coros/internal/gls"
)

// State is one of the five states a Coroutine may be in.
type State int32

const (
	Ready State = iota
	Running
	Waiting
	Compute
	Done
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Compute:
		return "COMPUTE"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Event is the reason a Coroutine was most recently awakened.
type Event int32

const (
	EventNone Event = iota
	EventCancel
	EventReadable
	EventWritable
	EventRWAble
	EventTimeout
	EventHUP
	EventJoin
	EventCompute
	// EventComputeDone is reserved: the reference implementation this
	// system is modeled on defines it but never delivers it, preferring
	// to reuse EventCompute/Ready transitions. Kept for API parity with
	// hosts that want a distinct post-compute signal.
	EventComputeDone
	EventCont
	EventCond
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventCancel:
		return "CANCEL"
	case EventReadable:
		return "READABLE"
	case EventWritable:
		return "WRITABLE"
	case EventRWAble:
		return "RWABLE"
	case EventTimeout:
		return "TIMEOUT"
	case EventHUP:
		return "HUP"
	case EventJoin:
		return "JOIN"
	case EventCompute:
		return "COMPUTE"
	case EventComputeDone:
		return "COMPUTE_DONE"
	case EventCont:
		return "CONT"
	case EventCond:
		return "COND"
	default:
		return fmt.Sprintf("Event(%d)", int32(e))
	}
}

// DefaultStackSize is reported by StackSize when New is not given an
// explicit size. It is informational only (see package doc); Go does not
// allocate it up front.
const DefaultStackSize = 64 * 1024

// Owner is the minimal contract a coroutine's owning scheduler must
// satisfy. Defining it here (rather than depending on package scheduler
// directly) avoids an import cycle: package scheduler depends on package
// coroutine and on package computepool, and computepool must be able to
// hand a coroutine back to the scheduler that dispatched it without
// importing scheduler itself.
type Owner interface {
	// PostCoroutine enqueues c from a foreign goroutine (relative to the
	// owner's driver goroutine) onto the owner's cross-thread inbox. It
	// must be safe to call concurrently from any goroutine, including
	// the coroutine's own.
	PostCoroutine(c *Coroutine, isCompute bool)
}

// Body is the entry point of a coroutine.
type Body func(c *Coroutine)

// ExitFunc runs after Body returns (normally, via panic, or via
// cancellation unwind), before the coroutine transitions to DONE is
// observed by its owner.
type ExitFunc func(c *Coroutine)

var registry gls.Registry

// cancelUnwind is the internal "exception" thrown up a cancelled
// coroutine's own goroutine stack. It is the Go-native analogue of the
// reference design's C++ unwind marker: panic/recover gives us zero-cost
// (until actually thrown) stack unwinding without assembly.
type cancelUnwind struct{ c *Coroutine }

func (*cancelUnwind) Error() string { return "coroutine: cancelled" }

var idCounter uint64

func nextID() uint64 { return atomic.AddUint64(&idCounter, 1) }

// Coroutine is a suspendable unit of execution with its own goroutine
// stack.
type Coroutine struct {
	id        uint64
	name      string
	createdAt time.Time
	owner     Owner
	stackSize int

	body   Body
	onExit ExitFunc

	state    atomic.Int32
	event    atomic.Int32
	deadline atomic.Int64 // unix seconds; 0 = none

	resume chan struct{}
	yield  chan struct{}

	joinMu  sync.Mutex
	joiners []*Coroutine
}

// Option configures a Coroutine at creation time.
type Option func(*Coroutine)

// WithName attaches a human-readable label, surfaced in logs and in
// String().
func WithName(name string) Option {
	return func(c *Coroutine) { c.name = name }
}

// WithStackSize overrides the informational stack size reported by
// StackSize.
func WithStackSize(n int) Option {
	return func(c *Coroutine) {
		if n > 0 {
			c.stackSize = n
		}
	}
}

// New creates a coroutine owned by owner, in state READY, and starts its
// dedicated goroutine (which immediately blocks awaiting the first
// Resume). It does not enqueue the coroutine anywhere; callers (normally
// package scheduler's Spawn) are responsible for calling
// owner.PostCoroutine or an equivalent same-thread enqueue.
func New(owner Owner, body Body, onExit ExitFunc, opts ...Option) *Coroutine {
	c := &Coroutine{
		id:        nextID(),
		createdAt: time.Now(),
		owner:     owner,
		stackSize: DefaultStackSize,
		body:      body,
		onExit:    onExit,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(Ready))
	go c.trampoline()
	return c
}

// ID returns the coroutine's process-wide unique, monotonically
// increasing identity.
func (c *Coroutine) ID() uint64 { return c.id }

// Name returns the coroutine's optional label.
func (c *Coroutine) Name() string { return c.name }

// CreatedAt returns the creation time.
func (c *Coroutine) CreatedAt() time.Time { return c.createdAt }

// StackSize returns the informational stack size given at creation.
func (c *Coroutine) StackSize() int { return c.stackSize }

// Owner returns the scheduler that owns this coroutine.
func (c *Coroutine) Owner() Owner { return c.owner }

// State returns the coroutine's current state.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// Event returns the reason the coroutine was most recently awakened.
func (c *Coroutine) Event() Event { return Event(c.event.Load()) }

// Deadline returns the absolute unix-seconds deadline armed by the last
// Wait call, or zero if none.
func (c *Coroutine) Deadline() int64 { return c.deadline.Load() }

// SetDeadline sets the absolute deadline used by the scheduler's sweep.
func (c *Coroutine) SetDeadline(unixSeconds int64) { c.deadline.Store(unixSeconds) }

func (c *Coroutine) String() string {
	if c.name != "" {
		return fmt.Sprintf("coroutine(%d,%s)", c.id, c.name)
	}
	return fmt.Sprintf("coroutine(%d)", c.id)
}

// Self resolves the Coroutine bound to the calling goroutine, i.e. the
// coroutine currently executing, analogous to the reference design's
// thread-local Coroutine::Self(). It returns nil, false when called from
// a goroutine that isn't a coroutine body (e.g. the scheduler's own
// driver goroutine).
func Self() (*Coroutine, bool) {
	v, ok := registry.Current()
	if !ok {
		return nil, false
	}
	return v.(*Coroutine), true
}

// SetEvent records ev on c and transitions it to READY. It is the
// primitive the scheduler's loop hooks and the compute pool use to wake
// a WAITING or COMPUTE coroutine. Calling it is only safe from the
// owning scheduler's own driver goroutine (same-thread delivery, per
// SPEC_FULL.md §5), or from the compute pool worker that currently holds
// a COMPUTE coroutine — other cross-thread wakeups must go through
// Owner.PostCoroutine instead.
func (c *Coroutine) SetEvent(ev Event) {
	c.event.Store(int32(ev))
	c.state.Store(int32(Ready))
}

// Cancel requests that c unwind and finish. It is always safe to call
// from any goroutine: it routes through the owning scheduler's
// cross-thread inbox rather than touching scheduler-owned collections
// directly. A no-op if c is already DONE.
func (c *Coroutine) Cancel() {
	if c.State() == Done {
		return
	}
	c.event.Store(int32(EventCancel))
	c.state.Store(int32(Ready))
	c.owner.PostCoroutine(c, false)
}

// CancelAndResume delivers a cancellation and resumes c once so it can
// unwind. Unlike Cancel, it does not route through Owner.PostCoroutine:
// it is for callers that already know c is not concurrently being
// resumed by anyone else — a scheduler tearing itself down after its
// event loop has stopped (when async delivery can no longer be relied
// on), or a compute pool discarding a coroutine that is still sitting
// idle in its pending queue. Calling it on a coroutine that might be
// resumed concurrently elsewhere (e.g. one currently running on a
// worker goroutine) is unsafe.
func (c *Coroutine) CancelAndResume() {
	if c.State() == Done {
		return
	}
	c.event.Store(int32(EventCancel))
	c.state.Store(int32(Ready))
	c.Resume()
}

// Resume hands control to the coroutine for one turn: it unblocks the
// coroutine's goroutine and blocks the caller until the coroutine next
// suspends (or finishes). The caller must inspect State()/Event()
// afterward to decide how to reclassify c. Resuming a DONE coroutine is
// a programming error (the reference design calls this "resuming a DONE
// coroutine", an internal assertion failure) and panics.
func (c *Coroutine) Resume() {
	if c.State() == Done {
		panic("coroutine: Resume called on a DONE coroutine")
	}
	c.resume <- struct{}{}
	<-c.yield
}

// suspend is the single primitive every blocking operation (Wait, Join,
// BeginCompute, EndCompute, Nice, Condvar.Wait) is built from: record
// newState, hand control back to whoever called Resume, and block until
// resumed again. It panics with the internal cancellation marker if the
// coroutine was cancelled while suspended, unwinding through every defer
// between the suspension point and the trampoline's own recover — the
// Go-native equivalent of the reference design's injected exception.
func suspend(c *Coroutine, newState State) Event {
	c.state.Store(int32(newState))
	c.yield <- struct{}{}
	<-c.resume

	if Event(c.event.Load()) == EventCancel {
		panic(&cancelUnwind{c: c})
	}
	c.state.Store(int32(Running))
	return Event(c.event.Load())
}

// Suspend is suspend, exported for sibling packages (scheduler, socket,
// condvar) that implement the actual wait conditions (timers, socket
// readiness, join, condition variables) on top of this primitive. It must
// only be called by c's own goroutine (i.e. from inside c's Body, or from
// a helper Body calls directly).
func Suspend(c *Coroutine, newState State) Event {
	return suspend(c, newState)
}

// Nice performs a plain cooperative yield: c is immediately re-queued as
// READY with no event source armed, giving other ready coroutines in the
// same scheduler tick a turn.
func (c *Coroutine) Nice() {
	suspend(c, Ready)
}

// BeginCompute yields c with state COMPUTE, so the owning scheduler's
// tick loop hands it to the compute pool. It returns once a pool worker
// resumes c — per the reference design's resolved open question, the
// worker sets event=COMPUTE before that resume, so BeginCompute's return
// value is always EventCompute in the non-cancelled path.
func (c *Coroutine) BeginCompute() Event {
	return suspend(c, Compute)
}

// EndCompute yields c with state READY from inside a compute segment
// (i.e. while running on a compute pool worker's goroutine). The worker's
// blocked Resume call observes this and hands c back to its owning
// scheduler via PostCoroutine.
func (c *Coroutine) EndCompute() Event {
	return suspend(c, Ready)
}

// Join suspends the calling coroutine c until other finishes. If other is
// already DONE, Join returns immediately without suspending (matching the
// "a.Join(b) ... if b is not DONE" guard).
func (c *Coroutine) Join(other *Coroutine) Event {
	other.joinMu.Lock()
	if other.State() == Done {
		other.joinMu.Unlock()
		return EventNone
	}
	other.joiners = append(other.joiners, c)
	other.joinMu.Unlock()
	return suspend(c, Waiting)
}

// notifyJoiners wakes every coroutine joined on c, delivering EventJoin.
// Always routes through PostCoroutine: a joiner may belong to a different
// scheduler than c (or, even same-scheduler, c's trampoline is running on
// a foreign goroutine relative to the joiner's driver), so this can never
// safely touch the joiner's scheduler state directly.
func (c *Coroutine) notifyJoiners() {
	c.joinMu.Lock()
	joiners := c.joiners
	c.joiners = nil
	c.joinMu.Unlock()

	for _, j := range joiners {
		j.event.Store(int32(EventJoin))
		j.state.Store(int32(Ready))
		j.owner.PostCoroutine(j, false)
	}
}

// trampoline is the dedicated goroutine backing c for its entire
// lifetime. It blocks for the first Resume, runs the body exactly once
// (catching only the cancellation unwind marker), then reports DONE and
// exits — releasing the goroutine, the analogue of stack deallocation.
func (c *Coroutine) trampoline() {
	<-c.resume

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*cancelUnwind); ok {
					return
				}
				// An unhandled, non-cancellation panic terminates the
				// coroutine (it becomes DONE after onExit runs, per the
				// propagation policy) but is otherwise fatal to the
				// process: the scheduler never catches body errors.
				defer func() {
					c.finish()
				}()
				panic(r)
			}
		}()

		c.state.Store(int32(Running))
		if Event(c.event.Load()) == EventCancel {
			panic(&cancelUnwind{c: c})
		}

		unbind := registry.Bind(c)
		defer unbind()

		c.body(c)
	}()

	c.finish()
}

func (c *Coroutine) finish() {
	c.state.Store(int32(Done))
	if c.onExit != nil {
		c.onExit(c)
	}
	c.notifyJoiners()
	c.yield <- struct{}{}
}
