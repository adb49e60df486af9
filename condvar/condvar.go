// Package condvar provides an intra-scheduler condition variable:
// coroutines suspend on it directly, with no OS-level mutex or kernel
// futex involved, since only one coroutine ever runs at a time on a
// given scheduler.
package condvar

import (
	"github.com/blockspacer/coros/coroutine"
)

// Scheduler is the subset of *scheduler.Scheduler a Condvar needs. It is
// expressed as an interface here (instead of importing package scheduler
// directly) so this package itself depends only on package coroutine.
// The package's tests pass a real *scheduler.Scheduler.
type Scheduler interface {
	Wake(c *coroutine.Coroutine, ev coroutine.Event)
}

// Condvar is a FIFO-free, scheduler-local wait list. It carries no
// predicate of its own: callers are expected to check their own
// condition in a loop around Wait, same as any condition variable.
type Condvar struct {
	sched   Scheduler
	waiters []*coroutine.Coroutine
}

// New creates a Condvar bound to sched, whose Wake is called to requeue
// a waiter for resumption.
func New(sched Scheduler) *Condvar {
	return &Condvar{sched: sched}
}

// Wait suspends c until a Notify call selects it. The caller owns
// re-checking its condition after Wait returns, since NotifyAll wakes
// every waiter regardless of why each one is waiting.
func (cv *Condvar) Wait(c *coroutine.Coroutine) coroutine.Event {
	cv.waiters = append(cv.waiters, c)
	return coroutine.Suspend(c, coroutine.Waiting)
}

// NotifyOne wakes the most recently added waiter (LIFO), matching the
// reference scheduler's pending-list pop order for compute dispatch.
// Returns false if there were no waiters.
func (cv *Condvar) NotifyOne() bool {
	n := len(cv.waiters)
	if n == 0 {
		return false
	}
	c := cv.waiters[n-1]
	cv.waiters = cv.waiters[:n-1]
	cv.sched.Wake(c, coroutine.EventCond)
	return true
}

// NotifyAll wakes every current waiter and clears the wait list.
func (cv *Condvar) NotifyAll() int {
	n := len(cv.waiters)
	for _, c := range cv.waiters {
		cv.sched.Wake(c, coroutine.EventCond)
	}
	cv.waiters = nil
	return n
}

// Len reports the number of coroutines currently suspended on cv.
func (cv *Condvar) Len() int { return len(cv.waiters) }
