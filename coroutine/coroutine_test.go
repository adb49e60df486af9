package coroutine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOwner records PostCoroutine calls instead of routing through a real
// scheduler, sufficient to exercise Cancel/Join/BeginCompute/EndCompute
// in isolation.
type fakeOwner struct {
	mu      sync.Mutex
	posted  []*Coroutine
	compute []*Coroutine
}

func (o *fakeOwner) PostCoroutine(c *Coroutine, isCompute bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if isCompute {
		o.compute = append(o.compute, c)
	} else {
		o.posted = append(o.posted, c)
	}
}

func (o *fakeOwner) drainPosted() []*Coroutine {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.posted
	o.posted = nil
	return out
}

func TestCoroutine_RunToCompletion(t *testing.T) {
	owner := &fakeOwner{}
	var ran int32
	c := New(owner, func(c *Coroutine) {
		atomic.StoreInt32(&ran, 1)
	}, nil)

	require.Equal(t, Ready, c.State())
	c.Resume()
	assert.Equal(t, Done, c.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestCoroutine_Nice_YieldsThenResumes(t *testing.T) {
	owner := &fakeOwner{}
	var steps []int
	c := New(owner, func(c *Coroutine) {
		steps = append(steps, 1)
		c.Nice()
		steps = append(steps, 2)
	}, nil)

	c.Resume()
	require.Equal(t, Ready, c.State())
	assert.Equal(t, []int{1}, steps)

	c.Resume()
	assert.Equal(t, Done, c.State())
	assert.Equal(t, []int{1, 2}, steps)
}

func TestCoroutine_Self(t *testing.T) {
	owner := &fakeOwner{}
	var observed *Coroutine
	var ok bool
	c := New(owner, func(c *Coroutine) {
		observed, ok = Self()
	}, nil)
	c.Resume()

	require.True(t, ok)
	assert.Same(t, c, observed)

	// Calling goroutine (this test) is not itself a coroutine.
	_, outsideOK := Self()
	assert.False(t, outsideOK)
}

func TestCoroutine_Cancel_UnwindsViaPanicRecover(t *testing.T) {
	owner := &fakeOwner{}
	var cleanedUp bool
	var gotEvent Event
	c := New(owner, func(c *Coroutine) {
		defer func() { cleanedUp = true }()
		gotEvent = Suspend(c, Waiting)
	}, nil)

	c.Resume()
	require.Equal(t, Waiting, c.State())

	c.Cancel()
	posted := owner.drainPosted()
	require.Len(t, posted, 1)
	require.Same(t, c, posted[0])

	c.Resume()
	assert.Equal(t, Done, c.State())
	assert.True(t, cleanedUp)
	// The suspend point never returns on cancellation; it panics before
	// assigning gotEvent, so gotEvent keeps its zero value.
	assert.Equal(t, EventNone, gotEvent)
}

func TestCoroutine_Join_WakesOnFinish(t *testing.T) {
	ownerA := &fakeOwner{}
	ownerB := &fakeOwner{}

	b := New(ownerB, func(c *Coroutine) {
		c.Nice()
	}, nil)
	b.Resume() // b suspends itself via Nice, now READY/not DONE

	var joinEvent Event
	a := New(ownerA, func(c *Coroutine) {
		joinEvent = c.Join(b)
	}, nil)
	a.Resume()
	require.Equal(t, Waiting, a.State())

	// finish b
	b.Resume()
	require.Equal(t, Done, b.State())

	posted := ownerA.drainPosted()
	require.Len(t, posted, 1)
	assert.Same(t, a, posted[0])
	assert.Equal(t, EventJoin, a.Event())

	a.Resume()
	assert.Equal(t, Done, a.State())
	assert.Equal(t, EventJoin, joinEvent)
}

func TestCoroutine_Join_AlreadyDone_DoesNotSuspend(t *testing.T) {
	owner := &fakeOwner{}
	b := New(owner, func(c *Coroutine) {}, nil)
	b.Resume()
	require.Equal(t, Done, b.State())

	var joinEvent Event
	a := New(owner, func(c *Coroutine) {
		joinEvent = c.Join(b)
	}, nil)
	a.Resume()
	assert.Equal(t, Done, a.State())
	assert.Equal(t, EventNone, joinEvent)
}

func TestCoroutine_BeginEndCompute(t *testing.T) {
	owner := &fakeOwner{}
	var gotEvent Event
	c := New(owner, func(c *Coroutine) {
		gotEvent = c.BeginCompute()
		c.EndCompute()
	}, nil)

	c.Resume()
	require.Equal(t, Compute, c.State())

	// simulate a compute pool worker delivering EventCompute then resuming
	c.SetEvent(EventCompute)
	c.Resume()
	require.Equal(t, Ready, c.State())
	assert.Equal(t, EventCompute, gotEvent)

	c.Resume()
	assert.Equal(t, Done, c.State())
}

func TestCoroutine_ResumeOnDone_Panics(t *testing.T) {
	owner := &fakeOwner{}
	c := New(owner, func(c *Coroutine) {}, nil)
	c.Resume()
	require.Equal(t, Done, c.State())

	assert.Panics(t, func() { c.Resume() })
}

func TestCoroutine_OnExit_RunsOnAllPaths(t *testing.T) {
	owner := &fakeOwner{}
	var exited bool
	c := New(owner, func(c *Coroutine) {}, func(c *Coroutine) {
		exited = true
	})
	c.Resume()
	assert.True(t, exited)
}

func TestCoroutine_Deadline(t *testing.T) {
	owner := &fakeOwner{}
	c := New(owner, func(c *Coroutine) { c.Nice() }, nil)
	now := time.Now().Unix()
	c.SetDeadline(now + 5)
	assert.Equal(t, now+5, c.Deadline())
}

func TestCoroutine_NameAndStackSize(t *testing.T) {
	owner := &fakeOwner{}
	c := New(owner, func(c *Coroutine) {}, nil, WithName("worker-1"), WithStackSize(128*1024))
	assert.Equal(t, "worker-1", c.Name())
	assert.Equal(t, 128*1024, c.StackSize())
	c.Resume()
}
