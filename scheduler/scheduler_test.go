package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspacer/coros/computepool"
	"github.com/blockspacer/coros/coroutine"
)

func rawFD(t *testing.T, conn *net.TCPConn) int {
	t.Helper()
	raw, err := conn.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, raw.Control(func(f uintptr) { fd = int(f) }))
	return fd
}

func TestScheduler_RunsToIdleAndStops(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var ran bool
	s.Spawn(func(c *coroutine.Coroutine) {
		ran = true
	}, nil)

	require.NoError(t, s.Run())
	assert.True(t, ran)
	assert.Empty(t, s.coroutines)
}

func TestScheduler_Wait_DeliversTimeout(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var got coroutine.Event
	start := time.Now()
	var elapsed time.Duration
	s.Spawn(func(c *coroutine.Coroutine) {
		got = s.Wait(c, 30*time.Millisecond)
		elapsed = time.Since(start)
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, coroutine.EventTimeout, got)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestScheduler_Nice_LetsSiblingRunFirst(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var order []string
	s.Spawn(func(c *coroutine.Coroutine) {
		order = append(order, "a1")
		c.Nice()
		order = append(order, "a2")
	}, nil)
	s.Spawn(func(c *coroutine.Coroutine) {
		order = append(order, "b1")
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, []string{"a1", "b1", "a2"}, order)
}

func TestScheduler_Join_WakesAfterOtherFinishes(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var joinEvent coroutine.Event
	var bDoneBeforeJoinReturns bool

	b := s.Spawn(func(c *coroutine.Coroutine) {
		_ = s.Wait(c, 20*time.Millisecond)
	}, nil)

	s.Spawn(func(c *coroutine.Coroutine) {
		joinEvent = c.Join(b)
		bDoneBeforeJoinReturns = b.State() == coroutine.Done
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, coroutine.EventJoin, joinEvent)
	assert.True(t, bDoneBeforeJoinReturns)
}

func TestScheduler_Cancel_UnwindsWaitingCoroutine(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var cleanedUp bool
	var got coroutine.Event

	target := s.Spawn(func(c *coroutine.Coroutine) {
		defer func() { cleanedUp = true }()
		got = s.Wait(c, time.Hour)
	}, nil)

	s.Spawn(func(c *coroutine.Coroutine) {
		_ = s.Wait(c, 10*time.Millisecond)
		target.Cancel()
	}, nil)

	require.NoError(t, s.Run())
	assert.True(t, cleanedUp)
	assert.Equal(t, coroutine.EventNone, got) // Suspend never returns on cancel
	assert.Equal(t, coroutine.Done, target.State())
}

func TestScheduler_BeginCompute_OffloadsAndReturns(t *testing.T) {
	pool := computepool.New(computepool.WithWorkers(1))
	defer pool.Close()

	s, err := New(WithComputePool(pool))
	require.NoError(t, err)

	var sum int
	s.Spawn(func(c *coroutine.Coroutine) {
		c.BeginCompute()
		for i := 1; i <= 100; i++ {
			sum += i
		}
		c.EndCompute()
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, 5050, sum)
}

func TestScheduler_ComputeFinishesToDone_SchedulerStillStops(t *testing.T) {
	pool := computepool.New(computepool.WithWorkers(1))
	defer pool.Close()

	s, err := New(WithComputePool(pool))
	require.NoError(t, err)

	var ran bool
	s.Spawn(func(c *coroutine.Coroutine) {
		ran = true
		c.BeginCompute()
		// No EndCompute: the body returns to DONE directly from the
		// compute segment, with no further suspension on this scheduler.
	}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduler.Run did not return: outstanding compute count likely leaked")
	}
	assert.True(t, ran)
}

func TestScheduler_WaitIO_ReadableFromTCPConn(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverLn.Close()

	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(10 * time.Millisecond)
		_, _ = conn.Write([]byte("hi"))
	}()

	conn, err := net.Dial("tcp", serverLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fd := rawFD(t, conn.(*net.TCPConn))

	var event coroutine.Event
	var ioErr error
	s.Spawn(func(c *coroutine.Coroutine) {
		event, ioErr = s.WaitIO(c, fd, WaitReadable, time.Time{})
	}, nil)

	require.NoError(t, s.Run())
	require.NoError(t, ioErr)
	assert.Equal(t, coroutine.EventReadable, event)
}
