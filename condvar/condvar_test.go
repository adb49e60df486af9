package condvar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspacer/coros/coroutine"
	"github.com/blockspacer/coros/scheduler"
)

func TestCondvar_NotifyOne_IsLIFO(t *testing.T) {
	s, err := scheduler.New()
	require.NoError(t, err)
	cv := New(s)

	var order []string
	s.Spawn(func(c *coroutine.Coroutine) {
		cv.Wait(c)
		order = append(order, "a")
	}, nil)
	s.Spawn(func(c *coroutine.Coroutine) {
		cv.Wait(c)
		order = append(order, "b")
	}, nil)

	s.Spawn(func(c *coroutine.Coroutine) {
		_ = s.Wait(c, 10*time.Millisecond)
		cv.NotifyOne()
		cv.NotifyOne()
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestCondvar_NotifyAll_WakesEveryWaiter(t *testing.T) {
	s, err := scheduler.New()
	require.NoError(t, err)
	cv := New(s)

	var woken int
	for i := 0; i < 5; i++ {
		s.Spawn(func(c *coroutine.Coroutine) {
			cv.Wait(c)
			woken++
		}, nil)
	}

	s.Spawn(func(c *coroutine.Coroutine) {
		_ = s.Wait(c, 10*time.Millisecond)
		n := cv.NotifyAll()
		assert.Equal(t, 5, n)
	}, nil)

	require.NoError(t, s.Run())
	assert.Equal(t, 5, woken)
	assert.Equal(t, 0, cv.Len())
}

func TestCondvar_NotifyOne_NoWaiters_ReturnsFalse(t *testing.T) {
	s, err := scheduler.New()
	require.NoError(t, err)
	cv := New(s)
	assert.False(t, cv.NotifyOne())
}
