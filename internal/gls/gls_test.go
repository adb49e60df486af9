package gls

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BindCurrent(t *testing.T) {
	var r Registry

	_, ok := r.Current()
	assert.False(t, ok)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		unbind := r.Bind("goroutine-a")
		defer unbind()

		v, ok := r.Current()
		require.True(t, ok)
		assert.Equal(t, "goroutine-a", v)
	}()

	go func() {
		defer wg.Done()
		unbind := r.Bind("goroutine-b")
		defer unbind()

		v, ok := r.Current()
		require.True(t, ok)
		assert.Equal(t, "goroutine-b", v)
	}()

	wg.Wait()

	_, ok = r.Current()
	assert.False(t, ok, "bindings must be removed once unbound")
}
