package ring

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_FIFO(t *testing.T) {
	var b Buffer[int]
	for i := 0; i < 20; i++ {
		b.PushBack(i)
	}
	require.Equal(t, 20, b.Len())
	for i := 0; i < 20; i++ {
		v, ok := b.PopFront()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := b.PopFront()
	assert.False(t, ok)
}

func TestBuffer_LIFO(t *testing.T) {
	var b Buffer[string]
	b.PushBack("a")
	b.PushBack("b")
	b.PushBack("c")

	v, ok := b.PopBack()
	require.True(t, ok)
	assert.Equal(t, "c", v)

	v, ok = b.PopBack()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	b.PushBack("d")
	v, ok = b.PopFront()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestBuffer_GrowAcrossWrap(t *testing.T) {
	var b Buffer[int]
	// force wraparound then growth
	for i := 0; i < 6; i++ {
		b.PushBack(i)
	}
	for i := 0; i < 4; i++ {
		b.PopFront()
	}
	for i := 6; i < 40; i++ {
		b.PushBack(i)
	}
	var got []int
	b.Each(func(v int) { got = append(got, v) })
	require.Len(t, got, b.Len())

	want := make([]int, 0, len(got))
	for i := 4; i < 40; i++ {
		want = append(want, i)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Each order mismatch (-want +got):\n%s", diff)
	}
}
