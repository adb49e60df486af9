// Package ring provides a growable power-of-two ring buffer, used as the
// backing store for the scheduler's ready queue and the compute pool's
// pending list.
//
// The growth/masking technique is adapted from
// joeycumines-go-utilpkg/catrate/ring.go, generalized from
// constraints.Ordered (needed there for binary search over timestamps) to
// any (a coroutine queue only ever needs push/pop at either end).
package ring

// Buffer is a double-ended queue backed by a power-of-two ring buffer.
// The zero value is ready to use.
type Buffer[E any] struct {
	s    []E
	r, w uint
}

func (x *Buffer[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

// Len returns the number of queued elements.
func (x *Buffer[E]) Len() int {
	return int(x.w - x.r)
}

func (x *Buffer[E]) grow() {
	size := len(x.s)
	if size == 0 {
		size = 8
	} else {
		size <<= 1
	}
	s := make([]E, size)
	n := x.Len()
	for i := 0; i < n; i++ {
		s[i] = x.s[x.mask(x.r+uint(i))]
	}
	x.s = s
	x.r, x.w = 0, uint(n)
}

// PushBack appends v to the back of the queue (the FIFO end).
func (x *Buffer[E]) PushBack(v E) {
	if x.Len() == len(x.s) {
		x.grow()
	}
	x.s[x.mask(x.w)] = v
	x.w++
}

// PopFront removes and returns the element at the front of the queue.
// The second return is false if the queue was empty.
func (x *Buffer[E]) PopFront() (v E, ok bool) {
	if x.Len() == 0 {
		return v, false
	}
	v = x.s[x.mask(x.r)]
	var zero E
	x.s[x.mask(x.r)] = zero
	x.r++
	return v, true
}

// PopBack removes and returns the element most recently pushed (the LIFO
// end) — used by the compute pool, which pops pending work LIFO.
func (x *Buffer[E]) PopBack() (v E, ok bool) {
	if x.Len() == 0 {
		return v, false
	}
	x.w--
	v = x.s[x.mask(x.w)]
	var zero E
	x.s[x.mask(x.w)] = zero
	return v, true
}

// Each calls fn for every queued element, front to back. fn must not
// mutate the buffer.
func (x *Buffer[E]) Each(fn func(E)) {
	n := x.Len()
	for i := 0; i < n; i++ {
		fn(x.s[x.mask(x.r+uint(i))])
	}
}
