// Package gls resolves a value bound to the calling goroutine, providing
// the "thread-local scheduler handle" called for in the coroutine runtime's
// design notes.
//
// The retrieval pack's own github.com/joeycumines/goroutineid module
// (referenced from the teacher's root go.mod) would normally supply a
// faster goroutine-identity primitive, but its sources were not available
// for grounding; rather than invent an unsafe runtime.linkname-based
// lookup (the technique demonstrated by alphadose/zenq's
// lib_runtime_linkage.go, which pulls in unexported runtime symbols such as
// runtime.goready/runtime.gopark), this package uses the standard,
// runtime-version-stable technique of parsing the goroutine id out of a
// runtime.Stack trace. It runs when a coroutine first starts (Bind), when
// it finishes (unbind), and on each Self lookup — not at suspension
// points — so the cost is small relative to a channel handoff.
package gls

import (
	"runtime"
	"strconv"
	"sync"
)

var stackBufPool = sync.Pool{
	New: func() any { return make([]byte, 64) },
}

// Registry binds arbitrary values to the identity of the goroutine that
// registered them, so that code running deep in a call stack can recover
// "what coroutine/scheduler am I" without threading an explicit parameter
// through every function signature.
type Registry struct {
	m sync.Map // goroutine id (uint64) -> any
}

// Bind associates v with the calling goroutine. The returned func must be
// called (typically via defer) before the goroutine exits or is reused for
// another purpose, or the binding leaks.
func (r *Registry) Bind(v any) (unbind func()) {
	id := goroutineID()
	r.m.Store(id, v)
	return func() { r.m.Delete(id) }
}

// Current returns the value bound to the calling goroutine, if any.
func (r *Registry) Current() (any, bool) {
	return r.m.Load(goroutineID())
}

// goroutineID parses the numeric goroutine id out of a runtime stack
// trace header, e.g. "goroutine 18 [running]:\n...". It is the standard
// fallback technique used across the ecosystem (e.g. petermattis/goid)
// when a dedicated runtime-linkname shim isn't available.
func goroutineID() uint64 {
	buf := stackBufPool.Get().([]byte)
	defer stackBufPool.Put(buf) //nolint:staticcheck // fixed-size reuse, not a leak

	n := runtime.Stack(buf, false)
	// Format: "goroutine 123 [running]:"
	const prefix = "goroutine "
	if n <= len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	rest := buf[len(prefix):n]
	end := 0
	for end < len(rest) && rest[end] != ' ' {
		end++
	}
	id, err := strconv.ParseUint(string(rest[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
