// Package assert enforces the scheduler's internal invariants.
//
// Per the error-handling design, violating one of these (e.g. resuming a
// coroutine that is already DONE) is a programming bug in the runtime
// itself, not a recoverable condition a host application can act on: the
// original specifies this aborts the process. A library cannot call
// os.Exit out from under its host, so this logs at Error via the caller's
// logger and then panics, leaving the decision to actually terminate the
// process to whoever embeds this module.
package assert

import (
	"fmt"

	"github.com/blockspacer/coros/internal/obslog"
)

// Invariant panics with a descriptive message if cond is false.
func Invariant(log *obslog.Logger, cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if log != nil {
		log.Err().Log("internal invariant violated: " + msg)
	}
	panic("coros: internal invariant violated: " + msg)
}
