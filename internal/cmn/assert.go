// Package cmn holds the Agent's process-invariant assertion helper,
// grounded on the cmn/debug.Assert family reduced to the one
// variant this module needs: an invariant violation here is not a
// recoverable peer or filesystem error (spec.md §7 already has a Kind
// for those), it's a programming error in the supervisor/registry
// bookkeeping that spec.md §6 says should abort the process with exit
// code 70 rather than continue in an inconsistent state.
package cmn

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// ExitCodeInternal is the exit code spec.md §6 reserves for
// unexpected internal failure.
const ExitCodeInternal = 70

// Assert aborts the process if cond is false. It is for invariants
// that, if violated, mean a bug in this process's own bookkeeping
// (e.g. a conflict-class lock released twice, a journal entry missing
// its operation) rather than anything a caller or the environment did.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	glog.Errorf("assertion failed: %s", msg)
	glog.Flush()
	fmt.Fprintln(os.Stderr, "fatal:", msg)
	os.Exit(ExitCodeInternal)
}
