// Process-wide scheduler id allocation.

package mxsched_internal

import "sync/atomic"

var nextSchedulerId atomic.Int64

// NewSchedulerId returns a process-unique, monotonically increasing id for a
// newly created MicroScheduler. It is the only genuinely global, mutable
// state in the package; correctness never depends on specific values, only on
// uniqueness, so tests may reset it freely.
func NewSchedulerId() int64 {
	return nextSchedulerId.Add(1)
}

// ResetSchedulerIdForTests rewinds the counter. Tests that assert on ids
// across package runs call this in TestMain or at the top of the test; it
// must not be called while any scheduler from a previous test is still live.
func ResetSchedulerIdForTests() {
	nextSchedulerId.Store(0)
}
