// Error kinds for the scheduler.

package mxsched_internal

import "fmt"

// ProtocolError marks a task-protocol violation: spawning a continuation
// directly, double-free, ref-count underflow, setting a task as its own
// continuation, or an out-of-range worker id/priority passed where the
// contract requires fail-fast. A cyclic external-victim graph is reported
// with CycleError instead. Recoverable
// conditions (allocation failure, lock-free contention) never use this; they
// return a plain error or retry silently.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mxsched: %s: %s", e.Op, e.Msg)
}

func newProtocolError(op, msg string) *ProtocolError {
	return &ProtocolError{Op: op, Msg: msg}
}

// AllocationError describes a failed allocation of Size bytes. No code path
// returns it: AllocateTask returns only a *Task, and TaskAllocator.Allocate
// has no failure result.
type AllocationError struct {
	Size int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("mxsched: allocate(%d bytes): failed", e.Size)
}

// CycleError is returned by AddExternalVictim when adding the edge would
// create a cycle in the external-victim graph: this graph is actively
// checked rather than left to produce undefined behavior.
type CycleError struct {
	From, To int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("mxsched: addExternalVictim(%d -> %d): would create a cycle", e.From, e.To)
}
