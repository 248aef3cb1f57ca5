// Task object, state-flag protocol and the slab allocator (one per
// MicroScheduler, shared by all of its workers).
//
// The allocator is a free list kept as a mutex-guarded slice used as a
// stack, capped at a configurable max size, with new tasks built fresh when
// the list is empty.

package mxsched_internal

import (
	"sync"
	"sync/atomic"
)

type TaskState uint32

const (
	TASK_STATE_EXECUTING TaskState = 1 << iota
	TASK_STATE_QUEUED
	TASK_STATE_CONTINUATION
	TASK_STATE_STOLEN
	TASK_STATE_RECYCLE
	TASK_STATE_WAITING_DUMMY
	TASK_STATE_ALLOCATED
)

// NoAffinity marks a task with no worker pin.
const NoAffinity int32 = -1

// ExecContext is handed to Task.Execute; it exposes just enough of the
// calling worker's local scheduler for the task to spawn children, queue
// continuations or read its own isolation tag. It intentionally does not
// expose the worker pool or other local schedulers.
type ExecContext struct {
	Worker    *Worker
	Scheduler *MicroScheduler
}

// TaskExecutor is the single-method dispatch surface a Task runs. Returning
// a non-nil *Task bypasses the deque: that task becomes the next one this
// worker executes, with no publish/steal round trip. Returning nil lets the
// executor loop fall back to its normal task-selection order.
type TaskExecutor interface {
	Execute(ctx *ExecContext) *Task
}

// TaskDestroyer is an optional hook run by destroy() before the task's
// memory returns to the slab (e.g. to release payload-referenced resources).
type TaskDestroyer interface {
	Destroy()
}

// TaskFunc adapts a plain function to TaskExecutor. Unlike a simple bool
// requeue flag, the function may return a bypass task that the executor
// loop runs next with no publish/steal round trip.
type TaskFunc func(ctx *ExecContext) *Task

func (f TaskFunc) Execute(ctx *ExecContext) *Task { return f(ctx) }

// Task is slab-allocated; Payload is sized at allocation time and is the
// only place user state should live — the struct itself carries only
// scheduling metadata. Tasks are referenced by raw pointer with an explicit
// refcount rather than through any smart-pointer wrapper.
type Task struct {
	Payload []byte

	refCount atomic.Int32
	state    atomic.Uint32

	parent       *Task
	continuation *Task

	affinity  int32
	isolation uintptr

	executor TaskExecutor

	// owner is the allocator this task must be returned to on free; nil for
	// a task built outside any pool (tests, WAITING_DUMMY sentinels).
	owner *TaskAllocator
}

// NewWaitingDummy builds a sentinel task used only as the parent of a
// caller-held wait: it is never executed, its WAITING_DUMMY flag marks it as
// such, and completion handling recognizes it as "release the waiter"
// instead of "decrement and maybe continue".
func NewWaitingDummy() *Task {
	t := &Task{affinity: NoAffinity}
	t.refCount.Store(1)
	t.state.Store(uint32(TASK_STATE_WAITING_DUMMY))
	return t
}

func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) hasState(flag TaskState) bool {
	return t.state.Load()&uint32(flag) != 0
}

func (t *Task) setState(flag TaskState) {
	for {
		old := t.state.Load()
		if old&uint32(flag) != 0 {
			return
		}
		if t.state.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

func (t *Task) clearState(flag TaskState) {
	for {
		old := t.state.Load()
		if old&uint32(flag) == 0 {
			return
		}
		if t.state.CompareAndSwap(old, old&^uint32(flag)) {
			return
		}
	}
}

func (t *Task) Affinity() int32    { return t.affinity }
func (t *Task) SetAffinity(w int32) { t.affinity = w }

func (t *Task) Isolation() uintptr     { return t.isolation }
func (t *Task) SetIsolation(tag uintptr) { t.isolation = tag }

func (t *Task) Parent() *Task { return t.parent }

// SetExecutor installs e as what Execute dispatches to; callers outside this
// package have no other way to reach the unexported executor field.
func (t *Task) SetExecutor(e TaskExecutor) { t.executor = e }

// RefCount returns the current reference count. Relaxed load: any decision
// made from it is advisory except the decrement-to-zero transition itself,
// which is synchronized separately.
func (t *Task) RefCount() int32 { return t.refCount.Load() }

// addRef adds n references, relaxed order: the single observer that matters
// is the decrement side, which establishes the happens-before edge.
func (t *Task) addRef(n int32) {
	t.refCount.Add(n)
}

// removeRef subtracts n references and reports whether the count reached
// zero. The Add itself is release so that everything this task's execution
// wrote is visible to whoever observes the zero; callers that then read task
// fields after seeing zero get the acquire half from the same atomic
// operation (Go's sync/atomic operations are always sequentially consistent,
// which is strictly stronger than a plain release/acquire pairing — the
// scheduler never relies on anything weaker being allowed).
func (t *Task) removeRef(n int32) (reachedZero bool) {
	newVal := t.refCount.Add(-n)
	if newVal < 0 {
		panic(newProtocolError("removeRef", "ref count underflow"))
	}
	return newVal == 0
}

// SetContinuation stores cont as this task's continuation and stamps cont
// with CONTINUATION. Setting a task as its own continuation is a protocol
// violation: cyclic continuation graphs are not supported.
func (t *Task) SetContinuation(cont *Task) {
	if cont == t {
		panic(newProtocolError("SetContinuation", "task set as its own continuation"))
	}
	t.continuation = cont
	cont.setState(TASK_STATE_CONTINUATION)
}

func (t *Task) Continuation() *Task { return t.continuation }

// AddChild requires child.parent == nil and child.refCount == 1 (a freshly
// allocated task); it wires child.parent = t and adds one reference to t.
func (t *Task) AddChild(child *Task) {
	if child.parent != nil || child.RefCount() != 1 {
		panic(newProtocolError("AddChild", "child is not a fresh, unparented task"))
	}
	child.parent = t
	t.addRef(1)
}

// AddChildWithoutRef wires the parent link only; the caller has already
// added references to t in batch (e.g. fib(n) reserving 2 refs up front
// before either child is visible to any other worker).
func (t *Task) AddChildWithoutRef(child *Task) {
	if child.parent != nil {
		panic(newProtocolError("AddChildWithoutRef", "child already has a parent"))
	}
	child.parent = t
}

// TaskAllocator is a slab: a free-list of *Task kept as a stack under a
// mutex, capped at maxPoolSize, overflow built with `new`. Each
// MicroScheduler owns one, shared by all of its workers; there is no
// per-worker slab.
type TaskAllocator struct {
	pool        []*Task
	maxPoolSize int
	poolSize    int
	payloadSize int
	mu          sync.Mutex

	live atomic.Int64
}

const TASK_ALLOCATOR_MAX_POOL_SIZE_UNBOUND = 0

// NewTaskAllocator creates a slab for tasks whose inline payload is at least
// payloadSize bytes. maxPoolSize caps how many freed tasks are retained for
// reuse; 0 means unbounded retention.
func NewTaskAllocator(payloadSize, maxPoolSize int) *TaskAllocator {
	return &TaskAllocator{
		pool:        make([]*Task, 0),
		maxPoolSize: maxPoolSize,
		payloadSize: payloadSize,
	}
}

// Allocate returns a task with inline payload of at least size bytes, ref
// count 1, no flags set. size may exceed the allocator's configured payload
// size; in that case a one-off, larger payload is used for this task only.
func (a *TaskAllocator) Allocate(size int) *Task {
	a.mu.Lock()
	var t *Task
	if a.poolSize > 0 {
		a.poolSize--
		t = a.pool[a.poolSize]
		a.pool[a.poolSize] = nil
	}
	a.mu.Unlock()

	if t == nil {
		t = &Task{owner: a}
	} else {
		*t = Task{owner: a}
	}

	psize := size
	if psize < a.payloadSize {
		psize = a.payloadSize
	}
	if psize > 0 {
		t.Payload = make([]byte, psize)
	}
	t.affinity = NoAffinity
	t.refCount.Store(1)
	t.state.Store(uint32(TASK_STATE_ALLOCATED))
	a.live.Add(1)
	return t
}

// LiveCount reports outstanding allocate-without-destroy tasks; used by
// tests asserting that every allocated task is eventually freed exactly
// once.
func (a *TaskAllocator) LiveCount() int64 { return a.live.Load() }

// destroy runs the optional TaskDestroyer hook then returns the task to the
// slab, unless the pool is already at capacity, in which case it is left for
// the garbage collector.
func (a *TaskAllocator) destroy(t *Task) {
	if d, ok := t.executor.(TaskDestroyer); ok {
		d.Destroy()
	}
	if a == nil {
		return
	}
	a.live.Add(-1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxPoolSize > 0 && a.poolSize >= a.maxPoolSize {
		return
	}
	if a.poolSize >= len(a.pool) {
		a.pool = append(a.pool, t)
	} else {
		a.pool[a.poolSize] = t
	}
	a.poolSize++
}

// Free runs destroy() and returns the task to whichever allocator produced
// it (or drops it for the GC if it wasn't slab-allocated). Calling Free on
// an executing task (EXECUTING set) is a protocol violation and panics; the
// executor loop and MicroScheduler.DestroyTask call it.
func (t *Task) Free() {
	if t.hasState(TASK_STATE_EXECUTING) {
		panic(newProtocolError("Free", "task is still executing"))
	}
	t.owner.destroy(t)
}
