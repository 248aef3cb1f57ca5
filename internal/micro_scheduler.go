// MicroScheduler: the public-facing façade bound to a WorkerPool (or a
// partition of one). It owns one LocalScheduler per worker the pool exposes
// to it, the shared overflow queue, the external-victim list and the
// callback registry, and implements task selection (tryFindTask) and
// completion handling (runTaskChain).
//
// The ref-counted parent/continuation model implements fork-join completion:
// a task's ref count tracks its own pending execution plus every outstanding
// child, and reaching zero cascades into the parent via notifyParent. The
// registration/halt-barrier plumbing it rides on top of is worker_pool.go's.

package mxsched_internal

import "sync/atomic"

var microSchedulerLog = NewCompLogger("micro_scheduler")

// isolationTagCounter hands out process-wide unique, non-zero isolation
// tags; 0 means "no isolation" everywhere else in this package.
var isolationTagCounter atomic.Uintptr

func newIsolationTag() uintptr {
	return isolationTagCounter.Add(1)
}

type MicroSchedulerConfig struct {
	NumPriorities int   `yaml:"num_priorities"`
	BoostAge      int32 `yaml:"boost_age"`
	SharedShards  int   `yaml:"shared_shards"`
	TaskPayload   int   `yaml:"task_payload_size"`
	TaskPoolMax   int   `yaml:"task_pool_max"`
}

const (
	MICRO_SCHEDULER_CONFIG_NUM_PRIORITIES_DEFAULT = 4
	MICRO_SCHEDULER_CONFIG_BOOST_AGE_DEFAULT       = 32
	MICRO_SCHEDULER_CONFIG_SHARED_SHARDS_DEFAULT   = sharedQueueDefaultShards
)

func DefaultMicroSchedulerConfig() *MicroSchedulerConfig {
	return &MicroSchedulerConfig{
		NumPriorities: MICRO_SCHEDULER_CONFIG_NUM_PRIORITIES_DEFAULT,
		BoostAge:      MICRO_SCHEDULER_CONFIG_BOOST_AGE_DEFAULT,
		SharedShards:  MICRO_SCHEDULER_CONFIG_SHARED_SHARDS_DEFAULT,
		TaskPayload:   0,
		TaskPoolMax:   TASK_ALLOCATOR_MAX_POOL_SIZE_UNBOUND,
	}
}

type MicroScheduler struct {
	id   int64
	pool *WorkerPool

	locals []*LocalScheduler // one per local worker index
	shared *SharedQueue

	externalVictims *ExternalVictims

	allocator *TaskAllocator
	callbacks *callbackList

	active atomic.Bool
}

// NewMicroScheduler allocates a façade bound to pool (root or partition) and
// registers it under the pool's halt barrier so no worker observes a
// partially-initialized scheduler.
func NewMicroScheduler(pool *WorkerPool, cfg *MicroSchedulerConfig) *MicroScheduler {
	if cfg == nil {
		cfg = DefaultMicroSchedulerConfig()
	}
	n := pool.NumWorkers()
	ms := &MicroScheduler{
		id:              NewSchedulerId(),
		pool:            pool,
		locals:          make([]*LocalScheduler, n),
		shared:          NewSharedQueue(cfg.SharedShards),
		externalVictims: NewExternalVictims(),
		allocator:       NewTaskAllocator(cfg.TaskPayload, cfg.TaskPoolMax),
		callbacks:       &callbackList{},
	}
	for i := 0; i < n; i++ {
		ms.locals[i] = newLocalScheduler(i, ms, cfg.NumPriorities, cfg.BoostAge)
	}
	ms.active.Store(true)
	pool.Register(ms)
	microSchedulerLog.Infof("scheduler %d registered, num_workers=%d num_priorities=%d", ms.id, n, cfg.NumPriorities)
	return ms
}

func (ms *MicroScheduler) Id() int64 { return ms.id }

func (ms *MicroScheduler) Active() bool { return ms.active.Load() }

// SetActive toggles whether workers consider this scheduler during task
// selection; an inactive scheduler is skipped entirely but stays registered.
func (ms *MicroScheduler) SetActive(active bool) {
	ms.active.Store(active)
}

func (ms *MicroScheduler) Close() {
	ms.pool.Unregister(ms)
}

// AddExternalVictim makes other's workers steal-reachable from ms's workers:
// once a worker's local bands, affinity queue and ms's shared queue are
// empty, its random steal pick covers other's workers alongside ms's own.
// Returns a *CycleError if this would create a cycle in the victim graph.
func (ms *MicroScheduler) AddExternalVictim(other *MicroScheduler) error {
	return ms.externalVictims.Add(ms, other)
}

func (ms *MicroScheduler) localIndexFor(globalWorkerIndex int) (int, bool) {
	return ms.pool.LocalIndex(globalWorkerIndex)
}

// hasAnyTasks is the racy quiescence hint used by a bounded wait's
// exitOnQuiescence safety net; it does not need to be exact.
func (ms *MicroScheduler) hasAnyTasks() bool {
	if !ms.shared.ApproxEmpty() {
		return true
	}
	for _, ls := range ms.locals {
		if ls.approxHasWork() {
			return true
		}
	}
	return false
}

// AllocateTask reserves a task of the given payload size from ms's
// allocator, initialized with refCount 1 and no affinity/isolation/parent.
func (ms *MicroScheduler) AllocateTask(size int) *Task {
	return ms.allocator.Allocate(size)
}

// DestroyTask releases a task back to ms's allocator; panics (via
// Task.Free) if the task is still executing.
func (ms *MicroScheduler) DestroyTask(t *Task) {
	t.Free()
}

func (ms *MicroScheduler) currentIsolationTag(ctx *ExecContext) uintptr {
	if ctx == nil || ctx.Worker == nil {
		return 0
	}
	localIdx, ok := ms.localIndexFor(ctx.Worker.index)
	if !ok {
		return 0
	}
	return ms.locals[localIdx].IsolationTag()
}

// QueueTask always enters the shared overflow queue, regardless of who the
// caller is; used for work with no natural worker affinity.
func (ms *MicroScheduler) QueueTask(ctx *ExecContext, t *Task) {
	t.setState(TASK_STATE_QUEUED)
	producer := -1
	if ctx != nil && ctx.Worker != nil {
		producer = ctx.Worker.index
	}
	ms.shared.Push(producer, t)
	ms.pool.wakeOne()
}

// SpawnTask enters t into ms's scheduling domain: onto the target worker's
// affinity queue if t carries an affinity, onto the calling worker's local
// band at priority otherwise, or the shared queue if the caller is not one
// of ms's own workers.
func (ms *MicroScheduler) SpawnTask(ctx *ExecContext, t *Task, priority int) {
	t.isolation = ms.currentIsolationTag(ctx)

	if t.Affinity() != NoAffinity {
		localIdx, ok := ms.localIndexFor(int(t.Affinity()))
		if !ok {
			ms.QueueTask(ctx, t)
			return
		}
		ms.locals[localIdx].spawnAffinity(t)
		ms.pool.wakeOne()
		return
	}

	if ctx != nil && ctx.Worker != nil {
		if localIdx, ok := ms.localIndexFor(ctx.Worker.index); ok {
			ms.locals[localIdx].spawnLocal(t, priority)
			ms.pool.wakeOne()
			return
		}
	}
	ms.QueueTask(ctx, t)
}

// SpawnTaskAndWait spawns t then busy-executes alongside the pool until t
// completes. t is parented to a throwaway WAITING_DUMMY sentinel first: t's
// own completion (whether or not t itself forked further children before
// returning) forces the sentinel's count to zero, which is what WaitFor
// actually blocks on — t itself is freed the instant it completes, same as
// any other spawned task, so nothing here may read t afterward.
func (ms *MicroScheduler) SpawnTaskAndWait(ctx *ExecContext, t *Task, priority int) {
	dummy := NewWaitingDummy()
	dummy.AddChild(t)
	ms.SpawnTask(ctx, t, priority)
	ms.WaitFor(ctx, dummy)
}

// WaitFor drives the executor loop on the calling goroutine until t's
// refCount drops to 1. If the caller is a pool worker, its own loop is
// reused (so it keeps servicing every registered scheduler while waiting);
// otherwise a transient, non-pool virtual worker runs the same loop, so a
// non-worker waiter contributes capacity rather than idling.
func (ms *MicroScheduler) WaitFor(ctx *ExecContext, t *Task) {
	pred := func() bool { return t.RefCount() <= 1 }
	if ctx != nil && ctx.Worker != nil {
		ctx.Worker.loop(pred, false)
		return
	}
	w := newVirtualWorker(ms.pool)
	w.loop(pred, true)
}

// WaitForAll busy-executes until ms has no visible local/affinity/shared
// work left anywhere in its domain.
func (ms *MicroScheduler) WaitForAll(ctx *ExecContext) {
	pred := func() bool { return !ms.hasAnyTasks() }
	if ctx != nil && ctx.Worker != nil {
		ctx.Worker.loop(pred, false)
		return
	}
	w := newVirtualWorker(ms.pool)
	w.loop(pred, true)
}

// Isolate runs fn with a fresh, unique isolation tag set on the calling
// worker's local scheduler for ms, restoring the previous tag on return.
// Must be called from a worker thread (ctx.Worker != nil); calling it from
// a non-worker goroutine is a protocol error since isolation is local-
// scheduler state, which only workers have.
func (ms *MicroScheduler) Isolate(ctx *ExecContext, fn func()) {
	if ctx == nil || ctx.Worker == nil {
		panic(newProtocolError("Isolate", "must be called from a worker thread"))
	}
	localIdx, ok := ms.localIndexFor(ctx.Worker.index)
	if !ok {
		panic(newProtocolError("Isolate", "calling worker is not part of this scheduler's pool"))
	}
	ls := ms.locals[localIdx]
	prev := ls.isolationTag
	ls.isolationTag = newIsolationTag()
	defer func() { ls.isolationTag = prev }()
	fn()
}

func (ms *MicroScheduler) OnBeforeSleep(f BeforeSleepFunc)     { ms.callbacks.addBeforeSleep(f) }
func (ms *MicroScheduler) OnAfterWake(f AfterWakeFunc)         { ms.callbacks.addAfterWake(f) }
func (ms *MicroScheduler) OnTaskExecuted(f OnTaskExecutedFunc) { ms.callbacks.addOnTaskExecuted(f) }
func (ms *MicroScheduler) OnIdle(f OnIdleFunc)                 { ms.callbacks.addOnIdle(f) }

// tryStealFrom scans every priority band of victim looking for a task
// matching tag, highest priority first.
func (ms *MicroScheduler) tryStealFrom(victim *LocalScheduler, tag uintptr) *Task {
	for _, d := range victim.band {
		if t, res := d.Steal(tag); res == StealOK {
			return t
		}
	}
	return nil
}

// stealAny picks uniformly at random among every other worker reachable
// from localIdx: the rest of ms's own pool, plus every worker belonging to
// a registered external victim, and attempts one steal from the pick.
func (ms *MicroScheduler) stealAny(localIdx int, ls *LocalScheduler) *Task {
	n := ms.pool.NumWorkers()
	victims := ms.externalVictims.Snapshot()

	total := 0
	if n > 1 {
		total += n - 1
	}
	for _, v := range victims {
		total += v.pool.NumWorkers()
	}
	if total <= 0 {
		return nil
	}

	pick := ls.rng.Intn(total)
	if n > 1 && pick < n-1 {
		victimLocal := pick
		if victimLocal >= localIdx {
			victimLocal++
		}
		return ms.tryStealFrom(ms.locals[victimLocal], ls.isolationTag)
	}
	if n > 1 {
		pick -= n - 1
	}
	for _, v := range victims {
		vn := v.pool.NumWorkers()
		if pick < vn {
			return ms.tryStealFrom(v.locals[pick], ls.isolationTag)
		}
		pick -= vn
	}
	return nil
}

// tryFindTask implements the worker's task-selection order: at a boost
// interval, a lower-priority band is sampled first — ahead of band 0 —
// so a run of priority-0 tasks can never keep a lower band waiting past
// its boost-age; otherwise local band 0 is checked first for LIFO
// locality, then the lower local bands in priority order, falling through
// to this worker's affinity queue, the shared overflow queue, then a
// random steal across this pool and every registered external victim.
func (ms *MicroScheduler) tryFindTask(localIdx int) *Task {
	ls := ms.locals[localIdx]

	if ls.boostReady() {
		if t := ls.getBoostedLocal(); t != nil {
			return t
		}
	}
	if t := ls.getLocal(); t != nil {
		return t
	}
	for p := 1; p < len(ls.band); p++ {
		if t := ls.band[p].Pop(ls.isolationTag); t != nil {
			return t
		}
	}
	if t := ls.getAffinity(); t != nil {
		return t
	}
	if t := ms.shared.Pop(localIdx); t != nil {
		return t
	}
	return ms.stealAny(localIdx, ls)
}

// taskReachedZero is called the moment a task's ref count (self-slot plus
// any outstanding children) has been observed to reach zero: it notifies
// the task's parent (possibly cascading into the parent's own completion),
// frees the task, and returns a bypass task if the notification made one
// newly runnable.
func (ms *MicroScheduler) taskReachedZero(t *Task) *Task {
	bypass := ms.notifyParent(t)
	t.Free()
	return bypass
}

// notifyParent decrements t.parent's ref count by one share (the one t held
// since being added as a child) and reports what, if anything, became
// runnable as a result:
//   - parent is a WAITING_DUMMY: force its count to 0, releasing the waiter.
//   - the decrement brings parent to exactly zero: parent is itself fully
//     done (its own self-slot was already released earlier); cascade into
//     its completion and free it too.
//   - the decrement brings parent to exactly one and parent carries the
//     continuation flag: every predecessor it was waiting on has reported,
//     only its own self-slot remains, so it is now ready to execute.
//   - otherwise: nothing further to do here.
func (ms *MicroScheduler) notifyParent(t *Task) *Task {
	parent := t.parent
	if parent == nil {
		return nil
	}
	if parent.hasState(TASK_STATE_WAITING_DUMMY) {
		parent.refCount.Store(0)
		return nil
	}
	newCount := parent.refCount.Add(-1)
	if newCount < 0 {
		panic(newProtocolError("notifyParent", "parent ref count underflow"))
	}
	if newCount == 0 {
		return ms.taskReachedZero(parent)
	}
	if newCount == 1 && parent.hasState(TASK_STATE_CONTINUATION) {
		return parent
	}
	return nil
}

// runTaskChain executes task and follows every bypass it produces —
// explicit (the executor directly returning a next task), recycle (the
// same task re-run because it set TASK_STATE_RECYCLE) and completion-
// triggered (a continuation becoming ready the instant its last
// predecessor reports in) — without the task ever touching the deque in
// between.
func (ms *MicroScheduler) runTaskChain(localIdx int, task *Task) {
	ls := ms.locals[localIdx]
	ctx := &ExecContext{Worker: ms.pool.workers[ms.pool.GlobalIndex(localIdx)], Scheduler: ms}
	ms.runChain(ctx, task, ls, localIdx)
}

// runTaskChainVirtual is runTaskChain's counterpart for a transient,
// non-pool waiter: there is no LocalScheduler slot to track boost-age
// against, so that bookkeeping is simply skipped.
func (ms *MicroScheduler) runTaskChainVirtual(task *Task, w *Worker) {
	ctx := &ExecContext{Worker: w, Scheduler: ms}
	ms.runChain(ctx, task, nil, -1)
}

// runChain is the shared bypass-chain body behind runTaskChain and
// runTaskChainVirtual; ls is nil for a virtual (non-pool) caller.
func (ms *MicroScheduler) runChain(ctx *ExecContext, task *Task, ls *LocalScheduler, localIdx int) {
	for task != nil {
		task.setState(TASK_STATE_EXECUTING)
		task.clearState(TASK_STATE_QUEUED)

		explicitNext := task.executor.Execute(ctx)

		if task.hasState(TASK_STATE_RECYCLE) {
			task.clearState(TASK_STATE_RECYCLE)
			task.clearState(TASK_STATE_EXECUTING)
			ms.callbacks.fireOnTaskExecuted(localIdx, task)
			if ls != nil {
				ls.decrementBoostAge()
			}
			continue
		}

		task.clearState(TASK_STATE_EXECUTING)
		ms.callbacks.fireOnTaskExecuted(localIdx, task)

		var cascadeNext *Task
		if selfCount := task.refCount.Add(-1); selfCount < 0 {
			panic(newProtocolError("runTaskChain", "task ref count underflow"))
		} else if selfCount == 0 {
			cascadeNext = ms.taskReachedZero(task)
		}
		// selfCount > 0 means children are still outstanding: task stays
		// alive, untouched, until the last child's own completion drives
		// notifyParent(child) down to zero and frees task on its behalf.

		if ls != nil {
			ls.decrementBoostAge()
		}

		if explicitNext != nil && cascadeNext != nil {
			// Both can't be run as the bypass; the explicit next task takes
			// that slot, and the newly-ready continuation is spawned onto
			// the local band instead of being dropped, then a parked worker
			// is woken the same way any other spawn would.
			if ls != nil {
				ls.spawnLocal(cascadeNext, 0)
				ms.pool.wakeOne()
			} else {
				ms.QueueTask(ctx, cascadeNext)
			}
		}

		next := explicitNext
		if next == nil {
			next = cascadeNext
		}
		task = next
	}
}

// tryFindTaskVirtual is tryFindTask's counterpart for a transient, non-pool
// waiter: it has no local band or affinity queue of its own, so it only
// ever finds work that a non-worker spawn/queue call could have landed —
// the shared queue — or steals from a real worker.
func (ms *MicroScheduler) tryFindTaskVirtual(rng *xorshift32) *Task {
	if t := ms.shared.Pop(-1); t != nil {
		return t
	}
	return ms.stealAnyVirtual(rng)
}

// stealAnyVirtual picks uniformly at random among every real worker in this
// pool and every worker belonging to a registered external victim.
func (ms *MicroScheduler) stealAnyVirtual(rng *xorshift32) *Task {
	n := ms.pool.NumWorkers()
	victims := ms.externalVictims.Snapshot()

	total := n
	for _, v := range victims {
		total += v.pool.NumWorkers()
	}
	if total <= 0 {
		return nil
	}

	pick := rng.Intn(total)
	if pick < n {
		return ms.tryStealFrom(ms.locals[pick], 0)
	}
	pick -= n
	for _, v := range victims {
		vn := v.pool.NumWorkers()
		if pick < vn {
			return ms.tryStealFrom(v.locals[pick], 0)
		}
		pick -= vn
	}
	return nil
}
