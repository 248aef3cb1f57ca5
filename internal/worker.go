// Worker: the goroutine wrapper that runs the executor loop continuously,
// participating in the owning pool's halt/resume barrier and sleep protocol.
//
// Go has no portable, dependency-free way to bind a goroutine to an OS
// thread or to set its affinity/priority/name (doing so needs cgo and a
// platform-specific syscall, which none of this module's retrieved
// dependencies provide) so a Worker here is a goroutine, not a pinned OS
// thread.

package mxsched_internal

import "sync/atomic"

var workerLog = NewCompLogger("worker")

// virtualWorkerSeed hands out distinct RNG seeds to transient non-pool
// waiters; it plays the same role newXorshift32's workerIndex argument
// plays for a real worker's LocalScheduler.
var virtualWorkerSeed atomic.Uint32

type Worker struct {
	index int
	name  string
	pool  *WorkerPool

	backoff *Backoff

	isVirtual bool
	vrng      *xorshift32
}

func newWorker(index int, pool *WorkerPool, name string) *Worker {
	return &Worker{
		index:   index,
		name:    name,
		pool:    pool,
		backoff: NewBackoff(pool.backoffConfig()),
	}
}

// newVirtualWorker returns a transient, non-registered Worker standing in
// for a non-pool caller of waitFor/waitForAll: it has no local scheduler
// slot of its own (index -1 never matches a real global index, so
// findAndRunChain only ever contributes by stealing/draining the shared
// queue on behalf of whichever scheduler it is waiting on) and never parks
// on the pool's sleep condition, since nothing targets it specifically to
// wake it back up.
func newVirtualWorker(pool *WorkerPool) *Worker {
	seed := int(virtualWorkerSeed.Add(1))
	return &Worker{
		index:     -1,
		name:      "virtual",
		pool:      pool,
		backoff:   NewBackoff(pool.backoffConfig()),
		isVirtual: true,
		vrng:      newXorshift32(seed),
	}
}

func (w *Worker) Index() int { return w.index }

// run is the permanent executor loop driven by the pool's own goroutine for
// this worker. It never returns except at pool shutdown.
func (w *Worker) run() {
	defer w.pool.wg.Done()
	workerLog.Debugf("worker %d (%s) started", w.index, w.name)
	w.loop(func() bool { return false }, false)
	workerLog.Debugf("worker %d (%s) stopped", w.index, w.name)
}

// loop is the shared executor loop body used both by a permanent pool
// worker (done always false, exitOnQuiescence false) and by a wait call
// (done is the wait predicate). A wait on a pool worker passes
// exitOnQuiescence false; a wait on a fresh virtual worker passes true, so
// that loop also returns once no registered scheduler has queued work left.
// A virtual worker never parks: where a pool worker would park, it keeps
// polling instead.
func (w *Worker) loop(done func() bool, exitOnQuiescence bool) {
	for {
		w.pool.observeHalt()
		if w.pool.stopping.Load() {
			return
		}
		if done() {
			return
		}

		if w.findAndRunChain() {
			w.backoff.Reset()
			continue
		}

		w.fireOnIdle()

		if done() {
			return
		}

		switch w.backoff.Tick() {
		case BackoffSpin, BackoffYield:
			continue
		case BackoffSleepReady:
			if exitOnQuiescence && !w.pool.anyTasksAnywhere() {
				return
			}
			if w.isVirtual {
				continue
			}
			w.fireBeforeSleep()
			w.pool.parkWorker()
			w.backoff.AfterPark()
			w.fireAfterWake()
		}
	}
}

// fireOnIdle, fireBeforeSleep and fireAfterWake run the corresponding
// callback of every registered, active scheduler this worker belongs to
// (resolving this worker's global index to that scheduler's local index),
// mirroring findAndRunChain's own iteration. A virtual worker belongs to no
// scheduler's local band, so these are no-ops for it.
func (w *Worker) fireOnIdle() {
	if w.isVirtual {
		return
	}
	for _, ms := range w.pool.registeredSchedulers() {
		if !ms.Active() {
			continue
		}
		if localIdx, ok := ms.localIndexFor(w.index); ok {
			ms.callbacks.fireOnIdle(localIdx)
		}
	}
}

func (w *Worker) fireBeforeSleep() {
	if w.isVirtual {
		return
	}
	for _, ms := range w.pool.registeredSchedulers() {
		if !ms.Active() {
			continue
		}
		if localIdx, ok := ms.localIndexFor(w.index); ok {
			ms.callbacks.fireBeforeSleep(localIdx)
		}
	}
}

func (w *Worker) fireAfterWake() {
	if w.isVirtual {
		return
	}
	for _, ms := range w.pool.registeredSchedulers() {
		if !ms.Active() {
			continue
		}
		if localIdx, ok := ms.localIndexFor(w.index); ok {
			ms.callbacks.fireAfterWake(localIdx)
		}
	}
}

// findAndRunChain tries every registered, active scheduler in turn for one
// task; if it finds one, it runs the full bypass chain (recycle/continuation
// included) before returning. Reports whether any work was found this pass.
//
// A virtual (non-pool) worker has no LocalScheduler slot of its own, so it
// contributes only by draining each scheduler's shared queue and by
// stealing from real workers — exactly the sources a non-worker caller of
// spawnTask/queueTask can ever have landed work in.
func (w *Worker) findAndRunChain() bool {
	found := false
	for _, ms := range w.pool.registeredSchedulers() {
		if !ms.Active() {
			continue
		}
		if w.isVirtual {
			task := ms.tryFindTaskVirtual(w.vrng)
			if task == nil {
				continue
			}
			found = true
			ms.runTaskChainVirtual(task, w)
			continue
		}
		localIdx, ok := ms.localIndexFor(w.index)
		if !ok {
			continue
		}
		task := ms.tryFindTask(localIdx)
		if task == nil {
			continue
		}
		found = true
		ms.runTaskChain(localIdx, task)
	}
	return found
}
