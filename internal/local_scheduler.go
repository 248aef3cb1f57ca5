// Per-worker, per-MicroScheduler state: the priority band of deques, the
// affinity queue this worker consumes, the victim-choice RNG, the isolation
// tag currently in effect and the priority-boost bookkeeping.
//
// Plain fields rather than atomics throughout: every field here is read and
// written only by the worker that owns this LocalScheduler, so there is no
// cross-goroutine access to guard against.

package mxsched_internal

type LocalScheduler struct {
	workerIndex int
	scheduler   *MicroScheduler

	band     []*Deque
	affinity *AffinityQueue
	rng      *xorshift32

	// isolationTag is read/written only by this worker; deques/affinity
	// queues are addressed with it as an argument, never dereferenced
	// through here by other workers.
	isolationTag uintptr

	boostAge     int32
	boostAgeInit int32
	boostNextRR  int // next non-zero priority band to sample at boost time
}

func newLocalScheduler(workerIndex int, ms *MicroScheduler, numPriorities int, boostAge int32) *LocalScheduler {
	return &LocalScheduler{
		workerIndex:  workerIndex,
		scheduler:    ms,
		band:         NewPriorityBand(numPriorities),
		affinity:     NewAffinityQueue(),
		rng:          newXorshift32(workerIndex),
		boostAge:     boostAge,
		boostAgeInit: boostAge,
	}
}

func (ls *LocalScheduler) IsolationTag() uintptr { return ls.isolationTag }

// getLocal pops from priority band 0, the normal band, filtered by this
// worker's current isolation tag.
func (ls *LocalScheduler) getLocal() *Task {
	return ls.band[0].Pop(ls.isolationTag)
}

// getBoostedLocal samples the next lower-priority band on a round-robin
// basis, resetting the boost-age counter. Called only once boostAge <= 0.
func (ls *LocalScheduler) getBoostedLocal() *Task {
	n := len(ls.band)
	if n <= 1 {
		ls.boostAge = ls.boostAgeInit
		return nil
	}
	for i := 0; i < n-1; i++ {
		idx := 1 + (ls.boostNextRR+i)%(n-1)
		if t := ls.band[idx].Pop(ls.isolationTag); t != nil {
			ls.boostNextRR = (idx) % (n - 1)
			ls.boostAge = ls.boostAgeInit
			return t
		}
	}
	ls.boostAge = ls.boostAgeInit
	return nil
}

func (ls *LocalScheduler) getAffinity() *Task {
	return ls.affinity.Dequeue()
}

// spawnLocal pushes a freshly spawned task onto this worker's band at the
// given priority, clamping out-of-range priorities into [0, len(band)-1].
func (ls *LocalScheduler) spawnLocal(t *Task, priority int) {
	if priority < 0 {
		priority = 0
	}
	if priority >= len(ls.band) {
		priority = len(ls.band) - 1
	}
	t.setState(TASK_STATE_QUEUED)
	ls.band[priority].Push(t)
}

func (ls *LocalScheduler) spawnAffinity(t *Task) {
	t.setState(TASK_STATE_QUEUED)
	ls.affinity.Enqueue(t)
}

// decrementBoostAge is called once per task execution; when it reaches
// zero the next selection round samples a lower-priority band.
func (ls *LocalScheduler) decrementBoostAge() {
	ls.boostAge--
}

func (ls *LocalScheduler) boostReady() bool {
	return ls.boostAge <= 0
}

// approxHasWork is a racy hint used by has_any_tasks()-style quiescence
// checks; it does not need to be exact.
func (ls *LocalScheduler) approxHasWork() bool {
	if !ls.affinity.ApproxEmpty() {
		return true
	}
	for _, d := range ls.band {
		if !d.ApproxEmpty() {
			return true
		}
	}
	return false
}
