// Worker pool: owns the fixed array of workers, the halt/resume barrier used
// whenever a MicroScheduler (de)registers, the sleep/wake condition workers
// park on, and partitioning.
//
// Lifecycle: NewWorkerPool starts every worker goroutine; Shutdown sets an
// atomic stopping flag that workers observe between tasks and joins them
// through a sync.WaitGroup. The halt barrier and sleep protocol are
// specific to this package.

package mxsched_internal

import (
	"sync"
	"sync/atomic"
)

var workerPoolLog = NewCompLogger("worker_pool")

type WorkerDescriptor struct {
	// Name is used only for logging; a per-descriptor OS-thread affinity
	// mask is not expressible portably in Go without cgo (no POSIX
	// thread-affinity syscall wrapper is part of this module's dependency
	// set) and is therefore omitted.
	Name string
}

type WorkerPoolConfig struct {
	// Number of workers; <= 0 defaults to the available CPU count (see
	// topology.go).
	NumWorkers int `yaml:"num_workers"`
}

const WORKER_POOL_CONFIG_NUM_WORKERS_DEFAULT = -1

func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{NumWorkers: WORKER_POOL_CONFIG_NUM_WORKERS_DEFAULT}
}

type WorkerPool struct {
	// root is nil for an actual root pool; non-nil for a partition, in
	// which case every state-mutating / synchronizing method delegates to
	// root.
	root    *WorkerPool
	indices []int // nil on root: identity mapping 0..numWorkers-1

	workers    []*Worker // always the root's slice, shared by partitions
	numWorkers int

	halting     atomic.Bool
	haltedCount atomic.Int32

	suspended atomic.Int32
	sleepMu   sync.Mutex
	sleepCond *sync.Cond

	stopping atomic.Bool
	wg       sync.WaitGroup

	schedulersMu sync.RWMutex
	schedulers   []*MicroScheduler

	// backoffCfg is only ever read off the root pool (see backoffConfig);
	// a partition's copy is left nil since partitions never build workers
	// of their own.
	backoffCfg *BackoffConfig
}

// backoffConfig returns the configuration new workers should build their
// Backoff from, falling back to the package default when none was supplied.
func (p *WorkerPool) backoffConfig() *BackoffConfig {
	return p.rootPool().backoffCfg
}

// NewWorkerPool creates and starts a pool of cfg.NumWorkers goroutines, each
// immediately running the executor loop against whatever MicroSchedulers get
// registered afterward. backoffCfg tunes every worker's spin/yield/park
// backoff; nil selects DefaultBackoffConfig.
func NewWorkerPool(cfg *WorkerPoolConfig, backoffCfg *BackoffConfig, descs []WorkerDescriptor) *WorkerPool {
	if cfg == nil {
		cfg = DefaultWorkerPoolConfig()
	}
	n := cfg.NumWorkers
	if n <= 0 {
		n = AvailableCPUCount
	}
	if n < 1 {
		n = 1
	}

	p := &WorkerPool{numWorkers: n, backoffCfg: backoffCfg}
	p.sleepCond = sync.NewCond(&p.sleepMu)
	p.workers = make([]*Worker, n)
	for i := 0; i < n; i++ {
		name := ""
		if i < len(descs) {
			name = descs[i].Name
		}
		p.workers[i] = newWorker(i, p, name)
	}

	workerPoolLog.Infof("num_workers=%d", n)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.workers[i].run()
	}
	return p
}

func (p *WorkerPool) NumWorkers() int { return p.numWorkers }

// GlobalIndex maps a local (partition-relative) worker index to the root
// pool's worker slice index.
func (p *WorkerPool) GlobalIndex(local int) int {
	if p.indices == nil {
		return local
	}
	return p.indices[local]
}

// LocalIndex maps a global worker index back to this pool's local index,
// reporting false if that worker does not belong to this pool/partition.
func (p *WorkerPool) LocalIndex(global int) (int, bool) {
	if p.indices == nil {
		if global >= 0 && global < p.numWorkers {
			return global, true
		}
		return 0, false
	}
	for i, g := range p.indices {
		if g == global {
			return i, true
		}
	}
	return 0, false
}

func (p *WorkerPool) rootPool() *WorkerPool {
	if p.root != nil {
		return p.root
	}
	return p
}

// MakePartition returns a secondary pool object dispatching only to the
// listed (global) worker indices. Index 0 and out-of-range indices are
// rejected with a *ProtocolError. Overlap with other partitions is not
// checked: the same worker may be listed in more than one partition.
func (p *WorkerPool) MakePartition(indices []int) (*WorkerPool, error) {
	root := p.rootPool()
	for _, idx := range indices {
		if idx == 0 {
			return nil, newProtocolError("MakePartition", "worker 0 cannot be partitioned out of the root pool")
		}
		if idx < 0 || idx >= root.numWorkers {
			return nil, newProtocolError("MakePartition", "worker index out of range")
		}
	}
	cp := make([]int, len(indices))
	copy(cp, indices)
	return &WorkerPool{
		root:       root,
		indices:    cp,
		workers:    root.workers,
		numWorkers: len(cp),
	}, nil
}

// Register adds ms to the pool's (root's) registered-scheduler list under
// the halt barrier: every worker is quiesced before the list is mutated, so
// a worker mid-scan of the list never observes a torn append.
func (p *WorkerPool) Register(ms *MicroScheduler) {
	root := p.rootPool()
	root.withHaltBarrier(func() {
		root.schedulersMu.Lock()
		root.schedulers = append(root.schedulers, ms)
		root.schedulersMu.Unlock()
	})
}

func (p *WorkerPool) Unregister(ms *MicroScheduler) {
	root := p.rootPool()
	root.withHaltBarrier(func() {
		root.schedulersMu.Lock()
		for i, s := range root.schedulers {
			if s == ms {
				root.schedulers = append(root.schedulers[:i], root.schedulers[i+1:]...)
				break
			}
		}
		root.schedulersMu.Unlock()
	})
}

func (p *WorkerPool) registeredSchedulers() []*MicroScheduler {
	root := p.rootPool()
	root.schedulersMu.RLock()
	defer root.schedulersMu.RUnlock()
	out := make([]*MicroScheduler, len(root.schedulers))
	copy(out, root.schedulers)
	return out
}

// withHaltBarrier is the halt/resume protocol used around any mutation of
// the registered-scheduler list: set the halting flag, wake everyone so no
// worker is parked through the quiesce window, spin until every worker has
// observed the flag and backed off, run fn, then clear the flag and wake
// everyone again.
func (p *WorkerPool) withHaltBarrier(fn func()) {
	p.halting.Store(true)
	p.wakeAll()
	for p.haltedCount.Load() != int32(p.numWorkers) {
		// Rare path (register/unregister only); a tight spin is acceptable.
	}
	fn()
	p.halting.Store(false)
	p.wakeAll()
}

// observeHalt is called by a worker at the top of its loop; it blocks (spin)
// for the duration of a halt barrier, participating in the halted count.
func (p *WorkerPool) observeHalt() {
	if !p.halting.Load() {
		return
	}
	p.haltedCount.Add(1)
	for p.halting.Load() {
		// spin; this path is only hit during the rare register/unregister
		// barrier.
	}
	p.haltedCount.Add(-1)
}

// anyTasksAnywhere reports whether any registered scheduler, active or not,
// has visible local, affinity or shared-queue work. Used for the
// global-quiescence check before a bounded wait loop parks.
func (p *WorkerPool) anyTasksAnywhere() bool {
	for _, ms := range p.registeredSchedulers() {
		if ms.hasAnyTasks() {
			return true
		}
	}
	return false
}

// parkWorker is the sleep half of the sleep protocol: atomically increments
// the suspended counter and blocks on the pool condition until woken.
func (p *WorkerPool) parkWorker() {
	root := p.rootPool()
	root.sleepMu.Lock()
	root.suspended.Add(1)
	if !root.stopping.Load() && !root.halting.Load() {
		// One Wait() call parks until the next Signal/Broadcast; sync.Cond
		// gives no way to address a specific waiter, so any wake (a new
		// task, a shutdown, a halt barrier) simply returns control here and
		// the caller re-attempts task selection. A spurious wake just means
		// one extra failed attempt before parking again.
		root.sleepCond.Wait()
	}
	root.suspended.Add(-1)
	root.sleepMu.Unlock()
}

// wakeOne unparks at most one sleeping worker; called once per task insert
// by spawn/queue (including a continuation re-spawned by runChain). The
// executor does not call it when it finds work from another scheduler.
func (p *WorkerPool) wakeOne() {
	root := p.rootPool()
	if root.suspended.Load() <= 0 {
		return
	}
	root.sleepMu.Lock()
	root.sleepCond.Signal()
	root.sleepMu.Unlock()
}

func (p *WorkerPool) wakeAll() {
	root := p.rootPool()
	root.sleepMu.Lock()
	root.sleepCond.Broadcast()
	root.sleepMu.Unlock()
}

// Shutdown sets the stop flag, wakes every parked worker and joins them.
// Workers observe the stop flag between tasks, never inside one, so a task
// already executing always runs to completion.
func (p *WorkerPool) Shutdown() {
	root := p.rootPool()
	if root.stopping.Swap(true) {
		return
	}
	workerPoolLog.Info("stopping worker pool")
	root.wakeAll()
	root.wg.Wait()
	workerPoolLog.Info("worker pool stopped")
}
