// Shared queue: multi-producer, multi-consumer FIFO owned by a
// MicroScheduler, used by non-worker threads and by workers queueing across
// scheduler boundaries. Sharded by producer id into independent sub-queues,
// each guarded by its own spinlock, to keep contention local.
//
// The spinlock spins on compare-and-swap and, after 64 failed attempts,
// yields with runtime.Gosched on every further attempt; a dedicated type
// keeps the hot compare-and-swap path allocation-free.

package mxsched_internal

import (
	"runtime"
	"sync/atomic"
)

type spinlock struct {
	state atomic.Uint32
}

func (s *spinlock) Lock() {
	spins := 0
	for !s.state.CompareAndSwap(0, 1) {
		spins++
		if spins > 64 {
			runtime.Gosched()
		}
	}
}

func (s *spinlock) Unlock() {
	s.state.Store(0)
}

// sharedSubQueue is a plain slice used as a FIFO under the spinlock above:
// push appends, pop advances a head index, and the consumed prefix is
// compacted away once it is past 64 entries and at least half the slice.
// Contention is expected to be low per shard, so this beats a fancier
// lock-free structure here.
type sharedSubQueue struct {
	lock  spinlock
	tasks []*Task
	head  int
}

func (q *sharedSubQueue) push(t *Task) {
	q.lock.Lock()
	q.tasks = append(q.tasks, t)
	q.lock.Unlock()
}

func (q *sharedSubQueue) pop() *Task {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head >= len(q.tasks) {
		return nil
	}
	t := q.tasks[q.head]
	q.tasks[q.head] = nil
	q.head++
	if q.head > 64 && q.head*2 >= len(q.tasks) {
		q.tasks = append(q.tasks[:0], q.tasks[q.head:]...)
		q.head = 0
	}
	return t
}

func (q *sharedSubQueue) approxEmpty() bool {
	return q.head >= len(q.tasks)
}

const sharedQueueDefaultShards = 8

type SharedQueue struct {
	shards []sharedSubQueue
	next   atomic.Uint64 // round-robin producer-shard assignment for queueers with no natural id
}

func NewSharedQueue(numShards int) *SharedQueue {
	if numShards <= 0 {
		numShards = sharedQueueDefaultShards
	}
	return &SharedQueue{shards: make([]sharedSubQueue, numShards)}
}

// Push enqueues t into the shard selected by producerId (typically the
// calling worker's index, or a round-robin pick for non-worker callers).
func (q *SharedQueue) Push(producerId int, t *Task) {
	shard := producerId
	if shard < 0 {
		shard = int(q.next.Add(1))
	}
	q.shards[shard%len(q.shards)].push(t)
}

// Pop scans shards starting at preferredShard (usually the calling worker's
// own index, for locality) looking for any available task.
func (q *SharedQueue) Pop(preferredShard int) *Task {
	n := len(q.shards)
	if preferredShard < 0 {
		preferredShard = 0
	}
	for i := 0; i < n; i++ {
		idx := (preferredShard + i) % n
		if t := q.shards[idx].pop(); t != nil {
			return t
		}
	}
	return nil
}

func (q *SharedQueue) ApproxEmpty() bool {
	for i := range q.shards {
		if !q.shards[i].approxEmpty() {
			return false
		}
	}
	return true
}
