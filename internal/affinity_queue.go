// Per-worker affinity queue: multi-producer, single-consumer lock-free FIFO.
// Any number of spawners may enqueue a task pinned to this worker; only the
// owning worker ever dequeues, so the consumer's head pointer is a plain
// field; the consumer only atomically loads each node's next link.
//
// This is the classic Vyukov/Michael-Scott MPSC queue shape: an intrusive
// singly-linked list with an atomically swapped tail for producers and a
// plain pointer for the single consumer, using the same atomic.Pointer
// idiom as deque.go.

package mxsched_internal

import "sync/atomic"

type affinityNode struct {
	next atomic.Pointer[affinityNode]
	task *Task
}

type AffinityQueue struct {
	head *affinityNode // consumer-owned, never touched by producers
	tail atomic.Pointer[affinityNode]
}

func NewAffinityQueue() *AffinityQueue {
	dummy := &affinityNode{}
	q := &AffinityQueue{head: dummy}
	q.tail.Store(dummy)
	return q
}

// Enqueue may be called concurrently by any number of producers.
func (q *AffinityQueue) Enqueue(t *Task) {
	n := &affinityNode{task: t}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// Dequeue must only ever be called by the owning worker.
func (q *AffinityQueue) Dequeue() *Task {
	next := q.head.next.Load()
	if next == nil {
		return nil
	}
	q.head = next
	task := next.task
	next.task = nil
	return task
}

// ApproxEmpty is a racy check: a producer may be mid-Enqueue, in which case
// this can briefly report "empty" for a node that is about to become
// visible. The executor loop tolerates this the same way it tolerates a
// spurious steal failure.
func (q *AffinityQueue) ApproxEmpty() bool {
	return q.head.next.Load() == nil
}
