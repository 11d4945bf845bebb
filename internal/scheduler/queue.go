package scheduler

import (
	"container/heap"
	"time"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

// entry is one queued job. seq is the FIFO tie-break among equal priorities.
type entry struct {
	id         types.JobID
	priority   types.Priority
	seq        uint64
	enqueuedAt time.Time
	index      int // position in the heap, maintained by entryHeap
}

// entryHeap orders entries by priority (high first), then by seq (low first).
// It implements heap.Interface; use priorityQueue instead of calling it directly.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue is a heap of entries with an id index for O(log n) removal.
// It is not safe for concurrent use; Scheduler guards it with its mutex.
type priorityQueue struct {
	h     entryHeap
	index map[types.JobID]*entry
	seq   uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{index: make(map[types.JobID]*entry)}
}

func (q *priorityQueue) Len() int { return q.h.Len() }

// push assigns the next sequence number and inserts the job.
func (q *priorityQueue) push(id types.JobID, p types.Priority, now time.Time) *entry {
	q.seq++
	e := &entry{id: id, priority: p, seq: q.seq, enqueuedAt: now}
	heap.Push(&q.h, e)
	q.index[id] = e
	return e
}

// pop removes the highest-priority, lowest-sequence entry.
func (q *priorityQueue) pop() (*entry, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(*entry)
	delete(q.index, e.id)
	return e, true
}

// remove deletes the entry for id if it is queued.
func (q *priorityQueue) remove(id types.JobID) bool {
	e, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.index, id)
	return true
}

// drain removes and returns every queued entry.
func (q *priorityQueue) drain() []*entry {
	out := make([]*entry, 0, q.h.Len())
	for q.h.Len() > 0 {
		e, _ := q.pop()
		out = append(out, e)
	}
	return out
}

// counts returns the number of queued entries per priority and the enqueue
// time of the oldest entry.
func (q *priorityQueue) counts() (map[types.Priority]int, time.Time) {
	byPriority := make(map[types.Priority]int, len(types.Priorities))
	for _, p := range types.Priorities {
		byPriority[p] = 0
	}
	var oldest time.Time
	for _, e := range q.h {
		byPriority[e.priority]++
		if oldest.IsZero() || e.enqueuedAt.Before(oldest) {
			oldest = e.enqueuedAt
		}
	}
	return byPriority, oldest
}
