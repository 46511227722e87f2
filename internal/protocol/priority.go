package protocol

import "container/heap"

// Scheduled is one finalized message waiting for bandwidth under a send cap,
// ordered by the accumulated priority of its replication group.
type Scheduled struct {
	Channel  ChannelID
	Group    GroupID
	ID       MessageID
	Priority float64
	Payload  []byte

	order int
}

// PriorityQueue is a max-heap of scheduled messages by accumulated priority.
// Messages of equal priority pop in the order they were pushed so that no group
// is starved behind a peer of identical weight.
type PriorityQueue struct {
	entries []*Scheduled
	pushed  int
}

var _ heap.Interface = (*PriorityQueue)(nil)

func (q *PriorityQueue) Len() int { return len(q.entries) }

func (q *PriorityQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.order < b.order
}

func (q *PriorityQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
}

func (q *PriorityQueue) Push(x any) {
	entry := x.(*Scheduled)
	entry.order = q.pushed
	q.pushed += 1
	q.entries = append(q.entries, entry)
}

func (q *PriorityQueue) Pop() any {
	old := q.entries
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	q.entries = old[:n-1]
	return entry
}

// Schedule pushes a finalized message onto the queue.
func (q *PriorityQueue) Schedule(entry *Scheduled) {
	heap.Push(q, entry)
}

// Next pops the highest priority message, or nil if the queue is drained.
func (q *PriorityQueue) Next() *Scheduled {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Scheduled)
}
