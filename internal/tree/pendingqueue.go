package tree

import (
	"container/heap"

	"github.com/vantor-labs/konsensus/internal/types"
)

// pendingQueueEntry is (blockHash, parentHash) keyed by round. The
// pending-by-parent table is authoritative;
// entries here may be stale (their block already removed from
// pending-by-parent) and are discarded silently on pop.
type pendingQueueEntry struct {
	round  types.Round
	hash   types.Hash
	parent types.Hash
	index  int
}

type pendingHeap []*pendingQueueEntry

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].round < h[j].round }
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*pendingQueueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// pendingQueue is a min-queue of pending blocks keyed by round.
type pendingQueue struct {
	h pendingHeap
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{h: pendingHeap{}}
}

func (q *pendingQueue) push(round types.Round, hash, parent types.Hash) {
	heap.Push(&q.h, &pendingQueueEntry{round: round, hash: hash, parent: parent})
}

// peekRound returns the smallest round currently queued, and whether the
// queue is non-empty. Does not pop or validate staleness.
func (q *pendingQueue) peekRound() (types.Round, bool) {
	if q.h.Len() == 0 {
		return 0, false
	}
	return q.h[0].round, true
}

// pop removes and returns the minimum-round entry, or false if empty.
func (q *pendingQueue) pop() (pendingQueueEntry, bool) {
	if q.h.Len() == 0 {
		return pendingQueueEntry{}, false
	}
	e := heap.Pop(&q.h).(*pendingQueueEntry)
	return *e, true
}

func (q *pendingQueue) len() int { return q.h.Len() }
