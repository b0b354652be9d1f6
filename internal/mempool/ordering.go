package mempool

import (
	"bytes"
	"sort"
)

// PriorityQueue orders transactions for block inclusion: highest fee
// first, with same-sender transactions kept in nonce order so a reaped
// batch never carries a nonce gap ahead of its predecessor, and a
// hash tiebreak so every node reaps the same sequence.
//
// Ordering is computed lazily: mutation marks the slice dirty and the
// next read sorts it. The pool is bounded and reads (one reap per
// produced block) are far rarer than inserts, so sort-on-read beats
// maintaining heap shape on every insert.
type PriorityQueue struct {
	items []*MempoolTx
	dirty bool
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

func txLess(a, b *MempoolTx) bool {
	if a.Sender == b.Sender && a.Nonce != b.Nonce {
		return a.Nonce < b.Nonce
	}
	if a.Fee != b.Fee {
		return a.Fee > b.Fee
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

func (pq *PriorityQueue) ensureSorted() {
	if !pq.dirty {
		return
	}
	sort.SliceStable(pq.items, func(i, j int) bool { return txLess(pq.items[i], pq.items[j]) })
	pq.dirty = false
}

// Len returns the number of queued transactions.
func (pq *PriorityQueue) Len() int {
	return len(pq.items)
}

// PushTx adds a transaction to the queue.
func (pq *PriorityQueue) PushTx(tx *MempoolTx) {
	pq.items = append(pq.items, tx)
	pq.dirty = true
}

// Peek returns the highest-priority transaction without removing it.
func (pq *PriorityQueue) Peek() *MempoolTx {
	if len(pq.items) == 0 {
		return nil
	}
	pq.ensureSorted()
	return pq.items[0]
}

// PopTx removes and returns the highest-priority transaction.
func (pq *PriorityQueue) PopTx() *MempoolTx {
	if len(pq.items) == 0 {
		return nil
	}
	pq.ensureSorted()
	tx := pq.items[0]
	pq.items = pq.items[1:]
	return tx
}

// Remove removes a transaction by hash. Returns true if found.
func (pq *PriorityQueue) Remove(hash [32]byte) bool {
	for i, item := range pq.items {
		if item.Hash == hash {
			pq.items = append(pq.items[:i], pq.items[i+1:]...)
			return true
		}
	}
	return false
}

// All returns every queued transaction in inclusion order.
func (pq *PriorityQueue) All() []*MempoolTx {
	pq.ensureSorted()
	out := make([]*MempoolTx, len(pq.items))
	copy(out, pq.items)
	return out
}

// LowestFee returns the cheapest queued transaction, or nil when empty.
// This is the eviction candidate when the pool is full.
func (pq *PriorityQueue) LowestFee() *MempoolTx {
	if len(pq.items) == 0 {
		return nil
	}
	lowest := pq.items[0]
	for _, item := range pq.items[1:] {
		if item.Fee < lowest.Fee {
			lowest = item
		}
	}
	return lowest
}
