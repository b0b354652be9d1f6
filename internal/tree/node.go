// Package tree implements the in-memory block tree (C2 of the consensus
// engine): the live map, dead cache, pending-by-parent table, pending
// priority queue, branches, and focus block.
package tree

import "github.com/vantor-labs/konsensus/internal/types"

// Node is an arena entry for a block whose parent is known to be alive or
// finalized. Nodes carry no back-pointer to their children; children are
// discovered on demand via
// the pending-by-parent table or, for already-alive blocks, by scanning
// Branches — so that finalization's pruning pass stays local to the nodes
// it actually visits.
type Node struct {
	Block  *types.Block
	Hash   types.Hash
	Height uint64
	Parent types.Hash // zero for genesis

	Status types.BlockLifecycleStatus
}

// liveEntry is what the live map stores for a hash: either a pending signed
// block (parent not yet alive) or a pointer to an arena node.
type liveEntry struct {
	pending *types.Block
	node    *Node
}

func (e *liveEntry) status() types.BlockLifecycleStatus {
	if e.node != nil {
		return e.node.Status
	}
	if e.pending != nil {
		return types.StatusPending
	}
	return types.StatusUnknown
}
