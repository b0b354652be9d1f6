// Package catchup implements C8: producing and consuming catch-up status,
// request, and response messages so a node can detect it is behind a peer
// and pull the blocks and votes it is missing. It sits
// above internal/consensus, reading the engine's tree and vote pools
// through the accessor methods consensus.Engine exports for this purpose,
// and driving the engine's terminal-data application through the same
// exported surface everything else outside the package uses.
package catchup

import "github.com/vantor-labs/konsensus/internal/types"

// TimeoutSummary is the compact view of the two-epoch timeout window
// carried in a Status: the first bucket's epoch plus the union of signers
// recorded in each bucket.
type TimeoutSummary struct {
	FirstEpoch    types.Epoch
	FirstSigners  *types.FinalizerSet
	SecondSigners *types.FinalizerSet
}

// Status is the lightweight catch-up summary exchanged between peers: last
// finalized block, current round, the alive frontier (leaves/branches),
// and what vote material is already held for the current round.
type Status struct {
	LastFinalizedHash  types.Hash
	LastFinalizedRound types.Round
	CurrentRound       types.Round

	// Leaves are alive blocks with no alive child; Branches are alive,
	// non-leaf, non-finalized blocks. Together they're the full alive
	// frontier a peer needs to reconcile against.
	Leaves   []types.Hash
	Branches []types.Hash

	QuorumSignerSets map[types.Hash]*types.FinalizerSet
	TimeoutSummary   *TimeoutSummary
}

// knownHashes is the set of block hashes Status considers "known" on its
// side: leaves, branches, and the last-finalized block itself.
func (s Status) knownHashes() map[types.Hash]struct{} {
	known := make(map[types.Hash]struct{}, len(s.Leaves)+len(s.Branches)+1)
	known[s.LastFinalizedHash] = struct{}{}
	for _, h := range s.Leaves {
		known[h] = struct{}{}
	}
	for _, h := range s.Branches {
		known[h] = struct{}{}
	}
	return known
}

// IsCatchUpRequired decides whether mine is behind theirs: we need to
// catch up against theirs if their view is strictly ahead of ours
// by round or by last-finalized round, or if (at equal progress) they hold
// alive blocks or vote material we don't.
func IsCatchUpRequired(theirs, mine Status) bool {
	if theirs.CurrentRound > mine.CurrentRound {
		return true
	}
	if theirs.LastFinalizedRound > mine.LastFinalizedRound {
		return true
	}
	if theirs.CurrentRound <= mine.LastFinalizedRound {
		return false
	}

	mineKnown := mine.knownHashes()
	for _, h := range theirs.Leaves {
		if _, ok := mineKnown[h]; !ok {
			return true
		}
	}

	if theirs.CurrentRound == mine.CurrentRound {
		for h, theirSet := range theirs.QuorumSignerSets {
			if setHasExtra(theirSet, mine.QuorumSignerSets[h]) {
				return true
			}
		}
		if timeoutSummaryHasExtra(theirs.TimeoutSummary, mine.TimeoutSummary) {
			return true
		}
	}
	return false
}

// setHasExtra reports whether theirs contains a signer mine doesn't.
func setHasExtra(theirs, mine *types.FinalizerSet) bool {
	if theirs == nil {
		return false
	}
	indices := theirs.Indices()
	if mine == nil {
		return len(indices) > 0
	}
	for _, idx := range indices {
		if !mine.IsSet(idx) {
			return true
		}
	}
	return false
}

// timeoutSummaryHasExtra compares the two two-epoch windows bucket by
// bucket, aligning on epoch number rather than bucket position since a
// peer's window may have rotated relative to ours (the window-alignment
// cases collapse to this per-epoch set difference once buckets are
// addressed by epoch instead of
// position).
func timeoutSummaryHasExtra(theirs, mine *TimeoutSummary) bool {
	if theirs == nil {
		return false
	}
	bucket := func(epoch types.Epoch) *types.FinalizerSet {
		if mine == nil {
			return nil
		}
		switch epoch {
		case mine.FirstEpoch:
			return mine.FirstSigners
		case mine.FirstEpoch + 1:
			return mine.SecondSigners
		default:
			return nil
		}
	}
	if setHasExtra(theirs.FirstSigners, bucket(theirs.FirstEpoch)) {
		return true
	}
	if setHasExtra(theirs.SecondSigners, bucket(theirs.FirstEpoch+1)) {
		return true
	}
	return false
}
