package catchup

import (
	"testing"

	"github.com/vantor-labs/konsensus/internal/types"
)

func hash(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestIsCatchUpRequiredAheadByRound(t *testing.T) {
	theirs := Status{CurrentRound: 10, LastFinalizedRound: 5}
	mine := Status{CurrentRound: 9, LastFinalizedRound: 5}
	if !IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected catch-up required when their round is ahead")
	}
}

func TestIsCatchUpRequiredAheadByFinalizedRound(t *testing.T) {
	theirs := Status{CurrentRound: 9, LastFinalizedRound: 8}
	mine := Status{CurrentRound: 9, LastFinalizedRound: 5}
	if !IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected catch-up required when their last-finalized round is ahead")
	}
}

func TestIsCatchUpRequiredEqualNothingMissing(t *testing.T) {
	theirs := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		Leaves:             []types.Hash{hash(2)},
	}
	mine := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		Leaves:             []types.Hash{hash(2)},
	}
	if IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected no catch-up required when views match")
	}
}

func TestIsCatchUpRequiredUnknownLeaf(t *testing.T) {
	theirs := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		Leaves:             []types.Hash{hash(2), hash(3)},
	}
	mine := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		Leaves:             []types.Hash{hash(2)},
	}
	if !IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected catch-up required when a peer leaf is unknown to us")
	}
}

func TestIsCatchUpRequiredBelowOurFinalizedRoundNeverTriggers(t *testing.T) {
	theirs := Status{
		CurrentRound:       3,
		LastFinalizedRound: 1,
		LastFinalizedHash:  hash(9),
		Leaves:             []types.Hash{hash(9)},
	}
	mine := Status{CurrentRound: 9, LastFinalizedRound: 5}
	if IsCatchUpRequired(theirs, mine) {
		t.Fatal("a peer whose round is behind our last-finalized round never needs catch-up")
	}
}

func TestIsCatchUpRequiredExtraQuorumSigner(t *testing.T) {
	mineSet := types.NewFinalizerSet(4)
	mineSet.Set(0)

	theirSet := types.NewFinalizerSet(4)
	theirSet.Set(0)
	theirSet.Set(1)

	theirs := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		QuorumSignerSets:   map[types.Hash]*types.FinalizerSet{hash(2): theirSet},
	}
	mine := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		QuorumSignerSets:   map[types.Hash]*types.FinalizerSet{hash(2): mineSet},
	}
	if !IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected catch-up required when peer holds a quorum signature we lack")
	}
}

func TestIsCatchUpRequiredTimeoutWindowExtraSigner(t *testing.T) {
	mineSet := types.NewFinalizerSet(4)
	mineSet.Set(0)
	theirSet := types.NewFinalizerSet(4)
	theirSet.Set(0)
	theirSet.Set(2)

	theirs := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		TimeoutSummary:     &TimeoutSummary{FirstEpoch: 3, FirstSigners: theirSet},
	}
	mine := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		TimeoutSummary:     &TimeoutSummary{FirstEpoch: 3, FirstSigners: mineSet},
	}
	if !IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected catch-up required when peer's timeout window has an extra signer")
	}
}

func TestIsCatchUpRequiredTimeoutWindowRotatedAlignsByEpoch(t *testing.T) {
	set := types.NewFinalizerSet(4)
	set.Set(1)

	// Their window has rotated one epoch ahead of ours but carries the same
	// signer content once addressed by epoch number.
	theirs := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		TimeoutSummary:     &TimeoutSummary{FirstEpoch: 4, FirstSigners: set},
	}
	mine := Status{
		CurrentRound:       9,
		LastFinalizedRound: 5,
		LastFinalizedHash:  hash(1),
		TimeoutSummary:     &TimeoutSummary{FirstEpoch: 3, SecondSigners: set},
	}
	if IsCatchUpRequired(theirs, mine) {
		t.Fatal("expected no catch-up required once buckets are aligned by epoch number")
	}
}
