package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// These tests walk the longer end-to-end scenarios: a rejected early block,
// the two-epoch timeout window's bucket rotation, and a competing branch
// pruned once a later QC's chain walk passes over it. Each drives the
// engine the same way the network or a peer would, through its exported
// receive/process surface, so testify's shorter assertions carry the setup
// noise instead of hand-rolled t.Fatalf chains. The catch-up round-trip
// scenario lives with the catchup package, which owns that surface.

func TestEarlyBlockRejected(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, 0)
	e.Start()

	farFuture := uint64(time.Now().Add(24 * time.Hour).UnixMilli())
	block := &types.Block{
		Round:      2,
		Epoch:      0,
		Timestamp:  farFuture,
		ParentHash: e.genesisHash,
		ParentQC:   &types.QuorumCertificate{BlockHash: e.genesisHash, Round: 0, Epoch: 0},
		Baker:      finalizers[0].info.Baker,
		BakerKey:   finalizers[0].info.SignKey,
	}

	res := e.ReceiveBlock(block)
	require.Equal(t, types.ResultEarlyBlock, res, "a block timestamped far beyond the early-block threshold must be rejected before any other check")
}

// TestTimeoutWindowBucketRotation drives processTimeoutLocked directly with
// synthetic timeout messages (it never verifies signatures, so no BLS/Ed25519
// material is needed) across every bucket-placement case: first insert,
// same-epoch, next-epoch, left-rotate, right-rotate,
// stale-drop, and full reset. The committee is sized so accumulated weight
// never nears the formation threshold, keeping each case isolated from TC
// formation and round advancement.
func TestTimeoutWindowBucketRotation(t *testing.T) {
	finalizers, committee := buildCommittee(t, 10, 100)
	e := newTestEngine(t, finalizers, committee, 0)
	e.Start()

	qc := &types.QuorumCertificate{BlockHash: e.genesisHash, Round: 0, Epoch: 0}
	tm := func(signer types.FinalizerIndex, epoch types.Epoch) *types.TimeoutMessage {
		return &types.TimeoutMessage{Round: e.roundStatus.CurrentRound, Epoch: epoch, Signer: signer, QC: qc}
	}

	// First insert opens the window on the message's own epoch.
	e.processTimeoutLocked(tm(0, 5))
	require.True(t, e.timeouts.have)
	require.Equal(t, types.Epoch(5), e.timeouts.firstEpoch)
	require.Len(t, e.timeouts.firstEpochTimeouts, 1)
	require.Empty(t, e.timeouts.secondEpochTimeouts)

	// Same epoch as the first bucket accumulates into it.
	e.processTimeoutLocked(tm(1, 5))
	require.Equal(t, types.Epoch(5), e.timeouts.firstEpoch)
	require.Len(t, e.timeouts.firstEpochTimeouts, 2)

	// firstEpoch+1 opens/accumulates into the second bucket.
	e.processTimeoutLocked(tm(2, 6))
	require.Len(t, e.timeouts.secondEpochTimeouts, 1)

	// firstEpoch+2 with a non-empty second bucket left-rotates: the old
	// second bucket becomes the new first, and a fresh second bucket opens.
	e.processTimeoutLocked(tm(3, 7))
	require.Equal(t, types.Epoch(6), e.timeouts.firstEpoch)
	require.Len(t, e.timeouts.firstEpochTimeouts, 1)
	require.Contains(t, e.timeouts.firstEpochTimeouts, types.FinalizerIndex(2))
	require.Len(t, e.timeouts.secondEpochTimeouts, 1)
	require.Contains(t, e.timeouts.secondEpochTimeouts, types.FinalizerIndex(3))

	// Reset the window and exercise the right-rotate (prepend) case: a
	// message one epoch behind an empty-second-bucket window becomes the new
	// first bucket, and the old first bucket slides into the second.
	e.timeouts = nil
	e.processTimeoutLocked(tm(0, 10))
	require.Equal(t, types.Epoch(10), e.timeouts.firstEpoch)
	e.processTimeoutLocked(tm(1, 9))
	require.Equal(t, types.Epoch(9), e.timeouts.firstEpoch)
	require.Contains(t, e.timeouts.firstEpochTimeouts, types.FinalizerIndex(1))
	require.Contains(t, e.timeouts.secondEpochTimeouts, types.FinalizerIndex(0))

	// Reset again and exercise stale-drop followed by a full reset once the
	// gap exceeds two epochs.
	e.timeouts = nil
	e.processTimeoutLocked(tm(0, 20))
	e.processTimeoutLocked(tm(1, 1)) // far in the past: left unchanged
	require.Equal(t, types.Epoch(20), e.timeouts.firstEpoch)
	require.Len(t, e.timeouts.firstEpochTimeouts, 1)

	e.processTimeoutLocked(tm(1, 25)) // past firstEpoch+2: full reset
	require.Equal(t, types.Epoch(25), e.timeouts.firstEpoch)
	require.Len(t, e.timeouts.firstEpochTimeouts, 1)
	require.Contains(t, e.timeouts.firstEpochTimeouts, types.FinalizerIndex(1))
	require.Empty(t, e.timeouts.secondEpochTimeouts)
}

// buildManualBlock hand-assembles and signs a block the way makeBlock would,
// but atop a caller-chosen parent rather than the engine's own focus — the
// shape an equivocating or differently-informed peer's proposal takes on the
// wire.
func buildManualBlock(t *testing.T, e *Engine, f testFinalizer, round types.Round, parentHash types.Hash, parentStateHash types.Hash, parentQC *types.QuorumCertificate, tc *types.TimeoutCertificate) *types.Block {
	t.Helper()
	alpha := e.leaderElectionAlpha(0, round)
	output, proof, err := crypto.VRFProve(f.identity.VRFPriv, alpha)
	require.NoError(t, err)

	pb := &types.Block{
		Round:      round,
		Epoch:      0,
		Timestamp:  uint64(time.Now().UnixMilli()),
		Baker:      f.info.Baker,
		BakerKey:   f.info.SignKey,
		VRFOutput:  output,
		VRFProof:   proof.Bytes(),
		ParentHash: parentHash,
		ParentQC:   parentQC,
	}
	if tc != nil {
		pb.TimeoutCertificate = tc
	}

	execRes, err := stubExecution{}.ExecuteBlock(pb, parentStateHash)
	require.NoError(t, err)
	pb.StateHash = execRes.StateRoot

	pb.SetHash(crypto.HashBlock(pb))
	pb.Signature = crypto.SignBlock(f.identity.SignPriv, pb.Hash())
	return pb
}

// TestCompetingBranchPrunedOnDeferredFinalization walks a competing-branch
// scenario: a round produced atop an uncertified block gets
// abandoned once a later QC's chain walk finalizes back through a sibling
// branch instead, pruning everything that isn't a descendant of the newly
// finalized tip.
func TestCompetingBranchPrunedOnDeferredFinalization(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, 0)

	var produced []*types.Block
	e.SetOnBlock(func(b *types.Block) { produced = append(produced, b) })
	e.Start()
	block1 := produced[0]

	vote := func(b *types.Block) {
		qm := signQuorumMessage(e.genesisHash, finalizers[0], b.Hash(), b.Round, b.Epoch)
		recv := e.ReceiveQuorumMessage(qm)
		require.Equal(t, QuorumReceived, recv.Status)
		e.ProcessQuorumMessage(qm)
	}

	vote(block1) // QC1: round advances to 2, block2 auto-produced atop block1
	require.Len(t, produced, 2)
	block2 := produced[1]

	vote(block2) // QC2: finalizes block1, round advances to 3, block3 auto-produced atop block2
	require.Len(t, produced, 3)
	block3 := produced[2]
	require.Equal(t, block1.Hash(), e.tree.LastFinalized().Hash)

	// Capture the highest-certified QC (block2's) before block3's round times
	// out, to embed as block4's parent QC.
	hcBlock2 := e.roundStatus.HighestCertifiedBlock
	require.Equal(t, block2.Hash(), hcBlock2.BlockHash)

	// Round 3 never gets a vote: it times out, forming a TC and advancing to
	// round 4. The engine's own leader continuity auto-produces a block atop
	// its own focus (block3) — the block this scenario orphans.
	e.uponTimeoutEvent()
	require.Len(t, produced, 4)
	blockNaturalAtopOrphan := produced[3]
	require.Equal(t, block3.Hash(), blockNaturalAtopOrphan.ParentHash)
	tc := e.roundStatus.PreviousRoundTimeout.TC
	require.NotNil(t, tc)

	// A differently-informed round-4 proposal instead builds atop the
	// highest-certified block (block2), carrying the same TC.
	block4 := buildManualBlock(t, e, finalizers[0], 4, block2.Hash(), block2.StateHash, hcBlock2, tc)
	res := e.ReceiveBlock(block4)
	require.Equal(t, types.ResultSuccess, res)

	vote(block4) // QC4: round(4) != parent round(2)+1, so no finalization yet
	require.Equal(t, block1.Hash(), e.tree.LastFinalized().Hash)
	require.Len(t, produced, 6) // block4 recorded on becoming alive; round advances to 5, block5 auto-produced atop focus (block4)
	block5 := produced[5]
	require.Equal(t, block4.Hash(), block5.ParentHash)

	vote(block5) // QC5: round(5) == parent(block4).round(4)+1, finalizes block4's chain back through block2
	require.Equal(t, block4.Hash(), e.tree.LastFinalized().Hash)

	require.Equal(t, types.StatusFinalized, e.tree.GetRecentBlockStatus(block2.Hash()).Status)
	require.Equal(t, types.StatusFinalized, e.tree.GetRecentBlockStatus(block4.Hash()).Status)
	require.Equal(t, types.StatusDead, e.tree.GetRecentBlockStatus(block3.Hash()).Status)
	require.Equal(t, types.StatusDead, e.tree.GetRecentBlockStatus(blockNaturalAtopOrphan.Hash()).Status)
}

