package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/tree"
	"github.com/vantor-labs/konsensus/internal/types"
)

// ReceiveBlock runs an incoming signed block through the
// early-block/duplicate/stale gate, then branches on the parent's status
// between the cheap pending-block pre-checks and the full verify-and-insert
// pipeline.
func (e *Engine) ReceiveBlock(pb *types.Block) types.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutDown {
		return types.ResultConsensusShutDown
	}
	if !pb.Genesis {
		pb.SetHash(crypto.HashBlock(pb))
	}
	h := pb.Hash()

	nowMillis := uint64(time.Now().UnixMilli())
	if pb.Timestamp > nowMillis+uint64(e.cfg.EarlyBlockThreshold.Duration.Milliseconds()) {
		return types.ResultEarlyBlock
	}

	status := e.tree.GetRecentBlockStatus(h)
	if status.OldFinalized || status.Status != types.StatusUnknown {
		return types.ResultDuplicate
	}

	lastFinalized := e.tree.LastFinalized()
	if pb.Round <= lastFinalized.Block.Round {
		e.markDeadLocked(h)
		return types.ResultStale
	}

	if e.cfg.MaxBlockSize > 0 {
		var size int
		for _, tx := range pb.Transactions {
			size += len(tx)
		}
		if size > e.cfg.MaxBlockSize {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
	}

	return e.integrateBlockLocked(pb)
}

func (e *Engine) markDeadLocked(h types.Hash) {
	e.tree.MarkDead(h)
	e.metrics.BlocksDead.Inc()
}

// integrateBlockLocked dispatches on the parent's lifecycle status: an
// unknown or still-pending parent means pb itself can only be cheaply
// pre-checked and queued; an alive or finalized parent lets the block run
// the full verification pipeline immediately.
func (e *Engine) integrateBlockLocked(pb *types.Block) types.Result {
	h := pb.Hash()
	parentStatus := e.tree.GetRecentBlockStatus(pb.ParentHash)

	switch parentStatus.Status {
	case types.StatusDead:
		e.markDeadLocked(h)
		return types.ResultInvalid

	case types.StatusAlive, types.StatusFinalized:
		parentNode, ok := e.tree.Node(pb.ParentHash)
		if !ok {
			// Finalized but aged out of the recent window: cannot verify
			// the parent round/epoch locally without a store read.
			return types.ResultUnverifiable
		}
		return e.verifyAndInsertLocked(pb, parentNode)

	default: // StatusUnknown, StatusPending
		if !e.cheapPreChecksLocked(pb) {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
		e.tree.AddPendingBlock(pb)
		return types.ResultPendingBlock
	}
}

// cheapPreChecksLocked runs the checks affordable before a block's parent
// is known to be alive: the claimed baker holds a committee seat under the
// signing key it claims, its Ed25519 signature verifies, and its VRF
// leader-election proof wins the lottery for (epoch, round).
func (e *Engine) cheapPreChecksLocked(pb *types.Block) bool {
	committee, ok := e.committeeForEpoch(pb.Epoch)
	if !ok {
		return false
	}
	fi, ok := committee.ByBaker(pb.Baker)
	if !ok || fi.SignKey != pb.BakerKey {
		return false
	}
	if !crypto.VerifyBlockSignature(pb.BakerKey, pb.Hash().Bytes(), pb.Signature) {
		return false
	}
	return e.verifyLeaderElectionLocked(pb, fi, committee)
}

// verifyLeaderElectionLocked checks pb's VRF proof against the epoch's
// leadership nonce and the lottery threshold. A single VRF output serves as
// both the leader-election proof and the block nonce, so one verification
// call covers both.
func (e *Engine) verifyLeaderElectionLocked(pb *types.Block, fi *types.FinalizerInfo, committee *types.FinalizationCommittee) bool {
	proof, ok := crypto.VRFProofFromBytes(pb.VRFProof)
	if !ok {
		return false
	}
	alpha := e.leaderElectionAlpha(pb.Epoch, pb.Round)
	output, verified := crypto.VRFVerify(fi.VRFKey, alpha, proof)
	if !verified || output != pb.VRFOutput {
		return false
	}
	return crypto.LeaderWins(output, fi.VotingPower, committee.TotalPower)
}

// verifyAndInsertLocked is the full pipeline for a block whose parent is
// alive or finalized: the round check against the parent (the epoch is
// checked against the parent QC by Block.Validate), signature and
// leader-election verification, the embedded finalization entry and timeout
// certificate (if present), adopting the parent QC, executing the block,
// and inserting it as alive before draining any pending children.
func (e *Engine) verifyAndInsertLocked(pb *types.Block, parentNode *tree.Node) types.Result {
	h := pb.Hash()

	if err := pb.Validate(); err != nil {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}
	if pb.Round <= parentNode.Block.Round {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}

	committee, ok := e.committeeForEpoch(pb.Epoch)
	if !ok {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}
	fi, ok := committee.ByBaker(pb.Baker)
	if !ok || fi.SignKey != pb.BakerKey {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}
	if !crypto.VerifyBlockSignature(pb.BakerKey, h.Bytes(), pb.Signature) {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}
	if !e.verifyLeaderElectionLocked(pb, fi, committee) {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}

	if pb.FinalizationEntry != nil {
		if !pb.FinalizationEntry.Valid(pb.FinalizationEntry.BlockQC.BlockHash) {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
		if pb.FinalizationEntry.BlockQC.BlockHash != e.tree.LastFinalized().Hash {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
	}

	if pb.Round > pb.ParentQC.Round.Next() {
		if pb.TimeoutCertificate == nil || !pb.TimeoutCertificate.RelevantTo(pb.Round) {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
		firstCommittee, _ := e.committeeForEpoch(pb.TimeoutCertificate.MinEpoch)
		secondCommittee, _ := e.committeeForEpoch(pb.TimeoutCertificate.MinEpoch + 1)
		weightCommittee, ok := e.committeeForEpoch(pb.ParentQC.Epoch)
		if !ok || !crypto.VerifyTimeoutCertificate(e.cfg.SignatureThresholdNum, e.cfg.SignatureThresholdDen,
			firstCommittee, secondCommittee, weightCommittee, pb.TimeoutCertificate) {
			e.markDeadLocked(h)
			return types.ResultInvalid
		}
	}

	parentQCCommittee, ok := e.committeeForEpoch(pb.ParentQC.Epoch)
	if !ok || pb.ParentQC.Round > e.roundStatus.HighestCertifiedBlock.Round &&
		!e.adoptQCLocked(pb.ParentQC, fi.Index, pb.Round, parentQCCommittee) {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}

	execRes, err := e.execution.ExecuteBlock(pb, parentNode.Block.StateHash)
	if err != nil {
		e.logger.Warn("execute block failed", zap.Error(err))
		e.markDeadLocked(h)
		return types.ResultInvalid
	}
	if execRes.StateRoot != pb.StateHash {
		e.markDeadLocked(h)
		return types.ResultInvalid
	}

	node := e.tree.MakeLive(pb, parentNode.Height+1)
	e.metrics.ConsensusHeight.Set(float64(node.Height))

	if pb.FinalizationEntry != nil {
		e.advanceEpoch(pb.Epoch, pb.FinalizationEntry)
		if e.pendingFinalizationEntry != nil && e.pendingFinalizationEntry.BlockQC.BlockHash == pb.FinalizationEntry.BlockQC.BlockHash {
			e.pendingFinalizationEntry = nil
		}
	}
	if e.onBlock != nil {
		e.onBlock(pb)
	}

	e.drainPendingChildrenLocked(node.Hash)
	return types.ResultSuccess
}

// drainPendingChildrenLocked re-enters integrateBlockLocked for every block
// that was queued waiting on parent, now that parent is alive.
func (e *Engine) drainPendingChildrenLocked(parent types.Hash) {
	children := e.tree.TakePendingChildren(parent)
	for _, child := range children {
		e.integrateBlockLocked(child)
	}
}

// makeBlock is the block-production hook, invoked inline by the round
// advance that elects the local baker: it assembles, executes, signs,
// inserts, and broadcasts the new round's proposal.
func (e *Engine) makeBlock(round types.Round, vrfOutput [32]byte, vrfProof crypto.VRFProof) {
	if e.identity == nil {
		return
	}
	epoch := e.roundStatus.CurrentEpoch
	committee, ok := e.committeeForEpoch(epoch)
	if !ok {
		return
	}
	seat, ok := e.identity.seat(committee)
	if !ok {
		return
	}

	parent := e.tree.Focus()
	hc := e.roundStatus.HighestCertifiedBlock

	pb := &types.Block{
		Round:      round,
		Epoch:      epoch,
		Timestamp:  uint64(time.Now().UnixMilli()),
		Baker:      e.identity.Baker,
		BakerKey:   seat.SignKey,
		VRFOutput:  vrfOutput,
		VRFProof:   vrfProof.Bytes(),
		ParentHash: parent.Hash,
		ParentQC:   hc,
	}

	if pt := e.roundStatus.PreviousRoundTimeout; pt != nil && pt.TC != nil && pt.TC.RelevantTo(round) {
		pb.TimeoutCertificate = pt.TC
	}

	usedFE := false
	if fe := e.pendingFinalizationEntry; fe != nil && fe.BlockQC.BlockHash == parent.Hash {
		pb.FinalizationEntry = fe
		pb.Epoch = epoch.Next()
		usedFE = true
	}

	maxBytes := e.cfg.MaxBlockSize
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if e.mempool != nil {
		pb.Transactions = e.mempool.Reap(maxBytes)
	}

	execRes, err := e.execution.ExecuteBlock(pb, parent.Block.StateHash)
	if err != nil {
		e.logger.Error("make block: execute failed", zap.Error(err))
		return
	}
	pb.StateHash = execRes.StateRoot

	pb.SetHash(crypto.HashBlock(pb))
	pb.Signature = crypto.SignBlock(e.identity.SignPriv, pb.Hash())

	node := e.tree.MakeLive(pb, parent.Height+1)
	e.metrics.ConsensusHeight.Set(float64(node.Height))

	if usedFE {
		e.advanceEpoch(pb.Epoch, pb.FinalizationEntry)
		e.pendingFinalizationEntry = nil
	}
	if e.onBlock != nil {
		e.onBlock(pb)
	}

	if e.transport != nil {
		if err := e.transport.BroadcastBlock(pb); err != nil {
			e.logger.Warn("broadcast block failed", zap.Error(err))
		}
	}

	e.drainPendingChildrenLocked(node.Hash)
}
