package consensus

import (
	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/types"
)

// checkFinalityLocked decides, on a new QC, whether some block becomes
// newly finalized: two consecutive certified rounds in the same epoch
// finalize the earlier block. Chain-walking, branch pruning, pending-queue
// draining, and the focus update are delegated to tree.State.FinalizeChain,
// which performs them atomically under its own lock.
func (e *Engine) checkFinalityLocked(qc *types.QuorumCertificate) {
	bNode, ok := e.tree.Node(qc.BlockHash)
	if !ok {
		// The block may become useful later but cannot finalize now.
		return
	}
	parentNode, ok := e.tree.Node(bNode.Parent)
	if !ok {
		return
	}
	lastFinalized := e.tree.LastFinalized()

	newlyFinalized := bNode.Block.Round == parentNode.Block.Round.Next() &&
		bNode.Block.Epoch == parentNode.Block.Epoch &&
		parentNode.Block.Round > lastFinalized.Block.Round

	if !newlyFinalized {
		return
	}

	e.tree.FinalizeChain(parentNode)

	// The successor block carries the full QC for its parent, signatures
	// included; that is the witness the entry pairs with the successor QC.
	fe := &types.FinalizationEntry{
		BlockQC:     bNode.Block.ParentQC,
		SuccessorQC: qc,
	}

	if e.store != nil {
		height := parentNode.Height
		if err := e.store.SaveFinalizedBlock(height, parentNode.Block, fe); err != nil {
			e.logger.Error("persist finalized block failed", zap.Error(err))
		}
		if err := e.store.IndexTransactions(height, parentNode.Block); err != nil {
			e.logger.Error("index finalized transactions failed", zap.Error(err))
		}
	}

	e.pendingFinalizationEntry = fe
	e.lastFinalizingQC = qc

	e.metrics.ConsensusFinalizedHeight.Set(float64(parentNode.Height))
	e.metrics.ConsensusFinalizedRound.Set(float64(parentNode.Block.Round))
	e.metrics.BlocksFinalized.Add(float64(parentNode.Height - lastFinalized.Height))
}
