package consensus

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// ReceiveQuorumMessage validates an incoming quorum message: round and
// epoch against the current view, signer seated in the committee,
// per-(round, signer) at-most-once, then the BLS signature itself. It does
// not mutate the per-block accumulator; callers invoke ProcessQuorumMessage
// on a Received/ReceivedNoRelay result.
func (e *Engine) ReceiveQuorumMessage(qm *types.QuorumMessage) QuorumReceiveResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if qm.Round < e.roundStatus.CurrentRound {
		return QuorumReceiveResult{Status: QuorumRejected, Reason: ReasonObsoleteRound}
	}
	if qm.Round > e.roundStatus.CurrentRound {
		return QuorumReceiveResult{Status: QuorumCatchupRequired}
	}

	committee, ok := e.committeeForEpoch(qm.Epoch)
	if !ok || qm.Epoch != e.roundStatus.CurrentEpoch {
		return QuorumReceiveResult{Status: QuorumCatchupRequired}
	}
	signerInfo, ok := committee.ByIndex(qm.Signer)
	if !ok {
		return QuorumReceiveResult{Status: QuorumRejected, Reason: ReasonNotAFinalizer}
	}

	if existing, ok := e.quorumPool.signers[qm.Signer]; ok {
		if quorumMessagesEqual(existing, qm) {
			return QuorumReceiveResult{Status: QuorumDuplicate, Message: qm}
		}
		if e.evidence != nil {
			e.evidence.Flag(types.Evidence{DoubleVote: &types.DoubleVoteEvidence{
				Signer: qm.Signer, Round: qm.Round, A: *existing, B: *qm,
			}})
		}
		e.metrics.DoubleSignsFlagged.Inc()
		return QuorumReceiveResult{Status: QuorumRejected, Reason: ReasonDoubleSigning}
	}

	payload := crypto.QuorumSigningPayload(e.genesisHash, qm.BlockHash, qm.Round, qm.Epoch)
	if !crypto.VerifyBLS(signerInfo.BLSKey, payload, qm.Signature) {
		return QuorumReceiveResult{Status: QuorumRejected, Reason: ReasonInvalidBLSSignature}
	}

	status := QuorumReceived
	if acc, ok := e.quorumPool.byBlock[qm.BlockHash]; ok && acc.formed {
		status = QuorumReceivedNoRelay
	}
	return QuorumReceiveResult{Status: status, Message: qm}
}

// SignQuorumMessage votes for blockHash in the current round: it signs a
// quorum message with the local BLS key, persists it as the last signed
// quorum message before release, and broadcasts it. The caller decides when
// to loop the returned message back through ReceiveQuorumMessage /
// ProcessQuorumMessage; keeping the loopback out of this method keeps a
// self-vote that forms a QC from re-entering block production on the same
// stack. Returns nil when not seated, already voted this round, or shut
// down.
func (e *Engine) SignQuorumMessage(blockHash types.Hash) *types.QuorumMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutDown || e.identity == nil {
		return nil
	}
	committee, ok := e.committeeForEpoch(e.roundStatus.CurrentEpoch)
	if !ok {
		return nil
	}
	seat, seated := e.identity.seat(committee)
	if !seated {
		return nil
	}
	if last := e.roundStatus.LastSignedQuorumMessage; last != nil && last.Round >= e.roundStatus.CurrentRound {
		return nil
	}

	qm := &types.QuorumMessage{
		BlockHash: blockHash,
		Round:     e.roundStatus.CurrentRound,
		Epoch:     e.roundStatus.CurrentEpoch,
		Signer:    seat.Index,
	}
	qm.Signature = crypto.SignBLS(e.identity.BLSPriv,
		crypto.QuorumSigningPayload(e.genesisHash, qm.BlockHash, qm.Round, qm.Epoch))

	e.roundStatus.LastSignedQuorumMessage = qm
	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("persist last signed quorum message failed", zap.Error(err))
		return nil
	}

	if e.transport != nil {
		if err := e.transport.BroadcastQuorumMessage(qm); err != nil {
			e.logger.Warn("broadcast quorum message failed", zap.Error(err))
		}
	}
	return qm
}

func quorumMessagesEqual(a, b *types.QuorumMessage) bool {
	return a.BlockHash == b.BlockHash && a.Round == b.Round && a.Epoch == b.Epoch &&
		a.Signer == b.Signer && bytes.Equal(a.Signature[:], b.Signature[:])
}

// ProcessQuorumMessage accumulates the signature into the per-block
// accumulator; on reaching threshold weight it constructs the QC, runs
// finality detection, records the highest QC, and advances the round. The
// per-block signatures are stored individually and aggregated once, when
// the threshold is reached; no running aggregate is kept.
func (e *Engine) ProcessQuorumMessage(qm *types.QuorumMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processQuorumMessageLocked(qm)
}

func (e *Engine) processQuorumMessageLocked(qm *types.QuorumMessage) {
	e.quorumPool.signers[qm.Signer] = qm

	acc, ok := e.quorumPool.byBlock[qm.BlockHash]
	if !ok {
		committee, _ := e.committeeForEpoch(qm.Epoch)
		size := 1
		if committee != nil {
			size = committee.Size()
		}
		acc = &blockAccumulator{signers: types.NewFinalizerSet(size)}
		e.quorumPool.byBlock[qm.BlockHash] = acc
	}
	if acc.formed || acc.signers.IsSet(qm.Signer) {
		return
	}
	acc.signers.Set(qm.Signer)
	acc.sigs = append(acc.sigs, qm.Signature)
	e.metrics.QuorumMessagesReceived.Inc()

	committee, ok := e.committeeForEpoch(qm.Epoch)
	if !ok {
		return
	}
	acc.weight = acc.signers.Weight(committee)

	if !hasQuorum(acc.weight, committee.TotalPower, e.cfg.SignatureThresholdNum, e.cfg.SignatureThresholdDen) {
		return
	}
	if acc.formed {
		return
	}

	aggSig, err := crypto.AggregateBLSSignatures(acc.sigs)
	if err != nil {
		e.logger.Error("aggregate quorum signatures failed", zap.Error(err))
		return
	}
	acc.formed = true
	e.metrics.QCsFormed.Inc()

	qc := &types.QuorumCertificate{
		BlockHash:    qm.BlockHash,
		Round:        qm.Round,
		Epoch:        qm.Epoch,
		Signers:      acc.signers,
		AggSignature: aggSig,
	}

	e.checkFinalityLocked(qc)

	if e.roundStatus.HighestCertifiedBlock == nil || qc.Round > e.roundStatus.HighestCertifiedBlock.Round {
		e.roundStatus.HighestCertifiedBlock = qc
	}

	e.advanceRound(qc.Round.Next(), AdvanceCause{Kind: types.AdvanceByQC, QC: qc})
}
