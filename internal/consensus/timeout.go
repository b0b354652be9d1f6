package consensus

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// TimeoutExecuteStatus is the outcome domain of ExecuteTimeoutMessage.
type TimeoutExecuteStatus int

const (
	TimeoutExecuteOK TimeoutExecuteStatus = iota
	TimeoutExecuteInvalidQC
	TimeoutExecuteInvalidQCEpoch
)

// TimeoutExecuteResult is the result of ExecuteTimeoutMessage.
type TimeoutExecuteResult struct {
	Status TimeoutExecuteStatus
	Reason Reason
}

// ReceiveTimeoutMessage validates an incoming timeout message, evaluating
// the rejection conditions in a fixed order so later checks can assume
// earlier ones held. A successful receipt returns a result carrying the
// committee resolved for the embedded QC's epoch; the caller must invoke
// ExecuteTimeoutMessage immediately, without intervening state mutation.
func (e *Engine) ReceiveTimeoutMessage(tm *types.TimeoutMessage) TimeoutReceiveResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tm.Round < e.roundStatus.CurrentRound {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonObsoleteRound}
	}

	lastFinalized := e.tree.LastFinalized()
	if tm.QC == nil {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonObsoleteQC}
	}
	if tm.QC.Round < lastFinalized.Block.Round || tm.QC.Epoch < lastFinalized.Block.Epoch {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonObsoleteQC}
	}

	if tm.Epoch > e.roundStatus.CurrentEpoch {
		return TimeoutReceiveResult{Status: TimeoutCatchupRequired}
	}
	qcStatus := e.tree.GetRecentBlockStatus(tm.QC.BlockHash)
	if !qcStatus.OldFinalized && (qcStatus.Status == types.StatusUnknown || qcStatus.Status == types.StatusPending) {
		return TimeoutReceiveResult{Status: TimeoutCatchupRequired}
	}
	if tm.Round > e.roundStatus.CurrentRound && tm.QC.Round+1 < tm.Round {
		return TimeoutReceiveResult{Status: TimeoutCatchupRequired}
	}

	signerCommittee, ok := e.committeeForEpoch(tm.Epoch)
	if !ok {
		return TimeoutReceiveResult{Status: TimeoutCatchupRequired}
	}
	signerInfo, ok := signerCommittee.ByIndex(tm.Signer)
	if !ok {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonNotAFinalizer}
	}

	envelope := crypto.TimeoutEnvelopePayload(tm)
	if !crypto.Verify(signerInfo.SignKey[:], envelope, tm.Signature[:]) {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonInvalidSignature}
	}

	if existing := e.storedTimeoutLocked(tm.Round, tm.Epoch, tm.Signer); existing != nil {
		if timeoutMessagesEqual(existing, tm) {
			return TimeoutReceiveResult{Status: TimeoutDuplicate, Message: tm}
		}
		if e.evidence != nil {
			e.evidence.Flag(types.Evidence{DoubleTimeout: &types.DoubleTimeoutEvidence{
				Signer: tm.Signer, Round: tm.Round, A: *existing, B: *tm,
			}})
		}
		e.metrics.DoubleSignsFlagged.Inc()
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonDoubleSigning}
	}

	if node, ok := e.tree.Node(tm.QC.BlockHash); ok && node.Status == types.StatusFinalized && node.Height < lastFinalized.Height {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonObsoleteQCPointer}
	}
	if qcStatus.Status == types.StatusDead {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonDeadQCPointer}
	}

	qcCommittee, ok := e.committeeForEpoch(tm.QC.Epoch)
	if !ok {
		return TimeoutReceiveResult{Status: TimeoutCatchupRequired}
	}
	payload := crypto.TimeoutSigningPayload(tm.Round, tm.QC.Round, tm.QC.Epoch)
	if !crypto.VerifyBLS(signerInfo.BLSKey, payload, tm.BLSPart) {
		return TimeoutReceiveResult{Status: TimeoutRejected, Reason: ReasonInvalidBLSSignature}
	}

	return TimeoutReceiveResult{Status: TimeoutReceived, Message: tm, Committee: qcCommittee}
}

// storedTimeoutLocked looks up an already-stored timeout message for
// (round, signer) in whichever window bucket tm's epoch would occupy.
func (e *Engine) storedTimeoutLocked(round types.Round, epoch types.Epoch, signer types.FinalizerIndex) *types.TimeoutMessage {
	if e.timeouts == nil || !e.timeouts.have {
		return nil
	}
	var bucket map[types.FinalizerIndex]*types.TimeoutMessage
	switch epoch {
	case e.timeouts.firstEpoch:
		bucket = e.timeouts.firstEpochTimeouts
	case e.timeouts.firstEpoch + 1:
		bucket = e.timeouts.secondEpochTimeouts
	default:
		return nil
	}
	if tm, ok := bucket[signer]; ok && tm.Round == round {
		return tm
	}
	return nil
}

func timeoutMessagesEqual(a, b *types.TimeoutMessage) bool {
	aQC, bQC := a.QC != nil, b.QC != nil
	if aQC != bQC {
		return false
	}
	if aQC && (a.QC.BlockHash != b.QC.BlockHash || a.QC.Round != b.QC.Round || a.QC.Epoch != b.QC.Epoch) {
		return false
	}
	return a.Round == b.Round && a.Epoch == b.Epoch && a.Signer == b.Signer &&
		bytes.Equal(a.Signature[:], b.Signature[:]) && bytes.Equal(a.BLSPart[:], b.BLSPart[:])
}

// ExecuteTimeoutMessage finishes processing a received timeout message: if
// the embedded QC exceeds the current highest-QC round, verify and adopt it
// (running finality detection and advancing the round); otherwise
// cross-check any already-recorded witness for that QC round. On every
// success branch it feeds tm through the timeout window.
func (e *Engine) ExecuteTimeoutMessage(tm *types.TimeoutMessage, committee *types.FinalizationCommittee) TimeoutExecuteResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tm.QC.Round > e.roundStatus.HighestCertifiedBlock.Round {
		if !e.adoptQCLocked(tm.QC, tm.Signer, tm.Round, committee) {
			return TimeoutExecuteResult{Status: TimeoutExecuteInvalidQC, Reason: ReasonInvalidQC}
		}
		if e.roundStatus.CurrentRound <= tm.QC.Round {
			e.advanceRound(tm.QC.Round.Next(), AdvanceCause{Kind: types.AdvanceByQC, QC: tm.QC})
		}
	} else if e.timeouts != nil && e.timeouts.qcRoundEpoch != nil {
		if epoch, ok := e.timeouts.qcRoundEpoch[tm.QC.Round]; ok && epoch != tm.QC.Epoch {
			return TimeoutExecuteResult{Status: TimeoutExecuteInvalidQCEpoch, Reason: ReasonInvalidQCEpoch}
		}
	}

	e.processTimeoutLocked(tm)
	return TimeoutExecuteResult{Status: TimeoutExecuteOK}
}

// processTimeoutLocked maintains the two-epoch sliding window and, once
// weight crosses threshold, constructs and applies a TC. Rotation is
// constant-time: exactly two buckets, never a ring buffer.
func (e *Engine) processTimeoutLocked(tm *types.TimeoutMessage) {
	w := e.timeouts
	switch {
	case w == nil || !w.have:
		w = &timeoutWindow{
			have:               true,
			firstEpoch:         tm.Epoch,
			firstEpochTimeouts: map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm},
		}
	case tm.Epoch == w.firstEpoch:
		w.firstEpochTimeouts[tm.Signer] = tm
	case tm.Epoch == w.firstEpoch+1:
		if w.secondEpochTimeouts == nil {
			w.secondEpochTimeouts = make(map[types.FinalizerIndex]*types.TimeoutMessage)
		}
		w.secondEpochTimeouts[tm.Signer] = tm
	case tm.Epoch == w.firstEpoch+2 && len(w.secondEpochTimeouts) > 0:
		w.firstEpoch = w.firstEpoch + 1
		w.firstEpochTimeouts = w.secondEpochTimeouts
		w.secondEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm}
		w.qcRoundEpoch = nil
	case tm.Epoch+1 == w.firstEpoch && len(w.secondEpochTimeouts) == 0:
		w.secondEpochTimeouts = w.firstEpochTimeouts
		w.firstEpoch = tm.Epoch
		w.firstEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm}
	case tm.Epoch >= w.firstEpoch+2:
		w = &timeoutWindow{
			have:               true,
			firstEpoch:         tm.Epoch,
			firstEpochTimeouts: map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm},
		}
	default:
		// Too old: leave state unchanged.
		return
	}
	e.timeouts = w
	e.metrics.TimeoutMessagesReceived.Inc()

	if w.qcRoundEpoch == nil {
		w.qcRoundEpoch = make(map[types.Round]types.Epoch)
	}
	if tm.QC != nil {
		w.qcRoundEpoch[tm.QC.Round] = tm.QC.Epoch
	}

	e.checkTimeoutThresholdLocked(tm)
}

// checkTimeoutThresholdLocked computes the combined signer weight across
// both window buckets, measured against the embedded QC's epoch committee,
// and forms/applies a TC once threshold is reached.
func (e *Engine) checkTimeoutThresholdLocked(tm *types.TimeoutMessage) {
	w := e.timeouts
	if w.formed {
		return
	}
	committee, ok := e.committeeForEpoch(tm.QC.Epoch)
	if !ok {
		return
	}

	union := types.NewFinalizerSet(committee.Size())
	for idx := range w.firstEpochTimeouts {
		union.Set(idx)
	}
	for idx := range w.secondEpochTimeouts {
		union.Set(idx)
	}
	weight := union.Weight(committee)
	if !hasQuorum(weight, committee.TotalPower, e.cfg.SignatureThresholdNum, e.cfg.SignatureThresholdDen) {
		return
	}

	tc, err := e.buildTCLocked(w, tm.Round)
	if err != nil {
		e.logger.Error("build timeout certificate failed", zap.Error(err))
		return
	}
	w.formed = true
	e.metrics.TCsFormed.Inc()

	e.advanceRound(tm.Round.Next(), AdvanceCause{
		Kind:      types.AdvanceByTC,
		TC:        tc,
		HighestQC: e.roundStatus.HighestCertifiedBlock,
	})
}

// buildTCLocked groups stored timeout signatures by the QC round each
// signer witnessed, per bucket, and aggregates every contained BLS part
// into the certificate signature.
func (e *Engine) buildTCLocked(w *timeoutWindow, round types.Round) (*types.TimeoutCertificate, error) {
	groupBy := func(bucket map[types.FinalizerIndex]*types.TimeoutMessage) []types.TCRoundEntry {
		byRound := make(map[types.Round]*types.FinalizerSet)
		var order []types.Round
		for signer, tm := range bucket {
			set, ok := byRound[tm.QC.Round]
			if !ok {
				set = types.NewFinalizerSet(int(signer) + 1)
				byRound[tm.QC.Round] = set
				order = append(order, tm.QC.Round)
			}
			set.Set(signer)
		}
		entries := make([]types.TCRoundEntry, 0, len(order))
		for _, r := range order {
			entries = append(entries, types.TCRoundEntry{QCRound: r, Signers: byRound[r]})
		}
		return entries
	}

	firstEntries := groupBy(w.firstEpochTimeouts)
	secondEntries := groupBy(w.secondEpochTimeouts)

	var sigs [][96]byte
	maxRound := types.Round(0)
	maxEpoch := w.firstEpoch
	for _, tm := range w.firstEpochTimeouts {
		sigs = append(sigs, tm.BLSPart)
		if tm.QC.Round > maxRound {
			maxRound = tm.QC.Round
		}
	}
	if len(w.secondEpochTimeouts) > 0 {
		maxEpoch = w.firstEpoch + 1
	}
	for _, tm := range w.secondEpochTimeouts {
		sigs = append(sigs, tm.BLSPart)
		if tm.QC.Round > maxRound {
			maxRound = tm.QC.Round
		}
	}

	aggSig, err := crypto.AggregateBLSSignatures(sigs)
	if err != nil {
		return nil, err
	}

	return &types.TimeoutCertificate{
		Round:              round,
		MinEpoch:           w.firstEpoch,
		MaxEpoch:           maxEpoch,
		MaxRound:           maxRound,
		FirstEpochEntries:  firstEntries,
		SecondEpochEntries: secondEntries,
		AggSignature:       aggSig,
	}, nil
}

// uponTimeoutEvent fires when the local per-round timer expires: iff
// locally seated as a finalizer in the current epoch, it grows the timeout,
// signs and persists a timeout message, broadcasts it, then loops it back
// through the timeout window.
func (e *Engine) uponTimeoutEvent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutDown {
		return
	}
	committee, ok := e.committeeForEpoch(e.roundStatus.CurrentEpoch)
	if !ok || e.identity == nil {
		return
	}
	seat, seated := e.identity.seat(committee)
	if !seated {
		return
	}

	e.growTimeout()
	e.metrics.RoundsTimedOut.Inc()

	hc := e.roundStatus.HighestCertifiedBlock
	tm := &types.TimeoutMessage{
		Round:  e.roundStatus.CurrentRound,
		Epoch:  e.roundStatus.CurrentEpoch,
		Signer: seat.Index,
		QC:     hc,
	}
	tm.BLSPart = crypto.SignBLS(e.identity.BLSPriv, crypto.TimeoutSigningPayload(tm.Round, hc.Round, hc.Epoch))
	tm.Signature = crypto.SigTo64(crypto.Sign(e.identity.SignPriv, crypto.TimeoutEnvelopePayload(tm)))

	e.roundStatus.LastSignedTimeoutMessage = tm
	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("persist last signed timeout message failed", zap.Error(err))
		return
	}

	if e.transport != nil {
		if err := e.transport.BroadcastTimeoutMessage(tm); err != nil {
			e.logger.Warn("broadcast timeout message failed", zap.Error(err))
		}
	}

	e.processTimeoutLocked(tm)
}
