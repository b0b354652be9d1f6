package consensus

import (
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// QuorumSignerSets returns, for every block with an open current-round
// accumulator, the set of finalizers who have signed it so far. Catch-up
// status summaries use this to decide whether a peer holds a quorum
// signature we don't.
func (e *Engine) QuorumSignerSets() map[types.Hash]*types.FinalizerSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Hash]*types.FinalizerSet, len(e.quorumPool.byBlock))
	for h, acc := range e.quorumPool.byBlock {
		out[h] = acc.signers
	}
	return out
}

// QuorumMessages returns the raw per-signer quorum messages recorded for
// the current round, for streaming in a catch-up response's terminal data.
func (e *Engine) QuorumMessages() []*types.QuorumMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.QuorumMessage, 0, len(e.quorumPool.signers))
	for _, qm := range e.quorumPool.signers {
		out = append(out, qm)
	}
	return out
}

// TimeoutWindowSummary exposes the two-epoch timeout window's shape: the
// first bucket's epoch and the union of signers recorded in each bucket.
func (e *Engine) TimeoutWindowSummary() (firstEpoch types.Epoch, firstSigners, secondSigners *types.FinalizerSet, have bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeouts == nil || !e.timeouts.have {
		return 0, nil, nil, false
	}
	return e.timeouts.firstEpoch, unionSigners(e.timeouts.firstEpochTimeouts), unionSigners(e.timeouts.secondEpochTimeouts), true
}

// TimeoutMessages returns the raw timeout messages recorded in both window
// buckets, for streaming in a catch-up response's terminal data.
func (e *Engine) TimeoutMessages() []*types.TimeoutMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeouts == nil || !e.timeouts.have {
		return nil
	}
	out := make([]*types.TimeoutMessage, 0, len(e.timeouts.firstEpochTimeouts)+len(e.timeouts.secondEpochTimeouts))
	for _, tm := range e.timeouts.firstEpochTimeouts {
		out = append(out, tm)
	}
	for _, tm := range e.timeouts.secondEpochTimeouts {
		out = append(out, tm)
	}
	return out
}

func unionSigners(bucket map[types.FinalizerIndex]*types.TimeoutMessage) *types.FinalizerSet {
	if len(bucket) == 0 {
		return nil
	}
	maxIdx := types.FinalizerIndex(0)
	for idx := range bucket {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	set := types.NewFinalizerSet(int(maxIdx) + 1)
	for idx := range bucket {
		set.Set(idx)
	}
	return set
}

// LastFinalizingQC returns the successor QC that most recently caused a
// finalization, or nil before the first finalization past genesis.
func (e *Engine) LastFinalizingQC() *types.QuorumCertificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFinalizingQC
}

// AdoptQC verifies and records an externally-supplied QC (e.g. from catch-up
// terminal data) exactly as executeTimeoutMessage would for an embedded QC:
// running finality detection, updating the highest-certified pointer, and
// advancing the round if the QC now certifies it. Returns false on a QC
// that fails verification.
func (e *Engine) AdoptQC(qc *types.QuorumCertificate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	committee, ok := e.committeeForEpoch(qc.Epoch)
	if !ok {
		return false
	}
	if !e.adoptQCLocked(qc, 0, qc.Round, committee) {
		return false
	}
	if e.roundStatus.CurrentRound <= qc.Round {
		e.advanceRound(qc.Round.Next(), AdvanceCause{Kind: types.AdvanceByQC, QC: qc})
	}
	return true
}

// AdoptTC verifies and records an externally-supplied TC (e.g. from
// catch-up terminal data), advancing the round if it is not already past
// it. highestQC is the terminal data's reported highest QC, used as the TC's
// weight-reference committee per the same convention as executeTimeoutMessage.
func (e *Engine) AdoptTC(tc *types.TimeoutCertificate, highestQC *types.QuorumCertificate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if highestQC == nil {
		return false
	}
	firstCommittee, ok := e.committeeForEpoch(tc.MinEpoch)
	if !ok {
		return false
	}
	secondCommittee, _ := e.committeeForEpoch(tc.MinEpoch + 1)
	weightCommittee, ok := e.committeeForEpoch(highestQC.Epoch)
	if !ok {
		return false
	}
	if !crypto.VerifyTimeoutCertificate(e.cfg.SignatureThresholdNum, e.cfg.SignatureThresholdDen,
		firstCommittee, secondCommittee, weightCommittee, tc) {
		return false
	}
	if e.roundStatus.CurrentRound <= tc.Round {
		e.advanceRound(tc.Round.Next(), AdvanceCause{Kind: types.AdvanceByTC, TC: tc, HighestQC: highestQC})
	}
	return true
}

// BeginTerminalDataApply suppresses makeBlock's automatic invocation from
// advanceRound for the duration of a catch-up terminal-data application.
func (e *Engine) BeginTerminalDataApply() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressMakeBlock = true
}

// EndTerminalDataApply re-enables automatic block production and, if the
// local identity now leads the resulting round, produces exactly one
// block, however many of the applied certificates advanced the round.
func (e *Engine) EndTerminalDataApply() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressMakeBlock = false
	round := e.roundStatus.CurrentRound
	epoch := e.roundStatus.CurrentEpoch
	if wins, output, proof := e.isLocalLeader(epoch, round); wins {
		e.makeBlock(round, output, proof)
	}
}
