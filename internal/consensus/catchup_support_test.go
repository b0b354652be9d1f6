package consensus

import (
	"testing"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

func TestQuorumSignerSetsAndMessagesReflectOpenVotes(t *testing.T) {
	finalizers, committee := buildCommittee(t, 3, 100)
	e := newTestEngine(t, finalizers, committee, 0)
	e.Start()

	round := e.roundStatus.CurrentRound
	blockHash := types.Hash{1}
	qm := signQuorumMessage(e.genesisHash, finalizers[1], blockHash, round, 0)

	if recv := e.ReceiveQuorumMessage(qm); recv.Status != QuorumReceived {
		t.Fatalf("expected the lone vote to be received, got %v", recv.Status)
	}
	e.ProcessQuorumMessage(qm)

	signerSets := e.QuorumSignerSets()
	set, ok := signerSets[blockHash]
	if !ok {
		t.Fatalf("expected an open accumulator for the voted block")
	}
	if !set.IsSet(1) {
		t.Fatalf("expected signer 1's bit to be set")
	}
	if set.IsSet(0) || set.IsSet(2) {
		t.Fatalf("expected only signer 1 to be recorded, got %+v", set.Indices())
	}

	msgs := e.QuorumMessages()
	if len(msgs) != 1 || msgs[0].Signer != 1 || msgs[0].BlockHash != blockHash {
		t.Fatalf("expected exactly the one recorded vote to stream back, got %+v", msgs)
	}
}

func TestTimeoutWindowSummaryEmptyBeforeAnyTimeoutMessage(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, 0)
	e.Start()

	if _, _, _, have := e.TimeoutWindowSummary(); have {
		t.Fatalf("expected no timeout window before any timeout message")
	}
	if msgs := e.TimeoutMessages(); msgs != nil {
		t.Fatalf("expected no timeout messages before any were recorded, got %v", msgs)
	}
}

// signTimeoutMessage mirrors uponTimeoutEvent's own signing sequence, for
// driving the timeout path directly without relying on the local timer.
func signTimeoutMessage(f testFinalizer, round types.Round, epoch types.Epoch, qc *types.QuorumCertificate) *types.TimeoutMessage {
	tm := &types.TimeoutMessage{Round: round, Epoch: epoch, Signer: f.info.Index, QC: qc}
	tm.BLSPart = crypto.SignBLS(f.identity.BLSPriv, crypto.TimeoutSigningPayload(tm.Round, qc.Round, qc.Epoch))
	tm.Signature = crypto.SigTo64(crypto.Sign(f.identity.SignPriv, crypto.TimeoutEnvelopePayload(tm)))
	return tm
}

func TestTimeoutWindowSummaryTracksSignersBeforeTCFormsThenResetsOnAdvance(t *testing.T) {
	finalizers, committee := buildCommittee(t, 2, 100)
	e := newTestEngine(t, finalizers, committee, -1) // observer: no local timer, drives both votes manually

	round := e.roundStatus.CurrentRound
	hc := e.roundStatus.HighestCertifiedBlock

	tm0 := signTimeoutMessage(finalizers[0], round, 0, hc)
	recv0 := e.ReceiveTimeoutMessage(tm0)
	if recv0.Status != TimeoutReceived {
		t.Fatalf("expected the first timeout vote to be received, got %v (reason=%v)", recv0.Status, recv0.Reason)
	}
	if res := e.ExecuteTimeoutMessage(tm0, recv0.Committee); res.Status != TimeoutExecuteOK {
		t.Fatalf("expected the first timeout vote to execute cleanly, got %v", res.Status)
	}

	// One of two equal-weight signers is below the 2/3 threshold: the round
	// must not have advanced yet, and the window should report the lone vote.
	if e.roundStatus.CurrentRound != round {
		t.Fatalf("expected round to stay at %d with only one timeout vote in, got %d", round, e.roundStatus.CurrentRound)
	}
	firstEpoch, firstSigners, secondSigners, have := e.TimeoutWindowSummary()
	if !have {
		t.Fatalf("expected a timeout window to exist after the first vote")
	}
	if firstEpoch != 0 || firstSigners == nil || !firstSigners.IsSet(0) {
		t.Fatalf("expected the first bucket to record signer 0, got epoch=%d signers=%v", firstEpoch, firstSigners)
	}
	if secondSigners != nil {
		t.Fatalf("expected no second bucket yet, got %v", secondSigners)
	}
	if msgs := e.TimeoutMessages(); len(msgs) != 1 {
		t.Fatalf("expected exactly one recorded timeout message, got %d", len(msgs))
	}

	tm1 := signTimeoutMessage(finalizers[1], round, 0, hc)
	recv1 := e.ReceiveTimeoutMessage(tm1)
	if recv1.Status != TimeoutReceived {
		t.Fatalf("expected the second timeout vote to be received, got %v (reason=%v)", recv1.Status, recv1.Reason)
	}
	if res := e.ExecuteTimeoutMessage(tm1, recv1.Committee); res.Status != TimeoutExecuteOK {
		t.Fatalf("expected the second timeout vote to execute cleanly, got %v", res.Status)
	}

	// Both signers now cross 2/3: a TC should have formed and advanced the
	// round, which resets the timeout window.
	if e.roundStatus.CurrentRound != round.Next() {
		t.Fatalf("expected the round to advance once both timeouts crossed threshold, got %d", e.roundStatus.CurrentRound)
	}
	if e.roundStatus.PreviousRoundTimeout == nil || e.roundStatus.PreviousRoundTimeout.TC == nil {
		t.Fatalf("expected a timeout certificate to be recorded for the advanced round")
	}
	if _, _, _, have := e.TimeoutWindowSummary(); have {
		t.Fatalf("expected the timeout window to be cleared once the round advanced")
	}
}

func TestLastFinalizingQCReflectsMostRecentFinalization(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, 0)

	var produced []*types.Block
	e.SetOnBlock(func(b *types.Block) { produced = append(produced, b) })
	e.Start()
	block1 := produced[0]

	if qc := e.LastFinalizingQC(); qc != nil {
		t.Fatalf("expected no finalizing QC before any round has completed, got %+v", qc)
	}

	qm1 := signQuorumMessage(e.genesisHash, finalizers[0], block1.Hash(), block1.Round, block1.Epoch)
	e.ReceiveQuorumMessage(qm1)
	e.ProcessQuorumMessage(qm1)
	block2 := produced[1]

	if qc := e.LastFinalizingQC(); qc != nil {
		t.Fatalf("expected no finalizing QC yet after only block 1's vote, got %+v", qc)
	}

	qm2 := signQuorumMessage(e.genesisHash, finalizers[0], block2.Hash(), block2.Round, block2.Epoch)
	e.ReceiveQuorumMessage(qm2)
	e.ProcessQuorumMessage(qm2)

	qc := e.LastFinalizingQC()
	if qc == nil || qc.BlockHash != block2.Hash() {
		t.Fatalf("expected the finalizing QC to be block 2's successor QC, got %+v", qc)
	}
}

func TestAdoptQCAdvancesRoundAndRecordsHighestCertified(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, -1)

	blockHash := types.Hash{77}
	round, epoch := types.Round(1), types.Epoch(0)
	payload := crypto.QuorumSigningPayload(e.genesisHash, blockHash, round, epoch)
	sig := crypto.SignBLS(finalizers[0].identity.BLSPriv, payload)
	aggSig, err := crypto.AggregateBLSSignatures([][96]byte{sig})
	if err != nil {
		t.Fatalf("aggregate signature: %v", err)
	}
	signers := types.NewFinalizerSet(1)
	signers.Set(0)

	qc := &types.QuorumCertificate{BlockHash: blockHash, Round: round, Epoch: epoch, Signers: signers, AggSignature: aggSig}

	if !e.AdoptQC(qc) {
		t.Fatalf("expected a well-formed externally-supplied QC to be adopted")
	}
	status := e.RoundStatus()
	if status.CurrentRound != round.Next() {
		t.Fatalf("expected round to advance to %d, got %d", round.Next(), status.CurrentRound)
	}
	if status.HighestCertifiedBlock == nil || status.HighestCertifiedBlock.Round != round {
		t.Fatalf("expected the adopted QC to become the highest certified block, got %+v", status.HighestCertifiedBlock)
	}
}

func TestAdoptQCRejectsBadSignatureAndUnknownEpoch(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, -1)

	blockHash := types.Hash{78}
	round, epoch := types.Round(1), types.Epoch(0)
	payload := crypto.QuorumSigningPayload(e.genesisHash, blockHash, round, epoch)
	sig := crypto.SignBLS(finalizers[0].identity.BLSPriv, payload)
	signers := types.NewFinalizerSet(1)
	signers.Set(0)

	tampered := sig
	tampered[0] ^= 0xFF
	badQC := &types.QuorumCertificate{BlockHash: blockHash, Round: round, Epoch: epoch, Signers: signers, AggSignature: tampered}
	if e.AdoptQC(badQC) {
		t.Fatalf("expected a tampered signature to be rejected")
	}

	unknownEpochQC := &types.QuorumCertificate{BlockHash: blockHash, Round: round, Epoch: 99, Signers: signers, AggSignature: sig}
	if e.AdoptQC(unknownEpochQC) {
		t.Fatalf("expected a QC for an unregistered epoch to be rejected")
	}
}

func TestAdoptTCAdvancesRound(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, -1)

	tcRound := e.roundStatus.CurrentRound
	highestQC := e.roundStatus.HighestCertifiedBlock

	entrySigners := types.NewFinalizerSet(1)
	entrySigners.Set(0)
	sig := crypto.SignBLS(finalizers[0].identity.BLSPriv, crypto.TimeoutSigningPayload(tcRound, highestQC.Round, highestQC.Epoch))
	aggSig, err := crypto.AggregateBLSSignatures([][96]byte{sig})
	if err != nil {
		t.Fatalf("aggregate signature: %v", err)
	}

	tc := &types.TimeoutCertificate{
		Round:             tcRound,
		MinEpoch:          highestQC.Epoch,
		MaxEpoch:          highestQC.Epoch,
		MaxRound:          highestQC.Round,
		FirstEpochEntries: []types.TCRoundEntry{{QCRound: highestQC.Round, Signers: entrySigners}},
		AggSignature:      aggSig,
	}

	if !e.AdoptTC(tc, highestQC) {
		t.Fatalf("expected a well-formed externally-supplied TC to be adopted")
	}
	if got := e.RoundStatus().CurrentRound; got != tcRound.Next() {
		t.Fatalf("expected round to advance to %d, got %d", tcRound.Next(), got)
	}
	if pt := e.RoundStatus().PreviousRoundTimeout; pt == nil || pt.TC != tc {
		t.Fatalf("expected the adopted TC to be recorded as the previous round's timeout, got %+v", pt)
	}
}

func TestAdoptTCRejectsMissingHighestQC(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, -1)

	tc := &types.TimeoutCertificate{Round: e.roundStatus.CurrentRound}
	if e.AdoptTC(tc, nil) {
		t.Fatalf("expected a TC adopted with no reported highest QC to be rejected")
	}
}

func TestTerminalDataApplySuppressesThenFlushesOneBlock(t *testing.T) {
	finalizers, committee := buildCommittee(t, 1, 100)
	e := newTestEngine(t, finalizers, committee, 0)

	var produced []*types.Block
	e.SetOnBlock(func(b *types.Block) { produced = append(produced, b) })

	e.BeginTerminalDataApply()
	e.Start()
	if len(produced) != 0 {
		t.Fatalf("expected no block production while terminal data is being applied, got %d", len(produced))
	}

	e.EndTerminalDataApply()
	if len(produced) != 1 {
		t.Fatalf("expected exactly one block once terminal data apply ends and the local baker leads, got %d", len(produced))
	}
}
