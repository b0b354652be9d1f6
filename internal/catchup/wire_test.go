package catchup

import (
	"testing"

	"github.com/vantor-labs/konsensus/internal/types"
)

func testStatus() Status {
	first := types.NewFinalizerSet(4)
	first.Set(0)
	first.Set(2)
	second := types.NewFinalizerSet(4)
	second.Set(1)

	signers := types.NewFinalizerSet(4)
	signers.Set(3)

	return Status{
		LastFinalizedHash:  types.Hash{0xaa, 0x01},
		LastFinalizedRound: 7,
		CurrentRound:       9,
		Leaves:             []types.Hash{{0x01}, {0x02}},
		Branches:           []types.Hash{{0x03}},
		QuorumSignerSets: map[types.Hash]*types.FinalizerSet{
			{0x04}: signers,
		},
		TimeoutSummary: &TimeoutSummary{
			FirstEpoch:    2,
			FirstSigners:  first,
			SecondSigners: second,
		},
	}
}

func TestStatusMessageRoundTrip(t *testing.T) {
	s := testStatus()

	kind, got, err := DecodeStatusMessage(EncodeStatusMessage(KindRequest, s))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if kind != KindRequest {
		t.Fatalf("kind = 0x%02x, want request", kind)
	}
	if got.LastFinalizedHash != s.LastFinalizedHash {
		t.Fatal("last finalized hash mismatch")
	}
	if got.LastFinalizedRound != 7 || got.CurrentRound != 9 {
		t.Fatalf("rounds mismatch: %d/%d", got.LastFinalizedRound, got.CurrentRound)
	}
	if len(got.Leaves) != 2 || got.Leaves[1] != s.Leaves[1] {
		t.Fatal("leaves mismatch")
	}
	if len(got.Branches) != 1 || got.Branches[0] != s.Branches[0] {
		t.Fatal("branches mismatch")
	}
	set := got.QuorumSignerSets[types.Hash{0x04}]
	if set == nil || !set.IsSet(3) || set.IsSet(0) {
		t.Fatal("quorum signer set mismatch")
	}
	ts := got.TimeoutSummary
	if ts == nil || ts.FirstEpoch != 2 {
		t.Fatal("timeout summary mismatch")
	}
	if !ts.FirstSigners.IsSet(2) || !ts.SecondSigners.IsSet(1) {
		t.Fatal("timeout summary signer sets mismatch")
	}
}

func TestStatusMessageDropsBranches(t *testing.T) {
	s := testStatus()

	kind, got, err := DecodeStatusMessage(EncodeStatusMessage(KindStatus, s))
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if kind != KindStatus {
		t.Fatalf("kind = 0x%02x, want status", kind)
	}
	if len(got.Branches) != 0 {
		t.Fatalf("lightweight status carried %d branches", len(got.Branches))
	}
	if len(got.Leaves) != 2 {
		t.Fatal("leaves should survive in the lightweight status")
	}
}

func TestResponseMessageRoundTrip(t *testing.T) {
	signers := types.NewFinalizerSet(4)
	signers.Set(0)
	signers.Set(1)

	td := &TerminalData{
		HighestQC: &types.QuorumCertificate{
			BlockHash: types.Hash{0x11},
			Round:     5,
			Epoch:     1,
			Signers:   signers,
		},
		TC: &types.TimeoutCertificate{
			Round:    4,
			MinEpoch: 1,
			MaxEpoch: 1,
			MaxRound: 3,
			FirstEpochEntries: []types.TCRoundEntry{
				{QCRound: 3, Signers: signers},
			},
		},
		QuorumMessages: []*types.QuorumMessage{
			{BlockHash: types.Hash{0x22}, Round: 5, Epoch: 1, Signer: 2},
		},
		TimeoutMessages: []*types.TimeoutMessage{
			{Round: 5, Epoch: 1, Signer: 3, QC: &types.QuorumCertificate{Round: 4, Epoch: 1}},
		},
	}

	got, err := DecodeResponseMessage(EncodeResponseMessage(td))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got == nil {
		t.Fatal("expected terminal data")
	}
	if got.HighestQC == nil || got.HighestQC.Round != 5 || got.HighestQC.BlockHash != td.HighestQC.BlockHash {
		t.Fatal("highest QC mismatch")
	}
	if got.FinalizingQC != nil {
		t.Fatal("finalizing QC should be absent")
	}
	if got.TC == nil || got.TC.Round != 4 || len(got.TC.FirstEpochEntries) != 1 {
		t.Fatal("TC mismatch")
	}
	if len(got.QuorumMessages) != 1 || got.QuorumMessages[0].Signer != 2 {
		t.Fatal("quorum messages mismatch")
	}
	if len(got.TimeoutMessages) != 1 || got.TimeoutMessages[0].QC.Round != 4 {
		t.Fatal("timeout messages mismatch")
	}
}

func TestResponseMessageEmpty(t *testing.T) {
	got, err := DecodeResponseMessage(EncodeResponseMessage(nil))
	if err != nil {
		t.Fatalf("decode empty response: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil terminal data for an empty response")
	}
}

func TestBlockFrameRoundTrip(t *testing.T) {
	b := types.GenesisBlock(types.Hash{0x77}, types.Hash{0x88})
	got, err := DecodeBlockFrame(EncodeBlockFrame(b))
	if err != nil {
		t.Fatalf("decode block frame: %v", err)
	}
	if got.Hash() != b.Hash() {
		t.Fatal("block hash mismatch")
	}
}

func TestDecodeStatusMessageTruncated(t *testing.T) {
	full := EncodeStatusMessage(KindRequest, testStatus())
	for _, cut := range []int{0, 1, 10, len(full) - 1} {
		if _, _, err := DecodeStatusMessage(full[:cut]); err == nil {
			t.Fatalf("expected error decoding %d-byte prefix", cut)
		}
	}
}
