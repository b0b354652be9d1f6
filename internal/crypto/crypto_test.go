package crypto_test

import (
	"bytes"
	"testing"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

func TestGenerateKeypairAndSignVerify(t *testing.T) {
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	msg := []byte("hello konsensus")
	sig := crypto.Sign(priv, msg)

	if !crypto.Verify(pub, msg, sig) {
		t.Fatal("Verify failed for valid signature")
	}
}

func TestVerifyRejectsInvalidSignature(t *testing.T) {
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	msg := []byte("hello konsensus")
	sig := crypto.Sign(priv, msg)

	badSig := make([]byte, len(sig))
	copy(badSig, sig)
	badSig[0] ^= 0xff

	if crypto.Verify(pub, msg, badSig) {
		t.Fatal("Verify should reject corrupted signature")
	}
	if crypto.Verify(pub, []byte("wrong message"), sig) {
		t.Fatal("Verify should reject wrong message")
	}

	pub2, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if crypto.Verify(pub2, msg, sig) {
		t.Fatal("Verify should reject wrong public key")
	}
}

func TestVerifyRejectsInvalidInputs(t *testing.T) {
	if crypto.Verify(nil, []byte("msg"), make([]byte, 64)) {
		t.Fatal("should reject nil public key")
	}
	if crypto.Verify(make([]byte, 32), []byte("msg"), nil) {
		t.Fatal("should reject nil signature")
	}
	if crypto.Verify(make([]byte, 32), []byte("msg"), make([]byte, 63)) {
		t.Fatal("should reject short signature")
	}
}

func TestBakerIDFromPubKeyDeterministic(t *testing.T) {
	pub, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	id1 := crypto.BakerIDFromPubKey(pub)
	id2 := crypto.BakerIDFromPubKey(pub)
	if id1 != id2 {
		t.Fatal("same public key should produce same baker id")
	}
}

func TestSum256Deterministic(t *testing.T) {
	data := []byte("deterministic hashing test")
	h1 := crypto.Sum256(data)
	h2 := crypto.Sum256(data)
	if h1 != h2 {
		t.Fatal("Sum256 should be deterministic")
	}
	if h1.IsZero() {
		t.Fatal("Sum256 of non-empty data should not be zero")
	}
}

func TestComputeTxRootEmpty(t *testing.T) {
	root := crypto.ComputeTxRoot(nil)
	if root != types.ZeroHash {
		t.Fatal("tx root of empty list should be zero hash")
	}
}

func TestComputeTxRootSingle(t *testing.T) {
	root := crypto.ComputeTxRoot([][]byte{[]byte("tx1")})
	expected := crypto.Sum256([]byte("tx1"))
	if root != expected {
		t.Fatalf("single tx root mismatch: got %s, want %s", root, expected)
	}
}

func TestComputeTxRootDeterministic(t *testing.T) {
	txs := [][]byte{[]byte("tx1"), []byte("tx2"), []byte("tx3")}
	r1 := crypto.ComputeTxRoot(txs)
	r2 := crypto.ComputeTxRoot(txs)
	if r1 != r2 {
		t.Fatal("tx root should be deterministic")
	}
	if r1.IsZero() {
		t.Fatal("tx root of non-empty list should not be zero")
	}
}

func TestHashBlockDeterministic(t *testing.T) {
	b := &types.Block{
		Round:     5,
		Epoch:     1,
		Timestamp: 1700000000000,
		ParentQC: &types.QuorumCertificate{
			BlockHash: types.Hash{1, 2, 3},
			Round:     4,
			Epoch:     1,
		},
	}
	h1 := crypto.HashBlock(b)
	h2 := crypto.HashBlock(b)
	if h1 != h2 {
		t.Fatal("HashBlock should be deterministic")
	}

	b2 := *b
	b2.Round = 6
	if crypto.HashBlock(&b2) == h1 {
		t.Fatal("changing round should change the block hash")
	}
}

func TestBLSSignAggregateVerify(t *testing.T) {
	pk1, sk1, _, err := crypto.GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	pk2, sk2, _, err := crypto.GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}

	msg := []byte("quorum payload")
	sig1 := crypto.SignBLS(sk1, msg)
	sig2 := crypto.SignBLS(sk2, msg)

	if !crypto.VerifyBLS(pk1, msg, sig1) {
		t.Fatal("VerifyBLS failed for valid single signature")
	}

	agg, err := crypto.AggregateBLSSignatures([][96]byte{sig1, sig2})
	if err != nil {
		t.Fatalf("AggregateBLSSignatures: %v", err)
	}

	if !crypto.VerifyAggregateBLSSameMessage([][48]byte{pk1, pk2}, msg, agg) {
		t.Fatal("VerifyAggregateBLSSameMessage failed for valid aggregate")
	}
}

func TestBLSAggregateDistinctMessages(t *testing.T) {
	pk1, sk1, _, _ := crypto.GenerateBLSKey()
	pk2, sk2, _, _ := crypto.GenerateBLSKey()

	msg1 := []byte("timeout payload round 5 qc-round 3")
	msg2 := []byte("timeout payload round 5 qc-round 4")

	sig1 := crypto.SignBLS(sk1, msg1)
	sig2 := crypto.SignBLS(sk2, msg2)

	agg, err := crypto.AggregateBLSSignatures([][96]byte{sig1, sig2})
	if err != nil {
		t.Fatalf("AggregateBLSSignatures: %v", err)
	}

	ok := crypto.VerifyAggregateBLSDistinctMessages(
		[][48]byte{pk1, pk2},
		[][]byte{msg1, msg2},
		agg,
	)
	if !ok {
		t.Fatal("VerifyAggregateBLSDistinctMessages failed for valid aggregate")
	}
}

func TestVRFProveVerifyRoundTrip(t *testing.T) {
	pub, priv, err := crypto.VRFKeypair()
	if err != nil {
		t.Fatalf("VRFKeypair: %v", err)
	}

	alpha := []byte("epoch 3 round 7")
	output, proof, err := crypto.VRFProve(priv, alpha)
	if err != nil {
		t.Fatalf("VRFProve: %v", err)
	}

	gotOutput, ok := crypto.VRFVerify(pub, alpha, proof)
	if !ok {
		t.Fatal("VRFVerify rejected a valid proof")
	}
	if gotOutput != output {
		t.Fatal("VRFVerify output does not match VRFProve output")
	}
}

func TestVRFVerifyRejectsWrongAlpha(t *testing.T) {
	pub, priv, err := crypto.VRFKeypair()
	if err != nil {
		t.Fatalf("VRFKeypair: %v", err)
	}

	_, proof, err := crypto.VRFProve(priv, []byte("alpha one"))
	if err != nil {
		t.Fatalf("VRFProve: %v", err)
	}

	if _, ok := crypto.VRFVerify(pub, []byte("alpha two"), proof); ok {
		t.Fatal("VRFVerify should reject a proof for a different alpha")
	}
}

func TestLeaderWinsDeterministic(t *testing.T) {
	var output [32]byte
	copy(output[:], bytes.Repeat([]byte{0x00}, 32))
	if !crypto.LeaderWins(output, 1, 1) {
		t.Fatal("sole committee member with all power should always win")
	}

	var highOutput [32]byte
	copy(highOutput[:], bytes.Repeat([]byte{0xff}, 32))
	if crypto.LeaderWins(highOutput, 1, 1000) {
		t.Fatal("tiny power share should not win against a maximal output")
	}
}
