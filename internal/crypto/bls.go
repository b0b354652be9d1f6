package crypto

import (
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// blsDST is the domain-separation tag for all BLS signatures produced by
// this engine: quorum-message, timeout-message, and TC/QC aggregate
// signatures all share it, since they are never verified against each
// other's payloads.
var blsDST = []byte("KONSENSUSV1_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// BLSSecretKey is a BLS12-381 scalar secret key.
type BLSSecretKey = blst.SecretKey

// GenerateBLSKey derives a BLS keypair from random seed material. Returns
// the compressed G1 public key (48 bytes), the secret key, and the 32-byte
// seed it was derived from.
func GenerateBLSKey() ([48]byte, *BLSSecretKey, [32]byte, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return [48]byte{}, nil, ikm, fmt.Errorf("crypto: bls keygen entropy: %w", err)
	}
	pub, sk := BLSKeyFromSeed(ikm)
	return pub, sk, ikm, nil
}

// BLSKeyFromSeed rederives a BLS keypair from the 32-byte seed that was
// originally passed to blst.KeyGen, so a node's BLS identity can be
// persisted as a seed rather than requiring (de)serialization of the
// library's secret-key type.
func BLSKeyFromSeed(seed [32]byte) ([48]byte, *BLSSecretKey) {
	sk := blst.KeyGen(seed[:])
	pk := new(blst.P1Affine).From(sk)
	var out [48]byte
	copy(out[:], pk.Compress())
	return out, sk
}

// SignBLS signs msg with sk, returning the compressed G2 signature.
func SignBLS(sk *BLSSecretKey, msg []byte) [96]byte {
	sig := new(blst.P2Affine).Sign(sk, msg, blsDST)
	var out [96]byte
	copy(out[:], sig.Compress())
	return out
}

// VerifyBLS checks a single BLS signature against a compressed public key.
func VerifyBLS(pk [48]byte, msg []byte, sig [96]byte) bool {
	pkAffine := new(blst.P1Affine).Uncompress(pk[:])
	sigAffine := new(blst.P2Affine).Uncompress(sig[:])
	if pkAffine == nil || sigAffine == nil {
		return false
	}
	return sigAffine.Verify(true, pkAffine, true, msg, blsDST)
}

// AggregateBLSSignatures combines per-signer signatures into one aggregate
// signature. The quorum/timeout modules call it once over the stored
// signatures when constructing a QC/TC.
func AggregateBLSSignatures(sigs [][96]byte) ([96]byte, error) {
	if len(sigs) == 0 {
		return [96]byte{}, fmt.Errorf("crypto: cannot aggregate zero BLS signatures")
	}
	agg := new(blst.P2Aggregate)
	raw := make([][]byte, len(sigs))
	for i := range sigs {
		raw[i] = sigs[i][:]
	}
	if !agg.AggregateCompressed(raw, true) {
		return [96]byte{}, fmt.Errorf("crypto: invalid BLS signature in aggregation set")
	}
	var out [96]byte
	copy(out[:], agg.ToAffine().Compress())
	return out, nil
}

// VerifyAggregateBLSSameMessage verifies an aggregate signature where every
// signer signed the identical message, as is the case for quorum messages:
// every finalizer signs (genesis, block, round, epoch) for the same block.
func VerifyAggregateBLSSameMessage(pks [][48]byte, msg []byte, aggSig [96]byte) bool {
	if len(pks) == 0 {
		return false
	}
	sigAffine := new(blst.P2Affine).Uncompress(aggSig[:])
	if sigAffine == nil {
		return false
	}
	pkAffines := make([]*blst.P1Affine, len(pks))
	for i, pk := range pks {
		a := new(blst.P1Affine).Uncompress(pk[:])
		if a == nil {
			return false
		}
		pkAffines[i] = a
	}
	return sigAffine.FastAggregateVerify(true, pkAffines, msg, blsDST)
}

// VerifyAggregateBLSDistinctMessages verifies an aggregate signature where
// each signer signed its own message, as is the case for timeout messages:
// each signer's TimeoutSigningPayload embeds its own highest QC
// round/epoch, which generally differs across signers.
func VerifyAggregateBLSDistinctMessages(pks [][48]byte, msgs [][]byte, aggSig [96]byte) bool {
	if len(pks) == 0 || len(pks) != len(msgs) {
		return false
	}
	sigAffine := new(blst.P2Affine).Uncompress(aggSig[:])
	if sigAffine == nil {
		return false
	}
	pkAffines := make([]*blst.P1Affine, len(pks))
	for i, pk := range pks {
		a := new(blst.P1Affine).Uncompress(pk[:])
		if a == nil {
			return false
		}
		pkAffines[i] = a
	}
	return sigAffine.AggregateVerify(true, pkAffines, true, msgs, blsDST)
}
