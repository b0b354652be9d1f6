package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/vantor-labs/konsensus/internal/types"
)

// PrivateKey is an Ed25519 private key (64 bytes).
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key (32 bytes).
type PublicKey = ed25519.PublicKey

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs a message with an Ed25519 private key.
func Sign(privKey PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// Verify checks an Ed25519 signature against a public key and message.
func Verify(pubKey PublicKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// BakerIDFromPubKey derives a persistent baker identity from a signing
// public key.
func BakerIDFromPubKey(pubKey PublicKey) types.BakerId {
	h := Sum256(pubKey)
	return types.BakerId(bigEndianUint64(h[:8]))
}

func bigEndianUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// VerifyBlockSignature checks an Ed25519 block signature against the
// baker's claimed signing key.
func VerifyBlockSignature(bakerKey [32]byte, payload []byte, signature [64]byte) bool {
	return Verify(bakerKey[:], payload, signature[:])
}

// SignBlock signs a block's canonical hash with the baker's Ed25519 key.
func SignBlock(privKey PrivateKey, blockHash types.Hash) [64]byte {
	return SigTo64(Sign(privKey, blockHash[:]))
}

// PubKeyTo32 converts a PublicKey to a [32]byte array.
func PubKeyTo32(pubKey PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], pubKey)
	return out
}

// SigTo64 converts a signature slice to a [64]byte array.
func SigTo64(sig []byte) [64]byte {
	var out [64]byte
	copy(out[:], sig)
	return out
}
