package mempool

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Transaction wire format (canonical, big-endian like every other wire
// record in this module):
//
//	[0:32]   sender address
//	[32:40]  nonce (big-endian uint64)
//	[40:48]  fee (big-endian uint64)
//	[48:112] ed25519 signature (64 bytes)
//	[112:]   payload data
//
// The signature covers sender(32) || nonce(8) || fee(8) || sha256(payload).

const (
	txHeaderSize = 32 + 8 + 8 + 64  // 112 bytes
	minTxSize    = txHeaderSize + 1 // at least 1 byte of payload
)

// nonceKeyPrefix scopes per-sender nonce records in the state store.
const nonceKeyPrefix = "nonce/"

// maxNonceGap bounds how far ahead of the recorded nonce a queued
// transaction may sit.
const maxNonceGap = 64

// ParseTx parses raw transaction bytes into a MempoolTx.
func ParseTx(raw []byte) (*MempoolTx, error) {
	if len(raw) < minTxSize {
		return nil, fmt.Errorf("mempool: tx too small: %d < %d", len(raw), minTxSize)
	}

	var sender types.Address
	copy(sender[:], raw[0:32])

	nonce := binary.BigEndian.Uint64(raw[32:40])
	fee := binary.BigEndian.Uint64(raw[40:48])

	var sig [64]byte
	copy(sig[:], raw[48:112])

	txHash := sha256.Sum256(raw)

	return &MempoolTx{
		Hash:    txHash,
		Data:    raw,
		Fee:     fee,
		Nonce:   nonce,
		Sender:  sender,
		Size:    len(raw),
		sig:     sig,
		payload: raw[112:],
	}, nil
}

// signingPayload constructs the canonical bytes signed by the sender.
func signingPayload(sender types.Address, nonce, fee uint64, payload []byte) []byte {
	buf := make([]byte, 32+8+8+32)
	copy(buf[0:32], sender[:])
	binary.BigEndian.PutUint64(buf[32:40], nonce)
	binary.BigEndian.PutUint64(buf[40:48], fee)
	h := sha256.Sum256(payload)
	copy(buf[48:80], h[:])
	return buf
}

// ValidateStateless performs the checks that need no state access: size
// bounds, parseability, a non-zero sender, and a non-empty signature
// field. The sender address is sha256(pubkey), so the signature itself can
// only be checked once the pubkey is known; the execution layer does that.
func ValidateStateless(tx []byte, cfg config.MempoolConfig) (*MempoolTx, error) {
	if len(tx) > cfg.MaxTxBytes {
		return nil, fmt.Errorf("mempool: tx exceeds max size: %d > %d", len(tx), cfg.MaxTxBytes)
	}

	mtx, err := ParseTx(tx)
	if err != nil {
		return nil, err
	}
	if mtx.Sender == types.ZeroAddress {
		return nil, errors.New("mempool: zero sender address")
	}
	if mtx.sig == [64]byte{} {
		return nil, errors.New("mempool: empty signature")
	}
	return mtx, nil
}

// ValidateStateful checks the transaction's nonce against the sender's
// recorded nonce: replays are rejected, and a bounded gap of queued
// not-yet-sequential transactions is tolerated.
func ValidateStateful(tx *MempoolTx, stateStore storage.StateStore) error {
	if stateStore == nil {
		return nil
	}

	nonceKey := []byte(nonceKeyPrefix + tx.Sender.String())
	data, err := stateStore.Get(nonceKey)
	if err != nil {
		return fmt.Errorf("mempool: read nonce: %w", err)
	}

	var expectedNonce uint64
	if len(data) >= 8 {
		expectedNonce = binary.BigEndian.Uint64(data)
	}

	if tx.Nonce < expectedNonce {
		return fmt.Errorf("mempool: nonce too low: got %d, expected >= %d", tx.Nonce, expectedNonce)
	}
	if tx.Nonce > expectedNonce+maxNonceGap {
		return fmt.Errorf("mempool: nonce gap too large: got %d, expected ~%d", tx.Nonce, expectedNonce)
	}
	return nil
}

// VerifySignature verifies a transaction signature given the sender's
// public key.
func VerifySignature(tx *MempoolTx, pubKey ed25519.PublicKey) bool {
	payload := signingPayload(tx.Sender, tx.Nonce, tx.Fee, tx.payload)
	return ed25519.Verify(pubKey, payload, tx.sig[:])
}

// BuildTx constructs a raw transaction from components and signs it.
func BuildTx(sender types.Address, nonce, fee uint64, payload []byte, privKey ed25519.PrivateKey) []byte {
	raw := make([]byte, txHeaderSize+len(payload))
	copy(raw[0:32], sender[:])
	binary.BigEndian.PutUint64(raw[32:40], nonce)
	binary.BigEndian.PutUint64(raw[40:48], fee)

	sig := ed25519.Sign(privKey, signingPayload(sender, nonce, fee, payload))
	copy(raw[48:112], sig)
	copy(raw[112:], payload)
	return raw
}
