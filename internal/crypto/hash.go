package crypto

import (
	"encoding/binary"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/vantor-labs/konsensus/internal/types"
)

// Sum256 computes a SHA-256 digest using the hardware-accelerated
// implementation rather than the standard library's generic one.
func Sum256(data []byte) types.Hash {
	return sha256simd.Sum256(data)
}

// HashBlock computes the canonical block hash: SHA-256 over the big-endian
// binary encoding of the block's signed fields, matching the fixed-width
// big-endian convention of the wire format. The baker's own signature
// and the cached hash field are excluded, since they are derived from or
// sign over this digest; the VRF proof is not hashed either.
func HashBlock(b *types.Block) types.Hash {
	return Sum256(encodeBlockForHashing(b))
}

func encodeBlockForHashing(b *types.Block) []byte {
	if b.Genesis {
		return []byte{0}
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, 1) // signed-block tag
	buf = appendU64(buf, uint64(b.Round))
	buf = appendU64(buf, uint64(b.Epoch))
	buf = appendU64(buf, b.Timestamp)
	buf = appendU64(buf, uint64(b.Baker))
	buf = append(buf, b.BakerKey[:]...)
	buf = append(buf, b.VRFOutput[:]...)
	buf = append(buf, b.ParentHash[:]...)

	if b.ParentQC != nil {
		buf = append(buf, 1)
		buf = appendQC(buf, b.ParentQC)
	} else {
		buf = append(buf, 0)
	}

	if b.TimeoutCertificate != nil {
		buf = append(buf, 1)
		buf = appendTC(buf, b.TimeoutCertificate)
	} else {
		buf = append(buf, 0)
	}

	if b.FinalizationEntry != nil {
		buf = append(buf, 1)
		buf = appendQC(buf, b.FinalizationEntry.BlockQC)
		buf = appendQC(buf, b.FinalizationEntry.SuccessorQC)
	} else {
		buf = append(buf, 0)
	}

	buf = appendU64(buf, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = appendU64(buf, uint64(len(tx)))
		buf = append(buf, tx...)
	}

	buf = append(buf, b.StateHash[:]...)
	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendQC(buf []byte, qc *types.QuorumCertificate) []byte {
	buf = append(buf, qc.BlockHash[:]...)
	buf = appendU64(buf, uint64(qc.Round))
	buf = appendU64(buf, uint64(qc.Epoch))
	if qc.Signers != nil {
		signerBytes := qc.Signers.Bytes()
		buf = appendU64(buf, uint64(len(signerBytes)))
		buf = append(buf, signerBytes...)
	} else {
		buf = appendU64(buf, 0)
	}
	buf = append(buf, qc.AggSignature[:]...)
	return buf
}

func appendTC(buf []byte, tc *types.TimeoutCertificate) []byte {
	buf = appendU64(buf, uint64(tc.Round))
	buf = appendU64(buf, uint64(tc.MinEpoch))
	buf = appendU64(buf, uint64(tc.MaxEpoch))
	buf = appendU64(buf, uint64(tc.MaxRound))
	buf = appendTCEntries(buf, tc.FirstEpochEntries)
	buf = appendTCEntries(buf, tc.SecondEpochEntries)
	buf = append(buf, tc.AggSignature[:]...)
	return buf
}

func appendTCEntries(buf []byte, entries []types.TCRoundEntry) []byte {
	buf = appendU64(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = appendU64(buf, uint64(e.QCRound))
		var signerBytes []byte
		if e.Signers != nil {
			signerBytes = e.Signers.Bytes()
		}
		buf = appendU64(buf, uint64(len(signerBytes)))
		buf = append(buf, signerBytes...)
	}
	return buf
}

// QuorumSigningPayload returns the bytes a finalizer signs with its BLS key
// for a quorum message: (genesis, block, round, epoch).
func QuorumSigningPayload(genesisHash types.Hash, block types.Hash, round types.Round, epoch types.Epoch) []byte {
	buf := make([]byte, 0, 32+32+8+8)
	buf = append(buf, genesisHash[:]...)
	buf = append(buf, block[:]...)
	buf = appendU64(buf, uint64(round))
	buf = appendU64(buf, uint64(epoch))
	return buf
}

// TimeoutSigningPayload returns the bytes a finalizer signs with its BLS key
// for a timeout message: the failed round plus the signer's highest QC
// round/epoch.
func TimeoutSigningPayload(round types.Round, qcRound types.Round, qcEpoch types.Epoch) []byte {
	buf := make([]byte, 0, 24)
	buf = appendU64(buf, uint64(round))
	buf = appendU64(buf, uint64(qcRound))
	buf = appendU64(buf, uint64(qcEpoch))
	return buf
}

// TimeoutEnvelopePayload returns the bytes a finalizer signs with its
// Ed25519 envelope key for a timeout message: (round, epoch, signer,
// qc-block-hash, qc-round, qc-epoch).
func TimeoutEnvelopePayload(tm *types.TimeoutMessage) []byte {
	buf := make([]byte, 0, 8+8+4+32+8+8)
	buf = appendU64(buf, uint64(tm.Round))
	buf = appendU64(buf, uint64(tm.Epoch))
	buf = appendU64(buf, uint64(tm.Signer))
	if tm.QC != nil {
		buf = append(buf, tm.QC.BlockHash[:]...)
		buf = appendU64(buf, uint64(tm.QC.Round))
		buf = appendU64(buf, uint64(tm.QC.Epoch))
	}
	return buf
}

// ComputeTxRoot merkleizes a transaction list with Sum256 as the leaf/node
// hash, used when deriving the block's claimed state transition inputs.
func ComputeTxRoot(txs [][]byte) types.Hash {
	if len(txs) == 0 {
		return types.ZeroHash
	}
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = Sum256(tx)
	}
	return computeMerkleRoot(hashes)
}

func computeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 1 {
		return hashes[0]
	}
	for len(hashes) > 1 {
		if len(hashes)%2 != 0 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		next := make([]types.Hash, 0, len(hashes)/2)
		for i := 0; i < len(hashes); i += 2 {
			var combined [64]byte
			copy(combined[:32], hashes[i][:])
			copy(combined[32:], hashes[i+1][:])
			next = append(next, Sum256(combined[:]))
		}
		hashes = next
	}
	return hashes[0]
}
