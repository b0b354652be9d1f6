package types

import "fmt"

// Block is either the fixed genesis block or a signed block produced by a
// baker. A block's round is strictly greater than its parent's round; its
// epoch equals its parent's epoch unless it carries a FinalizationEntry,
// in which case the epoch increments by one.
type Block struct {
	Genesis bool

	Round     Round
	Epoch     Epoch
	Timestamp uint64 // milliseconds since Unix epoch
	Baker     BakerId
	BakerKey  [32]byte // Ed25519 signing key claimed by the baker
	VRFOutput [32]byte // block nonce: VRF output over (epoch, round)
	VRFProof  []byte

	ParentHash Hash
	ParentQC   *QuorumCertificate // QC for the parent; nil only for genesis

	TimeoutCertificate *TimeoutCertificate // present iff the prior round timed out
	FinalizationEntry  *FinalizationEntry  // present iff this block advances the epoch

	Transactions [][]byte
	StateHash    Hash // claimed resulting state hash after executing Transactions

	Signature [64]byte // Ed25519 signature over SigningPayload()

	hash     Hash
	hashSet  bool
}

// SetHash caches a precomputed canonical hash (normally produced by
// crypto.HashBlock) so repeated lookups avoid re-hashing.
func (b *Block) SetHash(h Hash) {
	b.hash = h
	b.hashSet = true
}

// Hash returns the cached canonical hash, or the zero hash if it has not
// been computed yet via crypto.HashBlock + SetHash.
func (b *Block) Hash() Hash {
	if !b.hashSet {
		return ZeroHash
	}
	return b.hash
}

// Validate checks the structural invariants that hold for a block in
// isolation, including its round and epoch relative to its own parent QC
// (the round relative to the parent block is checked by the
// block-processing pipeline, which has the parent in hand).
func (b *Block) Validate() error {
	if b.Genesis {
		if b.Round != 0 || b.Epoch != 0 {
			return fmt.Errorf("block: genesis block must be round 0 epoch 0")
		}
		return nil
	}
	if b.BakerKey == ([32]byte{}) {
		return fmt.Errorf("block: signed block must carry a baker key")
	}
	if b.ParentQC == nil {
		return fmt.Errorf("block: signed block must carry a parent QC")
	}
	if b.ParentQC.Round >= b.Round {
		return fmt.Errorf("block: round %d does not exceed parent QC round %d", b.Round, b.ParentQC.Round)
	}
	if b.FinalizationEntry == nil && b.ParentQC.Epoch != b.Epoch {
		return fmt.Errorf("block: epoch %d does not match parent epoch %d without a finalization entry",
			b.Epoch, b.ParentQC.Epoch)
	}
	if b.FinalizationEntry != nil && b.Epoch != b.ParentQC.Epoch.Next() {
		return fmt.Errorf("block: epoch %d must be parent epoch+1 (%d) when carrying a finalization entry",
			b.Epoch, b.ParentQC.Epoch.Next())
	}
	return nil
}

// GenesisBlock constructs the fixed genesis block for the given chain.
func GenesisBlock(genesisHash Hash, stateHash Hash) *Block {
	b := &Block{
		Genesis:   true,
		Round:     0,
		Epoch:     0,
		StateHash: stateHash,
	}
	b.SetHash(genesisHash)
	return b
}
