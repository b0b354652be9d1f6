package types

// QuorumMessage is a single finalizer's signed vote for a block in a round.
type QuorumMessage struct {
	BlockHash Hash
	Round     Round
	Epoch     Epoch
	Signer    FinalizerIndex
	Signature [96]byte // BLS12-381 G1 signature, compressed
}

// QuorumCertificate names a block hash, its round and epoch, and carries a
// BLS-aggregate signature over (genesis, block, round, epoch) together with
// the finalizer-set bitmask of the signers.
type QuorumCertificate struct {
	BlockHash     Hash
	Round         Round
	Epoch         Epoch
	Signers       *FinalizerSet
	AggSignature  [96]byte
}

// TimeoutMessage is a single finalizer's signed abandonment of a round,
// carrying the QC it considers its current highest.
type TimeoutMessage struct {
	Round     Round
	Epoch     Epoch // the signer's current epoch at the time of timeout
	Signer    FinalizerIndex
	QC        *QuorumCertificate // the signer's highest known QC
	Signature [64]byte           // Ed25519 envelope signature
	BLSPart   [96]byte           // BLS signature over the TC payload
}

// TCRoundEntry records, for one QC-round witnessed by a TC, the signer set
// of finalizers who reported that round as their highest QC.
type TCRoundEntry struct {
	QCRound Round
	Signers *FinalizerSet
}

// TimeoutCertificate names a round that failed, the min/max epoch span of
// signatures it draws from, and per-epoch (qcRound -> signer-set) tables.
type TimeoutCertificate struct {
	Round    Round
	MinEpoch Epoch
	MaxEpoch Epoch
	MaxRound Round

	FirstEpochEntries  []TCRoundEntry
	SecondEpochEntries []TCRoundEntry

	AggSignature [96]byte
}

// RelevantTo reports whether the TC is the one that applies to round r:
// the TC for round r-1.
func (tc *TimeoutCertificate) RelevantTo(r Round) bool {
	return tc.Round+1 == r
}

// FinalizationEntry witnesses that block B is irreversibly finalized: a QC
// for B and a QC for B's successor in the same epoch.
type FinalizationEntry struct {
	BlockQC     *QuorumCertificate
	SuccessorQC *QuorumCertificate
}

// Valid checks the structural shape of a finalization entry:
// successor.round = B.round + 1, same epoch, parent = B.
func (fe *FinalizationEntry) Valid(successorParentHash Hash) bool {
	if fe.BlockQC == nil || fe.SuccessorQC == nil {
		return false
	}
	if fe.SuccessorQC.Round != fe.BlockQC.Round.Next() {
		return false
	}
	if fe.SuccessorQC.Epoch != fe.BlockQC.Epoch {
		return false
	}
	return successorParentHash == fe.BlockQC.BlockHash
}
