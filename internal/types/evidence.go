package types

// Evidence is misbehaviour proof handed to the flagging subsystem: double
// signing and invalid signatures on quorum/timeout messages are flagged
// for future slashing.
type Evidence struct {
	DoubleVote    *DoubleVoteEvidence
	DoubleTimeout *DoubleTimeoutEvidence
	InvalidQC     *InvalidQCEvidence
}

// DoubleVoteEvidence proves a finalizer sent two distinct quorum messages
// for the same round.
type DoubleVoteEvidence struct {
	Signer FinalizerIndex
	Round  Round
	A, B   QuorumMessage
}

// DoubleTimeoutEvidence proves a finalizer sent two distinct timeout
// messages for the same round.
type DoubleTimeoutEvidence struct {
	Signer FinalizerIndex
	Round  Round
	A, B   TimeoutMessage
}

// InvalidQCEvidence proves a finalizer embedded a QC in a timeout message
// that fails cryptographic verification against its claimed committee.
type InvalidQCEvidence struct {
	Signer FinalizerIndex
	Round  Round
	QC     QuorumCertificate
}

// FinalizerIndex returns the finalizer seat responsible for this evidence.
func (e *Evidence) FinalizerIndex() FinalizerIndex {
	if e.DoubleVote != nil {
		return e.DoubleVote.Signer
	}
	if e.DoubleTimeout != nil {
		return e.DoubleTimeout.Signer
	}
	if e.InvalidQC != nil {
		return e.InvalidQC.Signer
	}
	return 0
}
