// Package consensus implements the round-based BFT engine: the round/epoch
// state machine, quorum and timeout message aggregation, finality
// detection, and block processing. The tree substrate lives in
// internal/tree; the crypto boundary in internal/crypto.
package consensus

import "github.com/vantor-labs/konsensus/internal/types"

// Reason is the typed rejection reason attached to a silently-dropped
// message.
type Reason string

const (
	ReasonObsoleteRound      Reason = "obsolete_round"
	ReasonObsoleteQC         Reason = "obsolete_qc"
	ReasonObsoleteQCPointer  Reason = "obsolete_qc_pointer"
	ReasonDeadQCPointer      Reason = "dead_qc_pointer"
	ReasonNotAFinalizer      Reason = "not_a_finalizer"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonInvalidBLSSignature Reason = "invalid_bls_signature"
	ReasonDoubleSigning      Reason = "double_signing"
	ReasonInvalidQC          Reason = "invalid_qc"
	ReasonInvalidQCEpoch     Reason = "invalid_qc_epoch"
	ReasonSessionMismatch    Reason = "session_mismatch"
)

// QuorumStatus is the outcome domain of ReceiveQuorumMessage.
type QuorumStatus int

const (
	QuorumReceived QuorumStatus = iota
	QuorumReceivedNoRelay
	QuorumRejected
	QuorumCatchupRequired
	QuorumDuplicate
)

// QuorumReceiveResult is the result of ReceiveQuorumMessage.
type QuorumReceiveResult struct {
	Status  QuorumStatus
	Reason  Reason
	Message *types.QuorumMessage
}

// TimeoutStatus is the outcome domain of ReceiveTimeoutMessage.
type TimeoutStatus int

const (
	TimeoutReceived TimeoutStatus = iota
	TimeoutRejected
	TimeoutCatchupRequired
	TimeoutDuplicate
)

// TimeoutReceiveResult is the result of ReceiveTimeoutMessage.
type TimeoutReceiveResult struct {
	Status    TimeoutStatus
	Reason    Reason
	Message   *types.TimeoutMessage
	Committee *types.FinalizationCommittee // the committee resolved for the embedded QC's epoch
}

// ExecuteResult is a single execution outcome.
type ExecuteResult struct {
	StateRoot types.Hash
	GasUsed   uint64
}

// ExecutionAdapter is the opaque state-transition boundary: execute a
// block's transactions over the parent state, return the new state root.
type ExecutionAdapter interface {
	ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*ExecuteResult, error)
}

// Transport broadcasts consensus messages to the rest of the network.
type Transport interface {
	BroadcastBlock(b *types.Block) error
	BroadcastQuorumMessage(qm *types.QuorumMessage) error
	BroadcastTimeoutMessage(tm *types.TimeoutMessage) error
}

// MempoolSource supplies pending transactions to the block-production hook.
type MempoolSource interface {
	Reap(maxBytes int) [][]byte
}

// EvidenceSink receives flagged misbehavior (double votes, double
// timeouts, invalid certificates) for possible future slashing.
type EvidenceSink interface {
	Flag(ev types.Evidence)
}
