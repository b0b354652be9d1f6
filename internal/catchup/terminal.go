package catchup

import (
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/types"
)

// TerminalData is the closing record of a catch-up response: the
// certificates and votes the requester needs to reach the responder's
// round, applied in a fixed order by ApplyTerminalData.
type TerminalData struct {
	// HighestQC is the highest-certified block known to the responder.
	HighestQC *types.QuorumCertificate
	// FinalizingQC is the QC that most recently caused a finalization, set
	// only when it differs from HighestQC.
	FinalizingQC *types.QuorumCertificate
	// TC is the previous round's timeout certificate, included iff the
	// requester's round is behind the responder's.
	TC *types.TimeoutCertificate

	QuorumMessages  []*types.QuorumMessage
	TimeoutMessages []*types.TimeoutMessage
}

// TerminalDataStatus is the outcome of applying a TerminalData record.
type TerminalDataStatus int

const (
	TerminalDataOK TerminalDataStatus = iota
	TerminalDataInvalid
)

// TerminalDataResult reports how far terminal-data application got.
type TerminalDataResult struct {
	Status  TerminalDataStatus
	Applied int
}

// ApplyTerminalData applies the closing record of a catch-up response:
// QCs, then the TC, then quorum messages, then timeout messages, in that
// fixed order, with block production deferred until every phase has run.
// Any invalid or out-of-model datum short-circuits to TerminalDataInvalid,
// reporting the progress already made.
func ApplyTerminalData(e *consensus.Engine, td TerminalData) TerminalDataResult {
	e.BeginTerminalDataApply()
	defer e.EndTerminalDataApply()

	applied := 0

	if td.HighestQC != nil {
		if !e.AdoptQC(td.HighestQC) {
			return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
		}
		applied++
	}
	if td.FinalizingQC != nil {
		if !e.AdoptQC(td.FinalizingQC) {
			return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
		}
		applied++
	}

	if td.TC != nil {
		highest := td.HighestQC
		if highest == nil {
			highest = td.FinalizingQC
		}
		if !e.AdoptTC(td.TC, highest) {
			return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
		}
		applied++
	}

	for _, qm := range td.QuorumMessages {
		res := e.ReceiveQuorumMessage(qm)
		switch res.Status {
		case consensus.QuorumRejected:
			return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
		case consensus.QuorumReceived, consensus.QuorumReceivedNoRelay:
			e.ProcessQuorumMessage(qm)
		}
		applied++
	}

	for _, tm := range td.TimeoutMessages {
		res := e.ReceiveTimeoutMessage(tm)
		if res.Status == consensus.TimeoutRejected {
			return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
		}
		if res.Status == consensus.TimeoutReceived {
			exec := e.ExecuteTimeoutMessage(tm, res.Committee)
			if exec.Status != consensus.TimeoutExecuteOK {
				return TerminalDataResult{Status: TerminalDataInvalid, Applied: applied}
			}
		}
		applied++
	}

	return TerminalDataResult{Status: TerminalDataOK, Applied: applied}
}
