package consensus

import (
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// adoptQCLocked is the "adopt a newly-witnessed QC" step shared by timeout
// execution, block processing, and catch-up: verify it against committee,
// run finality detection, and record it as the highest certified block if
// it now is. Returns false (and flags evidence) on a QC that fails
// verification.
func (e *Engine) adoptQCLocked(qc *types.QuorumCertificate, signer types.FinalizerIndex, round types.Round, committee *types.FinalizationCommittee) bool {
	if !crypto.VerifyQuorumCertificate(e.genesisHash, e.cfg.SignatureThresholdNum, e.cfg.SignatureThresholdDen, committee, qc) {
		if e.evidence != nil {
			e.evidence.Flag(types.Evidence{InvalidQC: &types.InvalidQCEvidence{
				Signer: signer, Round: round, QC: *qc,
			}})
		}
		return false
	}
	e.checkFinalityLocked(qc)
	if e.roundStatus.HighestCertifiedBlock == nil || qc.Round > e.roundStatus.HighestCertifiedBlock.Round {
		e.roundStatus.HighestCertifiedBlock = qc
	}
	return true
}
