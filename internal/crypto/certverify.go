package crypto

import "github.com/vantor-labs/konsensus/internal/types"

// Committee is the minimal view of a finalization committee the crypto
// boundary needs: seat lookup and total voting power. internal/types's
// FinalizationCommittee satisfies it; kept as an interface here so this
// package never imports internal/consensus and stays a pure leaf.
type Committee interface {
	ByIndex(types.FinalizerIndex) (*types.FinalizerInfo, bool)
	TotalWeight() uint64
}

// VerifyQuorumCertificate checks a quorum certificate in full: the
// aggregate signature must verify against every signer's
// BLS key for (genesis, block, round, epoch), and the signed weight must
// reach thresholdNum/thresholdDen of the committee's total weight.
func VerifyQuorumCertificate(genesisHash types.Hash, thresholdNum, thresholdDen uint64, committee Committee, qc *types.QuorumCertificate) bool {
	if qc == nil || qc.Signers == nil || committee == nil {
		return false
	}
	indices := qc.Signers.Indices()
	if len(indices) == 0 {
		return false
	}
	pks := make([][48]byte, 0, len(indices))
	var weight uint64
	for _, idx := range indices {
		fi, ok := committee.ByIndex(idx)
		if !ok {
			return false
		}
		pks = append(pks, fi.BLSKey)
		weight += fi.VotingPower
	}
	total := committee.TotalWeight()
	if thresholdDen == 0 || total == 0 || weight*thresholdDen < total*thresholdNum {
		return false
	}
	payload := QuorumSigningPayload(genesisHash, qc.BlockHash, qc.Round, qc.Epoch)
	return VerifyAggregateBLSSameMessage(pks, payload, qc.AggSignature)
}

// VerifyTimeoutCertificate checks a timeout certificate in full: every
// recorded (qcRound, signer) witness verifies under its own
// TimeoutSigningPayload(tcRound, qcRound, entry's epoch), drawn from the
// (up to two) committees the TC's entries span; the union's combined
// weight, measured against weightCommittee's total (the embedded QC's
// epoch committee), must reach threshold.
func VerifyTimeoutCertificate(thresholdNum, thresholdDen uint64, firstCommittee, secondCommittee, weightCommittee Committee, tc *types.TimeoutCertificate) bool {
	if tc == nil || firstCommittee == nil || weightCommittee == nil {
		return false
	}
	var pks [][48]byte
	var msgs [][]byte
	var weight uint64
	seen := make(map[types.FinalizerIndex]bool)

	collect := func(entries []types.TCRoundEntry, committee Committee, epoch types.Epoch) bool {
		if committee == nil {
			return len(entries) == 0
		}
		for _, entry := range entries {
			if entry.Signers == nil {
				continue
			}
			for _, idx := range entry.Signers.Indices() {
				fi, ok := committee.ByIndex(idx)
				if !ok {
					return false
				}
				pks = append(pks, fi.BLSKey)
				msgs = append(msgs, TimeoutSigningPayload(tc.Round, entry.QCRound, epoch))
				if wfi, ok := weightCommittee.ByIndex(idx); ok && !seen[idx] {
					seen[idx] = true
					weight += wfi.VotingPower
				}
			}
		}
		return true
	}

	if !collect(tc.FirstEpochEntries, firstCommittee, tc.MinEpoch) {
		return false
	}
	if !collect(tc.SecondEpochEntries, secondCommittee, tc.MinEpoch+1) {
		return false
	}
	if len(pks) == 0 {
		return false
	}

	total := weightCommittee.TotalWeight()
	if thresholdDen == 0 || total == 0 || weight*thresholdDen < total*thresholdNum {
		return false
	}
	return VerifyAggregateBLSDistinctMessages(pks, msgs, tc.AggSignature)
}
