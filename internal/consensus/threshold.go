package consensus

// hasQuorum is the weight-threshold inequality used by QC formation and TC
// formation. Certificate validation (crypto.VerifyQuorumCertificate and
// crypto.VerifyTimeoutCertificate, which catch-up also goes through) does
// not call it and repeats the same comparison inline.
//
// weight/totalWeight is the signed fraction; num/den is the chain's
// signature-threshold ratio (default 2/3). The comparison is done in
// integer form (weight*den >= totalWeight*num) to avoid floating point.
func hasQuorum(weight, totalWeight, num, den uint64) bool {
	if den == 0 || totalWeight == 0 {
		return false
	}
	return weight*den >= totalWeight*num
}
