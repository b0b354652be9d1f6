package consensus

import (
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Identity holds the local baker's key material. A node without an Identity
// observes consensus but never signs quorum/timeout messages or produces
// blocks.
type Identity struct {
	Baker types.BakerId

	SignPriv crypto.PrivateKey
	SignPub  [32]byte

	BLSPriv *crypto.BLSSecretKey
	BLSPub  [48]byte

	VRFPriv [32]byte
	VRFPub  [32]byte
}

// seat resolves the local identity's finalizer seat in committee, if any.
func (id *Identity) seat(committee *types.FinalizationCommittee) (*types.FinalizerInfo, bool) {
	if id == nil || committee == nil {
		return nil, false
	}
	return committee.ByBaker(id.Baker)
}
