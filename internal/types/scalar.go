package types

// Round is a monotonically numbered attempt to certify one block; it
// advances on either a QC or a TC.
type Round uint64

// Epoch is a longer-lived committee term spanning many rounds; it advances
// via a finalization entry embedded in a block.
type Epoch uint64

// FinalizerIndex denotes a seat in the finalization committee for an epoch.
type FinalizerIndex uint32

// BakerId identifies a persistent participant across epochs.
type BakerId uint64

// Next returns the round immediately following r.
func (r Round) Next() Round { return r + 1 }

// Next returns the epoch immediately following e.
func (e Epoch) Next() Epoch { return e + 1 }
