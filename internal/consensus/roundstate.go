package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// AdvanceCause records why a round advanced: a QC for the preceding round,
// or a TC together with the highest certified block at timeout time.
type AdvanceCause struct {
	Kind      types.RoundAdvanceCause
	QC        *types.QuorumCertificate  // set when Kind == AdvanceByQC
	TC        *types.TimeoutCertificate // set when Kind == AdvanceByTC
	HighestQC *types.QuorumCertificate  // the highest certified block at TC time
}

// advanceRound resets the local timer, persists the new round status before
// any side effect, then invokes the block-production hook if locally
// elected leader.
func (e *Engine) advanceRound(newRound types.Round, cause AdvanceCause) {
	if newRound <= e.roundStatus.CurrentRound && cause.Kind != types.AdvanceByTC {
		// Late votes for an already-advanced round must not regress it.
		if newRound < e.roundStatus.CurrentRound {
			return
		}
	}

	e.roundStatus.CurrentRound = newRound
	if cause.Kind == types.AdvanceByTC {
		e.roundStatus.PreviousRoundTimeout = &types.PreviousRoundTimeout{
			TC:                    cause.TC,
			HighestCertifiedBlock: cause.HighestQC,
		}
	}

	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("persist round status failed", zap.Error(err))
		return
	}

	e.metrics.ConsensusRound.Set(float64(newRound))

	e.resetQuorumPool(newRound)
	e.timeouts = nil
	e.armTimer(e.uponTimeoutEvent)

	if !e.suppressMakeBlock {
		if wins, output, proof := e.isLocalLeader(e.roundStatus.CurrentEpoch, newRound); wins {
			e.makeBlock(newRound, output, proof)
		}
	}
}

// advanceEpoch updates the current epoch, recomputes the leadership nonce
// from the finalization entry, and clears timeout vote pools whose two-epoch
// window no longer overlaps the new view.
func (e *Engine) advanceEpoch(newEpoch types.Epoch, fe *types.FinalizationEntry) {
	e.roundStatus.CurrentEpoch = newEpoch
	e.epochNonce[newEpoch] = e.deriveEpochNonce(fe)
	e.metrics.ConsensusEpoch.Set(float64(newEpoch))

	if e.timeouts != nil && e.timeouts.have && e.timeouts.firstEpoch+1 < newEpoch {
		e.timeouts = nil
	}
}

func (e *Engine) deriveEpochNonce(fe *types.FinalizationEntry) []byte {
	if fe == nil || fe.BlockQC == nil {
		return e.genesisHash.Bytes()
	}
	h := crypto.Sum256(append(append([]byte{}, fe.BlockQC.BlockHash[:]...), fe.BlockQC.AggSignature[:]...))
	return h.Bytes()
}

// growTimeout multiplies the current timeout duration by the chain
// parameter timeoutIncrease, floored at the minimum representable positive
// duration. There is no ceiling beyond the integer type.
func (e *Engine) growTimeout() {
	cur := e.roundStatus.CurrentTimeoutDuration
	num := e.cfg.TimeoutIncreaseNum
	den := e.cfg.TimeoutIncreaseDen
	if den == 0 {
		den = 1
	}
	grown := time.Duration(int64(cur) * int64(num) / int64(den))
	if grown <= 0 {
		grown = time.Nanosecond
	}
	e.roundStatus.CurrentTimeoutDuration = grown
	e.metrics.TimeoutDurationSeconds.Set(grown.Seconds())
}
