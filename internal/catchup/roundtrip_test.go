package catchup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// The round-trip law: a peer that applies a full catch-up response no
// longer needs to catch up against the status the response answered. This
// drives two real engines through the package's exported surface, the same
// way the block syncer does.

type rtFinalizer struct {
	identity *consensus.Identity
	info     types.FinalizerInfo
}

type rtExecution struct{}

func (rtExecution) ExecuteBlock(b *types.Block, prevStateRoot types.Hash) (*consensus.ExecuteResult, error) {
	buf := append([]byte{}, prevStateRoot[:]...)
	buf = append(buf, byte(b.Round))
	return &consensus.ExecuteResult{StateRoot: crypto.Sum256(buf)}, nil
}

var rtGenesisHash = crypto.Sum256([]byte("catchup-roundtrip-genesis"))

func buildRoundTripCommittee(t *testing.T) (rtFinalizer, *types.FinalizationCommittee) {
	t.Helper()

	signPub, signPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	blsPub, blsPriv, _, err := crypto.GenerateBLSKey()
	require.NoError(t, err)
	vrfPub, vrfPriv, err := crypto.VRFKeypair()
	require.NoError(t, err)

	info := types.FinalizerInfo{
		Index:       0,
		Baker:       1,
		VotingPower: 100,
		BLSKey:      blsPub,
		VRFKey:      vrfPub,
	}
	copy(info.SignKey[:], signPub)

	id := &consensus.Identity{
		Baker:    info.Baker,
		SignPriv: signPriv,
		BLSPriv:  blsPriv,
		BLSPub:   blsPub,
		VRFPriv:  vrfPriv,
		VRFPub:   vrfPub,
	}
	copy(id.SignPub[:], signPub)

	committee, err := types.NewFinalizationCommittee(0, []types.FinalizerInfo{info})
	require.NoError(t, err)
	return rtFinalizer{identity: id, info: info}, committee
}

func newRoundTripEngine(t *testing.T, f rtFinalizer, committee *types.FinalizationCommittee, seated bool) *consensus.Engine {
	t.Helper()

	var identity *consensus.Identity
	if seated {
		identity = f.identity
	}

	e, err := consensus.NewEngine(consensus.Deps{
		Config: config.ConsensusConfig{
			SignatureThresholdNum: 2,
			SignatureThresholdDen: 3,
			TimeoutBase:           config.Duration{Duration: time.Hour},
			TimeoutIncreaseNum:    1,
			TimeoutIncreaseDen:    1,
			EarlyBlockThreshold:   config.Duration{Duration: time.Hour},
			DeadCacheSize:         16,
			RecentWindow:          16,
		},
		GenesisHash:      rtGenesisHash,
		Identity:         identity,
		Store:            storage.NewMemStore(),
		Execution:        rtExecution{},
		Genesis:          types.GenesisBlock(rtGenesisHash, crypto.Sum256([]byte("catchup-roundtrip-state0"))),
		GenesisCommittee: committee,
	})
	require.NoError(t, err)
	return e
}

func TestCatchUpRoundTripConvergesOnceApplied(t *testing.T) {
	finalizer, committee := buildRoundTripCommittee(t)
	source := newRoundTripEngine(t, finalizer, committee, true)

	var produced []*types.Block
	source.SetOnBlock(func(b *types.Block) { produced = append(produced, b) })
	source.Start()

	vote := func(b *types.Block) {
		payload := crypto.QuorumSigningPayload(rtGenesisHash, b.Hash(), b.Round, b.Epoch)
		qm := &types.QuorumMessage{
			BlockHash: b.Hash(),
			Round:     b.Round,
			Epoch:     b.Epoch,
			Signer:    finalizer.info.Index,
			Signature: crypto.SignBLS(finalizer.identity.BLSPriv, payload),
		}
		recv := source.ReceiveQuorumMessage(qm)
		require.Equal(t, consensus.QuorumReceived, recv.Status)
		source.ProcessQuorumMessage(qm)
	}
	vote(produced[0]) // certifies block1, produces block2
	vote(produced[1]) // finalizes block1, produces block3

	sourceStatus := MakeStatus(source)
	require.Equal(t, types.Round(3), sourceStatus.CurrentRound)

	observer := newRoundTripEngine(t, finalizer, committee, false)
	observer.Start()
	observerStatus := MakeStatus(observer)

	require.True(t, IsCatchUpRequired(sourceStatus, observerStatus),
		"observer sitting at genesis must need catch-up against a peer three rounds ahead")

	producer := HandleCatchUpRequest(observerStatus, NewSnapshot(source))

	var streamed int
	for {
		b, ok := producer.Next()
		if !ok {
			break
		}
		require.Equal(t, types.ResultSuccess, observer.ReceiveBlock(b))
		streamed++
	}
	require.Equal(t, 3, streamed, "expected the finalized backlog block plus both alive-frontier blocks")

	result := ApplyTerminalData(observer, producer.Finish())
	require.Equal(t, TerminalDataOK, result.Status)

	observerStatusAfter := MakeStatus(observer)
	require.False(t, IsCatchUpRequired(sourceStatus, observerStatusAfter),
		"observer must no longer need catch-up once it has applied the response")
	require.Equal(t, source.Tree().LastFinalized().Hash, observer.Tree().LastFinalized().Hash)
}
