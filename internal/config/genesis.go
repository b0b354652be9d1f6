package config

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// GenesisDoc defines the initial state of the chain.
type GenesisDoc struct {
	ChainID         string             `json:"chain_id"`
	GenesisTime     time.Time          `json:"genesis_time"`
	Finalizers      []GenesisFinalizer `json:"finalizers"`
	AppStateRoot    string             `json:"app_state_root"`
	ConsensusParams ConsensusParams    `json:"consensus_params"`
}

// GenesisFinalizer describes one seat in the genesis finalization
// committee: a persistent baker identity plus the three public keys it
// signs with (block/message Ed25519, aggregate-signature BLS, VRF leader
// election).
type GenesisFinalizer struct {
	Baker       uint64 `json:"baker"`
	SignKey     string `json:"sign_key"`
	BLSKey      string `json:"bls_key"`
	VRFKey      string `json:"vrf_key"`
	VotingPower uint64 `json:"voting_power"`
	Name        string `json:"name"`
}

// ConsensusParams holds genesis-level consensus parameters.
type ConsensusParams struct {
	MaxBlockSize    int    `json:"max_block_size"`
	MaxBlockGas     uint64 `json:"max_block_gas"`
	MaxFinalizers   int    `json:"max_finalizers"`
	SignatureThresholdNum uint64 `json:"signature_threshold_num"`
	SignatureThresholdDen uint64 `json:"signature_threshold_den"`
}

// LoadGenesis reads and validates a genesis file from the given path.
func LoadGenesis(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read file: %w", err)
	}

	var gen GenesisDoc
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("genesis: parse JSON: %w", err)
	}

	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	return &gen, nil
}

// Validate checks the genesis document for structural validity.
func (g *GenesisDoc) Validate() error {
	if g.ChainID == "" {
		return errors.New("chain_id must not be empty")
	}
	if g.GenesisTime.IsZero() {
		return errors.New("genesis_time must not be zero")
	}
	if len(g.Finalizers) == 0 {
		return errors.New("must have at least one finalizer")
	}

	for i, f := range g.Finalizers {
		if f.SignKey == "" || f.BLSKey == "" || f.VRFKey == "" {
			return fmt.Errorf("finalizer %d: sign_key, bls_key, and vrf_key must all be set", i)
		}
		if f.VotingPower == 0 {
			return fmt.Errorf("finalizer %d: voting_power must be > 0", i)
		}
		signKey, err := hex.DecodeString(f.SignKey)
		if err != nil || len(signKey) != 32 {
			return fmt.Errorf("finalizer %d: sign_key must be 32 hex-encoded bytes", i)
		}
		blsKey, err := hex.DecodeString(f.BLSKey)
		if err != nil || len(blsKey) != 48 {
			return fmt.Errorf("finalizer %d: bls_key must be 48 hex-encoded bytes", i)
		}
		vrfKey, err := hex.DecodeString(f.VRFKey)
		if err != nil || len(vrfKey) != 32 {
			return fmt.Errorf("finalizer %d: vrf_key must be 32 hex-encoded bytes", i)
		}
	}

	if g.ConsensusParams.MaxFinalizers <= 0 {
		return errors.New("consensus_params.max_finalizers must be > 0")
	}
	if len(g.Finalizers) > g.ConsensusParams.MaxFinalizers {
		return fmt.Errorf("too many finalizers: got %d, max %d",
			len(g.Finalizers), g.ConsensusParams.MaxFinalizers)
	}

	return nil
}

// ToFinalizationCommittee converts the genesis finalizers to the epoch-0
// runtime committee.
func (g *GenesisDoc) ToFinalizationCommittee() (*types.FinalizationCommittee, error) {
	finalizers := make([]types.FinalizerInfo, len(g.Finalizers))
	for i, gf := range g.Finalizers {
		signKeyBytes, err := hex.DecodeString(gf.SignKey)
		if err != nil {
			return nil, fmt.Errorf("finalizer %d: invalid sign_key hex: %w", i, err)
		}
		blsKeyBytes, err := hex.DecodeString(gf.BLSKey)
		if err != nil {
			return nil, fmt.Errorf("finalizer %d: invalid bls_key hex: %w", i, err)
		}
		vrfKeyBytes, err := hex.DecodeString(gf.VRFKey)
		if err != nil {
			return nil, fmt.Errorf("finalizer %d: invalid vrf_key hex: %w", i, err)
		}

		var signKey [32]byte
		copy(signKey[:], signKeyBytes)
		var blsKey [48]byte
		copy(blsKey[:], blsKeyBytes)
		var vrfKey [32]byte
		copy(vrfKey[:], vrfKeyBytes)

		finalizers[i] = types.FinalizerInfo{
			Index:       types.FinalizerIndex(i),
			Baker:       types.BakerId(gf.Baker),
			VotingPower: gf.VotingPower,
			BLSKey:      blsKey,
			VRFKey:      vrfKey,
			SignKey:     signKey,
		}
	}

	return types.NewFinalizationCommittee(0, finalizers)
}

// AppStateRootHash parses the hex-encoded app state root into a Hash.
func (g *GenesisDoc) AppStateRootHash() (types.Hash, error) {
	if g.AppStateRoot == "" {
		return types.ZeroHash, nil
	}
	return types.HashFromHex(g.AppStateRoot)
}

// GenesisHash derives the chain's fixed genesis hash deterministically from
// the genesis document, so every node that loads the same genesis.json
// arrives at the same hash without a side-channel. The genesis hash is a
// pure input to block/QC/TC signing payloads, never the hash of a
// constructed Block: crypto.HashBlock of the (contentless) genesis block
// is fixed across all chains, so it cannot
// serve this role.
func (g *GenesisDoc) GenesisHash() (types.Hash, error) {
	stateRoot, err := g.AppStateRootHash()
	if err != nil {
		return types.Hash{}, fmt.Errorf("genesis: app state root: %w", err)
	}

	buf := []byte(g.ChainID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(g.GenesisTime.UnixMilli()))
	buf = append(buf, ts[:]...)
	buf = append(buf, stateRoot[:]...)

	for _, f := range g.Finalizers {
		var bakerBuf [8]byte
		binary.BigEndian.PutUint64(bakerBuf[:], f.Baker)
		buf = append(buf, bakerBuf[:]...)

		signKey, err := hex.DecodeString(f.SignKey)
		if err != nil {
			return types.Hash{}, fmt.Errorf("genesis: finalizer %d sign_key: %w", f.Baker, err)
		}
		blsKey, err := hex.DecodeString(f.BLSKey)
		if err != nil {
			return types.Hash{}, fmt.Errorf("genesis: finalizer %d bls_key: %w", f.Baker, err)
		}
		vrfKey, err := hex.DecodeString(f.VRFKey)
		if err != nil {
			return types.Hash{}, fmt.Errorf("genesis: finalizer %d vrf_key: %w", f.Baker, err)
		}
		buf = append(buf, signKey...)
		buf = append(buf, blsKey...)
		buf = append(buf, vrfKey...)
	}

	return crypto.Sum256(buf), nil
}
