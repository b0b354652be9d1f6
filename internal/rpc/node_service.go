package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/mempool"
	"github.com/vantor-labs/konsensus/internal/storage"
	bsync "github.com/vantor-labs/konsensus/internal/sync"
	"github.com/vantor-labs/konsensus/internal/types"
)

// StatusResponse reports node identity, chain progress, and sync state.
type StatusResponse struct {
	NodeID            string `json:"node_id"`
	Moniker           string `json:"moniker"`
	ChainID           string `json:"chain_id"`
	Syncing           bool   `json:"syncing"`
	LatestHeight      uint64 `json:"latest_height"`
	LatestBlockHash   string `json:"latest_block_hash,omitempty"`
	CurrentRound      uint64 `json:"current_round"`
	CurrentEpoch      uint64 `json:"current_epoch"`
}

// SubmitTxResponse reports mempool admission of a submitted transaction.
type SubmitTxResponse struct {
	TxHash string `json:"tx_hash"`
	Code   int    `json:"code"`
	Log    string `json:"log"`
}

// BlockResponse carries a finalized block's fields in a JSON-friendly shape.
type BlockResponse struct {
	Hash         string   `json:"hash"`
	Height       uint64   `json:"height"`
	Round        uint64   `json:"round"`
	Epoch        uint64   `json:"epoch"`
	Baker        uint64   `json:"baker"`
	ParentHash   string   `json:"parent_hash"`
	StateHash    string   `json:"state_hash"`
	Transactions int      `json:"tx_count"`
	TxHashes     []string `json:"tx_hashes,omitempty"`
}

// ReceiptResponse locates a transaction within a finalized block.
type ReceiptResponse struct {
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	TxIndex     uint32 `json:"tx_index"`
}

// StateResponse carries a key/value state query result, optionally with a
// root-hash proof envelope.
type StateResponse struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Height uint64       `json:"height"`
	Proof  *StateProof `json:"proof,omitempty"`
}

// StateProof is a minimal root-commitment witness: the engine exposes a
// single state root per finalized block rather than an inclusion-proof
// tree, so proving a key reduces to pairing it with the root it was read
// against.
type StateProof struct {
	RootHash string `json:"root_hash"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// FinalizerResponse is one genesis-committee seat.
type FinalizerResponse struct {
	Index       uint32 `json:"index"`
	Baker       uint64 `json:"baker"`
	VotingPower uint64 `json:"voting_power"`
}

// FinalizersResponse lists the epoch-0 finalization committee.
type FinalizersResponse struct {
	Epoch      uint64              `json:"epoch"`
	TotalPower uint64              `json:"total_power"`
	Finalizers []FinalizerResponse `json:"finalizers"`
}

// NodeServiceConfig holds configuration for the NodeService.
type NodeServiceConfig struct {
	Store     storage.Store
	Mempool   *mempool.Mempool
	Consensus *consensus.Engine
	Syncer    *bsync.BlockSyncer
	Committee *types.FinalizationCommittee
	NodeID    string
	Moniker   string
	ChainID   string
	Logger    *zap.Logger
}

// NodeServiceImpl answers JSON/HTTP node queries against the store,
// mempool, and consensus engine.
type NodeServiceImpl struct {
	store     storage.Store
	mempool   *mempool.Mempool
	consensus *consensus.Engine
	syncer    *bsync.BlockSyncer
	committee *types.FinalizationCommittee
	nodeID    string
	moniker   string
	chainID   string
	logger    *zap.Logger
}

// NewNodeService creates the node service implementation.
func NewNodeService(cfg NodeServiceConfig) *NodeServiceImpl {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &NodeServiceImpl{
		store:     cfg.Store,
		mempool:   cfg.Mempool,
		consensus: cfg.Consensus,
		syncer:    cfg.Syncer,
		committee: cfg.Committee,
		nodeID:    cfg.NodeID,
		moniker:   cfg.Moniker,
		chainID:   cfg.ChainID,
		logger:    cfg.Logger,
	}
}

// GetStatus returns current node status.
func (s *NodeServiceImpl) GetStatus() (*StatusResponse, error) {
	resp := &StatusResponse{
		NodeID:  s.nodeID,
		Moniker: s.moniker,
		ChainID: s.chainID,
	}

	if s.syncer != nil {
		resp.Syncing = !s.syncer.IsSynced()
	}

	if s.consensus != nil {
		rs := s.consensus.RoundStatus()
		resp.CurrentRound = uint64(rs.CurrentRound)
		resp.CurrentEpoch = uint64(rs.CurrentEpoch)
	}

	if s.store != nil {
		if height, err := s.store.GetLatestHeight(); err == nil {
			resp.LatestHeight = height
			if block, err := s.store.GetBlockByHeight(height); err == nil {
				resp.LatestBlockHash = hex.EncodeToString(block.Hash().Bytes())
			}
		}
	}

	return resp, nil
}

// SubmitTransaction validates and adds tx to the mempool.
func (s *NodeServiceImpl) SubmitTransaction(tx []byte) (*SubmitTxResponse, error) {
	if len(tx) == 0 {
		return nil, errors.New("rpc: transaction data is required")
	}
	if s.mempool == nil {
		return nil, errors.New("rpc: mempool not available")
	}

	txHash, err := s.mempool.AddTx(tx)
	if err != nil {
		return &SubmitTxResponse{
			TxHash: hex.EncodeToString(txHash.Bytes()),
			Code:   1,
			Log:    err.Error(),
		}, nil
	}

	return &SubmitTxResponse{
		TxHash: hex.EncodeToString(txHash.Bytes()),
		Code:   0,
		Log:    "ok",
	}, nil
}

// GetBlock retrieves a finalized block by height. height == 0 returns the
// latest finalized block.
func (s *NodeServiceImpl) GetBlock(height uint64) (*BlockResponse, error) {
	if s.store == nil {
		return nil, errors.New("rpc: store not available")
	}

	if height == 0 {
		h, err := s.store.GetLatestHeight()
		if err != nil {
			return nil, errors.New("rpc: no blocks available")
		}
		height = h
	}

	block, err := s.store.GetBlockByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("rpc: block at height %d not found", height)
	}

	return blockResponse(height, block), nil
}

// GetBlockByHash retrieves a finalized block by its canonical hash.
func (s *NodeServiceImpl) GetBlockByHash(hash types.Hash) (*BlockResponse, error) {
	if s.store == nil {
		return nil, errors.New("rpc: store not available")
	}
	height, err := s.store.GetHeightByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("rpc: block %s not found", hex.EncodeToString(hash.Bytes()))
	}
	block, err := s.store.GetBlockByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("rpc: block %s not found", hex.EncodeToString(hash.Bytes()))
	}
	return blockResponse(height, block), nil
}

func blockResponse(height uint64, block *types.Block) *BlockResponse {
	resp := &BlockResponse{
		Hash:         hex.EncodeToString(block.Hash().Bytes()),
		Height:       height,
		Round:        uint64(block.Round),
		Epoch:        uint64(block.Epoch),
		Baker:        uint64(block.Baker),
		ParentHash:   hex.EncodeToString(block.ParentHash.Bytes()),
		StateHash:    hex.EncodeToString(block.StateHash.Bytes()),
		Transactions: len(block.Transactions),
	}
	return resp
}

// GetReceipt locates a transaction by hash.
func (s *NodeServiceImpl) GetReceipt(txHash types.Hash) (*ReceiptResponse, error) {
	if s.store == nil {
		return nil, errors.New("rpc: store not available")
	}

	height, txIndex, err := s.store.GetTxLocation(txHash)
	if err != nil {
		return nil, fmt.Errorf("rpc: transaction %s not found", hex.EncodeToString(txHash.Bytes()))
	}

	block, err := s.store.GetBlockByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("rpc: block %d not found", height)
	}

	return &ReceiptResponse{
		BlockHeight: height,
		BlockHash:   hex.EncodeToString(block.Hash().Bytes()),
		TxIndex:     txIndex,
	}, nil
}

// QueryState reads application state at a given key.
func (s *NodeServiceImpl) QueryState(key []byte, prove bool) (*StateResponse, error) {
	if s.store == nil {
		return nil, errors.New("rpc: store not available")
	}
	if len(key) == 0 {
		return nil, errors.New("rpc: key is required")
	}

	value, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("rpc: state query failed: %w", err)
	}

	height, _ := s.store.GetLatestHeight()
	stateRoot := s.store.StateRoot()

	resp := &StateResponse{
		Key:    hex.EncodeToString(key),
		Value:  hex.EncodeToString(value),
		Height: height,
	}

	if prove {
		resp.Proof = &StateProof{
			RootHash: hex.EncodeToString(stateRoot.Bytes()),
			Key:      hex.EncodeToString(key),
			Value:    hex.EncodeToString(value),
		}
	}

	return resp, nil
}

// GetFinalizers returns the genesis finalization committee.
func (s *NodeServiceImpl) GetFinalizers() (*FinalizersResponse, error) {
	if s.committee == nil {
		return nil, errors.New("rpc: finalization committee not available")
	}

	out := make([]FinalizerResponse, len(s.committee.Finalizers))
	for i, f := range s.committee.Finalizers {
		out[i] = FinalizerResponse{
			Index:       uint32(f.Index),
			Baker:       uint64(f.Baker),
			VotingPower: f.VotingPower,
		}
	}

	return &FinalizersResponse{
		Epoch:      uint64(s.committee.Epoch),
		TotalPower: s.committee.TotalPower,
		Finalizers: out,
	}, nil
}
