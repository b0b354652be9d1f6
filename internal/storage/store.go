// Package storage implements the persistent backing for the consensus
// engine: the round-status record, finalized blocks addressed by
// height and by hash, application state, and the transaction-location
// index. The production backend is cockroachdb/pebble; an in-memory double
// serves tests and dev deployments.
package storage

import (
	"errors"

	"github.com/vantor-labs/konsensus/internal/types"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("storage: not found")

// BlockStore persists finalized blocks, addressed by height (primary) and
// by hash (secondary index), plus the "latest finalization entry" pointer.
type BlockStore interface {
	// SaveFinalizedBlock stores a finalized block at its height and
	// indexes its hash. entry is the finalization entry that caused this
	// block to become finalized (nil for genesis).
	SaveFinalizedBlock(height uint64, block *types.Block, entry *types.FinalizationEntry) error

	GetBlockByHeight(height uint64) (*types.Block, error)
	GetBlockByHash(hash types.Hash) (*types.Block, error)
	// GetHeightByHash resolves a finalized block's height from its hash,
	// for catch-up's height-ordered streaming.
	GetHeightByHash(hash types.Hash) (uint64, error)
	GetLatestHeight() (uint64, error)
	GetLatestFinalizationEntry() (*types.FinalizationEntry, error)

	// IndexTransactions records the (height, index) location of every
	// transaction hash in block, so GetTxLocation can answer receipt
	// queries.
	IndexTransactions(height uint64, block *types.Block) error
	GetTxLocation(txHash types.Hash) (height uint64, index uint32, err error)
}

// StateStore is the application key/value state store consulted by the
// execution adapter and mempool nonce checks. Consensus never depends on
// the engine behind it; this small interface is the whole contract.
type StateStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	StateRoot() types.Hash
	Commit(newRoot types.Hash) error
}

// RoundStatusStore persists the single round-status record synchronously;
// the write must land before any side effect derived from the new round is
// released.
type RoundStatusStore interface {
	SaveRoundStatus(rs *types.RoundStatus) error
	LoadRoundStatus() (*types.RoundStatus, error)
}

// Store is the full persistence surface a node wires into the consensus
// engine, mempool, and RPC layer.
type Store interface {
	BlockStore
	StateStore
	RoundStatusStore
	Close() error
}
