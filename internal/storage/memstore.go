package storage

import (
	"sync"

	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// memStore is an in-memory Store used by tests and by config.StorageConfig
// {Backend: "memory"} dev deployments: a trivial in-process double for
// every storage-shaped dependency.
type memStore struct {
	mu sync.RWMutex

	byHeight map[uint64]*types.Block
	byHash   map[types.Hash]uint64
	latest   uint64
	hasAny   bool
	lastFE   *types.FinalizationEntry

	txLoc map[types.Hash][2]uint64 // height, index

	kv        map[string][]byte
	stateRoot types.Hash

	roundStatus *types.RoundStatus
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() Store {
	return &memStore{
		byHeight: make(map[uint64]*types.Block),
		byHash:   make(map[types.Hash]uint64),
		txLoc:    make(map[types.Hash][2]uint64),
		kv:       make(map[string][]byte),
	}
}

func (m *memStore) SaveFinalizedBlock(height uint64, block *types.Block, entry *types.FinalizationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHeight[height] = block
	m.byHash[block.Hash()] = height
	if !m.hasAny || height > m.latest {
		m.latest = height
		m.hasAny = true
	}
	if entry != nil {
		m.lastFE = entry
	}
	return nil
}

func (m *memStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byHeight[height]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *memStore) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byHeight[h], nil
}

func (m *memStore) GetHeightByHash(hash types.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byHash[hash]
	if !ok {
		return 0, ErrNotFound
	}
	return h, nil
}

func (m *memStore) GetLatestHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasAny {
		return 0, ErrNotFound
	}
	return m.latest, nil
}

func (m *memStore) GetLatestFinalizationEntry() (*types.FinalizationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastFE == nil {
		return nil, ErrNotFound
	}
	return m.lastFE, nil
}

func (m *memStore) IndexTransactions(height uint64, block *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tx := range block.Transactions {
		m.txLoc[crypto.Sum256(tx)] = [2]uint64{height, uint64(i)}
	}
	return nil
}

func (m *memStore) GetTxLocation(txHash types.Hash) (uint64, uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.txLoc[txHash]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return loc[0], uint32(loc[1]), nil
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.kv[string(key)] = v
	return nil
}

func (m *memStore) StateRoot() types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateRoot
}

func (m *memStore) Commit(newRoot types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateRoot = newRoot
	return nil
}

func (m *memStore) SaveRoundStatus(rs *types.RoundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundStatus = rs
	return nil
}

func (m *memStore) LoadRoundStatus() (*types.RoundStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.roundStatus == nil {
		return nil, ErrNotFound
	}
	return m.roundStatus, nil
}

func (m *memStore) Close() error { return nil }
