package mempool

import (
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
	"go.uber.org/zap"
)

// MempoolTx is a validated transaction awaiting block inclusion.
type MempoolTx struct {
	Hash    types.Hash
	Data    []byte
	Fee     uint64
	Nonce   uint64
	Sender  types.Address
	Size    int
	AddedAt time.Time

	sig     [64]byte
	payload []byte
}

// Mempool is the transaction table: pending transactions keyed by hash,
// ordered for inclusion, with a count of pooled transactions per sender.
// Blocks reap
// from it; finalization removes from it; dying blocks give back to it.
type Mempool struct {
	mu         sync.RWMutex
	txs        *PriorityQueue
	txByHash   map[types.Hash]*MempoolTx
	bySender   map[types.Address]int
	cache      *EvictionCache
	cfg        config.MempoolConfig
	stateStore storage.StateStore
	logger     *zap.Logger
}

// NewMempool creates an empty transaction table.
func NewMempool(cfg config.MempoolConfig, stateStore storage.StateStore, logger *zap.Logger) *Mempool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mempool{
		txs:        NewPriorityQueue(),
		txByHash:   make(map[types.Hash]*MempoolTx),
		bySender:   make(map[types.Address]int),
		cache:      NewEvictionCache(cfg.CacheSize),
		cfg:        cfg,
		stateStore: stateStore,
		logger:     logger,
	}
}

// AddTx validates and admits a transaction: stateless checks first, then
// the duplicate/recently-seen gates, then stateful nonce checks. A full
// pool evicts its cheapest transaction to admit a better-paying one.
func (m *Mempool) AddTx(tx []byte) (types.Hash, error) {
	mtx, err := ValidateStateless(tx, m.cfg)
	if err != nil {
		return types.ZeroHash, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txByHash[mtx.Hash]; exists {
		return mtx.Hash, errors.New("mempool: duplicate transaction")
	}
	if m.cache.Contains(mtx.Hash) {
		return mtx.Hash, errors.New("mempool: transaction recently processed")
	}

	if err := ValidateStateful(mtx, m.stateStore); err != nil {
		return types.ZeroHash, err
	}

	if len(m.txByHash) >= m.cfg.MaxSize {
		lowest := m.txs.LowestFee()
		if lowest == nil || mtx.Fee <= lowest.Fee {
			return types.ZeroHash, errors.New("mempool: full and tx fee too low")
		}
		m.removeTxLocked(lowest.Hash)
		m.cache.Add(lowest.Hash)
	}

	mtx.AddedAt = time.Now()
	m.txByHash[mtx.Hash] = mtx
	m.bySender[mtx.Sender]++
	m.txs.PushTx(mtx)

	m.logger.Debug("transaction admitted",
		zap.String("hash", mtx.Hash.String()),
		zap.Uint64("fee", mtx.Fee),
		zap.Int("pool_size", len(m.txByHash)),
	)
	return mtx.Hash, nil
}

// Reap returns up to maxBytes of transactions in inclusion order, for the
// block-production hook.
func (m *Mempool) Reap(maxBytes int) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.txs.Len() == 0 {
		return nil
	}

	var (
		result    [][]byte
		totalSize int
	)
	for _, tx := range m.txs.All() {
		if totalSize+tx.Size > maxBytes {
			continue
		}
		result = append(result, tx.Data)
		totalSize += tx.Size
	}
	return result
}

// RemoveTxs removes transactions (by hash) that a finalized block carried.
func (m *Mempool) RemoveTxs(txHashes []types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hash := range txHashes {
		m.removeTxLocked(hash)
		m.cache.Add(hash)
	}
}

// RemoveRaw removes transactions given their raw bytes, hashing each; the
// node uses this when a block's transaction list is at hand.
func (m *Mempool) RemoveRaw(raws [][]byte) {
	hashes := make([]types.Hash, len(raws))
	for i, raw := range raws {
		hashes[i] = sha256.Sum256(raw)
	}
	m.RemoveTxs(hashes)
}

// Reinstate gives transactions back to the pool after the block carrying
// them was marked dead. Anything that no longer validates is dropped
// silently; the sender can resubmit.
func (m *Mempool) Reinstate(raws [][]byte) {
	for _, raw := range raws {
		m.cache.Remove(sha256.Sum256(raw))
		if _, err := m.AddTx(raw); err != nil {
			m.logger.Debug("reinstated transaction dropped", zap.Error(err))
		}
	}
}

func (m *Mempool) removeTxLocked(hash types.Hash) {
	mtx, exists := m.txByHash[hash]
	if !exists {
		return
	}
	delete(m.txByHash, hash)
	if m.bySender[mtx.Sender] <= 1 {
		delete(m.bySender, mtx.Sender)
	} else {
		m.bySender[mtx.Sender]--
	}
	m.txs.Remove(hash)
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByHash)
}

// PendingForSender returns how many transactions a sender has pending.
func (m *Mempool) PendingForSender(sender types.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySender[sender]
}

// Flush drops every pending transaction.
func (m *Mempool) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txByHash = make(map[types.Hash]*MempoolTx)
	m.bySender = make(map[types.Address]int)
	m.txs = NewPriorityQueue()
}

// Has reports whether a transaction hash is pending.
func (m *Mempool) Has(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txByHash[hash]
	return ok
}

// Get returns a pending transaction by hash, or nil.
func (m *Mempool) Get(hash types.Hash) *MempoolTx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txByHash[hash]
}
