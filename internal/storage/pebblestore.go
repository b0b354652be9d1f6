package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Key space: one pebble.DB, disjoint key prefixes.
var (
	prefixBlockByHeight = []byte("blk/h/")
	prefixHashToHeight  = []byte("blk/hh/")
	prefixTxLocation    = []byte("blk/tx/")
	prefixAppKV         = []byte("app/kv/")
	keyLatestHeight     = []byte("meta/latest_height")
	keyLatestFinEntry   = []byte("meta/latest_fin_entry")
	keyStateRoot        = []byte("meta/state_root")
	keyRoundStatus      = []byte("meta/round_status")
)

func heightKey(prefix []byte, height uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], height)
	return k
}

func hashKey(prefix []byte, h types.Hash) []byte {
	k := make([]byte, 0, len(prefix)+32)
	k = append(k, prefix...)
	k = append(k, h[:]...)
	return k
}

// pebbleStore is the production Store backing a node's data directory,
// built on cockroachdb/pebble.
type pebbleStore struct {
	db *pebble.DB
}

// OpenStore opens (or creates) the configured storage backend.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemStore(), nil
	case "pebble", "":
		db, err := pebble.Open(cfg.DBPath, &pebble.Options{})
		if err != nil {
			return nil, fmt.Errorf("storage: open pebble db at %s: %w", cfg.DBPath, err)
		}
		return &pebbleStore{db: db}, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func (s *pebbleStore) SaveFinalizedBlock(height uint64, block *types.Block, entry *types.FinalizationEntry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	encoded := EncodeBlock(block)
	if err := batch.Set(heightKey(prefixBlockByHeight, height), encoded, nil); err != nil {
		return err
	}
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := batch.Set(hashKey(prefixHashToHeight, block.Hash()), heightBuf[:], nil); err != nil {
		return err
	}

	latest, err := s.GetLatestHeight()
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == ErrNotFound || height >= latest {
		if err := batch.Set(keyLatestHeight, heightBuf[:], nil); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := batch.Set(keyLatestFinEntry, EncodeFinalizationEntry(entry), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *pebbleStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	v, closer, err := s.db.Get(heightKey(prefixBlockByHeight, height))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return DecodeBlock(v)
}

func (s *pebbleStore) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	v, closer, err := s.db.Get(hashKey(prefixHashToHeight, hash))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	height := binary.BigEndian.Uint64(v)
	closer.Close()
	return s.GetBlockByHeight(height)
}

func (s *pebbleStore) GetHeightByHash(hash types.Hash) (uint64, error) {
	v, closer, err := s.db.Get(hashKey(prefixHashToHeight, hash))
	if err == pebble.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), nil
}

func (s *pebbleStore) GetLatestHeight() (uint64, error) {
	v, closer, err := s.db.Get(keyLatestHeight)
	if err == pebble.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), nil
}

func (s *pebbleStore) GetLatestFinalizationEntry() (*types.FinalizationEntry, error) {
	v, closer, err := s.db.Get(keyLatestFinEntry)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	fe, _, err := DecodeFinalizationEntry(v)
	return fe, err
}

func (s *pebbleStore) IndexTransactions(height uint64, block *types.Block) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for i, tx := range block.Transactions {
		txHash := crypto.Sum256(tx)
		buf := make([]byte, 12)
		binary.BigEndian.PutUint64(buf[:8], height)
		binary.BigEndian.PutUint32(buf[8:], uint32(i))
		if err := batch.Set(hashKey(prefixTxLocation, txHash), buf, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *pebbleStore) GetTxLocation(txHash types.Hash) (uint64, uint32, error) {
	v, closer, err := s.db.Get(hashKey(prefixTxLocation, txHash))
	if err == pebble.ErrNotFound {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v[:8]), binary.BigEndian.Uint32(v[8:]), nil
}

func (s *pebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(append(append([]byte{}, prefixAppKV...), key...))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *pebbleStore) Set(key, value []byte) error {
	return s.db.Set(append(append([]byte{}, prefixAppKV...), key...), value, pebble.Sync)
}

func (s *pebbleStore) StateRoot() types.Hash {
	v, closer, err := s.db.Get(keyStateRoot)
	if err != nil {
		return types.ZeroHash
	}
	defer closer.Close()
	h, _ := types.HashFromBytes(v)
	return h
}

func (s *pebbleStore) Commit(newRoot types.Hash) error {
	return s.db.Set(keyStateRoot, newRoot.Bytes(), pebble.Sync)
}

func (s *pebbleStore) SaveRoundStatus(rs *types.RoundStatus) error {
	return s.db.Set(keyRoundStatus, EncodeRoundStatus(rs), pebble.Sync)
}

func (s *pebbleStore) LoadRoundStatus() (*types.RoundStatus, error) {
	v, closer, err := s.db.Get(keyRoundStatus)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return DecodeRoundStatus(v)
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
