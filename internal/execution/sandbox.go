package execution

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v29"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Sandbox wraps WASM execution of a block's transaction list against the
// state hash claimed by its parent. When a compiled WASM artifact is
// configured, it is instantiated per block under fuel metering. Otherwise
// the sandbox falls back to a deterministic Go-native executor, so a node
// can run without a runtime artifact present.
type Sandbox struct {
	cfg    config.ExecutionConfig
	engine *wasmtime.Engine
	module *wasmtime.Module // nil if no artifact configured
}

// Guest ABI. The module must export a linear memory "memory" plus:
//
//	konsensus_alloc(size: i32) -> i32
//	konsensus_execute(ptr: i32, len: i32) -> i32
//
// The request is encodeExecRequest's layout; konsensus_execute returns a
// pointer to a 41-byte response: status(u8) | gas_used(u64 BE) |
// state_root(32). Host state access is provided as konsensus.state_set.
const (
	guestAlloc   = "konsensus_alloc"
	guestExecute = "konsensus_execute"

	responseSize = 1 + 8 + 32
)

// NewSandbox compiles the configured WASM artifact, if any, and returns a
// Sandbox ready to execute blocks. A missing artifact is not an error: the
// sandbox drops to the native executor so a node can run without one.
func NewSandbox(cfg config.ExecutionConfig) (*Sandbox, error) {
	s := &Sandbox{cfg: cfg}

	if cfg.WASMPath != "" {
		data, err := os.ReadFile(cfg.WASMPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("execution: read wasm: %w", err)
			}
			return s, nil
		}

		engineCfg := wasmtime.NewConfig()
		engineCfg.SetConsumeFuel(true)
		s.engine = wasmtime.NewEngineWithConfig(engineCfg)
		module, err := wasmtime.NewModule(s.engine, data)
		if err != nil {
			return nil, fmt.Errorf("execution: compile wasm: %w", err)
		}
		s.module = module
	}

	return s, nil
}

// Execute applies block.Transactions on top of prevStateRoot. A state-hash
// mismatch against the block's claimed hash is the caller's check; this
// only computes the result.
func (s *Sandbox) Execute(block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (*consensus.ExecuteResult, error) {
	if s.module != nil {
		return s.executeWASM(block, prevStateRoot, stateStore)
	}
	return s.executeNative(block, prevStateRoot, stateStore)
}

// executeWASM instantiates the compiled module for one block and runs the
// guest ABI under the configured fuel limit. Instantiation per block keeps
// guest state from leaking across blocks; the engine's compiled code is
// shared.
func (s *Sandbox) executeWASM(block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (*consensus.ExecuteResult, error) {
	store := wasmtime.NewStore(s.engine)
	fuel := s.cfg.FuelLimit
	if fuel == 0 {
		fuel = 1 << 32
	}
	if err := store.SetFuel(fuel); err != nil {
		return nil, fmt.Errorf("execution: set fuel: %w", err)
	}

	linker := wasmtime.NewLinker(s.engine)
	if err := linker.DefineFunc(store, "konsensus", "state_set",
		func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valLen int32) int32 {
			if stateStore == nil {
				return 0
			}
			mem := caller.GetExport("memory").Memory()
			if mem == nil {
				return 1
			}
			data := mem.UnsafeData(store)
			if int(keyPtr)+int(keyLen) > len(data) || int(valPtr)+int(valLen) > len(data) {
				return 1
			}
			key := append([]byte(nil), data[keyPtr:keyPtr+keyLen]...)
			val := append([]byte(nil), data[valPtr:valPtr+valLen]...)
			if err := stateStore.Set(key, val); err != nil {
				return 1
			}
			return 0
		}); err != nil {
		return nil, fmt.Errorf("execution: define state_set: %w", err)
	}

	instance, err := linker.Instantiate(store, s.module)
	if err != nil {
		return nil, fmt.Errorf("execution: instantiate: %w", err)
	}

	memExtern := instance.GetExport(store, "memory")
	if memExtern == nil || memExtern.Memory() == nil {
		return nil, errors.New("execution: guest exports no memory")
	}
	mem := memExtern.Memory()

	alloc := instance.GetFunc(store, guestAlloc)
	execFn := instance.GetFunc(store, guestExecute)
	if alloc == nil || execFn == nil {
		return nil, fmt.Errorf("execution: guest missing %s/%s", guestAlloc, guestExecute)
	}

	req := encodeExecRequest(block, prevStateRoot)
	ptrVal, err := alloc.Call(store, int32(len(req)))
	if err != nil {
		return nil, fmt.Errorf("execution: guest alloc: %w", err)
	}
	reqPtr, ok := ptrVal.(int32)
	if !ok || reqPtr < 0 {
		return nil, errors.New("execution: guest alloc returned a bad pointer")
	}
	data := mem.UnsafeData(store)
	if int(reqPtr)+len(req) > len(data) {
		return nil, errors.New("execution: guest alloc out of bounds")
	}
	copy(data[reqPtr:], req)

	retVal, err := execFn.Call(store, reqPtr, int32(len(req)))
	if err != nil {
		return nil, fmt.Errorf("execution: guest execute: %w", err)
	}
	respPtr, ok := retVal.(int32)
	if !ok || respPtr < 0 {
		return nil, errors.New("execution: guest execute returned a bad pointer")
	}

	data = mem.UnsafeData(store)
	if int(respPtr)+responseSize > len(data) {
		return nil, errors.New("execution: guest response out of bounds")
	}
	resp := data[respPtr : respPtr+responseSize]
	if resp[0] != 0 {
		return nil, fmt.Errorf("execution: guest rejected block: status %d", resp[0])
	}
	gasUsed := binary.BigEndian.Uint64(resp[1:9])
	var root types.Hash
	copy(root[:], resp[9:41])

	return &consensus.ExecuteResult{StateRoot: root, GasUsed: gasUsed}, nil
}

// encodeExecRequest lays out the execution request for the guest:
// prev_root(32) | round(u64) | epoch(u64) | tx_count(u32) |
// {tx_len(u32) | tx_bytes}*.
func encodeExecRequest(block *types.Block, prevStateRoot types.Hash) []byte {
	size := 32 + 8 + 8 + 4
	for _, tx := range block.Transactions {
		size += 4 + len(tx)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prevStateRoot[:]...)
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(block.Round))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(block.Epoch))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(block.Transactions)))
	buf = append(buf, hdr[:]...)
	for _, tx := range block.Transactions {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(tx)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, tx...)
	}
	return buf
}

// executeNative is the deterministic fallback executor: it has no WASM
// runtime underneath it, so every write it makes is derived only from
// block fields a verifier could also recompute, keeping the result
// reproducible across nodes without requiring bit-identical WASM fuel
// accounting.
func (s *Sandbox) executeNative(block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (*consensus.ExecuteResult, error) {
	var gasUsed uint64
	writes := make(map[string][]byte, len(block.Transactions))

	for i, tx := range block.Transactions {
		txGas := uint64(21000) + uint64(len(tx))*16
		gasUsed += txGas
		if s.cfg.GasLimit > 0 && gasUsed > s.cfg.GasLimit {
			return nil, fmt.Errorf("execution: round %d: gas limit exceeded: %d > %d", block.Round, gasUsed, s.cfg.GasLimit)
		}

		key := txSlotKey(block.Round, uint32(i), tx)
		writes[string(key[:])] = tx
	}

	if stateStore != nil {
		for k, v := range writes {
			if err := stateStore.Set([]byte(k), v); err != nil {
				return nil, fmt.Errorf("execution: apply write: %w", err)
			}
		}
	}

	newRoot := deriveStateRoot(prevStateRoot, block)

	if stateStore != nil {
		if err := stateStore.Commit(newRoot); err != nil {
			return nil, fmt.Errorf("execution: commit state root: %w", err)
		}
	}

	return &consensus.ExecuteResult{
		StateRoot: newRoot,
		GasUsed:   gasUsed,
	}, nil
}

// txSlotKey binds a transaction's storage key to the round and its index
// within the block, not just its own bytes, so identical transaction bytes
// replayed in two different blocks never collide in stateStore.
func txSlotKey(round types.Round, index uint32, tx []byte) [32]byte {
	var prefix [12]byte
	binary.BigEndian.PutUint64(prefix[0:8], uint64(round))
	binary.BigEndian.PutUint32(prefix[8:12], index)
	h := sha256.New()
	h.Write(prefix[:])
	h.Write(tx)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveStateRoot folds the previous root with the block's round, epoch,
// baker, and an order-independent digest of its transactions, so two
// blocks carrying the same transaction set in the same slot but from a
// different baker or epoch never collide on the claimed state hash. A block
// with no transactions leaves the previous root unchanged.
func deriveStateRoot(prevRoot types.Hash, block *types.Block) types.Hash {
	txs := block.Transactions
	if len(txs) == 0 {
		return prevRoot
	}

	txHashes := make([][32]byte, len(txs))
	for i, tx := range txs {
		txHashes[i] = sha256.Sum256(tx)
	}
	sort.Slice(txHashes, func(i, j int) bool {
		return bytesLess(txHashes[i][:], txHashes[j][:])
	})

	buf := make([]byte, 0, 32+8+8+8+32*len(txHashes))
	buf = append(buf, prevRoot[:]...)
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(block.Round))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(block.Epoch))
	binary.BigEndian.PutUint64(hdr[16:24], uint64(len(txHashes)))
	buf = append(buf, hdr[:]...)
	var bakerBuf [8]byte
	binary.BigEndian.PutUint64(bakerBuf[:], uint64(block.Baker))
	buf = append(buf, bakerBuf[:]...)
	for _, h := range txHashes {
		buf = append(buf, h[:]...)
	}

	return sha256.Sum256(buf)
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Close releases the compiled module and engine.
func (s *Sandbox) Close() error {
	s.module = nil
	s.engine = nil
	return nil
}
