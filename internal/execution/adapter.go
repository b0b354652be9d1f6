package execution

import (
	"errors"
	"fmt"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
	"go.uber.org/zap"
)

// Compile-time check that WASMAdapter implements consensus.ExecutionAdapter.
var _ consensus.ExecutionAdapter = (*WASMAdapter)(nil)

// WASMAdapter implements consensus.ExecutionAdapter over the Sandbox: a
// compiled WASM artifact executed per block under fuel metering, or the
// deterministic native executor when no artifact is configured. Either
// way the consensus core only sees f(prev_state_root, block) -> new root.
type WASMAdapter struct {
	sandbox    *Sandbox
	cfg        config.ExecutionConfig
	stateStore storage.StateStore
	logger     *zap.Logger
}

// NewWASMAdapter creates a new WASM execution adapter.
// It loads the WASM module from the configured path.
func NewWASMAdapter(cfg config.ExecutionConfig, stateStore storage.StateStore, logger *zap.Logger) (*WASMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sandbox, err := NewSandbox(cfg)
	if err != nil {
		return nil, fmt.Errorf("execution: create sandbox: %w", err)
	}

	return &WASMAdapter{
		sandbox:    sandbox,
		cfg:        cfg,
		stateStore: stateStore,
		logger:     logger,
	}, nil
}

// ExecuteBlock executes a block in the sandbox and returns the resulting
// state root and gas used.
func (w *WASMAdapter) ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*consensus.ExecuteResult, error) {
	if block == nil {
		return nil, errors.New("execution: nil block")
	}

	w.logger.Debug("executing block",
		zap.Uint64("round", uint64(block.Round)),
		zap.Int("tx_count", len(block.Transactions)),
	)

	result, err := w.sandbox.Execute(block, prevStateRoot, w.stateStore)
	if err != nil {
		return nil, fmt.Errorf("execution: round %d: %w", block.Round, err)
	}

	w.logger.Debug("block executed",
		zap.Uint64("round", uint64(block.Round)),
		zap.Uint64("gas_used", result.GasUsed),
		zap.String("state_root", result.StateRoot.String()),
	)

	return result, nil
}

// Close releases the WASM engine and module.
func (w *WASMAdapter) Close() error {
	if w.sandbox != nil {
		return w.sandbox.Close()
	}
	return nil
}
