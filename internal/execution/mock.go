package execution

import (
	"errors"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/types"
)

var _ consensus.ExecutionAdapter = (*MockExecutor)(nil)

// MockExecutor is a scriptable ExecutionAdapter for tests. Per-round
// results take precedence over the flat NextStateRoot, so a test can walk
// an engine through several rounds with distinct state roots from one
// executor.
type MockExecutor struct {
	// NextStateRoot/NextGasUsed are returned when no per-round script
	// entry matches.
	NextStateRoot types.Hash
	NextGasUsed   uint64

	// RootByRound scripts a specific state root per block round.
	RootByRound map[types.Round]types.Hash

	// ShouldFail makes every call fail with FailError (or a default).
	ShouldFail bool
	FailError  error

	CallCount    int
	LastBlock    *types.Block
	LastPrevRoot types.Hash
}

// NewMockExecutor creates a MockExecutor with default settings.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// ExecuteBlock records the call and returns the scripted result.
func (m *MockExecutor) ExecuteBlock(block *types.Block, prevStateRoot types.Hash) (*consensus.ExecuteResult, error) {
	m.CallCount++
	m.LastBlock = block
	m.LastPrevRoot = prevStateRoot

	if m.ShouldFail {
		if m.FailError != nil {
			return nil, m.FailError
		}
		return nil, errors.New("mock: execution failed")
	}

	root := m.NextStateRoot
	if block != nil {
		if scripted, ok := m.RootByRound[block.Round]; ok {
			root = scripted
		}
	}
	return &consensus.ExecuteResult{StateRoot: root, GasUsed: m.NextGasUsed}, nil
}
