package consensus

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/telemetry"
	"github.com/vantor-labs/konsensus/internal/tree"
	"github.com/vantor-labs/konsensus/internal/types"
)

// quorumRoundPool is the current round's vote accumulator; at most one
// round's worth is kept live at a time.
type quorumRoundPool struct {
	round   types.Round
	signers map[types.FinalizerIndex]*types.QuorumMessage
	byBlock map[types.Hash]*blockAccumulator
}

type blockAccumulator struct {
	weight  uint64
	sigs    [][96]byte
	signers *types.FinalizerSet
	formed  bool
}

// timeoutWindow holds timeout messages for up to two consecutive epochs;
// older messages rotate out.
type timeoutWindow struct {
	have                bool
	firstEpoch          types.Epoch
	firstEpochTimeouts  map[types.FinalizerIndex]*types.TimeoutMessage
	secondEpochTimeouts map[types.FinalizerIndex]*types.TimeoutMessage

	// qcRoundEpoch records, for every QC round witnessed by a stored
	// timeout message, the epoch that round was reported at, so a later
	// message claiming the same QC round under a different epoch is
	// rejected as InvalidQCEpoch.
	qcRoundEpoch map[types.Round]types.Epoch

	// formed guards against building a second TC for the same round.
	formed bool
}

// Engine is the process-wide consensus singleton: it owns the tree-state
// handle, the round status, and the current-round vote pools for its
// entire lifetime.
type Engine struct {
	mu sync.Mutex

	cfg         config.ConsensusConfig
	genesisHash types.Hash

	identity *Identity

	store     storage.Store
	tree      *tree.State
	execution ExecutionAdapter
	transport Transport
	mempool   MempoolSource
	evidence  EvidenceSink
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	committees map[types.Epoch]*types.FinalizationCommittee
	epochNonce map[types.Epoch][]byte

	roundStatus *types.RoundStatus

	quorumPool *quorumRoundPool
	timeouts   *timeoutWindow

	timer      *time.Timer
	shutDown   bool
	onBlock    func(*types.Block)

	// pendingFinalizationEntry is the most recent finalization witness
	// produced locally that no block has embedded yet: makeBlock embeds and
	// clears it the first time it produces a block atop the block it
	// finalizes.
	pendingFinalizationEntry *types.FinalizationEntry

	// lastFinalizingQC is the successor QC that most recently caused a
	// finalization, kept distinct from pendingFinalizationEntry (which is
	// cleared once consumed) so catch-up terminal data can always report
	// the QC that last advanced finality.
	lastFinalizingQC *types.QuorumCertificate

	// suppressMakeBlock holds off makeBlock's automatic invocation from
	// advanceRound while catch-up terminal data is being applied; the
	// deferred leader check runs once, after all four phases.
	suppressMakeBlock bool
}

// Deps bundles the capabilities the engine needs at construction time;
// wiring picks the concrete implementations.
type Deps struct {
	Config      config.ConsensusConfig
	GenesisHash types.Hash
	Identity    *Identity
	Store       storage.Store
	Execution   ExecutionAdapter
	Transport   Transport
	Mempool     MempoolSource
	Evidence    EvidenceSink
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
	Genesis     *types.Block
	GenesisCommittee *types.FinalizationCommittee
}

// NewEngine constructs the engine and its in-memory tree from the genesis
// block and committee, or resumes from a persisted round status if one
// exists in Store.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.GenesisCommittee == nil {
		return nil, fmt.Errorf("consensus: genesis committee is required")
	}

	e := &Engine{
		cfg:         deps.Config,
		genesisHash: deps.GenesisHash,
		identity:    deps.Identity,
		store:       deps.Store,
		execution:   deps.Execution,
		transport:   deps.Transport,
		mempool:     deps.Mempool,
		evidence:    deps.Evidence,
		logger:      deps.Logger.Named("consensus"),
		metrics:     deps.Metrics,
		committees:  map[types.Epoch]*types.FinalizationCommittee{0: deps.GenesisCommittee},
		epochNonce:  map[types.Epoch][]byte{0: deps.GenesisHash.Bytes()},
	}

	e.tree = tree.NewState(deps.Genesis, deps.Store, e.cfg.DeadCacheSize, e.cfg.RecentWindow)

	if deps.Store != nil {
		if rs, err := deps.Store.LoadRoundStatus(); err == nil {
			e.roundStatus = rs
		}
	}
	if e.roundStatus == nil {
		// Round 1 is the first attemptable round: genesis itself occupies
		// round 0, and every other block must exceed its parent QC's round.
		e.roundStatus = &types.RoundStatus{
			CurrentRound:           1,
			CurrentEpoch:           0,
			CurrentTimeoutDuration: e.cfg.TimeoutBase.Duration,
		}
	}
	if e.roundStatus.HighestCertifiedBlock == nil {
		// A synthetic genesis QC so downstream code (timeout messages'
		// embedded "highest known QC") never has to special-case a nil
		// pointer before any real QC has formed.
		e.roundStatus.HighestCertifiedBlock = &types.QuorumCertificate{
			BlockHash: deps.GenesisHash,
			Round:     0,
			Epoch:     0,
		}
	}
	e.resetQuorumPool(e.roundStatus.CurrentRound)

	return e, nil
}

// committeeForEpoch returns the finalization committee governing epoch ep.
func (e *Engine) committeeForEpoch(ep types.Epoch) (*types.FinalizationCommittee, bool) {
	c, ok := e.committees[ep]
	return c, ok
}

// persistRoundStatus writes the round status to stable storage; it must
// complete before any side effect naming the new round may occur.
func (e *Engine) persistRoundStatus() error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRoundStatus(e.roundStatus); err != nil {
		return fmt.Errorf("consensus: persist round status: %w", err)
	}
	e.metrics.RoundStatusPersists.Inc()
	return nil
}

func (e *Engine) resetQuorumPool(round types.Round) {
	e.quorumPool = &quorumRoundPool{
		round:   round,
		signers: make(map[types.FinalizerIndex]*types.QuorumMessage),
		byBlock: make(map[types.Hash]*blockAccumulator),
	}
}

// Start arms the round timer for the engine's current round (whether that
// is the genesis round or one resumed from a persisted round status) and
// produces a block immediately if the local identity is the elected leader
// for it. NewEngine never calls advanceRound itself, so nothing else arms
// the very first timer — a node must call Start once after construction
// and before feeding it any messages.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.armTimer(e.uponTimeoutEvent)

	if !e.suppressMakeBlock {
		round := e.roundStatus.CurrentRound
		if wins, output, proof := e.isLocalLeader(e.roundStatus.CurrentEpoch, round); wins {
			e.makeBlock(round, output, proof)
		}
	}
}

// Shutdown stops processing new messages; outstanding queries are still
// answered.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutDown = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// ShuttingDown reports whether the engine answers queries only.
func (e *Engine) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutDown
}

// leaderElectionAlpha derives the VRF input for round r in epoch ep from
// the epoch's leadership nonce.
func (e *Engine) leaderElectionAlpha(ep types.Epoch, r types.Round) []byte {
	nonce := e.epochNonce[ep]
	buf := make([]byte, 0, len(nonce)+8)
	buf = append(buf, nonce...)
	var rb [8]byte
	for i := 7; i >= 0; i-- {
		rb[i] = byte(r)
		r >>= 8
	}
	buf = append(buf, rb[:]...)
	return buf
}

// isLocalLeader checks whether the local identity wins the VRF lottery for
// (epoch, round), returning the VRF output/proof to embed in the produced
// block when it does.
func (e *Engine) isLocalLeader(ep types.Epoch, r types.Round) (wins bool, output [32]byte, proof crypto.VRFProof) {
	if e.identity == nil {
		return false, output, proof
	}
	committee, ok := e.committeeForEpoch(ep)
	if !ok {
		return false, output, proof
	}
	seat, ok := e.identity.seat(committee)
	if !ok {
		return false, output, proof
	}
	alpha := e.leaderElectionAlpha(ep, r)
	output, proof, err := crypto.VRFProve(e.identity.VRFPriv, alpha)
	if err != nil {
		e.logger.Warn("vrf prove failed", zap.Error(err))
		return false, output, proof
	}
	return crypto.LeaderWins(output, seat.VotingPower, committee.TotalPower), output, proof
}

// armTimer resets the per-round timeout when the local identity is seated
// in the current epoch's committee; observers run no timer.
func (e *Engine) armTimer(onFire func()) {
	if e.timer != nil {
		e.timer.Stop()
	}
	committee, ok := e.committeeForEpoch(e.roundStatus.CurrentEpoch)
	if !ok || e.identity == nil {
		return
	}
	if _, seated := e.identity.seat(committee); !seated {
		return
	}
	e.timer = time.AfterFunc(e.roundStatus.CurrentTimeoutDuration, onFire)
}

// SetTransport wires the broadcast capability after construction. The P2P
// host needs the engine's callbacks to exist before it can be built, so the
// two are connected in this order at node wiring time.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
}

// SetOnBlock installs a hook invoked whenever a block becomes alive in the
// tree.
func (e *Engine) SetOnBlock(f func(*types.Block)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBlock = f
}

// RoundStatus returns a copy of the current persisted round status, for RPC
// and catch-up status summaries.
func (e *Engine) RoundStatus() types.RoundStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.roundStatus
}

// Tree exposes the tree-state handle for the catch-up producer.
func (e *Engine) Tree() *tree.State { return e.tree }

// Store exposes the block store for the catch-up producer's streaming of
// finalized blocks older than the tree's recent window.
func (e *Engine) Store() storage.Store { return e.store }

// RegisterCommittee installs the committee governing a newly-reached epoch.
func (e *Engine) RegisterCommittee(c *types.FinalizationCommittee) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committees[c.Epoch] = c
}
