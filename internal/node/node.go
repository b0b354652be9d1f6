package node

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/admin"
	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/execution"
	"github.com/vantor-labs/konsensus/internal/mempool"
	"github.com/vantor-labs/konsensus/internal/rpc"
	"github.com/vantor-labs/konsensus/internal/storage"
	bsync "github.com/vantor-labs/konsensus/internal/sync"
	"github.com/vantor-labs/konsensus/internal/telemetry"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Node is the top-level process that owns and manages all subsystems.
type Node struct {
	cfg      *config.Config
	identity *consensus.Identity
	genesis  *config.GenesisDoc

	// Subsystems.
	store       storage.Store
	mempool     *mempool.Mempool
	executor    consensus.ExecutionAdapter
	engine      *consensus.Engine
	syncer      *bsync.BlockSyncer
	rpcServer   *rpc.Server
	metrics     *telemetry.Metrics
	metricsSrv  *telemetry.MetricsServer
	adminServer *admin.Server

	svcMgr *ServiceManager
	logger *zap.Logger
	done   chan struct{}
}

// NewNode creates and wires all subsystems without starting them. identity
// may be nil for an observer node that never signs quorum/timeout messages
// or produces blocks.
func NewNode(
	cfg *config.Config,
	identity *consensus.Identity,
	genesis *config.GenesisDoc,
	logger *zap.Logger,
) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nodeID := nodeIDFromIdentity(identity)
	logger = logger.With(zap.String("node_id", nodeID))

	genesisHash, err := genesis.GenesisHash()
	if err != nil {
		return nil, fmt.Errorf("node: derive genesis hash: %w", err)
	}
	committee, err := genesis.ToFinalizationCommittee()
	if err != nil {
		return nil, fmt.Errorf("node: build genesis committee: %w", err)
	}
	appStateRoot, err := genesis.AppStateRootHash()
	if err != nil {
		return nil, fmt.Errorf("node: app state root: %w", err)
	}

	// 1. Storage.
	store, err := storage.OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	// 2. Execution adapter. NewWASMAdapter falls back to native execution
	// if no WASM artifact is found.
	wasmAdapter, err := execution.NewWASMAdapter(cfg.Execution, store, logger.Named("execution"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create execution adapter: %w", err)
	}
	var executor consensus.ExecutionAdapter = wasmAdapter

	// 3. Mempool.
	mp := mempool.NewMempool(cfg.Mempool, store, logger.Named("mempool"))

	// 4. Metrics.
	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("konsensus")
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}

	// 5. Consensus engine. Transport is nil here: internal/p2p's gossip
	// layer is wired in by the caller via SetTransport once the P2P host
	// is constructed, matching how the syncer's Peer is wired separately.
	engine, err := consensus.NewEngine(consensus.Deps{
		Config:           cfg.Consensus,
		GenesisHash:      genesisHash,
		Identity:         identity,
		Store:            store,
		Execution:        executor,
		Mempool:          mp,
		Logger:           logger.Named("consensus"),
		Metrics:          metrics,
		Genesis:          types.GenesisBlock(genesisHash, appStateRoot),
		GenesisCommittee: committee,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create consensus engine: %w", err)
	}

	// 6. Block syncer (no peer wired here; see SetSyncPeer).
	syncer := bsync.NewBlockSyncer(engine, nil, logger.Named("sync"))

	// 7. RPC server.
	rpcServer := rpc.NewServer(cfg.RPC, logger.Named("rpc"))
	nodeSvc := rpc.NewNodeService(rpc.NodeServiceConfig{
		Store:     store,
		Mempool:   mp,
		Consensus: engine,
		Syncer:    syncer,
		Committee: committee,
		NodeID:    nodeID,
		Moniker:   cfg.Moniker,
		ChainID:   cfg.ChainID,
		Logger:    logger.Named("rpc"),
	})
	rpcServer.RegisterNodeService(nodeSvc)

	// 8. Admin server.
	adminSrv := admin.NewServer("127.0.0.1:26661", engine, mp, syncer, logger.Named("admin"))

	svcMgr := NewServiceManager(logger)
	svcMgr.Add(rpcServer)
	svcMgr.Add(adminSrv)

	// 9. gRPC health endpoint, reporting NOT_SERVING while catching up.
	if cfg.RPC.GRPCAddr != "" {
		grpcSrv := rpc.NewGRPCServer(cfg.RPC.GRPCAddr, syncer.IsSynced, logger.Named("grpc"))
		svcMgr.Add(grpcSrv)
	}

	return &Node{
		cfg:         cfg,
		identity:    identity,
		genesis:     genesis,
		store:       store,
		mempool:     mp,
		executor:    executor,
		engine:      engine,
		syncer:      syncer,
		rpcServer:   rpcServer,
		metrics:     metrics,
		metricsSrv:  metricsSrv,
		adminServer: adminSrv,
		svcMgr:      svcMgr,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Start boots all subsystems in dependency order. The consensus engine
// itself has no ctx-scoped run loop (it is a single-threaded cooperative
// core driven by callbacks, not a goroutine); Start only arms its round
// timer and produces a block if locally leading the current round.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("node starting",
		zap.String("moniker", n.cfg.Moniker),
		zap.String("chain_id", n.cfg.ChainID),
	)

	n.engine.Start()

	if err := n.svcMgr.StartAll(ctx); err != nil {
		n.engine.Shutdown()
		return fmt.Errorf("node: start services: %w", err)
	}

	if n.metricsSrv != nil {
		go n.metricsSrv.Start()
	}

	n.logger.Info("node started successfully", zap.String("rpc_addr", n.rpcServer.Addr()))
	return nil
}

// Stop gracefully shuts down all subsystems in reverse order.
func (n *Node) Stop() error {
	n.logger.Info("node stopping")

	if err := n.svcMgr.StopAll(); err != nil {
		n.logger.Warn("service shutdown reported errors", zap.Error(err))
	}

	if n.metricsSrv != nil {
		n.metricsSrv.Stop()
	}

	if n.engine != nil {
		n.engine.Shutdown()
	}

	if closer, ok := n.executor.(interface{ Close() error }); ok {
		closer.Close()
	}

	n.logger.Info("node stopped")
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return nil
}

// Store returns the node's storage (for testing).
func (n *Node) Store() storage.Store {
	return n.store
}

// Engine returns the consensus engine (for testing).
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

// RPCServer returns the RPC server (for testing).
func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

// SetSyncPeer wires a remote peer into the block syncer once the P2P
// transport has resolved one; before this is called Run always reports
// already caught up.
func (n *Node) SetSyncPeer(peer bsync.Peer) {
	n.syncer.SetPeer(peer)
}

func nodeIDFromIdentity(identity *consensus.Identity) string {
	if identity == nil {
		return "observer"
	}
	var buf [8]byte
	baker := uint64(identity.Baker)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(baker)
		baker >>= 8
	}
	return hex.EncodeToString(buf[:])
}
