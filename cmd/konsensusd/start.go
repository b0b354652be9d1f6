package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/node"
	"github.com/vantor-labs/konsensus/internal/p2p"
	"github.com/vantor-labs/konsensus/internal/telemetry"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/genesis.json)")
	cmd.Flags().String("log-level", "development", "log level: development or production")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")

	// Setup logger.
	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Load config.
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Resolve paths relative to home dir.
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(homeDir, cfg.Storage.DBPath)
	}
	if !filepath.IsAbs(cfg.Execution.WASMPath) {
		cfg.Execution.WASMPath = filepath.Join(homeDir, cfg.Execution.WASMPath)
	}

	// Load this node's finalizer identity (Ed25519 + BLS + VRF key material).
	kf, err := readNodeKeyFile(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	identity, err := identityFromKeyFile(kf)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}

	// Load the genesis finalization committee.
	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = filepath.Join(homeDir, "genesis.json")
	}
	gen, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	// Create and start node.
	n, err := node.NewNode(cfg, identity, gen, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	// Handle OS signals for graceful shutdown.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	// Network: gossip transport, catch-up streams, and the message pump.
	// The libp2p identity reuses the finalizer's Ed25519 signing key.
	host, err := p2p.NewHost(ctx, p2p.HostConfig{
		PrivateKey: identity.SignPriv,
		ListenAddr: cfg.P2P.ListenAddr,
		MaxPeers:   cfg.P2P.MaxPeers,
		Seeds:      cfg.P2P.Seeds,
		Logger:     logger.Named("p2p"),
	})
	if err != nil {
		n.Stop()
		return fmt.Errorf("create p2p host: %w", err)
	}
	if err := host.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start p2p host: %w", err)
	}
	defer host.Stop()

	transport := p2p.NewP2PTransport(host, logger.Named("transport"))
	if err := transport.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start transport: %w", err)
	}
	defer transport.Stop()

	// The first configured seed doubles as the catch-up peer; wire it in
	// before the pump starts reading the syncer.
	if seeds, err := p2p.ParseSeedAddrs(cfg.P2P.Seeds); err == nil && len(seeds) > 0 {
		n.SetSyncPeer(p2p.NewRemoteCatchUpPeer(host, n.Engine(), seeds[0].ID))
	}

	n.WireNetwork(ctx, host, transport)

	fmt.Println("Konsensus node started. Press Ctrl+C to stop.")

	// Wait for shutdown signal.
	<-ctx.Done()
	fmt.Println("\nShutdown signal received...")

	return n.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Use defaults.
			return config.DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
