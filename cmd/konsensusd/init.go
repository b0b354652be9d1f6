package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new Konsensus node",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("chain-id", "konsensus-devnet", "chain ID")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")
	chainID, _ := cmd.Flags().GetString("chain-id")

	// Create home directory structure.
	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
		filepath.Join(homeDir, "wasm"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Generate the node's finalizer key material (Ed25519 + BLS + VRF).
	kf, identity, err := generateNodeKey(1)
	if err != nil {
		return fmt.Errorf("generate node key: %w", err)
	}
	keyPath := filepath.Join(homeDir, "node_key.json")
	if err := writeNodeKeyFile(keyPath, kf); err != nil {
		return err
	}

	// Write default config.
	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.ChainID = chainID
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	// Write a single-finalizer dev genesis seated by this node's key.
	genesisPath := filepath.Join(homeDir, "genesis.json")
	gen := devGenesisDoc(chainID, kf.Baker, identity)
	if err := writeGenesisDoc(genesisPath, gen); err != nil {
		return err
	}

	nodeID := hex.EncodeToString(identity.SignPub[:8])
	fmt.Printf("Initialized Konsensus node\n")
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Node ID:  %s\n", nodeID)
	fmt.Printf("  Chain:    %s\n", chainID)
	fmt.Printf("  Moniker:  %s\n", moniker)
	fmt.Printf("\nStart with: konsensusd start --home %s\n", homeDir)

	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// devGenesisDoc builds a single-finalizer genesis document seated entirely
// by identity, for single-node development use.
func devGenesisDoc(chainID string, baker uint64, identity *consensus.Identity) *config.GenesisDoc {
	return &config.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC(),
		Finalizers: []config.GenesisFinalizer{
			{
				Baker:       baker,
				SignKey:     hex.EncodeToString(identity.SignPub[:]),
				BLSKey:      hex.EncodeToString(identity.BLSPub[:]),
				VRFKey:      hex.EncodeToString(identity.VRFPub[:]),
				VotingPower: 100,
				Name:        "dev",
			},
		},
		ConsensusParams: config.ConsensusParams{
			MaxBlockSize:          2 * 1024 * 1024,
			MaxBlockGas:           100_000_000,
			MaxFinalizers:         1,
			SignatureThresholdNum: 2,
			SignatureThresholdDen: 3,
		},
	}
}

func writeGenesisDoc(path string, gen *config.GenesisDoc) error {
	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	return nil
}
