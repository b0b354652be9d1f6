package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vantor-labs/konsensus/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should be valid: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Moniker != "konsensus-node" {
		t.Errorf("expected moniker 'konsensus-node', got %q", cfg.Moniker)
	}
	if cfg.Consensus.TimeoutBase.Duration != 10*time.Second {
		t.Errorf("expected timeout_base 10s, got %v", cfg.Consensus.TimeoutBase.Duration)
	}
	if cfg.Consensus.SignatureThresholdNum != 2 || cfg.Consensus.SignatureThresholdDen != 3 {
		t.Errorf("expected signature threshold 2/3, got %d/%d",
			cfg.Consensus.SignatureThresholdNum, cfg.Consensus.SignatureThresholdDen)
	}
	if cfg.P2P.MaxPeers != 50 {
		t.Errorf("expected max_peers 50, got %d", cfg.P2P.MaxPeers)
	}
	if cfg.Storage.Backend != "pebble" {
		t.Errorf("expected backend 'pebble', got %q", cfg.Storage.Backend)
	}
	if cfg.RPC.Addr != "0.0.0.0:26657" {
		t.Errorf("expected rpc addr '0.0.0.0:26657', got %q", cfg.RPC.Addr)
	}
}

func TestValidateRejectsEmptyMoniker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Moniker = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject empty moniker")
	}
}

func TestValidateRejectsInvalidBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject invalid storage backend")
	}
}

func TestValidateRejectsZeroTimeoutBase(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Consensus.TimeoutBase = config.Duration{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject zero timeout_base")
	}
}

func TestValidateRejectsZeroSignatureThreshold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Consensus.SignatureThresholdNum = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("should reject zero signature threshold numerator")
	}
}

func TestLoadFileFromTOML(t *testing.T) {
	tomlContent := `
moniker = "my-validator"
chain_id = "konsensus-main"

[consensus]
signature_threshold_num = 2
signature_threshold_den = 3
timeout_base = "5s"
timeout_increase_num = 12
timeout_increase_den = 10
early_block_threshold = "5s"
dead_cache_size = 1024
recent_window = 256
max_block_size = 4194304
max_block_gas = 200000000

[p2p]
listen_addr = "/ip4/0.0.0.0/udp/26656/quic-v1"
max_peers = 100
peer_scoring = true

[mempool]
max_size = 5000
max_tx_bytes = 524288
cache_size = 5000

[storage]
db_path = "data/mystore"
backend = "pebble"

[rpc]
addr = "0.0.0.0:9090"

[execution]
wasm_path = "/opt/konsensus/execution.wasm"
gas_limit = 200000000
fuel_limit = 200000000
max_memory_mb = 512

[telemetry]
enabled = true
addr = "0.0.0.0:9100"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "my-validator" {
		t.Errorf("expected moniker 'my-validator', got %q", cfg.Moniker)
	}
	if cfg.ChainID != "konsensus-main" {
		t.Errorf("expected chain_id 'konsensus-main', got %q", cfg.ChainID)
	}
	if cfg.Consensus.TimeoutBase.Duration != 5*time.Second {
		t.Errorf("expected timeout_base 5s, got %v", cfg.Consensus.TimeoutBase.Duration)
	}
	if cfg.P2P.MaxPeers != 100 {
		t.Errorf("expected max_peers 100, got %d", cfg.P2P.MaxPeers)
	}
	if cfg.Storage.DBPath != "data/mystore" {
		t.Errorf("expected db_path 'data/mystore', got %q", cfg.Storage.DBPath)
	}
	if cfg.RPC.Addr != "0.0.0.0:9090" {
		t.Errorf("expected rpc addr '0.0.0.0:9090', got %q", cfg.RPC.Addr)
	}
	if cfg.Execution.WASMPath != "/opt/konsensus/execution.wasm" {
		t.Errorf("expected wasm_path, got %q", cfg.Execution.WASMPath)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("expected telemetry enabled")
	}
}

func TestLoadFileEnvOverrides(t *testing.T) {
	tomlContent := `
moniker = "original"
chain_id = "test"

[consensus]
signature_threshold_num = 2
signature_threshold_den = 3
timeout_base = "3s"
timeout_increase_num = 12
timeout_increase_den = 10
dead_cache_size = 1024
recent_window = 256
max_block_size = 1048576
max_block_gas = 100000000

[p2p]
listen_addr = "/ip4/0.0.0.0/udp/26656/quic-v1"
max_peers = 50
peer_scoring = true

[storage]
db_path = "data/blockstore"
backend = "pebble"

[rpc]
addr = "0.0.0.0:26657"

[execution]
wasm_path = "test.wasm"
max_memory_mb = 256
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KONSENSUS_MONIKER", "env-override")
	t.Setenv("KONSENSUS_P2P_MAX_PEERS", "200")
	t.Setenv("KONSENSUS_TELEMETRY_ENABLED", "true")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "env-override" {
		t.Errorf("env override failed for moniker: got %q", cfg.Moniker)
	}
	if cfg.P2P.MaxPeers != 200 {
		t.Errorf("env override failed for max_peers: got %d", cfg.P2P.MaxPeers)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("env override failed for telemetry.enabled")
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	_, err := config.LoadFile("/nonexistent/config.toml")
	if err == nil {
		t.Fatal("should reject missing file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("{{invalid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = config.LoadFile(path)
	if err == nil {
		t.Fatal("should reject invalid TOML")
	}
}

// --- Genesis ---

func genesisJSON(t *testing.T, finalizers string) string {
	t.Helper()
	return `{
  "chain_id": "konsensus-test",
  "genesis_time": "2024-01-01T00:00:00Z",
  "finalizers": [` + finalizers + `],
  "app_state_root": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
  "consensus_params": {
    "max_block_size": 2097152,
    "max_block_gas": 100000000,
    "max_finalizers": 100,
    "signature_threshold_num": 2,
    "signature_threshold_den": 3
  }
}`
}

func sampleFinalizer(baker uint64, power uint64, name string) string {
	sign := make([]byte, 32)
	bls := make([]byte, 48)
	vrf := make([]byte, 32)
	for i := range sign {
		sign[i] = byte(baker + 1)
	}
	for i := range bls {
		bls[i] = byte(baker + 2)
	}
	for i := range vrf {
		vrf[i] = byte(baker + 3)
	}
	return `{
		"baker": ` + itoa(baker) + `,
		"sign_key": "` + hex.EncodeToString(sign) + `",
		"bls_key": "` + hex.EncodeToString(bls) + `",
		"vrf_key": "` + hex.EncodeToString(vrf) + `",
		"voting_power": ` + itoa(power) + `,
		"name": "` + name + `"
	}`
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestLoadGenesis(t *testing.T) {
	finalizers := sampleFinalizer(1, 100, "finalizer-1") + "," + sampleFinalizer(2, 200, "finalizer-2")

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON(t, finalizers)), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	if gen.ChainID != "konsensus-test" {
		t.Errorf("expected chain_id 'konsensus-test', got %q", gen.ChainID)
	}
	if len(gen.Finalizers) != 2 {
		t.Fatalf("expected 2 finalizers, got %d", len(gen.Finalizers))
	}
	if gen.Finalizers[0].VotingPower != 100 {
		t.Errorf("expected voting power 100, got %d", gen.Finalizers[0].VotingPower)
	}
}

func TestGenesisToFinalizationCommittee(t *testing.T) {
	finalizers := sampleFinalizer(1, 100, "f1") + "," + sampleFinalizer(2, 200, "f2")

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON(t, finalizers)), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	committee, err := gen.ToFinalizationCommittee()
	if err != nil {
		t.Fatalf("ToFinalizationCommittee: %v", err)
	}

	if len(committee.Finalizers) != 2 {
		t.Fatalf("expected 2 finalizers, got %d", len(committee.Finalizers))
	}
	if committee.TotalPower != 300 {
		t.Fatalf("expected total power 300, got %d", committee.TotalPower)
	}
}

func TestGenesisAppStateRootHash(t *testing.T) {
	finalizers := sampleFinalizer(1, 100, "f1")

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON(t, finalizers)), 0o644); err != nil {
		t.Fatal(err)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	root, err := gen.AppStateRootHash()
	if err != nil {
		t.Fatalf("AppStateRootHash: %v", err)
	}
	if root.IsZero() {
		t.Fatal("app state root should not be zero")
	}
}

func TestGenesisHashIsDeterministicAndChainSpecific(t *testing.T) {
	finalizers := sampleFinalizer(1, 100, "f1")

	dir := t.TempDir()
	pathA := filepath.Join(dir, "genesis-a.json")
	if err := os.WriteFile(pathA, []byte(genesisJSON(t, finalizers)), 0o644); err != nil {
		t.Fatal(err)
	}
	genA, err := config.LoadGenesis(pathA)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	hashA1, err := genA.GenesisHash()
	if err != nil {
		t.Fatalf("GenesisHash: %v", err)
	}
	hashA2, err := genA.GenesisHash()
	if err != nil {
		t.Fatalf("GenesisHash: %v", err)
	}
	if hashA1 != hashA2 {
		t.Fatal("GenesisHash should be deterministic for the same document")
	}

	genB := *genA
	genB.ChainID = "konsensus-test-other"
	hashB, err := genB.GenesisHash()
	if err != nil {
		t.Fatalf("GenesisHash: %v", err)
	}
	if hashB == hashA1 {
		t.Fatal("GenesisHash should differ across chain IDs")
	}
}

func TestGenesisValidateRejectsMissingFile(t *testing.T) {
	_, err := config.LoadGenesis("/nonexistent/genesis.json")
	if err == nil {
		t.Fatal("should reject missing file")
	}
}

func TestGenesisValidateRejectsNoFinalizers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	if err := os.WriteFile(path, []byte(genesisJSON(t, "")), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := config.LoadGenesis(path)
	if err == nil {
		t.Fatal("should reject empty finalizer set")
	}
}
