package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/crypto"
	"github.com/vantor-labs/konsensus/internal/types"
	"github.com/spf13/cobra"
)

// nodeKeyFile is the on-disk encoding of a finalizer's full key material:
// the Ed25519 envelope key timeout messages and blocks are signed with,
// the BLS12-381 key quorum/timeout payloads are aggregate-signed with, and
// the VRF key leader election is decided with. BLS keys are
// stored as the 32-byte seed passed to blst.KeyGen rather than a serialized
// secret key, since crypto.BLSKeyFromSeed rederives the same keypair from it.
type nodeKeyFile struct {
	Baker   uint64 `json:"baker"`
	SignKey string `json:"sign_priv"` // hex, 64-byte Ed25519 private key
	BLSSeed string `json:"bls_seed"`  // hex, 32-byte BLS keygen seed
	VRFKey  string `json:"vrf_priv"`  // hex, 32-byte VRF private scalar
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key management commands",
	}

	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysShowCmd())

	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new finalizer keypair (Ed25519 + BLS + VRF)",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			baker, _ := cmd.Flags().GetUint64("baker")

			kf, identity, err := generateNodeKey(baker)
			if err != nil {
				return err
			}

			if output != "" {
				if err := writeNodeKeyFile(output, kf); err != nil {
					return err
				}
				fmt.Printf("Key saved to %s\n", output)
			}

			printIdentitySummary(kf, identity)
			return nil
		},
	}

	cmd.Flags().String("output", "", "file path to save the key (JSON format)")
	cmd.Flags().Uint64("baker", 1, "persistent baker identity for this key")

	return cmd
}

func keysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show node key information",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			keyPath := filepath.Join(homeDir, "node_key.json")

			kf, err := readNodeKeyFile(keyPath)
			if err != nil {
				return err
			}
			identity, err := identityFromKeyFile(kf)
			if err != nil {
				return err
			}

			printIdentitySummary(kf, identity)
			return nil
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}

// generateNodeKey creates fresh Ed25519/BLS/VRF key material for baker.
func generateNodeKey(baker uint64) (*nodeKeyFile, *consensus.Identity, error) {
	_, signPriv, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	_, _, blsSeed, err := crypto.GenerateBLSKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate bls key: %w", err)
	}
	_, vrfPriv, err := crypto.VRFKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate vrf key: %w", err)
	}

	kf := &nodeKeyFile{
		Baker:   baker,
		SignKey: hex.EncodeToString(signPriv),
		BLSSeed: hex.EncodeToString(blsSeed[:]),
		VRFKey:  hex.EncodeToString(vrfPriv[:]),
	}

	identity, err := identityFromKeyFile(kf)
	if err != nil {
		return nil, nil, err
	}

	return kf, identity, nil
}

func writeNodeKeyFile(path string, kf *nodeKeyFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}
	return nil
}

func readNodeKeyFile(path string) (*nodeKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}
	var kf nodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}
	return &kf, nil
}

// identityFromKeyFile rederives the full consensus.Identity (including
// public keys) from the persisted private key material.
func identityFromKeyFile(kf *nodeKeyFile) (*consensus.Identity, error) {
	signPrivBytes, err := hex.DecodeString(kf.SignKey)
	if err != nil {
		return nil, fmt.Errorf("node key: invalid sign_priv: %w", err)
	}
	signPriv := crypto.PrivateKey(signPrivBytes)
	signPub := signPriv.Public().(crypto.PublicKey)

	blsSeedBytes, err := hex.DecodeString(kf.BLSSeed)
	if err != nil || len(blsSeedBytes) != 32 {
		return nil, fmt.Errorf("node key: invalid bls_seed")
	}
	var blsSeed [32]byte
	copy(blsSeed[:], blsSeedBytes)
	blsPub, blsPriv := crypto.BLSKeyFromSeed(blsSeed)

	vrfPrivBytes, err := hex.DecodeString(kf.VRFKey)
	if err != nil || len(vrfPrivBytes) != 32 {
		return nil, fmt.Errorf("node key: invalid vrf_priv")
	}
	var vrfPriv [32]byte
	copy(vrfPriv[:], vrfPrivBytes)
	vrfPub, err := crypto.VRFPublicFromPrivate(vrfPriv)
	if err != nil {
		return nil, fmt.Errorf("node key: derive vrf public key: %w", err)
	}

	identity := &consensus.Identity{
		Baker:    types.BakerId(kf.Baker),
		SignPriv: signPriv,
		BLSPriv:  blsPriv,
		BLSPub:   blsPub,
		VRFPriv:  vrfPriv,
		VRFPub:   vrfPub,
	}
	copy(identity.SignPub[:], signPub)
	return identity, nil
}

func printIdentitySummary(kf *nodeKeyFile, identity *consensus.Identity) {
	fmt.Printf("Baker ID:    %d\n", kf.Baker)
	fmt.Printf("Sign Key:    %s\n", hex.EncodeToString(identity.SignPub[:]))
	fmt.Printf("BLS Key:     %s\n", hex.EncodeToString(identity.BLSPub[:]))
	fmt.Printf("VRF Key:     %s\n", hex.EncodeToString(identity.VRFPub[:]))
}
