package types

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a Hash in bytes (SHA-256).
const HashSize = 32

// AddressSize is the length of an Address in bytes.
const AddressSize = 32

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// BlockHash names a block by its canonical hash. An alias rather than a
// distinct type so every hash-producing helper in this package serves both.
type BlockHash = Hash

// Address is a 32-byte account identifier, used by the transaction table;
// consensus identifies participants by BakerId and FinalizerIndex instead.
type Address [AddressSize]byte

// ZeroHash is the zero-value hash.
var ZeroHash Hash

// ZeroAddress is the zero-value address.
var ZeroAddress Address

func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) IsZero() bool   { return h == ZeroHash }
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first four bytes in hex, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// MarshalText renders the hash as hex, so JSON responses carry readable
// digests instead of byte arrays.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromBytes builds a Hash from exactly HashSize bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if err := copyExact(h[:], b, "hash"); err != nil {
		return ZeroHash, err
	}
	return h, nil
}

// HashFromHex decodes a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("invalid hex: %w", err)
	}
	return HashFromBytes(b)
}

func (a Address) Bytes() []byte  { return a[:] }
func (a Address) IsZero() bool   { return a == ZeroAddress }
func (a Address) String() string { return hex.EncodeToString(a[:]) }

// MarshalText renders the address as hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a hex-encoded address.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressFromBytes builds an Address from exactly AddressSize bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if err := copyExact(a[:], b, "address"); err != nil {
		return ZeroAddress, err
	}
	return a, nil
}

// AddressFromHex decodes a hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroAddress, fmt.Errorf("invalid hex: %w", err)
	}
	return AddressFromBytes(b)
}

func copyExact(dst, src []byte, what string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("invalid %s length: got %d, want %d", what, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
