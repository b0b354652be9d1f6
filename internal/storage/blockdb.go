package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vantor-labs/konsensus/internal/types"
)

// Block database export/import file format: a variable-length version
// integer (MSB-continuation encoding) followed by one or more sections
// written in strictly non-decreasing genesis index.

// BlockDBVersion is the current block database format version.
const BlockDBVersion = 3

// Section is one export/import section: a contiguous run of blocks sharing
// a genesis hash, plus the trailing finalization record for the section's
// last block (0 or 1 for consensus-v1).
type Section struct {
	GenesisIndex     uint32
	ProtocolVersion  uint64
	GenesisBlockHash types.Hash
	FirstBlockHeight uint64
	Blocks           []*types.Block
	Finalizations    []*types.FinalizationEntry
}

func putVarintMSB(w io.Writer, v uint64) error {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf)
	return err
}

func getVarintMSB(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return v, nil
}

// WriteBlockDB serializes sections to w.
func WriteBlockDB(w io.Writer, sections []Section) error {
	if err := putVarintMSB(w, BlockDBVersion); err != nil {
		return err
	}
	for _, sec := range sections {
		body := new(bytes.Buffer)

		var blocksBuf bytes.Buffer
		for _, blk := range sec.Blocks {
			encoded := EncodeBlock(blk)
			var lenBuf [8]byte
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(encoded)))
			blocksBuf.Write(lenBuf[:])
			blocksBuf.Write(encoded)
		}

		var finBuf bytes.Buffer
		for _, fe := range sec.Finalizations {
			encoded := EncodeFinalizationEntry(fe)
			var lenBuf [8]byte
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(encoded)))
			finBuf.Write(lenBuf[:])
			finBuf.Write(encoded)
		}

		var hdr bytes.Buffer
		writeU32(&hdr, sec.GenesisIndex)
		writeU64(&hdr, sec.ProtocolVersion)
		hdr.Write(sec.GenesisBlockHash[:])
		writeU64(&hdr, sec.FirstBlockHeight)
		writeU64(&hdr, uint64(len(sec.Blocks)))
		writeU64(&hdr, uint64(blocksBuf.Len()))
		writeU64(&hdr, uint64(len(sec.Finalizations)))

		// sectionLength includes the 8-byte length prefix itself.
		sectionLength := uint64(8 + hdr.Len() + blocksBuf.Len() + finBuf.Len())
		writeU64(body, sectionLength)
		body.Write(hdr.Bytes())
		body.Write(blocksBuf.Bytes())
		body.Write(finBuf.Bytes())

		if _, err := w.Write(body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlockDB parses sections from r, enforcing strictly ascending block
// round within a section (blocks carry no height; round rises with height
// along a chain) and non-decreasing genesis index across sections.
func ReadBlockDB(r *bytes.Reader) ([]Section, error) {
	version, err := getVarintMSB(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read block db version: %w", err)
	}
	if version != BlockDBVersion {
		return nil, fmt.Errorf("storage: unsupported block db version %d", version)
	}

	var sections []Section
	var lastGenesisIndex uint32
	first := true
	for r.Len() > 0 {
		sectionLength, err := readU64(r)
		if err != nil {
			return nil, err
		}
		genesisIndex, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if !first && genesisIndex < lastGenesisIndex {
			return nil, fmt.Errorf("storage: genesis index decreased across sections")
		}
		lastGenesisIndex = genesisIndex
		first = false

		protocolVersion, err := readU64(r)
		if err != nil {
			return nil, err
		}
		var genesisHash types.Hash
		if _, err := io.ReadFull(r, genesisHash[:]); err != nil {
			return nil, err
		}
		firstHeight, err := readU64(r)
		if err != nil {
			return nil, err
		}
		blockCount, err := readU64(r)
		if err != nil {
			return nil, err
		}
		if _, err := readU64(r); err != nil { // blocksLength, unused on read
			return nil, err
		}
		finCount, err := readU64(r)
		if err != nil {
			return nil, err
		}

		sec := Section{
			GenesisIndex:     genesisIndex,
			ProtocolVersion:  protocolVersion,
			GenesisBlockHash: genesisHash,
			FirstBlockHeight: firstHeight,
		}

		var lastRound types.Round
		haveLast := false
		for i := uint64(0); i < blockCount; i++ {
			blen, err := readU64(r)
			if err != nil {
				return nil, err
			}
			raw := make([]byte, blen)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			blk, err := DecodeBlock(raw)
			if err != nil {
				return nil, err
			}
			if haveLast && blk.Round <= lastRound {
				return nil, fmt.Errorf("storage: block db section not in strictly ascending height order")
			}
			lastRound = blk.Round
			haveLast = true
			sec.Blocks = append(sec.Blocks, blk)
		}

		for i := uint64(0); i < finCount; i++ {
			flen, err := readU64(r)
			if err != nil {
				return nil, err
			}
			raw := make([]byte, flen)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			fe, _, err := DecodeFinalizationEntry(raw)
			if err != nil {
				return nil, err
			}
			sec.Finalizations = append(sec.Finalizations, fe)
		}

		sections = append(sections, sec)
		_ = sectionLength // trusted but not re-validated byte-for-byte here
	}
	return sections, nil
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
