package storage

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vantor-labs/konsensus/internal/types"
)

// IndexChunk is one `<filename>,<genesisIndex>,<firstHeight>,<lastHeight>`
// line under a `blocks.idx` genesis-hash section.
type IndexChunk struct {
	Filename     string
	GenesisIndex uint32
	FirstHeight  uint64
	LastHeight   uint64
}

// IndexSection groups the chunks recorded under one genesis hash header.
type IndexSection struct {
	GenesisHash types.Hash
	Chunks      []IndexChunk
}

// WriteIndex writes the blocks.idx line-oriented text format.
func WriteIndex(w io.Writer, sections []IndexSection) error {
	bw := bufio.NewWriter(w)
	for _, sec := range sections {
		if _, err := fmt.Fprintf(bw, "# genesis hash %s\n", hex.EncodeToString(sec.GenesisHash[:])); err != nil {
			return err
		}
		for _, c := range sec.Chunks {
			if _, err := fmt.Fprintf(bw, "%s,%d,%d,%d\n", c.Filename, c.GenesisIndex, c.FirstHeight, c.LastHeight); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadIndex parses blocks.idx, merging consecutive sections that share a
// genesis hash.
func ReadIndex(r io.Reader) ([]IndexSection, error) {
	scanner := bufio.NewScanner(r)
	var sections []IndexSection
	var current *IndexSection

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# genesis hash ") {
			hexHash := strings.TrimPrefix(line, "# genesis hash ")
			hash, err := types.HashFromHex(hexHash)
			if err != nil {
				return nil, fmt.Errorf("storage: parse blocks.idx header: %w", err)
			}
			if current != nil && current.GenesisHash == hash {
				// Merge into the existing section for this genesis hash.
				continue
			}
			sections = append(sections, IndexSection{GenesisHash: hash})
			current = &sections[len(sections)-1]
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("storage: blocks.idx chunk line before any header")
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("storage: malformed blocks.idx chunk line %q", line)
		}
		genesisIndex, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("storage: malformed genesis index in %q: %w", line, err)
		}
		firstHeight, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("storage: malformed first height in %q: %w", line, err)
		}
		lastHeight, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("storage: malformed last height in %q: %w", line, err)
		}
		current.Chunks = append(current.Chunks, IndexChunk{
			Filename:     parts[0],
			GenesisIndex: uint32(genesisIndex),
			FirstHeight:  firstHeight,
			LastHeight:   lastHeight,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mergeConsecutiveSections(sections), nil
}

// mergeConsecutiveSections merges sections that are directly adjacent and
// share a genesis hash. ReadIndex's scan loop already folds a re-stated
// header for the current hash into the current section, so on ReadIndex's
// output this pass finds nothing left to merge; it is a defensive pass.
func mergeConsecutiveSections(sections []IndexSection) []IndexSection {
	if len(sections) == 0 {
		return sections
	}
	merged := []IndexSection{sections[0]}
	for _, sec := range sections[1:] {
		last := &merged[len(merged)-1]
		if last.GenesisHash == sec.GenesisHash {
			last.Chunks = append(last.Chunks, sec.Chunks...)
			continue
		}
		merged = append(merged, sec)
	}
	return merged
}
