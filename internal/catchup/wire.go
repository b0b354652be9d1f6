package catchup

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Wire encoding for the three catch-up message kinds. A Status is the
// lightweight summary a node volunteers (no branches); a Request is the
// full leaves-and-branches summary that asks the receiver to stream; a
// Response terminates a block stream, optionally carrying terminal data.
// Fixed-width big-endian fields throughout, reusing internal/storage's
// record encoders for the embedded certificates and votes.

// MessageKind discriminates catch-up wire messages.
type MessageKind byte

const (
	KindStatus   MessageKind = 0x01
	KindRequest  MessageKind = 0x02
	KindResponse MessageKind = 0x03
	// KindBlockFrame carries one signed block inside a response stream:
	// zero or more block frames, then exactly one Response.
	KindBlockFrame MessageKind = 0x04
)

var errTruncated = errors.New("catchup: truncated message")

// EncodeStatusMessage encodes a Status as either a lightweight Status
// (branches dropped) or a full Request, per kind.
func EncodeStatusMessage(kind MessageKind, s Status) []byte {
	if kind != KindStatus && kind != KindRequest {
		kind = KindStatus
	}
	buf := []byte{byte(kind)}
	buf = append(buf, s.LastFinalizedHash[:]...)
	buf = appendU64(buf, uint64(s.LastFinalizedRound))
	buf = appendU64(buf, uint64(s.CurrentRound))

	buf = appendHashes(buf, s.Leaves)
	if kind == KindRequest {
		buf = appendHashes(buf, s.Branches)
	} else {
		buf = appendU32(buf, 0)
	}

	buf = appendU32(buf, uint32(len(s.QuorumSignerSets)))
	for h, set := range s.QuorumSignerSets {
		buf = append(buf, h[:]...)
		buf = appendSet(buf, set)
	}

	if s.TimeoutSummary == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendU64(buf, uint64(s.TimeoutSummary.FirstEpoch))
		buf = appendSet(buf, s.TimeoutSummary.FirstSigners)
		buf = appendSet(buf, s.TimeoutSummary.SecondSigners)
	}
	return buf
}

// DecodeStatusMessage decodes a Status or Request payload (including its
// kind byte).
func DecodeStatusMessage(b []byte) (MessageKind, Status, error) {
	var s Status
	if len(b) < 1 {
		return 0, s, errTruncated
	}
	kind := MessageKind(b[0])
	if kind != KindStatus && kind != KindRequest {
		return 0, s, fmt.Errorf("catchup: unexpected message kind 0x%02x", b[0])
	}
	b = b[1:]

	var err error
	if s.LastFinalizedHash, b, err = takeHash(b); err != nil {
		return 0, s, err
	}
	var v uint64
	if v, b, err = takeU64(b); err != nil {
		return 0, s, err
	}
	s.LastFinalizedRound = types.Round(v)
	if v, b, err = takeU64(b); err != nil {
		return 0, s, err
	}
	s.CurrentRound = types.Round(v)

	if s.Leaves, b, err = takeHashes(b); err != nil {
		return 0, s, err
	}
	if s.Branches, b, err = takeHashes(b); err != nil {
		return 0, s, err
	}

	var count uint32
	if count, b, err = takeU32(b); err != nil {
		return 0, s, err
	}
	if count > 0 {
		s.QuorumSignerSets = make(map[types.Hash]*types.FinalizerSet, count)
	}
	for i := uint32(0); i < count; i++ {
		var h types.Hash
		if h, b, err = takeHash(b); err != nil {
			return 0, s, err
		}
		var set *types.FinalizerSet
		if set, b, err = takeSet(b); err != nil {
			return 0, s, err
		}
		s.QuorumSignerSets[h] = set
	}

	if len(b) < 1 {
		return 0, s, errTruncated
	}
	hasSummary := b[0] == 1
	b = b[1:]
	if hasSummary {
		ts := &TimeoutSummary{}
		if v, b, err = takeU64(b); err != nil {
			return 0, s, err
		}
		ts.FirstEpoch = types.Epoch(v)
		if ts.FirstSigners, b, err = takeSet(b); err != nil {
			return 0, s, err
		}
		if ts.SecondSigners, b, err = takeSet(b); err != nil {
			return 0, s, err
		}
		s.TimeoutSummary = ts
	}
	return kind, s, nil
}

// EncodeResponseMessage encodes the stream terminator. td may be nil for
// an empty response (peer's view was unusable or nothing to send).
func EncodeResponseMessage(td *TerminalData) []byte {
	buf := []byte{byte(KindResponse)}
	if td == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)

	buf = appendOptRecord(buf, encodeOptQC(td.HighestQC))
	buf = appendOptRecord(buf, encodeOptQC(td.FinalizingQC))
	if td.TC == nil {
		buf = appendOptRecord(buf, nil)
	} else {
		buf = appendOptRecord(buf, storage.EncodeTC(td.TC))
	}

	buf = appendU32(buf, uint32(len(td.QuorumMessages)))
	for _, qm := range td.QuorumMessages {
		buf = appendRecord(buf, storage.EncodeQuorumMessage(qm))
	}
	buf = appendU32(buf, uint32(len(td.TimeoutMessages)))
	for _, tm := range td.TimeoutMessages {
		buf = appendRecord(buf, storage.EncodeTimeoutMessage(tm))
	}
	return buf
}

// DecodeResponseMessage decodes a Response payload (including its kind
// byte). A nil TerminalData means the response was empty.
func DecodeResponseMessage(b []byte) (*TerminalData, error) {
	if len(b) < 2 {
		return nil, errTruncated
	}
	if MessageKind(b[0]) != KindResponse {
		return nil, fmt.Errorf("catchup: unexpected message kind 0x%02x", b[0])
	}
	hasTD := b[1] == 1
	b = b[2:]
	if !hasTD {
		return nil, nil
	}

	td := &TerminalData{}
	var rec []byte
	var err error

	if rec, b, err = takeOptRecord(b); err != nil {
		return nil, err
	}
	if rec != nil {
		if td.HighestQC, _, err = storage.DecodeQC(rec); err != nil {
			return nil, err
		}
	}
	if rec, b, err = takeOptRecord(b); err != nil {
		return nil, err
	}
	if rec != nil {
		if td.FinalizingQC, _, err = storage.DecodeQC(rec); err != nil {
			return nil, err
		}
	}
	if rec, b, err = takeOptRecord(b); err != nil {
		return nil, err
	}
	if rec != nil {
		if td.TC, _, err = storage.DecodeTC(rec); err != nil {
			return nil, err
		}
	}

	var count uint32
	if count, b, err = takeU32(b); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		if rec, b, err = takeRecord(b); err != nil {
			return nil, err
		}
		qm, err := storage.DecodeQuorumMessage(rec)
		if err != nil {
			return nil, err
		}
		td.QuorumMessages = append(td.QuorumMessages, qm)
	}
	if count, b, err = takeU32(b); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		if rec, b, err = takeRecord(b); err != nil {
			return nil, err
		}
		tm, err := storage.DecodeTimeoutMessage(rec)
		if err != nil {
			return nil, err
		}
		td.TimeoutMessages = append(td.TimeoutMessages, tm)
	}
	return td, nil
}

// EncodeBlockFrame encodes one block of a response stream.
func EncodeBlockFrame(b *types.Block) []byte {
	buf := []byte{byte(KindBlockFrame)}
	return append(buf, storage.EncodeBlock(b)...)
}

// DecodeBlockFrame decodes a block-frame payload (including its kind byte).
func DecodeBlockFrame(b []byte) (*types.Block, error) {
	if len(b) < 1 {
		return nil, errTruncated
	}
	if MessageKind(b[0]) != KindBlockFrame {
		return nil, fmt.Errorf("catchup: unexpected message kind 0x%02x", b[0])
	}
	return storage.DecodeBlock(b[1:])
}

func encodeOptQC(qc *types.QuorumCertificate) []byte {
	if qc == nil {
		return nil
	}
	return storage.EncodeQC(qc)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendHashes(buf []byte, hs []types.Hash) []byte {
	buf = appendU32(buf, uint32(len(hs)))
	for _, h := range hs {
		buf = append(buf, h[:]...)
	}
	return buf
}

// appendSet writes a u16 length plus the bitmask bytes; a nil or empty set
// is length zero.
func appendSet(buf []byte, set *types.FinalizerSet) []byte {
	var raw []byte
	if set != nil {
		raw = set.Bytes()
	}
	buf = append(buf, byte(len(raw)>>8), byte(len(raw)))
	return append(buf, raw...)
}

// appendRecord writes a u32 length prefix plus the record bytes.
func appendRecord(buf, rec []byte) []byte {
	buf = appendU32(buf, uint32(len(rec)))
	return append(buf, rec...)
}

// appendOptRecord writes a presence flag, then the record when present.
func appendOptRecord(buf, rec []byte) []byte {
	if rec == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendRecord(buf, rec)
}

func takeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errTruncated
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errTruncated
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func takeHash(b []byte) (types.Hash, []byte, error) {
	var h types.Hash
	if len(b) < len(h) {
		return h, nil, errTruncated
	}
	copy(h[:], b)
	return h, b[len(h):], nil
}

func takeHashes(b []byte) ([]types.Hash, []byte, error) {
	count, b, err := takeU32(b)
	if err != nil {
		return nil, nil, err
	}
	var out []types.Hash
	for i := uint32(0); i < count; i++ {
		var h types.Hash
		if h, b, err = takeHash(b); err != nil {
			return nil, nil, err
		}
		out = append(out, h)
	}
	return out, b, nil
}

func takeSet(b []byte) (*types.FinalizerSet, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errTruncated
	}
	n := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < n {
		return nil, nil, errTruncated
	}
	if n == 0 {
		return nil, b, nil
	}
	return types.FinalizerSetFromBytes(b[:n]), b[n:], nil
}

func takeRecord(b []byte) ([]byte, []byte, error) {
	n, b, err := takeU32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(b)) < n {
		return nil, nil, errTruncated
	}
	return b[:n], b[n:], nil
}

func takeOptRecord(b []byte) ([]byte, []byte, error) {
	if len(b) < 1 {
		return nil, nil, errTruncated
	}
	present := b[0] == 1
	b = b[1:]
	if !present {
		return nil, b, nil
	}
	return takeRecord(b)
}
