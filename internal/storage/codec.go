package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vantor-labs/konsensus/internal/types"
)

// Wire encoding for persisted values: fixed-width big-endian fields, the
// same convention the block database file format uses and that
// internal/crypto/hash.go already follows for canonical hashing. No
// protobuf or gob; these records have an explicit fixed-width layout that
// a reflection-driven format cannot reproduce.

func putU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func getU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("storage: short u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func getU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("storage: short u32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putU64(buf, uint64(len(b)))
	return append(buf, b...)
}

func getBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, fmt.Errorf("storage: short byte slice")
	}
	return rest[:n], rest[n:], nil
}

// EncodeQC encodes a QuorumCertificate.
func EncodeQC(qc *types.QuorumCertificate) []byte {
	if qc == nil {
		return []byte{0}
	}
	buf := []byte{1}
	buf = append(buf, qc.BlockHash[:]...)
	buf = putU64(buf, uint64(qc.Round))
	buf = putU64(buf, uint64(qc.Epoch))
	var signerBytes []byte
	if qc.Signers != nil {
		signerBytes = qc.Signers.Bytes()
	}
	buf = putBytes(buf, signerBytes)
	buf = append(buf, qc.AggSignature[:]...)
	return buf
}

// DecodeQC decodes a QuorumCertificate, returning the unconsumed tail.
func DecodeQC(b []byte) (*types.QuorumCertificate, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("storage: empty qc")
	}
	present := b[0]
	b = b[1:]
	if present == 0 {
		return nil, b, nil
	}
	if len(b) < 32 {
		return nil, nil, fmt.Errorf("storage: short qc hash")
	}
	var qc types.QuorumCertificate
	copy(qc.BlockHash[:], b[:32])
	b = b[32:]
	round, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	epoch, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	signerBytes, b, err := getBytes(b)
	if err != nil {
		return nil, nil, err
	}
	if len(b) < 96 {
		return nil, nil, fmt.Errorf("storage: short qc signature")
	}
	qc.Round = types.Round(round)
	qc.Epoch = types.Epoch(epoch)
	qc.Signers = types.FinalizerSetFromBytes(signerBytes)
	copy(qc.AggSignature[:], b[:96])
	return &qc, b[96:], nil
}

func encodeTCEntries(buf []byte, entries []types.TCRoundEntry) []byte {
	buf = putU64(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = putU64(buf, uint64(e.QCRound))
		var signerBytes []byte
		if e.Signers != nil {
			signerBytes = e.Signers.Bytes()
		}
		buf = putBytes(buf, signerBytes)
	}
	return buf
}

func decodeTCEntries(b []byte) ([]types.TCRoundEntry, []byte, error) {
	n, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]types.TCRoundEntry, n)
	for i := range entries {
		qcRound, rest, err := getU64(b)
		if err != nil {
			return nil, nil, err
		}
		signerBytes, rest2, err := getBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		entries[i] = types.TCRoundEntry{
			QCRound: types.Round(qcRound),
			Signers: types.FinalizerSetFromBytes(signerBytes),
		}
		b = rest2
	}
	return entries, b, nil
}

// EncodeTC encodes a TimeoutCertificate.
func EncodeTC(tc *types.TimeoutCertificate) []byte {
	if tc == nil {
		return []byte{0}
	}
	buf := []byte{1}
	buf = putU64(buf, uint64(tc.Round))
	buf = putU64(buf, uint64(tc.MinEpoch))
	buf = putU64(buf, uint64(tc.MaxEpoch))
	buf = putU64(buf, uint64(tc.MaxRound))
	buf = encodeTCEntries(buf, tc.FirstEpochEntries)
	buf = encodeTCEntries(buf, tc.SecondEpochEntries)
	buf = append(buf, tc.AggSignature[:]...)
	return buf
}

// DecodeTC decodes a TimeoutCertificate, returning the unconsumed tail.
func DecodeTC(b []byte) (*types.TimeoutCertificate, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("storage: empty tc")
	}
	present := b[0]
	b = b[1:]
	if present == 0 {
		return nil, b, nil
	}
	var tc types.TimeoutCertificate
	round, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	minEpoch, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	maxEpoch, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	maxRound, b, err := getU64(b)
	if err != nil {
		return nil, nil, err
	}
	first, b, err := decodeTCEntries(b)
	if err != nil {
		return nil, nil, err
	}
	second, b, err := decodeTCEntries(b)
	if err != nil {
		return nil, nil, err
	}
	if len(b) < 96 {
		return nil, nil, fmt.Errorf("storage: short tc signature")
	}
	tc.Round = types.Round(round)
	tc.MinEpoch = types.Epoch(minEpoch)
	tc.MaxEpoch = types.Epoch(maxEpoch)
	tc.MaxRound = types.Round(maxRound)
	tc.FirstEpochEntries = first
	tc.SecondEpochEntries = second
	copy(tc.AggSignature[:], b[:96])
	return &tc, b[96:], nil
}

// EncodeFinalizationEntry encodes a FinalizationEntry.
func EncodeFinalizationEntry(fe *types.FinalizationEntry) []byte {
	if fe == nil {
		return []byte{0}
	}
	buf := []byte{1}
	buf = append(buf, EncodeQC(fe.BlockQC)...)
	buf = append(buf, EncodeQC(fe.SuccessorQC)...)
	return buf
}

// DecodeFinalizationEntry decodes a FinalizationEntry, returning the
// unconsumed tail.
func DecodeFinalizationEntry(b []byte) (*types.FinalizationEntry, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("storage: empty finalization entry")
	}
	present := b[0]
	b = b[1:]
	if present == 0 {
		return nil, b, nil
	}
	blockQC, b, err := DecodeQC(b)
	if err != nil {
		return nil, nil, err
	}
	successorQC, b, err := DecodeQC(b)
	if err != nil {
		return nil, nil, err
	}
	return &types.FinalizationEntry{BlockQC: blockQC, SuccessorQC: successorQC}, b, nil
}

// EncodeBlock encodes a full Block (including its cached hash and
// signature, unlike crypto.HashBlock's signing-payload subset) for
// storage.
func EncodeBlock(b *types.Block) []byte {
	buf := make([]byte, 0, 256)
	hash := b.Hash()
	if b.Genesis {
		buf = append(buf, 0)
		buf = append(buf, hash[:]...)
		buf = append(buf, b.StateHash[:]...)
		return buf
	}
	buf = append(buf, 1)
	buf = append(buf, hash[:]...)
	buf = putU64(buf, uint64(b.Round))
	buf = putU64(buf, uint64(b.Epoch))
	buf = putU64(buf, b.Timestamp)
	buf = putU64(buf, uint64(b.Baker))
	buf = append(buf, b.BakerKey[:]...)
	buf = append(buf, b.VRFOutput[:]...)
	buf = putBytes(buf, b.VRFProof)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, EncodeQC(b.ParentQC)...)
	buf = append(buf, EncodeTC(b.TimeoutCertificate)...)
	buf = append(buf, EncodeFinalizationEntry(b.FinalizationEntry)...)
	buf = putU64(buf, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = putBytes(buf, tx)
	}
	buf = append(buf, b.StateHash[:]...)
	buf = append(buf, b.Signature[:]...)
	return buf
}

// DecodeBlock decodes a Block previously written by EncodeBlock.
func DecodeBlock(data []byte) (*types.Block, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("storage: empty block")
	}
	tag := data[0]
	b := data[1:]
	if tag == 0 {
		if len(b) < 64 {
			return nil, fmt.Errorf("storage: short genesis block")
		}
		var hash, stateHash types.Hash
		copy(hash[:], b[:32])
		copy(stateHash[:], b[32:64])
		blk := types.GenesisBlock(hash, stateHash)
		return blk, nil
	}

	if len(b) < 32 {
		return nil, fmt.Errorf("storage: short block hash")
	}
	var hash types.Hash
	copy(hash[:], b[:32])
	b = b[32:]

	round, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	epoch, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	ts, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	baker, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 64 {
		return nil, fmt.Errorf("storage: short block key material")
	}
	var bakerKey, vrfOutput [32]byte
	copy(bakerKey[:], b[:32])
	copy(vrfOutput[:], b[32:64])
	b = b[64:]

	vrfProof, b, err := getBytes(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("storage: short parent hash")
	}
	var parentHash types.Hash
	copy(parentHash[:], b[:32])
	b = b[32:]

	parentQC, b, err := DecodeQC(b)
	if err != nil {
		return nil, err
	}
	tc, b, err := DecodeTC(b)
	if err != nil {
		return nil, err
	}
	fe, b, err := DecodeFinalizationEntry(b)
	if err != nil {
		return nil, err
	}
	txCount, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	txs := make([][]byte, txCount)
	for i := range txs {
		tx, rest, err := getBytes(b)
		if err != nil {
			return nil, err
		}
		txs[i] = tx
		b = rest
	}
	if len(b) < 32+64 {
		return nil, fmt.Errorf("storage: short block trailer")
	}
	var stateHash types.Hash
	copy(stateHash[:], b[:32])
	var sig [64]byte
	copy(sig[:], b[32:96])

	blk := &types.Block{
		Round:              types.Round(round),
		Epoch:              types.Epoch(epoch),
		Timestamp:          ts,
		Baker:              types.BakerId(baker),
		BakerKey:           bakerKey,
		VRFOutput:          vrfOutput,
		VRFProof:           vrfProof,
		ParentHash:         parentHash,
		ParentQC:           parentQC,
		TimeoutCertificate: tc,
		FinalizationEntry:  fe,
		Transactions:       txs,
		StateHash:          stateHash,
		Signature:          sig,
	}
	blk.SetHash(hash)
	return blk, nil
}

// EncodeRoundStatus encodes a RoundStatus for the round-status KV record.
func EncodeRoundStatus(rs *types.RoundStatus) []byte {
	buf := make([]byte, 0, 256)
	buf = putU64(buf, uint64(rs.CurrentRound))
	buf = putU64(buf, uint64(rs.CurrentEpoch))
	buf = putU64(buf, uint64(rs.CurrentTimeoutDuration))
	buf = append(buf, EncodeQC(rs.HighestCertifiedBlock)...)
	if rs.PreviousRoundTimeout != nil {
		buf = append(buf, 1)
		buf = append(buf, EncodeTC(rs.PreviousRoundTimeout.TC)...)
		buf = append(buf, EncodeQC(rs.PreviousRoundTimeout.HighestCertifiedBlock)...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeRoundStatus decodes a RoundStatus previously written by
// EncodeRoundStatus. LastSignedQuorumMessage/LastSignedTimeoutMessage are
// process-local and are not persisted across restarts.
func DecodeRoundStatus(b []byte) (*types.RoundStatus, error) {
	round, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	epoch, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	dur, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	highest, b, err := DecodeQC(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("storage: short round status")
	}
	hasPrev := b[0]
	b = b[1:]
	rs := &types.RoundStatus{
		CurrentRound:           types.Round(round),
		CurrentEpoch:           types.Epoch(epoch),
		CurrentTimeoutDuration: time.Duration(dur),
		HighestCertifiedBlock:  highest,
	}
	if hasPrev == 1 {
		tc, b2, err := DecodeTC(b)
		if err != nil {
			return nil, err
		}
		qc, _, err := DecodeQC(b2)
		if err != nil {
			return nil, err
		}
		rs.PreviousRoundTimeout = &types.PreviousRoundTimeout{TC: tc, HighestCertifiedBlock: qc}
	}
	return rs, nil
}

// EncodeQuorumMessage encodes a QuorumMessage for gossip wire transport
// (internal/p2p/protocol.go), reusing the same fixed-width convention as
// the persisted records above rather than a separate wire format.
func EncodeQuorumMessage(qm *types.QuorumMessage) []byte {
	buf := make([]byte, 0, 32+8+8+4+96)
	buf = append(buf, qm.BlockHash[:]...)
	buf = putU64(buf, uint64(qm.Round))
	buf = putU64(buf, uint64(qm.Epoch))
	buf = putU32(buf, uint32(qm.Signer))
	buf = append(buf, qm.Signature[:]...)
	return buf
}

// DecodeQuorumMessage decodes a QuorumMessage previously written by
// EncodeQuorumMessage.
func DecodeQuorumMessage(b []byte) (*types.QuorumMessage, error) {
	if len(b) < 32+8+8+4+96 {
		return nil, fmt.Errorf("storage: short quorum message")
	}
	var qm types.QuorumMessage
	copy(qm.BlockHash[:], b[:32])
	b = b[32:]
	round, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	epoch, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	signer, b, err := getU32(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 96 {
		return nil, fmt.Errorf("storage: short quorum message signature")
	}
	qm.Round = types.Round(round)
	qm.Epoch = types.Epoch(epoch)
	qm.Signer = types.FinalizerIndex(signer)
	copy(qm.Signature[:], b[:96])
	return &qm, nil
}

// EncodeTimeoutMessage encodes a TimeoutMessage for gossip wire transport.
func EncodeTimeoutMessage(tm *types.TimeoutMessage) []byte {
	buf := make([]byte, 0, 256)
	buf = putU64(buf, uint64(tm.Round))
	buf = putU64(buf, uint64(tm.Epoch))
	buf = putU32(buf, uint32(tm.Signer))
	buf = append(buf, EncodeQC(tm.QC)...)
	buf = append(buf, tm.Signature[:]...)
	buf = append(buf, tm.BLSPart[:]...)
	return buf
}

// DecodeTimeoutMessage decodes a TimeoutMessage previously written by
// EncodeTimeoutMessage.
func DecodeTimeoutMessage(b []byte) (*types.TimeoutMessage, error) {
	round, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	epoch, b, err := getU64(b)
	if err != nil {
		return nil, err
	}
	signer, b, err := getU32(b)
	if err != nil {
		return nil, err
	}
	qc, b, err := DecodeQC(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 64+96 {
		return nil, fmt.Errorf("storage: short timeout message signature")
	}
	tm := &types.TimeoutMessage{
		Round:  types.Round(round),
		Epoch:  types.Epoch(epoch),
		Signer: types.FinalizerIndex(signer),
		QC:     qc,
	}
	copy(tm.Signature[:], b[:64])
	b = b[64:]
	copy(tm.BLSPart[:], b[:96])
	return tm, nil
}
