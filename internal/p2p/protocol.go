package p2p

import (
	"errors"
	"fmt"

	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// MessageType identifies the type of consensus message on the wire.
type MessageType byte

const (
	MsgBlock   MessageType = 0x01
	MsgQuorum  MessageType = 0x02
	MsgTimeout MessageType = 0x03
)

// MaxMessageSize is the maximum allowed message size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

func (mt MessageType) String() string {
	switch mt {
	case MsgBlock:
		return "block"
	case MsgQuorum:
		return "quorum"
	case MsgTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(mt))
	}
}

// Envelope wraps a typed message for wire encoding.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the envelope as [type_byte | fixed-width payload], the
// same convention internal/storage/codec.go uses for persisted records:
// there is no protobuf-generated package in this build (see DESIGN.md), so
// gossip messages share the storage layer's encoder instead of a second
// wire format.
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 1+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:], e.Payload)
	return buf
}

// DecodeEnvelope parses a wire-format message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("p2p: empty message")
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("p2p: message too large: %d > %d", len(data), MaxMessageSize)
	}
	return &Envelope{
		Type:    MessageType(data[0]),
		Payload: data[1:],
	}, nil
}

// EncodeBlock serializes a signed block into wire format.
func EncodeBlock(b *types.Block) ([]byte, error) {
	env := &Envelope{Type: MsgBlock, Payload: storage.EncodeBlock(b)}
	return env.Encode(), nil
}

// DecodeBlock deserializes a Block from envelope payload bytes.
func DecodeBlock(payload []byte) (*types.Block, error) {
	b, err := storage.DecodeBlock(payload)
	if err != nil {
		return nil, fmt.Errorf("p2p: decode block: %w", err)
	}
	return b, nil
}

// EncodeQuorum serializes a QuorumMessage into wire format.
func EncodeQuorum(qm *types.QuorumMessage) ([]byte, error) {
	env := &Envelope{Type: MsgQuorum, Payload: storage.EncodeQuorumMessage(qm)}
	return env.Encode(), nil
}

// DecodeQuorum deserializes a QuorumMessage from envelope payload bytes.
func DecodeQuorum(payload []byte) (*types.QuorumMessage, error) {
	qm, err := storage.DecodeQuorumMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("p2p: decode quorum message: %w", err)
	}
	return qm, nil
}

// EncodeTimeout serializes a TimeoutMessage into wire format.
func EncodeTimeout(tm *types.TimeoutMessage) ([]byte, error) {
	env := &Envelope{Type: MsgTimeout, Payload: storage.EncodeTimeoutMessage(tm)}
	return env.Encode(), nil
}

// DecodeTimeout deserializes a TimeoutMessage from envelope payload bytes.
func DecodeTimeout(payload []byte) (*types.TimeoutMessage, error) {
	tm, err := storage.DecodeTimeoutMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("p2p: decode timeout message: %w", err)
	}
	return tm, nil
}

// DecodeMessage decodes a wire-format message into its type and domain
// object. Returns (MessageType, *types.Block|*types.QuorumMessage|*types.TimeoutMessage, error).
func DecodeMessage(data []byte) (MessageType, interface{}, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return 0, nil, err
	}

	switch env.Type {
	case MsgBlock:
		b, err := DecodeBlock(env.Payload)
		return MsgBlock, b, err
	case MsgQuorum:
		qm, err := DecodeQuorum(env.Payload)
		return MsgQuorum, qm, err
	case MsgTimeout:
		tm, err := DecodeTimeout(env.Payload)
		return MsgTimeout, tm, err
	default:
		return env.Type, nil, fmt.Errorf("p2p: unknown message type: 0x%02x", byte(env.Type))
	}
}
