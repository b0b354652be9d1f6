package p2p

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/catchup"
	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/types"
)

// ProtocolCatchup is the request/response stream protocol for catch-up.
// Gossip carries live traffic; this carries the backlog.
const ProtocolCatchup protocol.ID = "/konsensus/catchup/1.0.0"

// maxBlocksPerResponse caps one response stream. The producer's terminal
// data is valid regardless of truncation; a still-behind requester simply
// asks again from its new status.
const maxBlocksPerResponse = 1024

// CatchUpService answers catch-up streams: a Status message is answered
// with our own status, a Request with a block stream and a Response
// terminator.
type CatchUpService struct {
	host    *Host
	engine  *consensus.Engine
	metrics *Metrics
	logger  *zap.Logger
}

// NewCatchUpService registers the catch-up stream handler on the host.
func NewCatchUpService(host *Host, engine *consensus.Engine, logger *zap.Logger) *CatchUpService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &CatchUpService{
		host:    host,
		engine:  engine,
		metrics: host.metrics,
		logger:  logger,
	}
	host.LibP2PHost().SetStreamHandler(ProtocolCatchup, svc.handleStream)
	return svc
}

func (svc *CatchUpService) handleStream(s network.Stream) {
	defer s.Close()

	payload, err := readFrame(s)
	if err != nil {
		svc.logger.Debug("catchup stream read failed", zap.Error(err))
		s.Reset()
		return
	}
	if len(payload) == 0 {
		s.Reset()
		return
	}

	switch catchup.MessageKind(payload[0]) {
	case catchup.KindStatus:
		// A status exchange: reply with our own lightweight summary.
		if _, _, err := catchup.DecodeStatusMessage(payload); err != nil {
			svc.logger.Debug("bad catchup status", zap.Error(err))
			s.Reset()
			return
		}
		mine := catchup.MakeStatus(svc.engine)
		if err := writeFrame(s, catchup.EncodeStatusMessage(catchup.KindStatus, mine)); err != nil {
			svc.logger.Debug("catchup status reply failed", zap.Error(err))
		}
		svc.metrics.MessagesSent.WithLabelValues("catchup_status").Inc()

	case catchup.KindRequest:
		_, theirs, err := catchup.DecodeStatusMessage(payload)
		if err != nil {
			svc.logger.Debug("bad catchup request", zap.Error(err))
			s.Reset()
			return
		}
		svc.serveRequest(s, theirs)

	default:
		s.Reset()
	}
}

// serveRequest streams the blocks the requester is missing, then the
// terminator with the terminal data.
func (svc *CatchUpService) serveRequest(s network.Stream, theirs catchup.Status) {
	svc.metrics.CatchupStreams.Inc()

	producer := catchup.HandleCatchUpRequest(theirs, catchup.NewSnapshot(svc.engine))
	sent := 0
	for sent < maxBlocksPerResponse {
		b, ok := producer.Next()
		if !ok {
			break
		}
		if err := writeFrame(s, catchup.EncodeBlockFrame(b)); err != nil {
			svc.logger.Debug("catchup block frame failed", zap.Error(err))
			s.Reset()
			return
		}
		svc.metrics.MessagesSent.WithLabelValues("catchup_block").Inc()
		sent++
	}

	td := producer.Finish()
	if err := writeFrame(s, catchup.EncodeResponseMessage(&td)); err != nil {
		svc.logger.Debug("catchup terminator failed", zap.Error(err))
		s.Reset()
		return
	}
	svc.metrics.MessagesSent.WithLabelValues("catchup_response").Inc()
	svc.logger.Debug("catchup stream served",
		zap.Int("blocks", sent),
		zap.String("peer", s.Conn().RemotePeer().String()),
	)
}

// RemoteCatchUpPeer is the client side of ProtocolCatchup against one
// peer. It satisfies the block syncer's Peer contract.
type RemoteCatchUpPeer struct {
	host   *Host
	engine *consensus.Engine
	peer   peer.ID
}

// NewRemoteCatchUpPeer creates a catch-up client bound to pid.
func NewRemoteCatchUpPeer(host *Host, engine *consensus.Engine, pid peer.ID) *RemoteCatchUpPeer {
	return &RemoteCatchUpPeer{host: host, engine: engine, peer: pid}
}

// FetchStatus exchanges status summaries and returns the peer's.
func (rp *RemoteCatchUpPeer) FetchStatus(ctx context.Context) (catchup.Status, error) {
	s, err := rp.host.LibP2PHost().NewStream(ctx, rp.peer, ProtocolCatchup)
	if err != nil {
		return catchup.Status{}, fmt.Errorf("p2p: open catchup stream: %w", err)
	}
	defer s.Close()
	applyDeadline(ctx, s)

	mine := catchup.MakeStatus(rp.engine)
	if err := writeFrame(s, catchup.EncodeStatusMessage(catchup.KindStatus, mine)); err != nil {
		return catchup.Status{}, err
	}
	payload, err := readFrame(s)
	if err != nil {
		return catchup.Status{}, err
	}
	_, theirs, err := catchup.DecodeStatusMessage(payload)
	return theirs, err
}

// FetchCatchUp sends ours as a full Request and consumes the response
// stream: zero or more block frames, then exactly one Response.
func (rp *RemoteCatchUpPeer) FetchCatchUp(ctx context.Context, ours catchup.Status) ([]*types.Block, catchup.TerminalData, error) {
	s, err := rp.host.LibP2PHost().NewStream(ctx, rp.peer, ProtocolCatchup)
	if err != nil {
		return nil, catchup.TerminalData{}, fmt.Errorf("p2p: open catchup stream: %w", err)
	}
	defer s.Close()
	applyDeadline(ctx, s)

	if err := writeFrame(s, catchup.EncodeStatusMessage(catchup.KindRequest, ours)); err != nil {
		return nil, catchup.TerminalData{}, err
	}

	var blocks []*types.Block
	for {
		payload, err := readFrame(s)
		if err != nil {
			return nil, catchup.TerminalData{}, err
		}
		if len(payload) == 0 {
			return nil, catchup.TerminalData{}, fmt.Errorf("p2p: empty catchup frame")
		}
		switch catchup.MessageKind(payload[0]) {
		case catchup.KindBlockFrame:
			b, err := catchup.DecodeBlockFrame(payload)
			if err != nil {
				return nil, catchup.TerminalData{}, err
			}
			blocks = append(blocks, b)
		case catchup.KindResponse:
			td, err := catchup.DecodeResponseMessage(payload)
			if err != nil {
				return nil, catchup.TerminalData{}, err
			}
			if td == nil {
				return blocks, catchup.TerminalData{}, nil
			}
			return blocks, *td, nil
		default:
			return nil, catchup.TerminalData{}, fmt.Errorf("p2p: unexpected catchup frame kind 0x%02x", payload[0])
		}
	}
}

func applyDeadline(ctx context.Context, s network.Stream) {
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
}

// writeFrame writes a u32 big-endian length prefix plus the payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("p2p: frame too large: %d", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, bounded by MaxMessageSize.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("p2p: frame too large: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
