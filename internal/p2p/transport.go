package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/types"
	"go.uber.org/zap"
)

// Compile-time check that P2PTransport implements consensus.Transport.
var _ consensus.Transport = (*P2PTransport)(nil)

// MessageSubscription holds channels for receiving decoded consensus messages.
type MessageSubscription struct {
	Blocks   chan *types.Block
	Quorum   chan *types.QuorumMessage
	Timeouts chan *types.TimeoutMessage
}

// P2PTransport implements consensus.Transport over GossipSub: block
// proposals on the blocks topic, quorum/timeout messages on the votes
// topic.
type P2PTransport struct {
	host    *Host
	metrics *Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	subs []MessageSubscription

	pubCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewP2PTransport creates a transport that bridges GossipSub and the consensus engine.
func NewP2PTransport(host *Host, logger *zap.Logger) *P2PTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := host.metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &P2PTransport{
		host:    host,
		metrics: metrics,
		logger:  logger,
		pubCtx:  context.Background(),
	}
}

// BroadcastBlock publishes a signed block to the consensus topic.
func (t *P2PTransport) BroadcastBlock(b *types.Block) error {
	data, err := EncodeBlock(b)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("block").Inc()
	return t.host.gossip.Publish(t.pubCtx, TopicBlocks, data)
}

// BroadcastQuorumMessage publishes a quorum message to the consensus topic.
func (t *P2PTransport) BroadcastQuorumMessage(qm *types.QuorumMessage) error {
	data, err := EncodeQuorum(qm)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("quorum").Inc()
	return t.host.gossip.Publish(t.pubCtx, TopicVotes, data)
}

// BroadcastTimeoutMessage publishes a timeout message to the consensus topic.
func (t *P2PTransport) BroadcastTimeoutMessage(tm *types.TimeoutMessage) error {
	data, err := EncodeTimeout(tm)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("timeout").Inc()
	return t.host.gossip.Publish(t.pubCtx, TopicVotes, data)
}

// Subscribe returns a MessageSubscription for receiving decoded consensus messages.
func (t *P2PTransport) Subscribe() MessageSubscription {
	sub := MessageSubscription{
		Blocks:   make(chan *types.Block, 16),
		Quorum:   make(chan *types.QuorumMessage, 64),
		Timeouts: make(chan *types.TimeoutMessage, 16),
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub
}

// Start begins reading from the GossipSub consensus subscription, decoding
// messages, and dispatching to subscriber channels. Signature checks on the
// decoded messages happen in consensus.Engine.Receive*, which is the single
// place that knows the current epoch's committee; the transport only
// decodes the wire envelope.
func (t *P2PTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.pubCtx = ctx

	for _, topic := range consensusTopics {
		sub, err := t.host.gossip.Subscribe(topic)
		if err != nil {
			cancel()
			return err
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readLoop(ctx, sub)
		}()
	}
	return nil
}

// Stop shuts down the transport read loop.
func (t *P2PTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *P2PTransport) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("gossip subscription error", zap.Error(err))
			return
		}

		// Skip our own messages.
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}

		t.handleMessage(msg.Data)
	}
}

func (t *P2PTransport) handleMessage(data []byte) {
	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
		t.logger.Debug("failed to decode message", zap.Error(err))
		return
	}

	switch msgType {
	case MsgBlock:
		b := decoded.(*types.Block)
		t.metrics.MessagesReceived.WithLabelValues("block").Inc()
		t.dispatchBlock(b)

	case MsgQuorum:
		qm := decoded.(*types.QuorumMessage)
		t.metrics.MessagesReceived.WithLabelValues("quorum").Inc()
		t.dispatchQuorum(qm)

	case MsgTimeout:
		tm := decoded.(*types.TimeoutMessage)
		t.metrics.MessagesReceived.WithLabelValues("timeout").Inc()
		t.dispatchTimeout(tm)
	}
}

func (t *P2PTransport) dispatchBlock(b *types.Block) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Blocks <- b:
		default:
			t.logger.Warn("block subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchQuorum(qm *types.QuorumMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Quorum <- qm:
		default:
			t.logger.Warn("quorum subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchTimeout(tm *types.TimeoutMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Timeouts <- tm:
		default:
			t.logger.Warn("timeout subscriber channel full, dropping")
		}
	}
}
