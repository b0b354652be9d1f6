package p2p

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Gossip topics. Block proposals and votes travel separately: proposals are
// large and rare, votes are small and frequent, and the per-topic rate
// limits reflect that.
const (
	TopicBlocks = "/konsensus/blocks/v1"
	TopicVotes  = "/konsensus/votes/v1"
)

// consensusTopics are the topics every node joins at startup.
var consensusTopics = []string{TopicBlocks, TopicVotes}

// expectedTypes lists which wire message types are admissible per topic;
// anything else is rejected before it reaches the engine.
var expectedTypes = map[string][]MessageType{
	TopicBlocks: {MsgBlock},
	TopicVotes:  {MsgQuorum, MsgTimeout},
}

// GossipManager owns the GossipSub instance and the per-topic handles.
type GossipManager struct {
	ps          *pubsub.PubSub
	host        host.Host
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	logger      *zap.Logger

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// NewGossipManager creates a GossipSub instance with flood publishing, so a
// proposal or vote reaches every mesh peer without waiting a heartbeat.
// Message signing is disabled: every consensus payload already carries its
// own signature, and the engine is the only place that knows which
// committee key should have produced it.
func NewGossipManager(ctx context.Context, h host.Host, scoring *PeerScoring, rateLimiter *RateLimiter, logger *zap.Logger) (*GossipManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithFloodPublish(true),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	return &GossipManager{
		ps:          ps,
		host:        h,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]*pubsub.Subscription),
	}, nil
}

// JoinConsensusTopics joins every consensus topic and installs its
// admission validator. Called once at host startup.
func (gm *GossipManager) JoinConsensusTopics() error {
	for _, name := range consensusTopics {
		if _, err := gm.JoinTopic(name); err != nil {
			return err
		}
		if err := gm.registerValidator(name); err != nil {
			return fmt.Errorf("p2p: register validator for %s: %w", name, err)
		}
	}
	return nil
}

// JoinTopic joins a topic and caches the handle; joining twice is a no-op.
func (gm *GossipManager) JoinTopic(topicName string) (*pubsub.Topic, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if t, ok := gm.topics[topicName]; ok {
		return t, nil
	}
	topic, err := gm.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topicName, err)
	}
	gm.topics[topicName] = topic
	return topic, nil
}

// Subscribe subscribes to a joined topic; subscribing twice returns the
// same subscription.
func (gm *GossipManager) Subscribe(topicName string) (*pubsub.Subscription, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if sub, ok := gm.subs[topicName]; ok {
		return sub, nil
	}
	topic, ok := gm.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("p2p: topic %s not joined", topicName)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe to %s: %w", topicName, err)
	}
	gm.subs[topicName] = sub
	return sub, nil
}

// Publish publishes data to the named topic.
func (gm *GossipManager) Publish(ctx context.Context, topicName string, data []byte) error {
	gm.mu.RLock()
	topic, ok := gm.topics[topicName]
	gm.mu.RUnlock()

	if !ok {
		return fmt.Errorf("p2p: topic %s not joined", topicName)
	}
	return topic.Publish(ctx, data)
}

// registerValidator installs the fast first-stage admission check for a
// topic: ban status, size bounds, admissible message type, and the
// per-peer rate limit. Signature verification happens later, in the
// engine, where the committee is known.
func (gm *GossipManager) registerValidator(topicName string) error {
	admissible := expectedTypes[topicName]
	return gm.ps.RegisterTopicValidator(topicName, func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		if gm.scoring != nil && gm.scoring.IsBanned(from) {
			return pubsub.ValidationReject
		}
		if len(msg.Data) == 0 || len(msg.Data) > MaxMessageSize {
			if gm.scoring != nil {
				gm.scoring.RecordInvalidMessage(from, "oversize_message")
			}
			return pubsub.ValidationReject
		}

		msgType := MessageType(msg.Data[0])
		allowed := false
		for _, t := range admissible {
			if t == msgType {
				allowed = true
				break
			}
		}
		if !allowed {
			if gm.scoring != nil {
				gm.scoring.RecordInvalidMessage(from, "wrong_topic")
			}
			return pubsub.ValidationReject
		}

		if gm.rateLimiter != nil && !gm.rateLimiter.Allow(from, msgType) {
			return pubsub.ValidationIgnore
		}
		return pubsub.ValidationAccept
	})
}

// Close cancels every subscription and closes every topic handle.
func (gm *GossipManager) Close() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for name, sub := range gm.subs {
		sub.Cancel()
		delete(gm.subs, name)
	}
	for name, topic := range gm.topics {
		topic.Close()
		delete(gm.topics, name)
	}
}
