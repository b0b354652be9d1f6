package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RateLimitConfig sets per-peer message budgets. Proposals are rare (one
// leader per round), votes arrive once per finalizer per round, so the
// per-type rates differ by an order of magnitude.
type RateLimitConfig struct {
	BlockRate       float64 // proposals per second
	QuorumRate      float64 // quorum messages per second
	TimeoutRate     float64 // timeout messages per second
	GlobalRate      float64 // total messages per second
	BurstMultiplier float64 // burst capacity = rate * multiplier
}

// DefaultRateLimitConfig returns the production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		BlockRate:       2,
		QuorumRate:      20,
		TimeoutRate:     5,
		GlobalRate:      50,
		BurstMultiplier: 3,
	}
}

// tokenBucket is a standard refill-on-read token bucket.
type tokenBucket struct {
	tokens    float64
	maxTokens float64
	rate      float64 // tokens per second
	lastFill  time.Time
}

func newTokenBucket(rate, burstMultiplier float64) *tokenBucket {
	maxTokens := rate * burstMultiplier
	return &tokenBucket{
		tokens:    maxTokens,
		maxTokens: maxTokens,
		rate:      rate,
		lastFill:  time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastFill).Seconds() * tb.rate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastFill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// peerBuckets holds one peer's buckets: a global budget plus one bucket
// per message type.
type peerBuckets struct {
	global   *tokenBucket
	byType   map[MessageType]*tokenBucket
	lastSeen time.Time
}

// RateLimiter tracks per-peer, per-type rate limits.
type RateLimiter struct {
	mu     sync.Mutex
	peers  map[peer.ID]*peerBuckets
	config RateLimitConfig
}

// NewRateLimiter creates a RateLimiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		peers:  make(map[peer.ID]*peerBuckets),
		config: cfg,
	}
}

func (rl *RateLimiter) getOrCreate(pid peer.ID) *peerBuckets {
	pb, ok := rl.peers[pid]
	if !ok {
		pb = &peerBuckets{
			global: newTokenBucket(rl.config.GlobalRate, rl.config.BurstMultiplier),
			byType: map[MessageType]*tokenBucket{
				MsgBlock:   newTokenBucket(rl.config.BlockRate, rl.config.BurstMultiplier),
				MsgQuorum:  newTokenBucket(rl.config.QuorumRate, rl.config.BurstMultiplier),
				MsgTimeout: newTokenBucket(rl.config.TimeoutRate, rl.config.BurstMultiplier),
			},
		}
		rl.peers[pid] = pb
	}
	pb.lastSeen = time.Now()
	return pb
}

// Allow reports whether one more message of the given type from pid fits
// within both the global and the per-type budget.
func (rl *RateLimiter) Allow(pid peer.ID, msgType MessageType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pb := rl.getOrCreate(pid)
	if !pb.global.allow() {
		return false
	}
	if bucket, ok := pb.byType[msgType]; ok {
		return bucket.allow()
	}
	return true
}

// Cleanup drops buckets for peers not seen within staleAfter, returning
// how many were removed.
func (rl *RateLimiter) Cleanup(staleAfter time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	removed := 0
	for pid, pb := range rl.peers {
		if pb.lastSeen.Before(cutoff) {
			delete(rl.peers, pid)
			removed++
		}
	}
	return removed
}
