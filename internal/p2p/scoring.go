package p2p

import (
	"math"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	validMessageCredit  = 1.0
	invalidMessageDebit = -10.0
	banThreshold        = -100.0
	defaultBanDuration  = 10 * time.Minute

	// scoreHalfLife is how long a peer's accumulated score takes to decay
	// to half. Old behaviour ages out, so a peer that misbehaved during
	// one catch-up burst is not banned forever on the strength of it.
	scoreHalfLife = 30 * time.Minute
)

// BanEntry records a peer ban with expiry.
type BanEntry struct {
	Reason  string
	Expires time.Time
}

type scoreEntry struct {
	value   float64
	updated time.Time
}

// PeerScoring tracks peer reputation with exponential decay, and the
// resulting bans.
type PeerScoring struct {
	mu     sync.RWMutex
	scores map[peer.ID]*scoreEntry
	bans   map[peer.ID]BanEntry
}

// NewPeerScoring creates an empty scoring table.
func NewPeerScoring() *PeerScoring {
	return &PeerScoring{
		scores: make(map[peer.ID]*scoreEntry),
		bans:   make(map[peer.ID]BanEntry),
	}
}

// decayedLocked returns the entry's value decayed to now, updating it in
// place. Callers hold the write lock.
func (ps *PeerScoring) decayedLocked(pid peer.ID) *scoreEntry {
	e, ok := ps.scores[pid]
	now := time.Now()
	if !ok {
		e = &scoreEntry{updated: now}
		ps.scores[pid] = e
		return e
	}
	// Decay is applied at whole-second granularity: message bursts within
	// a second score at face value, so threshold arithmetic stays exact.
	elapsed := now.Sub(e.updated)
	if elapsed >= time.Second {
		e.value *= math.Exp2(-elapsed.Seconds() / scoreHalfLife.Seconds())
		e.updated = now
	}
	return e
}

// RecordValidMessage credits a peer.
func (ps *PeerScoring) RecordValidMessage(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decayedLocked(pid).value += validMessageCredit
}

// RecordInvalidMessage debits a peer and bans it once the decayed score
// crosses the threshold.
func (ps *PeerScoring) RecordInvalidMessage(pid peer.ID, reason string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e := ps.decayedLocked(pid)
	e.value += invalidMessageDebit
	if e.value <= banThreshold {
		ps.bans[pid] = BanEntry{
			Reason:  reason,
			Expires: time.Now().Add(defaultBanDuration),
		}
	}
}

// Score returns the peer's current (decayed) score.
func (ps *PeerScoring) Score(pid peer.ID) float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.decayedLocked(pid).value
}

// IsBanned reports whether the peer is currently banned.
func (ps *PeerScoring) IsBanned(pid peer.ID) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	entry, ok := ps.bans[pid]
	return ok && time.Now().Before(entry.Expires)
}

// Ban explicitly bans a peer for the given duration.
func (ps *PeerScoring) Ban(pid peer.ID, reason string, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.bans[pid] = BanEntry{Reason: reason, Expires: time.Now().Add(duration)}
}

// Unban lifts a ban and resets the peer's score so it starts fresh.
func (ps *PeerScoring) Unban(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.bans, pid)
	delete(ps.scores, pid)
}

// CleanupExpiredBans drops expired ban entries, returning how many.
func (ps *PeerScoring) CleanupExpiredBans() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	removed := 0
	for pid, entry := range ps.bans {
		if now.After(entry.Expires) {
			delete(ps.bans, pid)
			removed++
		}
	}
	return removed
}

// BannedCount returns the number of currently banned peers.
func (ps *PeerScoring) BannedCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	now := time.Now()
	count := 0
	for _, entry := range ps.bans {
		if now.Before(entry.Expires) {
			count++
		}
	}
	return count
}
