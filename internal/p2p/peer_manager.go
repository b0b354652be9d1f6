package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/vantor-labs/konsensus/internal/types"
)

// PeerDirection indicates whether we initiated or received the connection.
type PeerDirection int

const (
	Inbound PeerDirection = iota
	Outbound
)

// outboundReservedRatio is the fraction of MaxPeers kept for outbound
// connections, so an attacker cannot fill every slot with inbound dials.
const outboundReservedRatio = 0.20

// PeerInfo tracks metadata about a connected peer.
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	Direction   PeerDirection
	ConnectedAt time.Time

	// IsFinalizer marks peers identified as seated in the current epoch's
	// committee; EvictWorstPeer never selects them, since losing a
	// finalizer link can stall vote delivery. ShouldAcceptConnection does
	// not consult this flag.
	IsFinalizer bool
	Baker       types.BakerId
}

// PeerManager tracks connected peers and enforces limits.
type PeerManager struct {
	mu       sync.RWMutex
	peers    map[peer.ID]*PeerInfo
	maxPeers int
	scoring  *PeerScoring
}

// NewPeerManager creates a PeerManager with the given connection cap.
func NewPeerManager(maxPeers int, scoring *PeerScoring) *PeerManager {
	return &PeerManager{
		peers:    make(map[peer.ID]*PeerInfo),
		maxPeers: maxPeers,
		scoring:  scoring,
	}
}

// AddPeer registers a connected peer.
func (pm *PeerManager) AddPeer(info *PeerInfo) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	pm.peers[info.ID] = info
}

// RemovePeer removes a peer from tracking.
func (pm *PeerManager) RemovePeer(pid peer.ID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, pid)
}

// GetPeer returns info for a peer, if known.
func (pm *PeerManager) GetPeer(pid peer.ID) (*PeerInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, ok := pm.peers[pid]
	return info, ok
}

// PeerCount returns the number of connected peers.
func (pm *PeerManager) PeerCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// ConnectedPeers returns a snapshot of all connected peer IDs.
func (pm *PeerManager) ConnectedPeers() []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pids := make([]peer.ID, 0, len(pm.peers))
	for pid := range pm.peers {
		pids = append(pids, pid)
	}
	return pids
}

// ShouldAcceptConnection decides whether a new connection is admitted:
// banned peers never, already-tracked peers and any peer while under the
// cap always, and any other peer over the cap never. Finalizer status is
// not consulted.
func (pm *PeerManager) ShouldAcceptConnection(pid peer.ID, dir network.Direction) bool {
	if pm.scoring != nil && pm.scoring.IsBanned(pid) {
		return false
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if _, ok := pm.peers[pid]; ok {
		return true
	}
	if len(pm.peers) < pm.maxPeers {
		return true
	}
	return false
}

// EvictWorstPeer returns the lowest-scored non-finalizer peer, or the
// empty ID when nothing is evictable.
func (pm *PeerManager) EvictWorstPeer() peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.scoring == nil {
		return ""
	}

	var worstPeer peer.ID
	var worstScore float64
	first := true
	for pid, info := range pm.peers {
		if info.IsFinalizer {
			continue
		}
		score := pm.scoring.Score(pid)
		if first || score < worstScore {
			worstPeer = pid
			worstScore = score
			first = false
		}
	}
	return worstPeer
}

// OutboundCount returns the number of outbound connections.
func (pm *PeerManager) OutboundCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	count := 0
	for _, info := range pm.peers {
		if info.Direction == Outbound {
			count++
		}
	}
	return count
}

// OutboundSlotsFull reports whether the outbound-reserved slots are
// filled; until they are, the node should keep dialing rather than rely
// on whoever dialed it.
func (pm *PeerManager) OutboundSlotsFull() bool {
	reserved := int(float64(pm.maxPeers) * outboundReservedRatio)
	if reserved < 1 {
		reserved = 1
	}
	return pm.OutboundCount() >= reserved
}

// MarkFinalizer marks a connected peer as a seated finalizer.
func (pm *PeerManager) MarkFinalizer(pid peer.ID, baker types.BakerId) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info, ok := pm.peers[pid]; ok {
		info.IsFinalizer = true
		info.Baker = baker
	}
}
