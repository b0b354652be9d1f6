package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const defaultMaxPeers = 50

// HostConfig configures the node's network identity and reachability.
type HostConfig struct {
	// PrivateKey is the Ed25519 private key in standard Go
	// crypto/ed25519 format (64 bytes). This is the network identity; it
	// is distinct from the finalizer signing key.
	PrivateKey []byte
	// ListenAddr is a multiaddr string, e.g. "/ip4/0.0.0.0/udp/26656/quic-v1".
	ListenAddr string
	// MaxPeers is the cap the PeerManager's admission checks
	// (ShouldAcceptConnection, OutboundSlotsFull) use; the host itself
	// does not refuse connections over it.
	MaxPeers int
	// Seeds are full multiaddrs (including /p2p/<id>) to bootstrap from.
	Seeds []string
	Logger  *zap.Logger
	Metrics *Metrics
}

// Host ties together the libp2p host, gossip, discovery, peer tracking,
// scoring, and the per-peer rate limiter.
type Host struct {
	host        host.Host
	gossip      *GossipManager
	discovery   *Discovery
	peerMgr     *PeerManager
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	metrics     *Metrics
	logger      *zap.Logger

	cancel context.CancelFunc
}

// NewHost creates the libp2p host and all attached subsystems, without
// dialing anyone yet; Start joins the gossip topics and begins discovery.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	privKey, err := libp2pcrypto.UnmarshalEd25519PrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: unmarshal private key: %w", err)
	}
	listenAddr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	scoring := NewPeerScoring()
	rateLimiter := NewRateLimiter(DefaultRateLimitConfig())

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	peerMgr := NewPeerManager(maxPeers, scoring)

	seeds, err := ParseSeedAddrs(cfg.Seeds)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: parse seeds: %w", err)
	}
	disc := NewDiscovery(h, seeds, logger)

	gossip, err := NewGossipManager(ctx, h, scoring, rateLimiter, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create gossip: %w", err)
	}

	kh := &Host{
		host:        h,
		gossip:      gossip,
		discovery:   disc,
		peerMgr:     peerMgr,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger,
	}
	kh.trackConnections()
	return kh, nil
}

// trackConnections mirrors libp2p's connection events into the peer
// manager and the connected-peers gauge.
func (kh *Host) trackConnections() {
	kh.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			dir := Inbound
			if conn.Stat().Direction == network.DirOutbound {
				dir = Outbound
			}
			kh.peerMgr.AddPeer(&PeerInfo{
				ID:        pid,
				Addrs:     []multiaddr.Multiaddr{conn.RemoteMultiaddr()},
				Direction: dir,
			})
			kh.metrics.PeersConnected.Set(float64(kh.peerMgr.PeerCount()))
			kh.logger.Debug("peer connected", zap.String("peer", pid.String()))
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			kh.peerMgr.RemovePeer(pid)
			kh.metrics.PeersConnected.Set(float64(kh.peerMgr.PeerCount()))
			kh.logger.Debug("peer disconnected", zap.String("peer", pid.String()))
		},
	})
}

// Start joins the consensus gossip topics and begins seed discovery.
func (kh *Host) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	kh.cancel = cancel

	if err := kh.gossip.JoinConsensusTopics(); err != nil {
		return err
	}
	kh.discovery.Start(ctx)

	kh.logger.Info("p2p host started",
		zap.String("peer_id", kh.host.ID().String()),
		zap.Any("listen_addrs", kh.host.Addrs()),
	)
	return nil
}

// Stop shuts down gossip and closes the underlying host.
func (kh *Host) Stop() error {
	if kh.cancel != nil {
		kh.cancel()
	}
	kh.gossip.Close()
	return kh.host.Close()
}

// ID returns the host's peer ID.
func (kh *Host) ID() peer.ID { return kh.host.ID() }

// Addrs returns the host's listen addresses.
func (kh *Host) Addrs() []multiaddr.Multiaddr { return kh.host.Addrs() }

// LibP2PHost exposes the underlying host for stream-protocol services.
func (kh *Host) LibP2PHost() host.Host { return kh.host }

// Gossip returns the gossip manager.
func (kh *Host) Gossip() *GossipManager { return kh.gossip }

// PeerMgr returns the peer manager.
func (kh *Host) PeerMgr() *PeerManager { return kh.peerMgr }

// Scoring returns the peer scoring table.
func (kh *Host) Scoring() *PeerScoring { return kh.scoring }
