package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	redialInterval = 30 * time.Second
	dialTimeout    = 10 * time.Second
)

// Discovery keeps the node connected to its configured seeds. There is no
// DHT: a finalization committee is a small, known set, and seed-based
// bootstrap plus gossip mesh maintenance covers it.
type Discovery struct {
	host   host.Host
	seeds  []peer.AddrInfo
	logger *zap.Logger
}

// NewDiscovery creates a Discovery instance over the given seed set.
func NewDiscovery(h host.Host, seeds []peer.AddrInfo, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{host: h, seeds: seeds, logger: logger}
}

// ParseSeedAddrs parses multiaddr strings into peer.AddrInfo values. Each
// string must include the /p2p/<peer-id> component.
func ParseSeedAddrs(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid seed addr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("p2p: parse seed addr %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Start dials every seed immediately, then redials dropped ones on a fixed
// interval until ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) {
	d.dialMissing(ctx)
	go d.redialLoop(ctx)
}

// dialMissing connects to every seed we are not currently connected to.
func (d *Discovery) dialMissing(ctx context.Context) {
	for _, seed := range d.seeds {
		if seed.ID == d.host.ID() {
			continue
		}
		if d.host.Network().Connectedness(seed.ID) == network.Connected {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := d.host.Connect(dialCtx, seed)
		cancel()
		if err != nil {
			d.logger.Warn("seed dial failed",
				zap.String("peer", seed.ID.String()),
				zap.Error(err),
			)
			continue
		}
		d.logger.Info("connected to seed", zap.String("peer", seed.ID.String()))
	}
}

func (d *Discovery) redialLoop(ctx context.Context) {
	ticker := time.NewTicker(redialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dialMissing(ctx)
		}
	}
}
