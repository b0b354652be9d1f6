package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/p2p"
	"github.com/vantor-labs/konsensus/internal/types"
)

// WireNetwork connects the gossip transport and the catch-up stream
// service to the consensus engine, and starts the pump that delivers
// network inputs into the engine's single-threaded context one at a time.
// Locally-produced blocks loop back through the same pump (via the
// engine's on-block hook) so the self-vote never re-enters the engine on
// the producing stack.
func (n *Node) WireNetwork(ctx context.Context, host *p2p.Host, transport *p2p.P2PTransport) {
	n.engine.SetTransport(transport)
	p2p.NewCatchUpService(host, n.engine, n.logger.Named("catchup"))

	sub := transport.Subscribe()
	local := make(chan *types.Block, 16)
	n.engine.SetOnBlock(func(b *types.Block) {
		select {
		case local <- b:
		default:
			// Pump backlogged; the vote for this block is skipped rather
			// than blocking the engine.
		}
	})

	go n.consensusPump(ctx, sub, local)
}

// consensusPump serializes network and loopback inputs into the engine.
func (n *Node) consensusPump(ctx context.Context, sub p2p.MessageSubscription, local <-chan *types.Block) {
	for {
		select {
		case <-ctx.Done():
			return

		case b := <-sub.Blocks:
			res := n.engine.ReceiveBlock(b)
			switch res {
			case types.ResultSuccess:
				n.mempool.RemoveRaw(b.Transactions)
				n.maybeVote(b)
			case types.ResultPendingBlock, types.ResultUnverifiable:
				n.requestCatchUp(ctx)
			}

		case b := <-local:
			n.mempool.RemoveRaw(b.Transactions)
			n.maybeVote(b)

		case qm := <-sub.Quorum:
			res := n.engine.ReceiveQuorumMessage(qm)
			switch res.Status {
			case consensus.QuorumReceived, consensus.QuorumReceivedNoRelay:
				n.engine.ProcessQuorumMessage(qm)
			case consensus.QuorumCatchupRequired:
				n.requestCatchUp(ctx)
			}

		case tm := <-sub.Timeouts:
			res := n.engine.ReceiveTimeoutMessage(tm)
			switch res.Status {
			case consensus.TimeoutReceived:
				n.engine.ExecuteTimeoutMessage(tm, res.Committee)
			case consensus.TimeoutCatchupRequired:
				n.requestCatchUp(ctx)
			}
		}
	}
}

// maybeVote signs and loops back a quorum message for b when it is the
// current round's block and the local identity is seated. The signed vote
// re-enters the engine here, outside any engine stack frame.
func (n *Node) maybeVote(b *types.Block) {
	rs := n.engine.RoundStatus()
	if b.Round != rs.CurrentRound {
		return
	}
	qm := n.engine.SignQuorumMessage(b.Hash())
	if qm == nil {
		return
	}
	res := n.engine.ReceiveQuorumMessage(qm)
	if res.Status == consensus.QuorumReceived || res.Status == consensus.QuorumReceivedNoRelay {
		n.engine.ProcessQuorumMessage(qm)
	}
}

// requestCatchUp runs one syncer pass; failures are logged and retried on
// the next trigger.
func (n *Node) requestCatchUp(ctx context.Context) {
	if n.syncer == nil {
		return
	}
	if err := n.syncer.Run(ctx); err != nil {
		n.logger.Warn("catch-up pass failed", zap.Error(err))
	}
}
