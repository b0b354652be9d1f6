package catchup

import (
	"sort"

	"github.com/vantor-labs/konsensus/internal/consensus"
	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/tree"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Snapshot bundles the read-only engine state the catch-up producer needs:
// the tree (for the alive frontier), the block store (for finalized blocks
// that have aged out of the tree's recent window), and the current round's
// vote material. It is built once per catch-up request via NewSnapshot,
// which reads the engine only through its exported accessors, so the
// producer holds a read-only snapshot and never needs the engine's
// internal lock while streaming.
type Snapshot struct {
	Tree             *tree.State
	Store            storage.BlockStore
	RoundStatus      types.RoundStatus
	LastFinalizingQC *types.QuorumCertificate
	PreviousRoundTC  *types.TimeoutCertificate
	QuorumMessages   []*types.QuorumMessage
	TimeoutMessages  []*types.TimeoutMessage
}

// NewSnapshot captures the engine state HandleCatchUpRequest needs.
func NewSnapshot(e *consensus.Engine) Snapshot {
	rs := e.RoundStatus()
	var prevTC *types.TimeoutCertificate
	if rs.PreviousRoundTimeout != nil {
		prevTC = rs.PreviousRoundTimeout.TC
	}
	return Snapshot{
		Tree:             e.Tree(),
		Store:            e.Store(),
		RoundStatus:      rs,
		LastFinalizingQC: e.LastFinalizingQC(),
		PreviousRoundTC:  prevTC,
		QuorumMessages:   e.QuorumMessages(),
		TimeoutMessages:  e.TimeoutMessages(),
	}
}

// MakeStatus builds the local catch-up status summary from the engine's
// current tree and vote-pool state.
func MakeStatus(e *consensus.Engine) Status {
	rs := e.RoundStatus()
	t := e.Tree()
	lf := t.LastFinalized()

	firstEpoch, firstSigners, secondSigners, have := e.TimeoutWindowSummary()
	var ts *TimeoutSummary
	if have {
		ts = &TimeoutSummary{FirstEpoch: firstEpoch, FirstSigners: firstSigners, SecondSigners: secondSigners}
	}

	leaves := t.Leaves()
	isLeaf := make(map[types.Hash]bool, len(leaves))
	for _, n := range leaves {
		isLeaf[n.Hash] = true
	}
	var branches []types.Hash
	for _, n := range t.Branches() {
		if !isLeaf[n.Hash] {
			branches = append(branches, n.Hash)
		}
	}

	return Status{
		LastFinalizedHash:  lf.Hash,
		LastFinalizedRound: lf.Block.Round,
		CurrentRound:       rs.CurrentRound,
		Leaves:             hashesOf(leaves),
		Branches:           branches,
		QuorumSignerSets:   e.QuorumSignerSets(),
		TimeoutSummary:     ts,
	}
}

func hashesOf(nodes []*tree.Node) []types.Hash {
	out := make([]types.Hash, len(nodes))
	for i, n := range nodes {
		out[i] = n.Hash
	}
	return out
}

// Producer is a pull-driven response iterator: the caller repeatedly
// calls Next to get one block frame at a
// time, then Finish to obtain the terminal data once it stops asking for
// more. Stopping before exhausting Next simply truncates the response; the
// terminal data returned by Finish is unaffected by how many blocks were
// actually sent.
type Producer struct {
	blocks []*types.Block
	idx    int
	term   TerminalData
}

// Next returns the next block frame, or ok=false once the stream is
// exhausted.
func (p *Producer) Next() (*types.Block, bool) {
	if p == nil || p.idx >= len(p.blocks) {
		return nil, false
	}
	b := p.blocks[p.idx]
	p.idx++
	return b, true
}

// Finish returns the terminal data record that closes the response.
func (p *Producer) Finish() TerminalData {
	if p == nil {
		return TerminalData{}
	}
	return p.term
}

// HandleCatchUpRequest answers a peer's catch-up request: stream the
// blocks theirs is missing (first the finalized backlog,
// then the alive frontier), then close with terminal data built from the
// current round's vote material.
func HandleCatchUpRequest(theirs Status, snap Snapshot) *Producer {
	status := snap.Tree.GetBlockStatus(theirs.LastFinalizedHash)
	if status != types.StatusFinalized && status != types.StatusAlive {
		return &Producer{}
	}
	theirHeight, ok := resolveHeight(snap, theirs.LastFinalizedHash)
	if !ok {
		return &Producer{}
	}

	known := theirs.knownHashes()
	var stream []*types.Block

	lf := snap.Tree.LastFinalized()
	if theirHeight < lf.Height && snap.Store != nil {
		for h := theirHeight + 1; h <= lf.Height; h++ {
			b, err := snap.Store.GetBlockByHeight(h)
			if err != nil {
				break
			}
			if _, skip := known[b.Hash()]; skip {
				continue
			}
			stream = append(stream, b)
		}
	}

	nodes := append([]*tree.Node{}, snap.Tree.Branches()...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Height < nodes[j].Height })
	included := make(map[types.Hash]bool, len(nodes))
	for _, n := range nodes {
		_, isKnown := known[n.Hash]
		if included[n.Parent] || !isKnown {
			included[n.Hash] = true
			stream = append(stream, n.Block)
		}
	}

	return &Producer{blocks: stream, term: buildTerminalData(theirs, snap)}
}

func resolveHeight(snap Snapshot, h types.Hash) (uint64, bool) {
	if n, ok := snap.Tree.Node(h); ok {
		return n.Height, true
	}
	if snap.Store == nil {
		return 0, false
	}
	height, err := snap.Store.GetHeightByHash(h)
	if err != nil {
		return 0, false
	}
	return height, true
}

func buildTerminalData(theirs Status, snap Snapshot) TerminalData {
	var td TerminalData
	td.HighestQC = snap.RoundStatus.HighestCertifiedBlock
	if snap.LastFinalizingQC != nil &&
		(td.HighestQC == nil || snap.LastFinalizingQC.BlockHash != td.HighestQC.BlockHash) {
		td.FinalizingQC = snap.LastFinalizingQC
	}
	if theirs.CurrentRound < snap.RoundStatus.CurrentRound {
		td.TC = snap.PreviousRoundTC
	}

	for _, qm := range snap.QuorumMessages {
		set := theirs.QuorumSignerSets[qm.BlockHash]
		if set == nil || !set.IsSet(qm.Signer) {
			td.QuorumMessages = append(td.QuorumMessages, qm)
		}
	}

	for _, tm := range snap.TimeoutMessages {
		var set *types.FinalizerSet
		if theirs.TimeoutSummary != nil {
			switch tm.Epoch {
			case theirs.TimeoutSummary.FirstEpoch:
				set = theirs.TimeoutSummary.FirstSigners
			case theirs.TimeoutSummary.FirstEpoch + 1:
				set = theirs.TimeoutSummary.SecondSigners
			}
		}
		if set == nil || !set.IsSet(tm.Signer) {
			td.TimeoutMessages = append(td.TimeoutMessages, tm)
		}
	}

	return td
}
