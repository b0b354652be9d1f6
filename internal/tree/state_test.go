package tree

import (
	"testing"

	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func genesisBlock() *types.Block {
	b := types.GenesisBlock(hashOf(0), types.ZeroHash)
	return b
}

func childBlock(round types.Round, parent types.Hash) *types.Block {
	b := &types.Block{
		Round:      round,
		Epoch:      0,
		ParentHash: parent,
		ParentQC: &types.QuorumCertificate{
			BlockHash: parent,
			Round:     round - 1,
			Epoch:     0,
		},
	}
	b.SetHash(hashOf(byte(round)))
	return b
}

func TestNewStateRootsAtGenesis(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	lf := s.LastFinalized()
	if lf.Hash != gen.Hash() {
		t.Fatalf("expected last-finalized to be genesis, got %s", lf.Hash)
	}
	if s.Focus().Hash != gen.Hash() {
		t.Fatalf("expected focus to be genesis")
	}
	if lf.Status != types.StatusFinalized {
		t.Fatalf("expected genesis status finalized, got %v", lf.Status)
	}
}

func TestPendingBlockLifecycleToAlive(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	pb := childBlock(1, gen.Hash())
	s.AddPendingBlock(pb)

	if got := s.GetRecentBlockStatus(pb.Hash()).Status; got != types.StatusPending {
		t.Fatalf("expected pending status, got %v", got)
	}

	children := s.TakePendingChildren(gen.Hash())
	if len(children) != 1 || children[0].Hash() != pb.Hash() {
		t.Fatalf("expected to reclaim the pending child, got %v", children)
	}
	// Second take should see nothing left.
	if again := s.TakePendingChildren(gen.Hash()); len(again) != 0 {
		t.Fatalf("expected pending-by-parent to be drained, got %v", again)
	}

	node := s.MakeLive(pb, 1)
	if node.Status != types.StatusAlive {
		t.Fatalf("expected alive status after MakeLive")
	}
	if got := s.GetRecentBlockStatus(pb.Hash()).Status; got != types.StatusAlive {
		t.Fatalf("expected alive status from recent lookup, got %v", got)
	}

	fetched, ok := s.Node(pb.Hash())
	if !ok || fetched.Hash != pb.Hash() {
		t.Fatalf("expected Node lookup to find the live node")
	}
}

func TestMarkDeadMovesBlockOutOfLiveAndIntoDeadCache(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	pb := childBlock(1, gen.Hash())
	s.AddPendingBlock(pb)
	s.TakePendingChildren(gen.Hash())
	s.MakeLive(pb, 1)

	s.MarkDead(pb.Hash())

	status := s.GetRecentBlockStatus(pb.Hash())
	if status.Status != types.StatusDead {
		t.Fatalf("expected dead status, got %v", status.Status)
	}
	if _, ok := s.Node(pb.Hash()); ok {
		t.Fatalf("expected dead node to be removed from the live arena")
	}
}

func TestDeadCacheEvictsOldestBeyondBound(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 2, 0)

	h1, h2, h3 := hashOf(1), hashOf(2), hashOf(3)
	s.MarkDead(h1)
	s.MarkDead(h2)
	s.MarkDead(h3)

	if got := s.GetRecentBlockStatus(h1).Status; got != types.StatusUnknown {
		t.Fatalf("expected the oldest dead entry to be evicted, got %v", got)
	}
	if got := s.GetRecentBlockStatus(h3).Status; got != types.StatusDead {
		t.Fatalf("expected the newest dead entry to remain tracked, got %v", got)
	}
}

func TestGetRecentBlockStatusReportsOldFinalizedOutsideWindow(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 1)

	// Finalize enough blocks to push genesis out of the recent window.
	parent := gen
	cur := s.LastFinalized()
	for r := types.Round(1); r <= 2; r++ {
		pb := childBlock(r, parent.Hash())
		s.AddPendingBlock(pb)
		s.TakePendingChildren(parent.Hash())
		node := s.MakeLive(pb, uint64(r))
		s.FinalizeChain(node)
		parent = pb
		cur = node
	}
	_ = cur

	status := s.GetRecentBlockStatus(gen.Hash())
	if !status.OldFinalized {
		t.Fatalf("expected genesis to have aged out of the recent window, got %+v", status)
	}
}

func TestGetBlockStatusFallsBackToStore(t *testing.T) {
	store := storage.NewMemStore()
	gen := genesisBlock()
	if err := store.SaveFinalizedBlock(0, gen, nil); err != nil {
		t.Fatalf("save genesis: %v", err)
	}

	s := NewState(gen, store, 0, 1)

	pb := childBlock(1, gen.Hash())
	s.AddPendingBlock(pb)
	s.TakePendingChildren(gen.Hash())
	node := s.MakeLive(pb, 1)
	s.FinalizeChain(node)

	if err := store.SaveFinalizedBlock(1, pb, &types.FinalizationEntry{}); err != nil {
		t.Fatalf("save finalized block: %v", err)
	}

	// Age genesis out of the in-memory recent window so GetBlockStatus must
	// consult the store.
	pb2 := childBlock(2, pb.Hash())
	s.AddPendingBlock(pb2)
	s.TakePendingChildren(pb.Hash())
	node2 := s.MakeLive(pb2, 2)
	s.FinalizeChain(node2)

	if got := s.GetBlockStatus(gen.Hash()); got != types.StatusFinalized {
		t.Fatalf("expected store fallback to report finalized, got %v", got)
	}
	if got := s.GetBlockStatus(hashOf(99)); got != types.StatusUnknown {
		t.Fatalf("expected unknown for a block absent everywhere, got %v", got)
	}
}

func TestFinalizeChainPrunesCompetingBranches(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	winner := childBlock(1, gen.Hash())
	loser := &types.Block{
		Round:      1,
		Epoch:      0,
		ParentHash: gen.Hash(),
		ParentQC:   &types.QuorumCertificate{BlockHash: gen.Hash(), Round: 0, Epoch: 0},
		Baker:      types.BakerId(2),
	}
	loser.SetHash(hashOf(200))

	s.AddPendingBlock(winner)
	s.AddPendingBlock(loser)
	s.TakePendingChildren(gen.Hash())

	winNode := s.MakeLive(winner, 1)
	loseNode := s.MakeLive(loser, 1)

	if len(s.Branches()) != 2 {
		t.Fatalf("expected both competing blocks to be alive branches, got %d", len(s.Branches()))
	}

	s.FinalizeChain(winNode)

	if got := s.GetRecentBlockStatus(loseNode.Hash).Status; got != types.StatusDead {
		t.Fatalf("expected the losing branch to be marked dead, got %v", got)
	}
	if got := s.GetRecentBlockStatus(winNode.Hash).Status; got != types.StatusFinalized {
		t.Fatalf("expected the winning branch to be finalized, got %v", got)
	}
	if len(s.Branches()) != 0 {
		t.Fatalf("expected no alive branches left at or below the finalized height, got %d", len(s.Branches()))
	}
}

func TestFinalizeChainMovesFocusWhenItWasOnADeadBranch(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	winner := childBlock(1, gen.Hash())
	loser := &types.Block{
		Round:      1,
		Epoch:      0,
		ParentHash: gen.Hash(),
		ParentQC:   &types.QuorumCertificate{BlockHash: gen.Hash(), Round: 0, Epoch: 0},
		Baker:      types.BakerId(2),
	}
	loser.SetHash(hashOf(201))

	s.AddPendingBlock(winner)
	s.AddPendingBlock(loser)
	s.TakePendingChildren(gen.Hash())

	winNode := s.MakeLive(winner, 1)
	loseNode := s.MakeLive(loser, 1)

	// Point focus at the branch that will lose.
	s.mu.Lock()
	s.focus = loseNode
	s.mu.Unlock()

	s.FinalizeChain(winNode)

	if s.Focus().Hash != winNode.Hash {
		t.Fatalf("expected focus to move onto the newly finalized chain, got %s", s.Focus().Hash)
	}
}

func TestTakeNextPendingUntilRespectsRoundOrderAndDiscardsStaleEntries(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	b1 := childBlock(1, gen.Hash())
	b2 := childBlock(2, gen.Hash())
	s.AddPendingBlock(b2)
	s.AddPendingBlock(b1)

	pb, ok := s.TakeNextPendingUntil(1)
	if !ok || pb.Hash() != b1.Hash() {
		t.Fatalf("expected round-1 block first, got %+v ok=%v", pb, ok)
	}

	if _, ok := s.TakeNextPendingUntil(1); ok {
		t.Fatalf("expected no further entries at or below round 1")
	}

	pb2, ok := s.TakeNextPendingUntil(2)
	if !ok || pb2.Hash() != b2.Hash() {
		t.Fatalf("expected round-2 block next, got %+v ok=%v", pb2, ok)
	}
}

func TestLeavesExcludesBlocksWithAliveChildren(t *testing.T) {
	gen := genesisBlock()
	s := NewState(gen, nil, 0, 0)

	b1 := childBlock(1, gen.Hash())
	s.AddPendingBlock(b1)
	s.TakePendingChildren(gen.Hash())
	n1 := s.MakeLive(b1, 1)

	b2 := childBlock(2, b1.Hash())
	s.AddPendingBlock(b2)
	s.TakePendingChildren(b1.Hash())
	n2 := s.MakeLive(b2, 2)

	leaves := s.Leaves()
	if len(leaves) != 1 || leaves[0].Hash != n2.Hash {
		t.Fatalf("expected only the tip to be a leaf, got %v (n1=%s n2=%s)", leaves, n1.Hash, n2.Hash)
	}
}

func TestPendingQueueOrdersByRoundAndDiscardsStaleEntriesOnPop(t *testing.T) {
	q := newPendingQueue()
	q.push(3, hashOf(3), hashOf(0))
	q.push(1, hashOf(1), hashOf(0))
	q.push(2, hashOf(2), hashOf(0))

	if q.len() != 3 {
		t.Fatalf("expected 3 queued entries, got %d", q.len())
	}

	round, ok := q.peekRound()
	if !ok || round != 1 {
		t.Fatalf("expected smallest round 1 to be peeked, got %d ok=%v", round, ok)
	}

	var rounds []types.Round
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		rounds = append(rounds, e.round)
	}
	if len(rounds) != 3 || rounds[0] != 1 || rounds[1] != 2 || rounds[2] != 3 {
		t.Fatalf("expected pops in round order [1 2 3], got %v", rounds)
	}
}
