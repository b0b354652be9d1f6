package tree

import (
	"sync"

	"github.com/vantor-labs/konsensus/internal/storage"
	"github.com/vantor-labs/konsensus/internal/types"
)

// State is the in-memory block tree: the live map, dead cache,
// pending-by-parent table, pending priority queue, branches, focus block,
// and last-finalized pointer. It is mutated from a single logical
// execution context; the mutex here only guards against the
// catch-up producer and RPC read paths observing it concurrently, since
// both may run on separate goroutines reading snapshots.
type State struct {
	mu sync.RWMutex

	store storage.BlockStore

	live map[types.Hash]*liveEntry

	// recentFinalized is the FIFO of finalized hashes still resident in
	// live, bounded by recentWindow; blocks finalized long enough ago to
	// fall out of this window are answered via GetBlockStatus's store
	// lookup instead.
	recentFinalized []types.Hash
	recentWindow    int

	deadCache     map[types.Hash]struct{}
	deadOrder     []types.Hash
	deadCacheSize int

	pendingByParent map[types.Hash][]*types.Block
	pendingQ        *pendingQueue

	lastFinalized *Node
	focus         *Node

	// branches indexes alive, non-finalized blocks by height for catch-up's
	// leaves/branches summary.
	branches map[uint64][]*Node
}

// NewState constructs tree state rooted at the genesis block, which is
// immediately both alive and finalized.
func NewState(genesis *types.Block, store storage.BlockStore, deadCacheSize, recentWindow int) *State {
	if deadCacheSize <= 0 {
		deadCacheSize = 1024
	}
	if recentWindow <= 0 {
		recentWindow = 256
	}
	root := &Node{
		Block:  genesis,
		Hash:   genesis.Hash(),
		Height: 0,
		Parent: types.ZeroHash,
		Status: types.StatusFinalized,
	}
	s := &State{
		store:           store,
		live:            make(map[types.Hash]*liveEntry),
		deadCache:       make(map[types.Hash]struct{}),
		pendingByParent: make(map[types.Hash][]*types.Block),
		pendingQ:        newPendingQueue(),
		branches:        make(map[uint64][]*Node),
		deadCacheSize:   deadCacheSize,
		recentWindow:    recentWindow,
		lastFinalized:   root,
		focus:           root,
	}
	s.live[root.Hash] = &liveEntry{node: root}
	s.recentFinalized = append(s.recentFinalized, root.Hash)
	return s
}

// GetRecentBlockStatus reports the tracked lifecycle status for a hash in
// the live map or dead cache. Any other hash is looked up in the block
// store: OldFinalized if the store holds it, Unknown otherwise. With no
// store attached, every untracked hash is reported OldFinalized.
func (s *State) GetRecentBlockStatus(h types.Hash) types.RecentBlockStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.live[h]; ok {
		return types.RecentBlockStatus{Status: e.status()}
	}
	if _, ok := s.deadCache[h]; ok {
		return types.RecentBlockStatus{Status: types.StatusDead}
	}
	if s.store != nil {
		if _, err := s.store.GetBlockByHash(h); err != nil {
			return types.RecentBlockStatus{Status: types.StatusUnknown}
		}
	}
	return types.RecentBlockStatus{OldFinalized: true, Status: types.StatusUnknown}
}

// GetBlockStatus may block on the persistent store.
func (s *State) GetBlockStatus(h types.Hash) types.BlockLifecycleStatus {
	s.mu.RLock()
	if e, ok := s.live[h]; ok {
		status := e.status()
		s.mu.RUnlock()
		return status
	}
	if _, ok := s.deadCache[h]; ok {
		s.mu.RUnlock()
		return types.StatusDead
	}
	s.mu.RUnlock()

	if s.store == nil {
		return types.StatusUnknown
	}
	if _, err := s.store.GetBlockByHash(h); err == nil {
		return types.StatusFinalized
	}
	return types.StatusUnknown
}

// AddPendingBlock inserts pb into pending-by-parent (prepended) and the
// pending queue.
func (s *State) AddPendingBlock(pb *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := pb.ParentHash
	s.pendingByParent[parent] = append([]*types.Block{pb}, s.pendingByParent[parent]...)
	s.live[pb.Hash()] = &liveEntry{pending: pb}
	s.pendingQ.push(pb.Round, pb.Hash(), parent)
}

// TakePendingChildren atomically removes and returns all pending children
// of parent.
func (s *State) TakePendingChildren(parent types.Hash) []*types.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := s.pendingByParent[parent]
	delete(s.pendingByParent, parent)
	return children
}

// TakeNextPendingUntil pops the pending block with the smallest round ≤
// targetRound still witnessed by the pending-by-parent table; stale queue
// entries are discarded silently.
func (s *State) TakeNextPendingUntil(targetRound types.Round) (*types.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		round, ok := s.pendingQ.peekRound()
		if !ok || round > targetRound {
			return nil, false
		}
		entry, ok := s.pendingQ.pop()
		if !ok {
			return nil, false
		}
		siblings := s.pendingByParent[entry.parent]
		for i, pb := range siblings {
			if pb.Hash() == entry.hash {
				s.pendingByParent[entry.parent] = append(siblings[:i], siblings[i+1:]...)
				if len(s.pendingByParent[entry.parent]) == 0 {
					delete(s.pendingByParent, entry.parent)
				}
				return pb, true
			}
		}
		// Stale entry: the pending-by-parent table no longer witnesses it.
	}
}

// MakeLive replaces the pending record for pb's hash with an alive pointer,
// tracks it in the height-indexed branches table, moves focus onto it (the
// node that just became alive is always the block production parent until
// finalization says otherwise), and returns the new node.
func (s *State) MakeLive(pb *types.Block, height uint64) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := &Node{
		Block:  pb,
		Hash:   pb.Hash(),
		Height: height,
		Parent: pb.ParentHash,
		Status: types.StatusAlive,
	}
	s.live[node.Hash] = &liveEntry{node: node}
	s.branches[height] = append(s.branches[height], node)
	s.focus = node
	return node
}

// MarkDead removes h from the live map and inserts it into the bounded
// FIFO dead cache.
func (s *State) MarkDead(h types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDeadLocked(h)
}

func (s *State) markDeadLocked(h types.Hash) {
	if e, ok := s.live[h]; ok {
		if e.node != nil {
			s.removeFromBranchesLocked(e.node)
		}
		delete(s.live, h)
	}
	if _, already := s.deadCache[h]; already {
		return
	}
	s.deadCache[h] = struct{}{}
	s.deadOrder = append(s.deadOrder, h)
	if len(s.deadOrder) > s.deadCacheSize {
		oldest := s.deadOrder[0]
		s.deadOrder = s.deadOrder[1:]
		delete(s.deadCache, oldest)
	}
}

func (s *State) removeFromBranchesLocked(n *Node) {
	list := s.branches[n.Height]
	for i, b := range list {
		if b.Hash == n.Hash {
			s.branches[n.Height] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Node looks up the alive/finalized arena node for h, if any.
func (s *State) Node(h types.Hash) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live[h]
	if !ok || e.node == nil {
		return nil, false
	}
	return e.node, true
}

// LastFinalized returns the current last-finalized node.
func (s *State) LastFinalized() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinalized
}

// Focus returns the current focus block.
func (s *State) Focus() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focus
}

// Leaves returns alive blocks with no alive child, for catch-up status
// summaries.
func (s *State) Leaves() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hasChild := make(map[types.Hash]bool)
	var all []*Node
	for _, list := range s.branches {
		for _, n := range list {
			all = append(all, n)
		}
	}
	for _, n := range all {
		hasChild[n.Parent] = true
	}
	var leaves []*Node
	for _, n := range all {
		if !hasChild[n.Hash] {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Branches returns every alive, non-finalized node (leaves and internal
// branch points alike); callers distinguish via Leaves.
func (s *State) Branches() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Node
	for _, list := range s.branches {
		all = append(all, list...)
	}
	return all
}

// FinalizeChain marks every block from node up to (but not including) the
// previous last-finalized block as finalized, in height order, pruning
// competing branches and draining the pending queue of stale entries.
// Called by the finality detector.
func (s *State) FinalizeChain(newLast *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Walk from newLast back to the previous last-finalized block,
	// collecting the chain to finalize in height order.
	var chain []*Node
	cur := newLast
	for cur != nil && cur.Hash != s.lastFinalized.Hash {
		chain = append(chain, cur)
		parent, ok := s.live[cur.Parent]
		if !ok || parent.node == nil {
			break
		}
		cur = parent.node
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	for _, n := range chain {
		n.Status = types.StatusFinalized
		s.removeFromBranchesLocked(n)
		s.recentFinalized = append(s.recentFinalized, n.Hash)
	}
	for len(s.recentFinalized) > s.recentWindow {
		oldest := s.recentFinalized[0]
		s.recentFinalized = s.recentFinalized[1:]
		if oldest != newLast.Hash {
			delete(s.live, oldest)
		}
	}

	s.lastFinalized = newLast

	// Prune competing branches: any alive block not descending from
	// newLast is dead.
	for height, list := range s.branches {
		if height <= newLast.Height {
			for _, n := range append([]*Node{}, list...) {
				if n.Hash != newLast.Hash {
					s.markDeadLocked(n.Hash)
				}
			}
			continue
		}
		for _, n := range append([]*Node{}, list...) {
			if !s.descendsFromLocked(n, newLast) {
				s.markDeadLocked(n.Hash)
			}
		}
	}

	// Drain the pending queue of entries whose round ≤ new last-finalized
	// round; their blocks can never become alive now.
	for {
		round, ok := s.pendingQ.peekRound()
		if !ok || round > newLast.Block.Round {
			break
		}
		s.pendingQ.pop()
	}

	if !s.descendsFromLocked(s.focus, newLast) {
		s.focus = newLast
	}
}

func (s *State) descendsFromLocked(n, ancestor *Node) bool {
	if n == nil {
		return false
	}
	cur := n
	for {
		if cur.Hash == ancestor.Hash {
			return true
		}
		if cur.Height <= ancestor.Height {
			return false
		}
		parentEntry, ok := s.live[cur.Parent]
		if !ok || parentEntry.node == nil {
			return false
		}
		cur = parentEntry.node
	}
}
