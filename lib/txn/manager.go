package txn

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
)

// Committer is everything commit_transaction needs from the
// filesystem object (spec §4.F steps 3-8), kept as an interface so
// this package doesn't import the filesystem (cowfs.FS implements it):
// Manager drives the pipeline, the concrete filesystem supplies the
// tree/allocator/super-block operations each step performs.
type Committer interface {
	// CommitDirtyRoots rewrites the ROOT_ITEM of every root in ids
	// to point at that root's current node (step 3).
	CommitDirtyRoots(ctx context.Context, ids []cowprim.ObjID) error
	// SyncExtentState runs one pass of write_dirty_block_groups plus
	// rewriting the extent root's own ROOT_ITEM (step 4); the caller
	// repeats this until it reports zero groups dirtied.
	SyncExtentState(ctx context.Context) (dirtied int, err error)
	// FlushDirty writes every block the transaction dirtied to disk
	// and waits for completion (step 6).
	FlushDirty(ctx context.Context) error
	// WriteSuper writes the super block(s) with the given
	// generation (step 7); by the time this is called the working
	// super's root_tree_bytenr has already been updated by the
	// caller's own bookkeeping.
	WriteSuper(ctx context.Context, generation cowprim.Generation) error
	// FinishExtentCommit clears the transaction's pinned ranges back
	// into free space (step 8).
	FinishExtentCommit(ctx context.Context) error
	// StepDrop drives one bounded increment of whatever
	// snapshot-drop walk is queued, returning false if nothing was
	// queued or the queue is now empty.
	StepDrop(ctx context.Context) (bool, error)
}

// Manager owns the running transaction and drives start/end/commit
// per spec §4.F. Its mutex is the "transaction mutex" of spec §5; the
// separate "filesystem mutex" that serializes the actual tree
// mutations Committer performs belongs to the filesystem object that
// implements Committer, not to Manager.
type Manager struct {
	mu         sync.Mutex
	generation cowprim.Generation
	running    *transaction
	committer  Committer
}

// NewManager constructs a Manager whose first transaction will be
// numbered startGeneration+1, matching the source's
// fs_info->generation++ on first join.
func NewManager(committer Committer, startGeneration cowprim.Generation) *Manager {
	return &Manager{generation: startGeneration, committer: committer}
}

func (m *Manager) joinLocked() *transaction {
	if m.running == nil {
		m.generation++
		m.running = newTransaction(&m.mu, m.generation)
	} else {
		m.running.useCount++
	}
	m.running.numWriters++
	return m.running
}

// StartTransaction joins the current transaction (creating one if
// none is open) and, if desc names a ref-counted root that this
// transaction hasn't touched yet, tags it dirty so commit_transaction
// rewrites its ROOT_ITEM. desc may be nil for callers (like the
// background committer) that aren't about to mutate any particular
// tree.
func (m *Manager) StartTransaction(desc *cowtree.RootDescriptor, reservedBlocks int) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.joinLocked()
	if desc != nil && desc.RefCows && desc.RootItem.Refs != 0 && desc.LastTrans < t.transid {
		t.dirtyRoots.Insert(desc.RootKey.ObjectID)
		desc.LastTrans = t.transid
	}
	return &Handle{Transid: t.transid, BlocksReserved: reservedBlocks, mgr: m, txn: t}
}

// EndTransaction releases a handle without committing: the writer is
// done, but the transaction stays open for other writers (or a later
// commit) to join.
func (m *Manager) EndTransaction(h *Handle) error {
	if h.ended {
		return fmt.Errorf("txn: handle for transid %v already ended", h.Transid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ended = true
	t := h.txn
	t.numWriters--
	t.writerWait.Broadcast()
	t.useCount--
	return nil
}
