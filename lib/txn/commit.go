package txn

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// CommitTransaction implements spec §4.F's commit_transaction: the
// first caller to reach a given transaction drives it through
// COMMITTING to DONE; any other handle still open on the same
// transaction (including one racing in on another goroutine) just
// waits for that first caller's result instead of re-running the
// pipeline.
func (m *Manager) CommitTransaction(ctx context.Context, h *Handle) error {
	if h.ended {
		return fmt.Errorf("txn: handle for transid %v already ended", h.Transid)
	}

	m.mu.Lock()
	t := h.txn
	h.ended = true

	if t.status == StatusCommitting || t.status == StatusDone {
		// Someone else is already driving this transaction's
		// commit (or already finished it); stop being a writer
		// and wait for their result instead of racing them.
		t.numWriters--
		t.writerWait.Broadcast()
		for t.status != StatusDone {
			t.commitWait.Wait()
		}
		err := t.commitErr
		t.useCount--
		m.mu.Unlock()
		return err
	}

	t.status = StatusCommitting
	for t.numWriters > 1 {
		t.writerWait.Wait()
	}
	dirty := make([]cowprim.ObjID, 0, len(t.dirtyRoots))
	for id := range t.dirtyRoots {
		dirty = append(dirty, id)
	}
	m.mu.Unlock()

	// Steps 3-8 run without Manager's own mutex held: the actual
	// tree/allocator/super mutation they perform is serialized by
	// the filesystem mutex the Committer implementation holds
	// internally, not by this package's transaction bookkeeping.
	err := m.runCommitPipeline(ctx, t.transid, dirty)

	m.mu.Lock()
	if m.running == t {
		m.running = nil
	}
	t.commitErr = err
	t.status = StatusDone
	t.useCount--
	t.commitWait.Broadcast()
	m.mu.Unlock()
	return err
}

func (m *Manager) runCommitPipeline(ctx context.Context, transid cowprim.Generation, dirty []cowprim.ObjID) error {
	if err := m.committer.CommitDirtyRoots(ctx, dirty); err != nil {
		return fmt.Errorf("txn: commit %v: rewriting dirty roots: %w", transid, err)
	}
	for {
		n, err := m.committer.SyncExtentState(ctx)
		if err != nil {
			return fmt.Errorf("txn: commit %v: syncing extent state: %w", transid, err)
		}
		if n == 0 {
			break
		}
	}
	if err := m.committer.FlushDirty(ctx); err != nil {
		return fmt.Errorf("txn: commit %v: flushing dirty blocks: %w", transid, err)
	}
	if err := m.committer.WriteSuper(ctx, transid); err != nil {
		return fmt.Errorf("txn: commit %v: writing super block: %w", transid, err)
	}
	if err := m.committer.FinishExtentCommit(ctx); err != nil {
		return fmt.Errorf("txn: commit %v: finishing extent commit: %w", transid, err)
	}
	return nil
}
