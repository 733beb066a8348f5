package txn

import (
	"context"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// idleInterval is how long a transaction may stay open, counted from
// when it started (later joins do not reset it), before the
// background worker commits it on the caller's behalf, and also the
// worker's wake-up period - both "30 seconds" per spec §4.F's closing
// paragraph and original_source/fs/btrfs/transaction.c's
// btrfs_transaction_cleaner (HZ * 30).
const idleInterval = 30 * time.Second

// RunBackground starts the periodic committer goroutine, grounded on
// lib/btrfsutil/scan.go's dgroup.NewGroup pattern for structured
// goroutine lifecycle: it wakes every idleInterval to commit a
// transaction that has been open that long, and to drive
// one bounded step of whatever snapshot-drop walk is queued. It
// returns once ctx is canceled and the goroutine has exited.
func (m *Manager) RunBackground(ctx context.Context) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	grp.Go("committer", func(ctx context.Context) error {
		ticker := time.NewTicker(idleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	})
	return grp.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	idle := m.running != nil && time.Since(m.running.startedAt) >= idleInterval
	m.mu.Unlock()

	if idle {
		h := m.StartTransaction(nil, 1)
		if err := m.CommitTransaction(ctx, h); err != nil {
			dlog.Errorf(ctx, "periodic commit failed: %v", err)
		}
	}

	if progressed, err := m.committer.StepDrop(ctx); err != nil {
		dlog.Errorf(ctx, "background snapshot drop step failed: %v", err)
	} else if progressed {
		dlog.Debugf(ctx, "background snapshot drop made progress")
	}
}
