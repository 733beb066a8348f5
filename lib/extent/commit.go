package extent

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// finishCurrentInsert drains extent_ins, per spec §4.D.5: every
// allocation staged while mutating the extent tree itself gets its
// EXTENT_ITEM actually inserted now, outside of the recursive call
// that requested the space in the first place. Draining can itself
// need space (inserting into a full leaf may split, which may need a
// fresh node, whose allocation stages another entry), so this keeps
// looping until extent_ins is empty.
func (a *Allocator) finishCurrentInsert(ctx context.Context) error {
	for len(a.extentIns) > 0 {
		pending := a.extentIns
		a.extentIns = nil
		for _, p := range pending {
			item := cowitem.ExtentItem{Refs: 1, Flags: cowitem.ExtentFlagInlineRef, InlineRef: p.Ref}
			if err := a.Tree.Insert(ctx, a.CurGen, extentKey(p.Start, p.Len), item); err != nil {
				return fmt.Errorf("extent: finish_current_insert: %w", err)
			}
		}
	}
	return nil
}

// delPendingExtents drains pending_del: frees deferred from a
// free_extent call made while mutating the extent tree itself.
func (a *Allocator) delPendingExtents(ctx context.Context) error {
	for len(a.pendingDel) > 0 {
		pending := a.pendingDel
		a.pendingDel = nil
		for _, p := range pending {
			if err := a.finalizeFree(ctx, p.Start, p.Len, p.Pin); err != nil {
				return fmt.Errorf("extent: del_pending_extents: %w", err)
			}
		}
	}
	return nil
}

// FinishExtentCommit implements spec §4.F step 8: once a transaction's
// dirty blocks and super block are durably written, every range the
// transaction pinned becomes free again - it is no longer reachable
// from any committed root, including the one just superseded.
func (a *Allocator) FinishExtentCommit(ctx context.Context) error {
	var pinned []containers.Range[cowprim.LogicalAddr]
	if err := a.pinned.Walk(func(r containers.Range[cowprim.LogicalAddr]) error {
		pinned = append(pinned, r)
		return nil
	}); err != nil {
		return err
	}
	for _, r := range pinned {
		a.freeSpace.Add(r)
	}
	a.pinned.Clear()
	return nil
}

// WriteDirtyBlockGroups rewrites a BLOCK_GROUP_ITEM for every group
// whose cached Used/flags have changed since it was last flushed, per
// the fixed-point loop §4.F step 4 describes (rewriting a group can
// itself dirty the extent tree, so the caller repeats this alongside
// an extent-root ROOT_ITEM rewrite until nothing changes).
func (a *Allocator) WriteDirtyBlockGroups(ctx context.Context) (dirtied int, err error) {
	var groups []*BlockGroup
	a.groups.walk(func(g *BlockGroup) bool {
		if g.Dirty {
			groups = append(groups, g)
		}
		return true
	})
	for _, g := range groups {
		key := cowprim.Key{ObjectID: cowprim.ObjID(g.Start), Type: cowprim.ItemTypeBlockGroup, Offset: g.Size}
		item := cowitem.BlockGroupItem{Used: int64(g.Used), Flags: g.Flags}
		if err := a.Tree.Delete(ctx, a.CurGen, key); err != nil && !errIsNotFound(err) {
			return dirtied, fmt.Errorf("extent: write_dirty_block_groups: %w", err)
		}
		if err := a.Tree.Insert(ctx, a.CurGen, key, item); err != nil {
			return dirtied, fmt.Errorf("extent: write_dirty_block_groups: %w", err)
		}
		g.Dirty = false
	}
	return len(groups), nil
}
