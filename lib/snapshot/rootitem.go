// Package snapshot implements root cloning and the resumable
// refcount-guided drop walk: spec §4.E's snapshot(root) and
// drop_snapshot(root), grounded on
// original_source/fs/btrfs/root-tree.c's ROOT_ITEM bookkeeping.
package snapshot

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
)

// rootItemKey builds a ROOT_ITEM's key. The real format keys each
// rewrite by the transaction id that produced it
// (btrfs_find_last_root's whole job is finding the newest one); this
// engine keeps exactly one ROOT_ITEM per objectid, rewritten in place
// on every change, since nothing in this spec's invariants needs
// historical root-item versions to coexist.
func rootItemKey(rootID cowprim.ObjID) cowprim.Key {
	return cowprim.Key{ObjectID: rootID, Type: cowprim.ItemTypeRoot, Offset: 0}
}

func lookupRootItem(ctx context.Context, rootsTree *cowtree.Tree, rootID cowprim.ObjID) (cowprim.Key, cowitem.RootItem, error) {
	key := rootItemKey(rootID)
	body, err := rootsTree.Get(ctx, key)
	if err != nil {
		return cowprim.Key{}, cowitem.RootItem{}, fmt.Errorf("%w: no ROOT_ITEM for %v", cowerr.NotFound, rootID)
	}
	item, ok := body.(cowitem.RootItem)
	if !ok {
		return cowprim.Key{}, cowitem.RootItem{}, fmt.Errorf("snapshot: ROOT_ITEM for %v decoded as %T", rootID, body)
	}
	return key, item, nil
}

func rewriteRootItem(ctx context.Context, rootsTree *cowtree.Tree, curGen cowprim.Generation, key cowprim.Key, item cowitem.RootItem) error {
	if err := rootsTree.Delete(ctx, curGen, key); err != nil {
		return fmt.Errorf("snapshot: rewriting ROOT_ITEM: %w", err)
	}
	if err := rootsTree.Insert(ctx, curGen, key, item); err != nil {
		return fmt.Errorf("snapshot: rewriting ROOT_ITEM: %w", err)
	}
	return nil
}
