package snapshot

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/extent"
)

// Create implements spec §4.E's snapshot(root): the new root shares
// the source's current root block rather than copying it, with the
// block's own back-reference count bumped so the allocator knows two
// roots now hold it. The first mutation against the new root is what
// actually forks storage - cowtree.cow sees the block already belongs
// to a different owner/generation, allocates a fresh one, and
// FreeNode on the old address only decrements its refcount rather
// than freeing it, because the source root still holds a reference.
func Create(ctx context.Context, forrest *cowtree.Forrest, alloc *extent.Allocator, rootsTree *cowtree.Tree, curGen cowprim.Generation, sourceRootID, newRootID cowprim.ObjID) (*cowtree.Tree, error) {
	source, err := forrest.MustGet(ctx, sourceRootID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create: %w", err)
	}

	if err := alloc.IncRefNode(ctx, source.RootAddr, newRootID, source.RootGen); err != nil {
		return nil, fmt.Errorf("snapshot: create: incrementing root block refcount: %w", err)
	}

	item := cowitem.RootItem{
		TreeRootBytenr: source.RootAddr,
		Level:          source.RootLvl,
		Refs:           1,
	}
	if err := rootsTree.Insert(ctx, curGen, rootItemKey(newRootID), item); err != nil {
		return nil, fmt.Errorf("snapshot: create: inserting ROOT_ITEM: %w", err)
	}

	newTree := &cowtree.Tree{
		Owner:    newRootID,
		NodeSize: source.NodeSize,
		Source:   source.Source,
		Alloc:    source.Alloc,
		Writer:   source.Writer,
		Sum:      source.Sum,
		RefCows:  true,

		RootAddr: source.RootAddr,
		RootGen:  source.RootGen,
		RootLvl:  source.RootLvl,
	}
	forrest.Put(newRootID, newTree)
	return newTree, nil
}
