package cowtree

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Delete removes the item at key. It is NotFound if no such item
// exists.
//
// Rebalancing is deliberately narrower than a full btrfs
// balance_level: a leaf or interior node that drops below one-third
// full is left underfull rather than borrowing from a sibling, and a
// node is only ever removed from its parent (freeing the subtree
// pointer and recursing the same check upward) once it has dropped to
// zero entries. Underfull-but-nonempty nodes waste some space until a
// later split in that region happens to even things out; they never
// violate correctness. A production balancer would additionally merge
// across a minimum-fill threshold, at the cost of needing
// sibling-aware COW (both neighbors would need a new address, not
// just the node being modified).
func (t *Tree) Delete(ctx context.Context, curGen cowprim.Generation, key cowprim.Key) error {
	path, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	leaf := &path[len(path)-1]
	if !leaf.found {
		return fmt.Errorf("%w: key %v", cowerr.NotFound, key)
	}

	if err := t.cow(ctx, path, curGen); err != nil {
		return err
	}
	leaf = &path[len(path)-1]
	deleteLeafItem(leaf.node, leaf.slot)
	t.touch(leaf.node)

	if err := t.collapseEmpty(ctx, path, curGen); err != nil {
		return err
	}
	return t.flush(ctx)
}

// collapseEmpty walks from the leaf back toward the root, removing
// any node that has dropped to zero entries from its parent and
// freeing its block, then shrinking the tree by a level if the root
// ends up with a single child.
func (t *Tree) collapseEmpty(ctx context.Context, path []step, curGen cowprim.Generation) error {
	for i := len(path) - 1; i > 0; i-- {
		s := &path[i]
		empty := false
		if s.node.Head.Level > 0 {
			empty = len(s.node.BodyInterior) == 0
		} else {
			empty = len(s.node.BodyLeaf) == 0
		}
		if !empty {
			return nil
		}
		parent := &path[i-1]
		if err := t.Alloc.FreeNode(ctx, s.addr, t.Owner, s.node.Head.Generation); err != nil {
			return fmt.Errorf("cowtree: collapseEmpty: %w", err)
		}
		removeInteriorKP(parent.node, parent.slot)
		t.touch(parent.node)
	}

	root := &path[0]
	if root.node.Head.Level > 0 && len(root.node.BodyInterior) == 1 {
		only := root.node.BodyInterior[0]
		if err := t.Alloc.FreeNode(ctx, root.addr, t.Owner, root.node.Head.Generation); err != nil {
			return fmt.Errorf("cowtree: shrinking root: %w", err)
		}
		t.RootAddr = only.BlockPtr
		t.RootGen = only.Generation
		t.RootLvl--
	}
	return nil
}

func removeInteriorKP(node *Node, slot int) {
	copy(node.BodyInterior[slot:], node.BodyInterior[slot+1:])
	node.BodyInterior = node.BodyInterior[:len(node.BodyInterior)-1]
}
