package snapshot

import (
	"context"
	"fmt"
	"sort"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/extent"
)

// DropBudget bounds how many nodes one Drop call visits before
// yielding control back to the caller, per spec §4.E's "one iteration
// ... may process an unbounded subtree; to keep transactions small,
// the caller re-enters drop_snapshot in successive transactions."
const DropBudget = 256

// FileExtentFreer is called once per leaf item at level 0 whose key
// names a file extent, so the caller can free the underlying data
// extent before the leaf itself is dropped. File-extent payloads are
// opaque to this engine (cowitem.Opaque) - decoding them is VFS-facing
// logic this spec places out of scope - so the hook is optional; a nil
// hook drops only the metadata nodes, not the data extents they once
// pointed to.
type FileExtentFreer func(ctx context.Context, item cowtree.Item) error

// Drop implements spec §4.E's drop_snapshot(root): a resumable,
// refcount-guided left-to-right walk that frees every node reachable
// only from this root, leaving alone (merely decrementing) anything
// still shared with another snapshot. Progress is checkpointed in the
// ROOT_ITEM's DropProgressKey/DropLevel; a call that exhausts its
// budget returns cowerr.Retry and the caller re-invokes Drop in a
// later transaction to continue.
func Drop(ctx context.Context, forrest *cowtree.Forrest, alloc *extent.Allocator, rootsTree *cowtree.Tree, curGen cowprim.Generation, rootID cowprim.ObjID, onFileExtent FileExtentFreer) error {
	tree, err := forrest.MustGet(ctx, rootID)
	if err != nil {
		return fmt.Errorf("snapshot: drop: %w", err)
	}
	key, item, err := lookupRootItem(ctx, rootsTree, rootID)
	if err != nil {
		return fmt.Errorf("snapshot: drop: %w", err)
	}

	budget := DropBudget
	done, err := walkDrop(ctx, tree, alloc, &item, &budget, onFileExtent)
	if err != nil {
		return fmt.Errorf("snapshot: drop: %w", err)
	}
	if !done {
		if err := rewriteRootItem(ctx, rootsTree, curGen, key, item); err != nil {
			return err
		}
		return fmt.Errorf("%w: drop_snapshot(%v) budget exhausted, call again to resume", cowerr.Retry, rootID)
	}

	// walkDrop already freed the root block itself (whether it was a
	// leaf or an interior node) on its way out of the traversal.
	if err := rootsTree.Delete(ctx, curGen, key); err != nil {
		return fmt.Errorf("snapshot: drop: deleting ROOT_ITEM: %w", err)
	}
	forrest.Delete(rootID)
	return nil
}

// frame is one level of the walk's own descent stack, kept separate
// from cowtree's internal path since this walk descends by refcount
// decision, not by key search.
type frame struct {
	addr cowprim.LogicalAddr
	node *cowtree.Node
	slot int
}

// walkDrop implements walk_down/walk_up. It returns done=true once
// the whole tree, including the root block itself, has been freed or
// decremented, or done=false with item's progress fields updated once
// the budget runs out first.
func walkDrop(ctx context.Context, tree *cowtree.Tree, alloc *extent.Allocator, item *cowitem.RootItem, budget *int, onFileExtent FileExtentFreer) (bool, error) {
	stack, err := openStack(ctx, tree, item.DropProgressKey)
	if err != nil {
		return false, err
	}

	for *budget > 0 {
		if len(stack) == 0 {
			return true, nil
		}
		top := &stack[len(stack)-1]

		if top.node.Head.Level == 0 {
			if err := dropLeaf(ctx, alloc, tree, top, onFileExtent); err != nil {
				return false, err
			}
			*budget--
			if maxKey, ok := top.node.MaxItem(); ok {
				item.DropProgressKey = maxKey
			}
			item.DropLevel = 0
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				stack[len(stack)-1].slot++
			}
			continue
		}

		if top.slot >= len(top.node.BodyInterior) {
			// Every child has been either freed (shared) or
			// recursed into and freed in turn (exclusive); this
			// node's own block is now unreachable from anywhere
			// else and can go too.
			if err := alloc.FreeNode(ctx, top.addr, tree.Owner, top.node.Head.Generation); err != nil {
				return false, err
			}
			*budget--
			if maxKey, ok := top.node.MaxItem(); ok {
				item.DropProgressKey = maxKey
			}
			item.DropLevel = top.node.Head.Level
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return true, nil
			}
			stack[len(stack)-1].slot++
			continue
		}

		kp := top.node.BodyInterior[top.slot]
		refs, err := alloc.NodeRefs(ctx, kp.BlockPtr, uint64(tree.NodeSize))
		if err != nil {
			return false, err
		}
		if refs > 1 {
			// Shared with another snapshot: drop one holder and
			// move on without recursing into it.
			if err := alloc.FreeNode(ctx, kp.BlockPtr, tree.Owner, kp.Generation); err != nil {
				return false, err
			}
			item.DropProgressKey = kp.Key
			item.DropLevel = top.node.Head.Level - 1
			*budget--
			top.slot++
			continue
		}

		child, err := tree.Source.ReadNode(ctx, kp.BlockPtr, cowtree.NodeExpectations{
			LAddr:      containers.OptionalValue(kp.BlockPtr),
			Generation: containers.OptionalValue(kp.Generation),
			Owner:      containers.OptionalValue(tree.Owner),
		})
		if err != nil {
			return false, err
		}
		stack = append(stack, frame{addr: kp.BlockPtr, node: child, slot: 0})
	}

	// Budget exhausted mid-walk: checkpoint wherever the topmost
	// frame currently sits.
	top := stack[len(stack)-1]
	if top.slot < len(top.node.BodyInterior) {
		item.DropProgressKey = top.node.BodyInterior[top.slot].Key.Prev()
		item.DropLevel = top.node.Head.Level
	}
	return false, nil
}

// dropLeaf frees the data extents a leaf's items name (if the caller
// supplied a hook) and then the leaf node itself.
func dropLeaf(ctx context.Context, alloc *extent.Allocator, tree *cowtree.Tree, f *frame, onFileExtent FileExtentFreer) error {
	if onFileExtent != nil {
		for _, it := range f.node.BodyLeaf {
			if it.Key.Type == cowprim.ItemTypeFileExtent {
				if err := onFileExtent(ctx, it); err != nil {
					return fmt.Errorf("snapshot: drop: freeing file extent at %v: %w", it.Key, err)
				}
			}
		}
	}
	return alloc.FreeNode(ctx, f.addr, tree.Owner, f.node.Head.Generation)
}

// openStack rebuilds the walk's descent stack: from the tree root on
// a fresh drop, or by re-descending to just past progressKey on a
// resumed one.
func openStack(ctx context.Context, tree *cowtree.Tree, progressKey cowprim.Key) ([]frame, error) {
	if progressKey == (cowprim.Key{}) {
		root, err := tree.Source.ReadNode(ctx, tree.RootAddr, cowtree.NodeExpectations{
			LAddr:      containers.OptionalValue(tree.RootAddr),
			Generation: containers.OptionalValue(tree.RootGen),
			Owner:      containers.OptionalValue(tree.Owner),
		})
		if err != nil {
			return nil, err
		}
		return []frame{{addr: tree.RootAddr, node: root, slot: 0}}, nil
	}

	var stack []frame
	addr := tree.RootAddr
	gen := tree.RootGen
	for {
		node, err := tree.Source.ReadNode(ctx, addr, cowtree.NodeExpectations{
			LAddr:      containers.OptionalValue(addr),
			Generation: containers.OptionalValue(gen),
			Owner:      containers.OptionalValue(tree.Owner),
		})
		if err != nil {
			return nil, err
		}
		if node.Head.Level == 0 {
			stack = append(stack, frame{addr: addr, node: node, slot: 0})
			return stack, nil
		}
		slot := locateSlot(node.BodyInterior, progressKey) + 1
		stack = append(stack, frame{addr: addr, node: node, slot: slot})
		if slot >= len(node.BodyInterior) {
			return stack, nil
		}
		addr = node.BodyInterior[slot].BlockPtr
		gen = node.BodyInterior[slot].Generation
	}
}

// locateSlot is searchInterior's logic duplicated locally: cowtree
// keeps it unexported since descend() is the only caller inside that
// package, and this walk needs the same rightmost-kp-at-or-before-key
// rule over a KeyPointer slice it already has in hand.
func locateSlot(kps []cowtree.KeyPointer, key cowprim.Key) int {
	i := sort.Search(len(kps), func(i int) bool { return kps[i].Key.Cmp(key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}
