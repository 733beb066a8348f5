package cowtree

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Insert adds a new item at key. It is an error (InvalidArgument) to
// insert over an existing key; callers that want upsert semantics
// should Delete first.
func (t *Tree) Insert(ctx context.Context, curGen cowprim.Generation, key cowprim.Key, body cowitem.Item) error {
	path, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	leaf := &path[len(path)-1]
	if leaf.found {
		return fmt.Errorf("%w: cowtree: Insert: key %v already exists", cowerr.InvalidArgument, key)
	}

	if err := t.cow(ctx, path, curGen); err != nil {
		return err
	}
	leaf = &path[len(path)-1]

	newItem := Item{Key: key, Body: body}
	encSize, err := itemEncodedSize(newItem)
	if err != nil {
		return fmt.Errorf("cowtree: Insert: encoding item: %w", err)
	}

	if uint32(encSize) <= leaf.node.LeafFreeSpace() {
		insertLeafItem(leaf.node, leaf.slot, newItem)
		for _, s := range path {
			t.touch(s.node)
		}
		return t.flush(ctx)
	}
	if err := t.splitAndInsert(ctx, path, curGen, newItem); err != nil {
		return err
	}
	return t.flush(ctx)
}

func insertLeafItem(node *Node, slot int, item Item) {
	node.BodyLeaf = append(node.BodyLeaf, Item{})
	copy(node.BodyLeaf[slot+1:], node.BodyLeaf[slot:])
	node.BodyLeaf[slot] = item
}

func deleteLeafItem(node *Node, slot int) {
	copy(node.BodyLeaf[slot:], node.BodyLeaf[slot+1:])
	node.BodyLeaf = node.BodyLeaf[:len(node.BodyLeaf)-1]
}

// splitAndInsert implements the two split policies resolved in
// SPEC_FULL §4.C: if the new key falls beyond the current maximum key
// of the rightmost leaf in the tree, the split is append-friendly
// (all existing items stay put, the new item starts a fresh leaf);
// otherwise the leaf splits 50/50 by cumulative item size.
func (t *Tree) splitAndInsert(ctx context.Context, path []step, curGen cowprim.Generation, newItem Item) error {
	leaf := &path[len(path)-1]

	// The leaf is the rightmost in the tree when every interior step
	// on the path took its node's last key-pointer.
	rightmost := true
	for _, s := range path[:len(path)-1] {
		if s.slot != len(s.node.BodyInterior)-1 {
			rightmost = false
		}
	}
	appendFriendly := false
	if max, ok := leaf.node.MaxItem(); ok && rightmost && leaf.slot == len(leaf.node.BodyLeaf) && newItem.Key.Cmp(max) > 0 {
		appendFriendly = true
	}

	var left, right []Item
	if appendFriendly {
		left = leaf.node.BodyLeaf
		right = []Item{newItem}
	} else {
		all := make([]Item, 0, len(leaf.node.BodyLeaf)+1)
		all = append(all, leaf.node.BodyLeaf[:leaf.slot]...)
		all = append(all, newItem)
		all = append(all, leaf.node.BodyLeaf[leaf.slot:]...)
		left, right = splitBySize(all)
	}

	newAddr, err := t.Alloc.AllocNode(ctx, t.Owner, t.rootHint())
	if err != nil {
		return fmt.Errorf("cowtree: split: %w", err)
	}
	rightNode := &Node{
		Size: t.NodeSize,
		Head: NodeHeader{
			Owner:      t.Owner,
			Generation: curGen,
			Level:      0,
			Addr:       newAddr,
		},
		BodyLeaf: right,
	}
	leaf.node.BodyLeaf = left
	leaf.node.Head.Generation = curGen
	t.touch(leaf.node)
	t.touch(rightNode)

	rightMinKey, _ := rightNode.MinItem()
	for _, s := range path[:len(path)-1] {
		t.touch(s.node)
	}
	return t.insertKeyPointer(ctx, path[:len(path)-1], curGen, rightMinKey, newAddr, rightNode.Head.Level)
}

// splitBySize divides items into a left half and right half such that
// the left half's cumulative encoded size is as close to half the
// total as possible without exceeding it; ties favor keeping more
// items on the left, matching the "fill from the front" intuition of
// the leaf layout itself.
func splitBySize(items []Item) (left, right []Item) {
	sizes := make([]int, len(items))
	total := 0
	for i, it := range items {
		sz, _ := itemEncodedSize(it)
		sizes[i] = sz
		total += sz
	}
	half := total / 2
	running := 0
	cut := len(items)
	for i, sz := range sizes {
		if running+sz > half {
			cut = i
			break
		}
		running += sz
	}
	if cut == 0 {
		cut = 1
	}
	if cut == len(items) {
		cut = len(items) - 1
	}
	// Cap the left half so that appending to it cannot overwrite the
	// first item of the right half, which shares the backing array.
	return items[:cut:cut], items[cut:]
}

// insertKeyPointer propagates a new child pointer up the already-COW'd
// path, splitting interior nodes the same way leaves split, and
// growing the tree by one level when the root itself overflows.
func (t *Tree) insertKeyPointer(ctx context.Context, path []step, curGen cowprim.Generation, key cowprim.Key, addr cowprim.LogicalAddr, level uint8) error {
	newKP := KeyPointer{Key: key, BlockPtr: addr, Generation: curGen}

	if len(path) == 0 {
		// The old root just split; grow the tree by one level.
		return t.growRoot(ctx, curGen, newKP, level)
	}

	parent := &path[len(path)-1]
	slot := parent.slot + 1
	if uint32(keyPointerSize) <= parent.node.InteriorFreeSpace() {
		insertInteriorKP(parent.node, slot, newKP)
		t.touch(parent.node)
		return nil
	}

	all := make([]KeyPointer, 0, len(parent.node.BodyInterior)+1)
	all = append(all, parent.node.BodyInterior[:slot]...)
	all = append(all, newKP)
	all = append(all, parent.node.BodyInterior[slot:]...)
	leftKPs, rightKPs := splitKPsBySize(all)

	newAddr, err := t.Alloc.AllocNode(ctx, t.Owner, t.rootHint())
	if err != nil {
		return fmt.Errorf("cowtree: split interior: %w", err)
	}
	rightNode := &Node{
		Size: t.NodeSize,
		Head: NodeHeader{
			Owner:      t.Owner,
			Generation: curGen,
			Level:      level + 1,
			Addr:       newAddr,
		},
		BodyInterior: rightKPs,
	}
	parent.node.BodyInterior = leftKPs
	parent.node.Head.Generation = curGen
	t.touch(parent.node)
	t.touch(rightNode)

	return t.insertKeyPointer(ctx, path[:len(path)-1], curGen, rightKPs[0].Key, newAddr, rightNode.Head.Level)
}

func insertInteriorKP(node *Node, slot int, kp KeyPointer) {
	node.BodyInterior = append(node.BodyInterior, KeyPointer{})
	copy(node.BodyInterior[slot+1:], node.BodyInterior[slot:])
	node.BodyInterior[slot] = kp
}

func splitKPsBySize(kps []KeyPointer) (left, right []KeyPointer) {
	half := len(kps) / 2
	if half == 0 {
		half = 1
	}
	return kps[:half:half], kps[half:]
}

// growRoot is reached when the tree's current root split in two; it
// allocates a fresh interior root one level taller, pointing at the
// old root (now the left child) and the new right sibling.
func (t *Tree) growRoot(ctx context.Context, curGen cowprim.Generation, rightKP KeyPointer, childLevel uint8) error {
	newAddr, err := t.Alloc.AllocNode(ctx, t.Owner, t.rootHint())
	if err != nil {
		return fmt.Errorf("cowtree: grow root: %w", err)
	}
	leftKP := KeyPointer{Key: cowprim.MinKey, BlockPtr: t.RootAddr, Generation: t.RootGen}
	root := &Node{
		Size: t.NodeSize,
		Head: NodeHeader{
			Owner:      t.Owner,
			Generation: curGen,
			Level:      childLevel + 1,
			Addr:       newAddr,
		},
		BodyInterior: []KeyPointer{leftKP, rightKP},
	}
	t.touch(root)
	t.RootAddr = newAddr
	t.RootGen = curGen
	t.RootLvl = childLevel + 1
	return nil
}
