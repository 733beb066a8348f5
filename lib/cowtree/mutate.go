package cowtree

import (
	"context"
	"fmt"
	"sort"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// step is one level of a mutable descent: the node as last read (or
// already COW'd this call), and the slot within it that the search
// took. For an interior step, slot indexes BodyInterior; for the leaf
// step, slot is either the index of an exact key match or the
// insertion point if no exact match exists.
type step struct {
	addr  cowprim.LogicalAddr
	node  *Node
	slot  int
	found bool // only meaningful on the leaf step
}

// descend walks from the root to the leaf that would contain key,
// reading (not yet COW'ing) each node along the way.
func (t *Tree) descend(ctx context.Context, key cowprim.Key) ([]step, error) {
	addr := t.RootAddr
	exp := t.rootExpectations()
	var path []step
	for {
		node, err := t.Source.ReadNode(ctx, addr, exp)
		if err != nil {
			return nil, fmt.Errorf("cowtree: descend to %v: %w", addr, err)
		}
		if node.Head.Level > 0 {
			slot := searchInterior(node.BodyInterior, key)
			path = append(path, step{addr: addr, node: node, slot: slot})
			kp := node.BodyInterior[slot]
			addr = kp.BlockPtr
			exp = NodeExpectations{
				LAddr:      containers.OptionalValue(kp.BlockPtr),
				Generation: containers.OptionalValue(kp.Generation),
				Owner:      containers.OptionalValue(t.Owner),
			}
			continue
		}
		slot, found := searchLeaf(node.BodyLeaf, key)
		path = append(path, step{addr: addr, node: node, slot: slot, found: found})
		return path, nil
	}
}

// searchInterior returns the index of the child that key would
// descend into: the rightmost key-pointer whose key is <= key, or 0
// if key is less than every key-pointer (the leftmost child still
// covers everything not covered by a righter sibling).
func searchInterior(kps []KeyPointer, key cowprim.Key) int {
	i := sort.Search(len(kps), func(i int) bool { return kps[i].Key.Cmp(key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

// searchLeaf returns the slot of an exact match, or the insertion
// point (index of the first item greater than key) if none exists.
func searchLeaf(items []Item, key cowprim.Key) (int, bool) {
	i := sort.Search(len(items), func(i int) bool { return items[i].Key.Cmp(key) >= 0 })
	if i < len(items) && items[i].Key.Cmp(key) == 0 {
		return i, true
	}
	return i, false
}

// Get performs a read-only lookup.
func (t *Tree) Get(ctx context.Context, key cowprim.Key) (cowitem.Item, error) {
	path, err := t.descend(ctx, key)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]
	if !leaf.found {
		return nil, fmt.Errorf("%w: key %v", cowerr.NotFound, key)
	}
	return leaf.node.BodyLeaf[leaf.slot].Body, nil
}

// cow reallocates step i's node to a fresh address (unless it already
// carries the current transaction's generation, in which case the
// write-in-place fast path applies: a node only needs one new address
// per transaction, not one per mutation within it), and updates every
// ancestor's key-pointer to match. The new addresses are recorded in
// path itself and in the tree's root pointer; only an error is
// returned.
//
// This is the COW rule (spec §4.C.5): walk the path bottom-up,
// re-pointing each parent at its child's new address, finishing by
// updating the tree's own root pointer. On a RefCows tree, step 3
// applies too: before an interior node's old block is freed, every one
// of its child pointers gets its extent refcount bumped, since the new
// block is now also a holder of each child. Trees with RefCows false
// (the extent tree, the tree of roots) skip this - they never fork, so
// there's no second holder to account for.
func (t *Tree) cow(ctx context.Context, path []step, curGen cowprim.Generation) error {
	for i := len(path) - 1; i >= 0; i-- {
		s := &path[i]
		if s.node.Head.Generation == curGen {
			// Already COW'd this transaction; write in place.
			continue
		}
		newAddr, err := t.Alloc.AllocNode(ctx, t.Owner, t.rootHint())
		if err != nil {
			return fmt.Errorf("cowtree: cow: %w", err)
		}
		if t.RefCows && s.node.Head.Level > 0 {
			// Step 3: the new block becomes a holder of every child it
			// points at, independent of whatever happens to the old
			// block below - FreeNode on the old block only ever
			// decrements its own refcount, it never walks into its
			// children, so the increment has to happen here.
			for _, kp := range s.node.BodyInterior {
				if err := t.Alloc.IncRefNode(ctx, kp.BlockPtr, t.Owner, kp.Generation); err != nil {
					return fmt.Errorf("cowtree: cow: incrementing child refcount: %w", err)
				}
			}
		}
		if err := t.Alloc.FreeNode(ctx, s.addr, t.Owner, s.node.Head.Generation); err != nil {
			return fmt.Errorf("cowtree: cow: freeing old block: %w", err)
		}
		s.node.Head.Addr = newAddr
		s.node.Head.Generation = curGen
		s.addr = newAddr

		if i == 0 {
			t.RootAddr = newAddr
			t.RootGen = curGen
			continue
		}
		parent := &path[i-1]
		parent.node.BodyInterior[parent.slot].BlockPtr = newAddr
		parent.node.BodyInterior[parent.slot].Generation = curGen
	}
	return nil
}

func (t *Tree) rootHint() cowprim.LogicalAddr {
	return t.RootAddr
}

// itemEncodedSize is how many bytes an Item consumes in a leaf: its
// fixed-size ItemHeader plus its marshaled body.
func itemEncodedSize(it Item) (int, error) {
	bs, err := codec.Marshal(it.Body)
	if err != nil {
		return 0, err
	}
	return itemHeaderSize + len(bs), nil
}
