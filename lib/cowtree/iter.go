package cowtree

import (
	"context"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Cursor is a read-only position within a tree, used by range scans
// (drop_snapshot's walk, `tree search`, bench insert verification) to
// step forward without re-running a full search_slot for every item.
type Cursor struct {
	tree *Tree
	path []step
}

// Seek positions the cursor at the first item >= key.
func (t *Tree) Seek(ctx context.Context, key cowprim.Key) (*Cursor, error) {
	path, err := t.descend(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Cursor{tree: t, path: path}, nil
}

// Item returns the item the cursor currently sits on, or
// (Item{}, false) if the cursor has walked off either end of the tree.
func (c *Cursor) Item() (Item, bool) {
	leaf := c.path[len(c.path)-1]
	if leaf.slot < 0 || leaf.slot >= len(leaf.node.BodyLeaf) {
		return Item{}, false
	}
	return leaf.node.BodyLeaf[leaf.slot], true
}

// Next advances the cursor by one item, moving to the next leaf when
// the current one is exhausted. It reports false once there is
// nothing left.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	leaf := &c.path[len(c.path)-1]
	leaf.slot++
	if leaf.slot < len(leaf.node.BodyLeaf) {
		return true, nil
	}
	return c.toNextLeaf(ctx)
}

// toNextLeaf climbs the path until it finds an ancestor with an
// unvisited right sibling, descends back down the leftmost spine of
// that sibling, and reports whether a next leaf existed at all.
func (c *Cursor) toNextLeaf(ctx context.Context) (bool, error) {
	i := len(c.path) - 2
	for ; i >= 0; i-- {
		parent := &c.path[i]
		if parent.slot+1 < len(parent.node.BodyInterior) {
			parent.slot++
			break
		}
	}
	if i < 0 {
		return false, nil
	}
	c.path = c.path[:i+1]
	for {
		cur := &c.path[len(c.path)-1]
		kp := cur.node.BodyInterior[cur.slot]
		node, err := c.tree.Source.ReadNode(ctx, kp.BlockPtr, NodeExpectations{
			LAddr:      containers.OptionalValue(kp.BlockPtr),
			Generation: containers.OptionalValue(kp.Generation),
			Owner:      containers.OptionalValue(c.tree.Owner),
		})
		if err != nil {
			return false, err
		}
		c.path = append(c.path, step{addr: kp.BlockPtr, node: node, slot: 0})
		if node.Head.Level == 0 {
			return len(node.BodyLeaf) > 0, nil
		}
	}
}

// Prev steps the cursor back by one item, descending into the
// previous leaf when the current one is exhausted leftward. It
// reports false once there is nothing before the cursor's position.
func (c *Cursor) Prev(ctx context.Context) (bool, error) {
	leaf := &c.path[len(c.path)-1]
	leaf.slot--
	if leaf.slot >= 0 {
		return true, nil
	}
	return c.toPrevLeaf(ctx)
}

// toPrevLeaf is toNextLeaf's mirror image: climb until an ancestor has
// an unvisited left sibling, then descend that sibling's rightmost
// spine all the way to its last leaf item.
func (c *Cursor) toPrevLeaf(ctx context.Context) (bool, error) {
	i := len(c.path) - 2
	for ; i >= 0; i-- {
		parent := &c.path[i]
		if parent.slot > 0 {
			parent.slot--
			break
		}
	}
	if i < 0 {
		return false, nil
	}
	c.path = c.path[:i+1]
	for {
		cur := &c.path[len(c.path)-1]
		kp := cur.node.BodyInterior[cur.slot]
		node, err := c.tree.Source.ReadNode(ctx, kp.BlockPtr, NodeExpectations{
			LAddr:      containers.OptionalValue(kp.BlockPtr),
			Generation: containers.OptionalValue(kp.Generation),
			Owner:      containers.OptionalValue(c.tree.Owner),
		})
		if err != nil {
			return false, err
		}
		if node.Head.Level == 0 {
			c.path = append(c.path, step{addr: kp.BlockPtr, node: node, slot: len(node.BodyLeaf) - 1})
			return len(node.BodyLeaf) > 0, nil
		}
		c.path = append(c.path, step{addr: kp.BlockPtr, node: node, slot: len(node.BodyInterior) - 1})
	}
}

// PreviousItem implements spec §4.C.6's previous_item(root, path,
// type): walk backward from the cursor's current position until an
// item is found, optionally skipping any item whose key isn't of the
// requested type, or until the beginning of the tree is reached.
// Pass typ.OK == false for an unfiltered walk.
func (c *Cursor) PreviousItem(ctx context.Context, typ containers.Optional[cowprim.ItemType]) (Item, bool, error) {
	for {
		more, err := c.Prev(ctx)
		if err != nil {
			return Item{}, false, err
		}
		if !more {
			return Item{}, false, nil
		}
		item, ok := c.Item()
		if !ok {
			return Item{}, false, nil
		}
		if !typ.OK || item.Key.Type == typ.Val {
			return item, true, nil
		}
	}
}

// Walk calls fn for every item from the cursor's current position to
// the end of the tree, stopping early if fn returns false.
func (c *Cursor) Walk(ctx context.Context, fn func(Item) bool) error {
	for {
		item, ok := c.Item()
		if !ok {
			return nil
		}
		if !fn(item) {
			return nil
		}
		more, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
