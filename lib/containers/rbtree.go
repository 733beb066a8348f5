package containers

import "fmt"

// Color is a red-black tree node color.
type Color bool

const (
	Black = Color(false)
	Red   = Color(true)
)

// RBNode is a node in an RBTree. Callers may read (but must not
// mutate) the tree shape through Left/Right/Parent; Value is the
// caller's payload.
type RBNode[V any] struct {
	Parent, Left, Right *RBNode[V]
	Color               Color
	Value               V
}

func (node *RBNode[V]) color() Color {
	if node == nil {
		return Black
	}
	return node.Color
}

// RBTree is an in-memory red-black tree keyed by KeyFn(Value). It is
// the workhorse behind the free-space/pinned/pending-delete interval
// sets.
type RBTree[K Ordered[K], V any] struct {
	KeyFn func(V) K
	// AttrFn, if set, is called on a node after any rotation or
	// structural change below it, so that an augmented subtree cache
	// stays correct without RBTree needing to know what it means.
	AttrFn func(*RBNode[V])

	root *RBNode[V]
	len  int
}

func (t *RBTree[K, V]) Len() int { return t.len }

// Walk visits every value in ascending key order.
func (t *RBTree[K, V]) Walk(fn func(*RBNode[V]) error) error {
	return t.root.walk(fn)
}

func (node *RBNode[V]) walk(fn func(*RBNode[V]) error) error {
	if node == nil {
		return nil
	}
	if err := node.Left.walk(fn); err != nil {
		return err
	}
	if err := fn(node); err != nil {
		return err
	}
	return node.Right.walk(fn)
}

// Search finds a value via a custom comparator: fn returns <0 to go
// left, >0 to go right, 0 for a match. It returns nil if no node
// satisfies fn(Value)==0.
func (t *RBTree[K, V]) Search(fn func(V) int) *RBNode[V] {
	node := t.root
	for node != nil {
		switch d := fn(node.Value); {
		case d < 0:
			node = node.Left
		case d > 0:
			node = node.Right
		default:
			return node
		}
	}
	return nil
}

func (t *RBTree[K, V]) Lookup(key K) *RBNode[V] {
	return t.Search(func(v V) int { return key.Cmp(t.KeyFn(v)) })
}

// Floor returns the node with the greatest key <= key, or nil.
func (t *RBTree[K, V]) Floor(key K) *RBNode[V] {
	node := t.root
	var best *RBNode[V]
	for node != nil {
		switch d := key.Cmp(t.KeyFn(node.Value)); {
		case d < 0:
			node = node.Left
		default:
			best = node
			node = node.Right
		}
	}
	return best
}

// Ceiling returns the node with the smallest key >= key, or nil.
func (t *RBTree[K, V]) Ceiling(key K) *RBNode[V] {
	node := t.root
	var best *RBNode[V]
	for node != nil {
		switch d := key.Cmp(t.KeyFn(node.Value)); {
		case d > 0:
			node = node.Right
		default:
			best = node
			node = node.Left
		}
	}
	return best
}

// Successor returns the node with the next-greater key after node.
func (node *RBNode[V]) Successor() *RBNode[V] {
	if node == nil {
		return nil
	}
	if node.Right != nil {
		return min(node.Right)
	}
	cur := node
	for cur.Parent != nil && cur == cur.Parent.Right {
		cur = cur.Parent
	}
	return cur.Parent
}

// Predecessor returns the node with the next-lesser key before node.
func (node *RBNode[V]) Predecessor() *RBNode[V] {
	if node == nil {
		return nil
	}
	if node.Left != nil {
		return max(node.Left)
	}
	cur := node
	for cur.Parent != nil && cur == cur.Parent.Left {
		cur = cur.Parent
	}
	return cur.Parent
}

func (t *RBTree[K, V]) Min() *RBNode[V] { return min(t.root) }
func (t *RBTree[K, V]) Max() *RBNode[V] { return max(t.root) }

func min[V any](node *RBNode[V]) *RBNode[V] {
	if node == nil {
		return nil
	}
	for node.Left != nil {
		node = node.Left
	}
	return node
}

func max[V any](node *RBNode[V]) *RBNode[V] {
	if node == nil {
		return nil
	}
	for node.Right != nil {
		node = node.Right
	}
	return node
}

func (t *RBTree[K, V]) runAttr(node *RBNode[V]) {
	if t.AttrFn == nil {
		return
	}
	for node != nil {
		t.AttrFn(node)
		node = node.Parent
	}
}

func (t *RBTree[K, V]) rotateLeft(x *RBNode[V]) {
	y := x.Right
	x.Right = y.Left
	if y.Left != nil {
		y.Left.Parent = x
	}
	y.Parent = x.Parent
	if x.Parent == nil {
		t.root = y
	} else if x == x.Parent.Left {
		x.Parent.Left = y
	} else {
		x.Parent.Right = y
	}
	y.Left = x
	x.Parent = y
	if t.AttrFn != nil {
		t.AttrFn(x)
		t.AttrFn(y)
	}
}

func (t *RBTree[K, V]) rotateRight(x *RBNode[V]) {
	y := x.Left
	x.Left = y.Right
	if y.Right != nil {
		y.Right.Parent = x
	}
	y.Parent = x.Parent
	if x.Parent == nil {
		t.root = y
	} else if x == x.Parent.Right {
		x.Parent.Right = y
	} else {
		x.Parent.Left = y
	}
	y.Right = x
	x.Parent = y
	if t.AttrFn != nil {
		t.AttrFn(x)
		t.AttrFn(y)
	}
}

// Insert adds val to the tree. Duplicate keys are permitted; the new
// node is placed to the right of any existing nodes with an equal
// key, matching the stable-insert-order a leaf-packing caller wants
// from a key range lookup.
func (t *RBTree[K, V]) Insert(val V) *RBNode[V] {
	key := t.KeyFn(val)
	node := &RBNode[V]{Value: val, Color: Red}

	var parent *RBNode[V]
	cur := t.root
	left := false
	for cur != nil {
		parent = cur
		if key.Cmp(t.KeyFn(cur.Value)) < 0 {
			cur = cur.Left
			left = true
		} else {
			cur = cur.Right
			left = false
		}
	}
	node.Parent = parent
	switch {
	case parent == nil:
		t.root = node
	case left:
		parent.Left = node
	default:
		parent.Right = node
	}
	t.len++
	t.runAttr(node)
	t.insertFixup(node)
	return node
}

func (t *RBTree[K, V]) insertFixup(z *RBNode[V]) {
	for z.Parent.color() == Red {
		if z.Parent == z.Parent.Parent.Left {
			y := z.Parent.Parent.Right
			if y.color() == Red {
				z.Parent.Color = Black
				y.Color = Black
				z.Parent.Parent.Color = Red
				z = z.Parent.Parent
			} else {
				if z == z.Parent.Right {
					z = z.Parent
					t.rotateLeft(z)
				}
				z.Parent.Color = Black
				z.Parent.Parent.Color = Red
				t.rotateRight(z.Parent.Parent)
			}
		} else {
			y := z.Parent.Parent.Left
			if y.color() == Red {
				z.Parent.Color = Black
				y.Color = Black
				z.Parent.Parent.Color = Red
				z = z.Parent.Parent
			} else {
				if z == z.Parent.Left {
					z = z.Parent
					t.rotateRight(z)
				}
				z.Parent.Color = Black
				z.Parent.Parent.Color = Red
				t.rotateLeft(z.Parent.Parent)
			}
		}
		if z.Parent == nil {
			break
		}
	}
	t.root.Color = Black
}

func (t *RBTree[K, V]) transplant(u, v *RBNode[V]) {
	switch {
	case u.Parent == nil:
		t.root = v
	case u == u.Parent.Left:
		u.Parent.Left = v
	default:
		u.Parent.Right = v
	}
	if v != nil {
		v.Parent = u.Parent
	}
}

// DeleteNode removes a specific node (as returned by Search/Lookup)
// from the tree.
func (t *RBTree[K, V]) DeleteNode(z *RBNode[V]) {
	if z == nil {
		return
	}
	t.len--
	y := z
	yOrigColor := y.color()
	var x, xParent *RBNode[V]

	switch {
	case z.Left == nil:
		x = z.Right
		xParent = z.Parent
		t.transplant(z, z.Right)
	case z.Right == nil:
		x = z.Left
		xParent = z.Parent
		t.transplant(z, z.Left)
	default:
		y = min(z.Right)
		yOrigColor = y.color()
		x = y.Right
		if y.Parent == z {
			xParent = y
		} else {
			xParent = y.Parent
			t.transplant(y, y.Right)
			y.Right = z.Right
			y.Right.Parent = y
		}
		t.transplant(z, y)
		y.Left = z.Left
		y.Left.Parent = y
		y.Color = z.Color
		t.runAttr(y)
	}
	t.runAttr(xParent)
	if yOrigColor == Black {
		t.deleteFixup(x, xParent)
	}
}

// Delete removes the first node found with the given key, if any.
func (t *RBTree[K, V]) Delete(key K) {
	t.DeleteNode(t.Lookup(key))
}

func (t *RBTree[K, V]) deleteFixup(x, parent *RBNode[V]) {
	for x != t.root && x.color() == Black {
		if x == parent.Left {
			w := parent.Right
			if w.color() == Red {
				w.Color = Black
				parent.Color = Red
				t.rotateLeft(parent)
				w = parent.Right
			}
			if w.Left.color() == Black && w.Right.color() == Black {
				w.Color = Red
				x = parent
				parent = x.Parent
				continue
			}
			if w.Right.color() == Black {
				w.Left.Color = Black
				w.Color = Red
				t.rotateRight(w)
				w = parent.Right
			}
			w.Color = parent.Color
			parent.Color = Black
			w.Right.Color = Black
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := parent.Left
			if w.color() == Red {
				w.Color = Black
				parent.Color = Red
				t.rotateRight(parent)
				w = parent.Left
			}
			if w.Right.color() == Black && w.Left.color() == Black {
				w.Color = Red
				x = parent
				parent = x.Parent
				continue
			}
			if w.Left.color() == Black {
				w.Right.Color = Black
				w.Color = Red
				t.rotateLeft(w)
				w = parent.Left
			}
			w.Color = parent.Color
			parent.Color = Black
			w.Left.Color = Black
			t.rotateRight(parent)
			x = t.root
		}
	}
	if x != nil {
		x.Color = Black
	}
}

// EqualFunc reports whether two trees contain the same sequence of
// values in order, per eq.
func (t *RBTree[K, V]) EqualFunc(u *RBTree[K, V], eq func(a, b V) bool) bool {
	if t.Len() != u.Len() {
		return false
	}
	var a, b []V
	_ = t.Walk(func(n *RBNode[V]) error { a = append(a, n.Value); return nil })
	_ = u.Walk(func(n *RBNode[V]) error { b = append(b, n.Value); return nil })
	for i := range a {
		if !eq(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (node *RBNode[V]) String() string {
	if node == nil {
		return "nil"
	}
	return fmt.Sprintf("%v", node.Value)
}
