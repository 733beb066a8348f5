package cowtree_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
)

// memStore is a trivial in-memory stand-in for the block cache, used
// by tests exactly the way cowtree.NodeWriter's own doc comment calls
// for ("tests may use a trivial in-memory stand-in").
type memStore struct {
	nodes map[cowprim.LogicalAddr]*cowtree.Node
	refs  map[cowprim.LogicalAddr]int
	next  cowprim.LogicalAddr
}

func newMemStore() *memStore {
	return &memStore{
		nodes: make(map[cowprim.LogicalAddr]*cowtree.Node),
		refs:  make(map[cowprim.LogicalAddr]int),
		next:  1,
	}
}

func (m *memStore) ReadNode(_ context.Context, addr cowprim.LogicalAddr, exp cowtree.NodeExpectations) (*cowtree.Node, error) {
	node, ok := m.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("memStore: no node at %v", addr)
	}
	cp := *node
	if err := exp.Check(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *memStore) WriteNode(_ context.Context, node *cowtree.Node) error {
	cp := *node
	m.nodes[node.Head.Addr] = &cp
	return nil
}

func (m *memStore) AllocNode(_ context.Context, _ cowprim.ObjID, _ cowprim.LogicalAddr) (cowprim.LogicalAddr, error) {
	addr := m.next
	m.next++
	m.refs[addr] = 1
	return addr, nil
}

// FreeNode drops a reference; once none are left the address stops
// being tracked, but its contents stay readable, the way the real
// allocator pins a freed block until the transaction commits.
func (m *memStore) FreeNode(_ context.Context, addr cowprim.LogicalAddr, _ cowprim.ObjID, _ cowprim.Generation) error {
	m.refs[addr]--
	if m.refs[addr] <= 0 {
		delete(m.refs, addr)
	}
	return nil
}

func (m *memStore) IncRefNode(_ context.Context, addr cowprim.LogicalAddr, _ cowprim.ObjID, _ cowprim.Generation) error {
	m.refs[addr]++
	return nil
}

const testNodeSize = 256

func newTestTree(t *testing.T) (*cowtree.Tree, *memStore) {
	t.Helper()
	store := newMemStore()
	root := &cowtree.Node{
		Size: testNodeSize,
		Head: cowtree.NodeHeader{Owner: cowprim.FirstFreeObjID, Generation: 1, Level: 0},
	}
	root.Head.Addr = 1
	store.nodes[1] = root
	store.next = 2

	return &cowtree.Tree{
		Owner:    cowprim.FirstFreeObjID,
		NodeSize: testNodeSize,
		Source:   store,
		Alloc:    store,
		Writer:   store,
		RootAddr: 1,
		RootGen:  1,
		RootLvl:  0,
	}, store
}

func key(n int) cowprim.Key {
	return cowprim.Key{ObjectID: cowprim.FirstFreeObjID, Type: cowprim.ItemTypeFileExtent, Offset: uint64(n)}
}

func TestInsertGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Insert(ctx, 2, key(1), cowitem.Opaque{Dat: []byte("one")}))
	require.NoError(t, tree.Insert(ctx, 2, key(2), cowitem.Opaque{Dat: []byte("two")}))

	got, err := tree.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("one")}, got)

	got, err = tree.Get(ctx, key(2))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("two")}, got)
}

func TestInsertDuplicateKeyErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Insert(ctx, 2, key(1), cowitem.Opaque{Dat: []byte("one")}))
	err := tree.Insert(ctx, 2, key(1), cowitem.Opaque{Dat: []byte("again")})
	require.Error(t, err)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	_, err := tree.Get(ctx, key(99))
	require.Error(t, err)
}

// TestSplitOnOverflowGrowsRoot inserts enough items that a 256-byte
// leaf must split, then split again until the root itself grows,
// exercising both the leaf-split and the grow-root path (spec.md
// P1/P2: every item inserted remains reachable after any number of
// splits).
func TestSplitOnOverflowGrowsRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	const n = 200
	for i := 0; i < n; i++ {
		payload := make([]byte, 8)
		require.NoError(t, tree.Insert(ctx, cowprim.Generation(i+2), key(i), cowitem.Opaque{Dat: payload}))
	}
	require.Greater(t, tree.RootLvl, uint8(0), "root should have grown at least one level by now")

	for i := 0; i < n; i++ {
		_, err := tree.Get(ctx, key(i))
		require.NoErrorf(t, err, "item %d should still be reachable after splitting", i)
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	require.NoError(t, tree.Insert(ctx, 2, key(1), cowitem.Opaque{Dat: []byte("one")}))
	require.NoError(t, tree.Insert(ctx, 2, key(2), cowitem.Opaque{Dat: []byte("two")}))
	require.NoError(t, tree.Delete(ctx, 3, key(1)))

	_, err := tree.Get(ctx, key(1))
	require.Error(t, err)

	got, err := tree.Get(ctx, key(2))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("two")}, got)
}

func TestDeleteMissingKeyErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	err := tree.Delete(ctx, 2, key(1))
	require.Error(t, err)
}

// TestCOWPreservesPriorRoot mirrors spec.md's COW-preserves-commit-root
// scenario: a mutation against a node stamped with an older generation
// must allocate a new block rather than writing in place, so a cursor
// or reader holding the pre-mutation root address still sees the old
// data.
func TestCOWPreservesPriorRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, store := newTestTree(t)

	require.NoError(t, tree.Insert(ctx, 2, key(1), cowitem.Opaque{Dat: []byte("one")}))
	oldRootAddr := tree.RootAddr

	require.NoError(t, tree.Insert(ctx, 3, key(2), cowitem.Opaque{Dat: []byte("two")}))
	require.NotEqual(t, oldRootAddr, tree.RootAddr, "a later-generation mutation must COW to a fresh address")

	oldRoot, ok := store.nodes[oldRootAddr]
	require.True(t, ok, "the pre-mutation root's block must still be readable after cow frees it")
	require.Len(t, oldRoot.BodyLeaf, 1, "the old root's contents must be untouched by the later mutation")
}

func TestCursorWalkVisitsAllInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	const n = 50
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tree.Insert(ctx, cowprim.Generation(i+2), key(i), cowitem.Opaque{}))
	}

	cur, err := tree.Seek(ctx, cowprim.MinKey)
	require.NoError(t, err)

	var seen []uint64
	require.NoError(t, cur.Walk(ctx, func(item cowtree.Item) bool {
		seen = append(seen, item.Key.Offset)
		return true
	}))
	require.Len(t, seen, n)
	for i, offset := range seen {
		require.Equal(t, uint64(i), offset, "cursor must walk keys in ascending order")
	}
}

func TestNodeExpectationsCheckRejectsEmptyInterior(t *testing.T) {
	t.Parallel()
	node := &cowtree.Node{Head: cowtree.NodeHeader{Level: 1}}
	err := cowtree.NodeExpectations{}.Check(node)
	require.Error(t, err)
}

func TestNodeExpectationsCheckAllowsEmptyLeaf(t *testing.T) {
	t.Parallel()
	node := &cowtree.Node{Head: cowtree.NodeHeader{Level: 0}}
	err := cowtree.NodeExpectations{}.Check(node)
	require.NoError(t, err)
}

func TestNodeExpectationsCheckRejectsAddrMismatch(t *testing.T) {
	t.Parallel()
	node := &cowtree.Node{Head: cowtree.NodeHeader{Level: 0, Addr: 5}}
	err := cowtree.NodeExpectations{LAddr: containers.OptionalValue(cowprim.LogicalAddr(6))}.Check(node)
	require.Error(t, err)
}

// TestCowIncrementsChildRefcountsOnInteriorNode is the direct
// regression test for spec.md §4.C.5 step 3: COWing an interior node
// on a RefCows tree must bump the refcount of every one of its
// children, not just the child on the path being mutated, since the
// new interior block is now a holder of all of them.
func TestCowIncrementsChildRefcountsOnInteriorNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()

	leaf1 := &cowtree.Node{
		Size:     testNodeSize,
		Head:     cowtree.NodeHeader{Owner: cowprim.FirstFreeObjID, Generation: 5, Level: 0, Addr: 2, NumItems: 1},
		BodyLeaf: []cowtree.Item{{Key: key(1), Body: cowitem.Opaque{}}},
	}
	leaf2 := &cowtree.Node{
		Size:     testNodeSize,
		Head:     cowtree.NodeHeader{Owner: cowprim.FirstFreeObjID, Generation: 5, Level: 0, Addr: 3, NumItems: 1},
		BodyLeaf: []cowtree.Item{{Key: key(100), Body: cowitem.Opaque{}}},
	}
	root := &cowtree.Node{
		Size: testNodeSize,
		Head: cowtree.NodeHeader{Owner: cowprim.FirstFreeObjID, Generation: 5, Level: 1, Addr: 1, NumItems: 2},
		BodyInterior: []cowtree.KeyPointer{
			{Key: cowprim.MinKey, BlockPtr: 2, Generation: 5},
			{Key: key(50), BlockPtr: 3, Generation: 5},
		},
	}
	store.nodes[1] = root
	store.nodes[2] = leaf1
	store.nodes[3] = leaf2
	store.refs[2] = 1
	store.refs[3] = 1
	store.next = 4

	tree := &cowtree.Tree{
		Owner:    cowprim.FirstFreeObjID,
		NodeSize: testNodeSize,
		Source:   store,
		Alloc:    store,
		Writer:   store,
		RefCows:  true,
		RootAddr: 1,
		RootGen:  5,
		RootLvl:  1,
	}

	// key(2) falls in leaf1's range; this fits leaf1's free space, so
	// only leaf1 and the root are COW'd, not leaf2.
	require.NoError(t, tree.Insert(ctx, 6, key(2), cowitem.Opaque{}))

	require.NotEqual(t, cowprim.LogicalAddr(1), tree.RootAddr, "the root must have been COW'd to a fresh address")
	newRoot, ok := store.nodes[tree.RootAddr]
	require.True(t, ok)
	newLeafAddr := newRoot.BodyInterior[0].BlockPtr
	otherChildAddr := newRoot.BodyInterior[1].BlockPtr

	require.Equal(t, 2, store.refs[newLeafAddr],
		"cow of the root must bump the refcount of the leaf it now points at")
	require.Equal(t, 2, store.refs[otherChildAddr],
		"cow of the root must also bump the sibling child's refcount, not just the one on the mutated path")

	_, stillTracked := store.refs[cowprim.LogicalAddr(2)]
	require.False(t, stillTracked, "the old leaf block must have been freed when the leaf itself was COW'd")
}

// TestCursorPrevWalksBackwardAcrossLeaves is Next's mirror test: seek
// past the end of a multi-leaf tree, then walk Prev back to the
// beginning and check the keys come out in descending order.
func TestCursorPrevWalksBackwardAcrossLeaves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	const n = 50
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tree.Insert(ctx, cowprim.Generation(i+2), key(i), cowitem.Opaque{}))
	}

	cur, err := tree.Seek(ctx, cowprim.MaxKey)
	require.NoError(t, err)
	_, ok := cur.Item()
	require.False(t, ok, "seeking past the last key must land one past the end")

	var seen []uint64
	for {
		more, err := cur.Prev(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
		item, ok := cur.Item()
		require.True(t, ok)
		seen = append(seen, item.Key.Offset)
	}
	require.Len(t, seen, n)
	for i, offset := range seen {
		require.Equal(t, uint64(n-1-i), offset, "Prev must walk keys in descending order")
	}
}

// TestPreviousItemSkipsToRequestedType covers previous_item(root,
// path, type)'s defining behavior (spec.md §4.C.6): walking backward
// must skip items whose key isn't of the requested type.
func TestPreviousItemSkipsToRequestedType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree, _ := newTestTree(t)

	a := cowprim.Key{ObjectID: 100, Type: cowprim.ItemTypeInode, Offset: 0}
	b := cowprim.Key{ObjectID: 200, Type: cowprim.ItemTypeFileExtent, Offset: 0}
	c := cowprim.Key{ObjectID: 300, Type: cowprim.ItemTypeFileExtent, Offset: 0}
	d := cowprim.Key{ObjectID: 400, Type: cowprim.ItemTypeInode, Offset: 0}
	for i, k := range []cowprim.Key{a, b, c, d} {
		require.NoError(t, tree.Insert(ctx, cowprim.Generation(i+2), k, cowitem.Opaque{}))
	}

	cur, err := tree.Seek(ctx, cowprim.MaxKey)
	require.NoError(t, err)

	item, ok, err := cur.PreviousItem(ctx, containers.OptionalValue(cowprim.ItemTypeFileExtent))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c, item.Key, "must skip item D (wrong type) and land on C")

	item, ok, err = cur.PreviousItem(ctx, containers.OptionalValue(cowprim.ItemTypeFileExtent))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, item.Key)

	_, ok, err = cur.PreviousItem(ctx, containers.OptionalValue(cowprim.ItemTypeFileExtent))
	require.NoError(t, err)
	require.False(t, ok, "no more FileExtent items before B")
}
