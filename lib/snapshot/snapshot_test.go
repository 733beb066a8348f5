package snapshot_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/extent"
	"git.lukeshu.dev/cowtree/lib/snapshot"
)

// extentTreeStore is the trivial sequential-address stand-in the
// extent tree's own Tree needs for ITS node storage - growing the
// extent tree can't recurse through extent.Allocator itself, so its
// node allocation is kept separate from the allocator under test, the
// same split extent_test.go uses.
type extentTreeStore struct {
	nodes map[cowprim.LogicalAddr]*cowtree.Node
	next  cowprim.LogicalAddr
}

func newExtentTreeStore() *extentTreeStore {
	return &extentTreeStore{nodes: make(map[cowprim.LogicalAddr]*cowtree.Node), next: 1}
}

func (m *extentTreeStore) ReadNode(_ context.Context, addr cowprim.LogicalAddr, exp cowtree.NodeExpectations) (*cowtree.Node, error) {
	node, ok := m.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("extentTreeStore: no node at %v", addr)
	}
	cp := *node
	if err := exp.Check(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *extentTreeStore) WriteNode(_ context.Context, node *cowtree.Node) error {
	cp := *node
	m.nodes[node.Head.Addr] = &cp
	return nil
}

func (m *extentTreeStore) AllocNode(_ context.Context, _ cowprim.ObjID, _ cowprim.LogicalAddr) (cowprim.LogicalAddr, error) {
	addr := m.next
	m.next++
	return addr, nil
}

func (m *extentTreeStore) FreeNode(_ context.Context, addr cowprim.LogicalAddr, _ cowprim.ObjID, _ cowprim.Generation) error {
	delete(m.nodes, addr)
	return nil
}

func (m *extentTreeStore) IncRefNode(context.Context, cowprim.LogicalAddr, cowprim.ObjID, cowprim.Generation) error {
	return nil
}

// dataStore backs every other tree in the test (the roots tree and
// the subvolume trees): one shared map, since a snapshot's tree and
// its source tree point at the very same physical blocks until one of
// them diverges.
type dataStore struct {
	nodes map[cowprim.LogicalAddr]*cowtree.Node
}

func newDataStore() *dataStore {
	return &dataStore{nodes: make(map[cowprim.LogicalAddr]*cowtree.Node)}
}

func (m *dataStore) ReadNode(_ context.Context, addr cowprim.LogicalAddr, exp cowtree.NodeExpectations) (*cowtree.Node, error) {
	node, ok := m.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("dataStore: no node at %v", addr)
	}
	cp := *node
	if err := exp.Check(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *dataStore) WriteNode(_ context.Context, node *cowtree.Node) error {
	cp := *node
	m.nodes[node.Head.Addr] = &cp
	return nil
}

const testNodeSize = 256

const sourceRootID = cowprim.FirstFreeObjID

// fixture wires an extent tree + allocator, a roots tree, and one
// single-leaf subvolume tree named sourceRootID, all sharing one
// address space via the allocator's block group.
type fixture struct {
	ctx       context.Context
	t         *testing.T
	data      *dataStore
	alloc     *extent.Allocator
	forrest   *cowtree.Forrest
	rootsTree *cowtree.Tree
	curGen    cowprim.Generation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	extStore := newExtentTreeStore()
	extRoot := &cowtree.Node{Size: testNodeSize, Head: cowtree.NodeHeader{Owner: cowprim.ExtentTreeObjID, Generation: 1, Level: 0, Addr: 1}}
	extStore.nodes[1] = extRoot
	extTree := &cowtree.Tree{
		Owner: cowprim.ExtentTreeObjID, NodeSize: testNodeSize,
		Source: extStore, Alloc: extStore, Writer: extStore,
		RootAddr: 1, RootGen: 1,
	}
	alloc := extent.New(extTree)
	alloc.CurGen = 2
	alloc.AddBlockGroup(&extent.BlockGroup{Start: 5000, Size: 5000, Flags: cowitem.BlockGroupMetadata})

	data := newDataStore()

	rootsAddr, err := alloc.AllocNode(ctx, cowprim.RootTreeObjID, 0)
	require.NoError(t, err)
	data.nodes[rootsAddr] = &cowtree.Node{Size: testNodeSize, Head: cowtree.NodeHeader{Owner: cowprim.RootTreeObjID, Generation: 2, Level: 0, Addr: rootsAddr}}
	rootsTree := &cowtree.Tree{
		Owner: cowprim.RootTreeObjID, NodeSize: testNodeSize,
		Source: data, Alloc: alloc, Writer: data,
		RootAddr: rootsAddr, RootGen: 2,
	}

	sourceAddr, err := alloc.AllocNode(ctx, sourceRootID, 0)
	require.NoError(t, err)
	data.nodes[sourceAddr] = &cowtree.Node{Size: testNodeSize, Head: cowtree.NodeHeader{Owner: sourceRootID, Generation: 2, Level: 0, Addr: sourceAddr}}
	sourceTree := &cowtree.Tree{
		Owner: sourceRootID, NodeSize: testNodeSize,
		Source: data, Alloc: alloc, Writer: data,
		RootAddr: sourceAddr, RootGen: 2,
	}
	require.NoError(t, sourceTree.Insert(ctx, 2, fileKey(1), cowitem.Opaque{Dat: []byte("one")}))

	forrest := cowtree.NewForrest()
	forrest.Put(sourceRootID, sourceTree)

	return &fixture{ctx: ctx, t: t, data: data, alloc: alloc, forrest: forrest, rootsTree: rootsTree, curGen: 3}
}

func fileKey(n int) cowprim.Key {
	return cowprim.Key{ObjectID: sourceRootID, Type: cowprim.ItemTypeFileExtent, Offset: uint64(n)}
}

// drain forces a pendingDel/extentIns drain by performing and then
// immediately undoing a throwaway allocation: every AllocExtent call
// drains both queues at its own end (see allocator.go), which is the
// only way pending frees from a prior FreeNode/FreeExtent call become
// visible to NodeRefs/LookupExtentRef.
func (f *fixture) drain() {
	f.t.Helper()
	addr, err := f.alloc.AllocExtent(f.ctx, 8, cowitem.ExtentRefBody{RootObjectID: 999, OwnerObjectID: 999}, 0, cowitem.BlockGroupMetadata)
	require.NoError(f.t, err)
	require.NoError(f.t, f.alloc.FreeExtent(f.ctx, addr, 8, cowitem.ExtentRefBody{RootObjectID: 999, OwnerObjectID: 999}, false))
}

func TestCreateSharesSourceRootUntilDivergence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sourceTree, ok := f.forrest.Get(sourceRootID)
	require.True(t, ok)
	sharedAddr := sourceTree.RootAddr

	const newRootID = sourceRootID + 1
	newTree, err := snapshot.Create(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen, sourceRootID, newRootID)
	require.NoError(t, err)
	require.Equal(t, sharedAddr, newTree.RootAddr, "a fresh snapshot must start out pointing at the source's own root block")

	refs, err := f.alloc.NodeRefs(f.ctx, sharedAddr, testNodeSize)
	require.NoError(t, err)
	require.Equal(t, uint32(2), refs, "both the source and the new snapshot must hold the shared root block")

	got, err := newTree.Get(f.ctx, fileKey(1))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("one")}, got)

	// Diverge the source with a later-generation mutation; the shared
	// block must COW to a new address, and the snapshot's own root
	// must be unaffected.
	require.NoError(t, sourceTree.Insert(f.ctx, f.curGen+1, fileKey(2), cowitem.Opaque{Dat: []byte("two")}))
	require.NotEqual(t, sharedAddr, sourceTree.RootAddr, "mutating the source at a newer generation must COW off the shared block")
	require.Equal(t, sharedAddr, newTree.RootAddr, "the snapshot's root must be untouched by the source's later mutation")

	f.drain() // pendingDel from the cow()'s FreeNode on the old shared block

	refs, err = f.alloc.NodeRefs(f.ctx, sharedAddr, testNodeSize)
	require.NoError(t, err)
	require.Equal(t, uint32(1), refs, "after divergence only the snapshot still holds the once-shared block")

	_, err = newTree.Get(f.ctx, fileKey(2))
	require.Error(t, err, "the snapshot must not see an item the source inserted after divergence")
}

func TestDropFreesExclusiveSubtreeAndDecrementsShared(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sourceTree, ok := f.forrest.Get(sourceRootID)
	require.True(t, ok)
	sharedAddr := sourceTree.RootAddr

	const newRootID = sourceRootID + 1
	_, err := snapshot.Create(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen, sourceRootID, newRootID)
	require.NoError(t, err)

	require.NoError(t, snapshot.Drop(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen+1, newRootID, nil))
	f.drain()

	refs, err := f.alloc.NodeRefs(f.ctx, sharedAddr, testNodeSize)
	require.NoError(t, err, "the source still holds the block, so it must not have been deleted outright")
	require.Equal(t, uint32(1), refs, "dropping the snapshot must release exactly its one reference")

	_, ok = f.forrest.Get(newRootID)
	require.False(t, ok, "a fully dropped root must be removed from the forrest")

	_, err = newFixtureLookupRoot(f, newRootID)
	require.Error(t, err, "a fully dropped root's ROOT_ITEM must be gone")

	// The source itself is unaffected.
	got, err := sourceTree.Get(f.ctx, fileKey(1))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("one")}, got)
}

// TestSnapshotThenDivergeMultiLevelTreePreservesSharedSubtreeRefcounts
// is the snapshot-level counterpart of cowtree's direct cow() unit
// test: every other test in this file snapshots a single-leaf source,
// so none of them ever drive a COW of an interior node. This one
// grows the source to a two-level tree first, so that diverging after
// Create forces the root's cow() to walk an interior node with
// several children, and checks that every one of those children - not
// just the one on the mutated path - comes out with its refcount
// bumped per spec.md §4.C.5 step 3.
func TestSnapshotThenDivergeMultiLevelTreePreservesSharedSubtreeRefcounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sourceTree, ok := f.forrest.Get(sourceRootID)
	require.True(t, ok)

	for i := 2; i <= 9; i++ {
		require.NoError(t, sourceTree.Insert(f.ctx, 2, fileKey(i), cowitem.Opaque{Dat: []byte(fmt.Sprintf("item%02d", i))}))
	}
	require.Equal(t, uint8(1), sourceTree.RootLvl, "enough items must have been inserted to force the root to split into an interior node")

	oldRootAddr := sourceTree.RootAddr
	oldRoot, ok := f.data.nodes[oldRootAddr]
	require.True(t, ok)
	require.True(t, len(oldRoot.BodyInterior) >= 2, "the interior root needs at least two children for this test to be meaningful")

	oldChildAddrs := make([]cowprim.LogicalAddr, len(oldRoot.BodyInterior))
	for i, kp := range oldRoot.BodyInterior {
		oldChildAddrs[i] = kp.BlockPtr
		refs, err := f.alloc.NodeRefs(f.ctx, kp.BlockPtr, testNodeSize)
		require.NoError(t, err)
		require.Equal(t, uint32(1), refs, "a freshly-split leaf must start out exclusively held by the source tree")
	}

	const newRootID = sourceRootID + 1
	newTree, err := snapshot.Create(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen, sourceRootID, newRootID)
	require.NoError(t, err)
	require.Equal(t, oldRootAddr, newTree.RootAddr, "the snapshot must start out sharing the source's interior root block")

	// Diverge with an append past every existing key, which lands in
	// the rightmost leaf - still forces a COW of that leaf plus the
	// interior root above it, since neither has been touched since the
	// tree was built at generation 2.
	require.NoError(t, sourceTree.Insert(f.ctx, f.curGen+1, fileKey(100), cowitem.Opaque{Dat: []byte("appended")}))
	require.NotEqual(t, oldRootAddr, sourceTree.RootAddr, "diverging at a newer generation must COW the interior root to a fresh address")
	require.Equal(t, oldRootAddr, newTree.RootAddr, "the snapshot's root must be unaffected by the source's later mutation")

	f.drain() // pendingDel from cow()'s FreeNode on the old root and the old rightmost leaf

	refs, err := f.alloc.NodeRefs(f.ctx, oldRootAddr, testNodeSize)
	require.NoError(t, err)
	require.Equal(t, uint32(1), refs, "after divergence only the snapshot still holds the once-shared interior root")

	newRoot, ok := f.data.nodes[sourceTree.RootAddr]
	require.True(t, ok)
	require.Equal(t, len(oldChildAddrs), len(newRoot.BodyInterior), "the new root must still point at the same number of children")

	for i, kp := range newRoot.BodyInterior {
		refs, err := f.alloc.NodeRefs(f.ctx, kp.BlockPtr, testNodeSize)
		require.NoError(t, err)
		require.Equal(t, uint32(2), refs,
			"cow of the interior root must bump every child's refcount, not just the one on the mutated path (child %d)", i)
	}

	// The untouched siblings must still be the very same blocks as
	// before - only the mutated-path child's address should have
	// changed.
	changed := 0
	for i, kp := range newRoot.BodyInterior {
		if kp.BlockPtr != oldChildAddrs[i] {
			changed++
		}
	}
	require.Equal(t, 1, changed, "exactly one child (the one holding the appended key) should have been COW'd to a new address")

	got, err := newTree.Get(f.ctx, fileKey(1))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("one")}, got)

	_, err = newTree.Get(f.ctx, fileKey(100))
	require.Error(t, err, "the snapshot must not see an item the source appended after divergence")
}

// newFixtureLookupRoot round-trips through rootsTree.Get the same way
// lookupRootItem does internally, without exporting that helper.
func newFixtureLookupRoot(f *fixture, rootID cowprim.ObjID) (cowitem.Item, error) {
	return f.rootsTree.Get(f.ctx, cowprim.Key{ObjectID: rootID, Type: cowprim.ItemTypeRoot, Offset: 0})
}

func TestDropExclusiveRootWithNoSharingDeletesOutright(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Snapshot sourceRootID under a new id, then immediately drop the
	// *original* root instead of the snapshot, leaving the snapshot as
	// the sole holder - mirrors the same exclusive-vs-shared split
	// from the other direction.
	const newRootID = sourceRootID + 1
	newTree, err := snapshot.Create(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen, sourceRootID, newRootID)
	require.NoError(t, err)
	sharedAddr := newTree.RootAddr

	// Register a ROOT_ITEM for the source root too, since Drop expects
	// one for whichever root it is asked to drop.
	require.NoError(t, f.rootsTree.Insert(f.ctx, f.curGen, cowprim.Key{ObjectID: sourceRootID, Type: cowprim.ItemTypeRoot, Offset: 0}, cowitem.RootItem{
		TreeRootBytenr: sharedAddr,
		Refs:           1,
	}))

	require.NoError(t, snapshot.Drop(f.ctx, f.forrest, f.alloc, f.rootsTree, f.curGen+1, sourceRootID, nil))
	f.drain()

	refs, err := f.alloc.NodeRefs(f.ctx, sharedAddr, testNodeSize)
	require.NoError(t, err, "the snapshot still holds the block")
	require.Equal(t, uint32(1), refs)

	got, err := newTree.Get(f.ctx, fileKey(1))
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("one")}, got)
}

// TestDropBudgetExhaustionIsResumable builds a tree with more leaves
// than one call's DropBudget can visit, so the first Drop call must
// stop short with cowerr.Retry and a checkpointed DropProgressKey, and
// a second call must pick up from there and finish.
func TestDropBudgetExhaustionIsResumable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := f.ctx

	const bigRootID = sourceRootID + 2
	const numLeaves = snapshot.DropBudget + 5

	kps := make([]cowtree.KeyPointer, numLeaves)
	for i := 0; i < numLeaves; i++ {
		addr, err := f.alloc.AllocNode(ctx, bigRootID, 0)
		require.NoError(t, err)
		f.data.nodes[addr] = &cowtree.Node{
			Size: testNodeSize,
			Head: cowtree.NodeHeader{Owner: bigRootID, Generation: 2, Level: 0, Addr: addr},
			BodyLeaf: []cowtree.Item{
				{Key: cowprim.Key{ObjectID: bigRootID, Type: cowprim.ItemTypeFileExtent, Offset: uint64(i)}, Body: cowitem.Opaque{}},
			},
		}
		kps[i] = cowtree.KeyPointer{
			Key:        cowprim.Key{ObjectID: bigRootID, Type: cowprim.ItemTypeFileExtent, Offset: uint64(i)},
			BlockPtr:   addr,
			Generation: 2,
		}
	}
	rootAddr, err := f.alloc.AllocNode(ctx, bigRootID, 0)
	require.NoError(t, err)
	f.data.nodes[rootAddr] = &cowtree.Node{
		Size:         testNodeSize,
		Head:         cowtree.NodeHeader{Owner: bigRootID, Generation: 2, Level: 1, Addr: rootAddr},
		BodyInterior: kps,
	}

	bigTree := &cowtree.Tree{
		Owner: bigRootID, NodeSize: testNodeSize,
		Source: f.data, Alloc: f.alloc, Writer: f.data,
		RootAddr: rootAddr, RootGen: 2, RootLvl: 1,
	}
	f.forrest.Put(bigRootID, bigTree)
	require.NoError(t, f.rootsTree.Insert(ctx, f.curGen, cowprim.Key{ObjectID: bigRootID, Type: cowprim.ItemTypeRoot, Offset: 0}, cowitem.RootItem{
		TreeRootBytenr: rootAddr,
		Level:          1,
		Refs:           1,
	}))

	err = snapshot.Drop(ctx, f.forrest, f.alloc, f.rootsTree, f.curGen+1, bigRootID, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, cowerr.Retry, "exhausting the budget mid-walk must surface as a retryable error")

	_, ok := f.forrest.Get(bigRootID)
	require.True(t, ok, "a partially-dropped root must stay registered for the resuming call")

	err = snapshot.Drop(ctx, f.forrest, f.alloc, f.rootsTree, f.curGen+2, bigRootID, nil)
	require.NoError(t, err, "the resuming call must finish off whatever the budget left behind")

	_, ok = f.forrest.Get(bigRootID)
	require.False(t, ok, "a fully dropped root must be removed from the forrest")
}
