package extent_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/extent"
)

// memStore is the same trivial in-memory NodeSource/Allocator/NodeWriter
// stand-in cowtree's own tests use, grounded on cowtree.NodeWriter's doc
// comment inviting exactly this for tests.
type memStore struct {
	nodes map[cowprim.LogicalAddr]*cowtree.Node
	next  cowprim.LogicalAddr
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[cowprim.LogicalAddr]*cowtree.Node), next: 100}
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
	return addr, nil
}

func (m *memStore) FreeNode(_ context.Context, addr cowprim.LogicalAddr, _ cowprim.ObjID, _ cowprim.Generation) error {
	delete(m.nodes, addr)
	return nil
}

func (m *memStore) IncRefNode(context.Context, cowprim.LogicalAddr, cowprim.ObjID, cowprim.Generation) error {
	return nil
}

const testNodeSize = 256

// newTestAllocator builds an Allocator over a fresh, empty extent tree
// and registers one DATA block group covering [1000, 2000).
func newTestAllocator(t *testing.T) (*extent.Allocator, *memStore) {
	t.Helper()
	store := newMemStore()
	root := &cowtree.Node{
		Size: testNodeSize,
		Head: cowtree.NodeHeader{Owner: cowprim.ExtentTreeObjID, Generation: 1, Level: 0},
	}
	root.Head.Addr = 1
	store.nodes[1] = root

	tree := &cowtree.Tree{
		Owner:    cowprim.ExtentTreeObjID,
		NodeSize: testNodeSize,
		Source:   store,
		Alloc:    store,
		Writer:   store,
		RootAddr: 1,
		RootGen:  1,
	}
	alloc := extent.New(tree)
	alloc.CurGen = 2
	alloc.AddBlockGroup(&extent.BlockGroup{
		Start: 1000,
		Size:  1000,
		Flags: cowitem.BlockGroupData,
	})
	return alloc, store
}

func ref(owner cowprim.ObjID, offset uint64) cowitem.ExtentRefBody {
	return cowitem.ExtentRefBody{RootObjectID: owner, OwnerObjectID: owner, OwnerOffset: offset}
}

func TestAllocExtentThenFreeReleasesSpace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alloc, _ := newTestAllocator(t)

	addr, err := alloc.AllocExtent(ctx, 64, ref(256, 0), 0, cowitem.BlockGroupData)
	require.NoError(t, err)
	require.GreaterOrEqual(t, int64(addr), int64(1000))

	refs, err := alloc.NodeRefs(ctx, addr, 64)
	require.NoError(t, err)
	require.Equal(t, uint32(1), refs)

	require.NoError(t, alloc.FreeExtent(ctx, addr, 64, ref(256, 0), false))
	// FreeExtent on the extent tree's own allocator defers the actual
	// delete to pending_del (the extent tree is always the tree being
	// mutated here, so every free recurses the same way an insert
	// does); the next AllocExtent drains it per finish_current_insert/
	// del_pending_extents' own "every public entry point ends with
	// both drains" rule.
	_, err = alloc.AllocExtent(ctx, 8, ref(999, 0), 2000, cowitem.BlockGroupData)
	require.NoError(t, err)

	_, err = alloc.NodeRefs(ctx, addr, 64)
	require.Error(t, err, "a fully dereferenced extent's EXTENT_ITEM must be gone once pending_del drains")
}

func TestFreeExtentPinsWhenRequested(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alloc, _ := newTestAllocator(t)

	addr, err := alloc.AllocExtent(ctx, 64, ref(256, 0), 0, cowitem.BlockGroupData)
	require.NoError(t, err)
	require.NoError(t, alloc.FreeExtent(ctx, addr, 64, ref(256, 0), true))

	// A second allocation drains pending_del (pinning [addr,addr+64)
	// in the process) and must not be handed the range just freed.
	addr2, err := alloc.AllocExtent(ctx, 64, ref(256, 1), addr, cowitem.BlockGroupData)
	require.NoError(t, err)
	require.NotEqual(t, addr, addr2, "a pinned range must not be reallocated before FinishExtentCommit")

	require.NoError(t, alloc.FinishExtentCommit(ctx))
}

func TestAllocExtentNoSpaceWhenGroupFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alloc, _ := newTestAllocator(t)

	// Consume past the 7/8 fullness threshold of a 1000-byte group.
	_, err := alloc.AllocExtent(ctx, 900, ref(256, 0), 0, cowitem.BlockGroupData)
	require.NoError(t, err)

	_, err = alloc.AllocExtent(ctx, 16, ref(256, 1), 0, cowitem.BlockGroupData)
	require.Error(t, err, "a group past GroupFullThresholdNum/Den must stop being offered")
}

func TestIncExtentRefPromotesInlineToOutOfLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alloc, _ := newTestAllocator(t)

	addr, err := alloc.AllocExtent(ctx, 64, ref(256, 0), 0, cowitem.BlockGroupData)
	require.NoError(t, err)

	ok, err := alloc.LookupExtentRef(ctx, addr, ref(256, 0))
	require.NoError(t, err)
	require.True(t, ok, "a single-holder extent's inline ref must be found")

	require.NoError(t, alloc.IncExtentRef(ctx, addr, ref(512, 0)))

	refs, err := alloc.NodeRefs(ctx, addr, 64)
	require.NoError(t, err)
	require.Equal(t, uint32(2), refs)

	ok, err = alloc.LookupExtentRef(ctx, addr, ref(256, 0))
	require.NoError(t, err)
	require.True(t, ok, "the demoted-to-out-of-line original ref must still be findable")

	ok, err = alloc.LookupExtentRef(ctx, addr, ref(512, 0))
	require.NoError(t, err)
	require.True(t, ok, "the newly added ref must be findable")
}

func TestFreeExtentUnknownAddrNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alloc, _ := newTestAllocator(t)

	err := alloc.FreeExtent(ctx, 1234, 64, ref(256, 0), false)
	require.Error(t, err)
}
