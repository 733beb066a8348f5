package cowfs

import (
	"context"

	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
)

// bootstrapAllocator hands out the first two node addresses a brand
// new volume needs (the extent tree's own root and the tree of
// roots') by flat placement, before the real extent.Allocator exists
// to allocate anything - mkfs's chicken-and-egg problem
// original_source/fs/btrfs/disk-io.c's btrfs_make_block_groups also
// resolves with a hand-placed first chunk rather than calling
// alloc_extent before any block group is registered.
type bootstrapAllocator struct {
	store    *nodeStore
	nodeSize uint32
	next     cowprim.LogicalAddr
}

func (b *bootstrapAllocator) alloc(ctx context.Context, owner cowprim.ObjID) (cowprim.LogicalAddr, error) {
	addr := b.next
	b.next = addr.Add(cowprim.AddrDelta(b.nodeSize))

	node := &cowtree.Node{
		Size: b.nodeSize,
		Head: cowtree.NodeHeader{Addr: addr, Owner: owner, Generation: 1, Level: 0},
	}
	if err := b.store.WriteNode(ctx, node); err != nil {
		return 0, err
	}
	return addr, nil
}
