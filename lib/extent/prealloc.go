package extent

import (
	"context"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// PreallocSize is the fixed pool size SPEC_FULL §4.D resolves the
// "any positive bound that empirically avoids recursion suffices"
// open question to: (MaxLevel+1)*3 reservations, one possible COW per
// level of the extent tree on the way down plus slack for a split at
// each level, times three trees that can all be mutating at once
// (extent tree, tree of roots, the caller's own tree).
const PreallocSize = (maxTreeLevel + 1) * 3

// maxTreeLevel is the tree height PreallocSize is sized for. cowtree
// itself has no height limit and defines no such constant, so this
// one is local to this package.
const maxTreeLevel = 8

// refillPrealloc implements the num_bytes==0 path of alloc_extent: it
// draws one leaf-sized range from free_space without inserting an
// EXTENT_ITEM, growing the prealloc pool for a subsequent node
// allocation that must not itself trigger a recursive alloc_extent.
func (a *Allocator) refillPrealloc(ctx context.Context) (cowprim.LogicalAddr, error) {
	if len(a.prealloc) >= PreallocSize {
		return a.takePrealloc()
	}
	var leafSize uint64
	if a.Tree != nil {
		leafSize = uint64(a.Tree.NodeSize)
	}
	if leafSize == 0 {
		return 0, fmt.Errorf("%w: refillPrealloc: no node size configured", cowerr.InvalidArgument)
	}

	group := a.chooseGroupForPrealloc()
	if group == nil {
		return 0, fmt.Errorf("%w: no block group available to refill preallocation pool", cowerr.NoSpace)
	}
	if err := a.ensureCached(ctx, group); err != nil {
		return 0, err
	}
	rng, ok := a.findFreeRange(group, leafSize)
	if !ok {
		return 0, fmt.Errorf("%w: group at %v has no run of %d free bytes for prealloc", cowerr.NoSpace, group.Start, leafSize)
	}
	a.freeSpace.Remove(rng)
	a.prealloc = append(a.prealloc, rng.Start)
	return rng.Start, nil
}

func (a *Allocator) chooseGroupForPrealloc() *BlockGroup {
	var best *BlockGroup
	a.groups.walk(func(g *BlockGroup) bool {
		if !g.full() {
			best = g
			return false
		}
		return true
	})
	return best
}

// takePrealloc hands out one already-reserved range, the common case
// once the pool is warm: no free_space search at all on the hot path
// of extent-tree self-maintenance.
func (a *Allocator) takePrealloc() (cowprim.LogicalAddr, error) {
	if len(a.prealloc) == 0 {
		return 0, fmt.Errorf("%w: preallocation pool exhausted", cowerr.NoSpace)
	}
	addr := a.prealloc[len(a.prealloc)-1]
	a.prealloc = a.prealloc[:len(a.prealloc)-1]
	return addr, nil
}
