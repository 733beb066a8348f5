// Package extent implements the allocator: block-group bookkeeping,
// reference-counted extents with back-references, and the deferred
// interval sets (free_space, pinned, pending_del, extent_ins) a
// transaction accumulates between commits.
package extent

import (
	"errors"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// GroupFullThresholdNum/Den resolves spec.md §9's open question on
// block-group availability: a group stops being offered to new
// allocations once more than 7/8 of it is used, uniformly regardless
// of the group's DATA/METADATA/SYSTEM tag (the source's
// owner-dependent 5/8 variant for METADATA groups was considered and
// rejected — see DESIGN.md).
const (
	GroupFullThresholdNum = 7
	GroupFullThresholdDen = 8
)

// BlockGroup is the in-memory cache entry for one BLOCK_GROUP_ITEM:
// spec §3's "{ key, item, flags, used, pinned, cached, last_alloc_hint,
// space_info_link }", minus space_info_link (this engine does not
// model multi-device space classes; see SPEC_FULL §1).
type BlockGroup struct {
	Start cowprim.LogicalAddr
	Size  uint64
	Flags cowitem.BlockGroupFlags

	Used           uint64
	LastAllocHint  cowprim.LogicalAddr
	Cached         bool // whether free_space has been populated from the extent tree yet
	Dirty          bool
}

func (g *BlockGroup) End() cowprim.LogicalAddr {
	return g.Start.Add(cowprim.AddrDelta(g.Size))
}

// full reports whether the group has crossed GroupFullThreshold and
// should no longer be offered as an allocation target.
func (g *BlockGroup) full() bool {
	return g.Used*GroupFullThresholdDen > g.Size*GroupFullThresholdNum
}

// index is the block_group_index: every known group, ordered by
// starting address, searched during find_free_extent.
type index struct {
	byStart containers.RangeSet[cowprim.LogicalAddr]
	groups  map[cowprim.LogicalAddr]*BlockGroup
}

func newIndex() *index {
	return &index{groups: make(map[cowprim.LogicalAddr]*BlockGroup)}
}

func (ix *index) add(g *BlockGroup) {
	ix.groups[g.Start] = g
	ix.byStart.Add(containers.Range[cowprim.LogicalAddr]{Start: g.Start, End: g.End()})
}

func (ix *index) lookup(addr cowprim.LogicalAddr) (*BlockGroup, bool) {
	r, ok := ix.byStart.RangeContaining(addr)
	if !ok {
		return nil, false
	}
	g, ok := ix.groups[r.Start]
	return g, ok
}

// walk visits every known group in ascending start order, stopping
// early if fn returns false. It is how find_free_extent scans block
// groups for a candidate.
func (ix *index) walk(fn func(*BlockGroup) bool) {
	_ = ix.byStart.Walk(func(r containers.Range[cowprim.LogicalAddr]) error {
		if !fn(ix.groups[r.Start]) {
			return errStopWalk
		}
		return nil
	})
}

var errStopWalk = errors.New("extent: stop")
