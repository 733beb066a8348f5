package extent

import (
	"context"
	"errors"
	"fmt"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
)

// pendingExtent is one row of extent_ins: an EXTENT_ITEM (plus its one
// inline backref) that alloc_extent has committed to logically, but
// whose insertion into the extent tree is deferred to the next
// finish_current_insert checkpoint so that allocating space for the
// extent tree's own COW never recurses into allocating space for
// itself.
type pendingExtent struct {
	Start cowprim.LogicalAddr
	Len   uint64
	Ref   cowitem.ExtentRefBody
}

// pendingFree is one row of pending_del: an extent whose refcount hit
// zero while mutating the extent tree itself, so the EXTENT_ITEM
// delete and the group's used_bytes decrement are deferred the same
// way extent_ins defers inserts.
type pendingFree struct {
	Start cowprim.LogicalAddr
	Len   uint64
	Pin   bool
}

// Allocator is the extent allocator: the extent tree's own Tree, the
// block-group index, the free-space cache, and the three
// per-transaction deferred sets (extent_ins, pending_del, pinned) from
// spec §4.D.5. It implements cowtree.Allocator, so any other Tree in
// the filesystem (the tree of roots, a subvolume tree) allocates and
// frees nodes through it.
type Allocator struct {
	Tree *cowtree.Tree // the extent tree; RefCows is false on it

	// CurGen is the transid of the transaction currently open on
	// this filesystem (start_transaction's generation++, spec
	// §4.F). Every insert/delete this allocator performs - on the
	// extent tree or on a caller's node - is stamped with it. The
	// transaction manager updates it as transactions come and go;
	// an Allocator used on its own (as in tests) can just set it
	// once.
	CurGen cowprim.Generation

	groups    *index
	freeSpace containers.RangeSet[cowprim.LogicalAddr]
	pinned    containers.RangeSet[cowprim.LogicalAddr]

	extentIns  []pendingExtent
	pendingDel []pendingFree

	prealloc []cowprim.LogicalAddr // see prealloc.go
}

func New(tree *cowtree.Tree) *Allocator {
	return &Allocator{Tree: tree, groups: newIndex()}
}

// AddBlockGroup registers a block group's extent as known, lazily
// scanned for free space the first time an allocation targets it.
func (a *Allocator) AddBlockGroup(g *BlockGroup) {
	a.groups.add(g)
}

// AllocNode/FreeNode/IncRefNode implement cowtree.Allocator so that a
// Tree can request node-sized space without knowing anything about
// extents, block groups, or back-references. Nodes are always
// METADATA, and their one backref identifies the owning tree.
var _ cowtree.Allocator = (*Allocator)(nil)

func (a *Allocator) AllocNode(ctx context.Context, owner cowprim.ObjID, hint cowprim.LogicalAddr) (cowprim.LogicalAddr, error) {
	start, err := a.AllocExtent(ctx, uint64(a.Tree.NodeSize), cowitem.ExtentRefBody{
		RootObjectID:  owner,
		OwnerObjectID: owner,
	}, hint, cowitem.BlockGroupMetadata)
	if err != nil {
		return 0, err
	}
	return start, nil
}

func (a *Allocator) FreeNode(ctx context.Context, addr cowprim.LogicalAddr, owner cowprim.ObjID, gen cowprim.Generation) error {
	return a.FreeExtent(ctx, addr, uint64(a.Tree.NodeSize), cowitem.ExtentRefBody{
		RootObjectID:  owner,
		Generation:    gen,
		OwnerObjectID: owner,
	}, true)
}

func (a *Allocator) IncRefNode(ctx context.Context, addr cowprim.LogicalAddr, owner cowprim.ObjID, gen cowprim.Generation) error {
	return a.IncExtentRef(ctx, addr, cowitem.ExtentRefBody{
		RootObjectID:  owner,
		Generation:    gen,
		OwnerObjectID: owner,
	})
}

// extentKey builds the (bytenr, EXTENT_ITEM, length) key spec §3 names.
func extentKey(start cowprim.LogicalAddr, length uint64) cowprim.Key {
	return cowprim.Key{ObjectID: cowprim.ObjID(start), Type: cowprim.ItemTypeExtent, Offset: length}
}

// refKey builds the (bytenr, EXTENT_REF, hash) key for a given backref
// payload, per spec §4.D's hash rule.
func refKey(start cowprim.LogicalAddr, ref cowitem.ExtentRefBody) cowprim.Key {
	return cowprim.Key{ObjectID: cowprim.ObjID(start), Type: cowprim.ItemTypeExtentRef, Offset: cowitem.BackrefHash(ref)}
}

// AllocExtent implements spec §4.D.3: pick a block group, find a free
// range inside it wide enough, reject ranges the pinned or
// extent_ins sets still claim, then record the allocation.
//
// num_bytes == 0 is the preallocation-refill path (§4.D.3's
// "Recursion break"): it draws from free_space without inserting
// anything, see prealloc.go.
func (a *Allocator) AllocExtent(ctx context.Context, numBytes uint64, ref cowitem.ExtentRefBody, hint cowprim.LogicalAddr, kind cowitem.BlockGroupFlags) (cowprim.LogicalAddr, error) {
	if numBytes == 0 {
		return a.refillPrealloc(ctx)
	}

	group := a.chooseGroup(hint, kind)
	if group == nil {
		return 0, fmt.Errorf("%w: no block group tagged %v has room", cowerr.NoSpace, kind)
	}
	if err := a.ensureCached(ctx, group); err != nil {
		return 0, err
	}

	rng, ok := a.findFreeRange(group, numBytes)
	if !ok {
		return 0, fmt.Errorf("%w: group at %v has no run of %d free bytes", cowerr.NoSpace, group.Start, numBytes)
	}
	start := rng.Start

	if a.Tree.Owner == cowprim.ExtentTreeObjID {
		a.extentIns = append(a.extentIns, pendingExtent{Start: start, Len: numBytes, Ref: ref})
	} else {
		item := cowitem.ExtentItem{Refs: 1, Flags: cowitem.ExtentFlagInlineRef, InlineRef: ref}
		if err := a.Tree.Insert(ctx, a.CurGen, extentKey(start, numBytes), item); err != nil {
			return 0, fmt.Errorf("extent: inserting EXTENT_ITEM: %w", err)
		}
	}

	a.freeSpace.Remove(containers.Range[cowprim.LogicalAddr]{Start: start, End: start.Add(cowprim.AddrDelta(numBytes))})
	group.Used += numBytes
	group.Dirty = true
	group.LastAllocHint = start.Add(cowprim.AddrDelta(numBytes))

	if err := a.finishCurrentInsert(ctx); err != nil {
		return 0, err
	}
	if err := a.delPendingExtents(ctx); err != nil {
		return 0, err
	}
	return start, nil
}

// chooseGroup implements the hint-then-scan rule of §4.D.3 step 1.
func (a *Allocator) chooseGroup(hint cowprim.LogicalAddr, kind cowitem.BlockGroupFlags) *BlockGroup {
	if g, ok := a.groups.lookup(hint); ok && g.Flags.Has(kind) && !g.full() {
		return g
	}
	var best *BlockGroup
	a.groups.walk(func(g *BlockGroup) bool {
		if g.Start.Cmp(hint) >= 0 && g.Flags.Has(kind) && !g.full() {
			best = g
			return false
		}
		return true
	})
	if best != nil {
		return best
	}
	// Wrap once: scan from the very start of the index.
	a.groups.walk(func(g *BlockGroup) bool {
		if g.Flags.Has(kind) && !g.full() {
			best = g
			return false
		}
		return true
	})
	return best
}

// ensureCached populates free_space for a group the first time it is
// used, per §4.D.2: every gap between consecutive EXTENT_ITEM keys in
// [group.Start, group.End) is a free range.
func (a *Allocator) ensureCached(ctx context.Context, g *BlockGroup) error {
	if g.Cached {
		return nil
	}
	cur, err := a.Tree.Seek(ctx, extentKey(g.Start, 0))
	if err != nil {
		return fmt.Errorf("extent: caching group %v: %w", g.Start, err)
	}
	prevEnd := g.Start
	err = cur.Walk(ctx, func(it cowtree.Item) bool {
		if containers.NativeCompare(it.Key.ObjectID, cowprim.ObjID(g.End())) >= 0 {
			return false
		}
		if it.Key.Type != cowprim.ItemTypeExtent {
			return true
		}
		start := cowprim.LogicalAddr(it.Key.ObjectID)
		if start.Cmp(prevEnd) > 0 {
			a.freeSpace.Add(containers.Range[cowprim.LogicalAddr]{Start: prevEnd, End: start})
		}
		prevEnd = start.Add(cowprim.AddrDelta(it.Key.Offset))
		return true
	})
	if err != nil {
		return fmt.Errorf("extent: caching group %v: %w", g.Start, err)
	}
	if prevEnd.Cmp(g.End()) < 0 {
		a.freeSpace.Add(containers.Range[cowprim.LogicalAddr]{Start: prevEnd, End: g.End()})
	}
	g.Cached = true
	return nil
}

// findFreeRange implements §4.D.3 steps 2-3: the first free range at
// or past the group's own start wide enough for numBytes, skipping
// anything the pinned set or a not-yet-flushed extent_ins entry still
// claims.
func (a *Allocator) findFreeRange(g *BlockGroup, numBytes uint64) (containers.Range[cowprim.LogicalAddr], bool) {
	cursor := g.Start
	for {
		rng, ok := a.freeSpace.FirstFit(cursor,
			func(k cowprim.LogicalAddr) cowprim.LogicalAddr { return k },
			func(start, end cowprim.LogicalAddr) bool {
				return uint64(end.Sub(start)) >= numBytes
			})
		if !ok || rng.Start.Cmp(g.End()) >= 0 {
			return containers.Range[cowprim.LogicalAddr]{}, false
		}
		candidate := containers.Range[cowprim.LogicalAddr]{Start: rng.Start, End: rng.Start.Add(cowprim.AddrDelta(numBytes))}
		if a.obstructed(candidate) {
			cursor = rng.Start.Add(1)
			continue
		}
		return candidate, true
	}
}

func (a *Allocator) obstructed(rng containers.Range[cowprim.LogicalAddr]) bool {
	if a.pinned.Intersects(rng) {
		return true
	}
	for _, p := range a.extentIns {
		pr := containers.Range[cowprim.LogicalAddr]{Start: p.Start, End: p.Start.Add(cowprim.AddrDelta(p.Len))}
		if overlaps(pr, rng) {
			return true
		}
	}
	return false
}

func overlaps(x, y containers.Range[cowprim.LogicalAddr]) bool {
	return x.Start.Cmp(y.End) < 0 && y.Start.Cmp(x.End) < 0
}

// FreeExtent implements spec §4.D.4.
func (a *Allocator) FreeExtent(ctx context.Context, bytenr cowprim.LogicalAddr, numBytes uint64, ref cowitem.ExtentRefBody, pin bool) error {
	item, found, err := a.lookupExtentItem(ctx, bytenr, numBytes)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no EXTENT_ITEM at %v len %d", cowerr.NotFound, bytenr, numBytes)
	}

	if err := a.removeBackref(ctx, bytenr, item, ref); err != nil {
		return err
	}
	item.Refs--
	if item.Refs > 0 {
		return a.rewriteExtentItem(ctx, bytenr, numBytes, item)
	}

	if a.Tree.Owner == cowprim.ExtentTreeObjID {
		a.pendingDel = append(a.pendingDel, pendingFree{Start: bytenr, Len: numBytes, Pin: pin})
		return nil
	}
	return a.finalizeFree(ctx, bytenr, numBytes, pin)
}

func (a *Allocator) finalizeFree(ctx context.Context, bytenr cowprim.LogicalAddr, numBytes uint64, pin bool) error {
	if err := a.Tree.Delete(ctx, a.CurGen, extentKey(bytenr, numBytes)); err != nil {
		return fmt.Errorf("extent: deleting EXTENT_ITEM: %w", err)
	}
	if g, ok := a.groups.lookup(bytenr); ok {
		if g.Used >= numBytes {
			g.Used -= numBytes
		}
		g.Dirty = true
	}
	rng := containers.Range[cowprim.LogicalAddr]{Start: bytenr, End: bytenr.Add(cowprim.AddrDelta(numBytes))}
	if pin {
		a.pinned.Add(rng)
	} else {
		a.freeSpace.Add(rng)
	}
	return nil
}

// IncExtentRef implements spec.md's inc_extent_ref: add a holder to an
// already-allocated extent, promoting an inline backref to an
// out-of-line EXTENT_REF the moment a second reference appears (per
// SPEC_FULL's inline-ref supplement).
func (a *Allocator) IncExtentRef(ctx context.Context, bytenr cowprim.LogicalAddr, ref cowitem.ExtentRefBody) error {
	length, item, found, err := a.findExtentItemByStart(ctx, bytenr)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no EXTENT_ITEM at %v", cowerr.NotFound, bytenr)
	}

	if item.Refs == 1 && item.Flags.Has(cowitem.ExtentFlagInlineRef) {
		if err := a.Tree.Insert(ctx, a.CurGen, refKey(bytenr, item.InlineRef), cowitem.ExtentRef{Body: item.InlineRef}); err != nil {
			return fmt.Errorf("extent: demoting inline ref: %w", err)
		}
		item.Flags = 0
		item.InlineRef = cowitem.ExtentRefBody{}
	}
	if err := a.Tree.Insert(ctx, a.CurGen, refKey(bytenr, ref), cowitem.ExtentRef{Body: ref}); err != nil {
		return fmt.Errorf("extent: inserting EXTENT_REF: %w", err)
	}
	item.Refs++
	return a.rewriteExtentItem(ctx, bytenr, length, item)
}

// LookupExtentRef reports the single backref inline on an extent with
// exactly one holder, or looks up one specific out-of-line backref by
// its full payload once an extent has more than one.
func (a *Allocator) LookupExtentRef(ctx context.Context, bytenr cowprim.LogicalAddr, ref cowitem.ExtentRefBody) (bool, error) {
	_, item, found, err := a.findExtentItemByStart(ctx, bytenr)
	if err != nil || !found {
		return false, err
	}
	if item.Flags.Has(cowitem.ExtentFlagInlineRef) {
		return item.InlineRef.Equal(ref), nil
	}
	body, err := a.Tree.Get(ctx, refKey(bytenr, ref))
	if err != nil {
		if errIsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	got, ok := body.(cowitem.ExtentRef)
	if !ok {
		return false, fmt.Errorf("extent: EXTENT_REF at %v decoded as %T", bytenr, body)
	}
	return got.Body.Equal(ref), nil
}

// findExtentItemByStart locates the EXTENT_ITEM whose key objectid is
// bytenr, regardless of its length, by seeking to (bytenr, EXTENT_ITEM,
// 0) and checking the first hit.
func (a *Allocator) findExtentItemByStart(ctx context.Context, bytenr cowprim.LogicalAddr) (uint64, cowitem.ExtentItem, bool, error) {
	cur, err := a.Tree.Seek(ctx, cowprim.Key{ObjectID: cowprim.ObjID(bytenr), Type: cowprim.ItemTypeExtent})
	if err != nil {
		return 0, cowitem.ExtentItem{}, false, err
	}
	it, ok := cur.Item()
	if !ok || it.Key.ObjectID != cowprim.ObjID(bytenr) || it.Key.Type != cowprim.ItemTypeExtent {
		return 0, cowitem.ExtentItem{}, false, nil
	}
	item, ok := it.Body.(cowitem.ExtentItem)
	if !ok {
		return 0, cowitem.ExtentItem{}, false, fmt.Errorf("extent: EXTENT_ITEM at %v decoded as %T", bytenr, it.Body)
	}
	return it.Key.Offset, item, true, nil
}

// NodeRefs reports an already-allocated extent's current back-reference
// count, used by the snapshot drop walk to decide whether a child
// subtree is still exclusively owned (refs==1, recurse and free) or
// shared with another root (refs>1, decrement and skip).
func (a *Allocator) NodeRefs(ctx context.Context, addr cowprim.LogicalAddr, length uint64) (uint32, error) {
	item, ok, err := a.lookupExtentItem(ctx, addr, length)
	if err != nil {
		return 0, fmt.Errorf("extent: NodeRefs(%v): %w", addr, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: NodeRefs(%v): no EXTENT_ITEM", cowerr.NotFound, addr)
	}
	return item.Refs, nil
}

// lookupExtentItem locates the EXTENT_ITEM at the exact (bytenr, len)
// key, used by FreeExtent which already knows both.
func (a *Allocator) lookupExtentItem(ctx context.Context, bytenr cowprim.LogicalAddr, numBytes uint64) (cowitem.ExtentItem, bool, error) {
	body, err := a.Tree.Get(ctx, extentKey(bytenr, numBytes))
	if err != nil {
		if errIsNotFound(err) {
			return cowitem.ExtentItem{}, false, nil
		}
		return cowitem.ExtentItem{}, false, err
	}
	item, ok := body.(cowitem.ExtentItem)
	if !ok {
		return cowitem.ExtentItem{}, false, fmt.Errorf("extent: EXTENT_ITEM at %v decoded as %T", bytenr, body)
	}
	return item, true, nil
}

func (a *Allocator) rewriteExtentItem(ctx context.Context, bytenr cowprim.LogicalAddr, numBytes uint64, item cowitem.ExtentItem) error {
	key := extentKey(bytenr, numBytes)
	if err := a.Tree.Delete(ctx, a.CurGen, key); err != nil {
		return fmt.Errorf("extent: rewriting EXTENT_ITEM: %w", err)
	}
	if err := a.Tree.Insert(ctx, a.CurGen, key, item); err != nil {
		return fmt.Errorf("extent: rewriting EXTENT_ITEM: %w", err)
	}
	return nil
}

// removeBackref deletes the matching EXTENT_REF (or clears the inline
// slot) for ref, per §4.D.4 step 1's hash-probe-then-compare rule.
func (a *Allocator) removeBackref(ctx context.Context, bytenr cowprim.LogicalAddr, item cowitem.ExtentItem, ref cowitem.ExtentRefBody) error {
	if item.Flags.Has(cowitem.ExtentFlagInlineRef) && item.InlineRef.Equal(ref) {
		return nil // the caller clears/overwrites InlineRef when it rewrites the item
	}
	key := refKey(bytenr, ref)
	for {
		body, err := a.Tree.Get(ctx, key)
		if err != nil {
			if errIsNotFound(err) {
				return fmt.Errorf("%w: no EXTENT_REF at %v matching %+v", cowerr.NotFound, bytenr, ref)
			}
			return err
		}
		got, ok := body.(cowitem.ExtentRef)
		if !ok {
			return fmt.Errorf("extent: EXTENT_REF at %v decoded as %T", bytenr, body)
		}
		if got.Body.Equal(ref) {
			return a.Tree.Delete(ctx, a.CurGen, key)
		}
		key.Offset++ // linear probe past the collision
	}
}

func errIsNotFound(err error) bool {
	return errors.Is(err, cowerr.NotFound)
}
