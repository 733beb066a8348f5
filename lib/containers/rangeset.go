package containers

// Range is a half-open byte range [Start, End).
type Range[K Ordered[K]] struct {
	Start, End K
}

// RangeSet is a set of disjoint, non-adjacent half-open ranges over
// an ordered address type, stored as a red-black tree keyed by each
// range's Start. It is the interval-tree representation the design
// notes call for in place of the source's radix-of-bits bitmaps: the
// filesystem's free_space, pinned, pending_del, and extent_ins sets
// are each one of these.
//
// K must satisfy IntRangeKey: Ordered plus an Adjacent method.
type RangeSet[K IntRangeKey[K]] struct {
	tree RBTree[K, Range[K]]
}

// IntRangeKey is the constraint RangeSet is declared with: Ordered
// plus Adjacent. RangeSet's own merging needs only Cmp, since
// half-open ranges touch exactly when one's End equals the other's
// Start.
type IntRangeKey[K any] interface {
	Ordered[K]
	// Adjacent reports whether the receiver immediately precedes
	// other (i.e. receiver+1 == other in address space).
	Adjacent(other K) bool
}

func (s *RangeSet[K]) init() {
	if s.tree.KeyFn == nil {
		s.tree.KeyFn = func(r Range[K]) K { return r.Start }
	}
}

func (s *RangeSet[K]) Len() int { return s.tree.Len() }

// Add inserts [start,end) into the set, merging with any ranges it
// overlaps or touches.
func (s *RangeSet[K]) Add(rng Range[K]) {
	s.init()
	if rng.Start.Cmp(rng.End) >= 0 {
		return
	}

	// Absorb every existing range that overlaps-or-touches the
	// new one, extending [start,end) to their union, then delete
	// them; finally insert the merged result once.
	for {
		node := s.tree.Floor(rng.Start)
		if node == nil || !overlapsOrTouches(node.Value, rng) {
			node = s.tree.Ceiling(rng.Start)
			if node == nil || !overlapsOrTouches(node.Value, rng) {
				break
			}
		}
		rng = union(rng, node.Value)
		s.tree.DeleteNode(node)
	}
	// There may be further neighbors to the right that the new
	// (possibly widened) range now reaches.
	for {
		node := s.tree.Ceiling(rng.Start)
		if node == nil || !overlapsOrTouches(node.Value, rng) {
			break
		}
		rng = union(rng, node.Value)
		s.tree.DeleteNode(node)
	}
	s.tree.Insert(rng)
}

// overlapsOrTouches compares ends against starts directly: with
// half-open ranges, a range that ends where the other starts already
// touches it, and a gap of even one unit keeps them apart.
func overlapsOrTouches[K IntRangeKey[K]](a, b Range[K]) bool {
	if a.End.Cmp(b.Start) < 0 {
		return false
	}
	if b.End.Cmp(a.Start) < 0 {
		return false
	}
	return true
}

func union[K IntRangeKey[K]](a, b Range[K]) Range[K] {
	out := a
	if b.Start.Cmp(out.Start) < 0 {
		out.Start = b.Start
	}
	if b.End.Cmp(out.End) > 0 {
		out.End = b.End
	}
	return out
}

// Remove deletes [start,end) from the set, splitting any range that
// only partially overlaps it.
func (s *RangeSet[K]) Remove(rng Range[K]) {
	s.init()
	if rng.Start.Cmp(rng.End) >= 0 {
		return
	}
	var toInsert []Range[K]
	for _, hit := range s.overlapping(rng) {
		s.tree.Delete(hit.Start)
		if hit.Start.Cmp(rng.Start) < 0 {
			toInsert = append(toInsert, Range[K]{Start: hit.Start, End: rng.Start})
		}
		if hit.End.Cmp(rng.End) > 0 {
			toInsert = append(toInsert, Range[K]{Start: rng.End, End: hit.End})
		}
	}
	for _, r := range toInsert {
		s.tree.Insert(r)
	}
}

func (s *RangeSet[K]) overlapping(rng Range[K]) []Range[K] {
	var out []Range[K]
	node := s.tree.Floor(rng.Start)
	if node != nil && node.Value.End.Cmp(rng.Start) > 0 {
		out = append(out, node.Value)
	}
	node = s.tree.Ceiling(rng.Start)
	for node != nil && node.Value.Start.Cmp(rng.End) < 0 {
		if len(out) == 0 || out[len(out)-1].Start.Cmp(node.Value.Start) != 0 {
			out = append(out, node.Value)
		}
		node = node.Successor()
	}
	return out
}

// Intersects reports whether any range in the set overlaps [start,end).
func (s *RangeSet[K]) Intersects(rng Range[K]) bool {
	s.init()
	return len(s.overlapping(rng)) > 0
}

// Contains reports whether [start,end) lies entirely within a single
// range of the set.
func (s *RangeSet[K]) Contains(rng Range[K]) bool {
	s.init()
	node := s.tree.Floor(rng.Start)
	if node == nil {
		return false
	}
	return node.Value.Start.Cmp(rng.Start) <= 0 && node.Value.End.Cmp(rng.End) >= 0
}

// FirstFit scans ranges in ascending Start order starting from the
// first range that reaches at or past `start`, calling alignUp to
// round a candidate start up to the caller's alignment and longEnough
// to test whether the aligned candidate leaves enough room before the
// range's end. It returns the first fitting (alignedStart, rangeEnd)
// window, or ok=false if the set is exhausted.
func (s *RangeSet[K]) FirstFit(start K, alignUp func(K) K, longEnough func(candidateStart, rangeEnd K) bool) (Range[K], bool) {
	s.init()
	node := s.tree.Floor(start)
	if node == nil || node.Value.End.Cmp(start) <= 0 {
		node = s.tree.Ceiling(start)
	}
	for node != nil {
		candidateStart := node.Value.Start
		if candidateStart.Cmp(start) < 0 {
			candidateStart = start
		}
		candidateStart = alignUp(candidateStart)
		if candidateStart.Cmp(node.Value.End) < 0 && longEnough(candidateStart, node.Value.End) {
			return Range[K]{Start: candidateStart, End: node.Value.End}, true
		}
		node = node.Successor()
	}
	return Range[K]{}, false
}

// RangeContaining returns the range that contains k, if any.
func (s *RangeSet[K]) RangeContaining(k K) (Range[K], bool) {
	s.init()
	node := s.tree.Floor(k)
	if node == nil || node.Value.End.Cmp(k) <= 0 {
		return Range[K]{}, false
	}
	return node.Value, true
}

// Walk visits every range in ascending Start order.
func (s *RangeSet[K]) Walk(fn func(Range[K]) error) error {
	return s.tree.Walk(func(n *RBNode[Range[K]]) error { return fn(n.Value) })
}

// Clear empties the set.
func (s *RangeSet[K]) Clear() {
	s.tree = RBTree[K, Range[K]]{}
}
