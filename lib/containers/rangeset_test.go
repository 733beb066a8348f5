package containers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

func addrRange(start, end int64) containers.Range[cowprim.LogicalAddr] {
	return containers.Range[cowprim.LogicalAddr]{
		Start: cowprim.LogicalAddr(start),
		End:   cowprim.LogicalAddr(end),
	}
}

func TestRangeSetAddMergesAdjacent(t *testing.T) {
	t.Parallel()

	var s containers.RangeSet[cowprim.LogicalAddr]
	s.Add(addrRange(0, 10))
	s.Add(addrRange(10, 20))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(addrRange(0, 20)))
}

func TestRangeSetAddMergesOverlapping(t *testing.T) {
	t.Parallel()

	var s containers.RangeSet[cowprim.LogicalAddr]
	s.Add(addrRange(0, 10))
	s.Add(addrRange(5, 15))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(addrRange(0, 15)))
}

func TestRangeSetRemoveSplits(t *testing.T) {
	t.Parallel()

	var s containers.RangeSet[cowprim.LogicalAddr]
	s.Add(addrRange(0, 100))
	s.Remove(addrRange(40, 60))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains(addrRange(0, 40)))
	assert.True(t, s.Contains(addrRange(60, 100)))
	assert.False(t, s.Intersects(addrRange(40, 60)))
}

func TestRangeSetFirstFit(t *testing.T) {
	t.Parallel()

	var s containers.RangeSet[cowprim.LogicalAddr]
	s.Add(addrRange(0, 8))
	s.Add(addrRange(16, 32))

	identity := func(a cowprim.LogicalAddr) cowprim.LogicalAddr { return a }
	longEnough := func(start, end cowprim.LogicalAddr) bool { return end-start >= 10 }

	got, ok := s.FirstFit(0, identity, longEnough)
	assert.True(t, ok)
	assert.Equal(t, addrRange(16, 32), got)
}

func TestRangeSetNoFit(t *testing.T) {
	t.Parallel()

	var s containers.RangeSet[cowprim.LogicalAddr]
	s.Add(addrRange(0, 4))

	identity := func(a cowprim.LogicalAddr) cowprim.LogicalAddr { return a }
	longEnough := func(start, end cowprim.LogicalAddr) bool { return end-start >= 10 }

	_, ok := s.FirstFit(0, identity, longEnough)
	assert.False(t, ok)
}
