package blockcache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/blockcache"
)

type fakeSource struct {
	loads     int
	flushes   map[int]string
	loadErr   error
	flushErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{flushes: make(map[int]string)}
}

func (s *fakeSource) Load(_ context.Context, k int) (string, error) {
	s.loads++
	if s.loadErr != nil {
		return "", s.loadErr
	}
	return fmt.Sprintf("loaded-%d", k), nil
}

func (s *fakeSource) Flush(_ context.Context, k int, v string) error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushes[k] = v
	return nil
}

func TestAcquireLoadsOnceThenReusesPinnedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	c := blockcache.New[int, string](4, src)

	v1, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "loaded-1", v1)

	v2, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, src.loads, "a second Acquire of a still-pinned key must not reload from Source")

	c.Release(ctx, 1)
	c.Release(ctx, 1)
}

func TestReleaseFlushesDirtyEntryOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	c := blockcache.New[int, string](4, src)

	_, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	c.MarkDirty(1, "modified")
	c.Release(ctx, 1)

	assert.Equal(t, "modified", src.flushes[1])
}

func TestReleaseOfUnpinnedKeyIsNoop(t *testing.T) {
	t.Parallel()
	c := blockcache.New[int, string](4, newFakeSource())
	c.Release(context.Background(), 99)
}

func TestPutSeedsWithoutCallingSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	c := blockcache.New[int, string](4, src)

	c.Put(5, "seeded")
	v, err := c.Acquire(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "seeded", v)
	assert.Equal(t, 0, src.loads, "Put must seed the entry without ever calling Source.Load")

	c.Release(ctx, 5)
	c.Release(ctx, 5)
	assert.Equal(t, "seeded", src.flushes[5], "the dirty flag Put sets must still cause a flush on Release")
}

func TestDeleteRemovesPinnedAndCachedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	c := blockcache.New[int, string](4, src)

	_, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	c.Release(ctx, 1)

	c.Delete(1)
	_, err = c.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads, "after Delete the next Acquire must reload from Source")
}

func TestFlushWritesBackDirtyPinnedEntriesWithoutReleasing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	c := blockcache.New[int, string](4, src)

	_, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	c.MarkDirty(1, "still-pinned")

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, "still-pinned", src.flushes[1])

	v, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "still-pinned", v, "the entry must still be pinned (refs=2 now) after Flush, not evicted")
	c.Release(ctx, 1)
	c.Release(ctx, 1)
}

func TestMarkDirtyOfUnacquiredKeyPanics(t *testing.T) {
	t.Parallel()
	c := blockcache.New[int, string](4, newFakeSource())
	assert.Panics(t, func() { c.MarkDirty(42, "x") })
}
