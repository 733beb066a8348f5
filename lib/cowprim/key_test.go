package cowprim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(objID ObjID, typ ItemType, offset uint64) Key {
	return Key{ObjectID: objID, Type: typ, Offset: offset}
}

func TestKeyCmp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, k(1, 2, 3).Cmp(k(1, 2, 3)))
	assert.Negative(t, k(1, 2, 3).Cmp(k(2, 2, 3)))
	assert.Positive(t, k(2, 2, 3).Cmp(k(1, 2, 3)))
	assert.Negative(t, k(1, 2, 3).Cmp(k(1, 3, 3)))
	assert.Negative(t, k(1, 2, 3).Cmp(k(1, 2, 4)))
}

func TestKeyNextPrev(t *testing.T) {
	t.Parallel()

	assert.Equal(t, k(0, 0, 1), k(0, 0, 0).Next())
	assert.Equal(t, k(0, 1, 0), k(0, 0, MaxOffset).Next())
	assert.Equal(t, k(1, 0, 0), k(0, ItemTypeMax, MaxOffset).Next())
	assert.Equal(t, MaxKey, MaxKey.Next())

	assert.Equal(t, k(0, 0, 0), k(0, 0, 1).Prev())
	assert.Equal(t, k(0, 0, MaxOffset), k(0, 1, 0).Prev())
	assert.Equal(t, k(0, ItemTypeMax, MaxOffset), k(1, 0, 0).Prev())
	assert.Equal(t, MinKey, MinKey.Prev())
}

func TestUUIDRoundtrip(t *testing.T) {
	t.Parallel()

	u, err := NewUUID()
	require.NoError(t, err)

	got, err := ParseUUID(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, got)

	bare, err := ParseUUID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	dashed, err := ParseUUID("01234567-89ab-cdef-0123-456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, bare, dashed)

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestCRC32CSum(t *testing.T) {
	t.Parallel()

	sum1, err := CRC32CSum([]byte("hello world"))
	require.NoError(t, err)
	sum2, err := CRC32CSum([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)

	sum3, err := CRC32CSum([]byte("hello worlD"))
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}
