package diskio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

func TestMemFileWriteAtGrowsFile(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile("test", 4)
	assert.Equal(t, cowprim.PhysicalAddr(4), f.Size())

	n, err := f.WriteAt([]byte("hello"), 8)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, cowprim.PhysicalAddr(13), f.Size(), "a write past the current end must grow the file")

	got := make([]byte, 5)
	_, err = f.ReadAt(got, 8)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestMemFileReadAtOutOfRangeErrors(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile("test", 4)
	_, err := f.ReadAt(make([]byte, 4), 10)
	require.Error(t, err)
}

func TestMemFileReadAtShortReadErrors(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile("test", 4)
	_, err := f.ReadAt(make([]byte, 8), 0)
	require.Error(t, err, "reading past the end of a valid offset must report a short read")
}

func TestMemFileWriteAtNegativeOffsetErrors(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile("test", 4)
	_, err := f.WriteAt([]byte("x"), -1)
	require.Error(t, err)
}

func TestOSFileReadWriteRoundtrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dev.img")
	f, err := diskio.OpenOS(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("cowtree!"), 0)
	require.NoError(t, err)
	assert.Equal(t, cowprim.PhysicalAddr(8), f.Size())

	got := make([]byte, 8)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "cowtree!", string(got))
}
