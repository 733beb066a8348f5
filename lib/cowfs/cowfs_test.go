package cowfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

const testTotalBytes = 1 << 20 // 1MiB, big enough for a handful of nodes past the bootstrap pair

func mkfsMem(t *testing.T) *diskio.MemFile {
	t.Helper()
	dev := diskio.NewMemFile("test.img", testTotalBytes)
	fsid, err := cowprim.NewUUID()
	require.NoError(t, err)
	err = cowfs.Mkfs(context.Background(), dev, cowprim.CRC32CSum, fsid, cowfs.MkfsOptions{
		NodeSize:   256,
		SectorSize: 4096,
		StripeSize: 64 * 1024,
		TotalBytes: testTotalBytes,
	})
	require.NoError(t, err)
	return dev
}

func TestMkfsThenOpenRegistersAllocatableSpace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := mkfsMem(t)

	fs, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, 0)
	require.NoError(t, err)

	// A fresh volume must have somewhere to allocate a subvolume root
	// from; before loadBlockGroups existed this failed with NoSpace.
	h := fs.StartTransaction(nil, 1)
	tree, err := fs.CreateSubvolume(ctx, h, cowprim.FirstFreeObjID)
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.NoError(t, fs.Txn.CommitTransaction(ctx, h))
}

func TestCreateSubvolumeWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := mkfsMem(t)

	fs, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, 0)
	require.NoError(t, err)

	h := fs.StartTransaction(nil, 1)
	tree, err := fs.CreateSubvolume(ctx, h, cowprim.FirstFreeObjID)
	require.NoError(t, err)

	key := cowprim.Key{ObjectID: cowprim.FirstFreeObjID, Type: cowprim.ItemTypeFileExtent, Offset: 0}
	require.NoError(t, tree.Insert(ctx, h.Transid, key, cowitem.Opaque{Dat: []byte("hello")}))
	require.NoError(t, fs.Txn.CommitTransaction(ctx, h))

	body, err := tree.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("hello")}, body)
}

func TestCloseThenReopenPersistsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := mkfsMem(t)

	fs, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, 0)
	require.NoError(t, err)

	h := fs.StartTransaction(nil, 1)
	tree, err := fs.CreateSubvolume(ctx, h, cowprim.FirstFreeObjID)
	require.NoError(t, err)
	key := cowprim.Key{ObjectID: cowprim.FirstFreeObjID, Type: cowprim.ItemTypeFileExtent, Offset: 0}
	require.NoError(t, tree.Insert(ctx, h.Transid, key, cowitem.Opaque{Dat: []byte("persisted")}))
	require.NoError(t, fs.Txn.CommitTransaction(ctx, h))

	require.NoError(t, fs.Close(ctx))

	fs2, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, 0)
	require.NoError(t, err)

	tree2, err := fs2.OpenRoot(ctx, cowprim.FirstFreeObjID)
	require.NoError(t, err)
	body, err := tree2.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("persisted")}, body)

	// The reopened filesystem must also still be able to allocate: the
	// block group survives the round trip through the on-disk extent
	// tree, not just the in-memory allocator from the first Open.
	h2 := fs2.StartTransaction(nil, 1)
	_, err = fs2.CreateSubvolume(ctx, h2, cowprim.FirstFreeObjID+1)
	require.NoError(t, err)
	require.NoError(t, fs2.Txn.CommitTransaction(ctx, h2))
}

func TestCreateSnapshotSharesUntilWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := mkfsMem(t)

	fs, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, 0)
	require.NoError(t, err)

	h := fs.StartTransaction(nil, 1)
	source, err := fs.CreateSubvolume(ctx, h, cowprim.FirstFreeObjID)
	require.NoError(t, err)
	key := cowprim.Key{ObjectID: cowprim.FirstFreeObjID, Type: cowprim.ItemTypeFileExtent, Offset: 0}
	require.NoError(t, source.Insert(ctx, h.Transid, key, cowitem.Opaque{Dat: []byte("original")}))
	require.NoError(t, fs.Txn.CommitTransaction(ctx, h))

	h2 := fs.StartTransaction(source, 1)
	snap, err := fs.CreateSnapshot(ctx, h2, cowprim.FirstFreeObjID, cowprim.FirstFreeObjID+1)
	require.NoError(t, err)
	require.NoError(t, fs.Txn.CommitTransaction(ctx, h2))

	body, err := snap.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, cowitem.Opaque{Dat: []byte("original")}, body)
}

func TestMkfsRejectsUndersizedVolume(t *testing.T) {
	t.Parallel()
	dev := diskio.NewMemFile("tiny.img", 100)
	fsid, err := cowprim.NewUUID()
	require.NoError(t, err)
	err = cowfs.Mkfs(context.Background(), dev, cowprim.CRC32CSum, fsid, cowfs.MkfsOptions{
		NodeSize:   256,
		SectorSize: 4096,
		TotalBytes: 100,
	})
	require.Error(t, err)
}
