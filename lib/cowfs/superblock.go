// Package cowfs wires the tree/extent/transaction layers into one
// open filesystem: it owns the device, the super block, the extent
// tree and tree-of-roots singletons, the open-root index, and the
// concrete NodeSource/NodeWriter/Allocator glue that lets every
// cowtree.Tree in the filesystem share one blockcache.Cache over one
// diskio.File.
package cowfs

import (
	"fmt"
	"reflect"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// superMagic identifies a cowtree volume, the counterpart of the
// source's "_BHRfS_M".
var superMagic = [8]byte{'c', 'o', 'w', 't', 'r', 'e', 'e', '!'}

// SuperblockAddrs are the mirror offsets a super block is written at,
// the same 64KiB/64MiB/256GiB spacing
// original_source/fs/btrfs/disk-io.c uses so that mirrors are never
// close enough together to share a damaged disk region.
var SuperblockAddrs = []cowprim.PhysicalAddr{
	0x0001_0000,
	0x0400_0000,
	0x40_0000_0000,
}

// Superblock is the on-disk root of trust: per spec §6, "magic bytes,
// fsid, generation, bytes_used, total_bytes, root_tree_bytenr,
// chunk_tree_bytenr, sectorsize, nodesize, leafsize, stripesize",
// little-endian, bit-identical across mirrors after a commit.
type Superblock struct {
	Checksum   cowprim.CSum `bin:"off=0x00, siz=0x4"`
	FSID       cowprim.UUID `bin:"off=0x04, siz=0x10"`
	Magic      [8]byte      `bin:"off=0x14, siz=0x8"`
	Generation cowprim.Generation `bin:"off=0x1c, siz=0x8"`

	RootTreeBytenr  cowprim.LogicalAddr `bin:"off=0x24, siz=0x8"`
	ChunkTreeBytenr cowprim.LogicalAddr `bin:"off=0x2c, siz=0x8"`

	BytesUsed  uint64 `bin:"off=0x34, siz=0x8"`
	TotalBytes uint64 `bin:"off=0x3c, siz=0x8"`

	SectorSize uint32 `bin:"off=0x44, siz=0x4"`
	NodeSize   uint32 `bin:"off=0x48, siz=0x4"`
	LeafSize   uint32 `bin:"off=0x4c, siz=0x4"`
	StripeSize uint32 `bin:"off=0x50, siz=0x4"`

	codec.End `bin:"off=0x54"`
}

func (sb Superblock) CalculateChecksum(sum cowprim.SumFunc) (cowprim.CSum, error) {
	data, err := codec.Marshal(sb)
	if err != nil {
		return cowprim.CSum{}, err
	}
	return sum(data[len(sb.Checksum):])
}

func (sb Superblock) ValidateChecksum(sum cowprim.SumFunc) error {
	stored := sb.Checksum
	calced, err := sb.CalculateChecksum(sum)
	if err != nil {
		return err
	}
	if calced != stored {
		return fmt.Errorf("%w: superblock checksum mismatch: stored=%v calculated=%v", cowerr.BadBlock, stored, calced)
	}
	return nil
}

// Equal compares two superblocks ignoring the checksum field, which
// by construction differs only if the rest of the struct does - used
// to assert mirrors agree after a commit.
func (sb Superblock) Equal(other Superblock) bool {
	sb.Checksum = cowprim.CSum{}
	other.Checksum = cowprim.CSum{}
	return reflect.DeepEqual(sb, other)
}
