// Package cowprim defines the primitive wire types shared by every
// layer of the engine: object IDs, item types, generations, addresses,
// and the compound key that orders every tree.
package cowprim

import (
	"fmt"
	"math"

	"git.lukeshu.dev/cowtree/lib/containers"
)

// ObjID identifies an object (a file, a directory, a tree root, an
// extent start, ...) within a tree; its meaning is entirely up to the
// tree that contains it.
type ObjID uint64

// Generation is the transaction ID that last wrote a block or item.
type Generation uint64

// ItemType selects which of the key/item schemas in package cowitem
// applies to a given key's payload.
type ItemType uint8

const (
	ItemTypeInode       ItemType = 1  // opaque, interpreted by the caller
	ItemTypeInodeRef    ItemType = 12 // opaque, interpreted by the caller
	ItemTypeDirItem     ItemType = 84 // opaque, interpreted by the caller
	ItemTypeFileExtent  ItemType = 108
	ItemTypeExtentCSum  ItemType = 128 // opaque, interpreted by the caller
	ItemTypeRoot        ItemType = 132
	ItemTypeExtent      ItemType = 168
	ItemTypeExtentRef   ItemType = 178
	ItemTypeBlockGroup  ItemType = 192
	ItemTypeMax         ItemType = math.MaxUint8
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeInode:
		return "INODE_ITEM"
	case ItemTypeInodeRef:
		return "INODE_REF"
	case ItemTypeDirItem:
		return "DIR_ITEM"
	case ItemTypeFileExtent:
		return "FILE_EXTENT"
	case ItemTypeExtentCSum:
		return "EXTENT_CSUM"
	case ItemTypeRoot:
		return "ROOT_ITEM"
	case ItemTypeExtent:
		return "EXTENT_ITEM"
	case ItemTypeExtentRef:
		return "EXTENT_REF"
	case ItemTypeBlockGroup:
		return "BLOCK_GROUP_ITEM"
	default:
		return fmt.Sprintf("ITEM_TYPE_%d", uint8(t))
	}
}

// Well-known object IDs, the two trees that never increment
// back-references on COW (spec §3: "ref_cows = false").
const (
	ExtentTreeObjID    ObjID = 2
	RootTreeObjID      ObjID = 1
	FirstFreeObjID     ObjID = 256
	MaxObjID           ObjID = math.MaxUint64 - 1
)

type (
	PhysicalAddr int64
	LogicalAddr  int64
	AddrDelta    int64
)

func (a LogicalAddr) Add(d AddrDelta) LogicalAddr  { return a + LogicalAddr(d) }
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }
func (a PhysicalAddr) Add(d AddrDelta) PhysicalAddr { return a + PhysicalAddr(d) }

func (a LogicalAddr) Cmp(b LogicalAddr) int { return containers.NativeCompare(int64(a), int64(b)) }
func (a LogicalAddr) Adjacent(b LogicalAddr) bool { return a+1 == b }

func (a LogicalAddr) String() string { return fmt.Sprintf("%#016x", int64(a)) }
