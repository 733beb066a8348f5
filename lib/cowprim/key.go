package cowprim

import (
	"fmt"
	"math"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/containers"
)

// Key is the 17-byte compound key every tree is ordered by: Cmp
// compares the tuple (ObjectID, ItemType, Offset) field by field. On
// the wire it is little-endian, with ItemType as a single byte between
// the two 64-bit fields, so a raw byte compare of two encoded keys
// does not in general agree with Cmp.
type Key struct {
	ObjectID  ObjID    `bin:"off=0x0, siz=0x8"`
	Type      ItemType `bin:"off=0x8, siz=0x1"`
	Offset    uint64   `bin:"off=0x9, siz=0x8"`
	codec.End `bin:"off=0x11"`
}

const MaxOffset uint64 = math.MaxUint64

var MaxKey = Key{ObjectID: MaxObjID, Type: ItemTypeMax, Offset: MaxOffset}
var MinKey = Key{}

func (k Key) Cmp(o Key) int {
	if d := containers.NativeCompare(k.ObjectID, o.ObjectID); d != 0 {
		return d
	}
	if d := containers.NativeCompare(k.Type, o.Type); d != 0 {
		return d
	}
	return containers.NativeCompare(k.Offset, o.Offset)
}

var _ containers.Ordered[Key] = Key{}

func (k Key) String() string {
	return fmt.Sprintf("(%d %v %#x)", k.ObjectID, k.Type, k.Offset)
}

// Prev returns the key immediately before k in key-space, saturating
// at MinKey. Used by previous_item-style reverse walks.
func (k Key) Prev() Key {
	switch {
	case k.Offset > 0:
		k.Offset--
	case k.Type > 0:
		k.Type--
		k.Offset = MaxOffset
	case k.ObjectID > 0:
		k.ObjectID--
		k.Type = ItemTypeMax
		k.Offset = MaxOffset
	}
	return k
}

// Next returns the key immediately after k in key-space, saturating
// at MaxKey.
func (k Key) Next() Key {
	switch {
	case k.Offset < MaxOffset:
		k.Offset++
	case k.Type < ItemTypeMax:
		k.Type++
		k.Offset = 0
	case k.ObjectID < MaxObjID:
		k.ObjectID++
		k.Type = 0
		k.Offset = 0
	}
	return k
}
