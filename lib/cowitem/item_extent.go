package cowitem

import (
	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// key.objectid = bytenr of the extent
// key.offset   = length of the extent
//
// ExtentItem.InlineRef is only meaningful when Flags has
// ExtentFlagInlineRef set: a single-reference extent carries its one
// EXTENT_REF payload inline instead of paying for a second leaf item.
// extent's IncExtentRef moves the inline payload out to its own
// EXTENT_REF item when a second holder arrives; nothing moves it back
// inline afterwards. Nothing outside that package reads InlineRef
// directly.
type ExtentItem struct {
	Refs          uint32       `bin:"off=0x00, siz=0x4"`
	Flags         ExtentFlags  `bin:"off=0x04, siz=0x4"`
	InlineRef     ExtentRefBody `bin:"off=0x08, siz=0x20"`
	codec.End     `bin:"off=0x28"`
}

func (ExtentItem) isItem() {}

type ExtentFlags uint32

const (
	ExtentFlagInlineRef = ExtentFlags(1 << iota)
)

func (f ExtentFlags) Has(req ExtentFlags) bool { return f&req == req }

func (f ExtentFlags) String() string {
	if f.Has(ExtentFlagInlineRef) {
		return "INLINE_REF"
	}
	return "0"
}

// ExtentRefBody is the payload shared between an out-of-line
// EXTENT_REF item and an ExtentItem's inline slot.
type ExtentRefBody struct {
	RootObjectID  cowprim.ObjID      `bin:"off=0x00, siz=0x8"`
	Generation    cowprim.Generation `bin:"off=0x08, siz=0x8"`
	OwnerObjectID cowprim.ObjID      `bin:"off=0x10, siz=0x8"`
	OwnerOffset   uint64             `bin:"off=0x18, siz=0x8"`
	codec.End     `bin:"off=0x20"`
}

// Equal compares the full payload, not just the hash-derived key
// offset, per the collision-resolution rule: the hash collapses four
// fields into one 64-bit key offset, so two distinct backrefs can
// share a key and must be told apart by comparing every field.
func (b ExtentRefBody) Equal(o ExtentRefBody) bool {
	return b == o
}
