package cowitem

import "git.lukeshu.dev/cowtree/lib/codec"

// key.objectid = logical start of the block group
// key.offset   = size of the block group
type BlockGroupItem struct {
	Used          int64            `bin:"off=0x00, siz=0x8"`
	Flags         BlockGroupFlags  `bin:"off=0x08, siz=0x8"`
	codec.End     `bin:"off=0x10"`
}

func (BlockGroupItem) isItem() {}

type BlockGroupFlags uint64

const (
	BlockGroupData = BlockGroupFlags(1 << iota)
	BlockGroupSystem
	BlockGroupMetadata
)

func (f BlockGroupFlags) Has(req BlockGroupFlags) bool { return f&req == req }

func (f BlockGroupFlags) String() string {
	switch {
	case f.Has(BlockGroupData):
		return "DATA"
	case f.Has(BlockGroupSystem):
		return "SYSTEM"
	case f.Has(BlockGroupMetadata):
		return "METADATA"
	default:
		return "NONE"
	}
}
