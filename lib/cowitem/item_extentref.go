package cowitem

import (
	"hash/crc32"

	"git.lukeshu.dev/cowtree/lib/codec"
)

// key.objectid = bytenr of the extent being referenced
// key.offset   = hash of (RootObjectID, Generation, OwnerObjectID, OwnerOffset)
//
// ExtentRef is the out-of-line form of a back-reference, used once an
// extent has more than one holder (see ExtentItem's InlineRef for the
// single-holder case).
type ExtentRef struct {
	Body      ExtentRefBody `bin:"off=0x00, siz=0x20"`
	codec.End `bin:"off=0x20"`
}

func (ExtentRef) isItem() {}

// BackrefHash derives the EXTENT_REF key offset from its payload: the
// high 32 bits are the CRC-32 of the encoded RootObjectID and
// Generation, the low 32 bits the CRC-32 of the encoded OwnerObjectID
// and OwnerOffset, so all four fields are mixed into a 64-bit offset.
// Inserts use the hash as the key offset as is, with no probing: a
// second payload whose hash is already taken cannot be inserted.
// Removal probes forward from the hash, comparing full payloads.
func BackrefHash(b ExtentRefBody) uint64 {
	var buf [32]byte
	bs, _ := codec.Marshal(b)
	copy(buf[:], bs)
	hi := crc32.ChecksumIEEE(buf[0:16])
	lo := crc32.ChecksumIEEE(buf[16:32])
	return uint64(hi)<<32 | uint64(lo)
}
