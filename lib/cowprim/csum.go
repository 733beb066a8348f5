package cowprim

import "hash/crc32"

// CSum is the on-disk checksum field. The algorithm that fills it in
// is a client concern (spec: "checksum algorithm choice" is explicitly
// a collaborator, not a core responsibility); the core only needs to
// compare two of these for equality and to know its on-disk width.
type CSum [4]byte

// SumFunc computes the checksum of a block (minus its own checksum
// field). Callers supply one at cowfs.Open time; the core never picks
// an algorithm for itself.
type SumFunc func(data []byte) (CSum, error)

// CRC32CSum is the stock SumFunc every cmd/cowtreectl-formatted volume
// uses, the same Castagnoli polynomial original_source/fs/btrfs's
// default checksum algorithm uses; package cowitem's EXTENT_REF hash
// already reaches for the IEEE variant from the same hash/crc32
// package for a different purpose (folding a backref into a key
// offset), so this is the same stdlib algorithm family, just the
// table btrfs itself picked for whole-block integrity.
func CRC32CSum(data []byte) (CSum, error) {
	var out CSum
	v := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
	out[0] = byte(v)
	out[1] = byte(v >> 8)
	out[2] = byte(v >> 16)
	out[3] = byte(v >> 24)
	return out, nil
}
