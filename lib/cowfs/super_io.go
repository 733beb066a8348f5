package cowfs

import (
	"fmt"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

var superSize = codec.StaticSize(Superblock{})

// readSuperblocks reads every mirror that fits on dev, validates each
// one's own checksum, and requires they all agree - the same
// strictness the teacher's Device.Superblock() applies, since this
// engine (unlike the teacher) is never asked to recover from a
// disagreeing mirror, only to detect one.
func readSuperblocks(dev diskio.File, sum cowprim.SumFunc) ([]Superblock, error) {
	size := dev.Size()
	var out []Superblock
	for i, addr := range SuperblockAddrs {
		if int64(addr)+int64(superSize) > int64(size) {
			continue
		}
		buf := make([]byte, superSize)
		if _, err := dev.ReadAt(buf, addr); err != nil {
			return nil, fmt.Errorf("%w: reading superblock mirror %d: %v", cowerr.IoError, i, err)
		}
		var sb Superblock
		if _, err := codec.Unmarshal(buf, &sb); err != nil {
			return nil, fmt.Errorf("cowfs: decoding superblock mirror %d: %w", i, err)
		}
		if err := sb.ValidateChecksum(sum); err != nil {
			return nil, fmt.Errorf("cowfs: superblock mirror %d: %w", i, err)
		}
		out = append(out, sb)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: device too small for any superblock mirror", cowerr.BadBlock)
	}
	for i := 1; i < len(out); i++ {
		if !out[i].Equal(out[0]) {
			return nil, fmt.Errorf("%w: superblock mirror %d disagrees with mirror 0", cowerr.BadBlock, i)
		}
	}
	return out, nil
}

// writeSuperblocks writes sb to every mirror offset that fits on dev,
// in ascending offset order - per spec §4.F step 7, "write the super
// block(s)", plural, and bit-identical across mirrors.
func writeSuperblocks(dev diskio.File, sb Superblock, sum cowprim.SumFunc) error {
	csum, err := sb.CalculateChecksum(sum)
	if err != nil {
		return fmt.Errorf("cowfs: checksumming superblock: %w", err)
	}
	sb.Checksum = csum

	buf, err := codec.Marshal(sb)
	if err != nil {
		return fmt.Errorf("cowfs: marshaling superblock: %w", err)
	}

	size := dev.Size()
	wrote := 0
	for i, addr := range SuperblockAddrs {
		if int64(addr)+int64(superSize) > int64(size) {
			continue
		}
		if _, err := dev.WriteAt(buf, addr); err != nil {
			return fmt.Errorf("%w: writing superblock mirror %d: %v", cowerr.IoError, i, err)
		}
		wrote++
	}
	if wrote == 0 {
		return fmt.Errorf("%w: device too small for any superblock mirror", cowerr.BadBlock)
	}
	return nil
}
