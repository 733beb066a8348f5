package diskio

import (
	"fmt"

	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// MemFile is an in-memory File, grown on demand, used by tests in
// place of a real block device.
type MemFile struct {
	NameStr string
	dat     []byte
}

var (
	_ File = (*MemFile)(nil)
)

func NewMemFile(name string, size cowprim.PhysicalAddr) *MemFile {
	return &MemFile{NameStr: name, dat: make([]byte, size)}
}

func (f *MemFile) Name() string                  { return f.NameStr }
func (f *MemFile) Size() cowprim.PhysicalAddr     { return cowprim.PhysicalAddr(len(f.dat)) }
func (f *MemFile) Close() error                  { return nil }

func (f *MemFile) ReadAt(p []byte, off cowprim.PhysicalAddr) (int, error) {
	if off < 0 || int(off) > len(f.dat) {
		return 0, fmt.Errorf("diskio: ReadAt: offset %d out of range (size=%d)", off, len(f.dat))
	}
	n := copy(p, f.dat[off:])
	if n < len(p) {
		return n, fmt.Errorf("diskio: ReadAt: short read at end of file")
	}
	return n, nil
}

func (f *MemFile) WriteAt(p []byte, off cowprim.PhysicalAddr) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("diskio: WriteAt: negative offset %d", off)
	}
	end := int(off) + len(p)
	if end > len(f.dat) {
		grown := make([]byte, end)
		copy(grown, f.dat)
		f.dat = grown
	}
	return copy(f.dat[off:], p), nil
}
