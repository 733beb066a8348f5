// Package diskio is the narrow I/O seam between the tree/allocator
// core and an actual block device: a minimal ReadAt/WriteAt file
// interface, an OS-file implementation, and an in-memory fake for
// tests. Picking a real device, partitioning it, or placing data
// across multiple devices is a collaborator's concern (spec §1); this
// package only has to move bytes at an address.
package diskio

import (
	"io"
	"os"

	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// File is anything addressable by a cowprim.PhysicalAddr that can be
// read and written at arbitrary offsets.
type File interface {
	Name() string
	Size() cowprim.PhysicalAddr
	Close() error
	ReadAt(p []byte, off cowprim.PhysicalAddr) (n int, err error)
	WriteAt(p []byte, off cowprim.PhysicalAddr) (n int, err error)
}

var (
	_ io.ReaderAt = (*OSFile)(nil)
	_ io.WriterAt = (*OSFile)(nil)
)

// OSFile adapts *os.File to File.
type OSFile struct {
	*os.File
}

func (f *OSFile) Size() cowprim.PhysicalAddr {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	return cowprim.PhysicalAddr(size)
}

func (f *OSFile) ReadAt(dat []byte, off cowprim.PhysicalAddr) (int, error) {
	return f.File.ReadAt(dat, int64(off))
}

func (f *OSFile) WriteAt(dat []byte, off cowprim.PhysicalAddr) (int, error) {
	return f.File.WriteAt(dat, int64(off))
}

func OpenOS(name string, flag int, perm os.FileMode) (*OSFile, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &OSFile{File: f}, nil
}
