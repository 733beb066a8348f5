// Package cowitem defines the payload schemas for the four item types
// the tree core itself interprets (extent, extent-ref, block-group,
// root), plus an Opaque passthrough for every other type, which the
// core stores and returns verbatim without ever looking inside.
package cowitem

import (
	"fmt"

	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Item is the payload half of a leaf entry. The tree only needs to be
// able to marshal/unmarshal one; it never branches on which concrete
// type it holds except for the four types this package names
// specially during allocator and snapshot bookkeeping.
type Item interface {
	isItem()
}

// Opaque is the payload of every item type the tree core does not
// interpret: inode, inode-ref, dir, file-extent, extent-csum, and
// anything else a caller defines. Bytes in, bytes out.
type Opaque struct {
	Dat []byte
}

func (Opaque) isItem() {}

func (o Opaque) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Opaque) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = append([]byte(nil), dat...)
	return len(dat), nil
}

// Error is returned by UnmarshalItem in place of panicking when an
// item's bytes don't parse as its declared type; the bad bytes are
// preserved so callers doing recovery/fsck work can still see them.
type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

func (o Error) Unwrap() error { return o.Err }
func (o Error) Error() string { return o.Err.Error() }

// UnmarshalItem decodes a leaf item's payload according to key.Type.
// It never returns a Go error value directly (mirroring the tree's
// read path, which must be able to return *something* for a corrupt
// item rather than abort the whole node decode); instead a bad
// decode becomes an Error item.
func UnmarshalItem(key cowprim.Key, dat []byte) Item {
	var ptr Item
	switch key.Type {
	case cowprim.ItemTypeExtent:
		ptr = &ExtentItem{}
	case cowprim.ItemTypeExtentRef:
		ptr = &ExtentRef{}
	case cowprim.ItemTypeBlockGroup:
		ptr = &BlockGroupItem{}
	case cowprim.ItemTypeRoot:
		ptr = &RootItem{}
	default:
		ptr = &Opaque{}
	}
	n, err := codec.Unmarshal(dat, ptr)
	if err != nil {
		return Error{Dat: dat, Err: fmt.Errorf("cowitem.UnmarshalItem(type=%v): %w", key.Type, err)}
	}
	if n < len(dat) {
		return Error{Dat: dat, Err: fmt.Errorf("cowitem.UnmarshalItem(type=%v): left over data: got %d bytes but only consumed %d",
			key.Type, len(dat), n)}
	}
	// ptr is always a pointer to one of the concrete types above,
	// each of which also defines the value-receiver isItem(), so
	// the Elem() dereference still satisfies Item.
	switch p := ptr.(type) {
	case *ExtentItem:
		return *p
	case *ExtentRef:
		return *p
	case *BlockGroupItem:
		return *p
	case *RootItem:
		return *p
	case *Opaque:
		return *p
	default:
		panic("unreachable")
	}
}
