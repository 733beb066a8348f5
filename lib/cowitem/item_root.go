package cowitem

import (
	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// key.objectid = root_objectid
// key.offset   = generation this version of the root was written at
//
// DropProgressKey/DropLevel are the resumable-drop checkpoint (spec:
// "model as a finite-state walker with explicit saved cursor", not
// suspended execution): a drop_snapshot call that returns Retry has
// already written back a RootItem with these fields advanced, and the
// next call resumes the walk from exactly that point.
type RootItem struct {
	TreeRootBytenr  cowprim.LogicalAddr `bin:"off=0x00, siz=0x8"`
	Level           uint8               `bin:"off=0x08, siz=0x1"`
	Refs            int32               `bin:"off=0x09, siz=0x4"`
	DropProgressKey cowprim.Key         `bin:"off=0x0d, siz=0x11"`
	DropLevel       uint8               `bin:"off=0x1e, siz=0x1"`
	codec.End       `bin:"off=0x1f"`
}

func (RootItem) isItem() {}
