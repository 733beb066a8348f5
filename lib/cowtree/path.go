package cowtree

import (
	"fmt"
	"strings"

	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Path records the route search_slot took from a tree's root down to
// a leaf (or, mid-insert, to the interior node a split propagated
// into). The first element is always a PathRoot, which carries no
// slot. Insert and Delete do not use Path; they track their descent
// in their own per-call step slices.
type Path []PathElem

type PathElem interface{ isPathElem() }

type PathRoot struct {
	TreeID  cowprim.ObjID
	ToAddr  cowprim.LogicalAddr
	ToGen   cowprim.Generation
	ToLevel uint8
}

func (PathRoot) isPathElem() {}

type PathKP struct {
	FromSlot int
	ToAddr   cowprim.LogicalAddr
	ToGen    cowprim.Generation
	ToLevel  uint8
}

func (PathKP) isPathElem() {}

type PathItem struct {
	FromSlot int
	ToKey    cowprim.Key
}

func (PathItem) isPathElem() {}

func (p Path) String() string {
	if len(p) == 0 {
		return "(empty path)"
	}
	var sb strings.Builder
	for _, e := range p {
		switch e := e.(type) {
		case PathRoot:
			fmt.Fprintf(&sb, "tree(%d)->node@%v", e.TreeID, e.ToAddr)
		case PathKP:
			fmt.Fprintf(&sb, "[%d]->node@%v", e.FromSlot, e.ToAddr)
		case PathItem:
			fmt.Fprintf(&sb, "[%d]->item(%v)", e.FromSlot, e.ToKey)
		}
	}
	return sb.String()
}

// NodeAddr returns the node address the last element of the path
// points at, or (0, false) if the path ends on an item.
func (p Path) NodeAddr() (cowprim.LogicalAddr, bool) {
	if len(p) == 0 {
		return 0, false
	}
	switch e := p[len(p)-1].(type) {
	case PathRoot:
		return e.ToAddr, true
	case PathKP:
		return e.ToAddr, true
	default:
		return 0, false
	}
}

// Parent drops the last element, returning the path to the node that
// contains the pointer/item the full path ended on.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}
