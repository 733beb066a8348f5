package cowtree

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// NodeSource reads a node given its logical address, validating it
// against whatever the caller already knows (from its parent's
// key-pointer, or from a ROOT_ITEM) before handing it back.
type NodeSource interface {
	ReadNode(ctx context.Context, addr cowprim.LogicalAddr, exp NodeExpectations) (*Node, error)
}

// Allocator is the tree's only way to get a new node address or give
// one back; package extent implements it. Keeping the dependency
// pointed this direction (cowtree defines the interface, extent
// imports cowtree to implement it) is what lets the extent tree itself
// be a cowtree.Tree without an import cycle.
type Allocator interface {
	AllocNode(ctx context.Context, owner cowprim.ObjID, hint cowprim.LogicalAddr) (cowprim.LogicalAddr, error)
	FreeNode(ctx context.Context, addr cowprim.LogicalAddr, owner cowprim.ObjID, gen cowprim.Generation) error
	// IncRefNode records an additional back-reference to an
	// already-allocated node: cow calls it for every child of an
	// interior node it copies on a RefCows tree, and snapshot.Create
	// calls it for the root a new snapshot shares with its source.
	IncRefNode(ctx context.Context, addr cowprim.LogicalAddr, owner cowprim.ObjID, gen cowprim.Generation) error
}

// NodeExpectations is everything the caller already knows about a
// node before reading it, so that ReadNode can fail fast on a
// mismatch instead of handing back silently-wrong data.
type NodeExpectations struct {
	LAddr      containers.Optional[cowprim.LogicalAddr]
	Level      containers.Optional[uint8]
	Generation containers.Optional[cowprim.Generation]
	Owner      containers.Optional[cowprim.ObjID]
	MinItem    containers.Optional[cowprim.Key]
	MaxItem    containers.Optional[cowprim.Key]
}

func (exp NodeExpectations) Check(node *Node) error {
	var errs derror.MultiError
	if exp.LAddr.OK && node.Head.Addr != exp.LAddr.Val {
		errs = append(errs, fmt.Errorf("read from addr=%v but node claims addr=%v", exp.LAddr.Val, node.Head.Addr))
	}
	if exp.Level.OK && node.Head.Level != exp.Level.Val {
		errs = append(errs, fmt.Errorf("expected level=%v but node claims level=%v", exp.Level.Val, node.Head.Level))
	}
	if exp.Generation.OK && node.Head.Generation != exp.Generation.Val {
		errs = append(errs, fmt.Errorf("expected generation=%v but node claims generation=%v", exp.Generation.Val, node.Head.Generation))
	}
	if exp.Owner.OK && node.Head.Owner != exp.Owner.Val {
		errs = append(errs, fmt.Errorf("expected owner=%v but node claims owner=%v", exp.Owner.Val, node.Head.Owner))
	}
	// Count from the body rather than Head.NumItems: NumItems is only
	// filled in when a node is marshaled, so a node built in memory
	// by a split or a root grow still carries 0 there.
	numItems := len(node.BodyLeaf)
	if node.Head.Level > 0 {
		numItems = len(node.BodyInterior)
	}
	if numItems == 0 {
		// An interior node with no children is always invalid. A
		// leaf with no items is valid exactly when it is the sole
		// node of a brand-new, empty tree - mkfs writes exactly one
		// such root, and nothing else in this package ever produces
		// one deliberately (Delete's collapseEmpty frees an emptied
		// non-root leaf rather than leaving it behind).
		if node.Head.Level > 0 {
			errs = append(errs, fmt.Errorf("interior node has no children"))
		}
	} else {
		if min, _ := node.MinItem(); exp.MinItem.OK && exp.MinItem.Val.Cmp(min) > 0 {
			errs = append(errs, fmt.Errorf("expected minItem>=%v but node has minItem=%v", exp.MinItem.Val, min))
		}
		if max, _ := node.MaxItem(); exp.MaxItem.OK && exp.MaxItem.Val.Cmp(max) < 0 {
			errs = append(errs, fmt.Errorf("expected maxItem<=%v but node has maxItem=%v", exp.MaxItem.Val, max))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", cowerr.BadBlock, errs)
	}
	return nil
}

// RootDescriptor is the in-memory bookkeeping for one tree's root,
// held by the Forrest/filesystem that owns it (spec §3's "Root
// descriptor"). ref_cows is false for exactly the extent tree and the
// tree of roots: those two COW in place without bumping any node's
// back-reference count, breaking the allocator's dependency on
// itself.
type RootDescriptor struct {
	RootKey    cowprim.Key
	RootItem   cowitem.RootItem
	RefCows    bool
	LastTrans  cowprim.Generation
	BGHint     cowprim.LogicalAddr
}

// NodeWriter persists a node that Insert/Delete has finished mutating.
// The block cache is the only implementation; tests may use a
// trivial in-memory stand-in.
type NodeWriter interface {
	WriteNode(ctx context.Context, node *Node) error
}

// Tree is a single copy-on-write B+-tree: a root address plus the
// machinery to search, insert, and delete, sharing a NodeSource,
// Allocator, and checksum function with every other tree in the
// filesystem.
type Tree struct {
	Owner    cowprim.ObjID
	NodeSize uint32
	Source   NodeSource
	Alloc    Allocator
	Writer   NodeWriter
	Sum      cowprim.SumFunc
	RefCows  bool

	RootAddr cowprim.LogicalAddr
	RootGen  cowprim.Generation
	RootLvl  uint8

	// pendingWrites accumulates every node an in-progress
	// Insert/Delete call has created or mutated, so that writes
	// happen once, at the end, after the whole path (and any
	// splits/merges it triggered) is in its final shape. Callers
	// serialize tree mutations under one mutex (spec §5), so this
	// being a field rather than a parameter threaded through every
	// helper is safe.
	pendingWrites []*Node
}

func (t *Tree) touch(node *Node) {
	t.pendingWrites = append(t.pendingWrites, node)
}

func (t *Tree) flush(ctx context.Context) error {
	for _, node := range t.pendingWrites {
		if err := t.Writer.WriteNode(ctx, node); err != nil {
			return fmt.Errorf("cowtree: writing node %v: %w", node.Head.Addr, err)
		}
	}
	t.pendingWrites = nil
	return nil
}

func (t *Tree) rootExpectations() NodeExpectations {
	return NodeExpectations{
		LAddr:      containers.OptionalValue(t.RootAddr),
		Level:      containers.OptionalValue(t.RootLvl),
		Generation: containers.OptionalValue(t.RootGen),
		Owner:      containers.OptionalValue(t.Owner),
	}
}
