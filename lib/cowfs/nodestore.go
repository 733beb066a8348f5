package cowfs

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.dev/cowtree/lib/blockcache"
	"git.lukeshu.dev/cowtree/lib/codec"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

// nodeStore is the one NodeSource/NodeWriter every cowtree.Tree in a
// filesystem shares: it backs a blockcache.Cache with a diskio.File
// over a flat logical address space (spec §1: "the core only assumes
// a flat logical byte-addressed space" - no multi-device chunk
// mapping, so a LogicalAddr and a PhysicalAddr are the same offset).
type nodeStore struct {
	dev      diskio.File
	sum      cowprim.SumFunc
	nodeSize uint32
	cache    *blockcache.Cache[cowprim.LogicalAddr, *cowtree.Node]

	mu      sync.Mutex
	dirty   []cowprim.LogicalAddr
}

func newNodeStore(dev diskio.File, sum cowprim.SumFunc, nodeSize uint32, cacheCapacity int) *nodeStore {
	ns := &nodeStore{dev: dev, sum: sum, nodeSize: nodeSize}
	ns.cache = blockcache.New[cowprim.LogicalAddr, *cowtree.Node](cacheCapacity, ns)
	return ns
}

var (
	_ blockcache.Source[cowprim.LogicalAddr, *cowtree.Node] = (*nodeStore)(nil)
	_ cowtree.NodeSource                                    = (*nodeStore)(nil)
	_ cowtree.NodeWriter                                    = (*nodeStore)(nil)
)

// Load implements blockcache.Source: read and decode the one node
// living at addr, failing on a checksum mismatch exactly as spec §7
// requires for BadBlock.
func (ns *nodeStore) Load(ctx context.Context, addr cowprim.LogicalAddr) (*cowtree.Node, error) {
	buf := make([]byte, ns.nodeSize)
	if _, err := ns.dev.ReadAt(buf, cowprim.PhysicalAddr(addr)); err != nil {
		return nil, fmt.Errorf("%w: reading node at %v: %v", cowerr.IoError, addr, err)
	}
	node := &cowtree.Node{Size: ns.nodeSize}
	if _, err := codec.Unmarshal(buf, node); err != nil {
		return nil, fmt.Errorf("cowfs: decoding node at %v: %w", addr, err)
	}
	if err := node.ValidateChecksum(ns.sum); err != nil {
		return nil, err
	}
	return node, nil
}

// Flush implements blockcache.Source: serialize and write node back
// to its own address.
func (ns *nodeStore) Flush(ctx context.Context, addr cowprim.LogicalAddr, node *cowtree.Node) error {
	csum, err := node.CalculateChecksum(ns.sum)
	if err != nil {
		return fmt.Errorf("cowfs: checksumming node at %v: %w", addr, err)
	}
	node.Head.Checksum = csum
	buf, err := codec.Marshal(*node)
	if err != nil {
		return fmt.Errorf("cowfs: encoding node at %v: %w", addr, err)
	}
	if _, err := ns.dev.WriteAt(buf, cowprim.PhysicalAddr(addr)); err != nil {
		return fmt.Errorf("%w: writing node at %v: %v", cowerr.IoError, addr, err)
	}
	return nil
}

// ReadNode implements cowtree.NodeSource. Every caller in this engine
// finishes with a node before the filesystem mutex it holds is
// dropped (cowtree never suspends mid-traversal holding only a cache
// reference), so Acquire-validate-Release within one call is
// sufficient; nothing needs a node held pinned past this function's
// return.
func (ns *nodeStore) ReadNode(ctx context.Context, addr cowprim.LogicalAddr, exp cowtree.NodeExpectations) (*cowtree.Node, error) {
	node, err := ns.cache.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer ns.cache.Release(ctx, addr)
	if err := exp.Check(node); err != nil {
		return nil, err
	}
	return node, nil
}

// WriteNode implements cowtree.NodeWriter. The node may not have any
// bytes on disk yet (a fresh allocation), so this seeds the cache
// directly rather than going through Acquire/Load; it stays pinned
// dirty until the transaction committer's FlushDirty writes it back
// and releases it, per spec §5's "transaction dirty set ... appended
// under the filesystem mutex, drained only by the committer."
func (ns *nodeStore) WriteNode(ctx context.Context, node *cowtree.Node) error {
	addr := node.Head.Addr
	ns.cache.Put(addr, node)
	ns.mu.Lock()
	ns.dirty = append(ns.dirty, addr)
	ns.mu.Unlock()
	return nil
}

// flushDirty writes back every node WriteNode has staged since the
// last call and releases its pin, letting it rejoin the evictable
// cache now that it's durable - spec §4.F step 6.
func (ns *nodeStore) flushDirty(ctx context.Context) error {
	ns.mu.Lock()
	pending := ns.dirty
	ns.dirty = nil
	ns.mu.Unlock()

	if err := ns.cache.Flush(ctx); err != nil {
		return fmt.Errorf("cowfs: flushing dirty nodes: %w", err)
	}
	for _, addr := range pending {
		ns.cache.Release(ctx, addr)
	}
	return nil
}

// invalidate drops addr from the cache entirely: used when the
// allocator frees a node, so nothing can read stale content back
// through the cache at a reused address.
func (ns *nodeStore) invalidate(addr cowprim.LogicalAddr) {
	ns.cache.Delete(addr)
}
