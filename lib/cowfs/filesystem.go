package cowfs

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/diskio"
	"git.lukeshu.dev/cowtree/lib/extent"
	"git.lukeshu.dev/cowtree/lib/snapshot"
	"git.lukeshu.dev/cowtree/lib/txn"
)

// FS is the client-visible open filesystem (spec §6's fs_info): the
// device, the super block, the extent tree and tree-of-roots
// singletons, the open-root index, and the transaction manager that
// ties them together. It implements txn.Committer so a
// txn.Manager can drive commit_transaction without importing this
// package.
//
// FS.mu is spec §5's "filesystem mutex": every tree mutation and
// allocator call happens with it held. txn.Manager's own mutex is the
// separate "transaction mutex" guarding only transaction lifecycle
// bookkeeping.
type FS struct {
	mu sync.Mutex

	dev      diskio.File
	sum      cowprim.SumFunc
	nodeSize uint32

	store *nodeStore

	Forrest   *cowtree.Forrest
	Alloc     *extent.Allocator
	RootsTree *cowtree.Tree

	workingSuper Superblock
	diskSuper    Superblock

	Txn *txn.Manager

	pendingDrops containers.Set[cowprim.ObjID]
}

var _ txn.Committer = (*FS)(nil)

// MkfsOptions configures a brand-new volume; mirrors spec §6's
// on-disk super block fields a caller controls at format time.
type MkfsOptions struct {
	NodeSize   uint32
	SectorSize uint32
	StripeSize uint32
	TotalBytes uint64
	CacheSize  int // blockcache capacity, in nodes
}

// Mkfs formats dev with a fresh, empty tree of roots and extent tree
// and writes the initial super block mirrors - the one-time setup
// open_ctree's normal path never performs itself (spec §6 describes
// open_ctree/close_ctree as operating on an already-formatted
// device).
func Mkfs(ctx context.Context, dev diskio.File, sum cowprim.SumFunc, fsid cowprim.UUID, opts MkfsOptions) error {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.TotalBytes <= uint64(2*opts.NodeSize) {
		return fmt.Errorf("cowfs: mkfs: total-bytes %d too small to hold the bootstrap nodes and any usable space", opts.TotalBytes)
	}
	store := newNodeStore(dev, sum, opts.NodeSize, opts.CacheSize)

	rootsAlloc := &bootstrapAllocator{store: store, nodeSize: opts.NodeSize}
	extentAddr, err := rootsAlloc.alloc(ctx, cowprim.ExtentTreeObjID)
	if err != nil {
		return fmt.Errorf("cowfs: mkfs: allocating extent root: %w", err)
	}
	rootsAddr, err := rootsAlloc.alloc(ctx, cowprim.RootTreeObjID)
	if err != nil {
		return fmt.Errorf("cowfs: mkfs: allocating tree-of-roots: %w", err)
	}
	if err := store.flushDirty(ctx); err != nil {
		return fmt.Errorf("cowfs: mkfs: writing initial nodes: %w", err)
	}

	rootsTree := &cowtree.Tree{
		Owner: cowprim.RootTreeObjID, NodeSize: opts.NodeSize,
		Source: store, Writer: store, Sum: sum, RefCows: false,
		RootAddr: rootsAddr, RootGen: 1, RootLvl: 0,
	}
	// The real extent.Allocator is rebuilt by Open from these two
	// ROOT_ITEMs; mkfs itself only needs the bootstrapAllocator's
	// flat placement above to get the chicken-and-egg first two
	// nodes onto disk.
	for _, root := range []struct {
		id   cowprim.ObjID
		addr cowprim.LogicalAddr
	}{{cowprim.ExtentTreeObjID, extentAddr}, {cowprim.RootTreeObjID, rootsAddr}} {
		item := cowitem.RootItem{TreeRootBytenr: root.addr, Level: 0, Refs: 1}
		key := cowprim.Key{ObjectID: root.id, Type: cowprim.ItemTypeRoot, Offset: 0}
		if err := rootsTree.Insert(ctx, 1, key, item); err != nil {
			return fmt.Errorf("cowfs: mkfs: inserting ROOT_ITEM for %v: %w", root.id, err)
		}
	}
	// Stake out the rest of the device as a single mixed block group
	// covering both metadata and data, the way mkfs.btrfs -M does for
	// small volumes, so the freshly formatted filesystem actually has
	// somewhere to allocate from once opened.
	extentTree := &cowtree.Tree{
		Owner: cowprim.ExtentTreeObjID, NodeSize: opts.NodeSize,
		Source: store, Writer: store, Sum: sum, RefCows: false,
		RootAddr: extentAddr, RootGen: 1, RootLvl: 0,
	}
	groupStart := cowprim.LogicalAddr(2 * opts.NodeSize)
	groupSize := opts.TotalBytes - uint64(2*opts.NodeSize)
	bgKey := cowprim.Key{ObjectID: cowprim.ObjID(groupStart), Type: cowprim.ItemTypeBlockGroup, Offset: groupSize}
	bgItem := cowitem.BlockGroupItem{Used: 0, Flags: cowitem.BlockGroupData | cowitem.BlockGroupMetadata}
	if err := extentTree.Insert(ctx, 1, bgKey, bgItem); err != nil {
		return fmt.Errorf("cowfs: mkfs: inserting initial block group: %w", err)
	}
	if err := store.flushDirty(ctx); err != nil {
		return fmt.Errorf("cowfs: mkfs: flushing tree-of-roots: %w", err)
	}

	sb := Superblock{
		FSID:            fsid,
		Magic:           superMagic,
		Generation:      1,
		RootTreeBytenr:  rootsAddr,
		ChunkTreeBytenr: 0,
		BytesUsed:       uint64(2 * opts.NodeSize),
		TotalBytes:      opts.TotalBytes,
		SectorSize:      opts.SectorSize,
		NodeSize:        opts.NodeSize,
		LeafSize:        opts.NodeSize,
		StripeSize:      opts.StripeSize,
	}
	return writeSuperblocks(dev, sb, sum)
}

// Open implements spec §6's open_ctree: read and cross-validate every
// super mirror, rebuild the extent allocator and tree-of-roots handle
// from the wire state, and return a ready-to-use FS. superMirrorIndex
// is accepted for interface parity with spec §6's signature but
// unused: readSuperblocks already requires every present mirror to
// agree, so there is no "pick one" decision left to make at this
// layer (a disagreeing mirror is BadBlock, not a selectable option).
func Open(ctx context.Context, dev diskio.File, sum cowprim.SumFunc, superMirrorIndex int, cacheSize int) (*FS, error) {
	sbs, err := readSuperblocks(dev, sum)
	if err != nil {
		return nil, fmt.Errorf("cowfs: open: %w", err)
	}
	sb := sbs[0]
	if sb.Magic != superMagic {
		return nil, fmt.Errorf("%w: not a cowtree volume", cowerr.BadBlock)
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}

	store := newNodeStore(dev, sum, sb.NodeSize, cacheSize)
	fs := &FS{
		dev: dev, sum: sum, nodeSize: sb.NodeSize,
		store: store, Forrest: cowtree.NewForrest(),
		workingSuper: sb, diskSuper: sb,
		pendingDrops: containers.NewSet[cowprim.ObjID](),
	}

	rootsTree := &cowtree.Tree{
		Owner: cowprim.RootTreeObjID, NodeSize: sb.NodeSize,
		Source: store, Writer: store, Sum: sum, RefCows: false,
		RootAddr: sb.RootTreeBytenr, RootGen: sb.Generation, RootLvl: 0,
	}
	fs.RootsTree = rootsTree
	fs.Forrest.Put(cowprim.RootTreeObjID, rootsTree)

	extentKey := cowprim.Key{ObjectID: cowprim.ExtentTreeObjID, Type: cowprim.ItemTypeRoot, Offset: 0}
	body, err := rootsTree.Get(ctx, extentKey)
	if err != nil {
		return nil, fmt.Errorf("cowfs: open: reading extent tree ROOT_ITEM: %w", err)
	}
	extentItem, ok := body.(cowitem.RootItem)
	if !ok {
		return nil, fmt.Errorf("cowfs: open: extent ROOT_ITEM decoded as %T", body)
	}
	extentTree := &cowtree.Tree{
		Owner: cowprim.ExtentTreeObjID, NodeSize: sb.NodeSize,
		Source: store, Writer: store, Sum: sum, RefCows: false,
		RootAddr: extentItem.TreeRootBytenr, RootGen: sb.Generation, RootLvl: extentItem.Level,
	}
	fs.Forrest.Put(cowprim.ExtentTreeObjID, extentTree)
	fs.Alloc = extent.New(extentTree)
	fs.Alloc.CurGen = sb.Generation
	// The extent tree and the tree of roots allocate their own space
	// through this same Allocator (its extent_ins/pending_del
	// staging is exactly what makes that non-recursive); every other
	// root wires the same Alloc in when OpenRoot/CreateSubvolume/
	// CreateSnapshot constructs it.
	extentTree.Alloc = fs.Alloc
	rootsTree.Alloc = fs.Alloc

	if err := loadBlockGroups(ctx, extentTree, fs.Alloc); err != nil {
		return nil, fmt.Errorf("cowfs: open: %w", err)
	}

	fs.Txn = txn.NewManager(fs, sb.Generation)
	return fs, nil
}

// loadBlockGroups reconstructs the allocator's in-memory block-group
// index from the BLOCK_GROUP_ITEMs stored in the extent tree itself;
// AddBlockGroup never happens implicitly, so open_ctree has to walk
// the tree and register every group it finds before anything can be
// allocated.
func loadBlockGroups(ctx context.Context, extentTree *cowtree.Tree, alloc *extent.Allocator) error {
	cur, err := extentTree.Seek(ctx, cowprim.MinKey)
	if err != nil {
		return fmt.Errorf("scanning block groups: %w", err)
	}
	var decodeErr error
	// BLOCK_GROUP_ITEMs and EXTENT_ITEMs share the same ObjectID
	// namespace (physical addresses) and interleave by address, so
	// every item in the tree has to be inspected rather than stopping
	// at the first one that isn't a block group.
	if err := cur.Walk(ctx, func(it cowtree.Item) bool {
		if it.Key.Type != cowprim.ItemTypeBlockGroup {
			return true
		}
		bgItem, ok := it.Body.(cowitem.BlockGroupItem)
		if !ok {
			decodeErr = fmt.Errorf("BLOCK_GROUP_ITEM at %v decoded as %T", it.Key, it.Body)
			return false
		}
		alloc.AddBlockGroup(&extent.BlockGroup{
			Start: cowprim.LogicalAddr(it.Key.ObjectID),
			Size:  it.Key.Offset,
			Flags: bgItem.Flags,
			Used:  uint64(bgItem.Used),
		})
		return true
	}); err != nil {
		return fmt.Errorf("walking block groups: %w", err)
	}
	return decodeErr
}

// Close implements spec §6's close_ctree: commit whatever transaction
// is still open, then release the device. Per spec §6, "the
// filesystem owns the device exclusively between open_ctree and
// close_ctree" - nothing else may touch dev after this returns.
func (fs *FS) Close(ctx context.Context) error {
	h := fs.Txn.StartTransaction(nil, 0)
	if err := fs.Txn.CommitTransaction(ctx, h); err != nil {
		return fmt.Errorf("cowfs: close: final commit: %w", err)
	}
	return fs.dev.Close()
}

// StartTransaction opens (or joins) a transaction against root,
// tagging it dirty-for-commit if it's a ref-counted root this
// transaction hasn't touched yet (spec §4.F step 2).
func (fs *FS) StartTransaction(root *cowtree.Tree, reserved int) *txn.Handle {
	var desc *cowtree.RootDescriptor
	if root != nil {
		// RootItem.Refs is only consulted by StartTransaction to
		// decide whether a still-live root is worth tagging dirty;
		// a Tree open in the forrest is always live (Refs>=1), so 1
		// stands in without a redundant ROOT_ITEM lookup on every
		// StartTransaction call.
		desc = &cowtree.RootDescriptor{
			RootKey: cowprim.Key{ObjectID: root.Owner, Type: cowprim.ItemTypeRoot, Offset: 0},
			RefCows: root.RefCows,
			RootItem: cowitem.RootItem{Refs: 1},
		}
	}
	return fs.Txn.StartTransaction(desc, reserved)
}

// OpenRoot returns the already-open Tree for a subvolume/snapshot
// root, reading its ROOT_ITEM from the tree of roots the first time
// it's asked for.
func (fs *FS) OpenRoot(ctx context.Context, rootID cowprim.ObjID) (*cowtree.Tree, error) {
	if t, ok := fs.Forrest.Get(rootID); ok {
		return t, nil
	}
	key := cowprim.Key{ObjectID: rootID, Type: cowprim.ItemTypeRoot, Offset: 0}
	body, err := fs.RootsTree.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cowfs: open root %v: %w", rootID, err)
	}
	item, ok := body.(cowitem.RootItem)
	if !ok {
		return nil, fmt.Errorf("cowfs: ROOT_ITEM for %v decoded as %T", rootID, body)
	}
	t := &cowtree.Tree{
		Owner: rootID, NodeSize: fs.nodeSize,
		Source: fs.store, Alloc: fs.Alloc, Writer: fs.store, Sum: fs.sum, RefCows: true,
		RootAddr: item.TreeRootBytenr, RootGen: fs.workingSuper.Generation, RootLvl: item.Level,
	}
	fs.Forrest.Put(rootID, t)
	return t, nil
}

// CreateSubvolume creates a brand-new, empty root (not a snapshot of
// an existing one) at rootID.
func (fs *FS) CreateSubvolume(ctx context.Context, h *txn.Handle, rootID cowprim.ObjID) (*cowtree.Tree, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	addr, err := fs.Alloc.AllocNode(ctx, rootID, 0)
	if err != nil {
		return nil, fmt.Errorf("cowfs: create subvolume %v: %w", rootID, err)
	}
	node := &cowtree.Node{
		Size: fs.nodeSize,
		Head: cowtree.NodeHeader{Addr: addr, Owner: rootID, Generation: h.Transid, Level: 0},
	}
	if err := fs.store.WriteNode(ctx, node); err != nil {
		return nil, fmt.Errorf("cowfs: create subvolume %v: %w", rootID, err)
	}

	item := cowitem.RootItem{TreeRootBytenr: addr, Level: 0, Refs: 1}
	key := cowprim.Key{ObjectID: rootID, Type: cowprim.ItemTypeRoot, Offset: 0}
	if err := fs.RootsTree.Insert(ctx, h.Transid, key, item); err != nil {
		return nil, fmt.Errorf("cowfs: create subvolume %v: inserting ROOT_ITEM: %w", rootID, err)
	}

	t := &cowtree.Tree{
		Owner: rootID, NodeSize: fs.nodeSize,
		Source: fs.store, Alloc: fs.Alloc, Writer: fs.store, Sum: fs.sum, RefCows: true,
		RootAddr: addr, RootGen: h.Transid, RootLvl: 0,
	}
	fs.Forrest.Put(rootID, t)
	return t, nil
}

// CreateSnapshot implements spec §6's create_snapshot(root).
func (fs *FS) CreateSnapshot(ctx context.Context, h *txn.Handle, sourceRootID, newRootID cowprim.ObjID) (*cowtree.Tree, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return snapshot.Create(ctx, fs.Forrest, fs.Alloc, fs.RootsTree, h.Transid, sourceRootID, newRootID)
}

// DropSnapshot implements spec §6's drop_snapshot(root): one bounded
// increment of the resumable walk. A cowerr.Retry return means the
// caller should commit and call again in a later transaction; this
// method also queues rootID so the background committer's StepDrop
// keeps making progress even if nothing else calls it directly.
func (fs *FS) DropSnapshot(ctx context.Context, h *txn.Handle, rootID cowprim.ObjID, onFileExtent snapshot.FileExtentFreer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := snapshot.Drop(ctx, fs.Forrest, fs.Alloc, fs.RootsTree, h.Transid, rootID, onFileExtent); err != nil {
		if cowerr.IsRetry(err) {
			fs.queueDrop(rootID)
		}
		return err
	}
	fs.unqueueDrop(rootID)
	return nil
}

func (fs *FS) queueDrop(rootID cowprim.ObjID) {
	fs.pendingDrops.Insert(rootID)
}

func (fs *FS) unqueueDrop(rootID cowprim.ObjID) {
	fs.pendingDrops.Delete(rootID)
}

// --- txn.Committer ---

// CommitDirtyRoots implements spec §4.F step 3: rewrite every dirty
// root's ROOT_ITEM to point at its current node.
func (fs *FS) CommitDirtyRoots(ctx context.Context, ids []cowprim.ObjID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, id := range ids {
		t, ok := fs.Forrest.Get(id)
		if !ok {
			continue
		}
		key := cowprim.Key{ObjectID: id, Type: cowprim.ItemTypeRoot, Offset: 0}
		body, err := fs.RootsTree.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("cowfs: commit dirty root %v: %w", id, err)
		}
		item, ok := body.(cowitem.RootItem)
		if !ok {
			return fmt.Errorf("cowfs: commit dirty root %v: ROOT_ITEM decoded as %T", id, body)
		}
		item.TreeRootBytenr = t.RootAddr
		item.Level = t.RootLvl
		if err := fs.RootsTree.Delete(ctx, fs.Alloc.CurGen, key); err != nil {
			return fmt.Errorf("cowfs: commit dirty root %v: %w", id, err)
		}
		if err := fs.RootsTree.Insert(ctx, fs.Alloc.CurGen, key, item); err != nil {
			return fmt.Errorf("cowfs: commit dirty root %v: %w", id, err)
		}
	}
	return nil
}

// SyncExtentState implements spec §4.F step 4's fixed-point loop.
func (fs *FS) SyncExtentState(ctx context.Context) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.Alloc.WriteDirtyBlockGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("cowfs: sync extent state: %w", err)
	}
	extentTree, ok := fs.Forrest.Get(cowprim.ExtentTreeObjID)
	if ok {
		key := cowprim.Key{ObjectID: cowprim.ExtentTreeObjID, Type: cowprim.ItemTypeRoot, Offset: 0}
		body, err := fs.RootsTree.Get(ctx, key)
		if item, ok := body.(cowitem.RootItem); err == nil && ok {
			if item.TreeRootBytenr != extentTree.RootAddr || item.Level != extentTree.RootLvl {
				item.TreeRootBytenr = extentTree.RootAddr
				item.Level = extentTree.RootLvl
				if err := fs.RootsTree.Delete(ctx, fs.Alloc.CurGen, key); err != nil {
					return 0, fmt.Errorf("cowfs: sync extent state: %w", err)
				}
				if err := fs.RootsTree.Insert(ctx, fs.Alloc.CurGen, key, item); err != nil {
					return 0, fmt.Errorf("cowfs: sync extent state: %w", err)
				}
				n++
			}
		}
	}
	return n, nil
}

// FlushDirty implements spec §4.F step 6.
func (fs *FS) FlushDirty(ctx context.Context) error {
	return fs.store.flushDirty(ctx)
}

// WriteSuper implements spec §4.F step 7.
func (fs *FS) WriteSuper(ctx context.Context, generation cowprim.Generation) error {
	fs.mu.Lock()
	fs.workingSuper.Generation = generation
	fs.workingSuper.RootTreeBytenr = fs.RootsTree.RootAddr
	sb := fs.workingSuper
	fs.mu.Unlock()

	if err := writeSuperblocks(fs.dev, sb, fs.sum); err != nil {
		return err
	}

	fs.mu.Lock()
	fs.diskSuper = sb
	fs.Alloc.CurGen = generation
	fs.mu.Unlock()
	return nil
}

// FinishExtentCommit implements spec §4.F step 8.
func (fs *FS) FinishExtentCommit(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Alloc.FinishExtentCommit(ctx)
}

// StepDrop implements the Committer hook the background worker uses
// to make bounded progress on whatever snapshot-drop walk is queued,
// one root at a time (spec §4.F's closing paragraph).
func (fs *FS) StepDrop(ctx context.Context) (bool, error) {
	fs.mu.Lock()
	rootID, ok := fs.pendingDrops.TakeOne()
	fs.mu.Unlock()
	if !ok {
		return false, nil
	}

	h := fs.StartTransaction(nil, 1)
	err := fs.DropSnapshot(ctx, h, rootID, nil)
	if err := fs.Txn.EndTransaction(h); err != nil {
		return false, err
	}
	if err != nil && !cowerr.IsRetry(err) {
		return false, err
	}
	return true, nil
}
