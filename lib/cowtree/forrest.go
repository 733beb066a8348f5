package cowtree

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Forrest is the fs_roots_index: every tree currently open in this
// filesystem, indexed by the ObjID of its root. It is the one place
// that knows how to turn a ROOT_ITEM into a runnable *Tree.
type Forrest struct {
	mu    sync.Mutex
	trees map[cowprim.ObjID]*Tree
}

func NewForrest() *Forrest {
	return &Forrest{trees: make(map[cowprim.ObjID]*Tree)}
}

func (f *Forrest) Get(id cowprim.ObjID) (*Tree, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trees[id]
	return t, ok
}

func (f *Forrest) Put(id cowprim.ObjID, t *Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[id] = t
}

func (f *Forrest) Delete(id cowprim.ObjID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees, id)
}

func (f *Forrest) MustGet(ctx context.Context, id cowprim.ObjID) (*Tree, error) {
	t, ok := f.Get(id)
	if !ok {
		return nil, fmt.Errorf("cowtree: %w: no tree open for root %v", cowerr.NotFound, id)
	}
	return t, nil
}
