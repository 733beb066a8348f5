// Package txn implements the transaction lifecycle and commit
// pipeline of spec §4.F: OPEN -> COMMITTING -> DONE, a num_writers
// condition variable so a committer waits for every other writer to
// leave before it starts rewriting roots, and a fixed-point commit
// loop that drains the extent allocator's own self-dirtying before
// the super block is written.
package txn

import (
	"sync"
	"time"

	"git.lukeshu.dev/cowtree/lib/containers"
	"git.lukeshu.dev/cowtree/lib/cowprim"
)

// Status is one of a transaction's three lifecycle states.
type Status int

const (
	StatusOpen Status = iota
	StatusCommitting
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitting:
		return "committing"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// transaction is one generation's worth of in-flight mutation: every
// start_transaction call against the same transid joins the same one
// of these, and commit_transaction doesn't proceed past "wait for
// writers" until every joined handle has called end_transaction.
type transaction struct {
	transid    cowprim.Generation
	status     Status
	numWriters int
	useCount   int
	startedAt  time.Time

	// dirtyRoots is the TRANS_TAG set: every root objectid whose
	// tree was mutated under this transaction and so needs its
	// ROOT_ITEM rewritten at commit time.
	dirtyRoots containers.Set[cowprim.ObjID]

	writerWait *sync.Cond
	commitWait *sync.Cond
	commitErr  error
}

func newTransaction(mu *sync.Mutex, transid cowprim.Generation) *transaction {
	return &transaction{
		transid:    transid,
		status:     StatusOpen,
		useCount:   1,
		startedAt:  time.Now(),
		dirtyRoots: containers.NewSet[cowprim.ObjID](),
		writerWait: sync.NewCond(mu),
		commitWait: sync.NewCond(mu),
	}
}

// Handle is what start_transaction hands back: a writer's ticket into
// the currently-open transaction. Every handle must be paired with
// exactly one EndTransaction or CommitTransaction call.
type Handle struct {
	Transid        cowprim.Generation
	BlocksReserved int

	mgr *Manager
	txn *transaction
	// ended guards against a caller calling both EndTransaction and
	// CommitTransaction (or either twice) on the same handle.
	ended bool
}
