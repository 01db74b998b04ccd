package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "WRITE"
	}
	return "READ"
}

// TransactionState represents the coordinator's view of a transaction.
// Preparing and Aborting are internal to the coordinator; components only see
// the calls made in those states.
type TransactionState int

const (
	StateActive    TransactionState = iota // Begun, reads/writes allowed
	StatePreparing                         // Collecting payloads, writing the journal, committing
	StateCommitted                         // Commit finished
	StateAborting                          // Abort calls in progress
	StateAborted                           // Abort finished
	StateEnded                             // End called, handle is dead
)

var stateNames = [...]string{"ACTIVE", "PREPARING", "COMMITTED", "ABORTING", "ABORTED", "ENDED"}

func (s TransactionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Transaction is the run-time record of one transaction. It is created by
// Coordinator.Begin and only the coordinator changes its state.
type Transaction struct {
	id          uint64
	mode        Mode
	dataVersion uint64
	startedAt   time.Time
	coord       *Coordinator

	mu    sync.Mutex // held by the coordinator for each state transition
	state TransactionState
}

func (t *Transaction) ID() uint64 { return t.id }

func (t *Transaction) Mode() Mode { return t.mode }

func (t *Transaction) IsWrite() bool { return t.mode == ReadWrite }

// DataVersion is the number of write transactions committed before this one began.
func (t *Transaction) DataVersion() uint64 { return t.dataVersion }

func (t *Transaction) StartedAt() time.Time { return t.startedAt }

func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Txn[%d/%s/%s]", t.id, t.mode, t.State())
}

// Commit is shorthand for Coordinator.Commit.
func (t *Transaction) Commit(ctx context.Context) error { return t.coord.Commit(ctx, t) }

// Abort is shorthand for Coordinator.Abort.
func (t *Transaction) Abort() error { return t.coord.Abort(t) }

// End is shorthand for Coordinator.End.
func (t *Transaction) End() error { return t.coord.End(t) }
