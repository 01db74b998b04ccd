package transaction

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotxn/core/cid"
)

// --- Error Definitions ---

var (
	// Usage errors. The caller broke the protocol; nothing was changed.
	ErrTransactionState     = errors.New("transaction is in an invalid state for this operation")
	ErrAlreadyInTransaction = errors.New("already in a transaction")
	ErrNotInTransaction     = errors.New("not in a transaction")
	ErrForeignTransaction   = errors.New("transaction belongs to another coordinator")
	ErrShutdown             = errors.New("coordinator has been shut down")
	ErrNotStarted           = errors.New("coordinator has not been started")
	ErrConfigLocked         = errors.New("coordinator configuration is locked after start")
	ErrDuplicateComponent   = errors.New("component id already registered")
	ErrReadOnly             = errors.New("write attempted in a read-only transaction")
	ErrWouldBlock           = errors.New("operation would block")
	ErrWritersNotBlocked    = errors.New("writers are not blocked")

	// Protocol failures.
	ErrPrepareFailed = errors.New("prepare phase failed for transaction")
	ErrJournalFailed = errors.New("journal append failed for transaction")
	// ErrCommitFailed means a component failed after the journal record became
	// durable. The running process must not accept more writes; a restart
	// replays the record.
	ErrCommitFailed      = errors.New("component commit failed after journal write")
	ErrCoordinatorFailed = errors.New("coordinator refuses writes after a fatal commit failure")
	ErrRecoveryFailed    = errors.New("journal recovery failed")
)

// PrepareError carries the component that refused to prepare. errors.Is
// matches both ErrPrepareFailed and the component's own error.
type PrepareError struct {
	Component cid.ComponentID
	TxnID     uint64
	Err       error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("txn %d: prepare failed in %s: %v", e.TxnID, e.Component, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

func (e *PrepareError) Is(target error) bool { return target == ErrPrepareFailed }
