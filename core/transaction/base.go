package transaction

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	commonutils "github.com/sushant-115/gojotxn/internal/common_utils"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// TransactionalBase binds at most one transaction to each calling goroutine
// and routes begin/commit/abort/end to the coordinator. Storage-facing types
// embed it so callers never handle *Transaction directly.
type TransactionalBase struct {
	name     string
	coord    *Coordinator
	logger   *zap.Logger
	bindings sync.Map // goroutine id -> *Transaction
	shutdown atomic.Bool
}

func NewTransactionalBase(name string, coord *Coordinator, log *zap.Logger) *TransactionalBase {
	return &TransactionalBase{name: name, coord: coord, logger: logger.Named(log, name)}
}

func (b *TransactionalBase) Coordinator() *Coordinator { return b.coord }

// Begin starts a transaction bound to the calling goroutine.
func (b *TransactionalBase) Begin(ctx context.Context, mode Mode) error {
	if b.shutdown.Load() {
		return ErrShutdown
	}
	gid := commonutils.GoID()
	if txn, ok := b.bindings.Load(gid); ok {
		return errors.Wrapf(ErrAlreadyInTransaction, "%s: goroutine %d holds txn %d", b.name, gid, txn.(*Transaction).ID())
	}
	txn, err := b.coord.Begin(ctx, mode)
	if err != nil {
		return err
	}
	b.bindings.Store(gid, txn)
	return nil
}

// Commit commits the bound transaction and unbinds it, whatever the outcome.
func (b *TransactionalBase) Commit(ctx context.Context) error {
	txn, gid, err := b.current()
	if err != nil {
		return err
	}
	defer b.bindings.Delete(gid)
	return b.coord.Commit(ctx, txn)
}

// Abort aborts the bound transaction and unbinds it.
func (b *TransactionalBase) Abort() error {
	txn, gid, err := b.current()
	if err != nil {
		return err
	}
	defer b.bindings.Delete(gid)
	return b.coord.Abort(txn)
}

// End releases the bound transaction, aborting it if it is an uncommitted
// write. Without a bound transaction it does nothing.
func (b *TransactionalBase) End() error {
	gid := commonutils.GoID()
	v, ok := b.bindings.LoadAndDelete(gid)
	if !ok {
		return nil
	}
	return b.coord.End(v.(*Transaction))
}

func (b *TransactionalBase) IsInTransaction() bool {
	_, ok := b.bindings.Load(commonutils.GoID())
	return ok
}

// Transaction returns the transaction bound to the calling goroutine.
func (b *TransactionalBase) Transaction() (*Transaction, error) {
	txn, _, err := b.current()
	return txn, err
}

// Execute runs fn inside a transaction: commit if fn succeeds, abort if not.
func (b *TransactionalBase) Execute(ctx context.Context, mode Mode, fn func(txn *Transaction) error) error {
	if err := b.Begin(ctx, mode); err != nil {
		return err
	}
	defer b.End()

	txn, err := b.Transaction()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if abortErr := b.Abort(); abortErr != nil {
			b.logger.Warn("Abort after failed transaction body", zap.Uint64("txn_id", txn.ID()), zap.Error(abortErr))
		}
		return err
	}
	return b.Commit(ctx)
}

// Shutdown shuts down the coordinator. Later calls fail with ErrShutdown.
func (b *TransactionalBase) Shutdown() error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	return b.coord.Shutdown()
}

func (b *TransactionalBase) IsShutdown() bool { return b.shutdown.Load() }

func (b *TransactionalBase) current() (*Transaction, int64, error) {
	if b.shutdown.Load() {
		return nil, 0, ErrShutdown
	}
	gid := commonutils.GoID()
	v, ok := b.bindings.Load(gid)
	if !ok {
		return nil, gid, errors.Wrapf(ErrNotInTransaction, "%s: goroutine %d", b.name, gid)
	}
	return v.(*Transaction), gid, nil
}
