package transaction

import "github.com/sushant-115/gojotxn/core/cid"

// TransactionalComponent is implemented by every participant the coordinator
// drives: node tables, indexes, prefix tables. Calls for one step arrive in
// registration order and the coordinator waits for each before the next.
type TransactionalComponent interface {
	// ComponentID addresses journal entries to this component. It must be
	// the same across restarts.
	ComponentID() cid.ComponentID

	// StartRecovery is called once at startup before any Recover.
	StartRecovery() error
	// Recover applies one journaled payload. It may see the same payload
	// more than once and must be idempotent.
	Recover(payload []byte) error
	// FinishRecovery is called once after the last Recover.
	FinishRecovery() error

	// Begin registers txn against the current committed view. Must not block.
	Begin(txn *Transaction)
	// CommitPrepare returns the redo payload for txn. A nil payload means
	// the component has nothing to journal. This is the last step that may
	// fail, and it must not change durable state.
	CommitPrepare(txn *Transaction) ([]byte, error)
	// Commit makes the prepared change durable and visible. It must not
	// fail once CommitPrepare succeeded.
	Commit(txn *Transaction) error
	// CommitEnd is called after every component has committed.
	CommitEnd(txn *Transaction)
	// Abort discards txn's changes. Safe after Begin alone.
	Abort(txn *Transaction)
	// Complete is the last call the coordinator makes for txn.
	Complete(txn *Transaction)
	// Shutdown releases resources. Not guaranteed to run.
	Shutdown()
}
