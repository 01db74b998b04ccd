package dataset

import (
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

type ChangeKind int

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeDelete
	ChangeSetPrefix
	ChangeDeletePrefix
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "ADD"
	case ChangeDelete:
		return "DEL"
	case ChangeSetPrefix:
		return "PREFIX"
	case ChangeDeletePrefix:
		return "UNPREFIX"
	default:
		return "UNKNOWN"
	}
}

// Change is one effective modification made by a write transaction. Adds of
// triples already present and deletes of absent ones are not reported.
type Change struct {
	Kind   ChangeKind
	Triple Triple
	Prefix string
	IRI    string
}

// ChangeLog receives the changes of every write transaction. Start and
// Finish bracket them; Finish is called exactly once per write transaction,
// with committed false when it aborted. A ChangeLog observes the dataset and
// has no say in whether a transaction commits.
type ChangeLog interface {
	Start(txnID uint64)
	Change(txnID uint64, c Change)
	Finish(txnID uint64, committed bool)
}

// changeLogListener drives a ChangeLog's brackets from coordinator events.
type changeLogListener struct {
	log ChangeLog
}

func (l changeLogListener) Notify(event transaction.Event, txn *transaction.Transaction) {
	if !txn.IsWrite() {
		return
	}
	switch event {
	case transaction.EventBegin:
		l.log.Start(txn.ID())
	case transaction.EventCommit:
		l.log.Finish(txn.ID(), true)
	case transaction.EventAbort:
		l.log.Finish(txn.ID(), false)
	}
}

// LoggingChangeLog writes every change to a zap logger.
type LoggingChangeLog struct {
	logger *zap.Logger
}

func NewLoggingChangeLog(logger *zap.Logger) *LoggingChangeLog {
	return &LoggingChangeLog{logger: logger.Named("changes")}
}

func (l *LoggingChangeLog) Start(txnID uint64) {
	l.logger.Info("Change set started", zap.Uint64("txn_id", txnID))
}

func (l *LoggingChangeLog) Change(txnID uint64, c Change) {
	fields := []zap.Field{zap.Uint64("txn_id", txnID), zap.Stringer("kind", c.Kind)}
	switch c.Kind {
	case ChangeAdd, ChangeDelete:
		fields = append(fields, zap.Stringer("triple", c.Triple))
	default:
		fields = append(fields, zap.String("prefix", c.Prefix), zap.String("iri", c.IRI))
	}
	l.logger.Info("Change", fields...)
}

func (l *LoggingChangeLog) Finish(txnID uint64, committed bool) {
	l.logger.Info("Change set finished", zap.Uint64("txn_id", txnID), zap.Bool("committed", committed))
}
