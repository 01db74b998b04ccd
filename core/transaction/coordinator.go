// Package transaction coordinates atomic, durable transactions across a fixed
// set of independently versioned components.
//
// A write transaction is committed by asking every component to prepare a
// redo payload, writing all payloads as one journal record, and only then
// telling every component to commit. The journal append is the atomicity
// point: a crash before it leaves no trace of the transaction, a crash after
// it is repaired by replaying the record at the next Start.
package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sushant-115/gojotxn/core/cid"
	"github.com/sushant-115/gojotxn/core/write_engine/journal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var bg = context.Background()

// Config controls a Coordinator.
type Config struct {
	// Journal receives one record per committed write transaction. Required.
	Journal *journal.Journal
	// Mirror, if set, gets a copy of every record off the commit path.
	Mirror *journal.Mirror
	// AppliedStore persists the last journal sequence known to be applied.
	// Nil means every record is replayed on each Start.
	AppliedStore raft.StableStore

	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *internaltelemetry.TxnMetrics
}

// setDefaults applies sensible defaults when fields are zero.
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if c.Metrics == nil {
		c.Metrics = internaltelemetry.NoopTxnMetrics()
	}
}

// Coordinator drives the transaction protocol over its registered components.
// Components, listeners and shutdown hooks are registered before Start and
// never change afterwards.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	applied appliedMark

	mu         sync.Mutex // registration and lifecycle
	components []TransactionalComponent
	byKey      map[cid.Key]TransactionalComponent
	listeners  []Listener
	hooks      []ShutdownHook
	started    atomic.Bool
	shutdown   atomic.Bool

	failMu  sync.Mutex
	failure error // first fatal commit failure; writes refused once set

	writers        *semaphore.Weighted // single-writer admission
	writersBlocked atomic.Bool
	exclusive      sync.RWMutex // held shared by every live transaction

	// commitMu keeps a transaction's component Begin calls from interleaving
	// with a writer's component Commit calls, so every component of a new
	// transaction sees the same committed state.
	commitMu sync.Mutex

	lastTxnID       atomic.Uint64
	dataVersion     atomic.Uint64
	countBegin      atomic.Int64
	countBeginRead  atomic.Int64
	countBeginWrite atomic.Int64
	countFinished   atomic.Int64
	activeReaders   atomic.Int64
	activeWriters   atomic.Int64
}

// NewCoordinator creates a coordinator. Register components, then call Start.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Journal == nil {
		return nil, errors.New("coordinator requires a journal")
	}
	cfg.setDefaults()
	return &Coordinator{
		cfg:     cfg,
		logger:  logger.Named(cfg.Logger, "coordinator"),
		applied: appliedMark{store: cfg.AppliedStore},
		byKey:   make(map[cid.Key]TransactionalComponent),
		writers: semaphore.NewWeighted(1),
	}, nil
}

// --- Registration ---

// Add registers a component. Registration order is the order of every
// protocol step.
func (c *Coordinator) Add(comp TransactionalComponent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConfigurable(); err != nil {
		return err
	}
	key := comp.ComponentID().Key()
	if existing, ok := c.byKey[key]; ok {
		return errors.Wrapf(ErrDuplicateComponent, "%s collides with %s", comp.ComponentID(), existing.ComponentID())
	}
	c.components = append(c.components, comp)
	c.byKey[key] = comp
	return nil
}

func (c *Coordinator) AddListener(l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConfigurable(); err != nil {
		return err
	}
	c.listeners = append(c.listeners, l)
	return nil
}

func (c *Coordinator) AddShutdownHook(h ShutdownHook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConfigurable(); err != nil {
		return err
	}
	c.hooks = append(c.hooks, h)
	return nil
}

// Components returns the registered components in registration order.
func (c *Coordinator) Components() []TransactionalComponent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TransactionalComponent(nil), c.components...)
}

func (c *Coordinator) checkConfigurable() error {
	if c.shutdown.Load() {
		return ErrShutdown
	}
	if c.started.Load() {
		return ErrConfigLocked
	}
	return nil
}

// --- Begin ---

// Begin starts a transaction. A write transaction waits for the writer slot;
// ctx bounds that wait.
//
// Every live transaction holds a read lock on exclusive mode, and those locks
// are not reentrant: once StartExclusiveMode is waiting, Begin blocks until
// all live transactions end. A goroutine that already holds a transaction
// must therefore not call Begin for another one if exclusive mode may be
// requested; it can use TryBegin, which returns ErrWouldBlock instead.
func (c *Coordinator) Begin(ctx context.Context, mode Mode) (*Transaction, error) {
	if err := c.checkOpen(mode); err != nil {
		return nil, err
	}
	c.exclusive.RLock()
	if mode == ReadWrite {
		if err := c.writers.Acquire(ctx, 1); err != nil {
			c.exclusive.RUnlock()
			return nil, errors.Wrap(err, "waiting for the writer slot")
		}
	}
	return c.begin(mode)
}

// TryBegin starts a transaction only if that can be done without waiting. It
// fails with ErrWouldBlock while exclusive mode is held or requested.
func (c *Coordinator) TryBegin(mode Mode) (*Transaction, error) {
	if err := c.checkOpen(mode); err != nil {
		return nil, err
	}
	if !c.exclusive.TryRLock() {
		return nil, ErrWouldBlock
	}
	if mode == ReadWrite && !c.writers.TryAcquire(1) {
		c.exclusive.RUnlock()
		return nil, ErrWouldBlock
	}
	return c.begin(mode)
}

// begin runs with the exclusive lock held shared and, for writers, the slot.
func (c *Coordinator) begin(mode Mode) (*Transaction, error) {
	if c.shutdown.Load() {
		c.release(mode)
		return nil, ErrShutdown
	}

	txn := &Transaction{
		id:        c.lastTxnID.Add(1),
		mode:      mode,
		startedAt: time.Now(),
		coord:     c,
		state:     StateActive,
	}
	c.commitMu.Lock()
	txn.dataVersion = c.dataVersion.Load()
	for _, comp := range c.components {
		comp.Begin(txn)
	}
	c.commitMu.Unlock()

	c.countBegin.Add(1)
	if mode == ReadWrite {
		c.countBeginWrite.Add(1)
		c.activeWriters.Add(1)
	} else {
		c.countBeginRead.Add(1)
		c.activeReaders.Add(1)
	}
	c.cfg.Metrics.BeginCounter.Add(bg, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
	c.cfg.Metrics.ActiveTxnsUpDownCounter.Add(bg, 1)
	c.notify(EventBegin, txn)
	c.logger.Debug("Transaction begun", zap.Uint64("txn_id", txn.id), zap.Stringer("mode", mode), zap.Uint64("data_version", txn.dataVersion))
	return txn, nil
}

// --- Commit ---

// Commit commits txn. For a read transaction this only ends it.
//
// If a component fails to prepare, every component is aborted and the error
// is returned (errors.Is matches ErrPrepareFailed and the component's error).
// If a component fails after the journal record is durable, the transaction
// still counts as committed, ErrCommitFailed is returned, and the coordinator
// refuses further writes until restarted.
func (c *Coordinator) Commit(ctx context.Context, txn *Transaction) error {
	if err := c.checkTxn(txn); err != nil {
		return err
	}
	txn.mu.Lock()
	if txn.state != StateActive {
		state := txn.state
		txn.mu.Unlock()
		return errors.Wrapf(ErrTransactionState, "commit: txn %d is %s", txn.id, state)
	}
	if !txn.IsWrite() {
		txn.mu.Unlock()
		c.completeRead(txn, StateCommitted)
		return nil
	}
	txn.state = StatePreparing
	txn.mu.Unlock()
	return c.commitWrite(ctx, txn)
}

func (c *Coordinator) commitWrite(ctx context.Context, txn *Transaction) error {
	ctx, span := c.cfg.Tracer.Start(ctx, "txn.commit", trace.WithAttributes(attribute.Int64("txn.id", int64(txn.id))))
	defer span.End()
	start := time.Now()

	c.notify(EventPrepare, txn)
	entries, err := c.prepare(txn)
	if err != nil {
		c.logger.Warn("Commit prepare failed, aborting", zap.Uint64("txn_id", txn.id), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		c.abortAll(txn)
		return err
	}

	// Atomicity point.
	var rec journal.Record
	if len(entries) > 0 {
		rec, err = c.cfg.Journal.Append(entries)
		if err != nil {
			c.logger.Error("Journal append failed, aborting", zap.Uint64("txn_id", txn.id), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "journal append failed")
			c.abortAll(txn)
			return errors.Wrapf(ErrJournalFailed, "txn %d: %v", txn.id, err)
		}
		c.cfg.Metrics.JournalBytesCounter.Add(ctx, rec.EncodedSize())
		span.AddEvent("journal.appended", trace.WithAttributes(attribute.Int64("journal.sequence", int64(rec.Sequence))))
		if c.cfg.Mirror != nil {
			if err := c.cfg.Mirror.Submit(ctx, rec); err != nil {
				c.logger.Warn("Failed to queue journal mirror copy", zap.Uint64("sequence", rec.Sequence), zap.Error(err))
			}
		}
	}

	var commitErr error
	c.commitMu.Lock()
	for _, comp := range c.components {
		if err := comp.Commit(txn); err != nil {
			c.logger.Error("Component failed to commit after journal write",
				zap.Uint64("txn_id", txn.id), zap.Stringer("component", comp.ComponentID()), zap.Error(err))
			if commitErr == nil {
				commitErr = errors.Wrapf(ErrCommitFailed, "txn %d: %s: %v", txn.id, comp.ComponentID(), err)
			}
		}
	}
	c.dataVersion.Add(1)
	c.commitMu.Unlock()
	if commitErr != nil {
		c.fail(commitErr)
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit failed")
	} else if rec.Sequence > 0 {
		if err := c.applied.set(rec.Sequence); err != nil {
			c.logger.Warn("Failed to record applied journal sequence", zap.Uint64("sequence", rec.Sequence), zap.Error(err))
		}
	}

	for _, comp := range c.components {
		comp.CommitEnd(txn)
	}
	for _, comp := range c.components {
		comp.Complete(txn)
	}
	txn.setState(StateCommitted)
	c.finish(txn)

	c.cfg.Metrics.CommitCounter.Add(ctx, 1)
	c.cfg.Metrics.CommitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
	c.notify(EventCommit, txn)
	c.logger.Debug("Transaction committed", zap.Uint64("txn_id", txn.id), zap.Uint64("sequence", rec.Sequence), zap.Int("entries", len(entries)))
	return commitErr
}

// prepare collects payloads in registration order. Nil payloads are skipped.
func (c *Coordinator) prepare(txn *Transaction) ([]journal.Entry, error) {
	entries := make([]journal.Entry, 0, len(c.components))
	for _, comp := range c.components {
		payload, err := comp.CommitPrepare(txn)
		if err != nil {
			return nil, &PrepareError{Component: comp.ComponentID(), TxnID: txn.id, Err: err}
		}
		if payload != nil {
			entries = append(entries, journal.Entry{ComponentID: comp.ComponentID(), Payload: payload})
		}
	}
	return entries, nil
}

// --- Abort / End ---

// Abort discards txn. Only an active transaction can be aborted.
func (c *Coordinator) Abort(txn *Transaction) error {
	if err := c.checkTxn(txn); err != nil {
		return err
	}
	txn.mu.Lock()
	if txn.state != StateActive {
		state := txn.state
		txn.mu.Unlock()
		return errors.Wrapf(ErrTransactionState, "abort: txn %d is %s", txn.id, state)
	}
	txn.state = StateAborting
	txn.mu.Unlock()

	if txn.IsWrite() {
		c.abortAll(txn)
	} else {
		c.completeRead(txn, StateAborted)
	}
	return nil
}

// End releases txn. It may be called any number of times. Ending an active
// write transaction aborts it.
func (c *Coordinator) End(txn *Transaction) error {
	if txn == nil || txn.coord != c {
		return ErrForeignTransaction
	}
	txn.mu.Lock()
	state := txn.state
	switch state {
	case StateEnded:
		txn.mu.Unlock()
		return nil
	case StatePreparing, StateAborting:
		txn.mu.Unlock()
		return errors.Wrapf(ErrTransactionState, "end: txn %d is %s", txn.id, state)
	case StateActive:
		if c.shutdown.Load() {
			txn.state = StateEnded
			txn.mu.Unlock()
			return nil
		}
		if txn.IsWrite() {
			txn.state = StateAborting
			txn.mu.Unlock()
			c.logger.Warn("End called on an active write transaction, aborting", zap.Uint64("txn_id", txn.id))
			c.abortAll(txn)
		} else {
			txn.mu.Unlock()
			c.completeRead(txn, StateEnded)
		}
	default:
		txn.mu.Unlock()
	}
	txn.setState(StateEnded)
	c.notify(EventEnd, txn)
	return nil
}

// abortAll runs abort then complete on every component.
func (c *Coordinator) abortAll(txn *Transaction) {
	txn.setState(StateAborting)
	for _, comp := range c.components {
		comp.Abort(txn)
	}
	for _, comp := range c.components {
		comp.Complete(txn)
	}
	txn.setState(StateAborted)
	c.finish(txn)
	c.cfg.Metrics.AbortCounter.Add(bg, 1)
	c.notify(EventAbort, txn)
	c.logger.Debug("Transaction aborted", zap.Uint64("txn_id", txn.id))
}

func (c *Coordinator) completeRead(txn *Transaction, final TransactionState) {
	for _, comp := range c.components {
		comp.Complete(txn)
	}
	txn.setState(final)
	c.finish(txn)
}

// finish releases what begin acquired.
func (c *Coordinator) finish(txn *Transaction) {
	if txn.IsWrite() {
		c.activeWriters.Add(-1)
	} else {
		c.activeReaders.Add(-1)
	}
	c.countFinished.Add(1)
	c.cfg.Metrics.ActiveTxnsUpDownCounter.Add(bg, -1)
	c.release(txn.mode)
}

func (c *Coordinator) release(mode Mode) {
	if mode == ReadWrite {
		c.writers.Release(1)
	}
	c.exclusive.RUnlock()
}

func (t *Transaction) setState(s TransactionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// --- Checks ---

func (c *Coordinator) checkOpen(mode Mode) error {
	if c.shutdown.Load() {
		return ErrShutdown
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	if mode == ReadWrite {
		if err := c.Failure(); err != nil {
			return errors.Wrap(ErrCoordinatorFailed, err.Error())
		}
	}
	return nil
}

func (c *Coordinator) checkTxn(txn *Transaction) error {
	if txn == nil || txn.coord != c {
		return ErrForeignTransaction
	}
	if c.shutdown.Load() {
		return ErrShutdown
	}
	return nil
}

func (c *Coordinator) fail(err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if c.failure == nil {
		c.failure = err
		c.logger.Error("Coordinator marked failed; no further write transactions will be accepted", zap.Error(err))
	}
}

// Failure returns the fatal commit failure, if any.
func (c *Coordinator) Failure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failure
}

func (c *Coordinator) notify(event Event, txn *Transaction) {
	for _, l := range c.listeners {
		l.Notify(event, txn)
	}
}

// --- Checkpoint / Shutdown ---

// Checkpoint empties the journal once every record is known to be applied.
// Writers are held off while it runs.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	if err := c.checkOpen(ReadWrite); err != nil {
		return err
	}
	return c.ExecAsWriter(ctx, func() error {
		// Reset the mark first: a crash between the two steps must replay
		// records rather than skip new ones.
		if err := c.applied.set(0); err != nil {
			return err
		}
		if c.cfg.Mirror != nil {
			if err := c.cfg.Mirror.Reset(ctx); err != nil {
				c.logger.Warn("Failed to queue mirror reset", zap.Error(err))
			}
		}
		if err := c.cfg.Journal.Truncate(); err != nil {
			return err
		}
		c.logger.Info("Checkpoint complete", zap.Uint64("data_version", c.dataVersion.Load()))
		return nil
	})
}

// Shutdown shuts down every component, closes the journal and runs the
// shutdown hooks. Later calls are no-ops; every other operation fails with
// ErrShutdown.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if n := c.CountActive(); n > 0 {
		c.logger.Warn("Shutting down with active transactions",
			zap.Int64("readers", c.activeReaders.Load()), zap.Int64("writers", c.activeWriters.Load()))
	}
	for _, comp := range c.components {
		comp.Shutdown()
	}

	var err error
	if c.cfg.Mirror != nil {
		err = multierr.Append(err, c.cfg.Mirror.Close(bg))
	}
	err = multierr.Append(err, c.cfg.Journal.Close())
	for _, h := range c.hooks {
		err = multierr.Append(err, h())
	}
	c.logger.Info("Coordinator shut down", zap.Int64("transactions", c.countBegin.Load()), zap.Uint64("data_version", c.dataVersion.Load()))
	return err
}

func (c *Coordinator) IsShutdown() bool { return c.shutdown.Load() }

// DataVersion counts write transactions committed since Start.
func (c *Coordinator) DataVersion() uint64 { return c.dataVersion.Load() }

func (c *Coordinator) Journal() *journal.Journal { return c.cfg.Journal }
