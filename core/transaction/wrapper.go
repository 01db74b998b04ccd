package transaction

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/cid"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// Wrapper forwards every TransactionalComponent call to its delegate and
// returns the delegate's results unchanged. Embed it to override only the
// calls a decorator cares about.
type Wrapper[T TransactionalComponent] struct {
	inner T
}

// Wrap returns a pass-through wrapper around inner.
func Wrap[T TransactionalComponent](inner T) *Wrapper[T] {
	return &Wrapper[T]{inner: inner}
}

func (w *Wrapper[T]) Unwrap() T { return w.inner }

func (w *Wrapper[T]) ComponentID() cid.ComponentID { return w.inner.ComponentID() }

func (w *Wrapper[T]) StartRecovery() error { return w.inner.StartRecovery() }

func (w *Wrapper[T]) Recover(payload []byte) error { return w.inner.Recover(payload) }

func (w *Wrapper[T]) FinishRecovery() error { return w.inner.FinishRecovery() }

func (w *Wrapper[T]) Begin(txn *Transaction) { w.inner.Begin(txn) }

func (w *Wrapper[T]) CommitPrepare(txn *Transaction) ([]byte, error) {
	return w.inner.CommitPrepare(txn)
}

func (w *Wrapper[T]) Commit(txn *Transaction) error { return w.inner.Commit(txn) }

func (w *Wrapper[T]) CommitEnd(txn *Transaction) { w.inner.CommitEnd(txn) }

func (w *Wrapper[T]) Abort(txn *Transaction) { w.inner.Abort(txn) }

func (w *Wrapper[T]) Complete(txn *Transaction) { w.inner.Complete(txn) }

func (w *Wrapper[T]) Shutdown() { w.inner.Shutdown() }

func (w *Wrapper[T]) String() string { return "W:" + describe(w.inner) }

func describe(c TransactionalComponent) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return c.ComponentID().String()
}

// --- Logging ---

// LoggingComponent logs every protocol call at debug level and failures at warn.
type LoggingComponent struct {
	*Wrapper[TransactionalComponent]
	logger *zap.Logger
}

func NewLoggingComponent(inner TransactionalComponent, logger *zap.Logger) *LoggingComponent {
	return &LoggingComponent{
		Wrapper: Wrap(inner),
		logger:  logger.With(zap.Stringer("component", inner.ComponentID())),
	}
}

func (l *LoggingComponent) txnLog(msg string, txn *Transaction) {
	l.logger.Debug(msg, zap.Uint64("txn_id", txn.ID()), zap.Stringer("mode", txn.Mode()))
}

func (l *LoggingComponent) StartRecovery() error {
	l.logger.Debug("start recovery")
	return l.warnOnErr("start recovery", l.Wrapper.StartRecovery())
}

func (l *LoggingComponent) Recover(payload []byte) error {
	l.logger.Debug("recover", zap.Int("payload_bytes", len(payload)))
	return l.warnOnErr("recover", l.Wrapper.Recover(payload))
}

func (l *LoggingComponent) FinishRecovery() error {
	l.logger.Debug("finish recovery")
	return l.warnOnErr("finish recovery", l.Wrapper.FinishRecovery())
}

func (l *LoggingComponent) Begin(txn *Transaction) {
	l.txnLog("begin", txn)
	l.Wrapper.Begin(txn)
}

func (l *LoggingComponent) CommitPrepare(txn *Transaction) ([]byte, error) {
	l.txnLog("commit prepare", txn)
	payload, err := l.Wrapper.CommitPrepare(txn)
	return payload, l.warnOnErr("commit prepare", err)
}

func (l *LoggingComponent) Commit(txn *Transaction) error {
	l.txnLog("commit", txn)
	return l.warnOnErr("commit", l.Wrapper.Commit(txn))
}

func (l *LoggingComponent) CommitEnd(txn *Transaction) {
	l.txnLog("commit end", txn)
	l.Wrapper.CommitEnd(txn)
}

func (l *LoggingComponent) Abort(txn *Transaction) {
	l.txnLog("abort", txn)
	l.Wrapper.Abort(txn)
}

func (l *LoggingComponent) Complete(txn *Transaction) {
	l.txnLog("complete", txn)
	l.Wrapper.Complete(txn)
}

func (l *LoggingComponent) Shutdown() {
	l.logger.Debug("shutdown")
	l.Wrapper.Shutdown()
}

func (l *LoggingComponent) warnOnErr(step string, err error) error {
	if err != nil {
		l.logger.Warn("Component call failed", zap.String("step", step), zap.Error(err))
	}
	return err
}

// --- Metrics ---

// InstrumentedComponent counts calls and records their latency per phase.
type InstrumentedComponent struct {
	*Wrapper[TransactionalComponent]
	metrics *internaltelemetry.TxnMetrics
	attr    attribute.KeyValue
}

func NewInstrumentedComponent(inner TransactionalComponent, metrics *internaltelemetry.TxnMetrics) *InstrumentedComponent {
	return &InstrumentedComponent{
		Wrapper: Wrap(inner),
		metrics: metrics,
		attr:    attribute.String("component", inner.ComponentID().String()),
	}
}

func (m *InstrumentedComponent) observe(phase string, start time.Time) {
	opt := metric.WithAttributes(m.attr, attribute.String("phase", phase))
	m.metrics.ComponentCallCounter.Add(bg, 1, opt)
	m.metrics.ComponentLatencyHistogram.Record(bg, time.Since(start).Microseconds(), opt)
}

func (m *InstrumentedComponent) Recover(payload []byte) error {
	defer m.observe("recover", time.Now())
	return m.Wrapper.Recover(payload)
}

func (m *InstrumentedComponent) Begin(txn *Transaction) {
	defer m.observe("begin", time.Now())
	m.Wrapper.Begin(txn)
}

func (m *InstrumentedComponent) CommitPrepare(txn *Transaction) ([]byte, error) {
	defer m.observe("prepare", time.Now())
	return m.Wrapper.CommitPrepare(txn)
}

func (m *InstrumentedComponent) Commit(txn *Transaction) error {
	defer m.observe("commit", time.Now())
	return m.Wrapper.Commit(txn)
}

func (m *InstrumentedComponent) Abort(txn *Transaction) {
	defer m.observe("abort", time.Now())
	m.Wrapper.Abort(txn)
}

func (m *InstrumentedComponent) Complete(txn *Transaction) {
	defer m.observe("complete", time.Now())
	m.Wrapper.Complete(txn)
}
