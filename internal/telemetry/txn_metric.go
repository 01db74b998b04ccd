package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds all the metric instruments for the transaction coordinator.
type TxnMetrics struct {
	BeginCounter              metric.Int64Counter
	CommitCounter             metric.Int64Counter
	AbortCounter              metric.Int64Counter
	CommitLatencyHistogram    metric.Int64Histogram
	ActiveTxnsUpDownCounter   metric.Int64UpDownCounter
	JournalBytesCounter       metric.Int64Counter
	ComponentCallCounter      metric.Int64Counter
	ComponentLatencyHistogram metric.Int64Histogram
}

// NewTxnMetrics creates and registers all the metrics for the coordinator.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	beginCounter, err := meter.Int64Counter(
		"gojotxn.txn.begin_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitCounter, err := meter.Int64Counter(
		"gojotxn.txn.commit_total",
		metric.WithDescription("Total number of write transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	abortCounter, err := meter.Int64Counter(
		"gojotxn.txn.abort_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatencyHistogram, err := meter.Int64Histogram(
		"gojotxn.txn.commit.duration",
		metric.WithDescription("The latency of the commit protocol, prepare to complete."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxnsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotxn.txn.active",
		metric.WithDescription("Number of active transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	journalBytesCounter, err := meter.Int64Counter(
		"gojotxn.journal.bytes_total",
		metric.WithDescription("Bytes appended to the journal."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	componentCallCounter, err := meter.Int64Counter(
		"gojotxn.component.calls_total",
		metric.WithDescription("Calls into transactional components, by phase."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	componentLatencyHistogram, err := meter.Int64Histogram(
		"gojotxn.component.duration",
		metric.WithDescription("The latency of component calls, by phase."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		BeginCounter:              beginCounter,
		CommitCounter:             commitCounter,
		AbortCounter:              abortCounter,
		CommitLatencyHistogram:    commitLatencyHistogram,
		ActiveTxnsUpDownCounter:   activeTxnsUpDownCounter,
		JournalBytesCounter:       journalBytesCounter,
		ComponentCallCounter:      componentCallCounter,
		ComponentLatencyHistogram: componentLatencyHistogram,
	}, nil
}

// NoopTxnMetrics returns instruments that record nothing.
func NoopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
