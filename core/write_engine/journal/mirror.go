package journal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MirrorConfig controls a Mirror.
type MirrorConfig struct {
	// RateBytesPerSec throttles copying; zero disables throttling.
	RateBytesPerSec int64
	// Burst is the largest chunk handed to the limiter at once.
	Burst      int
	MaxPending int
	Logger     *zap.Logger
}

func (c *MirrorConfig) setDefaults() {
	if c.Burst <= 0 {
		c.Burst = 64 * 1024
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Mirror copies committed records into a secondary journal. Copies run on a
// single background worker so the target sees records in commit order. A
// failed copy is logged and counted; it never fails the commit that produced
// the record.
type Mirror struct {
	cfg     MirrorConfig
	target  *Journal
	async   *Async
	limiter *rate.Limiter
}

// NewMirror takes ownership of target and closes it on Close.
func NewMirror(target *Journal, cfg MirrorConfig) *Mirror {
	cfg.setDefaults()
	m := &Mirror{
		cfg:    cfg,
		target: target,
		async: NewAsync(AsyncConfig{
			MaxPending: cfg.MaxPending,
			Workers:    1,
			Logger:     cfg.Logger.Named("mirror"),
		}),
	}
	if cfg.RateBytesPerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateBytesPerSec), cfg.Burst)
	}
	return m
}

// Submit queues a copy of rec. It blocks while the queue is full.
func (m *Mirror) Submit(ctx context.Context, rec Record) error {
	entries := rec.Entries
	size := int(rec.EncodedSize())
	return m.async.Exec(ctx, func() error {
		if err := m.throttle(size); err != nil {
			return err
		}
		if _, err := m.target.Append(entries); err != nil {
			return errors.Wrapf(err, "mirror record %d", rec.Sequence)
		}
		return nil
	})
}

// throttle waits for size bytes worth of tokens in burst-sized chunks.
func (m *Mirror) throttle(size int) error {
	if m.limiter == nil {
		return nil
	}
	for size > 0 {
		n := min(size, m.cfg.Burst)
		if err := m.limiter.WaitN(context.Background(), n); err != nil {
			return errors.Wrap(err, "mirror rate limiter")
		}
		size -= n
	}
	return nil
}

// Reset queues a truncation of the target behind any pending copies.
func (m *Mirror) Reset(ctx context.Context) error {
	return m.async.Exec(ctx, m.target.Truncate)
}

// Drain waits for every queued copy to land.
func (m *Mirror) Drain(ctx context.Context) error {
	return m.async.CompleteAsyncOperations(ctx)
}

// Failures counts copies that did not reach the target.
func (m *Mirror) Failures() int64 { return m.async.Failed() }

func (m *Mirror) Target() *Journal { return m.target }

// Close drains pending copies and closes the target journal.
func (m *Mirror) Close(ctx context.Context) error {
	drainErr := m.async.Close(ctx)
	if err := m.target.Close(); err != nil {
		return err
	}
	return drainErr
}
