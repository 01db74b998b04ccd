package transaction

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/write_engine/journal"
)

// Start replays the journal into the components and opens the coordinator
// for transactions. A component failing to recover a record it owns stops
// startup with ErrRecoveryFailed; records for unknown components are logged
// and skipped.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown.Load() {
		return ErrShutdown
	}
	if c.started.Load() {
		return errors.Wrap(ErrConfigLocked, "coordinator already started")
	}
	if err := c.recover(); err != nil {
		c.logger.Error("Journal recovery failed", zap.Error(err))
		return err
	}
	c.started.Store(true)
	return nil
}

func (c *Coordinator) recover() error {
	start := time.Now()
	c.logger.Info("Starting journal recovery", zap.Int("components", len(c.components)))

	for _, comp := range c.components {
		if err := comp.StartRecovery(); err != nil {
			return errors.Wrapf(ErrRecoveryFailed, "start recovery in %s: %v", comp.ComponentID(), err)
		}
	}

	applied, err := c.applied.get()
	if err != nil {
		return errors.Wrapf(ErrRecoveryFailed, "%v", err)
	}

	var last uint64
	var replayed, skipped, unknown int
	err = c.cfg.Journal.Scan(func(rec journal.Record) error {
		last = rec.Sequence
		if rec.Sequence <= applied {
			skipped++
			return nil
		}
		for _, e := range rec.Entries {
			comp, ok := c.byKey[e.ComponentID.Key()]
			if !ok {
				unknown++
				c.logger.Warn("Journal entry for unknown component, skipping",
					zap.Uint64("sequence", rec.Sequence), zap.Stringer("component", e.ComponentID))
				continue
			}
			if err := comp.Recover(e.Payload); err != nil {
				return errors.Wrapf(ErrRecoveryFailed, "record %d: %s: %v", rec.Sequence, comp.ComponentID(), err)
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRecoveryFailed) {
			return err
		}
		return errors.Wrapf(ErrRecoveryFailed, "reading journal: %v", err)
	}

	for _, comp := range c.components {
		if err := comp.FinishRecovery(); err != nil {
			return errors.Wrapf(ErrRecoveryFailed, "finish recovery in %s: %v", comp.ComponentID(), err)
		}
	}

	// Everything in the journal is now applied. This also repairs a mark that
	// is ahead of the journal, e.g. after the file was replaced.
	if last != applied {
		if err := c.applied.set(last); err != nil {
			return errors.Wrapf(ErrRecoveryFailed, "%v", err)
		}
	}

	c.logger.Info("Journal recovery complete",
		zap.Int("replayed", replayed), zap.Int("skipped", skipped), zap.Int("unknown_entries", unknown),
		zap.Uint64("last_sequence", last), zap.Duration("took", time.Since(start)))
	return nil
}
