package transaction

import (
	"context"

	"github.com/pkg/errors"
)

// --- Writer blocking ---

// BlockWriters takes the writer slot so no write transaction can begin.
// Readers are unaffected. Release with EnableWriters.
func (c *Coordinator) BlockWriters(ctx context.Context) error {
	if err := c.writers.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "waiting to block writers")
	}
	c.writersBlocked.Store(true)
	return nil
}

// TryBlockWriters is BlockWriters without waiting.
func (c *Coordinator) TryBlockWriters() bool {
	if !c.writers.TryAcquire(1) {
		return false
	}
	c.writersBlocked.Store(true)
	return true
}

// EnableWriters undoes BlockWriters.
func (c *Coordinator) EnableWriters() error {
	if !c.writersBlocked.CompareAndSwap(true, false) {
		return ErrWritersNotBlocked
	}
	c.writers.Release(1)
	return nil
}

// ExecAsWriter runs fn while holding the writer slot.
func (c *Coordinator) ExecAsWriter(ctx context.Context, fn func() error) error {
	if err := c.BlockWriters(ctx); err != nil {
		return err
	}
	defer c.EnableWriters()
	return fn()
}

// --- Exclusive mode ---

// StartExclusiveMode waits for every transaction to finish and holds off new
// ones until FinishExclusiveMode. Must not be called from a goroutine that
// has a transaction open.
//
// While it waits, Begin blocks in every goroutine, including goroutines that
// already hold a transaction. Such a goroutine deadlocks if it calls Begin
// again before ending its transaction.
func (c *Coordinator) StartExclusiveMode() { c.exclusive.Lock() }

// TryExclusiveMode enters exclusive mode only if no transaction is live.
func (c *Coordinator) TryExclusiveMode() bool { return c.exclusive.TryLock() }

func (c *Coordinator) FinishExclusiveMode() { c.exclusive.Unlock() }

// ExecExclusive runs fn in exclusive mode.
func (c *Coordinator) ExecExclusive(fn func() error) error {
	c.StartExclusiveMode()
	defer c.FinishExclusiveMode()
	return fn()
}

// --- Counters ---

func (c *Coordinator) CountActive() int64 {
	return c.activeReaders.Load() + c.activeWriters.Load()
}

func (c *Coordinator) CountActiveReaders() int64 { return c.activeReaders.Load() }

func (c *Coordinator) CountActiveWriters() int64 { return c.activeWriters.Load() }

func (c *Coordinator) CountBegin() int64 { return c.countBegin.Load() }

func (c *Coordinator) CountBeginRead() int64 { return c.countBeginRead.Load() }

func (c *Coordinator) CountBeginWrite() int64 { return c.countBeginWrite.Load() }

func (c *Coordinator) CountFinished() int64 { return c.countFinished.Load() }

// Stats is a point-in-time copy of the coordinator counters.
type Stats struct {
	Begun         int64
	BegunRead     int64
	BegunWrite    int64
	Finished      int64
	ActiveReaders int64
	ActiveWriters int64
	DataVersion   uint64
	JournalBytes  int64
	NextSequence  uint64
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Begun:         c.countBegin.Load(),
		BegunRead:     c.countBeginRead.Load(),
		BegunWrite:    c.countBeginWrite.Load(),
		Finished:      c.countFinished.Load(),
		ActiveReaders: c.activeReaders.Load(),
		ActiveWriters: c.activeWriters.Load(),
		DataVersion:   c.dataVersion.Load(),
		JournalBytes:  c.cfg.Journal.Size(),
		NextSequence:  c.cfg.Journal.NextSequence(),
	}
}
