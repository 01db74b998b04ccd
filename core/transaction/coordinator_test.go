package transaction

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/write_engine/journal"
)

var ctx = context.Background()

func threeMocks(log *callLog) (*mockComponent, *mockComponent, *mockComponent) {
	a := newMock("A", 0x01, log)
	a.payload = []byte("a")
	b := newMock("B", 0x02, log)
	b.payload = []byte("b")
	c := newMock("C", 0x03, log)
	c.payload = []byte("c")
	return a, b, c
}

func TestCommit_JournalsPayloadsInRegistrationOrder(t *testing.T) {
	log := &callLog{}
	a, b, c := threeMocks(log)
	env := newTestEnv(t, nil, a, b, c)

	var journaledBeforeCommit atomic.Int32
	for _, m := range []*mockComponent{a, b, c} {
		m.onCommit = func(*Transaction) {
			if env.journal.NextSequence() == 2 {
				journaledBeforeCommit.Add(1)
			}
		}
	}

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, env.coord.Commit(ctx, txn))
	assert.Equal(t, StateCommitted, txn.State())

	recs := env.records()
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Entries, 3)
	for i, m := range []*mockComponent{a, b, c} {
		assert.True(t, recs[0].Entries[i].ComponentID.Equal(m.id))
		assert.Equal(t, m.payload, recs[0].Entries[i].Payload)
		assert.Equal(t, 1, m.count("commit"))
	}
	assert.Equal(t, int32(3), journaledBeforeCommit.Load(), "every commit call sees the durable record")

	assert.Equal(t, []string{
		"A.begin", "B.begin", "C.begin",
		"A.prepare", "B.prepare", "C.prepare",
		"A.commit", "B.commit", "C.commit",
		"A.commitEnd", "B.commitEnd", "C.commitEnd",
		"A.complete", "B.complete", "C.complete",
	}, log.snapshot()[6:], "protocol calls follow registration order")
}

func TestCommit_PrepareFailureAbortsEveryComponent(t *testing.T) {
	log := &callLog{}
	a, b, c := threeMocks(log)
	boom := errors.New("B cannot prepare")
	b.prepareErr = boom
	env := newTestEnv(t, nil, a, b, c)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	err = env.coord.Commit(ctx, txn)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom, "the component's own error surfaces")
	assert.ErrorIs(t, err, ErrPrepareFailed)
	var perr *PrepareError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Component.Equal(b.id))

	assert.Equal(t, StateAborted, txn.State())
	assert.Empty(t, env.records(), "nothing journaled")

	recovery := []string{"startRecovery", "finishRecovery"}
	assert.Equal(t, append(recovery, "begin", "abort", "complete"), c.Calls())
	assert.Equal(t, append(recovery, "begin", "prepare", "abort", "complete"), a.Calls())
	assert.Equal(t, append(recovery, "begin", "prepare", "abort", "complete"), b.Calls())
	for _, m := range []*mockComponent{a, b, c} {
		assert.Zero(t, m.count("commit"))
	}

	// The writer slot was released.
	txn2, err := env.coord.TryBegin(ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn2.Abort())
}

func TestRecovery_DiscardsTornRecord(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)
	require.NoError(t, env.coord.Shutdown())

	torn := journal.EncodeRecord([]journal.Entry{{ComponentID: a.id, Payload: []byte("twelve bytes")}})
	require.Len(t, torn, 37)
	require.NoError(t, os.WriteFile(env.path, torn[:10], 0644))

	a2 := newMock("A", 0x01, nil)
	env.open(a2)
	assert.Zero(t, a2.count("recover"))
	assert.Equal(t, 1, a2.count("finishRecovery"))

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	recs := env.records()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(0), recs[0].Offset, "new record overwrites the torn bytes")
	assert.Equal(t, "A", string(recs[0].Entries[0].Payload))
}

func TestRecovery_ReplaysRecordsByComponentID(t *testing.T) {
	a, b, c := threeMocks(nil)
	env := newTestEnv(t, nil, a, b, c)

	for i := 0; i < 2; i++ {
		txn, err := env.coord.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
	}

	// Register in a different order: routing is by id, not position.
	a2, b2, c2 := threeMocks(nil)
	env.restart(c2, a2, b2)

	for _, pair := range []struct {
		m    *mockComponent
		want string
	}{{a2, "a"}, {b2, "b"}, {c2, "c"}} {
		got := pair.m.Recovered()
		require.Len(t, got, 2)
		assert.Equal(t, pair.want, string(got[0]))
		calls := pair.m.Calls()
		assert.Equal(t, "startRecovery", calls[0])
		assert.Equal(t, "finishRecovery", calls[len(calls)-1])
	}
}

func TestRecovery_UnknownComponentIsSkipped(t *testing.T) {
	a, b, _ := threeMocks(nil)
	env := newTestEnv(t, nil, a, b)
	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	a2 := newMock("A", 0x01, nil)
	env.restart(a2)
	assert.Len(t, a2.Recovered(), 1)
}

func TestRecovery_ComponentErrorIsFatal(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)
	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, env.coord.Shutdown())

	a2 := newMock("A", 0x01, nil)
	a2.recoverErr = errors.New("disk on fire")
	c, err := env.openUnstarted(a2)
	require.NoError(t, err)

	err = c.Start()
	assert.ErrorIs(t, err, ErrRecoveryFailed)
	assert.Zero(t, a2.count("finishRecovery"))

	_, err = c.Begin(ctx, ReadOnly)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRecovery_IsIdempotentAcrossRestarts(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)
	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	// Without an applied mark each restart re-delivers the same record.
	for i := 0; i < 2; i++ {
		m := newMock("A", 0x01, nil)
		env.restart(m)
		require.Len(t, m.Recovered(), 1)
		assert.Equal(t, "A", string(m.Recovered()[0]))
	}
}

func TestRecovery_AppliedMarkSkipsAppliedRecords(t *testing.T) {
	store := raft.NewInmemStore()
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, store, a)

	for i := 0; i < 3; i++ {
		txn, err := env.coord.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
	}
	applied, err := store.GetUint64(appliedKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)

	a2 := newMock("A", 0x01, nil)
	env.restart(a2)
	assert.Empty(t, a2.Recovered())

	// Pretend the last commit never reached the components.
	require.NoError(t, store.SetUint64(appliedKey, 2))
	a3 := newMock("A", 0x01, nil)
	env.restart(a3)
	assert.Len(t, a3.Recovered(), 1)

	applied, err = store.GetUint64(appliedKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)
}

func TestCommit_ComponentFailureAfterJournalIsFatal(t *testing.T) {
	store := raft.NewInmemStore()
	a, b, c := threeMocks(nil)
	b.commitErr = errors.New("B lost its disk")
	env := newTestEnv(t, store, a, b, c)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	err = txn.Commit(ctx)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, StateCommitted, txn.State(), "the record is durable, so the transaction happened")
	assert.Equal(t, 1, c.count("commit"), "later components still commit")
	assert.Equal(t, 1, a.count("complete"))
	require.Len(t, env.records(), 1)

	_, err = env.coord.Begin(ctx, ReadWrite)
	assert.ErrorIs(t, err, ErrCoordinatorFailed)
	assert.ErrorIs(t, env.coord.Checkpoint(ctx), ErrCoordinatorFailed)
	rd, err := env.coord.Begin(ctx, ReadOnly)
	require.NoError(t, err, "readers are still served")
	require.NoError(t, rd.End())

	// Restart replays the record into the lagging component.
	b2 := newMock("B", 0x02, nil)
	env.restart(newMock("A", 0x01, nil), b2, newMock("C", 0x03, nil))
	require.Len(t, b2.Recovered(), 1)
	assert.Equal(t, "b", string(b2.Recovered()[0]))
}

func TestCommit_NilPayloadsSkipJournal(t *testing.T) {
	a := newMock("A", 0x01, nil)
	a.payload = nil
	b := newMock("B", 0x02, nil)
	env := newTestEnv(t, nil, a, b)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	recs := env.records()
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Entries, 1)
	assert.True(t, recs[0].Entries[0].ComponentID.Equal(b.id))

	b.payload = nil
	txn, err = env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	assert.Len(t, env.records(), 1, "no record for a transaction with nothing to journal")
	assert.Equal(t, 2, a.count("commit"))
	assert.Equal(t, uint64(2), env.coord.DataVersion())
}

func TestReadTransaction_CommitIsEnd(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)

	txn, err := env.coord.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, txn.End())

	assert.Equal(t, []string{"startRecovery", "finishRecovery", "begin", "complete"}, a.Calls())
	assert.Empty(t, env.records())
	assert.Equal(t, StateEnded, txn.State())
}

func TestEnd_IsIdempotent(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.End(), "ending an active write aborts it")
	assert.Equal(t, StateEnded, txn.State())
	require.NoError(t, txn.End())
	require.NoError(t, txn.End())
	assert.Equal(t, 1, a.count("abort"))
	assert.Equal(t, 1, a.count("complete"))
	assert.Zero(t, a.count("prepare"))

	txn, err = env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err, "writer slot released by End")
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, txn.End())
	require.NoError(t, txn.End())
	assert.Equal(t, int64(0), env.coord.CountActive())
}

func TestUsageErrors(t *testing.T) {
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, nil, a)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	assert.ErrorIs(t, txn.Commit(ctx), ErrTransactionState)
	assert.ErrorIs(t, txn.Abort(), ErrTransactionState)

	assert.ErrorIs(t, env.coord.Add(newMock("B", 0x02, nil)), ErrConfigLocked)
	assert.ErrorIs(t, env.coord.AddListener(ListenerFunc(func(Event, *Transaction) {})), ErrConfigLocked)
	assert.ErrorIs(t, env.coord.Start(), ErrConfigLocked)
	assert.ErrorIs(t, env.coord.Commit(ctx, nil), ErrForeignTransaction)

	other := newTestEnv(t, nil)
	foreign, err := other.coord.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	assert.ErrorIs(t, env.coord.Commit(ctx, foreign), ErrForeignTransaction)
	require.NoError(t, foreign.End())

	require.NoError(t, env.coord.Shutdown())
	require.NoError(t, env.coord.Shutdown())
	_, err = env.coord.Begin(ctx, ReadOnly)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, "shutdown", a.Calls()[len(a.Calls())-1])
}

func TestAdd_RejectsDuplicateIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	c, err := env.openUnstarted(newMock("A", 0x01, nil))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Add(newMock("A-again", 0x01, nil)), ErrDuplicateComponent)
}

func TestBegin_SingleWriter(t *testing.T) {
	env := newTestEnv(t, nil, newMock("A", 0x01, nil))

	w1, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)

	_, err = env.coord.TryBegin(ReadWrite)
	assert.ErrorIs(t, err, ErrWouldBlock)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = env.coord.Begin(short, ReadWrite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r, err := env.coord.TryBegin(ReadOnly)
	require.NoError(t, err, "readers never wait for the writer")
	assert.Equal(t, int64(1), env.coord.CountActiveReaders())
	assert.Equal(t, int64(1), env.coord.CountActiveWriters())

	started := make(chan *Transaction)
	go func() {
		w2, err := env.coord.Begin(ctx, ReadWrite)
		if err == nil {
			started <- w2
		}
		close(started)
	}()
	select {
	case <-started:
		t.Fatal("second writer began while the first was active")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, w1.Commit(ctx))
	w2, ok := <-started
	require.True(t, ok)
	assert.Equal(t, uint64(1), w2.DataVersion(), "second writer sees the first commit")
	require.NoError(t, w2.Abort())
	require.NoError(t, r.End())

	assert.Equal(t, int64(3), env.coord.CountBegin())
	assert.Equal(t, int64(2), env.coord.CountBeginWrite())
	assert.Equal(t, int64(1), env.coord.CountBeginRead())
	assert.Equal(t, int64(3), env.coord.CountFinished())
}

func TestPreparingIntervalsNeverOverlap(t *testing.T) {
	a := newMock("A", 0x01, nil)
	var inPrepare, overlaps atomic.Int32
	a.onPrepare = func(*Transaction) {
		if inPrepare.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		inPrepare.Add(-1)
	}
	env := newTestEnv(t, nil, a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				txn, err := env.coord.Begin(ctx, ReadWrite)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, txn.Commit(ctx))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load())
	assert.Len(t, env.records(), 40)
	assert.Equal(t, uint64(40), env.coord.DataVersion())
}

func TestListenersAndShutdownHooks(t *testing.T) {
	env := newTestEnv(t, nil)
	c, err := env.openUnstarted(newMock("A", 0x01, nil))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	require.NoError(t, c.AddListener(ListenerFunc(func(e Event, txn *Transaction) {
		mu.Lock()
		events = append(events, txn.Mode().String()+":"+e.String())
		mu.Unlock()
	})))
	var hooks int
	require.NoError(t, c.AddShutdownHook(func() error { hooks++; return nil }))
	require.NoError(t, c.Start())

	w, err := c.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.End())
	w, err = c.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	r, err := c.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	require.NoError(t, r.End())

	assert.Equal(t, []string{
		"WRITE:begin", "WRITE:prepare", "WRITE:commit", "WRITE:end",
		"WRITE:begin", "WRITE:abort",
		"READ:begin", "READ:end",
	}, events)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, hooks)
}

func TestExclusiveMode(t *testing.T) {
	env := newTestEnv(t, nil, newMock("A", 0x01, nil))

	r, err := env.coord.Begin(ctx, ReadOnly)
	require.NoError(t, err)
	assert.False(t, env.coord.TryExclusiveMode(), "a live transaction prevents exclusive mode")
	require.NoError(t, r.End())

	require.True(t, env.coord.TryExclusiveMode())
	_, err = env.coord.TryBegin(ReadOnly)
	assert.ErrorIs(t, err, ErrWouldBlock)

	began := make(chan struct{})
	go func() {
		txn, err := env.coord.Begin(ctx, ReadOnly)
		if err == nil {
			txn.End()
		}
		close(began)
	}()
	select {
	case <-began:
		t.Fatal("transaction began during exclusive mode")
	case <-time.After(30 * time.Millisecond):
	}
	env.coord.FinishExclusiveMode()
	<-began

	ran := false
	require.NoError(t, env.coord.ExecExclusive(func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestBlockWriters(t *testing.T) {
	env := newTestEnv(t, nil, newMock("A", 0x01, nil))

	require.True(t, env.coord.TryBlockWriters())
	_, err := env.coord.TryBegin(ReadWrite)
	assert.ErrorIs(t, err, ErrWouldBlock)
	r, err := env.coord.TryBegin(ReadOnly)
	require.NoError(t, err)
	require.NoError(t, r.End())

	require.NoError(t, env.coord.EnableWriters())
	assert.ErrorIs(t, env.coord.EnableWriters(), ErrWritersNotBlocked)

	w, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	assert.False(t, env.coord.TryBlockWriters(), "an active writer holds the slot")
	require.NoError(t, w.Commit(ctx))

	var inside bool
	require.NoError(t, env.coord.ExecAsWriter(ctx, func() error {
		_, err := env.coord.TryBegin(ReadWrite)
		inside = errors.Is(err, ErrWouldBlock)
		return nil
	}))
	assert.True(t, inside)
}

func TestCheckpoint_TruncatesJournal(t *testing.T) {
	store := raft.NewInmemStore()
	a := newMock("A", 0x01, nil)
	env := newTestEnv(t, store, a)

	for i := 0; i < 3; i++ {
		txn, err := env.coord.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
	}
	require.NoError(t, env.coord.Checkpoint(ctx))
	assert.Empty(t, env.records())
	applied, err := store.GetUint64(appliedKey)
	require.NoError(t, err)
	assert.Zero(t, applied)

	txn, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	recs := env.records()
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Sequence)

	a2 := newMock("A", 0x01, nil)
	env.restart(a2)
	assert.Empty(t, a2.Recovered(), "the post-checkpoint record is marked applied")
}

func TestCommit_MirrorsRecords(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir+"/journal.jnl", nil)
	require.NoError(t, err)
	target, err := journal.Open(dir+"/mirror.jnl", nil)
	require.NoError(t, err)
	mirror := journal.NewMirror(target, journal.MirrorConfig{})

	c, err := NewCoordinator(Config{Journal: j, Mirror: mirror})
	require.NoError(t, err)
	require.NoError(t, c.Add(newMock("A", 0x01, nil)))
	require.NoError(t, c.Start())

	for i := 0; i < 3; i++ {
		txn, err := c.Begin(ctx, ReadWrite)
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
	}
	require.NoError(t, mirror.Drain(ctx))
	assert.Equal(t, j.Size(), target.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.DataVersion)
	assert.Equal(t, uint64(4), stats.NextSequence)
	require.NoError(t, c.Shutdown())
}

func TestBegin_WaitsOutConcurrentComponentCommits(t *testing.T) {
	a, gate, b := threeMocks(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	gate.onBegin = func(txn *Transaction) {
		if !txn.IsWrite() {
			close(entered)
			<-release
		}
	}
	env := newTestEnv(t, nil, a, gate, b)

	w, err := env.coord.Begin(ctx, ReadWrite)
	require.NoError(t, err)

	readers := make(chan *Transaction, 1)
	go func() {
		r, err := env.coord.Begin(ctx, ReadOnly)
		assert.NoError(t, err)
		readers <- r
	}()
	<-entered

	committed := make(chan error, 1)
	go func() { committed <- env.coord.Commit(ctx, w) }()

	select {
	case err := <-committed:
		t.Fatalf("commit finished while a reader was still beginning: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, a.count("commit"), "no component commits while a reader is beginning")
	assert.Zero(t, b.count("commit"))

	close(release)
	r := <-readers
	require.NotNil(t, r)
	require.NoError(t, <-committed)

	assert.Equal(t, uint64(0), r.DataVersion(), "the reader's snapshot predates the commit")
	assert.Equal(t, uint64(1), env.coord.DataVersion())
	require.NoError(t, r.End())
}

func TestTryBegin_FailsWhileExclusiveModeIsPending(t *testing.T) {
	env := newTestEnv(t, nil, newMock("A", 0x01, nil))

	r, err := env.coord.Begin(ctx, ReadOnly)
	require.NoError(t, err)

	exclusive := make(chan struct{})
	go func() {
		env.coord.StartExclusiveMode()
		close(exclusive)
	}()

	// The goroutine holding r must not Begin again here; TryBegin reports
	// the pending request instead of blocking.
	assert.Eventually(t, func() bool {
		txn, err := env.coord.TryBegin(ReadOnly)
		if err == nil {
			txn.End()
			return false
		}
		return errors.Is(err, ErrWouldBlock)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.End())
	<-exclusive
	env.coord.FinishExclusiveMode()

	txn, err := env.coord.TryBegin(ReadOnly)
	require.NoError(t, err)
	require.NoError(t, txn.End())
}
