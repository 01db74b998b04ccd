package transaction

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/cid"
	"github.com/sushant-115/gojotxn/core/write_engine/journal"
)

// --- Test Helpers ---

// callLog records calls from every mock in one sequence, so tests can check
// cross-component ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// mockComponent is a TransactionalComponent that records every call.
type mockComponent struct {
	id  cid.ComponentID
	log *callLog

	payload    []byte
	prepareErr error
	commitErr  error
	recoverErr error
	onBegin    func(txn *Transaction)
	onPrepare  func(txn *Transaction)
	onCommit   func(txn *Transaction)

	mu        sync.Mutex
	calls     []string
	recovered [][]byte
}

func newMock(label string, b byte, log *callLog) *mockComponent {
	return &mockComponent{id: cid.MustNew(label, []byte{b}), log: log, payload: []byte(label)}
}

func (m *mockComponent) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	if m.log != nil {
		m.log.add(m.id.Label() + "." + call)
	}
}

func (m *mockComponent) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockComponent) Recovered() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.recovered...)
}

func (m *mockComponent) count(call string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockComponent) ComponentID() cid.ComponentID { return m.id }

func (m *mockComponent) StartRecovery() error {
	m.record("startRecovery")
	return nil
}

func (m *mockComponent) Recover(payload []byte) error {
	m.record("recover")
	if m.recoverErr != nil {
		return m.recoverErr
	}
	m.mu.Lock()
	m.recovered = append(m.recovered, append([]byte(nil), payload...))
	m.mu.Unlock()
	return nil
}

func (m *mockComponent) FinishRecovery() error {
	m.record("finishRecovery")
	return nil
}

func (m *mockComponent) Begin(txn *Transaction) {
	m.record("begin")
	if m.onBegin != nil {
		m.onBegin(txn)
	}
}

func (m *mockComponent) CommitPrepare(txn *Transaction) ([]byte, error) {
	m.record("prepare")
	if m.onPrepare != nil {
		m.onPrepare(txn)
	}
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return m.payload, nil
}

func (m *mockComponent) Commit(txn *Transaction) error {
	m.record("commit")
	if m.onCommit != nil {
		m.onCommit(txn)
	}
	return m.commitErr
}

func (m *mockComponent) CommitEnd(txn *Transaction) { m.record("commitEnd") }

func (m *mockComponent) Abort(txn *Transaction) { m.record("abort") }

func (m *mockComponent) Complete(txn *Transaction) { m.record("complete") }

func (m *mockComponent) Shutdown() { m.record("shutdown") }

func (m *mockComponent) String() string { return fmt.Sprintf("mock(%s)", m.id.Label()) }

// testEnv is a coordinator over a journal in a temp dir.
type testEnv struct {
	t       *testing.T
	dir     string
	path    string
	journal *journal.Journal
	coord   *Coordinator
	applied raft.StableStore
}

func newTestEnv(t *testing.T, applied raft.StableStore, comps ...TransactionalComponent) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{t: t, dir: dir, path: filepath.Join(dir, "journal.jnl"), applied: applied}
	env.open(comps...)
	return env
}

// open builds a coordinator over the env's journal file and starts it.
func (e *testEnv) open(comps ...TransactionalComponent) {
	e.t.Helper()
	c, err := e.openUnstarted(comps...)
	require.NoError(e.t, err)
	require.NoError(e.t, c.Start())
}

func (e *testEnv) openUnstarted(comps ...TransactionalComponent) (*Coordinator, error) {
	e.t.Helper()
	j, err := journal.Open(e.path, zap.NewNop())
	require.NoError(e.t, err)
	c, err := NewCoordinator(Config{Journal: j, AppliedStore: e.applied, Logger: zap.NewNop()})
	require.NoError(e.t, err)
	for _, comp := range comps {
		require.NoError(e.t, c.Add(comp))
	}
	e.journal = j
	e.coord = c
	e.t.Cleanup(func() { c.Shutdown() })
	return c, nil
}

// restart shuts the coordinator down and opens a new one on the same journal.
func (e *testEnv) restart(comps ...TransactionalComponent) {
	e.t.Helper()
	require.NoError(e.t, e.coord.Shutdown())
	e.open(comps...)
}

func (e *testEnv) records() []journal.Record {
	e.t.Helper()
	recs, err := e.journal.Records()
	require.NoError(e.t, err)
	return recs
}
