// Package versioned provides a transactional key/value component: readers
// see the committed state as of their Begin, one writer builds the next state
// privately, and commits are made durable in a bolt bucket.
//
// Committed state is kept in memory as an immutable radix tree, so a reader's
// snapshot is just a pointer to the tree that was current when it began.
package versioned

import (
	"sync"

	"github.com/boltdb/bolt"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/cid"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	ErrNotFound         = errors.New("versioned: key not found")
	ErrEmptyKey         = errors.New("versioned: empty key")
	ErrNotInTransaction = errors.New("versioned: transaction not begun on this store")
	// ErrTooLarge is returned for a key or value bolt cannot store. Such
	// writes fail in Put, before anything reaches the journal.
	ErrTooLarge = errors.New("versioned: key or value too large")
)

// Store is a TransactionalComponent over one bolt bucket.
type Store struct {
	id     cid.ComponentID
	name   string
	bucket []byte
	db     *bolt.DB
	logger *zap.Logger

	mu        sync.RWMutex
	committed *iradix.Tree
	writer    *writeState
	readers   map[uint64]*iradix.Tree
}

type writeState struct {
	txnID uint64
	tree  *iradix.Tree
	ops   []op
}

// New opens the store named name in db, creating its bucket if needed. The
// component id is derived from the name, so the name must not change.
func New(db *bolt.DB, name string, log *zap.Logger) (*Store, error) {
	s := &Store{
		id:      cid.FromName("versioned:" + name),
		name:    name,
		bucket:  []byte(name),
		db:      db,
		logger:  logger.Named(log, "versioned", zap.String("store", name)),
		readers: make(map[uint64]*iradix.Tree),
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bucket %q", name)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) String() string { return "versioned(" + s.name + ")" }

// --- Data access ---

// Get returns the value of key as seen by txn.
func (s *Store) Get(txn *transaction.Transaction, key []byte) ([]byte, error) {
	tree, err := s.view(txn)
	if err != nil {
		return nil, err
	}
	v, ok := tree.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v.([]byte)...), nil
}

func (s *Store) Has(txn *transaction.Transaction, key []byte) (bool, error) {
	tree, err := s.view(txn)
	if err != nil {
		return false, err
	}
	_, ok := tree.Get(key)
	return ok, nil
}

// Put sets key in txn's private state.
func (s *Store) Put(txn *transaction.Transaction, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > bolt.MaxKeySize {
		return errors.Wrapf(ErrTooLarge, "%s: key is %d bytes, limit %d", s.name, len(key), bolt.MaxKeySize)
	}
	if len(value) > bolt.MaxValueSize {
		return errors.Wrapf(ErrTooLarge, "%s: value is %d bytes, limit %d", s.name, len(value), bolt.MaxValueSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, err := s.writerFor(txn)
	if err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	v := append([]byte{}, value...)
	ws.tree, _, _ = ws.tree.Insert(k, v)
	ws.ops = append(ws.ops, op{kind: opPut, key: k, value: v})
	return nil
}

// Delete removes key from txn's private state. Deleting a missing key is a no-op.
func (s *Store) Delete(txn *transaction.Transaction, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, err := s.writerFor(txn)
	if err != nil {
		return err
	}
	tree, _, existed := ws.tree.Delete(key)
	if !existed {
		return nil
	}
	ws.tree = tree
	ws.ops = append(ws.ops, op{kind: opDelete, key: append([]byte(nil), key...)})
	return nil
}

// Scan calls fn for each key with the given prefix, in key order, until fn
// returns false.
func (s *Store) Scan(txn *transaction.Transaction, prefix []byte, fn func(key, value []byte) bool) error {
	tree, err := s.view(txn)
	if err != nil {
		return err
	}
	tree.Root().WalkPrefix(prefix, func(k []byte, v interface{}) bool {
		return !fn(k, v.([]byte))
	})
	return nil
}

// Len is the number of keys visible to txn.
func (s *Store) Len(txn *transaction.Transaction) (int, error) {
	tree, err := s.view(txn)
	if err != nil {
		return 0, err
	}
	return tree.Len(), nil
}

func (s *Store) view(txn *transaction.Transaction) (*iradix.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer != nil && s.writer.txnID == txn.ID() {
		return s.writer.tree, nil
	}
	if tree, ok := s.readers[txn.ID()]; ok {
		return tree, nil
	}
	return nil, errors.Wrapf(ErrNotInTransaction, "%s: txn %d", s.name, txn.ID())
}

// writerFor must be called with s.mu held.
func (s *Store) writerFor(txn *transaction.Transaction) (*writeState, error) {
	if !txn.IsWrite() {
		return nil, errors.Wrapf(transaction.ErrReadOnly, "%s: txn %d", s.name, txn.ID())
	}
	if s.writer == nil || s.writer.txnID != txn.ID() {
		return nil, errors.Wrapf(ErrNotInTransaction, "%s: txn %d", s.name, txn.ID())
	}
	return s.writer, nil
}

// --- TransactionalComponent ---

func (s *Store) ComponentID() cid.ComponentID { return s.id }

func (s *Store) Begin(txn *transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !txn.IsWrite() {
		s.readers[txn.ID()] = s.committed
		return
	}
	if s.writer != nil {
		s.logger.Warn("Replacing stale writer state", zap.Uint64("stale_txn_id", s.writer.txnID), zap.Uint64("txn_id", txn.ID()))
	}
	s.writer = &writeState{txnID: txn.ID(), tree: s.committed}
}

func (s *Store) CommitPrepare(txn *transaction.Transaction) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := s.writer
	if ws == nil || ws.txnID != txn.ID() || len(ws.ops) == 0 {
		return nil, nil
	}
	return encodeOps(ws.ops), nil
}

func (s *Store) Commit(txn *transaction.Transaction) error {
	s.mu.RLock()
	ws := s.writer
	s.mu.RUnlock()
	if ws == nil || ws.txnID != txn.ID() || len(ws.ops) == 0 {
		return nil
	}
	if err := s.apply(ws.ops); err != nil {
		return err
	}
	s.mu.Lock()
	s.committed = ws.tree
	s.mu.Unlock()
	return nil
}

func (s *Store) CommitEnd(txn *transaction.Transaction) {}

func (s *Store) Abort(txn *transaction.Transaction) { s.drop(txn) }

func (s *Store) Complete(txn *transaction.Transaction) { s.drop(txn) }

func (s *Store) drop(txn *transaction.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil && s.writer.txnID == txn.ID() {
		s.writer = nil
	}
	delete(s.readers, txn.ID())
}

func (s *Store) StartRecovery() error {
	s.logger.Debug("Recovery started")
	return nil
}

// Recover re-applies a journaled op list to the bucket.
func (s *Store) Recover(payload []byte) error {
	ops, err := decodeOps(payload)
	if err != nil {
		return err
	}
	return s.apply(ops)
}

// FinishRecovery rebuilds the in-memory tree from the bucket.
func (s *Store) FinishRecovery() error {
	return s.reload()
}

func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = nil
	s.readers = make(map[uint64]*iradix.Tree)
}

// --- Persistence ---

func (s *Store) apply(ops []op) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errors.Errorf("bucket %q missing", s.name)
		}
		for _, o := range ops {
			var err error
			switch o.kind {
			case opPut:
				err = b.Put(o.key, o.value)
			case opDelete:
				err = b.Delete(o.key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "%s: applying %d ops", s.name, len(ops))
}

func (s *Store) reload() error {
	txn := iradix.New().Txn()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errors.Errorf("bucket %q missing", s.name)
		}
		// bolt slices are only valid inside the transaction.
		return b.ForEach(func(k, v []byte) error {
			txn.Insert(append([]byte(nil), k...), append([]byte{}, v...))
			return nil
		})
	})
	if err != nil {
		return errors.Wrapf(err, "%s: loading committed state", s.name)
	}
	tree := txn.Commit()
	s.mu.Lock()
	s.committed = tree
	s.mu.Unlock()
	s.logger.Debug("Committed state loaded", zap.Int("keys", tree.Len()))
	return nil
}
