// Package nodetable maps node strings to dense numeric ids and back. Index
// components store ids, so the node table must commit before them: it is
// registered first and its journal entry precedes theirs in every record.
package nodetable

import (
	"encoding/binary"
	"strconv"

	"github.com/boltdb/bolt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage/versioned"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// NodeID identifies a node. Ids are allocated from 1 upwards and never reused
// once committed.
type NodeID uint64

// NoNode is the zero id; it is never allocated.
const NoNode NodeID = 0

// IDSize is the width of an encoded NodeID.
const IDSize = 8

func (id NodeID) String() string { return "#" + strconv.FormatUint(uint64(id), 10) }

// AppendID appends the big-endian encoding of id, which sorts like the id.
func AppendID(buf []byte, id NodeID) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// DecodeID reads an id written by AppendID.
func DecodeID(b []byte) NodeID {
	return NodeID(binary.BigEndian.Uint64(b))
}

const DefaultCacheSize = 10000

var (
	ErrUnknownNode = errors.New("nodetable: unknown node id")
	ErrEmptyNode   = errors.New("nodetable: empty node")
)

// Key layout inside the store.
var (
	counterKey = []byte("\x00next")
	byNode     = byte('n') // 'n' + node -> id
	byID       = byte('i') // 'i' + id -> node
)

// NodeTable allocates and resolves node ids inside transactions. Its state
// lives in a versioned.Store, which is the component to register with the
// coordinator.
type NodeTable struct {
	store  *versioned.Store
	logger *zap.Logger

	// Only committed mappings seen by read transactions are cached; a
	// writer's allocation may still be aborted and its id handed out again.
	// Each entry carries the data version it was read at, and only serves
	// readers whose snapshot is at least that new.
	nodes *lru.Cache[NodeID, cached[string]]
	ids   *lru.Cache[string, cached[NodeID]]
}

type cached[V any] struct {
	value   V
	version uint64
}

// cacheGet returns the cached value of k if txn's snapshot can see it.
func cacheGet[K comparable, V any](c *lru.Cache[K, cached[V]], txn *transaction.Transaction, k K) (V, bool) {
	e, ok := c.Get(k)
	if !ok || e.version > txn.DataVersion() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// cachePut records that txn's snapshot maps k to v, keeping the oldest
// version already known.
func cachePut[K comparable, V any](c *lru.Cache[K, cached[V]], txn *transaction.Transaction, k K, v V) {
	if e, ok := c.Peek(k); ok && e.version <= txn.DataVersion() {
		return
	}
	c.Add(k, cached[V]{value: v, version: txn.DataVersion()})
}

// New opens the node table stored in db under name.
func New(db *bolt.DB, name string, cacheSize int, log *zap.Logger) (*NodeTable, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	store, err := versioned.New(db, name, log)
	if err != nil {
		return nil, err
	}
	nodes, err := lru.New[NodeID, cached[string]](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "node cache")
	}
	ids, err := lru.New[string, cached[NodeID]](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "id cache")
	}
	return &NodeTable{store: store, logger: logger.Named(log, "nodetable"), nodes: nodes, ids: ids}, nil
}

// Component is the participant to register with the coordinator.
func (t *NodeTable) Component() *versioned.Store { return t.store }

// GetOrAllocate returns the id of node, allocating the next free id if the
// node is new. It needs a write transaction only when it allocates.
func (t *NodeTable) GetOrAllocate(txn *transaction.Transaction, node string) (NodeID, error) {
	id, ok, err := t.Lookup(txn, node)
	if err != nil || ok {
		return id, err
	}
	if !txn.IsWrite() {
		return NoNode, errors.Wrapf(transaction.ErrReadOnly, "allocating %q", node)
	}

	next, err := t.nextID(txn)
	if err != nil {
		return NoNode, err
	}
	if err := t.store.Put(txn, nodeKey(node), AppendID(nil, next)); err != nil {
		return NoNode, err
	}
	if err := t.store.Put(txn, idKey(next), []byte(node)); err != nil {
		return NoNode, err
	}
	if err := t.store.Put(txn, counterKey, AppendID(nil, next+1)); err != nil {
		return NoNode, err
	}
	t.logger.Debug("Node allocated", zap.String("node", node), zap.Stringer("id", next), zap.Uint64("txn_id", txn.ID()))
	return next, nil
}

// Lookup returns the id of node without allocating. A node allocated after
// txn began is not found.
func (t *NodeTable) Lookup(txn *transaction.Transaction, node string) (NodeID, bool, error) {
	if node == "" {
		return NoNode, false, ErrEmptyNode
	}
	if !txn.IsWrite() {
		if id, ok := cacheGet(t.ids, txn, node); ok {
			return id, true, nil
		}
	}
	v, err := t.store.Get(txn, nodeKey(node))
	if errors.Is(err, versioned.ErrNotFound) {
		return NoNode, false, nil
	}
	if err != nil {
		return NoNode, false, err
	}
	id := DecodeID(v)
	if !txn.IsWrite() {
		cachePut(t.ids, txn, node, id)
	}
	return id, true, nil
}

// Node resolves id to its node string.
func (t *NodeTable) Node(txn *transaction.Transaction, id NodeID) (string, error) {
	if !txn.IsWrite() {
		if node, ok := cacheGet(t.nodes, txn, id); ok {
			return node, nil
		}
	}
	v, err := t.store.Get(txn, idKey(id))
	if errors.Is(err, versioned.ErrNotFound) {
		return "", errors.Wrapf(ErrUnknownNode, "%s", id)
	}
	if err != nil {
		return "", err
	}
	node := string(v)
	if !txn.IsWrite() {
		cachePut(t.nodes, txn, id, node)
	}
	return node, nil
}

// Len is the number of nodes visible to txn.
func (t *NodeTable) Len(txn *transaction.Transaction) (int, error) {
	n := 0
	err := t.store.Scan(txn, []byte{byID}, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (t *NodeTable) nextID(txn *transaction.Transaction) (NodeID, error) {
	v, err := t.store.Get(txn, counterKey)
	if errors.Is(err, versioned.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return NoNode, err
	}
	return DecodeID(v), nil
}

func nodeKey(node string) []byte {
	return append([]byte{byNode}, node...)
}

func idKey(id NodeID) []byte {
	return AppendID([]byte{byID}, id)
}
