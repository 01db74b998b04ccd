package dataset

import (
	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage/nodetable"
	"github.com/sushant-115/gojotxn/core/storage/versioned"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// index stores every triple as a key of three node ids in one order.
// order[i] is the triple position (0 subject, 1 predicate, 2 object) stored
// at key position i.
type index struct {
	store *versioned.Store
	order [3]int
}

func newIndex(db *bolt.DB, name string, order [3]int, logger *zap.Logger) (index, error) {
	store, err := versioned.New(db, name, logger)
	if err != nil {
		return index{}, err
	}
	return index{store: store, order: order}, nil
}

func (ix index) key(ids [3]nodetable.NodeID) []byte {
	k := make([]byte, 0, 3*nodetable.IDSize)
	for _, pos := range ix.order {
		k = nodetable.AppendID(k, ids[pos])
	}
	return k
}

func (ix index) decode(k []byte) [3]nodetable.NodeID {
	var ids [3]nodetable.NodeID
	for i, pos := range ix.order {
		ids[pos] = nodetable.DecodeID(k[i*nodetable.IDSize:])
	}
	return ids
}

// prefix is the key prefix covering the leading bound positions.
func (ix index) prefix(bound [3]nodetable.NodeID) []byte {
	var p []byte
	for _, pos := range ix.order {
		if bound[pos] == nodetable.NoNode {
			break
		}
		p = nodetable.AppendID(p, bound[pos])
	}
	return p
}

func (ix index) put(txn *transaction.Transaction, ids [3]nodetable.NodeID) error {
	return ix.store.Put(txn, ix.key(ids), nil)
}

func (ix index) delete(txn *transaction.Transaction, ids [3]nodetable.NodeID) error {
	return ix.store.Delete(txn, ix.key(ids))
}

func (ix index) has(txn *transaction.Transaction, ids [3]nodetable.NodeID) (bool, error) {
	return ix.store.Has(txn, ix.key(ids))
}

// scan visits the triples whose ids match every bound position. Positions
// past the key prefix are checked one by one.
func (ix index) scan(txn *transaction.Transaction, bound [3]nodetable.NodeID, fn func(ids [3]nodetable.NodeID) bool) error {
	return ix.store.Scan(txn, ix.prefix(bound), func(k, _ []byte) bool {
		ids := ix.decode(k)
		for pos, id := range bound {
			if id != nodetable.NoNode && ids[pos] != id {
				return true
			}
		}
		return fn(ids)
	})
}
