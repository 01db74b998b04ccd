// Package dataset is a triple store assembled from transactional components:
// a node table, three triple indexes and a prefix table, all committed
// together by one coordinator.
package dataset

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage/nodetable"
	"github.com/sushant-115/gojotxn/core/storage/versioned"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/journal"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	ErrIncompleteTriple = errors.New("dataset: triple needs subject, predicate and object")
	ErrEmptyPrefix      = errors.New("dataset: empty prefix name")
)

// Triple is a statement. In a Find pattern an empty field matches anything.
type Triple struct {
	S, P, O string
}

func (t Triple) String() string { return t.S + " " + t.P + " " + t.O }

func (t Triple) complete() bool { return t.S != "" && t.P != "" && t.O != "" }

// Dataset is a transactional triple store. Transactions are bound to the
// calling goroutine through the embedded TransactionalBase.
type Dataset struct {
	*transaction.TransactionalBase

	cfg      Config
	logger   *zap.Logger
	coord    *transaction.Coordinator
	nodes    *nodetable.NodeTable
	spo      index
	pos      index
	osp      index
	prefixes *versioned.Store
}

// Open opens or creates the dataset in cfg.Dir and recovers it.
func Open(cfg Config) (_ *Dataset, err error) {
	cfg.setDefaults()
	log := logger.Named(cfg.Logger, "dataset", zap.String("dir", cfg.Dir))
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create dataset dir %s", cfg.Dir)
	}

	// Everything opened so far, closed in reverse if Open fails.
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = multierr.Append(err, closers[i]())
			}
		}
	}()

	db, err := bolt.Open(filepath.Join(cfg.Dir, DataFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open data file")
	}
	closers = append(closers, db.Close)

	d := &Dataset{cfg: cfg, logger: log}
	if d.nodes, err = nodetable.New(db, "nodes", cfg.NodeCacheSize, log); err != nil {
		return nil, err
	}
	if d.spo, err = newIndex(db, "spo", [3]int{0, 1, 2}, log); err != nil {
		return nil, err
	}
	if d.pos, err = newIndex(db, "pos", [3]int{1, 2, 0}, log); err != nil {
		return nil, err
	}
	if d.osp, err = newIndex(db, "osp", [3]int{2, 0, 1}, log); err != nil {
		return nil, err
	}
	if d.prefixes, err = versioned.New(db, "prefixes", log); err != nil {
		return nil, err
	}

	j, err := journal.Open(filepath.Join(cfg.Dir, JournalFile), log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, j.Close)

	coordCfg := transaction.Config{
		Journal: j,
		Logger:  log,
		Tracer:  cfg.Tracer,
		Metrics: cfg.Metrics,
	}
	var applied *raftboltdb.BoltStore
	if cfg.TrackApplied {
		applied, err = raftboltdb.NewBoltStore(filepath.Join(cfg.Dir, CoordinatorFile))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open coordinator state")
		}
		closers = append(closers, applied.Close)
		coordCfg.AppliedStore = applied
	}
	if cfg.MirrorPath != "" {
		target, err := journal.Open(cfg.MirrorPath, log.Named("mirror"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open journal mirror")
		}
		closers = append(closers, target.Close)
		coordCfg.Mirror = journal.NewMirror(target, journal.MirrorConfig{
			RateBytesPerSec: cfg.MirrorRate,
			MaxPending:      cfg.MirrorPending,
			Logger:          log,
		})
	}

	d.coord, err = transaction.NewCoordinator(coordCfg)
	if err != nil {
		return nil, err
	}
	components := []transaction.TransactionalComponent{
		d.nodes.Component(), d.spo.store, d.pos.store, d.osp.store, d.prefixes,
	}
	for _, comp := range components {
		if err := d.coord.Add(d.wrap(comp)); err != nil {
			return nil, err
		}
	}
	if cfg.ChangeLog != nil {
		if err := d.coord.AddListener(changeLogListener{log: cfg.ChangeLog}); err != nil {
			return nil, err
		}
	}
	if applied != nil {
		if err := d.coord.AddShutdownHook(applied.Close); err != nil {
			return nil, err
		}
	}
	if err := d.coord.AddShutdownHook(db.Close); err != nil {
		return nil, err
	}
	if err := d.coord.Start(); err != nil {
		return nil, err
	}

	d.TransactionalBase = transaction.NewTransactionalBase("dataset", d.coord, log)
	log.Info("Dataset opened", zap.Uint64("next_sequence", j.NextSequence()))
	return d, nil
}

func (d *Dataset) wrap(comp transaction.TransactionalComponent) transaction.TransactionalComponent {
	if d.cfg.Metrics != nil {
		comp = transaction.NewInstrumentedComponent(comp, d.cfg.Metrics)
	}
	if d.cfg.LogComponents {
		comp = transaction.NewLoggingComponent(comp, d.logger)
	}
	return comp
}

// Close shuts the dataset down; active transactions are abandoned.
func (d *Dataset) Close() error {
	return d.Shutdown()
}

func (d *Dataset) Coordinator() *transaction.Coordinator { return d.coord }

// Checkpoint folds the journal away; every record in it is already applied.
// It waits for the writer slot, so the calling goroutine must not be in a
// transaction.
func (d *Dataset) Checkpoint(ctx context.Context) error {
	if d.IsInTransaction() {
		return errors.Wrap(transaction.ErrAlreadyInTransaction, "checkpoint")
	}
	return d.coord.Checkpoint(ctx)
}

func (d *Dataset) Stats() transaction.Stats { return d.coord.Stats() }

// --- Triples ---

// Add inserts t. Adding a triple that is already present changes nothing.
func (d *Dataset) Add(t Triple) error {
	txn, err := d.writeTxn()
	if err != nil {
		return err
	}
	if !t.complete() {
		return errors.Wrapf(ErrIncompleteTriple, "add %q", t)
	}
	var ids [3]nodetable.NodeID
	for i, node := range [3]string{t.S, t.P, t.O} {
		if ids[i], err = d.nodes.GetOrAllocate(txn, node); err != nil {
			return err
		}
	}
	present, err := d.spo.has(txn, ids)
	if err != nil || present {
		return err
	}
	for _, ix := range d.indexes() {
		if err := ix.put(txn, ids); err != nil {
			return err
		}
	}
	d.record(txn, Change{Kind: ChangeAdd, Triple: t})
	return nil
}

// Delete removes t. Deleting an absent triple changes nothing.
func (d *Dataset) Delete(t Triple) error {
	txn, err := d.writeTxn()
	if err != nil {
		return err
	}
	if !t.complete() {
		return errors.Wrapf(ErrIncompleteTriple, "delete %q", t)
	}
	ids, ok, err := d.lookup(txn, t)
	if err != nil || !ok {
		return err
	}
	present, err := d.spo.has(txn, ids)
	if err != nil || !present {
		return err
	}
	for _, ix := range d.indexes() {
		if err := ix.delete(txn, ids); err != nil {
			return err
		}
	}
	d.record(txn, Change{Kind: ChangeDelete, Triple: t})
	return nil
}

func (d *Dataset) Contains(t Triple) (bool, error) {
	txn, err := d.Transaction()
	if err != nil {
		return false, err
	}
	if !t.complete() {
		return false, errors.Wrapf(ErrIncompleteTriple, "contains %q", t)
	}
	ids, ok, err := d.lookup(txn, t)
	if err != nil || !ok {
		return false, err
	}
	return d.spo.has(txn, ids)
}

// Find returns the triples matching pattern, in the key order of the index
// chosen for it.
func (d *Dataset) Find(pattern Triple) ([]Triple, error) {
	txn, err := d.Transaction()
	if err != nil {
		return nil, err
	}
	var bound [3]nodetable.NodeID
	for i, node := range [3]string{pattern.S, pattern.P, pattern.O} {
		if node == "" {
			continue
		}
		id, ok, err := d.nodes.Lookup(txn, node)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		bound[i] = id
	}

	ix := d.choose(bound)
	var (
		out     []Triple
		scanErr error
	)
	err = ix.scan(txn, bound, func(ids [3]nodetable.NodeID) bool {
		var t Triple
		if t, scanErr = d.resolve(txn, ids); scanErr != nil {
			return false
		}
		out = append(out, t)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// Size is the number of triples visible to the current transaction.
func (d *Dataset) Size() (int, error) {
	txn, err := d.Transaction()
	if err != nil {
		return 0, err
	}
	return d.spo.store.Len(txn)
}

// choose picks the index whose key order starts with the bound positions.
func (d *Dataset) choose(bound [3]nodetable.NodeID) index {
	s, p, o := bound[0] != nodetable.NoNode, bound[1] != nodetable.NoNode, bound[2] != nodetable.NoNode
	switch {
	case s && !p && o:
		return d.osp
	case s:
		return d.spo
	case p:
		return d.pos
	case o:
		return d.osp
	default:
		return d.spo
	}
}

func (d *Dataset) indexes() []index { return []index{d.spo, d.pos, d.osp} }

func (d *Dataset) lookup(txn *transaction.Transaction, t Triple) ([3]nodetable.NodeID, bool, error) {
	var ids [3]nodetable.NodeID
	for i, node := range [3]string{t.S, t.P, t.O} {
		id, ok, err := d.nodes.Lookup(txn, node)
		if err != nil || !ok {
			return ids, false, err
		}
		ids[i] = id
	}
	return ids, true, nil
}

func (d *Dataset) resolve(txn *transaction.Transaction, ids [3]nodetable.NodeID) (Triple, error) {
	var nodes [3]string
	for i, id := range ids {
		node, err := d.nodes.Node(txn, id)
		if err != nil {
			return Triple{}, err
		}
		nodes[i] = node
	}
	return Triple{S: nodes[0], P: nodes[1], O: nodes[2]}, nil
}

// --- Prefixes ---

// SetPrefix maps a prefix name to an IRI, replacing any earlier mapping.
func (d *Dataset) SetPrefix(prefix, iri string) error {
	txn, err := d.writeTxn()
	if err != nil {
		return err
	}
	if prefix == "" {
		return ErrEmptyPrefix
	}
	if err := d.prefixes.Put(txn, []byte(prefix), []byte(iri)); err != nil {
		return err
	}
	d.record(txn, Change{Kind: ChangeSetPrefix, Prefix: prefix, IRI: iri})
	return nil
}

func (d *Dataset) DeletePrefix(prefix string) error {
	txn, err := d.writeTxn()
	if err != nil {
		return err
	}
	ok, err := d.prefixes.Has(txn, []byte(prefix))
	if err != nil || !ok {
		return err
	}
	if err := d.prefixes.Delete(txn, []byte(prefix)); err != nil {
		return err
	}
	d.record(txn, Change{Kind: ChangeDeletePrefix, Prefix: prefix})
	return nil
}

// Prefix returns the IRI mapped to prefix.
func (d *Dataset) Prefix(prefix string) (string, bool, error) {
	txn, err := d.Transaction()
	if err != nil {
		return "", false, err
	}
	v, err := d.prefixes.Get(txn, []byte(prefix))
	if errors.Is(err, versioned.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// Prefixes returns every prefix mapping.
func (d *Dataset) Prefixes() (map[string]string, error) {
	txn, err := d.Transaction()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	err = d.prefixes.Scan(txn, nil, func(k, v []byte) bool {
		out[string(k)] = string(v)
		return true
	})
	return out, err
}

// PrefixNames returns the prefix names in order.
func (d *Dataset) PrefixNames() ([]string, error) {
	m, err := d.Prefixes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// --- helpers ---

func (d *Dataset) writeTxn() (*transaction.Transaction, error) {
	txn, err := d.Transaction()
	if err != nil {
		return nil, err
	}
	if !txn.IsWrite() {
		return nil, errors.Wrapf(transaction.ErrReadOnly, "txn %d", txn.ID())
	}
	return txn, nil
}

func (d *Dataset) record(txn *transaction.Transaction, c Change) {
	if d.cfg.ChangeLog != nil {
		d.cfg.ChangeLog.Change(txn.ID(), c)
	}
}
