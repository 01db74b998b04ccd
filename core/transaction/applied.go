package transaction

import (
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
)

var appliedKey = []byte("journal.applied")

// appliedMark remembers the sequence of the last journal record every
// component is known to hold durably, so recovery can skip it. Without a
// store every durable record is replayed on each start.
type appliedMark struct {
	store raft.StableStore
}

func (a appliedMark) get() (uint64, error) {
	if a.store == nil {
		return 0, nil
	}
	v, err := a.store.GetUint64(appliedKey)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read applied journal sequence")
	}
	return v, nil
}

func (a appliedMark) set(seq uint64) error {
	if a.store == nil {
		return nil
	}
	return errors.Wrapf(a.store.SetUint64(appliedKey, seq), "failed to record applied journal sequence %d", seq)
}
