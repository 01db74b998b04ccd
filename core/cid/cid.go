// Package cid names the participants of a transaction. A ComponentID is a
// fixed 16-byte value that addresses journal entries to the component that
// wrote them, so it must not change across restarts.
package cid

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Size is the width of a ComponentID on disk.
const Size = 16

// ErrInvalidArgument is returned when the id bytes do not fit in Size.
var ErrInvalidArgument = errors.New("invalid component id")

// namespace seeds FromName. Changing it changes every derived id.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("gojotxn.component"))

// Key is the identity of a component: the raw 16 bytes. It is comparable and
// is what the coordinator keys its component table on.
type Key [Size]byte

// ComponentID is an immutable component identity. The label is for humans
// only and takes no part in equality.
type ComponentID struct {
	label string
	key   Key
}

// New builds an id from at most 16 bytes, zero-padding on the right.
func New(label string, b []byte) (ComponentID, error) {
	if len(b) > Size {
		return ComponentID{}, errors.Wrapf(ErrInvalidArgument, "%q: %d bytes, max %d", label, len(b), Size)
	}
	id := ComponentID{label: label}
	copy(id.key[:], b)
	return id, nil
}

// MustNew is New for package-level ids; it panics on bad input.
func MustNew(label string, b []byte) ComponentID {
	id, err := New(label, b)
	if err != nil {
		panic(err)
	}
	return id
}

// FromName derives a stable id from a name (UUIDv5 over a fixed namespace).
func FromName(label string) ComponentID {
	return ComponentID{label: label, key: Key(uuid.NewSHA1(namespace, []byte(label)))}
}

// FromKey rebuilds an id read back from the journal.
func FromKey(label string, k Key) ComponentID {
	return ComponentID{label: label, key: k}
}

func (c ComponentID) Key() Key { return c.key }

// Bytes returns a copy of the 16 id bytes.
func (c ComponentID) Bytes() []byte {
	b := c.key
	return b[:]
}

func (c ComponentID) Label() string { return c.label }

func (c ComponentID) IsZero() bool { return c.key == Key{} }

func (c ComponentID) Equal(other ComponentID) bool { return c.key == other.key }

func (c ComponentID) String() string {
	if c.label == "" {
		return hex.EncodeToString(c.key[:])
	}
	return c.label + "[" + hex.EncodeToString(c.key[:]) + "]"
}
