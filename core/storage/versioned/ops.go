package versioned

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// opKind is the type of one redo operation.
type opKind byte

const (
	opPut opKind = iota + 1
	opDelete
)

// op is one change made by a write transaction. The journal payload of a
// store is its op list, which replays idempotently: puts overwrite and
// deletes of missing keys are no-ops.
type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// payloadVersion leads every payload so the format can evolve.
const payloadVersion byte = 1

var ErrBadPayload = errors.New("versioned: malformed redo payload")

// encodeOps lays out [u8 version] then per op [u8 kind][u32 klen][key][u32 vlen][value].
func encodeOps(ops []op) []byte {
	n := 1
	for _, o := range ops {
		n += 1 + 4 + len(o.key) + 4 + len(o.value)
	}
	buf := make([]byte, n)
	buf[0] = payloadVersion
	off := 1
	for _, o := range ops {
		buf[off] = byte(o.kind)
		off++
		binary.BigEndian.PutUint32(buf[off:], uint32(len(o.key)))
		off += 4
		off += copy(buf[off:], o.key)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(o.value)))
		off += 4
		off += copy(buf[off:], o.value)
	}
	return buf
}

func decodeOps(buf []byte) ([]op, error) {
	if len(buf) == 0 || buf[0] != payloadVersion {
		return nil, errors.Wrap(ErrBadPayload, "unknown payload version")
	}
	buf = buf[1:]
	var ops []op
	for len(buf) > 0 {
		kind := opKind(buf[0])
		if kind != opPut && kind != opDelete {
			return nil, errors.Wrapf(ErrBadPayload, "op kind %d", kind)
		}
		buf = buf[1:]
		key, rest, err := readField(buf)
		if err != nil {
			return nil, err
		}
		value, rest, err := readField(rest)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op{kind: kind, key: key, value: value})
		buf = rest
	}
	return ops, nil
}

func readField(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errors.Wrap(ErrBadPayload, "short length")
	}
	n := int(binary.BigEndian.Uint32(buf))
	buf = buf[4:]
	if n > len(buf) {
		return nil, nil, errors.Wrapf(ErrBadPayload, "field of %d bytes overruns payload", n)
	}
	return append([]byte{}, buf[:n]...), buf[n:], nil
}
