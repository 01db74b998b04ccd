package journal

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotxn/core/cid"
)

// On-disk layout of one record (all integers big-endian):
//
//	[u32 recordLength][entry...][u8 EndMarker]
//	entry = [16 bytes ComponentID][u32 payloadLength][payload]
//
// recordLength is the byte length of the entries section.
const (
	EndMarker byte = 0xEE

	lengthSize      = 4
	markerSize      = 1
	entryHeaderSize = cid.Size + 4

	// MaxRecordSize bounds a single record so a corrupt length cannot make
	// recovery allocate unbounded memory.
	MaxRecordSize = 1 << 30
)

var (
	// ErrTornRecord marks a record that was not completely written.
	ErrTornRecord = errors.New("journal: torn record")
	// ErrCorruptRecord marks a complete-length record whose framing is wrong.
	ErrCorruptRecord = errors.New("journal: corrupt record")
	ErrClosed        = errors.New("journal: closed")
	ErrEmptyRecord   = errors.New("journal: record has no entries")
)

// Entry is one component's payload inside a record.
type Entry struct {
	ComponentID cid.ComponentID
	Payload     []byte
}

// Record is one committed write transaction.
type Record struct {
	Sequence uint64 // 1-based position in the current journal file
	Offset   int64  // byte offset of the record header
	Entries  []Entry
}

// EncodedSize is the number of bytes the record occupies in the file.
func (r Record) EncodedSize() int64 {
	return int64(encodedSize(r.Entries))
}

func encodedSize(entries []Entry) int {
	n := lengthSize + markerSize
	for _, e := range entries {
		n += entryHeaderSize + len(e.Payload)
	}
	return n
}

// EncodeRecord serializes entries in the wire format.
func EncodeRecord(entries []Entry) []byte {
	buf := make([]byte, encodedSize(entries))
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-lengthSize-markerSize))
	off := lengthSize
	for _, e := range entries {
		k := e.ComponentID.Key()
		off += copy(buf[off:], k[:])
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
		off += 4
		off += copy(buf[off:], e.Payload)
	}
	buf[off] = EndMarker
	return buf
}

// DecodeRecord parses one record from the front of buf and reports how many
// bytes it consumed.
func DecodeRecord(buf []byte) ([]Entry, int, error) {
	if len(buf) < lengthSize {
		return nil, 0, ErrTornRecord
	}
	length := int(binary.BigEndian.Uint32(buf))
	if length > MaxRecordSize {
		return nil, 0, errors.Wrapf(ErrCorruptRecord, "record length %d", length)
	}
	total := lengthSize + length + markerSize
	if len(buf) < total {
		return nil, 0, ErrTornRecord
	}
	if buf[total-1] != EndMarker {
		return nil, 0, errors.Wrapf(ErrCorruptRecord, "end marker 0x%02x", buf[total-1])
	}
	entries, err := decodeEntries(buf[lengthSize : lengthSize+length])
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func decodeEntries(body []byte) ([]Entry, error) {
	var entries []Entry
	for len(body) > 0 {
		if len(body) < entryHeaderSize {
			return nil, errors.Wrap(ErrCorruptRecord, "short entry header")
		}
		var k cid.Key
		copy(k[:], body[:cid.Size])
		n := int(binary.BigEndian.Uint32(body[cid.Size:entryHeaderSize]))
		body = body[entryHeaderSize:]
		if n > len(body) {
			return nil, errors.Wrapf(ErrCorruptRecord, "payload length %d exceeds record", n)
		}
		payload := make([]byte, n)
		copy(payload, body[:n])
		entries = append(entries, Entry{ComponentID: cid.FromKey("", k), Payload: payload})
		body = body[n:]
	}
	return entries, nil
}

// readRecord reads the next record from r. It returns io.EOF only on a clean
// record boundary; a partial record yields ErrTornRecord.
func readRecord(r *bufio.Reader) ([]Entry, int, error) {
	var hdr [lengthSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, n, ErrTornRecord
	}
	length := int(binary.BigEndian.Uint32(hdr[:]))
	if length > MaxRecordSize {
		return nil, n, errors.Wrapf(ErrCorruptRecord, "record length %d", length)
	}
	rest := make([]byte, length+markerSize)
	m, err := io.ReadFull(r, rest)
	if err != nil {
		return nil, n + m, ErrTornRecord
	}
	if rest[length] != EndMarker {
		return nil, n + m, errors.Wrapf(ErrCorruptRecord, "end marker 0x%02x", rest[length])
	}
	entries, err := decodeEntries(rest[:length])
	if err != nil {
		return nil, n + m, err
	}
	return entries, n + m, nil
}
