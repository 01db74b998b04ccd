// Package journal implements the durable commit journal: an append-only
// file of records, each holding the prepared payloads of one write
// transaction. It also provides the bounded asynchronous path used to mirror
// records to a secondary journal.
package journal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Journal manages a single journal file.
// Appends are serialized; readers work on a section of the file that ends at
// the last durable record, so scanning never sees a half-written append.
type Journal struct {
	path    string
	logger  *zap.Logger
	mu      sync.Mutex
	file    *os.File
	size    int64  // end of the last valid record
	nextSeq uint64 // sequence the next append receives
	closed  bool
}

// Open opens (or creates) the journal at path. Any torn tail left by a crash
// is cut off so the next append starts right after the last valid record. A
// corrupt record with data after it fails Open with ErrCorruptRecord.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create journal directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}
	j := &Journal{path: path, logger: logger.With(zap.String("journal", path)), file: f, nextSeq: 1}
	if err := j.recoverTail(); err != nil {
		f.Close()
		return nil, err
	}
	j.logger.Info("Journal opened", zap.Int64("size", j.size), zap.Uint64("records", j.nextSeq-1))
	return j, nil
}

// recoverTail scans the file and truncates anything after the last valid record.
func (j *Journal) recoverTail() error {
	info, err := j.file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat journal")
	}
	fileSize := info.Size()

	reader := bufio.NewReader(io.NewSectionReader(j.file, 0, fileSize))
	var offset int64
	var count uint64
	for {
		_, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A crash can only damage the last record. A bad record followed
			// by data means committed records would be lost, so refuse.
			if errors.Is(err, ErrCorruptRecord) && offset+int64(n) < fileSize {
				zero, zerr := j.zeroFrom(offset, fileSize)
				if zerr != nil {
					return zerr
				}
				if !zero {
					j.logger.Error("Corrupt journal record followed by data",
						zap.Int64("offset", offset), zap.Int64("following_bytes", fileSize-offset-int64(n)), zap.Error(err))
					return errors.Wrapf(err, "record %d at offset %d", count+1, offset)
				}
			}
			j.logger.Warn("Discarding incomplete journal tail",
				zap.Int64("offset", offset), zap.Int64("discarded_bytes", fileSize-offset), zap.Error(err))
			break
		}
		offset += int64(n)
		count++
	}

	if offset < fileSize {
		if err := j.file.Truncate(offset); err != nil {
			return errors.Wrapf(err, "failed to truncate journal tail at %d", offset)
		}
		if err := j.file.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync journal after truncation")
		}
	}
	j.size = offset
	j.nextSeq = count + 1
	return nil
}

// zeroFrom reports whether the file holds only zero bytes in [from, to), as
// left by a crash after the file was extended but before data reached it.
func (j *Journal) zeroFrom(from, to int64) (bool, error) {
	r := bufio.NewReader(io.NewSectionReader(j.file, from, to-from))
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "failed to read journal tail")
		}
		if b != 0 {
			return false, nil
		}
	}
}

// Append writes one record and returns only after it is durable.
func (j *Journal) Append(entries []Entry) (Record, error) {
	if len(entries) == 0 {
		return Record{}, ErrEmptyRecord
	}
	buf := EncodeRecord(entries)
	if len(buf)-lengthSize-markerSize > MaxRecordSize {
		return Record{}, errors.Errorf("journal: record of %d bytes exceeds limit", len(buf))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Record{}, ErrClosed
	}

	offset := j.size
	if _, err := j.file.WriteAt(buf, offset); err != nil {
		j.rollback(offset)
		return Record{}, errors.Wrapf(err, "failed to write journal record at %d", offset)
	}
	if err := j.file.Sync(); err != nil {
		j.rollback(offset)
		return Record{}, errors.Wrap(err, "failed to sync journal record")
	}

	rec := Record{Sequence: j.nextSeq, Offset: offset, Entries: entries}
	j.size += int64(len(buf))
	j.nextSeq++
	j.logger.Debug("Journal record appended",
		zap.Uint64("sequence", rec.Sequence), zap.Int64("offset", offset), zap.Int("bytes", len(buf)), zap.Int("entries", len(entries)))
	return rec, nil
}

// rollback drops a partially written record. Must be called with j.mu held.
func (j *Journal) rollback(offset int64) {
	if err := j.file.Truncate(offset); err != nil {
		j.logger.Error("Failed to roll back partial journal write", zap.Int64("offset", offset), zap.Error(err))
	}
}

// Scan calls fn for every durable record in order. Returning an error from fn
// stops the scan and returns that error.
func (j *Journal) Scan(fn func(Record) error) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	section := io.NewSectionReader(j.file, 0, j.size)
	j.mu.Unlock()

	reader := bufio.NewReader(section)
	var offset int64
	for seq := uint64(1); ; seq++ {
		entries, n, err := readRecord(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "journal record %d at offset %d", seq, offset)
		}
		if err := fn(Record{Sequence: seq, Offset: offset, Entries: entries}); err != nil {
			return err
		}
		offset += int64(n)
	}
}

// Records returns every durable record.
func (j *Journal) Records() ([]Record, error) {
	var out []Record
	err := j.Scan(func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Truncate empties the journal. Sequences restart at 1.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.file.Truncate(0); err != nil {
		return errors.Wrap(err, "failed to truncate journal")
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync truncated journal")
	}
	j.logger.Info("Journal truncated", zap.Uint64("dropped_records", j.nextSeq-1))
	j.size = 0
	j.nextSeq = 1
	return nil
}

// Size is the byte length of the valid records.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// NextSequence is the sequence the next append will receive.
func (j *Journal) NextSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

func (j *Journal) Path() string { return j.path }

// Close syncs and closes the file. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return errors.Wrap(err, "failed to sync journal on close")
	}
	return j.file.Close()
}
