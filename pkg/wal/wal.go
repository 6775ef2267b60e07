// Package wal implements the append-only write-ahead log. Records are
// framed as [u32 little-endian length][payload] and replayed in write
// order.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/types"
)

// WAL is a write-ahead log file. All methods are safe for concurrent use.
type WAL struct {
	path       string
	compressed bool
	opts       Options
	logger     logging.Logger

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	size    int64
	lastTS  int64
	dirty   bool
	closed  bool
	scratch []byte

	stats Stats

	stopSync chan struct{}
	syncDone chan struct{}
}

// Stats describes activity since the log was opened.
type Stats struct {
	Entries           uint64
	Bytes             uint64
	Syncs             uint64
	Truncations       uint64
	Rotations         uint64
	LastTimestamp     int64
	BytesUncompressed uint64
	BytesCompressed   uint64
}

// CompressionRatio returns 1 - compressed/uncompressed, or 0 if nothing
// was compressed.
func (s Stats) CompressionRatio() float64 {
	if s.BytesUncompressed == 0 {
		return 0
	}
	return 1 - float64(s.BytesCompressed)/float64(s.BytesUncompressed)
}

// Open opens or creates dir/wal.log.
func Open(dir string, opts Options) (*WAL, error) {
	return open(filepath.Join(dir, FileName), false, opts)
}

func open(path string, compressed bool, opts Options) (*WAL, error) {
	const op = "wal.open"
	opts.applyDefaults()
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, dberrors.Io(op, filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dberrors.Io(op, filepath.Base(path), err)
	}

	w := &WAL{
		path:       path,
		compressed: compressed,
		opts:       opts,
		logger:     opts.Logger.With(logging.Component("wal"), logging.Path(path)),
		file:       file,
		writer:     bufio.NewWriter(file),
	}

	// Recover the last timestamp so new entries sort after replayed ones.
	entries, size, err := w.readAll()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	w.size = size
	if n := len(entries); n > 0 {
		w.lastTS = TimestampOf(entries[n-1])
	}

	if opts.SyncMode == SyncNormal {
		w.stopSync = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.syncLoop()
	}
	w.logger.Info("wal opened",
		logging.Count(len(entries)),
		logging.Bytes(size),
		logging.String("sync_mode", opts.SyncMode.String()))
	return w, nil
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Append logs a put and returns its timestamp.
func (w *WAL) Append(table types.TableID, key types.RowKey, value types.Value) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.nextTimestamp()
	return ts, w.appendLocked(Put{Table: table, Key: key, Value: value, Timestamp: ts})
}

// AppendTombstone logs a delete and returns its timestamp.
func (w *WAL) AppendTombstone(table types.TableID, key types.RowKey) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.nextTimestamp()
	return ts, w.appendLocked(Delete{Table: table, Key: key, Timestamp: ts})
}

// Checkpoint logs a checkpoint marker and returns its timestamp.
func (w *WAL) Checkpoint() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.nextTimestamp()
	return ts, w.appendLocked(Checkpoint{Timestamp: ts})
}

// AppendEntry logs an entry that already carries a timestamp. Timestamps
// must not go backwards.
func (w *WAL) AppendEntry(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts := TimestampOf(e); ts < w.lastTS {
		return dberrors.Newf(dberrors.KindInvalidOperation, "wal.append", "timestamp %d precedes last logged %d", ts, w.lastTS)
	}
	return w.appendLocked(e)
}

// nextTimestamp returns a strictly increasing microsecond timestamp.
func (w *WAL) nextTimestamp() int64 {
	return max(w.opts.Clock(), w.lastTS+1)
}

func (w *WAL) appendLocked(e Entry) error {
	const op = "wal.append"
	if w.closed {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}

	raw := appendEntry(w.scratch[:0], e)
	w.scratch = raw
	payload := raw
	if w.compressed {
		payload = snappy.Encode(nil, raw)
	}
	if len(payload) > MaxRecordSize {
		return dberrors.Newf(dberrors.KindInvalidOperation, op, "record of %d bytes exceeds %d", len(payload), MaxRecordSize)
	}

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := w.writer.Write(frame[:]); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	if err := w.writer.Flush(); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	if w.opts.SyncMode == SyncFull {
		if err := w.syncLocked(); err != nil {
			return err
		}
	} else {
		w.dirty = true
	}

	n := uint64(len(frame) + len(payload))
	w.size += int64(n)
	w.lastTS = TimestampOf(e)
	w.stats.Entries++
	w.stats.Bytes += n
	if w.compressed {
		w.stats.BytesUncompressed += uint64(len(raw))
		w.stats.BytesCompressed += uint64(len(payload))
	}
	return nil
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return dberrors.Io("wal.sync", filepath.Base(w.path), err)
	}
	if err := w.file.Sync(); err != nil {
		return dberrors.Io("wal.sync", filepath.Base(w.path), err)
	}
	w.dirty = false
	w.stats.Syncs++
	return nil
}

func (w *WAL) syncLoop() {
	defer close(w.syncDone)
	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopSync:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty && !w.closed {
				if err := w.syncLocked(); err != nil {
					w.logger.Error("periodic wal sync failed", logging.Error(err))
				}
			}
			w.mu.Unlock()
		}
	}
}

// Flush forces buffered records to stable storage.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return dberrors.New(dberrors.KindInvalidOperation, "wal.flush").Context("closed").Err()
	}
	return w.syncLocked()
}

// ReadAll returns every entry in write order. A record cut off by the end
// of the file is an I/O error.
func (w *WAL) ReadAll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, dberrors.New(dberrors.KindInvalidOperation, "wal.read").Context("closed").Err()
	}
	if err := w.writer.Flush(); err != nil {
		return nil, dberrors.Io("wal.read", filepath.Base(w.path), err)
	}
	entries, _, err := w.readAll()
	return entries, err
}

// Replay calls handler for every entry in write order.
func (w *WAL) Replay(handler func(Entry) error) error {
	entries, err := w.ReadAll()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if err := handler(e); err != nil {
			return dberrors.New(dberrors.KindInternal, "wal.replay").Context("entry %d (%s)", i, e.Kind()).Cause(err).Err()
		}
	}
	return nil
}

// readAll decodes the file from offset 0 through a separate handle.
func (w *WAL) readAll() ([]Entry, int64, error) {
	const op = "wal.read"
	name := filepath.Base(w.path)
	f, err := os.Open(w.path)
	if err != nil {
		return nil, 0, dberrors.Io(op, name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		entries []Entry
		offset  int64
		frame   [4]byte
	)
	for {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, offset, nil
			}
			return nil, 0, dberrors.New(dberrors.KindIo, op).Entity(name).
				Context("record header at offset %d cut off", offset).Cause(err).Err()
		}
		n := binary.LittleEndian.Uint32(frame[:])
		if n > MaxRecordSize {
			return nil, 0, dberrors.Corruption(op, name, "record at offset %d claims %d bytes", offset, n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, 0, dberrors.New(dberrors.KindIo, op).Entity(name).
				Context("record at offset %d cut off", offset).Cause(err).Err()
		}
		if w.compressed {
			if payload, err = snappy.Decode(nil, payload); err != nil {
				return nil, 0, dberrors.New(dberrors.KindCorruption, op).Entity(name).
					Context("record at offset %d", offset).Cause(err).Err()
			}
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return nil, 0, dberrors.New(dberrors.KindCorruption, op).Entity(name).
				Context("record at offset %d", offset).Cause(err).Err()
		}
		entries = append(entries, e)
		offset += int64(len(frame)) + int64(n)
	}
}

// Truncate empties the log. Call it only once every entry is reflected in
// SSTables and the manifest.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncateLocked()
}

func (w *WAL) truncateLocked() error {
	const op = "wal.truncate"
	if w.closed {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	if err := w.writer.Flush(); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	if err := w.file.Truncate(0); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	if err := w.file.Sync(); err != nil {
		return dberrors.Io(op, filepath.Base(w.path), err)
	}
	w.writer.Reset(w.file)
	w.size = 0
	w.dirty = false
	w.stats.Truncations++
	w.logger.Info("wal truncated")
	return nil
}

// Rotate copies the log to its backup path and then truncates it, so an
// interrupted truncation still leaves the records recoverable.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(w.size)
}

// RotateTo is Rotate for the first offset bytes only: records written past
// offset stay in the live log. offset must be a record boundary, such as a
// value Size returned earlier.
func (w *WAL) RotateTo(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(offset)
}

func (w *WAL) rotateLocked(offset int64) error {
	const op = "wal.rotate"
	if w.closed {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	if offset < 0 || offset > w.size {
		return dberrors.Newf(dberrors.KindInvalidOperation, op, "offset %d outside log of %d bytes", offset, w.size)
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	backup := w.BackupPath()
	if err := fsutil.CopyFile(w.path, backup); err != nil {
		return dberrors.Io(op, filepath.Base(backup), err)
	}

	tail := make([]byte, w.size-offset)
	if len(tail) > 0 {
		if _, err := w.file.ReadAt(tail, offset); err != nil {
			return dberrors.Io(op, filepath.Base(w.path), err)
		}
	}
	if err := w.truncateLocked(); err != nil {
		return err
	}
	if len(tail) > 0 {
		if _, err := w.writer.Write(tail); err != nil {
			return dberrors.Io(op, filepath.Base(w.path), err)
		}
		if err := w.syncLocked(); err != nil {
			return err
		}
		w.size = int64(len(tail))
	}
	w.stats.Rotations++
	return nil
}

// BackupPath returns where Rotate keeps the previous contents.
func (w *WAL) BackupPath() string { return w.path + BackupSuffix }

// Size returns the log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// LastTimestamp returns the timestamp of the newest entry.
func (w *WAL) LastTimestamp() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTS
}

// Stats returns activity counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.LastTimestamp = w.lastTS
	return s
}

// Close flushes, fsyncs and closes the file. Closing twice is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stop := w.stopSync
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var syncErr error
	if err := w.writer.Flush(); err != nil {
		syncErr = err
	} else if err := w.file.Sync(); err != nil {
		syncErr = err
	}
	closeErr := w.file.Close()
	if syncErr != nil {
		return dberrors.Io("wal.close", filepath.Base(w.path), syncErr)
	}
	if closeErr != nil {
		return dberrors.Io("wal.close", filepath.Base(w.path), closeErr)
	}
	return nil
}
