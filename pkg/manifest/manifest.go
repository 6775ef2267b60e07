// Package manifest keeps the durable record of which SSTables are live.
// Every mutation bumps the version and rewrites the whole snapshot
// atomically, so the file on disk always holds one complete state.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
)

const (
	FileName           = "MANIFEST"
	CheckpointFileName = "MANIFEST.checkpoint"
	DefaultHistorySize = 64
)

// Options configures a Manifest.
type Options struct {
	Logger logging.Logger
	// HistorySize bounds the in-memory list of recent mutations.
	HistorySize int
	// Clock supplies LastUpdated; defaults to time.Now.
	Clock func() time.Time
}

// Manifest serializes all mutations through one mutex. The snapshot is
// written while the mutex is held so concurrent mutations cannot
// interleave their files.
type Manifest struct {
	dir    string
	path   string
	logger logging.Logger
	clock  func() time.Time

	mu          sync.Mutex
	state       State
	history     []Record
	historySize int
	writes      uint64
	closed      bool
}

// Stats summarizes the manifest.
type Stats struct {
	Version      uint64
	SSTableCount int
	TotalSize    int64
	TotalEntries uint64
	TableCount   int
	SchemaCount  int
	Writes       uint64
	LastUpdated  time.Time
}

// Open loads dir/MANIFEST, or creates a fresh state at version 1 when the
// file does not exist.
func Open(dir string, opts Options) (*Manifest, error) {
	const op = "manifest.open"
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, dberrors.Io(op, dir, err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	m := &Manifest{
		dir:         dir,
		path:        filepath.Join(dir, FileName),
		logger:      logging.OrDefault(opts.Logger).With(logging.Component("manifest")),
		clock:       opts.Clock,
		historySize: opts.HistorySize,
	}
	_ = os.Remove(m.path + fsutil.TmpSuffix)

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		m.state = newState(m.clock().UnixMicro())
		if err := m.persist(m.state); err != nil {
			return nil, err
		}
		m.logger.Info("manifest created", logging.Path(m.path))
	case err != nil:
		return nil, dberrors.Io(op, FileName, err)
	default:
		if m.state, err = decodeState(FileName, data); err != nil {
			return nil, err
		}
		m.logger.Info("manifest loaded",
			logging.Version(m.state.Version),
			logging.Count(len(m.state.ActiveSSTables)))
	}
	return m, nil
}

// ReadFile decodes a manifest or checkpoint file without opening it for
// writing.
func ReadFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, dberrors.NotFound("manifest.read", filepath.Base(path))
		}
		return State{}, dberrors.Io("manifest.read", filepath.Base(path), err)
	}
	return decodeState(filepath.Base(path), data)
}

func (m *Manifest) persist(s State) error {
	data, err := encodeState(s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.path, data); err != nil {
		return dberrors.Io("manifest.write", FileName, err)
	}
	m.writes++
	return nil
}

// record applies e to a copy of the state, persists it, and only then
// publishes it. A failed write leaves the previous state in place.
func (m *Manifest) record(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dberrors.New(dberrors.KindInvalidOperation, "manifest.record").Context("closed").Err()
	}

	next := m.state.Clone()
	if err := apply(&next, e); err != nil {
		return err
	}
	now := m.clock()
	next.Version = m.state.Version + 1
	next.LastUpdated = now.UnixMicro()

	if err := m.persist(next); err != nil {
		m.logger.Error("manifest write failed", logging.String("entry", e.Kind().String()), logging.Error(err))
		return err
	}
	m.state = next

	m.history = append(m.history, Record{Version: next.Version, At: now, Entry: e})
	if over := len(m.history) - m.historySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	m.logger.Debug("manifest updated", logging.String("entry", e.Kind().String()), logging.Version(next.Version))
	return nil
}

// RecordSSTableCreated adds a live table.
func (m *Manifest) RecordSSTableCreated(meta SSTableMetadata) error {
	return m.record(SSTableCreated{Metadata: meta})
}

// RecordSSTableDeleted removes a live table.
func (m *Manifest) RecordSSTableDeleted(id string) error {
	return m.record(SSTableDeleted{ID: id})
}

// RecordCompaction replaces inputs with output in one version.
func (m *Manifest) RecordCompaction(inputs []string, output SSTableMetadata) error {
	return m.record(Compaction{Inputs: append([]string(nil), inputs...), Output: output})
}

// RecordSchemaChange sets the schema version of table.
func (m *Manifest) RecordSchemaChange(table string, version uint32) error {
	return m.record(SchemaChange{Table: table, Version: version})
}

// Checkpoint writes the current snapshot to MANIFEST.checkpoint and returns
// its path.
func (m *Manifest) Checkpoint() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := encodeState(m.state)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.dir, CheckpointFileName)
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return "", dberrors.Io("manifest.checkpoint", CheckpointFileName, err)
	}
	m.logger.Info("manifest checkpoint written", logging.Path(path), logging.Version(m.state.Version))
	return path, nil
}

// State returns a copy of the current snapshot.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// ActiveSSTables returns the live tables ordered by generation.
func (m *Manifest) ActiveSSTables() []SSTableMetadata {
	m.mu.Lock()
	out := make([]SSTableMetadata, 0, len(m.state.ActiveSSTables))
	for _, meta := range m.state.ActiveSSTables {
		out = append(out, meta.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SSTable returns the metadata of a live table.
func (m *Manifest) SSTable(id string) (SSTableMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.state.ActiveSSTables[id]
	return meta.clone(), ok
}

// SchemaVersion returns the recorded schema version of table.
func (m *Manifest) SchemaVersion(table string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state.SchemaVersions[table]
	return v, ok
}

// Version returns the current version counter.
func (m *Manifest) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Version
}

// History returns recent mutations, oldest first.
func (m *Manifest) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}

// Path returns the manifest file path.
func (m *Manifest) Path() string { return m.path }

// Stats summarizes the live set.
func (m *Manifest) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Version:      m.state.Version,
		SSTableCount: len(m.state.ActiveSSTables),
		SchemaCount:  len(m.state.SchemaVersions),
		Writes:       m.writes,
		LastUpdated:  time.UnixMicro(m.state.LastUpdated),
	}
	tables := make(map[string]struct{})
	for _, meta := range m.state.ActiveSSTables {
		s.TotalSize += meta.Size
		s.TotalEntries += meta.EntryCount
		for _, t := range meta.Tables {
			tables[t] = struct{}{}
		}
	}
	s.TableCount = len(tables)
	return s
}

// Close rejects further mutations. The snapshot on disk is already
// current.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
