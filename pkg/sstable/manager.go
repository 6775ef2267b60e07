package sstable

import (
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/types"
)

// Recorder persists changes to the live table set. The Manager calls it
// while holding its exclusive lock, so the durable record and the
// in-memory set change in the same step. A non-nil error aborts the change.
type Recorder interface {
	RecordSSTableCreated(info Info) error
	RecordCompaction(inputs []ID, output Info) error
	RecordSSTableDeleted(id ID) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Writer WriterOptions
	// CacheCapacity is the number of decompressed chunks kept in memory;
	// zero disables the chunk cache.
	CacheCapacity int
	Recorder      Recorder
	Logger        logging.Logger
}

// Manager owns the open readers of one data directory.
type Manager struct {
	dir      string
	writer   WriterOptions
	recorder Recorder
	logger   logging.Logger
	cache    *ChunkCache

	mu      sync.RWMutex
	readers map[ID]*Reader
	order   []*Reader // precedence descending
	closed  bool

	lastGen atomic.Uint64

	flushes atomic.Int64
	merges  atomic.Int64
	reads   atomic.Int64
}

// ManagerStats summarizes the live set.
type ManagerStats struct {
	SSTableCount   int
	TotalSize      int64
	TotalEntries   uint64
	BloomNegatives int64
	Flushes        int64
	Merges         int64
	Reads          int64
	CacheHits      int64
	CacheMisses    int64
}

// NewManager opens every Data.db in dir. Leftover temporary files from an
// interrupted write are removed first.
func NewManager(dir string, opts ManagerOptions) (*Manager, error) {
	opts.Writer.applyDefaults()
	if err := opts.Writer.Validate(); err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, dberrors.Io("sstable.manager", dir, err)
	}
	logger := logging.OrDefault(opts.Logger).With(logging.Component("sstable"))

	removed, err := fsutil.RemoveTmpFiles(dir)
	if err != nil {
		return nil, dberrors.Io("sstable.manager", dir, err)
	}
	if len(removed) > 0 {
		logger.Warn("removed incomplete sstable components", logging.Count(len(removed)))
	}

	m := &Manager{
		dir:      dir,
		writer:   opts.Writer,
		recorder: opts.Recorder,
		logger:   logger,
		cache:    NewChunkCache(opts.CacheCapacity),
		readers:  make(map[ID]*Reader),
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*-"+format.ComponentData.Suffix()))
	if err != nil {
		return nil, dberrors.Io("sstable.manager", dir, err)
	}
	for _, p := range paths {
		r, err := Open(p, ReaderOptions{Cache: m.cache})
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.readers[r.ID()] = r
		if g := r.ID().Generation; g > m.lastGen.Load() {
			m.lastGen.Store(g)
		}
	}
	m.rebuildOrder()

	logger.Info("sstable manager opened",
		logging.Path(dir),
		logging.Count(len(m.readers)),
		logging.Generation(m.lastGen.Load()))
	return m, nil
}

// Dir returns the data directory.
func (m *Manager) Dir() string { return m.dir }

// NewID allocates the next generation.
func (m *Manager) NewID() ID {
	return ID{Version: m.writer.Version, Generation: m.lastGen.Add(1)}
}

func (m *Manager) rebuildOrder() {
	m.order = m.order[:0]
	for _, r := range m.readers {
		m.order = append(m.order, r)
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.order[i], m.order[j]
		if a.precedence != b.precedence {
			return a.precedence > b.precedence
		}
		return a.ID().Generation > b.ID().Generation
	})
}

// snapshot returns the live readers highest precedence first with a reference held on
// each. Callers must call releaseAll.
func (m *Manager) snapshot(op string) ([]*Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	out := make([]*Reader, 0, len(m.order))
	for _, r := range m.order {
		if r.acquire() {
			out = append(out, r)
		}
	}
	return out, nil
}

func releaseAll(readers []*Reader) {
	for _, r := range readers {
		_ = r.release()
	}
}

// CreateFromBuffer sorts a flushed buffer, writes it as a new table and
// registers it. When the buffer holds several entries for one (table, key)
// the last one wins.
func (m *Manager) CreateFromBuffer(entries []Entry) (Info, error) {
	const op = "sstable.create"
	if len(entries) == 0 {
		return Info{}, dberrors.Newf(dberrors.KindInvalidOperation, op, "empty buffer")
	}

	sorted := slices.Clone(entries)
	sort.SliceStable(sorted, func(i, j int) bool { return Compare(&sorted[i], &sorted[j]) < 0 })
	deduped := sorted[:0]
	for i := range sorted {
		if n := len(deduped); n > 0 && Compare(&deduped[n-1], &sorted[i]) == 0 {
			deduped[n-1] = sorted[i]
			continue
		}
		deduped = append(deduped, sorted[i])
	}

	id := m.NewID()
	timer := logging.StartTimer(m.logger, "sstable flushed", logging.SSTable(id.String()))
	info, err := WriteSSTable(m.dir, id, m.writer, deduped)
	if err != nil {
		timer.EndError(err)
		return Info{}, err
	}
	r, err := Open(info.Path, ReaderOptions{Cache: m.cache})
	if err != nil {
		m.deleteFiles(id)
		timer.EndError(err)
		return Info{}, err
	}

	m.mu.Lock()
	err = m.register(op, r, info)
	m.mu.Unlock()
	if err != nil {
		_ = r.Close()
		m.deleteFiles(id)
		timer.EndError(err)
		return Info{}, err
	}

	m.flushes.Add(1)
	timer.End(logging.Entries(info.EntryCount), logging.Bytes(info.Size))
	return info, nil
}

// register adds r to the live set. Callers hold m.mu exclusively.
func (m *Manager) register(op string, r *Reader, info Info) error {
	if m.closed {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	if _, ok := m.readers[r.ID()]; ok {
		return dberrors.AlreadyExists(op, r.ID().String())
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSSTableCreated(info); err != nil {
			return err
		}
	}
	m.readers[r.ID()] = r
	m.rebuildOrder()
	return nil
}

// Get returns the newest live value of (table, key). A tombstone reports
// not found.
func (m *Manager) Get(table types.TableID, key []byte) (types.Value, bool, error) {
	e, ok, err := m.GetEntry(table, key)
	if err != nil || !ok || types.IsTombstone(e.Value) {
		return nil, false, err
	}
	return e.Value, true, nil
}

// GetEntry returns the winning entry for (table, key), tombstones included.
// Tables are probed highest precedence first; a hit is replaced only by a
// version with a later timestamp.
func (m *Manager) GetEntry(table types.TableID, key []byte) (Entry, bool, error) {
	readers, err := m.snapshot("sstable.get")
	if err != nil {
		return Entry{}, false, err
	}
	defer releaseAll(readers)
	m.reads.Add(1)

	var (
		best     Entry
		bestPrec uint64
		found    bool
	)
	for _, r := range readers {
		e, ok, err := r.Get(table, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok && (!found || Supersedes(e.Timestamp, r.precedence, best.Timestamp, bestPrec)) {
			best, bestPrec, found = e, r.precedence, true
		}
	}
	return best, found, nil
}

// Scan returns live rows of table with start <= key < end in key order.
// Nil bounds are open; limit <= 0 means no limit.
func (m *Manager) Scan(table types.TableID, start, end []byte, limit int) ([]KV, error) {
	readers, err := m.snapshot("sstable.scan")
	if err != nil {
		return nil, err
	}
	defer releaseAll(readers)
	m.reads.Add(1)

	var merged []versioned
	for _, r := range readers {
		entries, err := r.Scan(table, start, end, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			merged = append(merged, versioned{Entry: e, prec: r.precedence})
		}
	}
	merged = resolve(merged)

	out := make([]KV, 0, len(merged))
	for _, v := range merged {
		if types.IsTombstone(v.Value) {
			continue
		}
		out = append(out, KV{Key: v.Key, Value: v.Value, Timestamp: v.Timestamp})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// versioned is an entry tagged with the precedence of its table.
type versioned struct {
	Entry
	prec uint64
}

// resolve sorts entries by (table, key) and keeps the winning version of
// each key.
func resolve(entries []versioned) []versioned {
	sort.Slice(entries, func(i, j int) bool {
		if c := Compare(&entries[i].Entry, &entries[j].Entry); c != 0 {
			return c < 0
		}
		return Supersedes(entries[i].Timestamp, entries[i].prec, entries[j].Timestamp, entries[j].prec)
	})
	out := entries[:0]
	for i := range entries {
		if n := len(out); n > 0 && Compare(&out[n-1].Entry, &entries[i].Entry) == 0 {
			continue
		}
		out = append(out, entries[i])
	}
	return out
}

// MergeSSTables merges sources into a new table with id target, swaps it
// into the live set and deletes the sources. Tombstones are dropped only
// when the sources are every live table, since nothing older can remain
// for them to shadow.
//
// The output takes the highest precedence among the sources. Tables ranked
// between two sources keep winning timestamp ties against the older source
// only if they are merged along with it, so strategies pick runs adjacent
// in precedence order.
func (m *Manager) MergeSSTables(sources []ID, target ID) (Info, error) {
	const op = "sstable.merge"
	if len(sources) == 0 {
		return Info{}, dberrors.Newf(dberrors.KindInvalidOperation, op, "no sources")
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Info{}, dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	if _, ok := m.readers[target]; ok {
		m.mu.RUnlock()
		return Info{}, dberrors.AlreadyExists(op, target.String())
	}
	inputs := make([]*Reader, 0, len(sources))
	var precedence uint64
	for _, id := range sources {
		r, ok := m.readers[id]
		if !ok || !r.acquire() {
			m.mu.RUnlock()
			releaseAll(inputs)
			return Info{}, dberrors.NotFound(op, id.String())
		}
		inputs = append(inputs, r)
		precedence = max(precedence, r.precedence)
	}
	purge := len(inputs) == len(m.readers)
	m.mu.RUnlock()

	timer := logging.StartTimer(m.logger, "sstables merged",
		logging.SSTables(idStrings(sources)), logging.SSTable(target.String()))

	var all []versioned
	for _, r := range inputs {
		entries, err := r.Entries()
		if err != nil {
			releaseAll(inputs)
			timer.EndError(err)
			return Info{}, err
		}
		for _, e := range entries {
			all = append(all, versioned{Entry: e, prec: r.precedence})
		}
	}
	releaseAll(inputs)

	all = resolve(all)
	out := make([]Entry, 0, len(all))
	for _, v := range all {
		if purge && types.IsTombstone(v.Value) {
			continue
		}
		out = append(out, v.Entry)
	}

	info, err := writeSSTable(m.dir, target, m.writer, out, precedence)
	if err != nil {
		timer.EndError(err)
		return Info{}, err
	}
	r, err := Open(info.Path, ReaderOptions{Cache: m.cache})
	if err != nil {
		m.deleteFiles(target)
		timer.EndError(err)
		return Info{}, err
	}

	removed, err := m.swap(op, sources, r, info)
	if err != nil {
		_ = r.Close()
		m.deleteFiles(target)
		timer.EndError(err)
		return Info{}, err
	}
	for _, old := range removed {
		m.retire(old)
	}

	m.merges.Add(1)
	timer.End(logging.Entries(info.EntryCount), logging.Bytes(info.Size), logging.Bool("tombstones_purged", purge))
	return info, nil
}

// swap replaces sources with r under the exclusive lock and records the
// compaction.
func (m *Manager) swap(op string, sources []ID, r *Reader, info Info) ([]*Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	if _, ok := m.readers[r.ID()]; ok {
		return nil, dberrors.AlreadyExists(op, r.ID().String())
	}
	removed := make([]*Reader, 0, len(sources))
	for _, id := range sources {
		old, ok := m.readers[id]
		if !ok {
			return nil, dberrors.NotFound(op, id.String())
		}
		removed = append(removed, old)
	}
	if m.recorder != nil {
		if err := m.recorder.RecordCompaction(sources, info); err != nil {
			return nil, err
		}
	}
	for _, id := range sources {
		delete(m.readers, id)
	}
	m.readers[r.ID()] = r
	m.rebuildOrder()
	return removed, nil
}

// RemoveSSTable unregisters a table, records the deletion and removes its
// files.
func (m *Manager) RemoveSSTable(id ID) error {
	const op = "sstable.remove"
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("closed").Err()
	}
	r, ok := m.readers[id]
	if !ok {
		m.mu.Unlock()
		return dberrors.NotFound(op, id.String())
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSSTableDeleted(id); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	delete(m.readers, id)
	m.rebuildOrder()
	m.mu.Unlock()

	m.retire(r)
	m.logger.Info("sstable removed", logging.SSTable(id.String()))
	return nil
}

// DiscardSSTable drops a table without recording anything. Recovery uses it
// for files the manifest never learned about.
func (m *Manager) DiscardSSTable(id ID) error {
	m.mu.Lock()
	r, ok := m.readers[id]
	if ok {
		delete(m.readers, id)
		m.rebuildOrder()
	}
	m.mu.Unlock()
	if !ok {
		return dberrors.NotFound("sstable.discard", id.String())
	}
	m.retire(r)
	m.logger.Warn("discarded unrecorded sstable", logging.SSTable(id.String()))
	return nil
}

// retire drops the manager's reference to an unregistered reader and
// deletes its files. In-flight reads keep the mapping alive until they
// release it.
func (m *Manager) retire(r *Reader) {
	if err := r.Close(); err != nil {
		m.logger.Warn("closing retired sstable", logging.SSTable(r.ID().String()), logging.Error(err))
	}
	m.deleteFiles(r.ID())
}

// deleteFiles removes every component of id, Data.db first so a partial
// delete never leaves a loadable table.
func (m *Manager) deleteFiles(id ID) {
	desc := id.Descriptor(m.dir)
	components := []format.Component{
		format.ComponentData,
		format.ComponentIndex,
		format.ComponentSummary,
		format.ComponentFilter,
		format.ComponentCompressionInfo,
		format.ComponentStatistics,
		format.ComponentDigest,
		format.ComponentTOC,
	}
	for _, c := range components {
		if err := os.Remove(desc.Path(c)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing sstable component", logging.Path(desc.Path(c)), logging.Error(err))
		}
	}
}

// List returns the live tables highest precedence first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, r := range m.order {
		out = append(out, r.info())
	}
	return out
}

// Info returns the description of a live table.
func (m *Manager) Info(id ID) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[id]
	if !ok {
		return Info{}, dberrors.NotFound("sstable.info", id.String())
	}
	return r.info(), nil
}

// Len returns the number of live tables.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readers)
}

// Stats summarizes the live set.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	s := ManagerStats{SSTableCount: len(m.readers)}
	for _, r := range m.readers {
		s.TotalSize += r.Size()
		s.TotalEntries += r.EntryCount()
		s.BloomNegatives += r.bloomNegatives.Load()
	}
	m.mu.RUnlock()

	s.Flushes = m.flushes.Load()
	s.Merges = m.merges.Load()
	s.Reads = m.reads.Load()
	s.CacheHits, s.CacheMisses = m.cache.Stats()
	return s
}

// Close closes every reader. Further calls fail with an invalid operation
// error.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var first error
	for id, r := range m.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.readers, id)
	}
	m.order = nil
	return first
}

func idStrings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// info rebuilds the table description from the header.
func (r *Reader) info() Info {
	var tables []types.TableID
	if r.header.Keyspace != "" || r.header.Table != "" {
		tables = []types.TableID{types.NewTableID(r.header.Keyspace, r.header.Table)}
	}
	var created time.Time
	if fi, err := os.Stat(r.path); err == nil {
		created = fi.ModTime()
	}
	return Info{
		ID:           r.id,
		Path:         r.path,
		Size:         r.size,
		EntryCount:   r.entryCount,
		Tables:       tables,
		MinTimestamp: r.header.Stats.MinTimestamp,
		MaxTimestamp: r.header.Stats.MaxTimestamp,
		Compressed:   r.compression != nil,
		CreatedAt:    created,
		Precedence:   r.precedence,
	}
}
