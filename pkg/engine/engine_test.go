package engine

import (
	"context"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"

	"github.com/dd0wney/cluso-sstable/pkg/config"
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/manifest"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/wal"
)

var orders = types.NewTableID("shop", "orders")

func testConfig(dir string) *config.Config {
	c := config.Default(dir)
	c.WAL.SyncMode = "none"
	c.Compaction.AutoCompaction = false
	c.Compaction.MaxFiles = 1
	return c
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	var now atomic.Int64
	now.Store(1_000_000)
	e, err := Open(cfg,
		WithLogger(logging.NewNopLogger()),
		WithClock(func() int64 { return now.Add(1) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// put logs a write and returns it as a buffered entry.
func put(t *testing.T, e *Engine, key, value string) sstable.Entry {
	t.Helper()
	ts, err := e.Put(orders, types.RowKey(key), types.Text(value))
	require.NoError(t, err)
	return sstable.Entry{Table: orders, Key: types.RowKey(key), Value: types.Text(value), Timestamp: ts}
}

func get(t *testing.T, e *Engine, key string) (string, bool) {
	t.Helper()
	v, ok, err := e.Get(orders, types.RowKey(key))
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	return string(v.(types.Text)), true
}

func counter(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestEngine_FlushCompactAndRead(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	first := []sstable.Entry{put(t, e, "k1", "v1"), put(t, e, "k2", "old")}
	_, err := e.Flush(first)
	require.NoError(t, err)
	second := []sstable.Entry{put(t, e, "k2", "new")}
	_, err = e.Flush(second)
	require.NoError(t, err)

	require.Equal(t, 2, e.SSTables().Len())
	require.Equal(t, 2, e.Manifest().Stats().SSTableCount)

	res, err := e.Compact(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 1, e.SSTables().Len())
	assert.Equal(t, 1, e.Manifest().Stats().SSTableCount)
	active := e.Manifest().ActiveSSTables()
	require.Len(t, active, 1)
	assert.Equal(t, res.Output.ID.String(), active[0].ID)
	assert.Equal(t, res.Output.Precedence, active[0].Precedence)
	assert.Less(t, active[0].Precedence, res.Output.ID.Generation)

	v, ok := get(t, e, "k2")
	require.True(t, ok)
	assert.Equal(t, "new", v)
	v, ok = get(t, e, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	s := e.Stats()
	assert.Equal(t, int64(1), s.Compaction.CompactionsCompleted)
	assert.Equal(t, int64(2), s.Compaction.SSTablesCompacted)
}

func TestEngine_FlushKeepsWritesLoggedDuringFlush(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	buffered := []sstable.Entry{put(t, e, "a", "1"), put(t, e, "b", "2")}
	var late sstable.Entry
	e.afterFlushWrite = func() { late = put(t, e, "c", "3") }

	_, err := e.Flush(buffered)
	require.NoError(t, err)

	logged, err := e.WAL().ReadAll()
	require.NoError(t, err)
	require.Len(t, logged, 1)
	p, ok := logged[0].(wal.Put)
	require.True(t, ok, "got %#v", logged[0])
	assert.Equal(t, "c", string(p.Key))
	assert.Equal(t, late.Timestamp, p.Timestamp)

	_, ok = get(t, e, "c")
	assert.False(t, ok, "late write is not in any sstable yet")
	v, ok := get(t, e, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestEngine_FlushTruncatesWAL(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	entries := []sstable.Entry{put(t, e, "a", "1"), put(t, e, "b", "2")}
	logged, err := e.WAL().ReadAll()
	require.NoError(t, err)
	require.Len(t, logged, 2)

	_, err = e.Flush(entries)
	require.NoError(t, err)

	logged, err = e.WAL().ReadAll()
	require.NoError(t, err)
	assert.Empty(t, logged)
	assert.FileExists(t, e.logFile.BackupPath())
}

func TestEngine_KeepsWALWhenConfigured(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.WAL.TruncateOnFlush = false
	e := openEngine(t, cfg)

	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)

	logged, err := e.WAL().ReadAll()
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestEngine_DeleteShadowsValue(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1"), put(t, e, "b", "2")})
	require.NoError(t, err)

	ts, err := e.Delete(orders, types.RowKey("a"))
	require.NoError(t, err)
	_, err = e.Flush([]sstable.Entry{{Table: orders, Key: types.RowKey("a"), Value: types.Tombstone{}, Timestamp: ts}})
	require.NoError(t, err)

	_, ok := get(t, e, "a")
	assert.False(t, ok)

	rows, err := e.Scan(orders, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.RowKey("b"), rows[0].Key)

	// a full merge drops the tombstone along with the value it shadows
	_, err = e.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.SSTables().Stats().TotalEntries)
}

func TestEngine_ReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, testConfig(dir))
	put(t, e, "a", "1")
	put(t, e, "b", "2")
	_, err := e.Delete(orders, types.RowKey("a"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openEngine(t, testConfig(dir))
	var kinds []wal.EntryKind
	require.NoError(t, e.Replay(func(entry wal.Entry) error {
		kinds = append(kinds, entry.Kind())
		return nil
	}))
	assert.Equal(t, []wal.EntryKind{wal.KindPut, wal.KindPut, wal.KindDelete}, kinds)
}

func TestEngine_ReopenKeepsTables(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, testConfig(dir))
	info, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)
	require.NoError(t, e.RecordSchemaChange(orders, 3))
	version := e.Manifest().Version()
	require.NoError(t, e.Close())

	e = openEngine(t, testConfig(dir))
	v, ok := get(t, e, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, version, e.Manifest().Version())

	sv, ok := e.Manifest().SchemaVersion(string(orders))
	require.True(t, ok)
	assert.Equal(t, uint32(3), sv)

	next, err := e.Flush([]sstable.Entry{put(t, e, "b", "2")})
	require.NoError(t, err)
	assert.Greater(t, next.ID.Generation, info.ID.Generation)
}

func TestEngine_MissingTableIsCorruption(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, testConfig(dir))
	info, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, os.Remove(info.Path))

	_, err = Open(testConfig(dir), WithLogger(logging.NewNopLogger()))
	require.Error(t, err)
	assert.True(t, dberrors.IsCorruption(err), "%v", err)
}

func TestEngine_DiscardsUnrecordedTables(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, testConfig(dir))
	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	orphan, err := sstable.WriteSSTable(dir, sstable.ID{Version: "oa", Generation: 99}, sstable.DefaultWriterOptions(),
		[]sstable.Entry{{Table: orders, Key: types.RowKey("z"), Value: types.Text("orphan"), Timestamp: 5}})
	require.NoError(t, err)

	e = openEngine(t, testConfig(dir))
	assert.Equal(t, 1, e.SSTables().Len())
	assert.NoFileExists(t, orphan.Path)
	_, ok := get(t, e, "z")
	assert.False(t, ok)
}

func TestEngine_FreshManifestAdoptsTables(t *testing.T) {
	dir := t.TempDir()
	info, err := sstable.WriteSSTable(dir, sstable.ID{Version: "oa", Generation: 7}, sstable.DefaultWriterOptions(),
		[]sstable.Entry{{Table: orders, Key: types.RowKey("k"), Value: types.Text("v"), Timestamp: 5}})
	require.NoError(t, err)

	e := openEngine(t, testConfig(dir))
	_, ok := e.Manifest().SSTable(info.ID.String())
	assert.True(t, ok)
	v, found := get(t, e, "k")
	require.True(t, found)
	assert.Equal(t, "v", v)

	// new generations continue past adopted ones
	next, err := e.Flush([]sstable.Entry{put(t, e, "x", "1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next.ID.Generation)
}

func TestEngine_CompressedWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.WAL.Compressed = true
	cfg.WAL.TruncateOnFlush = false
	e := openEngine(t, cfg)

	put(t, e, "a", "some text that compresses some text that compresses")
	require.NoError(t, e.WAL().Flush())
	assert.FileExists(t, dir+"/"+wal.CompressedFileName)
	assert.NoFileExists(t, dir+"/"+wal.FileName)
	assert.Positive(t, e.Stats().WAL.BytesUncompressed)
}

func TestEngine_WALDisabled(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.WAL.Enabled = false
	e := openEngine(t, cfg)

	assert.Nil(t, e.WAL())
	_, err := e.Put(orders, types.RowKey("a"), types.Text("1"))
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))

	_, err = e.Flush([]sstable.Entry{{Table: orders, Key: types.RowKey("a"), Value: types.Text("1"), Timestamp: 1}})
	require.NoError(t, err)
	_, ok := get(t, e, "a")
	assert.True(t, ok)
}

func TestEngine_Metrics(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	m := e.Metrics()
	require.NotNil(t, m)

	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)
	_, err = e.Flush([]sstable.Entry{put(t, e, "b", "2")})
	require.NoError(t, err)
	get(t, e, "a")
	get(t, e, "missing")
	_, err = e.Compact(context.Background())
	require.NoError(t, err)
	e.Stats()

	assert.Equal(t, 2.0, counter(t, m.SSTableFlushesTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, counter(t, m.WALAppendsTotal.WithLabelValues("put")))
	assert.Equal(t, 1.0, counter(t, m.SSTableReadsTotal.WithLabelValues("get", "hit")))
	assert.Equal(t, 1.0, counter(t, m.SSTableReadsTotal.WithLabelValues("get", "miss")))
	assert.Equal(t, 1.0, counter(t, m.CompactionsTotal.WithLabelValues("size_tiered", "success")))
	assert.Equal(t, 1.0, counter(t, m.SSTablesLive))
	assert.Equal(t, float64(e.Manifest().Version()), counter(t, m.ManifestVersion))
}

func TestEngine_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Metrics.Enabled = false
	e := openEngine(t, cfg)
	assert.Nil(t, e.Metrics())

	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)
	e.Stats()
}

func TestEngine_Checkpoint(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	_, err := e.Flush([]sstable.Entry{put(t, e, "a", "1")})
	require.NoError(t, err)

	path, err := e.Checkpoint()
	require.NoError(t, err)
	state, err := manifest.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, state.ActiveSSTables, 1)
}

func TestEngine_Closed(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Put(orders, types.RowKey("a"), types.Text("1"))
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
	_, _, err = e.Get(orders, types.RowKey("a"))
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
	_, err = e.Compact(context.Background())
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	_, err := Open(nil)
	assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))

	cfg := testConfig(t.TempDir())
	cfg.SSTable.BloomFPRate = 2
	_, err = Open(cfg, WithLogger(logging.NewNopLogger()))
	assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))
}
