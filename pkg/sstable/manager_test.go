package sstable

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/types"
)

type recordingRecorder struct {
	mu          sync.Mutex
	created     []ID
	compactions [][]ID
	deleted     []ID
	fail        error
}

func (r *recordingRecorder) RecordSSTableCreated(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.created = append(r.created, info.ID)
	return nil
}

func (r *recordingRecorder) RecordCompaction(inputs []ID, output Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.compactions = append(r.compactions, append(append([]ID{}, inputs...), output.ID))
	return nil
}

func (r *recordingRecorder) RecordSSTableDeleted(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func newTestManager(t *testing.T, dir string, rec Recorder) *Manager {
	t.Helper()
	m, err := NewManager(dir, ManagerOptions{
		CacheCapacity: 32,
		Recorder:      rec,
		Logger:        logging.NewNopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func put(key, value string, ts int64) Entry {
	return Entry{Table: testTable, Key: types.RowKey(key), Value: types.Text(value), Timestamp: ts}
}

func del(key string, ts int64) Entry {
	return Entry{Table: testTable, Key: types.RowKey(key), Value: types.Tombstone{}, Timestamp: ts}
}

func scanKeys(t *testing.T, m *Manager) map[string]string {
	t.Helper()
	rows, err := m.Scan(testTable, nil, nil, 0)
	require.NoError(t, err)
	out := make(map[string]string, len(rows))
	for _, kv := range rows {
		out[string(kv.Key)] = string(kv.Value.(types.Text))
	}
	return out
}

func TestManager_NewestWins(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	_, err := m.CreateFromBuffer([]Entry{put("k", "A", 1)})
	require.NoError(t, err)
	_, err = m.CreateFromBuffer([]Entry{put("k", "B", 2)})
	require.NoError(t, err)

	v, ok, err := m.Get(testTable, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Text("B"), v)
	assert.Equal(t, map[string]string{"k": "B"}, scanKeys(t, m))
}

func TestManager_LaterTimestampBeatsNewerTable(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	_, err := m.CreateFromBuffer([]Entry{put("k", "late", 20)})
	require.NoError(t, err)
	_, err = m.CreateFromBuffer([]Entry{put("k", "early", 10)})
	require.NoError(t, err)

	v, ok, err := m.Get(testTable, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Text("late"), v)
}

func TestManager_TombstoneShadowsOlderValue(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	_, err := m.CreateFromBuffer([]Entry{put("a", "1", 1), put("b", "1", 1)})
	require.NoError(t, err)
	_, err = m.CreateFromBuffer([]Entry{del("a", 2)})
	require.NoError(t, err)

	_, ok, err := m.Get(testTable, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	e, ok, err := m.GetEntry(testTable, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, types.IsTombstone(e.Value))

	assert.Equal(t, map[string]string{"b": "1"}, scanKeys(t, m))
}

func TestManager_CreateFromBufferSortsAndDedupes(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	info, err := m.CreateFromBuffer([]Entry{
		put("c", "3", 3),
		put("a", "first", 1),
		put("b", "2", 2),
		put("a", "second", 4),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.EntryCount)
	assert.Equal(t, map[string]string{"a": "second", "b": "2", "c": "3"}, scanKeys(t, m))

	_, err = m.CreateFromBuffer(nil)
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
}

func TestManager_ScanRangeAndLimit(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	var first, second []Entry
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%02d", i)
		if i%2 == 0 {
			first = append(first, put(key, "old", 1))
		} else {
			second = append(second, put(key, "new", 2))
		}
	}
	_, err := m.CreateFromBuffer(first)
	require.NoError(t, err)
	_, err = m.CreateFromBuffer(second)
	require.NoError(t, err)

	rows, err := m.Scan(testTable, []byte("k05"), []byte("k15"), 0)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for i, kv := range rows {
		assert.Equal(t, fmt.Sprintf("k%02d", i+5), string(kv.Key))
	}

	rows, err = m.Scan(testTable, nil, nil, 4)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "k03", string(rows[3].Key))
}

func TestManager_MergeSSTables(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingRecorder{}
	m := newTestManager(t, dir, rec)

	f1, err := m.CreateFromBuffer([]Entry{put("a", "1", 1), put("b", "1", 1)})
	require.NoError(t, err)
	f2, err := m.CreateFromBuffer([]Entry{put("b", "2", 2), put("c", "2", 2)})
	require.NoError(t, err)
	before := scanKeys(t, m)

	target := m.NewID()
	out, err := m.MergeSSTables([]ID{f1.ID, f2.ID}, target)
	require.NoError(t, err)

	assert.Equal(t, target, out.ID)
	assert.Equal(t, uint64(3), out.EntryCount)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, before, scanKeys(t, m))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "2"}, before)

	for _, id := range []ID{f1.ID, f2.ID} {
		_, err := os.Stat(id.DataPath(dir))
		assert.True(t, os.IsNotExist(err), "source %s still on disk", id)
		_, err = os.Stat(id.Descriptor(dir).Path(format.ComponentTOC))
		assert.True(t, os.IsNotExist(err))
	}

	require.Len(t, rec.compactions, 1)
	assert.Equal(t, []ID{f1.ID, f2.ID, target}, rec.compactions[0])
	assert.Len(t, rec.created, 2)
}

func TestManager_MergePurgesTombstonesOnlyWhenComplete(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	base, err := m.CreateFromBuffer([]Entry{put("a", "1", 1), put("b", "1", 1)})
	require.NoError(t, err)
	f2, err := m.CreateFromBuffer([]Entry{del("a", 2)})
	require.NoError(t, err)
	f3, err := m.CreateFromBuffer([]Entry{put("c", "3", 3)})
	require.NoError(t, err)

	// base is not merged, so the tombstone must survive to shadow it.
	partial, err := m.MergeSSTables([]ID{f2.ID, f3.ID}, m.NewID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), partial.EntryCount)
	assert.Equal(t, map[string]string{"b": "1", "c": "3"}, scanKeys(t, m))

	full, err := m.MergeSSTables([]ID{base.ID, partial.ID}, m.NewID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), full.EntryCount)
	assert.Equal(t, map[string]string{"b": "1", "c": "3"}, scanKeys(t, m))
}

func TestManager_MergeOfOlderTablesKeepsNewerWriteWinning(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, ManagerOptions{Logger: logging.NewNopLogger()})
	require.NoError(t, err)

	// timestamps tie, so table order alone decides
	f1, err := m.CreateFromBuffer([]Entry{put("k", "A", 0)})
	require.NoError(t, err)
	f2, err := m.CreateFromBuffer([]Entry{put("j", "x", 0)})
	require.NoError(t, err)
	f3, err := m.CreateFromBuffer([]Entry{put("k", "B", 0)})
	require.NoError(t, err)

	merged, err := m.MergeSSTables([]ID{f1.ID, f2.ID}, m.NewID())
	require.NoError(t, err)
	assert.Greater(t, merged.ID.Generation, f3.ID.Generation)
	assert.Equal(t, f2.Precedence, merged.Precedence)
	assert.Less(t, merged.Precedence, f3.Precedence)

	v, ok, err := m.Get(testTable, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Text("B"), v)
	assert.Equal(t, map[string]string{"j": "x", "k": "B"}, scanKeys(t, m))
	assert.Equal(t, f3.ID, m.List()[0].ID)
	require.NoError(t, m.Close())

	// precedence survives a reopen
	m2 := newTestManager(t, dir, nil)
	got, err := m2.Info(merged.ID)
	require.NoError(t, err)
	assert.Equal(t, merged.Precedence, got.Precedence)
	v, _, err = m2.Get(testTable, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, types.Text("B"), v)

	// merging the rest yields the newest precedence and the same answer
	final, err := m2.MergeSSTables([]ID{merged.ID, f3.ID}, m2.NewID())
	require.NoError(t, err)
	assert.Equal(t, f3.Precedence, final.Precedence)
	assert.Equal(t, map[string]string{"j": "x", "k": "B"}, scanKeys(t, m2))
}

func TestManager_MergeErrors(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	f1, err := m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	require.NoError(t, err)
	f2, err := m.CreateFromBuffer([]Entry{put("b", "1", 1)})
	require.NoError(t, err)

	_, err = m.MergeSSTables([]ID{f1.ID, {Version: DefaultVersion, Generation: 99}}, m.NewID())
	assert.True(t, dberrors.IsNotFound(err))

	_, err = m.MergeSSTables([]ID{f1.ID}, f2.ID)
	assert.True(t, dberrors.IsKind(err, dberrors.KindAlreadyExists))

	_, err = m.MergeSSTables(nil, m.NewID())
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))

	assert.Equal(t, 2, m.Len())
}

func TestManager_RecorderFailureLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingRecorder{fail: errors.New("manifest unavailable")}
	m := newTestManager(t, dir, rec)

	info, err := m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
	_, statErr := os.Stat(ID{Version: DefaultVersion, Generation: 1}.DataPath(dir))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, info.Path)

	rec.fail = nil
	f1, err := m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	require.NoError(t, err)
	f2, err := m.CreateFromBuffer([]Entry{put("b", "1", 1)})
	require.NoError(t, err)

	rec.fail = errors.New("manifest unavailable")
	target := m.NewID()
	_, err = m.MergeSSTables([]ID{f1.ID, f2.ID}, target)
	require.Error(t, err)
	assert.Equal(t, 2, m.Len())
	_, statErr = os.Stat(target.DataPath(dir))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, map[string]string{"a": "1", "b": "1"}, scanKeys(t, m))
}

func TestManager_RemoveSSTable(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingRecorder{}
	m := newTestManager(t, dir, rec)

	info, err := m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	require.NoError(t, err)
	require.NoError(t, m.RemoveSSTable(info.ID))

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []ID{info.ID}, rec.deleted)
	_, err = os.Stat(info.Path)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, dberrors.IsNotFound(m.RemoveSSTable(info.ID)))
}

func TestManager_ReopenContinuesGenerations(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, ManagerOptions{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	_, err = m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	require.NoError(t, err)
	last, err := m.CreateFromBuffer([]Entry{put("a", "2", 2)})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// A stray temporary file from an interrupted flush is cleaned up.
	require.NoError(t, os.WriteFile(last.ID.DataPath(dir)+".tmp", []byte("partial"), 0o644))

	m2 := newTestManager(t, dir, nil)
	assert.Equal(t, 2, m2.Len())
	assert.Greater(t, m2.NewID().Generation, last.ID.Generation)
	_, err = os.Stat(last.ID.DataPath(dir) + ".tmp")
	assert.True(t, os.IsNotExist(err))

	v, ok, err := m2.Get(testTable, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Text("2"), v)

	list := m2.List()
	require.Len(t, list, 2)
	assert.Equal(t, last.ID, list[0].ID)
	assert.Equal(t, []types.TableID{testTable}, list[0].Tables)
}

func TestManager_ConcurrentReadsDuringMerge(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	var ids []ID
	for i := 0; i < 4; i++ {
		var entries []Entry
		for j := 0; j < 50; j++ {
			entries = append(entries, put(fmt.Sprintf("k%03d", j), fmt.Sprintf("v%d", i), int64(i)))
		}
		info, err := m.CreateFromBuffer(entries)
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, ok, err := m.Get(testTable, []byte("k010"))
				if err != nil {
					errs <- err
					return
				}
				if !ok || v != types.Text("v3") {
					errs <- fmt.Errorf("read %v, %v", v, ok)
					return
				}
			}
		}()
	}

	_, err := m.MergeSSTables(ids[:2], m.NewID())
	require.NoError(t, err)
	_, err = m.MergeSSTables(ids[2:], m.NewID())
	require.NoError(t, err)
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	stats := m.Stats()
	assert.Equal(t, 2, stats.SSTableCount)
	assert.Equal(t, int64(4), stats.Flushes)
	assert.Equal(t, int64(2), stats.Merges)
}

func TestManager_Closed(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, _, err = m.Get(testTable, []byte("a"))
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
	_, err = m.CreateFromBuffer([]Entry{put("a", "1", 1)})
	assert.Error(t, err)
}
