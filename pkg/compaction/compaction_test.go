package compaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
	"github.com/dd0wney/cluso-sstable/pkg/types"
)

func info(gen uint64, size int64) sstable.Info {
	return sstable.Info{ID: sstable.ID{Version: "oa", Generation: gen}, Size: size}
}

func gens(ids []sstable.ID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = id.Generation
	}
	return out
}

func TestSelectCandidates(t *testing.T) {
	tables := []sstable.Info{info(7, 10), info(3, 500), info(5, 40), info(9, 500)}

	tests := []struct {
		name     string
		strategy Strategy
		want     []uint64
	}{
		{"size tiered below limit", SizeTiered{MaxFiles: 4, Ratio: 1.5}, nil},
		{"size tiered over limit", SizeTiered{MaxFiles: 3, Ratio: 1.5}, []uint64{3, 5}},
		{"leveled below limit", Leveled{MaxLevelSize: 2000, Multiplier: 10}, nil},
		{"leveled over limit", Leveled{MaxLevelSize: 1000, Multiplier: 10}, []uint64{3, 5, 7, 9}},
		{"time window below limit", TimeWindow{WindowHours: 1, MaxWindows: 4}, nil},
		{"time window over limit", TimeWindow{WindowHours: 1, MaxWindows: 2}, []uint64{3, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectCandidates(tt.strategy, tables)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, gens(got))
		})
	}
}

func TestSelectCandidates_LeveledSpansLargestPair(t *testing.T) {
	tables := []sstable.Info{info(1, 10), info(4, 900), info(2, 10), info(3, 900)}
	got := SelectCandidates(Leveled{MaxLevelSize: 100, Multiplier: 10}, tables)
	assert.Equal(t, []uint64{3, 4}, gens(got))

	// the table ranked between the two largest joins the merge
	tables = []sstable.Info{info(1, 900), info(2, 10), info(3, 900), info(4, 20)}
	got = SelectCandidates(Leveled{MaxLevelSize: 100, Multiplier: 10}, tables)
	assert.Equal(t, []uint64{1, 2, 3}, gens(got))
}

func TestSelectCandidates_OrdersByPrecedence(t *testing.T) {
	merged := info(10, 100)
	merged.Precedence = 2 // output of merging generations 1 and 2
	tables := []sstable.Info{info(4, 100), merged, info(3, 100)}

	got := SelectCandidates(SizeTiered{MaxFiles: 2, Ratio: 1.5}, tables)
	assert.Equal(t, []uint64{10, 3}, gens(got))
}

func TestSelectCandidates_NeedsTwoTables(t *testing.T) {
	assert.Empty(t, SelectCandidates(Leveled{MaxLevelSize: 1, Multiplier: 10}, []sstable.Info{info(1, 100)}))
	assert.Empty(t, SelectCandidates(nil, []sstable.Info{info(1, 1), info(2, 1)}))
}

func TestStrategyValidate(t *testing.T) {
	valid := []Strategy{DefaultSizeTiered(), DefaultLeveled(), DefaultTimeWindow()}
	for _, s := range valid {
		assert.NoError(t, s.Validate(), s.Name())
	}

	invalid := []Strategy{
		SizeTiered{MaxFiles: 0, Ratio: 1},
		SizeTiered{MaxFiles: 4, Ratio: 0},
		Leveled{MaxLevelSize: 0, Multiplier: 10},
		Leveled{MaxLevelSize: 10, Multiplier: 0.5},
		TimeWindow{WindowHours: 0, MaxWindows: 2},
		TimeWindow{WindowHours: 1, MaxWindows: 0},
	}
	for _, s := range invalid {
		err := s.Validate()
		require.Error(t, err, "%#v", s)
		assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))
	}
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]string{
		"":            SizeTieredName,
		"size_tiered": SizeTieredName,
		"LEVELED":     LeveledName,
		"twcs":        TimeWindowName,
	} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	_, err := ParseStrategy("random")
	assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))
}

// fakeTables merges by replacing the inputs with a single new table.
type fakeTables struct {
	mu      sync.Mutex
	tables  []sstable.Info
	next    uint64
	fail    error
	merges  atomic.Int32
	release chan struct{} // when set, merges block until it is closed
}

func newFakeTables(n int) *fakeTables {
	f := &fakeTables{}
	for i := 1; i <= n; i++ {
		f.tables = append(f.tables, info(uint64(i), int64(i*100)))
	}
	f.next = uint64(n)
	return f
}

func (f *fakeTables) List() []sstable.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sstable.Info(nil), f.tables...)
}

func (f *fakeTables) NewID() sstable.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return sstable.ID{Version: "oa", Generation: f.next}
}

func (f *fakeTables) MergeSSTables(sources []sstable.ID, target sstable.ID) (sstable.Info, error) {
	f.merges.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return sstable.Info{}, f.fail
	}
	drop := make(map[sstable.ID]bool, len(sources))
	var size int64
	kept := f.tables[:0]
	for _, s := range sources {
		drop[s] = true
	}
	for _, t := range f.tables {
		if drop[t.ID] {
			size += t.Size
			continue
		}
		kept = append(kept, t)
	}
	out := sstable.Info{ID: target, Size: size}
	f.tables = append(kept, out)
	return out, nil
}

func newTestManager(t *testing.T, tables Tables, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	m, err := NewManager(tables, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestManager_RunOnce(t *testing.T) {
	tables := newFakeTables(3)
	var results []Result
	m := newTestManager(t, tables, Options{
		Strategy:   SizeTiered{MaxFiles: 2, Ratio: 1},
		OnComplete: func(r Result) { results = append(results, r) },
	})

	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []uint64{1, 2}, gens(res.Inputs))
	assert.Equal(t, uint64(4), res.Output.ID.Generation)
	assert.Len(t, tables.List(), 2)

	// two tables left, at the limit
	res, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)

	s := m.Stats()
	assert.Equal(t, int64(1), s.CompactionsStarted)
	assert.Equal(t, int64(1), s.CompactionsCompleted)
	assert.Equal(t, int64(2), s.SSTablesCompacted)
	assert.Equal(t, s.TotalDuration, s.AverageDuration)
	assert.Len(t, results, 1)
}

func TestManager_FailureKeepsCandidates(t *testing.T) {
	tables := newFakeTables(3)
	tables.fail = dberrors.Io("sstable.merge", "disk", errors.New("no space left"))
	m := newTestManager(t, tables, Options{Strategy: SizeTiered{MaxFiles: 2, Ratio: 1}})

	res, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, dberrors.IsKind(err, dberrors.KindCompaction))
	assert.True(t, dberrors.Recoverable(err))
	assert.Equal(t, err, res.Err)
	assert.Len(t, tables.List(), 3)

	tables.mu.Lock()
	tables.fail = nil
	tables.mu.Unlock()

	res, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, gens(res.Inputs))

	s := m.Stats()
	assert.Equal(t, int64(2), s.CompactionsStarted)
	assert.Equal(t, int64(1), s.CompactionsFailed)
	assert.Equal(t, int64(1), s.CompactionsCompleted)
}

func TestManager_BackgroundLoop(t *testing.T) {
	tables := newFakeTables(6)
	m := newTestManager(t, tables, Options{
		Strategy: SizeTiered{MaxFiles: 2, Ratio: 1},
		Interval: 5 * time.Millisecond,
	})
	m.Start()
	m.Start()

	require.Eventually(t, func() bool {
		return len(tables.List()) <= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Shutdown())
	s := m.Stats()
	assert.GreaterOrEqual(t, s.CompactionsCompleted, int64(4))
	assert.GreaterOrEqual(t, s.P99Duration, s.P50Duration)
}

func TestManager_Trigger(t *testing.T) {
	tables := newFakeTables(3)
	m := newTestManager(t, tables, Options{
		Strategy: SizeTiered{MaxFiles: 2, Ratio: 1},
		Interval: time.Hour,
	})
	m.Start()
	m.Trigger()

	require.Eventually(t, func() bool {
		return m.Stats().CompactionsCompleted == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_ShutdownWaitsForRunningMerge(t *testing.T) {
	tables := newFakeTables(3)
	tables.release = make(chan struct{})
	m := newTestManager(t, tables, Options{Strategy: SizeTiered{MaxFiles: 2, Ratio: 1}})

	require.NoError(t, m.RunAsync(context.Background()))
	require.Eventually(t, func() bool { return tables.merges.Load() == 1 }, 5*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a merge was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(tables.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, int64(1), m.Stats().CompactionsCompleted)

	err := m.RunAsync(context.Background())
	assert.True(t, dberrors.IsKind(err, dberrors.KindInvalidOperation))
}

func TestManager_RunOnceHonoursContext(t *testing.T) {
	tables := newFakeTables(3)
	tables.release = make(chan struct{})
	m := newTestManager(t, tables, Options{Strategy: SizeTiered{MaxFiles: 2, Ratio: 1}})

	require.NoError(t, m.RunAsync(context.Background()))
	require.Eventually(t, func() bool { return tables.merges.Load() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.RunOnce(ctx)
	assert.True(t, dberrors.IsKind(err, dberrors.KindConcurrency))

	close(tables.release)
}

func TestNewManager_RejectsBadOptions(t *testing.T) {
	_, err := NewManager(newFakeTables(0), Options{Strategy: SizeTiered{}})
	assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))

	_, err = NewManager(newFakeTables(0), Options{Interval: -time.Second})
	assert.True(t, dberrors.IsKind(err, dberrors.KindConfiguration))

	m, err := NewManager(newFakeTables(0), Options{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	assert.Equal(t, SizeTieredName, m.Strategy().Name())
}

func TestManager_WithSSTableManager(t *testing.T) {
	table := types.NewTableID("shop", "orders")
	sm, err := sstable.NewManager(t.TempDir(), sstable.ManagerOptions{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer sm.Close()

	_, err = sm.CreateFromBuffer([]sstable.Entry{
		{Table: table, Key: types.RowKey("a"), Value: types.Text("1"), Timestamp: 1},
		{Table: table, Key: types.RowKey("b"), Value: types.Text("1"), Timestamp: 2},
	})
	require.NoError(t, err)
	_, err = sm.CreateFromBuffer([]sstable.Entry{
		{Table: table, Key: types.RowKey("b"), Value: types.Text("2"), Timestamp: 3},
	})
	require.NoError(t, err)

	m := newTestManager(t, sm, Options{Strategy: SizeTiered{MaxFiles: 1, Ratio: 1}})
	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, sm.Len())
	assert.Equal(t, uint64(2), res.Output.EntryCount)

	v, ok, err := sm.Get(table, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Text("2"), v)
}
