package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
)

// DefaultInterval is the background loop period.
const DefaultInterval = time.Minute

// Tables is the part of the SSTable manager compaction drives.
type Tables interface {
	List() []sstable.Info
	NewID() sstable.ID
	MergeSSTables(sources []sstable.ID, target sstable.ID) (sstable.Info, error)
}

// Options configures a Manager.
type Options struct {
	Strategy Strategy
	Interval time.Duration
	Logger   logging.Logger
	// OnComplete, if set, is called after every attempted merge.
	OnComplete func(Result)
}

// Result describes one attempted merge.
type Result struct {
	Inputs   []sstable.ID
	Output   sstable.Info
	Duration time.Duration
	Err      error
}

// Stats tracks compaction activity.
type Stats struct {
	CompactionsStarted   int64
	CompactionsCompleted int64
	CompactionsFailed    int64
	SSTablesCompacted    int64
	TotalDuration        time.Duration
	AverageDuration      time.Duration
	P50Duration          time.Duration
	P99Duration          time.Duration
	LastCompaction       time.Time
}

// Manager runs a Strategy against a set of tables. At most one merge runs
// at a time.
type Manager struct {
	tables     Tables
	strategy   Strategy
	interval   time.Duration
	logger     logging.Logger
	onComplete func(Result)

	sem     *semaphore.Weighted
	tasks   errgroup.Group
	trigger chan struct{}

	mu      sync.Mutex
	stats   Stats
	hist    *hdrhistogram.Histogram // microseconds
	started bool
	closed  bool
	stopCh  chan struct{}
}

// NewManager validates opts and returns an idle manager; call Start for
// background compaction.
func NewManager(tables Tables, opts Options) (*Manager, error) {
	if opts.Strategy == nil {
		opts.Strategy = DefaultSizeTiered()
	}
	if err := opts.Strategy.Validate(); err != nil {
		return nil, err
	}
	if opts.Interval < 0 {
		return nil, dberrors.Configuration("compaction.manager", "negative interval %v", opts.Interval)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	return &Manager{
		tables:     tables,
		strategy:   opts.Strategy,
		interval:   opts.Interval,
		logger:     logging.OrDefault(opts.Logger).With(logging.Component("compaction")),
		onComplete: opts.OnComplete,
		sem:        semaphore.NewWeighted(1),
		trigger:    make(chan struct{}, 1),
		hist:       hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		stopCh:     make(chan struct{}),
	}, nil
}

// Strategy returns the active strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// Start launches the background loop. Calling it twice, or after
// Shutdown, does nothing.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.tasks.Go(func() error {
		m.loop()
		return nil
	})
	m.logger.Info("compaction loop started",
		logging.String("strategy", m.strategy.Name()),
		logging.Duration("interval", m.interval))
}

// Trigger asks the background loop for a cycle without waiting for the
// next tick.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		if !m.sem.TryAcquire(1) {
			continue // a merge is already running
		}
		if _, err := m.cycle(); err != nil {
			m.logger.Error("background compaction failed", logging.Error(err))
		}
		m.sem.Release(1)
	}
}

// RunOnce runs one selection and, when the strategy picks candidates, one
// merge. It returns nil when there was nothing to do.
func (m *Manager) RunOnce(ctx context.Context) (*Result, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, dberrors.New(dberrors.KindConcurrency, "compaction.run").Cause(err).Err()
	}
	defer m.sem.Release(1)
	return m.cycle()
}

// RunAsync runs RunOnce as a tracked task that Shutdown waits for.
func (m *Manager) RunAsync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dberrors.New(dberrors.KindInvalidOperation, "compaction.run_async").Context("shut down").Err()
	}
	m.tasks.Go(func() error {
		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("compaction task failed", logging.Error(err))
		}
		return nil
	})
	return nil
}

// cycle must be called holding the semaphore.
func (m *Manager) cycle() (*Result, error) {
	candidates := SelectCandidates(m.strategy, m.tables.List())
	if len(candidates) == 0 {
		return nil, nil
	}
	res := m.compact(candidates)
	return &res, res.Err
}

func (m *Manager) compact(inputs []sstable.ID) Result {
	m.mu.Lock()
	m.stats.CompactionsStarted++
	m.mu.Unlock()

	start := time.Now()
	target := m.tables.NewID()
	out, err := m.tables.MergeSSTables(inputs, target)
	res := Result{Inputs: inputs, Output: out, Duration: time.Since(start)}

	names := make([]string, len(inputs))
	for i, id := range inputs {
		names[i] = id.String()
	}

	m.mu.Lock()
	if err != nil {
		res.Err = dberrors.New(dberrors.KindCompaction, "compaction.merge").
			Entity(target.String()).Cause(err).Err()
		m.stats.CompactionsFailed++
	} else {
		m.stats.CompactionsCompleted++
		m.stats.SSTablesCompacted += int64(len(inputs))
		m.stats.TotalDuration += res.Duration
		m.stats.LastCompaction = time.Now()
		_ = m.hist.RecordValue(max(res.Duration.Microseconds(), 1))
	}
	m.mu.Unlock()

	if res.Err != nil {
		// candidates stay live and are picked again next cycle
		m.logger.Warn("compaction failed",
			logging.SSTables(names), logging.Latency(res.Duration), logging.Error(err))
	} else {
		m.logger.Info("compaction completed",
			logging.SSTables(names),
			logging.SSTable(out.ID.String()),
			logging.Entries(out.EntryCount),
			logging.Bytes(out.Size),
			logging.Latency(res.Duration))
	}
	if m.onComplete != nil {
		m.onComplete(res)
	}
	return res
}

// Stats returns a snapshot of compaction statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	if s.CompactionsCompleted > 0 {
		s.AverageDuration = s.TotalDuration / time.Duration(s.CompactionsCompleted)
		s.P50Duration = time.Duration(m.hist.ValueAtQuantile(50)) * time.Microsecond
		s.P99Duration = time.Duration(m.hist.ValueAtQuantile(99)) * time.Microsecond
	}
	return s
}

// Shutdown stops the background loop and waits for every running task.
// In-flight merges are awaited, not aborted.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	err := m.tasks.Wait()
	m.logger.Info("compaction stopped")
	return err
}
