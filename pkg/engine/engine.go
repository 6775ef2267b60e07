// Package engine ties the write-ahead log, the SSTable manager, the
// manifest and compaction into one store.
//
// Mutations are appended to the WAL. The caller buffers them in memory and
// hands the buffer to Flush, which writes a new SSTable, records it in the
// manifest and, when configured, truncates the WAL.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/compaction"
	"github.com/dd0wney/cluso-sstable/pkg/config"
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/manifest"
	"github.com/dd0wney/cluso-sstable/pkg/metrics"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
	"github.com/dd0wney/cluso-sstable/pkg/types"
	"github.com/dd0wney/cluso-sstable/pkg/wal"
)

// Engine is an open store.
type Engine struct {
	cfg      *config.Config
	logger   logging.Logger
	metrics  *metrics.Registry
	recorder *manifestRecorder

	manifest  *manifest.Manifest
	sstables  *sstable.Manager
	log       wal.WriteAheadLog
	logFile   *wal.WAL
	compactor *compaction.Manager

	mu     sync.RWMutex
	closed bool

	// afterFlushWrite runs between writing a flushed table and trimming
	// the WAL; tests use it to log concurrent writes.
	afterFlushWrite func()
}

// Stats aggregates the statistics of every component.
type Stats struct {
	SSTables   sstable.ManagerStats
	WAL        wal.Stats
	WALSize    int64
	Manifest   manifest.Stats
	Compaction compaction.Stats
}

// Open opens or creates the store in cfg.DataDir and reconciles the files
// on disk with the manifest.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	const op = "engine.open"
	if cfg == nil {
		return nil, dberrors.Configuration(op, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Logger()
	}
	if cfg.Metrics.Enabled && o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if !cfg.Metrics.Enabled {
		o.metrics = nil
	}
	if err := fsutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, dberrors.Io(op, cfg.DataDir, err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  o.logger.With(logging.Component("engine")),
		metrics: o.metrics,
	}
	timer := logging.StartTimer(e.logger, "engine opened", logging.Path(cfg.DataDir))

	mf, err := manifest.Open(cfg.DataDir, manifest.Options{Logger: o.logger})
	if err != nil {
		timer.EndError(err)
		return nil, err
	}
	e.manifest = mf
	e.recorder = &manifestRecorder{m: mf, metrics: o.metrics}

	sm, err := sstable.NewManager(cfg.DataDir, sstable.ManagerOptions{
		Writer:        cfg.WriterOptions(),
		CacheCapacity: cfg.SSTable.CacheChunks,
		Recorder:      e.recorder,
		Logger:        o.logger,
	})
	if err != nil {
		_ = mf.Close()
		timer.EndError(err)
		return nil, err
	}
	e.sstables = sm

	if err := e.reconcile(); err != nil {
		e.closeComponents()
		timer.EndError(err)
		return nil, err
	}

	if cfg.WAL.Enabled {
		if err := e.openWAL(o); err != nil {
			e.closeComponents()
			timer.EndError(err)
			return nil, err
		}
	}

	copts, err := cfg.CompactionOptions(o.logger)
	if err != nil {
		e.closeComponents()
		timer.EndError(err)
		return nil, err
	}
	copts.OnComplete = e.onCompaction
	cm, err := compaction.NewManager(sm, copts)
	if err != nil {
		e.closeComponents()
		timer.EndError(err)
		return nil, err
	}
	e.compactor = cm
	if cfg.Compaction.AutoCompaction {
		cm.Start()
	}

	e.refreshMetrics()
	timer.End(logging.Count(sm.Len()), logging.Version(mf.Version()))
	return e, nil
}

func (e *Engine) openWAL(o options) error {
	wopts, err := e.cfg.WALOptions(o.logger)
	if err != nil {
		return err
	}
	wopts.Clock = o.clock
	if e.cfg.WAL.Compressed {
		cw, err := wal.OpenCompressed(e.cfg.DataDir, wopts)
		if err != nil {
			return err
		}
		e.log, e.logFile = cw, cw.WAL
		return nil
	}
	w, err := wal.Open(e.cfg.DataDir, wopts)
	if err != nil {
		return err
	}
	e.log, e.logFile = w, w
	return nil
}

// reconcile makes the live set and the manifest agree. A table recorded
// in the manifest but missing on disk is corruption. A table on disk the
// manifest never recorded is left over from an interrupted flush or
// compaction and is deleted, except on a brand-new manifest, which adopts
// every table it finds.
func (e *Engine) reconcile() error {
	const op = "engine.recover"
	onDisk := make(map[string]sstable.Info)
	for _, info := range e.sstables.List() {
		onDisk[info.ID.String()] = info
	}

	recorded := e.manifest.ActiveSSTables()
	for _, meta := range recorded {
		if _, ok := onDisk[meta.ID]; !ok {
			return dberrors.Corruption(op, meta.ID, "sstable recorded in manifest is missing from %s", e.cfg.DataDir)
		}
	}

	fresh := e.manifest.Version() == 1 && len(recorded) == 0
	for id, info := range onDisk {
		if _, ok := e.manifest.SSTable(id); ok {
			continue
		}
		if fresh {
			if err := e.recorder.RecordSSTableCreated(info); err != nil {
				return err
			}
			e.logger.Info("adopted sstable", logging.SSTable(id))
			continue
		}
		if err := e.sstables.DiscardSSTable(info.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkOpen(op string) error {
	if e.closed {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("engine closed").Err()
	}
	return nil
}

func (e *Engine) checkWAL(op string) error {
	if err := e.checkOpen(op); err != nil {
		return err
	}
	if e.log == nil {
		return dberrors.New(dberrors.KindInvalidOperation, op).Context("wal disabled").Err()
	}
	return nil
}

// Put logs a write and returns its timestamp.
func (e *Engine) Put(table types.TableID, key types.RowKey, value types.Value) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkWAL("engine.put"); err != nil {
		return 0, err
	}
	ts, err := e.log.Append(table, key, value)
	if e.metrics != nil {
		if err != nil {
			e.metrics.RecordWALError("append")
		} else {
			e.metrics.RecordWALAppend(wal.KindPut.String(), len(table)+len(key)+len(types.EncodeValue(value)))
		}
	}
	return ts, err
}

// Delete logs a tombstone and returns its timestamp.
func (e *Engine) Delete(table types.TableID, key types.RowKey) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkWAL("engine.delete"); err != nil {
		return 0, err
	}
	ts, err := e.log.AppendTombstone(table, key)
	if e.metrics != nil {
		if err != nil {
			e.metrics.RecordWALError("append_tombstone")
		} else {
			e.metrics.RecordWALAppend(wal.KindDelete.String(), len(table)+len(key))
		}
	}
	return ts, err
}

// Replay hands every logged entry to handler in write order, so the
// caller can rebuild its in-memory buffer.
func (e *Engine) Replay(handler func(wal.Entry) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkWAL("engine.replay"); err != nil {
		return err
	}
	return e.log.Replay(handler)
}

// Flush writes entries as a new SSTable. When the WAL is truncated on
// flush, entries must cover everything logged before Flush was called;
// writes logged while the flush runs stay in the WAL.
func (e *Engine) Flush(entries []sstable.Entry) (sstable.Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.flush"); err != nil {
		return sstable.Info{}, err
	}
	truncate := e.log != nil && e.cfg.WAL.TruncateOnFlush
	var mark int64
	if truncate {
		mark = e.log.Size()
	}

	start := time.Now()
	info, err := e.sstables.CreateFromBuffer(entries)
	if e.metrics != nil {
		e.metrics.RecordFlush(err, time.Since(start), info.Size)
	}
	if err != nil {
		return sstable.Info{}, err
	}
	if e.afterFlushWrite != nil {
		e.afterFlushWrite()
	}

	if truncate {
		if err := e.log.RotateTo(mark); err != nil {
			e.recordWALError("rotate")
			return info, err
		}
	}
	e.refreshMetrics()
	return info, nil
}

func (e *Engine) recordWALError(op string) {
	if e.metrics != nil {
		e.metrics.RecordWALError(op)
	}
}

// Get returns the newest live value for (table, key).
func (e *Engine) Get(table types.TableID, key types.RowKey) (types.Value, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.get"); err != nil {
		return nil, false, err
	}
	start := time.Now()
	v, ok, err := e.sstables.Get(table, key)
	if e.metrics != nil {
		e.metrics.RecordRead("get", readResult(ok, err), time.Since(start))
	}
	return v, ok, err
}

// Scan returns live rows of table with start <= key < end; nil bounds are
// open. limit <= 0 means no limit.
func (e *Engine) Scan(table types.TableID, start, end []byte, limit int) ([]sstable.KV, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.scan"); err != nil {
		return nil, err
	}
	began := time.Now()
	rows, err := e.sstables.Scan(table, start, end, limit)
	if e.metrics != nil {
		e.metrics.RecordRead("scan", readResult(len(rows) > 0, err), time.Since(began))
	}
	return rows, err
}

func readResult(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case found:
		return "hit"
	}
	return "miss"
}

// Compact runs one compaction cycle now. It returns nil when the strategy
// selected nothing.
func (e *Engine) Compact(ctx context.Context) (*compaction.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.compact"); err != nil {
		return nil, err
	}
	return e.compactor.RunOnce(ctx)
}

func (e *Engine) onCompaction(res compaction.Result) {
	if e.metrics != nil {
		e.metrics.RecordCompaction(e.compactor.Strategy().Name(), res.Err, res.Duration, len(res.Inputs), res.Output.Size)
	}
	e.refreshMetrics()
}

// RecordSchemaChange records the schema version of table.
func (e *Engine) RecordSchemaChange(table types.TableID, version uint32) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.schema_change"); err != nil {
		return err
	}
	return e.recorder.RecordSchemaChange(string(table), version)
}

// Checkpoint copies the manifest to MANIFEST.checkpoint and returns its
// path.
func (e *Engine) Checkpoint() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen("engine.checkpoint"); err != nil {
		return "", err
	}
	return e.manifest.Checkpoint()
}

// Stats returns the statistics of every component and refreshes the
// exported gauges.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		SSTables:   e.sstables.Stats(),
		Manifest:   e.manifest.Stats(),
		Compaction: e.compactor.Stats(),
	}
	if e.log != nil {
		s.WAL = e.log.Stats()
		s.WALSize = e.logFile.Size()
	}
	e.publish(s)
	return s
}

func (e *Engine) refreshMetrics() {
	if e.metrics == nil {
		return
	}
	s := Stats{SSTables: e.sstables.Stats()}
	if e.log != nil {
		s.WAL = e.log.Stats()
		s.WALSize = e.logFile.Size()
	}
	e.publish(s)
}

func (e *Engine) publish(s Stats) {
	if e.metrics == nil {
		return
	}
	st := s.SSTables
	e.metrics.UpdateSSTableMetrics(st.SSTableCount, st.TotalSize, st.TotalEntries, st.BloomNegatives, st.CacheHits, st.CacheMisses)
	if e.log != nil {
		e.metrics.UpdateWALMetrics(s.WALSize, s.WAL.Syncs, s.WAL.CompressionRatio())
	}
	e.metrics.UpdateSystemMetrics()
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Manifest returns the manifest.
func (e *Engine) Manifest() *manifest.Manifest { return e.manifest }

// WAL returns the write-ahead log, or nil when it is disabled.
func (e *Engine) WAL() wal.WriteAheadLog { return e.log }

// SSTables returns the SSTable manager.
func (e *Engine) SSTables() *sstable.Manager { return e.sstables }

// Compactor returns the compaction manager.
func (e *Engine) Compactor() *compaction.Manager { return e.compactor }

// Metrics returns the metrics registry, or nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// Close stops compaction, waiting for a running merge, then closes the WAL,
// the SSTables and the manifest. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.closeComponents()
	e.logger.Info("engine closed", logging.Path(e.cfg.DataDir))
	return err
}

func (e *Engine) closeComponents() error {
	var errs []error
	if e.compactor != nil {
		errs = append(errs, e.compactor.Shutdown())
	}
	if e.log != nil {
		errs = append(errs, e.log.Close())
	}
	if e.sstables != nil {
		errs = append(errs, e.sstables.Close())
	}
	if e.manifest != nil {
		errs = append(errs, e.manifest.Close())
	}
	return errors.Join(errs...)
}
