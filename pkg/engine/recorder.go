package engine

import (
	"github.com/dd0wney/cluso-sstable/pkg/manifest"
	"github.com/dd0wney/cluso-sstable/pkg/metrics"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
)

// manifestRecorder persists live-set changes made by the SSTable manager.
type manifestRecorder struct {
	m       *manifest.Manifest
	metrics *metrics.Registry
}

var _ sstable.Recorder = (*manifestRecorder)(nil)

func metadataOf(info sstable.Info) manifest.SSTableMetadata {
	tables := make([]string, len(info.Tables))
	for i, t := range info.Tables {
		tables[i] = string(t)
	}
	return manifest.SSTableMetadata{
		ID:           info.ID.String(),
		Generation:   info.ID.Generation,
		Tables:       tables,
		Size:         info.Size,
		EntryCount:   info.EntryCount,
		CreatedAt:    info.CreatedAt.UnixMicro(),
		Compressed:   info.Compressed,
		MinTimestamp: info.MinTimestamp,
		MaxTimestamp: info.MaxTimestamp,
		Precedence:   info.Precedence,
	}
}

func (r *manifestRecorder) RecordSSTableCreated(info sstable.Info) error {
	err := r.m.RecordSSTableCreated(metadataOf(info))
	r.observe(manifest.KindSSTableCreated, err)
	return err
}

func (r *manifestRecorder) RecordCompaction(inputs []sstable.ID, output sstable.Info) error {
	ids := make([]string, len(inputs))
	for i, id := range inputs {
		ids[i] = id.String()
	}
	err := r.m.RecordCompaction(ids, metadataOf(output))
	r.observe(manifest.KindCompaction, err)
	return err
}

func (r *manifestRecorder) RecordSSTableDeleted(id sstable.ID) error {
	err := r.m.RecordSSTableDeleted(id.String())
	r.observe(manifest.KindSSTableDeleted, err)
	return err
}

func (r *manifestRecorder) RecordSchemaChange(table string, version uint32) error {
	err := r.m.RecordSchemaChange(table, version)
	r.observe(manifest.KindSchemaChange, err)
	return err
}

func (r *manifestRecorder) observe(kind manifest.EntryKind, err error) {
	if r.metrics == nil {
		return
	}
	s := r.m.Stats()
	r.metrics.RecordManifestWrite(kind.String(), err, s.Version, s.SSTableCount)
}
