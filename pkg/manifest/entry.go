package manifest

import (
	"slices"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
)

// SSTableMetadata is the manifest's record of one live SSTable.
type SSTableMetadata struct {
	// ID is the "{version}-{generation}-{size}" name of the table.
	ID         string   `json:"id"`
	Generation uint64   `json:"generation"`
	Tables     []string `json:"tables"`
	Size       int64    `json:"size"`
	EntryCount uint64   `json:"entry_count"`
	// CreatedAt is microseconds since the Unix epoch.
	CreatedAt    int64 `json:"created_at"`
	Compressed   bool  `json:"compressed"`
	MinTimestamp int64 `json:"min_timestamp"`
	MaxTimestamp int64 `json:"max_timestamp"`
	// Precedence breaks timestamp ties between tables; merge outputs keep
	// the highest precedence of their inputs.
	Precedence uint64 `json:"precedence,omitempty"`
}

// TableID returns the owning table, or "" for a file holding several.
func (m SSTableMetadata) TableID() string {
	if len(m.Tables) == 1 {
		return m.Tables[0]
	}
	return ""
}

func (m SSTableMetadata) clone() SSTableMetadata {
	m.Tables = slices.Clone(m.Tables)
	return m
}

// EntryKind discriminates manifest mutations.
type EntryKind uint8

const (
	KindSSTableCreated EntryKind = iota + 1
	KindSSTableDeleted
	KindCompaction
	KindSchemaChange
)

func (k EntryKind) String() string {
	switch k {
	case KindSSTableCreated:
		return "sstable_created"
	case KindSSTableDeleted:
		return "sstable_deleted"
	case KindCompaction:
		return "compaction"
	case KindSchemaChange:
		return "schema_change"
	default:
		return "unknown"
	}
}

// Entry is one mutation of the manifest. The set of implementations is
// closed.
type Entry interface {
	Kind() EntryKind
	isEntry()
}

type (
	SSTableCreated struct {
		Metadata SSTableMetadata
	}
	SSTableDeleted struct {
		ID string
	}
	Compaction struct {
		Inputs []string
		Output SSTableMetadata
	}
	SchemaChange struct {
		Table   string
		Version uint32
	}
)

func (SSTableCreated) Kind() EntryKind { return KindSSTableCreated }
func (SSTableDeleted) Kind() EntryKind { return KindSSTableDeleted }
func (Compaction) Kind() EntryKind     { return KindCompaction }
func (SchemaChange) Kind() EntryKind   { return KindSchemaChange }

func (SSTableCreated) isEntry() {}
func (SSTableDeleted) isEntry() {}
func (Compaction) isEntry()     {}
func (SchemaChange) isEntry()   {}

// Record is an applied mutation kept in the in-memory history.
type Record struct {
	Version uint64
	At      time.Time
	Entry   Entry
}

// apply mutates s according to e. s must be a private copy.
func apply(s *State, e Entry) error {
	const op = "manifest.apply"
	switch e := e.(type) {
	case SSTableCreated:
		if e.Metadata.ID == "" {
			return dberrors.Newf(dberrors.KindInvalidOperation, op, "sstable metadata without id")
		}
		if _, ok := s.ActiveSSTables[e.Metadata.ID]; ok {
			return dberrors.AlreadyExists(op, e.Metadata.ID)
		}
		s.ActiveSSTables[e.Metadata.ID] = e.Metadata.clone()
	case SSTableDeleted:
		if _, ok := s.ActiveSSTables[e.ID]; !ok {
			return dberrors.NotFound(op, e.ID)
		}
		delete(s.ActiveSSTables, e.ID)
	case Compaction:
		for _, id := range e.Inputs {
			if _, ok := s.ActiveSSTables[id]; !ok {
				return dberrors.NotFound(op, id)
			}
		}
		if _, ok := s.ActiveSSTables[e.Output.ID]; ok {
			return dberrors.AlreadyExists(op, e.Output.ID)
		}
		for _, id := range e.Inputs {
			delete(s.ActiveSSTables, id)
		}
		s.ActiveSSTables[e.Output.ID] = e.Output.clone()
	case SchemaChange:
		if e.Table == "" {
			return dberrors.Newf(dberrors.KindInvalidOperation, op, "schema change without table")
		}
		s.SchemaVersions[e.Table] = e.Version
	default:
		return dberrors.Newf(dberrors.KindInternal, op, "unknown entry %T", e)
	}
	return nil
}
