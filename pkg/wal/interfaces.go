package wal

import (
	"github.com/dd0wney/cluso-sstable/pkg/types"
)

// Appender is the write side of a log.
type Appender interface {
	Append(table types.TableID, key types.RowKey, value types.Value) (int64, error)
	AppendTombstone(table types.TableID, key types.RowKey) (int64, error)
	Checkpoint() (int64, error)
}

// Replayer reads a log back in write order.
type Replayer interface {
	ReadAll() ([]Entry, error)
	Replay(handler func(Entry) error) error
}

// Lifecycle covers durability and truncation.
type Lifecycle interface {
	Flush() error
	Truncate() error
	Rotate() error
	RotateTo(offset int64) error
	Size() int64
	Stats() Stats
	Close() error
}

// WriteAheadLog is implemented by WAL and CompressedWAL.
type WriteAheadLog interface {
	Appender
	Replayer
	Lifecycle
}

var (
	_ WriteAheadLog = (*WAL)(nil)
	_ WriteAheadLog = (*CompressedWAL)(nil)
)
