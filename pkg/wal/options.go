package wal

import (
	"strings"
	"time"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
)

const (
	FileName           = "wal.log"
	CompressedFileName = "wal_compressed.log"
	BackupSuffix       = ".backup"

	DefaultSyncInterval = 100 * time.Millisecond
	// MaxRecordSize bounds a single record so a corrupt length cannot
	// trigger a huge allocation.
	MaxRecordSize = 64 << 20
)

// SyncMode selects when appends reach stable storage.
type SyncMode uint8

const (
	// SyncNone hands each record to the OS and never fsyncs on its own.
	SyncNone SyncMode = iota
	// SyncNormal fsyncs dirty data every SyncInterval in the background.
	SyncNormal
	// SyncFull fsyncs before every append returns.
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncNormal:
		return "normal"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses "none", "normal" or "full".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "none", "off":
		return SyncNone, nil
	case "normal", "":
		return SyncNormal, nil
	case "full", "always":
		return SyncFull, nil
	default:
		return 0, dberrors.Configuration("wal.sync_mode", "unknown sync mode %q", s)
	}
}

// Options configures a WAL.
type Options struct {
	SyncMode     SyncMode
	SyncInterval time.Duration
	Logger       logging.Logger
	// Clock returns the current time in microseconds; defaults to the
	// wall clock.
	Clock func() int64
}

func (o *Options) applyDefaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.Clock == nil {
		o.Clock = func() int64 { return time.Now().UnixMicro() }
	}
	o.Logger = logging.OrDefault(o.Logger)
}
