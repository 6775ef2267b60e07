package wal

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-sstable/pkg/types"
)

func TestCompressedWAL_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenCompressed(dir, testOptions(SyncFull))
	if err != nil {
		t.Fatalf("Failed to open compressed WAL: %v", err)
	}
	if filepath.Base(w.Path()) != CompressedFileName {
		t.Errorf("Path = %s", w.Path())
	}

	value := types.Text(strings.Repeat("compressible ", 200))
	for i := 0; i < 10; i++ {
		if _, err := w.Append(table, types.RowKey{byte(i)}, value); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	if _, err := w.AppendTombstone(table, types.RowKey{0}); err != nil {
		t.Fatalf("Failed to append tombstone: %v", err)
	}

	uncompressed, compressed, ratio := w.CompressionStats()
	if compressed >= uncompressed || ratio <= 0.5 {
		t.Errorf("Compression stats: %d -> %d (ratio %.2f)", uncompressed, compressed, ratio)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	w2, err := OpenCompressed(dir, testOptions(SyncNone))
	if err != nil {
		t.Fatalf("Failed to reopen compressed WAL: %v", err)
	}
	defer w2.Close()
	entries, err := w2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 11 {
		t.Fatalf("Expected 11 entries, got %d", len(entries))
	}
	if p := entries[3].(Put); p.Value != value || p.Key[0] != 3 {
		t.Errorf("entries[3] = %+v", p)
	}
	if _, ok := entries[10].(Delete); !ok {
		t.Errorf("entries[10] = %T, want Delete", entries[10])
	}
}

func TestCompressedWAL_SeparateFromPlainLog(t *testing.T) {
	dir := t.TempDir()
	plain := openWAL(t, dir, SyncNone)
	if _, err := plain.Append(table, types.RowKey("k"), types.Int(1)); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	c, err := OpenCompressed(dir, testOptions(SyncNone))
	if err != nil {
		t.Fatalf("Failed to open compressed WAL: %v", err)
	}
	defer c.Close()
	entries, err := c.ReadAll()
	if err != nil || len(entries) != 0 {
		t.Errorf("Compressed log sees %d entries, err %v", len(entries), err)
	}
}
