// Package compaction selects SSTables for merging and drives the merges,
// either from a background loop or on demand.
package compaction

import (
	"cmp"
	"slices"
	"strings"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
)

// Strategy names
const (
	SizeTieredName = "size_tiered"
	LeveledName    = "leveled"
	TimeWindowName = "time_window"
)

// Strategy decides which live tables to merge. The set of strategies is
// closed: SizeTiered, Leveled and TimeWindow.
type Strategy interface {
	Name() string
	Validate() error
	selectCandidates(tables []sstable.Info) []sstable.Info
}

// SizeTiered merges once more than MaxFiles tables are live.
type SizeTiered struct {
	MaxFiles int
	Ratio    float64 // size ratio between tiers
}

// Leveled merges once the live set outgrows MaxLevelSize bytes. It picks
// the two largest tables together with any tables ranked between them.
type Leveled struct {
	MaxLevelSize int64
	Multiplier   float64 // growth factor of each following level
}

// TimeWindow merges once more than MaxWindows tables are live.
type TimeWindow struct {
	WindowHours int
	MaxWindows  int
}

// DefaultSizeTiered returns the default strategy.
func DefaultSizeTiered() SizeTiered {
	return SizeTiered{MaxFiles: 4, Ratio: 1.5}
}

// DefaultLeveled returns a 160 MiB first level growing tenfold.
func DefaultLeveled() Leveled {
	return Leveled{MaxLevelSize: 160 << 20, Multiplier: 10}
}

// DefaultTimeWindow returns daily windows, four of them live at most.
func DefaultTimeWindow() TimeWindow {
	return TimeWindow{WindowHours: 24, MaxWindows: 4}
}

func (SizeTiered) Name() string { return SizeTieredName }
func (Leveled) Name() string    { return LeveledName }
func (TimeWindow) Name() string { return TimeWindowName }

func (s SizeTiered) Validate() error {
	const op = "compaction.size_tiered"
	if s.MaxFiles < 1 {
		return dberrors.Configuration(op, "max files must be at least 1, got %d", s.MaxFiles)
	}
	if s.Ratio <= 0 {
		return dberrors.Configuration(op, "ratio must be positive, got %v", s.Ratio)
	}
	return nil
}

func (s Leveled) Validate() error {
	const op = "compaction.leveled"
	if s.MaxLevelSize <= 0 {
		return dberrors.Configuration(op, "max level size must be positive, got %d", s.MaxLevelSize)
	}
	if s.Multiplier < 1 {
		return dberrors.Configuration(op, "multiplier must be at least 1, got %v", s.Multiplier)
	}
	return nil
}

func (s TimeWindow) Validate() error {
	const op = "compaction.time_window"
	if s.WindowHours < 1 {
		return dberrors.Configuration(op, "window hours must be at least 1, got %d", s.WindowHours)
	}
	if s.MaxWindows < 1 {
		return dberrors.Configuration(op, "max windows must be at least 1, got %d", s.MaxWindows)
	}
	return nil
}

func (s SizeTiered) selectCandidates(tables []sstable.Info) []sstable.Info {
	if len(tables) <= s.MaxFiles {
		return nil
	}
	return oldest(tables, 2)
}

func (s Leveled) selectCandidates(tables []sstable.Info) []sstable.Info {
	var total int64
	for _, t := range tables {
		total += t.Size
	}
	if total <= s.MaxLevelSize {
		return nil
	}
	return largestSpan(tables)
}

func (s TimeWindow) selectCandidates(tables []sstable.Info) []sstable.Info {
	if len(tables) <= s.MaxWindows {
		return nil
	}
	return oldest(tables, 2)
}

// SelectCandidates returns the tables s wants merged next, or nil. Fewer
// than two live tables never produce a merge. Candidates are always
// neighbours in precedence order, so a merge output never outranks a table
// that holds newer data for the same key.
func SelectCandidates(s Strategy, tables []sstable.Info) []sstable.ID {
	if s == nil || len(tables) < 2 {
		return nil
	}
	picked := s.selectCandidates(tables)
	if len(picked) < 2 {
		return nil
	}
	ids := make([]sstable.ID, len(picked))
	for i, t := range picked {
		ids[i] = t.ID
	}
	return ids
}

// byRank returns tables ordered oldest first: by precedence, then
// generation.
func byRank(tables []sstable.Info) []sstable.Info {
	sorted := slices.Clone(tables)
	slices.SortFunc(sorted, compareRank)
	return sorted
}

// oldest returns the n lowest-ranked tables.
func oldest(tables []sstable.Info, n int) []sstable.Info {
	sorted := byRank(tables)
	return sorted[:min(n, len(sorted))]
}

// largestSpan returns the two largest tables and every table ranked
// between them. Size ties go to the older table.
func largestSpan(tables []sstable.Info) []sstable.Info {
	sorted := byRank(tables)
	first, second := -1, -1
	for i, t := range sorted {
		switch {
		case first < 0 || t.Size > sorted[first].Size:
			first, second = i, first
		case second < 0 || t.Size > sorted[second].Size:
			second = i
		}
	}
	lo, hi := min(first, second), max(first, second)
	return sorted[lo : hi+1]
}

func rank(t sstable.Info) uint64 {
	if t.Precedence != 0 {
		return t.Precedence
	}
	return t.ID.Generation
}

func compareRank(a, b sstable.Info) int {
	if c := cmp.Compare(rank(a), rank(b)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.Generation, b.ID.Generation)
}

// ParseStrategy builds the default strategy of the given name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SizeTieredName, "sizetiered", "stcs", "":
		return DefaultSizeTiered(), nil
	case LeveledName, "lcs":
		return DefaultLeveled(), nil
	case TimeWindowName, "timewindow", "twcs":
		return DefaultTimeWindow(), nil
	}
	return nil, dberrors.Configuration("compaction.strategy", "unknown strategy %q", name)
}
