package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
)

// validate is a singleton validator instance
var validate = validator.New()

// Validate checks struct tags first, then the cross-field rules. Every
// violation is reported in one KindConfiguration error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return dberrors.Configuration("config.validate", "%s", formatValidationError(err))
	}

	cv := newChecker("config")
	cv.check(c.SSTable.ChunkLength <= format.MaxChunkLength,
		"sstable.chunk_length: %d exceeds %d", c.SSTable.ChunkLength, format.MaxChunkLength)
	cv.check(c.SSTable.ChunkLength&(c.SSTable.ChunkLength-1) == 0,
		"sstable.chunk_length: %d is not a power of two", c.SSTable.ChunkLength)
	if _, err := format.CompressorFor(c.SSTable.CompressorClass()); err != nil {
		cv.add("sstable.compression: unknown compressor %q", c.SSTable.Compression)
	}
	if c.WAL.Enabled {
		cv.minDuration("wal.sync_interval", c.WAL.SyncInterval, time.Millisecond)
	}
	if c.Compaction.AutoCompaction {
		cv.minDuration("compaction.interval", c.Compaction.Interval, 10*time.Millisecond)
	}
	if _, err := c.Compaction.BuildStrategy(); err != nil {
		cv.add("compaction: %v", err)
	}
	return cv.err()
}

// checker collects all violations rather than failing on the first one.
type checker struct {
	name   string
	errors []string
}

func newChecker(name string) *checker {
	return &checker{name: name}
}

func (cv *checker) add(format string, args ...any) {
	cv.errors = append(cv.errors, fmt.Sprintf(format, args...))
}

func (cv *checker) check(ok bool, format string, args ...any) {
	if !ok {
		cv.add(format, args...)
	}
}

func (cv *checker) minDuration(field string, value, min time.Duration) {
	cv.check(value >= min, "%s: duration %v is below minimum %v", field, value, min)
}

func (cv *checker) err() error {
	if len(cv.errors) == 0 {
		return nil
	}
	return dberrors.Configuration(cv.name+".validate", "%s", strings.Join(cv.errors, "; "))
}

// formatValidationError converts validator errors to field: reason form.
func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+": field is required")
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s: must not exceed %s", field, e.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s: must be greater than %s", field, e.Param()))
		case "lt":
			msgs = append(msgs, fmt.Sprintf("%s: must be less than %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s]", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
