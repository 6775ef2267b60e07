package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Storage engine fields

func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

// SSTable names an SSTable by its "{version}-{generation}-{size}" id.
func SSTable(id string) Field {
	return String("sstable", id)
}

// SSTables lists SSTable ids.
func SSTables(ids []string) Field {
	return Field{Key: "sstables", Value: ids}
}

func Table(name string) Field {
	return String("table", name)
}

func Generation(gen uint64) Field {
	return Uint64("generation", gen)
}

func Bytes(n int64) Field {
	return Int64("bytes", n)
}

func Entries(n uint64) Field {
	return Uint64("entries", n)
}

func Version(v uint64) Field {
	return Uint64("version", v)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
