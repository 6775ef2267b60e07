// Package dberrors defines the error taxonomy shared by every storage
// subsystem. Each error carries a Kind; whether an error is worth retrying
// and which category it reports under are pure functions of that Kind.
package dberrors

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindIo
	KindCorruption
	KindSerialization
	KindConfiguration
	KindConcurrency
	KindNotFound
	KindAlreadyExists
	KindTransaction
	KindIndex
	KindCompaction
	KindMemory
	KindStorage
	KindSchema
	KindParse
	KindTypeConversion
	KindInvalidOperation
	KindConstraintViolation
)

var kindNames = [...]string{
	KindInternal:            "internal",
	KindIo:                  "io",
	KindCorruption:          "corruption",
	KindSerialization:       "serialization",
	KindConfiguration:       "configuration",
	KindConcurrency:         "concurrency",
	KindNotFound:            "not found",
	KindAlreadyExists:       "already exists",
	KindTransaction:         "transaction",
	KindIndex:               "index",
	KindCompaction:          "compaction",
	KindMemory:              "memory",
	KindStorage:             "storage",
	KindSchema:              "schema",
	KindParse:               "parse",
	KindTypeConversion:      "type conversion",
	KindInvalidOperation:    "invalid operation",
	KindConstraintViolation: "constraint violation",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsRecoverable reports whether an operation that failed with kind k may
// succeed if retried. Data and schema errors never are.
func IsRecoverable(k Kind) bool {
	switch k {
	case KindIo, KindConcurrency, KindMemory, KindStorage,
		KindTransaction, KindIndex, KindCompaction:
		return true
	default:
		return false
	}
}

// Category groups kinds for reporting.
type Category uint8

const (
	CategoryInternal Category = iota
	CategorySystem
	CategoryData
	CategorySchema
	CategoryQuery
	CategoryConfiguration
	CategoryStorage
	CategoryConcurrency
	CategoryNotFound
	CategoryConflict
	CategoryLogic
	CategoryConstraint
	CategoryTransaction
)

func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "system"
	case CategoryData:
		return "data"
	case CategorySchema:
		return "schema"
	case CategoryQuery:
		return "query"
	case CategoryConfiguration:
		return "configuration"
	case CategoryStorage:
		return "storage"
	case CategoryConcurrency:
		return "concurrency"
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryLogic:
		return "logic"
	case CategoryConstraint:
		return "constraint"
	case CategoryTransaction:
		return "transaction"
	default:
		return "internal"
	}
}

// CategoryOf maps a kind to its reporting category.
func CategoryOf(k Kind) Category {
	switch k {
	case KindIo, KindMemory:
		return CategorySystem
	case KindSerialization, KindCorruption, KindTypeConversion:
		return CategoryData
	case KindSchema:
		return CategorySchema
	case KindParse:
		return CategoryQuery
	case KindConfiguration:
		return CategoryConfiguration
	case KindStorage, KindIndex, KindCompaction:
		return CategoryStorage
	case KindConcurrency:
		return CategoryConcurrency
	case KindNotFound:
		return CategoryNotFound
	case KindAlreadyExists:
		return CategoryConflict
	case KindInvalidOperation:
		return CategoryLogic
	case KindConstraintViolation:
		return CategoryConstraint
	case KindTransaction:
		return CategoryTransaction
	default:
		return CategoryInternal
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrIo               = &Error{Kind: KindIo}
	ErrCorruption       = &Error{Kind: KindCorruption}
	ErrSerialization    = &Error{Kind: KindSerialization}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrCompaction       = &Error{Kind: KindCompaction}
	ErrInvalidOperation = &Error{Kind: KindInvalidOperation}
	ErrClosed           = &Error{Kind: KindInvalidOperation, Context: "closed"}
)

// Error provides structured information about a failed storage operation.
type Error struct {
	Kind    Kind
	Op      string // operation that failed (e.g. "sstable.open", "wal.append")
	Entity  string // file, table or sstable id involved
	Context string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Entity != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Entity)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Context != "" {
		b.WriteString(": ")
		b.WriteString(e.Context)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels: a target with no Op, Entity or Cause matches any
// error of the same kind (and same Context when the target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Entity != "" || t.Cause != nil {
		return false
	}
	if t.Context != "" && t.Context != e.Context {
		return false
	}
	return t.Kind == e.Kind
}

// Recoverable reports whether retrying may succeed.
func (e *Error) Recoverable() bool {
	return IsRecoverable(e.Kind)
}

// Category returns the reporting category of the error.
func (e *Error) Category() Category {
	return CategoryOf(e.Kind)
}

// Builder provides a fluent interface for building errors.
type Builder struct {
	err Error
}

// New starts an error of the given kind for operation op.
func New(kind Kind, op string) *Builder {
	return &Builder{err: Error{Kind: kind, Op: op}}
}

// Entity sets the file, table or sstable the error concerns.
func (b *Builder) Entity(entity string) *Builder {
	b.err.Entity = entity
	return b
}

// Context sets additional context information.
func (b *Builder) Context(format string, args ...any) *Builder {
	if len(args) == 0 {
		b.err.Context = format
	} else {
		b.err.Context = fmt.Sprintf(format, args...)
	}
	return b
}

// Cause sets the underlying cause. Foreign errors get a stack attached.
func (b *Builder) Cause(err error) *Builder {
	if err != nil {
		if _, ok := err.(*Error); !ok {
			err = errors.WithStackDepth(err, 1)
		}
	}
	b.err.Cause = err
	return b
}

// Err returns the constructed error.
func (b *Builder) Err() error {
	e := b.err
	return &e
}

// Newf returns an error of the given kind with a formatted context.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Context: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to cause. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return New(kind, op).Cause(cause).Err()
}

// Io wraps an operating-system error.
func Io(op, entity string, cause error) error {
	if cause == nil {
		return nil
	}
	return New(KindIo, op).Entity(entity).Cause(cause).Err()
}

// Corruption reports malformed on-disk data.
func Corruption(op, entity, format string, args ...any) error {
	return New(KindCorruption, op).Entity(entity).Context(format, args...).Err()
}

// Serialization reports a value that cannot be encoded or decoded.
func Serialization(op, format string, args ...any) error {
	return New(KindSerialization, op).Context(format, args...).Err()
}

// Configuration reports an invalid option or parameter.
func Configuration(op, format string, args ...any) error {
	return New(KindConfiguration, op).Context(format, args...).Err()
}

// NotFound reports a missing entity.
func NotFound(op, entity string) error {
	return New(KindNotFound, op).Entity(entity).Err()
}

// AlreadyExists reports an entity that must not exist yet.
func AlreadyExists(op, entity string) error {
	return New(KindAlreadyExists, op).Entity(entity).Err()
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Recoverable reports whether err is worth retrying.
func Recoverable(err error) bool {
	return err != nil && IsRecoverable(KindOf(err))
}

// IsNotFound returns true if err is a not found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsCorruption returns true if err reports malformed on-disk data.
func IsCorruption(err error) bool {
	return IsKind(err, KindCorruption)
}
