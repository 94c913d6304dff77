package clipstore

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a store satisfies errors.Is against
// exactly one of these.
var (
	ErrValidation   = errors.New("validation error")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("not found")
	ErrStorage      = errors.New("storage error")
)

// OpError tags a failure with the operation and lookup key it came from.
type OpError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op, key string, kind, err error) error {
	return &OpError{Op: op, Key: key, Kind: kind, Err: err}
}

func notFound(op, key, format string, args ...any) error {
	return opErr(op, key, ErrNotFound, fmt.Errorf(format, args...))
}

func storageErr(op, key string, err error) error {
	return opErr(op, key, ErrStorage, err)
}

// KindOf returns the kind sentinel for err, or nil when err did not come from a store.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrDuplicateKey, ErrNotFound, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is the label used for kinds in metrics and API payloads.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrDuplicateKey:
		return "duplicate_key"
	case ErrNotFound:
		return "not_found"
	case ErrStorage:
		return "storage"
	default:
		return "unknown"
	}
}
