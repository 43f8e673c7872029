package domain

import (
	"errors"
	"fmt"
)

// ErrKind is the closed taxonomy of failures the engine reports. Callers
// dispatch on the kind, never on concrete error types.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	// KindValidation: malformed or out-of-range input. Client fault, never
	// retried internally.
	KindValidation
	// KindNotFound: the query target has no data.
	KindNotFound
	// KindStore: underlying persistence failure (connection loss,
	// constraint violation).
	KindStore
	// KindConflict: reserved for tightened upsert semantics.
	KindConflict
	// KindTimeout: an operation exceeded its deadline.
	KindTimeout
)

func (k ErrKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStore:
		return "store"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error carries a kind discriminant plus structured context.
type Error struct {
	Kind   ErrKind
	Msg    string
	Fields []FieldError
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and message.
func E(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// ValidationErr builds a KindValidation error carrying per-field detail.
func ValidationErr(msg string, fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

// Kind extracts the kind from an error chain, KindUnknown when absent.
func Kind(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool   { return Kind(err) == KindNotFound }
func IsValidation(err error) bool { return Kind(err) == KindValidation }
func IsStore(err error) bool      { return Kind(err) == KindStore }
