// Package coreerr defines the tagged error kinds of spec.md §7, following
// the teacher's Error{category, cause, severity} shape (see
// indexer/settings.go's Error{category: INDEXER, cause: err, severity:
// FATAL}) but expressed idiomatically as a wrapped error implementing
// errors.Is/Unwrap instead of a category enum matched by hand.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories of spec.md §7.
type Kind int

const (
	Unknown Kind = iota
	Transport
	Timeout
	Protocol
	Config
	Routing
	Storage
	NotFound
	AlreadyExists
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case Config:
		return "config"
	case Routing:
		return "routing"
	case Storage:
		return "storage"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// produced it, e.g. coreerr.New(coreerr.NotFound, "GetInstance", nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, coreerr.NotFoundErr) (or any other sentinel) work
// by comparing Kind values; a target *Error matches when its Kind is equal.
func (e *Error) Is(target error) bool {
	var sentinel *sentinelError
	if errors.As(target, &sentinel) {
		return e.Kind == sentinel.kind
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// sentinelError lets the Kind constants double as errors.Is targets, e.g.
// errors.Is(err, coreerr.NotFoundErr).
type sentinelError struct{ kind Kind }

func (s *sentinelError) Error() string { return s.kind.String() }

var (
	NotFoundErr      error = &sentinelError{NotFound}
	AlreadyExistsErr error = &sentinelError{AlreadyExists}
	RoutingErr       error = &sentinelError{Routing}
	CancelledErr     error = &sentinelError{Cancelled}
	TimeoutErr       error = &sentinelError{Timeout}
)
