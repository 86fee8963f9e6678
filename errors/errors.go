// Package errors is the error vocabulary of SDRS.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, details and hints from one import, and it defines the sentinel
// errors that classify failures in the retention engine:
//
//	ErrInvalidArgument  caller bug, rejected before any external call, never retried
//	ErrOutOfRange       contract violation from an external system (malformed ids)
//	ErrNotFound         missing rule, job or queue entry
//	ErrConflict         duplicate business key or duplicate transfer job name
//
// Wrap sentinels instead of returning them bare:
//
//	return errors.Wrapf(errors.ErrInvalidArgument, "rule %d has type %s", id, t)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
	CombineErrors = crdb.CombineErrors
)

var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors. Match with errors.Is.
var (
	// ErrNotFound indicates the requested rule, job or request does not exist
	ErrNotFound = New("not found")

	// ErrInvalidArgument indicates a structurally invalid call: wrong rule
	// type for an executor, mixed projects in one batch, batch limit exceeded
	ErrInvalidArgument = New("invalid argument")

	// ErrOutOfRange indicates an identifier from an external system that
	// does not have the expected shape
	ErrOutOfRange = New("out of range")

	// ErrConflict indicates a duplicate key or duplicate job submission
	ErrConflict = New("conflict")

	// ErrServiceUnavailable indicates the transfer service or a broker is unreachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation did not finish in time
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidArgument checks if an error is or wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	return err != nil && Is(err, ErrInvalidArgument)
}

// IsOutOfRange checks if an error is or wraps ErrOutOfRange.
func IsOutOfRange(err error) bool {
	return err != nil && Is(err, ErrOutOfRange)
}

// IsConflict checks if an error is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidArgumentError creates an invalid-argument error with a formatted message
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidArgument, format, args...)
}

// NewOutOfRangeError creates an out-of-range error with a formatted message
func NewOutOfRangeError(format string, args ...interface{}) error {
	return Wrapf(ErrOutOfRange, format, args...)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}
