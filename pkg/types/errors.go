// Package types - Error taxonomy
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies monitor errors so callers can branch on failure class
// without string matching.
type ErrorKind string

const (
	// KindConfiguration - missing or invalid setup (no credentials supplied)
	KindConfiguration ErrorKind = "configuration"
	// KindConnection - pool creation or acquisition failure
	KindConnection ErrorKind = "connection"
	// KindQuery - driver-level failure during query execution
	KindQuery ErrorKind = "query"
	// KindNotFound - unknown database id, vanished catalog row
	KindNotFound ErrorKind = "not_found"
	// KindValidation - malformed input to an API
	KindValidation ErrorKind = "validation"
)

// Error is a classified monitor error. It wraps the underlying cause, so
// errors.Is/As continue to see driver errors through it.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewConfigurationError reports missing or invalid setup.
func NewConfigurationError(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// NewConnectionError wraps a pool creation/acquisition failure.
func NewConnectionError(msg string, err error) error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

// NewQueryError wraps a driver-level execution failure.
func NewQueryError(msg string, err error) error {
	return &Error{Kind: KindQuery, Msg: msg, Err: err}
}

// NewNotFoundError reports an unknown id or a vanished catalog row.
func NewNotFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError wraps malformed input.
func NewValidationError(msg string, err error) error {
	return &Error{Kind: KindValidation, Msg: msg, Err: err}
}

// IsKind reports whether err (or anything it wraps) is a monitor error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

func IsConfigurationError(err error) bool { return IsKind(err, KindConfiguration) }
func IsConnectionError(err error) bool    { return IsKind(err, KindConnection) }
func IsQueryError(err error) bool         { return IsKind(err, KindQuery) }
func IsNotFound(err error) bool           { return IsKind(err, KindNotFound) }
func IsValidationError(err error) bool    { return IsKind(err, KindValidation) }
