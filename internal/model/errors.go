package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced at component boundaries.
type ErrorKind string

const (
	KindNotAuthorized    ErrorKind = "not_authorized"
	KindNotFound         ErrorKind = "not_found"
	KindIntegrity        ErrorKind = "integrity_error"
	KindValidation       ErrorKind = "validation_error"
	KindExecution        ErrorKind = "execution_error"
	KindExecutionTimeout ErrorKind = "execution_timeout"
	KindStore            ErrorKind = "store_error"
)

// ErrDuplicate is returned by backends when (id, seq) already exists.
var ErrDuplicate = errors.New("ledger: duplicate span revision")

// Error is the structured failure returned by the ledger, bootstrap and
// worker packages. Err keeps the underlying cause for operators; callers
// branch on Kind.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Missing []string  `json:"missing,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an Error with no underlying cause.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError returns an Error carrying err as its cause. If err is already an
// *Error it is returned unchanged so the original classification wins.
func WrapError(kind ErrorKind, msg string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
