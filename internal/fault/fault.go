// Package fault classifies failures crossing the cockpit's component boundaries.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind string

const (
	Connection  Kind = "connection"
	Fetch       Kind = "fetch"
	Persistence Kind = "persistence"
	AIProvider  Kind = "ai_provider"
	Job         Kind = "job"
)

// Error wraps a cause with the kind of failure and the operation that hit it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New creates an Error without an underlying cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Is reports whether any error in err's chain is a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if errors.As(err, &fe) {
			if fe.Kind == kind {
				return true
			}
			err = fe.Err
			continue
		}
		return false
	}
	return false
}
