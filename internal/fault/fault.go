// Package fault defines the error taxonomy shared by every homegate component.
//
// Each package declares its own sentinel errors (registry: actionner not
// found, transport: connect failed, ...) and wraps one of the kind sentinels
// below, so callers can branch on the failure class with errors.Is or
// KindOf without knowing which layer produced it:
//
//	if fault.KindOf(err) == fault.Unavailable {
//	    // backend down, safe to retry later
//	}
package fault

import (
	"context"
	"errors"
)

// Kind classifies an error for clients and metrics.
type Kind int

const (
	// Internal is any error that does not carry one of the kinds below.
	Internal Kind = iota
	NotFound
	AlreadyExists
	InvalidArgument
	Unavailable
	Timeout
	ResourceExhausted
	Cancelled
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case InvalidArgument:
		return "invalid_argument"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case ResourceExhausted:
		return "resource_exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Kind sentinels. Package errors wrap exactly one of these.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnavailable       = errors.New("unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCancelled         = errors.New("cancelled")
)

type sentinel struct {
	msg  string
	kind error
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return s.kind }

// New returns a package sentinel with message msg that is-a kind sentinel.
//
//	var ErrActionnerNotFound = fault.New("registry: actionner not found", fault.ErrNotFound)
//	errors.Is(ErrActionnerNotFound, fault.ErrNotFound) // true
func New(msg string, kind error) error {
	return &sentinel{msg: msg, kind: kind}
}

// KindOf classifies err. Context errors map to Timeout and Cancelled so
// callers that give up are reported consistently whichever layer noticed.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return Internal
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrAlreadyExists):
		return AlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return ResourceExhausted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrUnavailable):
		return Unavailable
	default:
		return Internal
	}
}

// Is reports whether err belongs to kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
