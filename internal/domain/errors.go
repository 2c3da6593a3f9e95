package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the HTTP layer
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindNotFound
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

var (
	// ErrVolumeNotFound is returned when no volume exists for an (owner, name) pair
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrUserNotFound is returned when the caller identity does not match a user row
	ErrUserNotFound = errors.New("user not found")

	// ErrVolumeBusy is returned when another operation holds the volume lease
	ErrVolumeBusy = errors.New("volume is busy")
)

// Error carries a Kind and a human-readable message
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BadRequest creates an error for invalid input or a violated quota/size/state rule
func BadRequest(msg string) error {
	return &Error{Kind: KindBadRequest, Msg: msg}
}

// Unauthorized creates an error for an ownership or admin mismatch
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

// Internal creates an error for host, filesystem or engine failures
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// NotFound wraps a lookup failure
func NotFound(msg string, err error) error {
	return &Error{Kind: KindNotFound, Msg: msg, Err: err}
}

// Timeout creates an error for an exceeded grace period
func Timeout(msg string) error {
	return &Error{Kind: KindTimeout, Msg: msg}
}

// KindOf reports the Kind of err. Sentinel lookup errors classify as NotFound,
// anything unclassified is Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrVolumeNotFound), errors.Is(err, ErrJobNotFound), errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrVolumeBusy):
		return KindBadRequest
	}
	return KindInternal
}

// Message returns the caller-facing message for err
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
