package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when required identifiers are missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a conversation or profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when a user acts on a conversation they are not part of.
	ErrNotParticipant = errors.New("not a participant")

	// ErrSenderClosed is returned by Sender.Send once Sender.Close has been called.
	ErrSenderClosed = errors.New("sender closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above when applicable.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func notFound(op, msg string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: msg}
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNotParticipant reports whether err represents ErrNotParticipant.
func IsNotParticipant(err error) bool { return errors.Is(err, ErrNotParticipant) }
