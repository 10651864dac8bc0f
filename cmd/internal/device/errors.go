package device

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Open while another session is active.
	ErrBusy = errors.New("device busy")

	// ErrFault is returned when the caller's bytes could not be transferred.
	// The session stays open.
	ErrFault = errors.New("bad address")

	// ErrInvalidCommand is returned for an unrecognized control-plane operation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrValidation is returned for out-of-range arguments (e.g. a negative read length).
	ErrValidation = errors.New("invalid argument")

	// ErrInterrupted is returned when a blocked read or write is cancelled before data moved.
	ErrInterrupted = errors.New("interrupted")

	// ErrNoSession is returned when an operation presents a session that is not the active one.
	ErrNoSession = errors.New("no open session")

	// ErrClosed is returned after the device has been torn down.
	ErrClosed = errors.New("device closed")

	// ErrConfig is returned for invalid device options.
	ErrConfig = errors.New("invalid device config")
)

// CommandError reports a control-plane command the device does not implement.
type CommandError struct {
	Op   Op
	Code uint32
}

func (e *CommandError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code=%#x", ErrInvalidCommand.Error(), e.Code)
	}
	return fmt.Sprintf("%s: op=%d", ErrInvalidCommand.Error(), e.Op)
}

func (e *CommandError) Unwrap() error { return ErrInvalidCommand }

// ValidationError carries the argument that failed validation.
type ValidationError struct {
	Field string
	Value int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s=%d", ErrValidation.Error(), e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Fault wraps a transfer failure so callers can match it with errors.Is(err, ErrFault).
func Fault(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFault, err)
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
