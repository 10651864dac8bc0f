package control

import (
	"errors"
	"fmt"

	"usbstick/cmd/internal/device"
)

// Wire error codes carried in Response.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeUnknownAction  = "unknown_action"
	CodeInvalidCommand = "invalid_command"
	CodeValidation     = "validation"
	CodeClosed         = "closed"
	CodeInternal       = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, device.ErrValidation):
		return CodeValidation
	case errors.Is(err, device.ErrClosed):
		return CodeClosed
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

var errBadRequest = errors.New("bad request")

// ServiceError is a failed Response as seen by the Client.
type ServiceError struct {
	Action  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("control %q: %s", e.Action, e.Message)
}

// Unwrap maps the wire code back to the device sentinel, so callers can use errors.Is
// on either side of the socket.
func (e *ServiceError) Unwrap() error {
	switch e.Code {
	case CodeInvalidCommand:
		return device.ErrInvalidCommand
	case CodeValidation:
		return device.ErrValidation
	case CodeClosed:
		return device.ErrClosed
	default:
		return nil
	}
}
