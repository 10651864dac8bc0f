package devnode

import (
	"errors"
	"fmt"

	"usbstick/cmd/internal/device"
	v1 "usbstick/shared/contracts/devnode/v1"
)

// errorCode maps a device error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrBusy):
		return v1.CodeBusy
	case errors.Is(err, device.ErrFault):
		return v1.CodeFault
	case errors.Is(err, device.ErrValidation):
		return v1.CodeValidation
	case errors.Is(err, device.ErrNoSession):
		return v1.CodeNoSession
	case errors.Is(err, device.ErrInterrupted):
		return v1.CodeInterrupted
	case errors.Is(err, device.ErrClosed):
		return v1.CodeClosed
	default:
		return v1.CodeInternal
	}
}

// RemoteError is an error envelope (or a refused upgrade) received by the Client.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("devnode %s: %s", e.Code, e.Message)
}

// Unwrap maps the wire code back to the device sentinel.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case v1.CodeBusy:
		return device.ErrBusy
	case v1.CodeFault:
		return device.ErrFault
	case v1.CodeValidation:
		return device.ErrValidation
	case v1.CodeNoSession:
		return device.ErrNoSession
	case v1.CodeInterrupted:
		return device.ErrInterrupted
	case v1.CodeClosed:
		return device.ErrClosed
	default:
		return nil
	}
}
