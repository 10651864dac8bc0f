// Package v1 defines the usb_stick device node protocol v1.
//
// One WebSocket connection is one device session: the upgrade opens the device and closing the
// connection releases it. Byte payloads are []byte fields, base64 in JSON.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol both sides must select.
const Subprotocol = "usbstick.devnode.v1"

// Type constants (wire-stable).
const (
	// TypeSessionOpen is the first server envelope on every connection.
	TypeSessionOpen = "session.open"

	// TypeWrite copies bytes into the device (client -> server), answered by TypeWriteAck.
	TypeWrite    = "write"
	TypeWriteAck = "write.ack"

	// TypeRead drains the device (client -> server), answered by TypeReadData.
	TypeRead     = "read"
	TypeReadData = "read.data"

	// TypeCancel interrupts a blocked write or read (client -> server). The interrupted
	// request still gets exactly one reply: its result if it completed first, else an
	// "interrupted" error.
	TypeCancel = "cancel"

	// TypeRelease ends the session; the server closes the connection normally.
	TypeRelease = "release"

	// TypeError answers a failed request (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code and in the HTTP body of a rejected upgrade.
const (
	CodeBusy        = "busy"
	CodeFault       = "fault"
	CodeValidation  = "validation"
	CodeNoSession   = "no_session"
	CodeInterrupted = "interrupted"
	CodeClosed      = "closed"
	CodeBadEnvelope = "bad_envelope"
	CodeUnsupported = "unsupported"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation. Request envelopes also need an id so replies
// can be correlated.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeWrite, TypeRead, TypeCancel, TypeRelease:
		if strings.TrimSpace(e.ID) == "" {
			return errors.New("missing field: id")
		}
		return nil
	case TypeSessionOpen, TypeWriteAck, TypeReadData, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

type SessionOpenPayload struct {
	SessionID  string `json:"session_id"`
	Capacity   int    `json:"capacity"`
	ReadPolicy string `json:"read_policy"`
}

type WritePayload struct {
	Data []byte `json:"data"`
}

type WriteAckPayload struct {
	N int `json:"n"`
}

type ReadPayload struct {
	MaxLen int `json:"max_len"`
}

type ReadDataPayload struct {
	Data      []byte `json:"data"`
	Discarded int    `json:"discarded"`
}

type CancelPayload struct {
	ID string `json:"id"`
}

type ReleasePayload struct{}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectBody is the JSON body of a refused upgrade (e.g. 409 when the device is busy).
type RejectBody struct {
	Error ErrorPayload `json:"error"`
}
