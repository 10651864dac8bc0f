// Package journal keeps a history of device events: open/busy/release, transfers, waits,
// shift and presence changes. It records what happened to the device, never the bytes that
// moved through it.
package journal

import (
	"context"
	"errors"
	"time"

	"usbstick/cmd/internal/device"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNilStore is returned by methods called on an unconfigured store.
var ErrNilStore = errors.New("journal: nil store")

// Entry is one persisted device event. Seq is assigned by the store and increases monotonically.
type Entry struct {
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Device    string    `json:"device"`
	Session   string    `json:"session_id,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	Discarded int       `json:"discarded,omitempty"`
	Occupancy int       `json:"occupancy,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Shift     int       `json:"shift,omitempty"`
	Present   bool      `json:"present,omitempty"`
	At        time.Time `json:"at"`
}

// FromEvent converts a device event.
func FromEvent(ev device.Event) Entry {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Entry{
		Kind:      string(ev.Kind),
		Device:    ev.Device,
		Session:   ev.Session,
		Bytes:     ev.Bytes,
		Discarded: ev.Discarded,
		Occupancy: ev.Occupancy,
		Queue:     ev.Queue,
		Shift:     ev.Shift,
		Present:   ev.Present,
		At:        at,
	}
}

// Store persists entries.
//
// Requirements:
//   - Append assigns Seq, strictly increasing per store
//   - Recent returns the newest entries in Seq ASC order
type Store interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// ClampLimit maps a requested page size into [1, MaxLimit], defaulting non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
