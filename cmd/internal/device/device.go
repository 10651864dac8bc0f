package device

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultName is the device node name.
	DefaultName = "usb_stick"

	// DefaultCapacity is the mailbox size in bytes.
	DefaultCapacity = 1024
)

// Options configures a Device.
type Options struct {
	Name         string
	Capacity     int
	InitialShift int

	Log  *slog.Logger
	Sink EventSink

	// Now is the clock used for session and event timestamps (default time.Now UTC).
	Now func() time.Time
}

// Device is one usb_stick instance: the Mailbox byte path plus its ControlPlane.
// Instances are independent; nothing in this package is process-global.
type Device struct {
	*Mailbox

	name string
	ctl  *ControlPlane
}

// New validates opts and builds a Device. A Device that fails validation must not be exposed.
func New(opts Options) (*Device, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity=%d", ErrConfig, opts.Capacity)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Device{
		Mailbox: newMailbox(name, opts.Capacity, log, sink, now),
		name:    name,
		ctl:     newControlPlane(name, opts.InitialShift, log, sink, now),
	}, nil
}

// Name returns the device node name.
func (d *Device) Name() string { return d.name }

// Control returns the device's control plane.
func (d *Device) Control() *ControlPlane { return d.ctl }

// Status returns a point-in-time report. It needs no session.
func (d *Device) Status() Status {
	occ, open := d.snapshot()
	return Status{
		Name:        d.name,
		Present:     d.ctl.Present(),
		Capacity:    d.Capacity(),
		Occupancy:   occ,
		Free:        d.Capacity() - occ,
		Shift:       d.ctl.Shift(),
		SessionOpen: open,
	}
}
