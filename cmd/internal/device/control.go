package device

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// ControlPlane holds the cipher shift and the presence flag.
// It shares no state with the Mailbox and never takes its lock.
type ControlPlane struct {
	name string
	log  *slog.Logger
	sink EventSink
	now  func() time.Time

	shift   atomic.Int64
	present atomic.Bool
}

func newControlPlane(name string, shift int, log *slog.Logger, sink EventSink, now func() time.Time) *ControlPlane {
	c := &ControlPlane{name: name, log: log, sink: sink, now: now}
	c.shift.Store(int64(shift))
	return c
}

// Shift returns the current cipher shift.
func (c *ControlPlane) Shift() int { return int(c.shift.Load()) }

// SetShift overwrites the cipher shift. The value is not range-checked.
func (c *ControlPlane) SetShift(v int) {
	c.shift.Store(int64(v))
	c.log.Info("device.shift.set", "device", c.name, "shift", v)
	c.sink.Record(Event{Kind: EventShift, Device: c.name, Shift: v, At: c.now()})
}

// Present reports whether the stick is attached.
func (c *ControlPlane) Present() bool { return c.present.Load() }

// SetPresence is called by the presence notifier on attach (true) and detach (false).
// Open sessions are not affected.
func (c *ControlPlane) SetPresence(present bool) {
	if c.present.Swap(present) == present {
		return
	}
	c.log.Info("device.presence", "device", c.name, "present", present)
	c.sink.Record(Event{Kind: EventPresence, Device: c.name, Present: present, At: c.now()})
}

// Exec runs one control-plane command.
func (c *ControlPlane) Exec(cmd Command) (Reply, error) {
	switch cmd.Op {
	case OpGetShift:
		return Reply{Op: cmd.Op, Shift: c.Shift()}, nil
	case OpSetShift:
		c.SetShift(cmd.Shift)
		return Reply{Op: cmd.Op, Shift: cmd.Shift}, nil
	case OpGetPresence:
		return Reply{Op: cmd.Op, Present: c.Present()}, nil
	default:
		return Reply{}, &CommandError{Op: cmd.Op}
	}
}
