package device

import "time"

// EventKind names a device state transition.
type EventKind string

const (
	EventOpen        EventKind = "open"
	EventBusy        EventKind = "busy"
	EventRelease     EventKind = "release"
	EventWrite       EventKind = "write"
	EventRead        EventKind = "read"
	EventWait        EventKind = "wait"
	EventInterrupted EventKind = "interrupted"
	EventShift       EventKind = "shift"
	EventPresence    EventKind = "presence"
	EventClose       EventKind = "close"
)

// Event is emitted by the device on every state transition.
// Fields not relevant to Kind are zero.
type Event struct {
	Kind      EventKind
	Device    string
	Session   string
	Bytes     int
	Discarded int
	Occupancy int
	Queue     string
	Shift     int
	Present   bool
	At        time.Time
}

// EventSink receives device events.
//
// Record may be called with the mailbox lock held: it must not block and must not
// call back into the Device.
type EventSink interface {
	Record(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Record implements EventSink.
func (f EventSinkFunc) Record(ev Event) { f(ev) }

type multiSink []EventSink

func (m multiSink) Record(ev Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

// Sinks fans events out to every non-nil sink.
func Sinks(sinks ...EventSink) EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type nopSink struct{}

func (nopSink) Record(Event) {}
