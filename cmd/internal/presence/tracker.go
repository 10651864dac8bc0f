package presence

import (
	"log/slog"
	"sync"
)

// Sink receives presence changes. *device.ControlPlane implements it.
type Sink interface {
	SetPresence(present bool)
}

// tracker keeps the set of attached matching entries and reports the stick as present
// while the set is non-empty.
type tracker struct {
	sink Sink
	log  *slog.Logger

	mu       sync.Mutex
	attached map[string]struct{}
	present  bool
	seeded   bool
}

func newTracker(sink Sink, log *slog.Logger) *tracker {
	return &tracker{sink: sink, log: log, attached: make(map[string]struct{})}
}

// reset replaces the attached set with names (one full scan).
func (t *tracker) reset(names []string, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.attached)
	for _, n := range names {
		t.attached[n] = struct{}{}
	}
	t.publishLocked(source, "")
}

// apply folds one uevent into the attached set.
func (t *tracker) apply(ev UEvent, table Table) {
	name := ev.Name()
	if name == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Action {
	case ActionAdd, ActionBind, ActionChange:
		if !table.MatchEvent(ev) {
			return
		}
		t.attached[name] = struct{}{}
	case ActionRemove, ActionUnbind:
		if _, ok := t.attached[name]; !ok {
			return
		}
		delete(t.attached, name)
	default:
		return
	}
	t.publishLocked("uevent", name)
}

func (t *tracker) publishLocked(source, name string) {
	present := len(t.attached) > 0
	if t.seeded && present == t.present {
		return
	}
	t.seeded = true
	t.present = present

	t.log.Info("presence.change", "present", present, "source", source, "entry", name, "attached", len(t.attached))
	t.sink.SetPresence(present)
}
