package device

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestCommandCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		op   Op
		name string
		code uint32
	}{
		{OpGetShift, "GET_SHIFT", 0x80047501},
		{OpSetShift, "SET_SHIFT", 0x40047502},
		{OpGetPresence, "GET_PRESENCE", 0x80047503},
	}

	for _, tc := range cases {
		if got := tc.op.Code(); got != tc.code {
			t.Fatalf("%s code=%#x want=%#x", tc.name, got, tc.code)
		}
		if got := tc.op.String(); got != tc.name {
			t.Fatalf("op=%d name=%q want=%q", tc.op, got, tc.name)
		}

		op, err := OpFromCode(tc.code)
		if err != nil || op != tc.op {
			t.Fatalf("OpFromCode(%#x)=%v,%v want=%v", tc.code, op, err, tc.op)
		}
		op, err = ParseOp(strings.ToLower(tc.name))
		if err != nil || op != tc.op {
			t.Fatalf("ParseOp(%q)=%v,%v want=%v", tc.name, op, err, tc.op)
		}
	}
}

func TestCommandUnknown(t *testing.T) {
	t.Parallel()

	if _, err := ParseOp("EJECT"); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("ParseOp err=%v want=ErrInvalidCommand", err)
	}

	_, err := OpFromCode(0x1234)
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("OpFromCode err=%v want=ErrInvalidCommand", err)
	}
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Code != 0x1234 {
		t.Fatalf("err=%#v want CommandError{Code:0x1234}", err)
	}
	if OpUnknown.Code() != 0 || OpUnknown.String() != "UNKNOWN" {
		t.Fatalf("OpUnknown code=%#x name=%q", OpUnknown.Code(), OpUnknown.String())
	}
}

func newTestControl(t *testing.T, sink EventSink) *ControlPlane {
	t.Helper()

	d, err := New(Options{
		InitialShift: 3,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sink:         sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d.Control()
}

func TestControlPlane_Exec(t *testing.T) {
	t.Parallel()

	c := newTestControl(t, nil)

	r, err := c.Exec(Command{Op: OpGetShift})
	if err != nil || r.Shift != 3 {
		t.Fatalf("GET_SHIFT=%+v err=%v want shift=3", r, err)
	}

	r, err = c.Exec(Command{Op: OpSetShift, Shift: -40})
	if err != nil || r.Shift != -40 {
		t.Fatalf("SET_SHIFT=%+v err=%v", r, err)
	}
	if got := c.Shift(); got != -40 {
		t.Fatalf("shift=%d want=-40 (values are stored unchecked)", got)
	}

	r, err = c.Exec(Command{Op: OpGetPresence})
	if err != nil || r.Present {
		t.Fatalf("GET_PRESENCE=%+v err=%v want absent", r, err)
	}
	c.SetPresence(true)
	r, _ = c.Exec(Command{Op: OpGetPresence})
	if !r.Present {
		t.Fatalf("GET_PRESENCE after attach=%+v want present", r)
	}

	if _, err := c.Exec(Command{Op: Op(99)}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("unknown op err=%v want=ErrInvalidCommand", err)
	}
}

func TestControlPlane_ShiftVisibleAcrossGoroutines(t *testing.T) {
	t.Parallel()

	c := newTestControl(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Exec(Command{Op: OpSetShift, Shift: 17}); err != nil {
			t.Errorf("SET_SHIFT: %v", err)
		}
	}()
	<-done

	r, err := c.Exec(Command{Op: OpGetShift})
	if err != nil || r.Shift != 17 {
		t.Fatalf("GET_SHIFT=%+v err=%v want=17", r, err)
	}
}

func TestControlPlane_PresenceEventsOnlyOnChange(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Event
	)
	c := newTestControl(t, EventSinkFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	c.SetPresence(true)
	c.SetPresence(true)
	c.SetPresence(false)
	c.SetPresence(false)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events=%d want=2: %+v", len(events), events)
	}
	if events[0].Kind != EventPresence || !events[0].Present {
		t.Fatalf("first event=%+v want attach", events[0])
	}
	if events[1].Kind != EventPresence || events[1].Present {
		t.Fatalf("second event=%+v want detach", events[1])
	}
}

func TestControlPlane_PresenceDoesNotTouchSession(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 8)
	_ = mustOpen(t, d)

	d.Control().SetPresence(true)
	d.Control().SetPresence(false)

	if !d.SessionOpen() {
		t.Fatalf("detach ended the open session")
	}
}
