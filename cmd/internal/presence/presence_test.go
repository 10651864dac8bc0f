package presence

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	mu      sync.Mutex
	changes []bool
}

func (s *recordingSink) SetPresence(p bool) {
	s.mu.Lock()
	s.changes = append(s.changes, p)
	s.mu.Unlock()
}

func (s *recordingSink) last() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return false, 0
	}
	return s.changes[len(s.changes)-1], len(s.changes)
}

func uevent(lines ...string) []byte {
	return []byte(strings.Join(lines, "\x00") + "\x00")
}

func TestParseUEvent(t *testing.T) {
	t.Parallel()

	ev := ParseUEvent(uevent(
		"add@/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		"ACTION=add",
		"DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		"SUBSYSTEM=usb",
		"DEVTYPE=usb_device",
		"PRODUCT=6/50/100",
		"SEQNUM=4242",
	))

	if ev.Action != ActionAdd || ev.Subsystem != "usb" || ev.DevType != "usb_device" {
		t.Fatalf("event=%+v", ev)
	}
	if !ev.HasID || ev.Vendor != 0x0006 || ev.Product != 0x0050 {
		t.Fatalf("id=%04x:%04x has=%v want=0006:0050", ev.Vendor, ev.Product, ev.HasID)
	}
	if ev.Name() != "1-1" {
		t.Fatalf("name=%q want=1-1", ev.Name())
	}
}

func TestParseUEvent_Interface(t *testing.T) {
	t.Parallel()

	ev := ParseUEvent(uevent(
		"remove@/devices/usb1/1-2/1-2:1.0",
		"SUBSYSTEM=usb",
		"DEVTYPE=usb_interface",
		"INTERFACE=8/6/80",
	))

	if ev.Action != ActionRemove || ev.Name() != "1-2:1.0" {
		t.Fatalf("event=%+v", ev)
	}
	if !ev.HasInterface || ev.Class != (Class{Class: 8, SubClass: 6, Protocol: 0x50}) {
		t.Fatalf("class=%+v has=%v", ev.Class, ev.HasInterface)
	}
	if ev.Action.String() != "remove" {
		t.Fatalf("action=%q", ev.Action.String())
	}
}

func TestParseTable(t *testing.T) {
	t.Parallel()

	tbl := DefaultTable()
	if !tbl.MatchID(ID{Vendor: 0x0006, Product: 0x0050}) || !tbl.MatchID(ID{Vendor: 0xabcd, Product: 0x1234}) {
		t.Fatalf("default table ids=%v", tbl.IDs)
	}
	if !tbl.MatchClass(Class{Class: 0x08, SubClass: 0x06, Protocol: 0x50}) {
		t.Fatalf("default table classes=%v", tbl.Classes)
	}
	if got := tbl.String(); got != "0006:0050,abcd:1234,class=08/06/50" {
		t.Fatalf("String=%q", got)
	}

	for _, bad := range []string{"nope", "zzzz:0001", "0001:zzzz", "class=08/06", "class=1ff/00/00"} {
		if _, err := ParseTable([]string{bad}); err == nil {
			t.Fatalf("ParseTable(%q) expected error", bad)
		}
	}

	empty, err := ParseTable([]string{" ", ""})
	if err != nil || !empty.Empty() {
		t.Fatalf("blank rules table=%+v err=%v", empty, err)
	}
}

func TestMatchEvent(t *testing.T) {
	t.Parallel()

	tbl := DefaultTable()
	cases := []struct {
		ev   UEvent
		want bool
	}{
		{UEvent{Subsystem: "usb", HasID: true, Vendor: 0xabcd, Product: 0x1234}, true},
		{UEvent{Subsystem: "usb", HasID: true, Vendor: 0x046d, Product: 0xc52b}, false},
		{UEvent{Subsystem: "usb", HasInterface: true, Class: Class{8, 6, 0x50}}, true},
		{UEvent{Subsystem: "block", HasID: true, Vendor: 0xabcd, Product: 0x1234}, false},
	}
	for i, tc := range cases {
		if got := tbl.MatchEvent(tc.ev); got != tc.want {
			t.Fatalf("case %d MatchEvent=%v want=%v", i, got, tc.want)
		}
	}
}

func writeAttrs(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestScan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAttrs(t, root, "usb1", map[string]string{"idVendor": "1d6b", "idProduct": "0002"})
	writeAttrs(t, root, "1-1", map[string]string{"idVendor": "abcd", "idProduct": "1234"})
	writeAttrs(t, root, "2-1:1.0", map[string]string{
		"bInterfaceClass":    "08",
		"bInterfaceSubClass": "06",
		"bInterfaceProtocol": "50",
	})
	writeAttrs(t, root, "3-1", map[string]string{"idVendor": "garbage"})

	got, err := Scan(root, DefaultTable())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if strings.Join(got, ",") != "1-1,2-1:1.0" {
		t.Fatalf("Scan=%v want=[1-1 2-1:1.0]", got)
	}

	missing, err := Scan(filepath.Join(root, "nope"), DefaultTable())
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing root Scan=%v err=%v", missing, err)
	}
}

func TestTracker_Apply(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	tr := newTracker(sink, testLogger())
	tbl := DefaultTable()

	tr.reset(nil, "sysfs")
	if p, n := sink.last(); p || n != 1 {
		t.Fatalf("seed present=%v changes=%d", p, n)
	}

	tr.apply(ParseUEvent(uevent("add@/devices/usb1/1-4", "SUBSYSTEM=usb", "PRODUCT=46d/c52b/1200")), tbl)
	if _, n := sink.last(); n != 1 {
		t.Fatalf("non-matching add changed presence")
	}

	tr.apply(ParseUEvent(uevent("add@/devices/usb1/1-1", "SUBSYSTEM=usb", "PRODUCT=abcd/1234/100")), tbl)
	tr.apply(ParseUEvent(uevent("add@/devices/usb1/1-1/1-1:1.0", "SUBSYSTEM=usb", "INTERFACE=8/6/80")), tbl)
	if p, n := sink.last(); !p || n != 2 {
		t.Fatalf("after attach present=%v changes=%d want=true,2", p, n)
	}

	tr.apply(ParseUEvent(uevent("remove@/devices/usb1/1-1/1-1:1.0", "SUBSYSTEM=usb")), tbl)
	if p, _ := sink.last(); !p {
		t.Fatalf("partial detach cleared presence")
	}
	tr.apply(ParseUEvent(uevent("remove@/devices/usb1/1-1", "SUBSYSTEM=usb")), tbl)
	if p, n := sink.last(); p || n != 3 {
		t.Fatalf("after detach present=%v changes=%d want=false,3", p, n)
	}
}

func TestPoller_ReportsChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sink := &recordingSink{}
	p := NewPoller(Config{SysfsRoot: root, Interval: 5 * time.Millisecond, Log: testLogger()}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	waitFor(t, func() bool { _, n := sink.last(); return n >= 1 })

	writeAttrs(t, root, "1-1", map[string]string{"idVendor": "0006", "idProduct": "0050"})
	waitFor(t, func() bool { p, _ := sink.last(); return p })

	if err := os.RemoveAll(filepath.Join(root, "1-1")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	waitFor(t, func() bool { p, _ := sink.last(); return !p })
}

func TestParseModeAndNew(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeAuto, "SYSFS": ModeSysfs, " off ": ModeOff, "netlink": ModeNetlink} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q)=%q,%v want=%q", in, got, err, want)
		}
	}
	if _, err := ParseMode("udev"); err == nil {
		t.Fatalf("ParseMode(udev) expected error")
	}

	n, err := New(ModeOff, Config{}, &recordingSink{})
	if err != nil || n != nil {
		t.Fatalf("New(off)=%v,%v want=nil,nil", n, err)
	}
	n, err = New(ModeSysfs, Config{Log: testLogger()}, &recordingSink{})
	if err != nil {
		t.Fatalf("New(sysfs): %v", err)
	}
	if _, ok := n.(*Poller); !ok {
		t.Fatalf("New(sysfs)=%T want=*Poller", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
