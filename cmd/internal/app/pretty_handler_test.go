package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))
	log.With("device", "usb_stick").WithGroup("ws").Info("devnode.reject.busy", "remote", "127.0.0.1:5000", "note", "two words")

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=devnode.reject.busy",
		" device=usb_stick",
		" ws.remote=127.0.0.1:5000",
		` ws.note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line=%q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("uncoloured handler emitted escapes: %q", line)
	}
}

func TestPrettyHandler_ColouredValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "method", "GET", "status", 409, "status_class", "4xx", "duration_ms", int64(3), "present", true)

	line := buf.String()
	if !strings.Contains(line, ansiYellow+"409"+ansiReset) {
		t.Fatalf("status not coloured: %q", line)
	}
	plain := stripANSI(line)
	for _, want := range []string{"lvl=[WARN]", "method=GET", "class=4xx", "duration=3ms", "present=true"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("line=%q missing %q", plain, want)
		}
	}
}

func TestPrettyHandler_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("device.write")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
