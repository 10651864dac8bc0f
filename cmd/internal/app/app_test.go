package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/devnode"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
		{name: "port only", in: ":8080", want: "http://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://stick.example.com", want: "wss://stick.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testConfig() Config {
	return Config{
		HTTPAddr:       "127.0.0.1:0",
		DeviceName:     device.DefaultName,
		DeviceCapacity: device.DefaultCapacity,
		InitialShift:   3,
		PresenceMode:   "off",
		LogFormat:      "json",
		JournalSize:    64,
		JournalQueue:   64,
		MetricsEnabled: true,
	}
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.shutdownDevice()
		srv.Close()
	})
	return a, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, testConfig())

	cases := []struct {
		path     string
		status   int
		contains string
	}{
		{path: "/healthz", status: http.StatusOK, contains: "ok"},
		{path: "/readyz", status: http.StatusOK, contains: "ready"},
		{path: "/proc/usb_stats", status: http.StatusOK, contains: "Buffer space left: 1024 bytes"},
		{path: "/proc/usb_shift", status: http.StatusOK, contains: "Shift: 3"},
		{path: "/control/presence", status: http.StatusOK, contains: `"present":false`},
		{path: "/metrics", status: http.StatusOK, contains: `usbstick_cipher_shift{device="usb_stick"} 3`},
		{path: DevicePath, status: http.StatusUpgradeRequired, contains: "websocket upgrade required"},
	}

	for _, tc := range cases {
		status, body := get(t, srv.URL+tc.path)
		if status != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%q", tc.path, status, tc.status, body)
		}
		if !strings.Contains(body, tc.contains) {
			t.Fatalf("%s: body=%q want substring %q", tc.path, body, tc.contains)
		}
	}
}

func TestApp_MetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MetricsEnabled = false
	_, srv := newTestApp(t, cfg)

	if status, _ := get(t, srv.URL+"/metrics"); status != http.StatusNotFound {
		t.Fatalf("status=%d want=%d", status, http.StatusNotFound)
	}
}

func TestApp_DeviceNodeAndJournal(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + DevicePath
	c, err := devnode.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := devnode.Dial(ctx, wsURL, nil); !errors.Is(err, device.ErrBusy) {
		t.Fatalf("second Dial err=%v want=%v", err, device.ErrBusy)
	}

	n, err := c.Write(ctx, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write n=%d err=%v want=5", n, err)
	}
	if got := a.Device().Occupancy(); got != 5 {
		t.Fatalf("occupancy=%d want=5", got)
	}
	res, err := c.Read(ctx, 1024)
	if err != nil || string(res.Data) != "hello" {
		t.Fatalf("Read=%q err=%v want=hello", res.Data, err)
	}
	if err := c.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body := get(t, srv.URL+"/journal")
		if strings.Contains(body, `"kind":"open"`) && strings.Contains(body, `"kind":"busy"`) &&
			strings.Contains(body, `"kind":"release"`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal missing open/busy/release: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DeviceCapacity = 0
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); !errors.Is(err, device.ErrConfig) {
		t.Fatalf("err=%v want=%v", err, device.ErrConfig)
	}
}
