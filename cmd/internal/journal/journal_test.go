package journal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"usbstick/cmd/internal/device"
)

func TestInMemoryStore_RecentOrderAndRing(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e, err := s.Append(ctx, Entry{Kind: "write", Device: "usb_stick", Bytes: i})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("seq=%d want=%d", e.Seq, i+1)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want=3 (ring capacity)", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i].Seq != want {
			t.Fatalf("entries[%d].seq=%d want=%d", i, got[i].Seq, want)
		}
	}

	got, _ = s.Recent(ctx, 2)
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("Recent(2)=%+v", got)
	}
}

func TestInMemoryStore_PartialRing(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore(8)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = s.Append(ctx, Entry{Kind: "open", Device: "usb_stick"})
	}

	got, err := s.Recent(ctx, 0)
	if err != nil || len(got) != 2 || got[0].Seq != 1 {
		t.Fatalf("Recent=%+v err=%v", got, err)
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	cases := map[int]int{-1: DefaultLimit, 0: DefaultLimit, 7: 7, MaxLimit + 1: MaxLimit}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d)=%d want=%d", in, got, want)
		}
	}
}

func TestRecorder_PersistsDeviceEvents(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(64)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewRecorder(store, log, 16)

	d, err := device.New(device.Options{Capacity: 8, Log: log, Sink: rec})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}

	s, err := d.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Write(context.Background(), s, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d.Release(s)

	rec.Close()
	rec.Record(device.Event{Kind: device.EventOpen, Device: "late"})

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	kinds := make([]string, 0, len(got))
	for _, e := range got {
		kinds = append(kinds, e.Kind)
	}
	want := []string{"open", "write", "release"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v want=%v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want=%v", kinds, want)
		}
	}
	if got[1].Bytes != 2 || got[0].Session == "" || got[0].Session != got[2].Session {
		t.Fatalf("entries=%+v", got)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("dropped=%d want=0", rec.Dropped())
	}
}

type blockingStore struct {
	*InMemoryStore
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e Entry) (Entry, error) {
	select {
	case <-b.release:
	case <-time.After(2 * time.Second):
	}
	return b.InMemoryStore.Append(ctx, e)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	bs := &blockingStore{InMemoryStore: NewInMemoryStore(16), release: make(chan struct{})}
	rec := NewRecorder(bs, slog.New(slog.NewTextHandler(io.Discard, nil)), 1)

	for i := 0; i < 10; i++ {
		rec.Record(device.Event{Kind: device.EventWrite, Device: "usb_stick"})
	}
	if rec.Dropped() == 0 {
		t.Fatalf("expected drops with a queue of 1 and a stalled store")
	}

	close(bs.release)
	rec.Close()
}

func TestFromEvent(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	e := FromEvent(device.Event{Kind: device.EventShift, Device: "usb_stick", Shift: 9, At: at})
	if e.Kind != "shift" || e.Shift != 9 || !e.At.Equal(at) {
		t.Fatalf("entry=%+v", e)
	}
	if FromEvent(device.Event{Kind: device.EventOpen}).At.IsZero() {
		t.Fatalf("zero event time not defaulted")
	}
}
