package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestDevice(t *testing.T, capacity int) *Device {
	t.Helper()

	d, err := New(Options{
		Capacity: capacity,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func mustOpen(t *testing.T, d *Device) Session {
	t.Helper()

	s, err := d.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestMailbox_HelloScenario(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 1024)
	s := mustOpen(t, d)
	ctx := context.Background()

	n, err := d.Write(ctx, s, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write n=%d want=5", n)
	}
	if got := d.Occupancy(); got != 5 {
		t.Fatalf("occupancy=%d want=5", got)
	}

	res, err := d.Read(ctx, s, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Data) != "hello" {
		t.Fatalf("Read=%q want=%q", res.Data, "hello")
	}
	if got := d.Occupancy(); got != 0 {
		t.Fatalf("occupancy=%d want=0", got)
	}

	// A second read with no intervening write must block.
	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = d.Read(rctx, s, 1024)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("second Read err=%v want=ErrInterrupted", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Read err=%v should wrap context.DeadlineExceeded", err)
	}
}

func TestMailbox_WritesConcatenateInOrder(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 64)
	s := mustOpen(t, d)
	ctx := context.Background()

	parts := []string{"abc", "", "defg", "h", strings.Repeat("z", 10)}
	var want bytes.Buffer
	for _, p := range parts {
		n, err := d.Write(ctx, s, []byte(p))
		if err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
		if n != len(p) {
			t.Fatalf("Write(%q) n=%d want=%d", p, n, len(p))
		}
		want.WriteString(p)
	}

	res, err := d.Read(ctx, s, d.Capacity())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(res.Data, want.Bytes()) {
		t.Fatalf("Read=%q want=%q", res.Data, want.Bytes())
	}
	if res.Discarded != 0 {
		t.Fatalf("discarded=%d want=0", res.Discarded)
	}
	if got := d.Occupancy(); got != 0 {
		t.Fatalf("occupancy=%d want=0", got)
	}
}

func TestMailbox_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		[]byte("x"),
		[]byte("hello, stick"),
		bytes.Repeat([]byte{0xff, 0x00}, 32),
	}

	for _, in := range cases {
		d := newTestDevice(t, 64)
		s := mustOpen(t, d)

		n, err := d.Write(context.Background(), s, in)
		if err != nil || n != len(in) {
			t.Fatalf("Write n=%d err=%v want n=%d", n, err, len(in))
		}
		res, err := d.Read(context.Background(), s, n+10)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(res.Data, in) {
			t.Fatalf("round trip=%q want=%q", res.Data, in)
		}
	}
}

func TestMailbox_ShortWriteTruncatesToFreeSpace(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 8)
	s := mustOpen(t, d)
	ctx := context.Background()

	if n, err := d.Write(ctx, s, []byte("abcde")); err != nil || n != 5 {
		t.Fatalf("first Write n=%d err=%v", n, err)
	}
	n, err := d.Write(ctx, s, []byte("123456"))
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if n != 3 {
		t.Fatalf("second Write n=%d want=3", n)
	}
	if got := d.Occupancy(); got != 8 {
		t.Fatalf("occupancy=%d want=8", got)
	}

	res, err := d.Read(ctx, s, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Data) != "abcde123" {
		t.Fatalf("Read=%q want=%q", res.Data, "abcde123")
	}
}

func TestMailbox_ReadTruncationDiscardsRemainder(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 32)
	s := mustOpen(t, d)
	ctx := context.Background()

	if _, err := d.Write(ctx, s, []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := d.Read(ctx, s, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Data) != "0123" {
		t.Fatalf("Read=%q want=%q", res.Data, "0123")
	}
	if res.Discarded != 6 {
		t.Fatalf("discarded=%d want=6", res.Discarded)
	}
	if got := d.Occupancy(); got != 0 {
		t.Fatalf("occupancy=%d want=0 after truncating read", got)
	}
	if d.ReadPolicy() != TruncateDiscard {
		t.Fatalf("policy=%q want=%q", d.ReadPolicy(), TruncateDiscard)
	}
}

func TestMailbox_ZeroLengthEdges(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	s := mustOpen(t, d)

	// Neither call may block on an empty buffer.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := d.Write(ctx, s, nil)
	if err != nil || n != 0 {
		t.Fatalf("empty Write n=%d err=%v", n, err)
	}

	res, err := d.Read(ctx, s, 0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if len(res.Data) != 0 {
		t.Fatalf("Read(0) returned %d bytes", len(res.Data))
	}

	if _, err := d.Write(ctx, s, []byte("keep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Read(ctx, s, 0); err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if got := d.Occupancy(); got != 4 {
		t.Fatalf("occupancy=%d want=4 (Read(0) must not drain)", got)
	}
}

func TestMailbox_NegativeReadLength(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	s := mustOpen(t, d)

	_, err := d.Read(context.Background(), s, -1)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err=%v want=ErrValidation", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "max_len" || ve.Value != -1 {
		t.Fatalf("err=%#v want ValidationError{max_len,-1}", err)
	}
}

func TestMailbox_ReadBlocksUntilWrite(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 32)
	s := mustOpen(t, d)

	type result struct {
		res ReadResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := d.Read(context.Background(), s, 32)
		done <- result{res, err}
	}()

	waitUntil(t, func() bool {
		readers, _ := d.Blocked()
		return readers == 1
	})

	select {
	case r := <-done:
		t.Fatalf("Read returned before any write: %+v", r)
	default:
	}

	if _, err := d.Write(context.Background(), s, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		if string(r.res.Data) != "ping" {
			t.Fatalf("Read=%q want=%q", r.res.Data, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked Read was not woken by Write")
	}
}

func TestMailbox_WriteBlocksUntilRead(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 4)
	s := mustOpen(t, d)
	ctx := context.Background()

	if n, err := d.Write(ctx, s, []byte("full")); err != nil || n != 4 {
		t.Fatalf("fill Write n=%d err=%v", n, err)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := d.Write(ctx, s, []byte("next"))
		done <- result{n, err}
	}()

	waitUntil(t, func() bool {
		_, writers := d.Blocked()
		return writers == 1
	})

	res, err := d.Read(ctx, s, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Data) != "full" {
		t.Fatalf("Read=%q want=%q", res.Data, "full")
	}

	select {
	case r := <-done:
		if r.err != nil || r.n != 4 {
			t.Fatalf("blocked Write n=%d err=%v want n=4", r.n, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked Write was not woken by Read")
	}

	res, err = d.Read(ctx, s, 4)
	if err != nil || string(res.Data) != "next" {
		t.Fatalf("Read=%q err=%v want=%q", res.Data, err, "next")
	}
}

func TestMailbox_BroadcastWakesAllReaders(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 32)
	s := mustOpen(t, d)

	const readers = 3
	var wg sync.WaitGroup
	results := make(chan error, readers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Read(ctx, s, 32)
			results <- err
		}()
	}

	waitUntil(t, func() bool {
		r, _ := d.Blocked()
		return r == readers
	})

	// One write satisfies exactly one reader; the others re-check, find the buffer
	// empty again and go back to sleep.
	if _, err := d.Write(context.Background(), s, []byte("one")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("first reader: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reader woke up")
	}

	waitUntil(t, func() bool {
		r, _ := d.Blocked()
		return r == readers-1
	})

	cancel()
	wg.Wait()
	close(results)
	for err := range results {
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("remaining reader err=%v want=ErrInterrupted", err)
		}
	}
}

func TestMailbox_InterruptedWriteTransfersNothing(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 2)
	s := mustOpen(t, d)

	if _, err := d.Write(context.Background(), s, []byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Write(ctx, s, []byte("cd"))
		errCh <- err
	}()

	waitUntil(t, func() bool {
		_, w := d.Blocked()
		return w == 1
	})
	cancel()

	if err := <-errCh; !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want ErrInterrupted wrapping context.Canceled", err)
	}

	res, err := d.Read(context.Background(), s, 8)
	if err != nil || string(res.Data) != "ab" {
		t.Fatalf("Read=%q err=%v want=%q", res.Data, err, "ab")
	}
}

func TestMailbox_CancelRacingWriteLosesNothing(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 8)
	s := mustOpen(t, d)

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		type result struct {
			res ReadResult
			err error
		}
		done := make(chan result, 1)
		go func() {
			res, err := d.Read(ctx, s, 8)
			done <- result{res, err}
		}()

		waitUntil(t, func() bool {
			r, _ := d.Blocked()
			return r == 1
		})
		go cancel()
		if _, err := d.Write(context.Background(), s, []byte("x")); err != nil {
			t.Fatalf("round %d Write: %v", i, err)
		}

		// Either the read took the byte, or it was interrupted and the byte is still buffered.
		r := <-done
		switch {
		case r.err == nil:
			if string(r.res.Data) != "x" || d.Occupancy() != 0 {
				t.Fatalf("round %d Read=%q occupancy=%d", i, r.res.Data, d.Occupancy())
			}
		case errors.Is(r.err, ErrInterrupted):
			left, err := d.Read(context.Background(), s, 8)
			if err != nil || string(left.Data) != "x" {
				t.Fatalf("round %d leftover=%q err=%v want=x", i, left.Data, err)
			}
		default:
			t.Fatalf("round %d err=%v", i, r.err)
		}
		cancel()
	}
}

func TestSessionGuard_SecondOpenIsBusy(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	first := mustOpen(t, d)

	if _, err := d.Open(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Open err=%v want=ErrBusy", err)
	}

	d.Release(first)

	second, err := d.Open()
	if err != nil {
		t.Fatalf("Open after Release: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("session id reused: %q", second.ID)
	}
}

func TestSessionGuard_EmptyBufferStillBusy(t *testing.T) {
	t.Parallel()

	// An open session with nothing buffered must still reject a second open.
	d := newTestDevice(t, 16)
	_ = mustOpen(t, d)

	if got := d.Occupancy(); got != 0 {
		t.Fatalf("occupancy=%d want=0", got)
	}
	if _, err := d.Open(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Open err=%v want=ErrBusy", err)
	}
}

func TestSessionGuard_ReleaseClearsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	s := mustOpen(t, d)

	if _, err := d.Write(context.Background(), s, []byte("stale")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	d.Release(s)
	d.Release(s)
	d.Release(Session{})

	if got := d.Occupancy(); got != 0 {
		t.Fatalf("occupancy=%d want=0 after release", got)
	}
	if d.SessionOpen() {
		t.Fatalf("session still open after release")
	}

	next := mustOpen(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := d.Read(ctx, next, 16); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("fresh session Read err=%v want=ErrInterrupted (buffer must start empty)", err)
	}
}

func TestSessionGuard_StaleTokenRejected(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	old := mustOpen(t, d)
	d.Release(old)
	current := mustOpen(t, d)

	if _, err := d.Write(context.Background(), old, []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Write with stale token err=%v want=ErrNoSession", err)
	}
	if _, err := d.Read(context.Background(), Session{}, 1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Read with zero token err=%v want=ErrNoSession", err)
	}

	// Releasing the stale token must not end the current session.
	d.Release(old)
	if !d.SessionOpen() {
		t.Fatalf("stale release closed the current session %q", current.ID)
	}
}

func TestSessionGuard_ReleaseWakesBlockedReader(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	s := mustOpen(t, d)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background(), s, 16)
		errCh <- err
	}()

	waitUntil(t, func() bool {
		r, _ := d.Blocked()
		return r == 1
	})
	d.Release(s)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNoSession) {
			t.Fatalf("err=%v want=ErrNoSession", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Release did not wake the blocked reader")
	}
}

func TestMailbox_CloseWakesAndRejects(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, 16)
	s := mustOpen(t, d)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background(), s, 16)
		errCh <- err
	}()

	waitUntil(t, func() bool {
		r, _ := d.Blocked()
		return r == 1
	})
	d.Close()

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked Read err=%v want=ErrClosed", err)
	}
	if _, err := d.Open(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close err=%v want=ErrClosed", err)
	}
}

func TestMailbox_EventsRecorded(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		kinds []EventKind
	)
	sink := EventSinkFunc(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	d, err := New(Options{
		Capacity: 8,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, _ := d.Open()
	_, _ = d.Open()
	_, _ = d.Write(context.Background(), s, []byte("hi"))
	_, _ = d.Read(context.Background(), s, 8)
	d.Release(s)
	d.Close()

	want := []EventKind{EventOpen, EventBusy, EventWrite, EventRead, EventRelease, EventClose}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("events=%v want=%v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events=%v want=%v", kinds, want)
		}
	}
}

func TestNew_RejectsNegativeCapacity(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Capacity: -1}); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want=ErrConfig", err)
	}

	d, err := New(Options{Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New defaults: %v", err)
	}
	if d.Capacity() != DefaultCapacity || d.Name() != DefaultName {
		t.Fatalf("defaults capacity=%d name=%q", d.Capacity(), d.Name())
	}
}
