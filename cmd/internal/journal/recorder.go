package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"usbstick/cmd/internal/device"
)

const (
	defaultQueueSize = 1024
	appendTimeout    = 3 * time.Second
)

// Recorder is a device.EventSink that appends events to a Store on its own goroutine.
// Record never blocks: when the queue is full the event is dropped and counted.
type Recorder struct {
	store Store
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}

	dropped atomic.Uint64
}

// NewRecorder starts the append loop. Close stops it after draining what is queued.
func NewRecorder(store Store, log *slog.Logger, queueSize int) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store: store,
		log:   log,
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record implements device.EventSink.
func (r *Recorder) Record(ev device.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- FromEvent(ev):
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close drains the queue and waits for the append loop. It does not close the store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		_, err := r.store.Append(ctx, e)
		cancel()
		if err != nil {
			r.log.Warn("journal.append", "kind", e.Kind, "device", e.Device, "err", err)
		}
	}

	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("journal.dropped", "events", n)
	}
}
