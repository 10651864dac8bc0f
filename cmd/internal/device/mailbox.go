package device

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReadPolicy names what a read does with bytes beyond its requested length.
type ReadPolicy string

// TruncateDiscard is the only policy the mailbox implements: a read always drains the whole
// occupancy, returns at most maxLen bytes and drops the rest. The number of dropped bytes is
// reported in ReadResult.Discarded so callers never lose data silently.
const TruncateDiscard ReadPolicy = "truncate-discard"

// ReadResult is the outcome of a successful Read.
type ReadResult struct {
	Data      []byte
	Discarded int
}

const (
	queueData  = "data_available"
	queueSpace = "space_available"
)

// Mailbox is a fixed-capacity single-slot buffer with blocking read/write and an
// exclusive session guard.
//
// Concurrency guarantees:
//   - buf, occupancy, the session and the closed flag share one mutex.
//   - Waiters release the mutex while blocked and re-check their predicate after every wake.
//   - Wakes are broadcasts; no FIFO order among blocked readers or writers.
type Mailbox struct {
	name string
	log  *slog.Logger
	sink EventSink
	now  func() time.Time

	mu         sync.Mutex
	buf        []byte
	occupancy  int
	guard      sessionGuard
	closed     bool
	dataAvail  *waitQueue
	spaceAvail *waitQueue
}

func newMailbox(name string, capacity int, log *slog.Logger, sink EventSink, now func() time.Time) *Mailbox {
	return &Mailbox{
		name:       name,
		log:        log,
		sink:       sink,
		now:        now,
		buf:        make([]byte, capacity),
		dataAvail:  newWaitQueue(queueData),
		spaceAvail: newWaitQueue(queueSpace),
	}
}

// Capacity returns the fixed buffer size.
func (m *Mailbox) Capacity() int { return len(m.buf) }

// ReadPolicy returns the truncation policy applied by Read.
func (m *Mailbox) ReadPolicy() ReadPolicy { return TruncateDiscard }

// Occupancy returns the number of unread bytes.
func (m *Mailbox) Occupancy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancy
}

// SessionOpen reports whether a session is active.
func (m *Mailbox) SessionOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard.open()
}

// Blocked returns the number of callers parked in Read and Write.
func (m *Mailbox) Blocked() (readers, writers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataAvail.blocked(), m.spaceAvail.blocked()
}

// Open starts the exclusive session. A fresh session always starts with an empty buffer.
func (m *Mailbox) Open() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Session{}, ErrClosed
	}

	now := m.now()
	s, err := m.guard.acquire(now)
	if err != nil {
		m.log.Warn("device.busy", "device", m.name)
		m.sink.Record(Event{Kind: EventBusy, Device: m.name, Occupancy: m.occupancy, At: now})
		return Session{}, err
	}

	clear(m.buf)
	m.occupancy = 0

	m.log.Info("device.open", "device", m.name, "session_id", s.ID)
	m.sink.Record(Event{Kind: EventOpen, Device: m.name, Session: s.ID, At: now})
	return s, nil
}

// Release ends s and discards whatever is buffered. Releasing a session that is not
// active (already released, or never issued) is a no-op.
func (m *Mailbox) Release(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.guard.release(s) {
		return
	}

	dropped := m.occupancy
	m.occupancy = 0

	// Callers still blocked under s wake up and observe ErrNoSession.
	m.dataAvail.broadcast()
	m.spaceAvail.broadcast()

	m.log.Info("device.release", "device", m.name, "session_id", s.ID, "discarded", dropped)
	m.sink.Record(Event{Kind: EventRelease, Device: m.name, Session: s.ID, Discarded: dropped, At: m.now()})
}

// Write copies up to Capacity()-Occupancy() bytes of p into the buffer and returns the count.
//
// If the buffer is full on entry, Write blocks until a Read drains it, the session ends,
// or ctx is done. It never loops to push the remainder of p.
func (m *Mailbox) Write(ctx context.Context, s Session, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(s); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for m.occupancy == len(m.buf) {
		if err := m.waitLocked(ctx, s, m.spaceAvail); err != nil {
			return 0, err
		}
	}

	n := copy(m.buf[m.occupancy:], p)
	m.occupancy += n
	m.dataAvail.broadcast()

	m.log.Debug("device.write", "device", m.name, "session_id", s.ID, "bytes", n, "occupancy", m.occupancy)
	m.sink.Record(Event{Kind: EventWrite, Device: m.name, Session: s.ID, Bytes: n, Occupancy: m.occupancy, At: m.now()})
	return n, nil
}

// Read returns up to maxLen bytes from the start of the buffer and drains it (TruncateDiscard).
//
// If the buffer is empty on entry, Read blocks until a Write supplies data, the session ends,
// or ctx is done. maxLen == 0 returns immediately and leaves the buffer untouched.
func (m *Mailbox) Read(ctx context.Context, s Session, maxLen int) (ReadResult, error) {
	if maxLen < 0 {
		return ReadResult{}, &ValidationError{Field: "max_len", Value: maxLen}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(s); err != nil {
		return ReadResult{}, err
	}
	if maxLen == 0 {
		return ReadResult{Data: []byte{}}, nil
	}

	for m.occupancy == 0 {
		if err := m.waitLocked(ctx, s, m.dataAvail); err != nil {
			return ReadResult{}, err
		}
	}

	n := min(maxLen, m.occupancy)
	out := make([]byte, n)
	copy(out, m.buf[:n])
	discarded := m.occupancy - n
	m.occupancy = 0
	m.spaceAvail.broadcast()

	m.log.Debug("device.read", "device", m.name, "session_id", s.ID, "bytes", n, "discarded", discarded)
	m.sink.Record(Event{Kind: EventRead, Device: m.name, Session: s.ID, Bytes: n, Discarded: discarded, At: m.now()})
	return ReadResult{Data: out, Discarded: discarded}, nil
}

// Close tears the mailbox down. Blocked callers return ErrClosed and Open is refused.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.guard.active = nil
	m.occupancy = 0
	m.dataAvail.broadcast()
	m.spaceAvail.broadcast()

	m.log.Info("device.close", "device", m.name)
	m.sink.Record(Event{Kind: EventClose, Device: m.name, At: m.now()})
}

func (m *Mailbox) checkLocked(s Session) error {
	if m.closed {
		return ErrClosed
	}
	if !m.guard.holds(s) {
		return ErrNoSession
	}
	return nil
}

// waitLocked parks on q once and re-validates the session afterwards.
func (m *Mailbox) waitLocked(ctx context.Context, s Session, q *waitQueue) error {
	m.log.Debug("device.wait", "device", m.name, "session_id", s.ID, "queue", q.name)
	m.sink.Record(Event{Kind: EventWait, Device: m.name, Session: s.ID, Queue: q.name, Occupancy: m.occupancy, At: m.now()})

	if err := q.wait(ctx, &m.mu); err != nil {
		m.sink.Record(Event{Kind: EventInterrupted, Device: m.name, Session: s.ID, Queue: q.name, At: m.now()})
		return interrupted(err)
	}
	return m.checkLocked(s)
}

func (m *Mailbox) snapshot() (occupancy int, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancy, m.guard.open()
}
