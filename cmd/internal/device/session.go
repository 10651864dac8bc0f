package device

import (
	"time"

	"usbstick/cmd/internal/ids"
)

// Session is the token handed out by Open. It is only meaningful to the device that issued it.
type Session struct {
	ID       string
	OpenedAt time.Time
}

// Valid reports whether s was issued by Open (the zero Session is not).
func (s Session) Valid() bool { return s.ID != "" }

// sessionGuard enforces at most one active session. Guarded by Mailbox.mu.
type sessionGuard struct {
	active *Session
}

// acquire never waits: a busy guard rejects immediately.
func (g *sessionGuard) acquire(now time.Time) (Session, error) {
	if g.active != nil {
		return Session{}, ErrBusy
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, err
	}
	s := Session{ID: id, OpenedAt: now}
	g.active = &s
	return s, nil
}

// release ends s if it is the active session and reports whether anything changed.
func (g *sessionGuard) release(s Session) bool {
	if !g.holds(s) {
		return false
	}
	g.active = nil
	return true
}

func (g *sessionGuard) holds(s Session) bool {
	return g.active != nil && s.Valid() && g.active.ID == s.ID
}

func (g *sessionGuard) open() bool {
	return g.active != nil
}
