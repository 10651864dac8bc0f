package devnode

import (
	"sync"

	v1 "usbstick/shared/contracts/devnode/v1"
)

// peer is the server side of one connection. Send is never closed by the server: op
// goroutines may still be sending when the connection shuts down, and done tells them to stop.
type peer struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(sessionID string, sendQueueSize int) *peer {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &peer{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (p *peer) Done() <-chan struct{} { return p.done }

// Close is idempotent.
func (p *peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
