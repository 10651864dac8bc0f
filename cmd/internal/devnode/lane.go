package devnode

import (
	"context"
	"fmt"

	"usbstick/cmd/internal/device"
	v1 "usbstick/shared/contracts/devnode/v1"
)

// queuedOp is a request waiting for its lane. ctx is the op context registered in the
// inflight map, so a cancel envelope reaches it whether it is queued or running.
type queuedOp struct {
	env v1.Envelope
	ctx context.Context
}

type opHandler func(opCtx, connCtx context.Context, p *peer, sess device.Session, env v1.Envelope)

// lane runs one kind of request in arrival order. A connection has one lane for writes and
// one for reads, so pipelined writes reach the device in the order they were sent while a
// read blocked on an empty device still leaves the write lane free.
type lane struct {
	name  string
	queue chan queuedOp
}

func newLane(name string, size int) *lane {
	if size <= 0 {
		size = defaultLaneQueueSize
	}
	return &lane{name: name, queue: make(chan queuedOp, size)}
}

// offer queues op without blocking the read loop. It reports false when the lane is full.
func (l *lane) offer(op queuedOp) bool {
	select {
	case l.queue <- op:
		return true
	default:
		return false
	}
}

// runLane executes queued ops one at a time until connCtx ends. An op cancelled while it was
// still queued is answered with an interrupted error and never touches the device.
func (g *Gateway) runLane(connCtx context.Context, l *lane, p *peer, sess device.Session, ops *inflight, handle opHandler) {
	for {
		select {
		case <-connCtx.Done():
			l.drain(ops)
			return
		case op := <-l.queue:
			if err := op.ctx.Err(); err != nil {
				g.replyError(connCtx, p, op.env.ID, fmt.Errorf("%w: %w", device.ErrInterrupted, err))
			} else {
				handle(op.ctx, connCtx, p, sess, op.env)
			}
			ops.done(op.env.ID)
		}
	}
}

func (l *lane) drain(ops *inflight) {
	for {
		select {
		case op := <-l.queue:
			ops.done(op.env.ID)
		default:
			return
		}
	}
}
