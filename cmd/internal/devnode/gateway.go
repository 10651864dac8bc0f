package devnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/ids"
	v1 "usbstick/shared/contracts/devnode/v1"

	"github.com/coder/websocket"
)

// Node is the byte path of a device. *device.Device implements it.
type Node interface {
	Open() (device.Session, error)
	Release(s device.Session)
	Write(ctx context.Context, s device.Session, p []byte) (int, error)
	Read(ctx context.Context, s device.Session, maxLen int) (device.ReadResult, error)
	Capacity() int
	ReadPolicy() device.ReadPolicy
}

// Config tunes the gateway. Zero values take the package defaults, except ReadIdleTimeout
// where zero disables the idle limit (a client may legitimately wait a long time in a read).
type Config struct {
	MaxFrameBytes int64
	SendQueueSize int
	WriteTimeout  time.Duration

	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	OriginRequired     bool
	AllowedOrigins     []string
	InsecureSkipVerify bool
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the device node: each accepted WebSocket connection holds the device's
// single session for its whole lifetime.
type Gateway struct {
	log  *slog.Logger
	node Node
	cfg  Config

	// Derived for websocket.Accept, which authorizes same-host origins by itself but needs
	// host patterns for cross-origin clients.
	originPatterns []string

	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

func NewGateway(log *slog.Logger, node Node, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:            log,
		node:           node,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close ends every open connection (releasing its session) and waits for them to finish.
// http.Server.Shutdown does not track hijacked connections, so the app calls this after it.
func (g *Gateway) Close() {
	g.cancel()
	g.active.Wait()
}

// ServeHTTP opens the device and upgrades the request. The device is opened before the
// upgrade so a busy device is refused with a plain HTTP 409.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("devnode.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Upgrade", "websocket")
		writeReject(w, http.StatusUpgradeRequired, v1.CodeUnsupported, "websocket upgrade required")
		return
	}
	if g.ctx.Err() != nil {
		writeReject(w, http.StatusServiceUnavailable, v1.CodeClosed, "shutting down")
		return
	}

	sess, err := g.node.Open()
	if err != nil {
		code := errorCode(err)
		status := http.StatusInternalServerError
		switch code {
		case v1.CodeBusy:
			status = http.StatusConflict
		case v1.CodeClosed:
			status = http.StatusServiceUnavailable
		}
		g.log.Info("devnode.reject."+code, "remote", r.RemoteAddr, "err", err)
		writeReject(w, status, code, err.Error())
		return
	}

	g.active.Add(1)
	defer g.active.Done()

	// The server's read/write timeouts would otherwise cut a long blocked read short.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.node.Release(sess)
		g.log.Error("devnode.accept.fail", "err", err)
		return
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.node.Release(sess)
		g.log.Info("devnode.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	g.serve(r.Context(), conn, sess, r.RemoteAddr)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, sess device.Session, remote string) {
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	log := g.log.With("session_id", sess.ID)
	p := newPeer(sess.ID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	var (
		closeOnce sync.Once
		ops       sync.WaitGroup
		inflight  = newInflight()
	)

	// shutdown is idempotent. The session is released before the close frame goes out, so a
	// client that waits for the close can reopen immediately.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			p.Close()
			g.node.Release(sess)
			_ = conn.Close(code, reason)
			cancel()
			log.Info("devnode.close", "reason", reason, "held_ms", time.Since(sess.OpenedAt).Milliseconds())
		})
	}

	log.Info("devnode.open", "remote", remote)

	g.enqueue(ctx, p, newEnvelope(v1.TypeSessionOpen, "", v1.SessionOpenPayload{
		SessionID:  sess.ID,
		Capacity:   g.node.Capacity(),
		ReadPolicy: string(g.node.ReadPolicy()),
	}))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.Done():
				return
			case env := <-p.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("devnode.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("devnode.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	writes := newLane("write", defaultLaneQueueSize)
	reads := newLane("read", defaultLaneQueueSize)
	ops.Add(2)
	go func() {
		defer ops.Done()
		g.runLane(ctx, writes, p, sess, inflight, g.onWrite)
	}()
	go func() {
		defer ops.Done()
		g.runLane(ctx, reads, p, sess, inflight, g.onRead)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := g.readNext(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadFrame:
				g.trySendError(ctx, p, "", v1.CodeBadEnvelope, err.Error())
				continue readLoop
			default:
				log.Info("devnode.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if now := time.Now().UTC(); !rl.Allow(now) {
			retry := rl.RetryAfter(now)
			log.Info("devnode.reject.rate", "id", env.ID, "type", env.Type, "limit", g.cfg.RateEvents,
				"window", g.cfg.RateWindow.String(), "retry_after", retry.String(), "rejected", rl.Rejected())
			// Written directly: the send queue is abandoned by the shutdown that follows.
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, env.ID, v1.ErrorPayload{
				Code:    v1.CodeRateLimited,
				Message: fmt.Sprintf("too many requests, retry in %s", retry.Round(time.Millisecond)),
			}), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, p, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeWrite, v1.TypeRead:
			l := writes
			if env.Type == v1.TypeRead {
				l = reads
			}

			opCtx, opCancel := context.WithCancel(ctx)
			if !inflight.add(env.ID, opCancel) {
				opCancel()
				g.trySendError(ctx, p, env.ID, v1.CodeBadEnvelope, "duplicate request id")
				continue readLoop
			}
			if !l.offer(queuedOp{env: env, ctx: opCtx}) {
				inflight.done(env.ID)
				log.Info("devnode.reject.queue_full", "lane", l.name, "id", env.ID)
				g.trySendError(ctx, p, env.ID, v1.CodeRateLimited, l.name+" queue full")
			}

		case v1.TypeCancel:
			var pl v1.CancelPayload
			if err := json.Unmarshal(env.Payload, &pl); err != nil || pl.ID == "" {
				g.trySendError(ctx, p, env.ID, v1.CodeBadEnvelope, "cancel needs payload.id")
				continue readLoop
			}
			inflight.cancel(pl.ID)

		case v1.TypeRelease:
			shutdown(websocket.StatusNormalClosure, "released")
			break readLoop

		default:
			g.trySendError(ctx, p, env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	ops.Wait()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) readNext(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	if g.cfg.ReadIdleTimeout <= 0 {
		return readEnvelope(ctx, conn)
	}
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
	defer cancel()
	return readEnvelope(readCtx, conn)
}

// ---- handlers ----

// Handlers run with two contexts: opCtx bounds the device call (cancel envelope or
// connection end), connCtx bounds delivery of the reply.

func (g *Gateway) onWrite(opCtx, connCtx context.Context, p *peer, sess device.Session, env v1.Envelope) {
	var pl v1.WritePayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		g.replyError(connCtx, p, env.ID, device.Fault(err))
		return
	}

	n, err := g.node.Write(opCtx, sess, pl.Data)
	if err != nil {
		g.replyError(connCtx, p, env.ID, err)
		return
	}
	g.enqueue(connCtx, p, newEnvelope(v1.TypeWriteAck, env.ID, v1.WriteAckPayload{N: n}))
}

func (g *Gateway) onRead(opCtx, connCtx context.Context, p *peer, sess device.Session, env v1.Envelope) {
	var pl v1.ReadPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		g.replyError(connCtx, p, env.ID, device.Fault(err))
		return
	}

	res, err := g.node.Read(opCtx, sess, pl.MaxLen)
	if err != nil {
		g.replyError(connCtx, p, env.ID, err)
		return
	}
	g.enqueue(connCtx, p, newEnvelope(v1.TypeReadData, env.ID, v1.ReadDataPayload{
		Data:      res.Data,
		Discarded: res.Discarded,
	}))
}

// ---- send helpers ----

func (g *Gateway) replyError(ctx context.Context, p *peer, replyTo string, err error) {
	g.log.Debug("devnode.op.fail", "session_id", p.SessionID, "reply_to", replyTo, "err", err)
	g.enqueue(ctx, p, newEnvelope(v1.TypeError, replyTo, v1.ErrorPayload{Code: errorCode(err), Message: err.Error()}))
}

// trySendError never blocks the read loop; under backpressure the error is dropped.
func (g *Gateway) trySendError(ctx context.Context, p *peer, replyTo, code, msg string) {
	env := newEnvelope(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg})
	select {
	case <-ctx.Done():
	case <-p.Done():
	case p.Send <- env:
	default:
	}
}

// enqueue blocks until the reply is queued or the connection ends. Op replies carry data
// drained from the device and must not be dropped while the connection is alive.
func (g *Gateway) enqueue(ctx context.Context, p *peer, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.Done():
		return false
	case p.Send <- env:
		return true
	}
}

// ---- in-flight ops ----

type inflight struct {
	mu  sync.Mutex
	ops map[string]context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{ops: make(map[string]context.CancelFunc)}
}

func (f *inflight) add(id string, cancel context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.ops[id]; dup {
		return false
	}
	f.ops[id] = cancel
	return true
}

func (f *inflight) cancel(id string) {
	f.mu.Lock()
	c := f.ops[id]
	f.mu.Unlock()
	if c != nil {
		c()
	}
}

func (f *inflight) done(id string) {
	f.mu.Lock()
	c := f.ops[id]
	delete(f.ops, id)
	f.mu.Unlock()
	if c != nil {
		c()
	}
}

// ---- envelope IO ----

func newEnvelope(typ, replyTo string, payload any) v1.Envelope {
	now := time.Now().UTC()
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		ReplyTo: replyTo,
		TS:      now,
		Payload: b,
	}
}

type badFrameError struct{ err error }

func (e *badFrameError) Error() string { return "bad frame: " + e.err.Error() }
func (e *badFrameError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, &badFrameError{fmt.Errorf("unsupported message type: %v", mt)}
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badFrameError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func writeReject(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v1.RejectBody{Error: v1.ErrorPayload{Code: code, Message: msg}})
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	var bf *badFrameError
	if errors.As(err, &bf) {
		return readErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
