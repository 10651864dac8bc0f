// Package main provides a CI-friendly smoke test for the usb_stick device node.
//
// It validates:
//   - handshake + subprotocol selection and the session.open greeting
//   - a second open is refused with HTTP 409 "busy"
//   - write -> write.ack and read -> read.data with truncate-discard
//   - cancel interrupts a blocked read with exactly one reply
//   - release frees the device for the next opener
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	v1 "usbstick/shared/contracts/devnode/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	capacity  int
	seq       int
}

func main() {
	var (
		wsURL   = pflag.String("url", "ws://127.0.0.1:8080/dev/usb_stick", "device node URL")
		origin  = pflag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		text    = pflag.String("text", "hello", "payload to write")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}
	if len(*text) < 2 {
		fatalf("--text must be at least 2 bytes to exercise truncation")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	if *verbose {
		fmt.Printf("connected: A=%s capacity=%d\n", a.sessionID, a.capacity)
	}

	mustBeBusy(root, *wsURL, *origin, *timeout)

	n := mustWrite(root, a, []byte(*text), *timeout)
	if n != len(*text) {
		fatalf("write.ack n=%d want=%d", n, len(*text))
	}

	data, discarded := mustRead(root, a, len(*text)-1, *timeout)
	if string(data) != (*text)[:len(*text)-1] || discarded != 1 {
		fatalf("read.data=%q discarded=%d want=%q/1", data, discarded, (*text)[:len(*text)-1])
	}

	mustCancelBlockedRead(root, a, *timeout)

	mustRelease(root, a, *timeout)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	mustRelease(root, b, *timeout)

	fmt.Printf("OK: A=%s B=%s capacity=%d\n", a.sessionID, b.sessionID, a.capacity)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func dial(ctx context.Context, wsURL, origin string) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := dial(ctx, wsURL, origin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{name: name, conn: conn}

	open := c.mustReadEnvelope(parent, stepTimeout)
	if open.Type != v1.TypeSessionOpen {
		fatalf("first envelope (%s): type=%q want=%q", name, open.Type, v1.TypeSessionOpen)
	}
	var p v1.SessionOpenPayload
	if err := json.Unmarshal(open.Payload, &p); err != nil {
		fatalf("unmarshal session.open payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("session.open missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.capacity = p.Capacity
	return c
}

func mustBeBusy(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := dial(ctx, wsURL, origin)
	if err == nil {
		_ = conn.CloseNow()
		fatalf("second open succeeded; want 409 busy")
	}
	if resp == nil {
		fatalf("second open: no HTTP response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		fatalf("second open: status=%d want=%d", resp.StatusCode, http.StatusConflict)
	}
	var body v1.RejectBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		fatalf("second open: decode reject body: %v", err)
	}
	if body.Error.Code != v1.CodeBusy {
		fatalf("second open: code=%q want=%q", body.Error.Code, v1.CodeBusy)
	}
}

func mustWrite(parent context.Context, c *smokeClient, p []byte, stepTimeout time.Duration) int {
	id := c.send(parent, v1.TypeWrite, v1.WritePayload{Data: p}, stepTimeout)
	reply := c.mustReadReply(parent, id, stepTimeout)
	if reply.Type != v1.TypeWriteAck {
		fatalf("write reply type=%q want=%q payload=%s", reply.Type, v1.TypeWriteAck, reply.Payload)
	}
	var ack v1.WriteAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		fatalf("unmarshal write.ack: %v", err)
	}
	return ack.N
}

func mustRead(parent context.Context, c *smokeClient, maxLen int, stepTimeout time.Duration) ([]byte, int) {
	id := c.send(parent, v1.TypeRead, v1.ReadPayload{MaxLen: maxLen}, stepTimeout)
	reply := c.mustReadReply(parent, id, stepTimeout)
	if reply.Type != v1.TypeReadData {
		fatalf("read reply type=%q want=%q payload=%s", reply.Type, v1.TypeReadData, reply.Payload)
	}
	var data v1.ReadDataPayload
	if err := json.Unmarshal(reply.Payload, &data); err != nil {
		fatalf("unmarshal read.data: %v", err)
	}
	return data.Data, data.Discarded
}

func mustCancelBlockedRead(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	readID := c.send(parent, v1.TypeRead, v1.ReadPayload{MaxLen: 16}, stepTimeout)

	// Give the server a moment to park the read before cancelling it.
	time.Sleep(100 * time.Millisecond)
	c.send(parent, v1.TypeCancel, v1.CancelPayload{ID: readID}, stepTimeout)

	reply := c.mustReadReply(parent, readID, stepTimeout)
	if reply.Type != v1.TypeError {
		fatalf("cancelled read: type=%q want=%q", reply.Type, v1.TypeError)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != v1.CodeInterrupted {
		fatalf("cancelled read: code=%q want=%q", p.Code, v1.CodeInterrupted)
	}
}

func mustRelease(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	c.send(parent, v1.TypeRelease, v1.ReleasePayload{}, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	// The server answers a release by closing the connection normally.
	_, _, err := c.conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		fatalf("release (%s): want normal closure, got %v", c.name, err)
	}
}

func (c *smokeClient) send(parent context.Context, typ string, payload any, stepTimeout time.Duration) string {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
	return id
}

func (c *smokeClient) mustReadEnvelope(parent context.Context, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		fatalf("read (%s): %v", c.name, err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("unmarshal envelope (%s): %v", c.name, err)
	}
	if err := env.Validate(); err != nil {
		fatalf("invalid envelope (%s): %v", c.name, err)
	}
	return env
}

// mustReadReply skips envelopes that answer other requests.
func (c *smokeClient) mustReadReply(parent context.Context, id string, stepTimeout time.Duration) v1.Envelope {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		env := c.mustReadEnvelope(parent, time.Until(deadline))
		if env.ReplyTo == id {
			return env
		}
	}
	fatalf("timeout waiting for reply to %s (%s)", id, c.name)
	return v1.Envelope{}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
