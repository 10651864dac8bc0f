package devnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"usbstick/cmd/internal/device"
	v1 "usbstick/shared/contracts/devnode/v1"

	"github.com/coder/websocket"
)

// cancelGrace bounds how long a cancelled call waits for the server's final reply.
const cancelGrace = 5 * time.Second

// DialOptions configures Dial. The zero value is usable.
type DialOptions struct {
	Origin     string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Client is one open device session over the device node. Write and Read may be called
// concurrently: a Read blocked on an empty device does not hold up a Write.
type Client struct {
	conn *websocket.Conn
	open v1.SessionOpenPayload

	mu      sync.Mutex
	pending map[string]chan v1.Envelope

	done    chan struct{}
	doneErr error
}

// Dial opens the device at url (ws://host/dev/usb_stick). A busy device fails with an error
// matching device.ErrBusy.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Client, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	h := http.Header{}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   opts.HTTPClient,
	})
	if err != nil {
		if rerr := rejectError(resp); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	limit := opts.ReadLimit
	if limit <= 0 {
		limit = defaultMaxFrameBytes
	}
	conn.SetReadLimit(limit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("read session.open: %w", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != v1.TypeSessionOpen {
		_ = conn.Close(websocket.StatusProtocolError, "expected session.open")
		return nil, fmt.Errorf("read session.open: unexpected frame %q", data)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan v1.Envelope),
		done:    make(chan struct{}),
	}
	if err := json.Unmarshal(env.Payload, &c.open); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("decode session.open: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func rejectError(resp *http.Response) error {
	if resp == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		return nil
	}

	var body v1.RejectBody
	if resp.Body != nil {
		_ = json.NewDecoder(resp.Body).Decode(&body)
	}
	if body.Error.Code == "" {
		switch resp.StatusCode {
		case http.StatusConflict:
			body.Error.Code = v1.CodeBusy
		case http.StatusServiceUnavailable:
			body.Error.Code = v1.CodeClosed
		default:
			return nil
		}
	}
	if body.Error.Message == "" {
		body.Error.Message = resp.Status
	}
	return &RemoteError{Code: body.Error.Code, Message: body.Error.Message}
}

// SessionID returns the id the server assigned to this session.
func (c *Client) SessionID() string { return c.open.SessionID }

// Capacity returns the device buffer size reported at open.
func (c *Client) Capacity() int { return c.open.Capacity }

// Write sends p and returns how many bytes the device accepted (possibly fewer than len(p)).
func (c *Client) Write(ctx context.Context, p []byte) (int, error) {
	env, err := c.call(ctx, v1.TypeWrite, v1.WritePayload{Data: p})
	if err != nil {
		return 0, err
	}
	var ack v1.WriteAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return 0, fmt.Errorf("decode write.ack: %w", err)
	}
	return ack.N, nil
}

// Read drains the device, returning at most maxLen bytes.
func (c *Client) Read(ctx context.Context, maxLen int) (device.ReadResult, error) {
	env, err := c.call(ctx, v1.TypeRead, v1.ReadPayload{MaxLen: maxLen})
	if err != nil {
		return device.ReadResult{}, err
	}
	var pl v1.ReadDataPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		return device.ReadResult{}, fmt.Errorf("decode read.data: %w", err)
	}
	if pl.Data == nil {
		pl.Data = []byte{}
	}
	return device.ReadResult{Data: pl.Data, Discarded: pl.Discarded}, nil
}

// Release ends the session and waits for the server to close the connection.
func (c *Client) Release(ctx context.Context) error {
	if err := c.send(ctx, newEnvelope(v1.TypeRelease, "", v1.ReleasePayload{})); err != nil {
		_ = c.conn.CloseNow()
		return err
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		_ = c.conn.CloseNow()
		return ctx.Err()
	}

	if st := websocket.CloseStatus(c.doneErr); st != websocket.StatusNormalClosure {
		return fmt.Errorf("release: %w", c.doneErr)
	}
	return nil
}

// Close drops the connection without a release envelope; the server releases on close.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// call sends a request and waits for its reply. If ctx ends first, the server is asked to
// cancel the request and the call still waits (briefly) for the final reply, which may
// carry data the device already handed out.
func (c *Client) call(ctx context.Context, typ string, payload any) (v1.Envelope, error) {
	env := newEnvelope(typ, "", payload)
	ch := make(chan v1.Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return replyResult(reply)
	case <-c.done:
		return v1.Envelope{}, c.sessionEnded()
	case <-ctx.Done():
	}

	cctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	_ = c.send(cctx, newEnvelope(v1.TypeCancel, "", v1.CancelPayload{ID: env.ID}))

	select {
	case reply := <-ch:
		return replyResult(reply)
	case <-c.done:
		return v1.Envelope{}, c.sessionEnded()
	case <-cctx.Done():
		return v1.Envelope{}, fmt.Errorf("%w: %w", device.ErrInterrupted, ctx.Err())
	}
}

func replyResult(env v1.Envelope) (v1.Envelope, error) {
	if env.Type != v1.TypeError {
		return env, nil
	}
	var pl v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode error envelope: %w", err)
	}
	return v1.Envelope{}, &RemoteError{Code: pl.Code, Message: pl.Message}
}

func (c *Client) send(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) sessionEnded() error {
	return fmt.Errorf("%w: connection closed: %v", device.ErrNoSession, c.doneErr)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.doneErr = err
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.ReplyTo == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}
