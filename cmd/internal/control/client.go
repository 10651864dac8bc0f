package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"usbstick/cmd/internal/codec"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 15 * time.Second
	maxResponseSize     = 64 * 1024
)

// Client talks to a control Server. It holds no connection; every Call dials.
type Client struct {
	path string
}

func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call sends action with fields and decodes the response data into result (if non-nil).
// A failed response is returned as *ServiceError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	req := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		req[k] = v
	}
	req["action"] = action

	resp, err := c.send(ctx, req)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.path, err)
	}
	if !resp.OK {
		return &ServiceError{Action: action, Code: resp.Code, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decode %q response: %w", action, err)
		}
	}
	return nil
}

// CallRaw sends a pre-encoded request and returns the raw response bytes. usbstickctl uses it
// to print diagnostic notation.
func (c *Client) CallRaw(ctx context.Context, req []byte) ([]byte, error) {
	var msg codec.RawMessage = req
	resp, err := c.send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(resp)
}

func (c *Client) send(ctx context.Context, req any) (*Response, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	if _, ok := ctx.Deadline(); !ok {
		_ = conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	}
	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) GetShift(ctx context.Context) (int, error) {
	var r ShiftReply
	err := c.Call(ctx, ActionGetShift, nil, &r)
	return r.Shift, err
}

func (c *Client) SetShift(ctx context.Context, shift int) (int, error) {
	var r ShiftReply
	err := c.Call(ctx, ActionSetShift, map[string]any{"shift": shift}, &r)
	return r.Shift, err
}

func (c *Client) GetPresence(ctx context.Context) (bool, error) {
	var r PresenceReply
	err := c.Call(ctx, ActionGetPresence, nil, &r)
	return r.Present, err
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.Call(ctx, ActionStatus, nil, &r)
	return r, err
}

// Ioctl issues a numeric command code the way ioctl(2) would.
func (c *Client) Ioctl(ctx context.Context, code uint32, arg int) (int, error) {
	var r IoctlReply
	err := c.Call(ctx, ActionIoctl, map[string]any{"code": code, "arg": arg}, &r)
	return r.Value, err
}

func (c *Client) Command(ctx context.Context, op string, shift int) (CommandReply, error) {
	var r CommandReply
	err := c.Call(ctx, ActionCommand, map[string]any{"op": op, "shift": shift}, &r)
	return r, err
}
