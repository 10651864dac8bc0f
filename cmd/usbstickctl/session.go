package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"usbstick/cmd/internal/cipher"
	"usbstick/cmd/internal/codec"
	"usbstick/cmd/internal/control"
	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/devnode"
	"usbstick/cmd/internal/ids"
)

// node is the byte path of an open device session. *devnode.Client implements it.
type node interface {
	Write(ctx context.Context, p []byte) (int, error)
	Read(ctx context.Context, maxLen int) (device.ReadResult, error)
	Capacity() int
}

// shifter reports the current cipher shift. *control.Client implements it.
type shifter interface {
	GetShift(ctx context.Context) (int, error)
}

func dial(ctx context.Context, opts options) (*devnode.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return devnode.Dial(ctx, opts.url, &devnode.DialOptions{Origin: opts.origin})
}

func closeClient(ctx context.Context, opts options, c *devnode.Client) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := c.Release(ctx); err != nil {
		_ = c.Close()
	}
}

func runEcho(ctx context.Context, opts options, ctl shifter, text string, w io.Writer) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer closeClient(ctx, opts, c)

	return withTimeout(ctx, opts, func(ctx context.Context) error {
		return echo(ctx, c, ctl, text, w)
	})
}

// echo writes text encoded with the current shift, reads it back and decodes it.
func echo(ctx context.Context, n node, ctl shifter, text string, w io.Writer) error {
	shift, err := ctl.GetShift(ctx)
	if err != nil {
		return err
	}
	enc := cipher.Shift([]byte(text), shift)

	written, err := n.Write(ctx, enc)
	if err != nil {
		return err
	}
	res, err := n.Read(ctx, n.Capacity())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "shift:   %d\n", shift)
	fmt.Fprintf(w, "stored:  %s\n", enc[:written])
	fmt.Fprintf(w, "decoded: %s\n", cipher.Unshift(res.Data, shift))
	if written < len(enc) {
		fmt.Fprintf(w, "short write: %d of %d bytes\n", written, len(enc))
	}
	return nil
}

type lineReader interface {
	ReadLine() (string, error)
}

type scanReader struct{ s *bufio.Scanner }

func (r scanReader) ReadLine() (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func runSession(ctx context.Context, opts options, ctl shifter, stdin io.Reader, stdout io.Writer) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer closeClient(ctx, opts, c)

	out := stdout
	var lines lineReader = scanReader{s: bufio.NewScanner(stdin)}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{stdin, stdout}, "usb_stick> ")
		lines, out = t, t
	}

	fmt.Fprintln(out, banner(c.SessionID(), c.Capacity()))
	return repl(ctx, opts, c, ctl, lines, out)
}

// banner names the session and, when the id is a ULID, when the daemon opened it.
func banner(sessionID string, capacity int) string {
	opened := ""
	if at, err := ids.Minted(sessionID); err == nil {
		opened = " opened " + at.Format(time.RFC3339)
	}
	return fmt.Sprintf("session %s%s, capacity %d bytes. Type help for commands.", sessionID, opened, capacity)
}

func repl(ctx context.Context, opts options, n node, ctl shifter, lines lineReader, w io.Writer) error {
	for {
		line, err := lines.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(w, "write TEXT | read [N] | echo TEXT | shift | quit")
		case "write":
			err = withTimeout(ctx, opts, func(ctx context.Context) error {
				shift, err := ctl.GetShift(ctx)
				if err != nil {
					return err
				}
				written, err := n.Write(ctx, cipher.Shift([]byte(arg), shift))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %d bytes\n", written)
				return nil
			})
		case "read":
			maxLen := n.Capacity()
			if arg != "" {
				if maxLen, err = strconv.Atoi(arg); err != nil {
					fmt.Fprintf(w, "read %q: not an integer\n", arg)
					continue
				}
			}
			err = withTimeout(ctx, opts, func(ctx context.Context) error {
				shift, err := ctl.GetShift(ctx)
				if err != nil {
					return err
				}
				res, err := n.Read(ctx, maxLen)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\n", cipher.Unshift(res.Data, shift))
				if res.Discarded > 0 {
					fmt.Fprintf(w, "(%d bytes discarded)\n", res.Discarded)
				}
				return nil
			})
		case "echo":
			err = withTimeout(ctx, opts, func(ctx context.Context) error {
				return echo(ctx, n, ctl, arg, w)
			})
		case "shift":
			err = withTimeout(ctx, opts, func(ctx context.Context) error {
				shift, err := ctl.GetShift(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Shift: %d\n", shift)
				return nil
			})
		default:
			fmt.Fprintf(w, "unknown command %q, type help\n", cmd)
		}

		if err != nil {
			if errors.Is(err, device.ErrClosed) || errors.Is(err, device.ErrNoSession) {
				return err
			}
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

func printRaw(ctx context.Context, w io.Writer, ctl *control.Client, action string, fields map[string]any) error {
	req := map[string]any{"action": action}
	for k, v := range fields {
		req[k] = v
	}
	data, err := codec.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := ctl.CallRaw(ctx, data)
	if err != nil {
		return err
	}
	diag, err := codec.Diagnose(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, diag)
	return err
}
