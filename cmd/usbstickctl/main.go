// usbstickctl talks to a running usbstickd: the control socket for shift, presence and
// status, and the device node for moving bytes through the mailbox.
//
// Text sent with "echo" and "session" is Caesar-encoded with the device's current shift
// before it is written and decoded again after it is read back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"usbstick/cmd/internal/control"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	socket  string
	url     string
	origin  string
	timeout time.Duration
	raw     bool
	help    bool

	command string
	args    []string
}

func defaultSocket() string {
	if v := strings.TrimSpace(os.Getenv("USBSTICK_CONTROL_SOCKET")); v != "" {
		return v
	}
	return "/tmp/usbstick.sock"
}

func parseArgs(argv []string) (options, *pflag.FlagSet, error) {
	var opts options

	flagSet := pflag.NewFlagSet("usbstickctl", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&opts.socket, "socket", defaultSocket(), "control socket path")
	flagSet.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/dev/usb_stick", "device node URL")
	flagSet.StringVar(&opts.origin, "origin", "", "Origin header sent to the device node")
	flagSet.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-request timeout")
	flagSet.BoolVar(&opts.raw, "raw", false, "print control responses as CBOR diagnostic notation")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		return options{}, flagSet, err
	}

	rest := flagSet.Args()
	if len(rest) > 0 {
		opts.command = rest[0]
		opts.args = rest[1:]
	}
	return opts, flagSet, nil
}

func run(argv []string, stdin io.Reader, stdout io.Writer) error {
	opts, flagSet, err := parseArgs(argv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return nil
		}
		return err
	}
	if opts.help || opts.command == "" {
		printHelp(stdout, flagSet)
		return nil
	}

	ctl := control.NewClient(opts.socket)
	ctx := context.Background()

	switch opts.command {
	case "status":
		if err := wantArgs(opts, 0, 0); err != nil {
			return err
		}
		return withTimeout(ctx, opts, func(ctx context.Context) error {
			if opts.raw {
				return printRaw(ctx, stdout, ctl, control.ActionStatus, nil)
			}
			st, err := ctl.Status(ctx)
			if err != nil {
				return err
			}
			_, err = io.WriteString(stdout, st.Report)
			return err
		})

	case "shift":
		if err := wantArgs(opts, 0, 1); err != nil {
			return err
		}
		return withTimeout(ctx, opts, func(ctx context.Context) error {
			if len(opts.args) == 0 {
				if opts.raw {
					return printRaw(ctx, stdout, ctl, control.ActionGetShift, nil)
				}
				v, err := ctl.GetShift(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Shift: %d\n", v)
				return nil
			}
			n, err := strconv.Atoi(opts.args[0])
			if err != nil {
				return fmt.Errorf("shift %q: not an integer", opts.args[0])
			}
			if opts.raw {
				return printRaw(ctx, stdout, ctl, control.ActionSetShift, map[string]any{"shift": n})
			}
			v, err := ctl.SetShift(ctx, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Shift: %d\n", v)
			return nil
		})

	case "presence":
		if err := wantArgs(opts, 0, 0); err != nil {
			return err
		}
		return withTimeout(ctx, opts, func(ctx context.Context) error {
			if opts.raw {
				return printRaw(ctx, stdout, ctl, control.ActionGetPresence, nil)
			}
			present, err := ctl.GetPresence(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Plugged in: %s\n", yesNo(present))
			return nil
		})

	case "ioctl":
		if err := wantArgs(opts, 1, 2); err != nil {
			return err
		}
		code, err := parseCode(opts.args[0])
		if err != nil {
			return err
		}
		arg := 0
		if len(opts.args) == 2 {
			if arg, err = strconv.Atoi(opts.args[1]); err != nil {
				return fmt.Errorf("ioctl arg %q: not an integer", opts.args[1])
			}
		}
		return withTimeout(ctx, opts, func(ctx context.Context) error {
			if opts.raw {
				return printRaw(ctx, stdout, ctl, control.ActionIoctl, map[string]any{"code": code, "arg": arg})
			}
			v, err := ctl.Ioctl(ctx, code, arg)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d\n", v)
			return nil
		})

	case "command":
		if err := wantArgs(opts, 1, 2); err != nil {
			return err
		}
		shift := 0
		if len(opts.args) == 2 {
			var err error
			if shift, err = strconv.Atoi(opts.args[1]); err != nil {
				return fmt.Errorf("command shift %q: not an integer", opts.args[1])
			}
		}
		return withTimeout(ctx, opts, func(ctx context.Context) error {
			if opts.raw {
				return printRaw(ctx, stdout, ctl, control.ActionCommand, map[string]any{"op": opts.args[0], "shift": shift})
			}
			r, err := ctl.Command(ctx, opts.args[0], shift)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s (0x%08x): shift=%d present=%s\n", r.Op, r.Code, r.Shift, yesNo(r.Present))
			return nil
		})

	case "echo":
		if len(opts.args) == 0 {
			return errors.New("echo: missing TEXT")
		}
		return runEcho(ctx, opts, ctl, strings.Join(opts.args, " "), stdout)

	case "session":
		if err := wantArgs(opts, 0, 0); err != nil {
			return err
		}
		return runSession(ctx, opts, ctl, stdin, stdout)

	default:
		return fmt.Errorf("unknown command %q (see --help)", opts.command)
	}
}

func wantArgs(opts options, minN, maxN int) error {
	if n := len(opts.args); n < minN || n > maxN {
		if minN == maxN {
			return fmt.Errorf("%s: want %d argument(s), got %d", opts.command, minN, n)
		}
		return fmt.Errorf("%s: want %d to %d arguments, got %d", opts.command, minN, maxN, n)
	}
	return nil
}

func withTimeout(ctx context.Context, opts options, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return fn(ctx)
}

// parseCode accepts decimal or 0x-prefixed command codes.
func parseCode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("ioctl code %q: want decimal or 0x-prefixed hex", s)
	}
	return uint32(v), nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `usbstickctl: control and exercise a usbstickd device.

Usage:
  usbstickctl [flags] status
  usbstickctl [flags] shift [N]            (use "shift -- -3" for negative values)
  usbstickctl [flags] presence
  usbstickctl [flags] ioctl CODE [ARG]     (e.g. ioctl 0x80047501)
  usbstickctl [flags] command OP [SHIFT]   (GET_SHIFT, SET_SHIFT, GET_PRESENCE)
  usbstickctl [flags] echo TEXT...
  usbstickctl [flags] session

Flags:
%s`, flagSet.FlagUsages())
}
