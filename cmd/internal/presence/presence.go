// Package presence flips the device's "plugged in" flag when a matching USB device attaches
// or detaches. It never touches the mailbox: a detach during an open session leaves the
// session alone.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by OpenMonitor on platforms without netlink uevents.
var ErrUnsupported = errors.New("presence: netlink monitor not supported on this platform")

// Mode selects the notifier.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeNetlink Mode = "netlink"
	ModeSysfs   Mode = "sysfs"
	ModeOff     Mode = "off"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeNetlink, ModeSysfs, ModeOff:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("presence: unknown mode %q", s)
	}
}

// Notifier runs until ctx is done.
type Notifier interface {
	Run(ctx context.Context) error
}

// New builds the notifier for mode. ModeOff returns (nil, nil). ModeAuto prefers the netlink
// monitor and falls back to the sysfs poller when the socket cannot be opened.
func New(mode Mode, cfg Config, sink Sink) (Notifier, error) {
	cfg = cfg.withDefaults()

	switch mode {
	case ModeOff:
		return nil, nil
	case ModeSysfs:
		return NewPoller(cfg, sink), nil
	case ModeNetlink:
		m, err := OpenMonitor(cfg, sink)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ModeAuto, "":
		m, err := OpenMonitor(cfg, sink)
		if err == nil {
			return m, nil
		}
		cfg.Log.Warn("presence.fallback", "from", ModeNetlink, "to", ModeSysfs, "err", err)
		return NewPoller(cfg, sink), nil
	default:
		return nil, fmt.Errorf("presence: unknown mode %q", mode)
	}
}
