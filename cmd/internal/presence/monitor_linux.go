//go:build linux

package presence

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ueventBufferSize = 4096
	ueventGroup      = 1 // kernel broadcast group
	recvTimeoutUsec  = 250_000
)

// Monitor listens for kernel hotplug uevents on a NETLINK_KOBJECT_UEVENT socket.
type Monitor struct {
	cfg Config
	t   *tracker
	fd  int
}

// OpenMonitor binds the netlink socket. Network namespaces without uevent delivery
// (most containers) make it fail; callers fall back to the Poller.
func OpenMonitor(cfg Config, sink Sink) (*Monitor, error) {
	cfg = cfg.withDefaults()

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventGroup}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	// Bounded receive so Run observes ctx without a second wakeup fd.
	tv := unix.NsecToTimeval(recvTimeoutUsec * 1000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink SO_RCVTIMEO: %w", err)
	}

	return &Monitor{cfg: cfg, t: newTracker(sink, cfg.Log), fd: fd}, nil
}

// Run seeds the attached set from sysfs, then applies uevents until ctx is done.
// The socket is closed when Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	defer unix.Close(m.fd)

	m.cfg.Log.Info("presence.start", "mode", ModeNetlink, "root", m.cfg.SysfsRoot, "table", m.cfg.Table.String())

	names, err := Scan(m.cfg.SysfsRoot, m.cfg.Table)
	if err != nil {
		m.cfg.Log.Warn("presence.scan", "err", err)
	}
	m.t.reset(names, "sysfs")

	buf := make([]byte, ueventBufferSize)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		if n <= 0 {
			continue
		}

		ev := ParseUEvent(buf[:n])
		if ev.Subsystem != "usb" {
			continue
		}
		m.cfg.Log.Debug("presence.uevent", "action", ev.Action.String(), "devpath", ev.DevPath, "devtype", ev.DevType)
		m.t.apply(ev, m.cfg.Table)
	}
	return nil
}
