package presence

import (
	"bytes"
	"strconv"
	"strings"
)

// Action is the kernel uevent action.
type Action uint8

const (
	ActionUnknown Action = iota
	ActionAdd
	ActionRemove
	ActionChange
	ActionBind
	ActionUnbind
)

var actionNames = map[string]Action{
	"add":    ActionAdd,
	"remove": ActionRemove,
	"change": ActionChange,
	"bind":   ActionBind,
	"unbind": ActionUnbind,
}

func (a Action) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return "unknown"
}

// UEvent is a parsed kernel uevent (NUL-separated "action@devpath" header plus KEY=value lines).
type UEvent struct {
	Action    Action
	DevPath   string
	Subsystem string
	DevType   string

	// PRODUCT=vid/pid/bcd, hex without leading zeros.
	Vendor  uint16
	Product uint16
	HasID   bool

	// INTERFACE=class/subclass/protocol, decimal. Only usb_interface events carry it.
	Class        Class
	HasInterface bool
}

// Name is the sysfs entry name of the device (the last DEVPATH element, e.g. "1-1" or "1-1:1.0").
func (e UEvent) Name() string {
	if i := strings.LastIndexByte(e.DevPath, '/'); i >= 0 {
		return e.DevPath[i+1:]
	}
	return e.DevPath
}

// ParseUEvent parses one netlink uevent datagram. Unknown keys are ignored.
func ParseUEvent(data []byte) UEvent {
	var ev UEvent

	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)

		key, value, ok := strings.Cut(s, "=")
		if !ok {
			if name, path, ok := strings.Cut(s, "@"); ok {
				if a, known := actionNames[name]; known {
					ev.Action = a
					ev.DevPath = path
				}
			}
			continue
		}

		switch key {
		case "ACTION":
			ev.Action = actionNames[value]
		case "DEVPATH":
			ev.DevPath = value
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVTYPE":
			ev.DevType = value
		case "PRODUCT":
			ev.Vendor, ev.Product, ev.HasID = parseProduct(value)
		case "INTERFACE":
			ev.Class, ev.HasInterface = parseInterface(value)
		}
	}
	return ev
}

func parseProduct(v string) (vendor, product uint16, ok bool) {
	parts := strings.Split(v, "/")
	if len(parts) < 2 {
		return 0, 0, false
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(vid), uint16(pid), true
}

func parseInterface(v string) (Class, bool) {
	parts := strings.Split(v, "/")
	if len(parts) != 3 {
		return Class{}, false
	}
	var out [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Class{}, false
		}
		out[i] = uint8(n)
	}
	return Class{Class: out[0], SubClass: out[1], Protocol: out[2]}, true
}
