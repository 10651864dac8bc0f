package presence

import (
	"fmt"
	"strconv"
	"strings"
)

// ID matches a device by vendor and product.
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string { return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product) }

// Class matches an interface by class, subclass and protocol.
type Class struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (c Class) String() string {
	return fmt.Sprintf("class=%02x/%02x/%02x", c.Class, c.SubClass, c.Protocol)
}

// Table is the set of devices that count as "the stick".
type Table struct {
	IDs     []ID
	Classes []Class
}

// DefaultRules are the match rules used when none are configured: two fixed vendor/product
// pairs and any USB mass-storage interface (SCSI transparent, bulk-only).
var DefaultRules = []string{"0006:0050", "abcd:1234", "class=08/06/50"}

// DefaultTable returns the table built from DefaultRules.
func DefaultTable() Table {
	t, err := ParseTable(DefaultRules)
	if err != nil {
		panic("presence: default table: " + err.Error())
	}
	return t
}

// ParseTable parses rules of the form "VVVV:PPPP" or "class=CC/SS/PP" (hex).
func ParseTable(rules []string) (Table, error) {
	var t Table
	for _, raw := range rules {
		r := strings.ToLower(strings.TrimSpace(raw))
		if r == "" {
			continue
		}

		if body, ok := strings.CutPrefix(r, "class="); ok {
			c, err := parseClassRule(body)
			if err != nil {
				return Table{}, fmt.Errorf("presence rule %q: %w", raw, err)
			}
			t.Classes = append(t.Classes, c)
			continue
		}

		vid, pid, ok := strings.Cut(r, ":")
		if !ok {
			return Table{}, fmt.Errorf("presence rule %q: want VID:PID or class=CC/SS/PP", raw)
		}
		v, err := strconv.ParseUint(vid, 16, 16)
		if err != nil {
			return Table{}, fmt.Errorf("presence rule %q: vendor: %w", raw, err)
		}
		p, err := strconv.ParseUint(pid, 16, 16)
		if err != nil {
			return Table{}, fmt.Errorf("presence rule %q: product: %w", raw, err)
		}
		t.IDs = append(t.IDs, ID{Vendor: uint16(v), Product: uint16(p)})
	}
	return t, nil
}

func parseClassRule(body string) (Class, error) {
	parts := strings.Split(body, "/")
	if len(parts) != 3 {
		return Class{}, fmt.Errorf("want CC/SS/PP")
	}
	var out [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Class{}, err
		}
		out[i] = uint8(n)
	}
	return Class{Class: out[0], SubClass: out[1], Protocol: out[2]}, nil
}

// Empty reports whether t matches nothing.
func (t Table) Empty() bool { return len(t.IDs) == 0 && len(t.Classes) == 0 }

func (t Table) MatchID(id ID) bool {
	for _, x := range t.IDs {
		if x == id {
			return true
		}
	}
	return false
}

func (t Table) MatchClass(c Class) bool {
	for _, x := range t.Classes {
		if x == c {
			return true
		}
	}
	return false
}

// MatchEvent reports whether a usb subsystem uevent refers to a matching device or interface.
func (t Table) MatchEvent(ev UEvent) bool {
	if ev.Subsystem != "" && ev.Subsystem != "usb" {
		return false
	}
	if ev.HasInterface && t.MatchClass(ev.Class) {
		return true
	}
	return ev.HasID && t.MatchID(ID{Vendor: ev.Vendor, Product: ev.Product})
}

func (t Table) String() string {
	parts := make([]string, 0, len(t.IDs)+len(t.Classes))
	for _, id := range t.IDs {
		parts = append(parts, id.String())
	}
	for _, c := range t.Classes {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}
