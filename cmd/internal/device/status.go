package device

import (
	"fmt"
	"io"
	"strings"
)

// Status is the read-only report exposed without a session.
type Status struct {
	Name        string
	Present     bool
	Capacity    int
	Occupancy   int
	Free        int
	Shift       int
	SessionOpen bool
}

// WriteTo renders the /proc/usb_stats report.
func (s Status) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.String())
	return int64(n), err
}

func (s Status) String() string {
	var b strings.Builder
	b.WriteString("USB Stick Statistics\n")
	fmt.Fprintf(&b, "Plugged in: %s\n", yesNo(s.Present))
	fmt.Fprintf(&b, "Buffer space left: %d bytes\n", s.Free)
	fmt.Fprintf(&b, "Shift: %d\n", s.Shift)
	return b.String()
}

// ShiftReport renders the /proc/usb_shift report.
func ShiftReport(shift int) string {
	return fmt.Sprintf("Shift: %d\n", shift)
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
