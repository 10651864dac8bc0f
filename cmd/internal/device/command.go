package device

import (
	"strings"
)

// Op is the closed set of control-plane operations.
type Op uint8

const (
	OpUnknown Op = iota
	OpGetShift
	OpSetShift
	OpGetPresence
)

// ioctl direction bits and the 'u' magic used by the usb_stick node.
const (
	iocWrite uint32 = 1
	iocRead  uint32 = 2

	iocMagic   uint32 = 'u'
	iocIntSize uint32 = 4
)

func ioc(dir, nr uint32) uint32 {
	return dir<<30 | iocIntSize<<16 | iocMagic<<8 | nr
}

// Numeric command codes, laid out like Linux _IOR/_IOW('u', nr, int).
var (
	CodeGetShift    = ioc(iocRead, 1)  // 0x80047501
	CodeSetShift    = ioc(iocWrite, 2) // 0x40047502
	CodeGetPresence = ioc(iocRead, 3)  // 0x80047503
)

// String returns the wire name of o.
func (o Op) String() string {
	switch o {
	case OpGetShift:
		return "GET_SHIFT"
	case OpSetShift:
		return "SET_SHIFT"
	case OpGetPresence:
		return "GET_PRESENCE"
	default:
		return "UNKNOWN"
	}
}

// Code returns the numeric command code of o, or 0 for OpUnknown.
func (o Op) Code() uint32 {
	switch o {
	case OpGetShift:
		return CodeGetShift
	case OpSetShift:
		return CodeSetShift
	case OpGetPresence:
		return CodeGetPresence
	default:
		return 0
	}
}

// ParseOp maps a wire name (case-insensitive) to an Op.
func ParseOp(name string) (Op, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "GET_SHIFT":
		return OpGetShift, nil
	case "SET_SHIFT":
		return OpSetShift, nil
	case "GET_PRESENCE":
		return OpGetPresence, nil
	default:
		return OpUnknown, &CommandError{Op: OpUnknown}
	}
}

// OpFromCode maps a numeric command code to an Op.
func OpFromCode(code uint32) (Op, error) {
	switch code {
	case CodeGetShift:
		return OpGetShift, nil
	case CodeSetShift:
		return OpSetShift, nil
	case CodeGetPresence:
		return OpGetPresence, nil
	default:
		return OpUnknown, &CommandError{Code: code}
	}
}

// Command is one control-plane request. Shift is only read by OpSetShift.
type Command struct {
	Op    Op
	Shift int
}

// Reply is the result of a Command. Shift is set for the shift ops, Present for OpGetPresence.
type Reply struct {
	Op      Op
	Shift   int
	Present bool
}
