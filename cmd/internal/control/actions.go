package control

import (
	"context"
	"fmt"

	"usbstick/cmd/internal/codec"
	"usbstick/cmd/internal/device"
)

// Action names.
const (
	ActionGetShift    = "get_shift"
	ActionSetShift    = "set_shift"
	ActionGetPresence = "get_presence"
	ActionStatus      = "status"
	ActionIoctl       = "ioctl"
	ActionCommand     = "command"
)

// Commander executes control-plane commands. *device.ControlPlane implements it.
type Commander interface {
	Exec(cmd device.Command) (device.Reply, error)
}

// StatusSource reports device status. *device.Device implements it.
type StatusSource interface {
	Status() device.Status
}

type ShiftReply struct {
	Shift int `cbor:"shift" json:"shift"`
}

type PresenceReply struct {
	Present bool `cbor:"present" json:"present"`
}

// IoctlReply is the integer an ioctl returns: the shift for the shift codes, 1/0 for presence.
type IoctlReply struct {
	Value int `cbor:"value" json:"value"`
}

type CommandReply struct {
	Op      string `cbor:"op" json:"op"`
	Code    uint32 `cbor:"code" json:"code"`
	Shift   int    `cbor:"shift" json:"shift"`
	Present bool   `cbor:"present" json:"present"`
}

type StatusReply struct {
	Name        string `cbor:"name" json:"name"`
	Present     bool   `cbor:"present" json:"present"`
	Capacity    int    `cbor:"capacity" json:"capacity"`
	Occupancy   int    `cbor:"occupancy" json:"occupancy"`
	Free        int    `cbor:"free" json:"free"`
	Shift       int    `cbor:"shift" json:"shift"`
	SessionOpen bool   `cbor:"session_open" json:"session_open"`
	Report      string `cbor:"report" json:"report"`
}

// NewCommandReply converts a device reply to its wire form.
func NewCommandReply(r device.Reply) CommandReply {
	return CommandReply{Op: r.Op.String(), Code: r.Op.Code(), Shift: r.Shift, Present: r.Present}
}

// NewStatusReply converts a device status to its wire form.
func NewStatusReply(st device.Status) StatusReply {
	return StatusReply{
		Name:        st.Name,
		Present:     st.Present,
		Capacity:    st.Capacity,
		Occupancy:   st.Occupancy,
		Free:        st.Free,
		Shift:       st.Shift,
		SessionOpen: st.SessionOpen,
		Report:      st.String(),
	}
}

// Register installs the device actions on s.
func Register(s *Server, cmd Commander, status StatusSource) {
	s.Handle(ActionGetShift, func(context.Context, []byte) (any, error) {
		r, err := cmd.Exec(device.Command{Op: device.OpGetShift})
		if err != nil {
			return nil, err
		}
		return ShiftReply{Shift: r.Shift}, nil
	})

	s.Handle(ActionSetShift, func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Shift *int `cbor:"shift"`
		}
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.Shift == nil {
			return nil, fmt.Errorf("%w: missing field: shift", errBadRequest)
		}
		r, err := cmd.Exec(device.Command{Op: device.OpSetShift, Shift: *req.Shift})
		if err != nil {
			return nil, err
		}
		return ShiftReply{Shift: r.Shift}, nil
	})

	s.Handle(ActionGetPresence, func(context.Context, []byte) (any, error) {
		r, err := cmd.Exec(device.Command{Op: device.OpGetPresence})
		if err != nil {
			return nil, err
		}
		return PresenceReply{Present: r.Present}, nil
	})

	s.Handle(ActionStatus, func(context.Context, []byte) (any, error) {
		return NewStatusReply(status.Status()), nil
	})

	s.Handle(ActionIoctl, func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Code uint32 `cbor:"code"`
			Arg  int    `cbor:"arg"`
		}
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		op, err := device.OpFromCode(req.Code)
		if err != nil {
			return nil, err
		}
		r, err := cmd.Exec(device.Command{Op: op, Shift: req.Arg})
		if err != nil {
			return nil, err
		}
		return IoctlReply{Value: ioctlValue(r)}, nil
	})

	s.Handle(ActionCommand, func(_ context.Context, raw []byte) (any, error) {
		var req struct {
			Op    string `cbor:"op"`
			Shift int    `cbor:"shift"`
		}
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		op, err := device.ParseOp(req.Op)
		if err != nil {
			return nil, err
		}
		r, err := cmd.Exec(device.Command{Op: op, Shift: req.Shift})
		if err != nil {
			return nil, err
		}
		return NewCommandReply(r), nil
	})
}

func ioctlValue(r device.Reply) int {
	if r.Op == device.OpGetPresence {
		if r.Present {
			return 1
		}
		return 0
	}
	return r.Shift
}

func decode(raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
