// Package device implements the usb_stick pretend character device.
//
// A Device owns a single-slot Mailbox (a fixed-capacity byte buffer with an occupancy count),
// the session guard that allows at most one open session, and a ControlPlane holding the
// cipher shift and the presence flag.
//
// Byte path:
//   - Open returns a Session or ErrBusy; it never waits for the current session to end.
//   - Write blocks while the buffer is full, then copies as much as fits (short writes).
//   - Read blocks while the buffer is empty, then drains it completely (TruncateDiscard).
//   - Release ends the session and drops whatever was buffered.
//
// Every blocking call takes a context; cancellation returns ErrInterrupted without moving data.
//
// Transports (WebSocket node, control socket, HTTP) live in sibling packages and only see
// the exported methods here.
package device
