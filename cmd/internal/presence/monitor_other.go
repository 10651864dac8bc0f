//go:build !linux

package presence

import "context"

// Monitor is only available on Linux.
type Monitor struct{}

// OpenMonitor always fails off Linux; use the Poller.
func OpenMonitor(Config, Sink) (*Monitor, error) { return nil, ErrUnsupported }

func (*Monitor) Run(context.Context) error { return ErrUnsupported }
