package devnode

import "time"

const (
	// Max bytes per websocket frame read. A full 1 KiB buffer is ~1.4 KiB of base64 plus
	// the envelope; larger devices need a larger limit (Config.MaxFrameBytes).
	defaultMaxFrameBytes = 64 << 10

	defaultSendQueueSize = 64
	minSendQueueSize     = 8

	// Requests queued per lane (writes or reads) before new ones are refused.
	defaultLaneQueueSize = 32

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limit (client envelopes per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
