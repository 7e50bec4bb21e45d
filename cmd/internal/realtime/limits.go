package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send hello frames.
	maxFrameBytes = 4 << 10 // 4 KiB
)

const (
	// Heartbeat defaults (overridable through Config).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limits (events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)
