package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read. Inbound frames are small control
	// messages only.
	maxFrameBytes = 4 << 10 // 4 KiB

	// Max cards one connection may follow at once.
	maxSubscriptions = 32
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limit (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
