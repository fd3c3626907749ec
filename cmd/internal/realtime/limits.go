package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max message text length (runes), after trimming.
	maxMessageChars = 4000

	// Max conversations one session may watch at once.
	maxJoinedPerSession = 32
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
