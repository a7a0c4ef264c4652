package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Document snapshots travel in one frame.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max message body length (runes).
	maxMessageChars = 4000

	// Max records in one snapshot.
	maxSnapshotRecords = 10_000

	// Max bytes of one relayed client event payload.
	maxClientEventBytes = 256 << 10
)

const (
	// Heartbeat defaults (overridable via GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Cursor moves are throttled client side
	// to ten per second, so the budget leaves room for them plus document batches.
	rateLimitEvents = 600
	rateLimitWindow = 10 * time.Second

	// History window defaults.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
