package server

import "time"

// Config holds the tunable parameters for session behavior.
type Config struct {
	// SessionCap is the maximum number of participants per session.
	SessionCap int

	// GracePeriod is how long an empty session survives before teardown.
	// A join during the grace period cancels it.
	GracePeriod time.Duration

	// CompactThreshold is the in-memory log size that triggers folding the
	// log into the snapshot. Compaction bounds replay cost on reconnect at
	// the price of forcing full resyncs for clients further behind.
	CompactThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionCap:       32,
		GracePeriod:      30 * time.Second,
		CompactThreshold: 512,
	}
}
