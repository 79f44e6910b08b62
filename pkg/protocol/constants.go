package protocol

import "time"

// Timeouts shared by the coordination core. Deadlines derived from these are
// wall-clock (startedAt + window), recomputed as remaining time on every tick.
const (
	// AcceptanceWindow is how long a targeted task offer stays open before
	// the task is reassigned to the open pool.
	AcceptanceWindow = 8000 * time.Millisecond

	// ClaimPollInterval is the poll cadence racing the push signal while an
	// offer is open.
	ClaimPollInterval = 1 * time.Second

	// ProbeTimeout bounds a single worker health probe.
	ProbeTimeout = 3000 * time.Millisecond

	// DirectSendTimeout bounds a direct-connect send to a worker endpoint.
	DirectSendTimeout = 5000 * time.Millisecond
)

// Directory and path constants used throughout buildd.
const (
	// BuilddDir is the user-level state directory (e.g., ~/.buildd).
	BuilddDir = ".buildd"

	// DBFileName is the relay state database file inside BuilddDir.
	DBFileName = "buildd.db"

	// ConfigFileName is the TOML config file inside BuilddDir.
	ConfigFileName = "config.toml"

	// PrefsFileName holds persisted dashboard preferences inside BuilddDir.
	PrefsFileName = "dashboard.toml"
)
