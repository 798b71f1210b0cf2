package fetchq

import "time"

// Config holds configuration for the orchestration core.
type Config struct {
	// Concurrency is the maximum number of jobs fetched concurrently.
	Concurrency int

	// BandwidthBudget is the global download budget in bytes per second.
	// Zero means unlimited.
	BandwidthBudget int64

	// TickInterval is how often the dispatch loop re-evaluates the queue.
	TickInterval time.Duration

	// MaxJobRuntime is how long a job may stay running before it is
	// treated as a transient failure. Zero disables the watchdog.
	MaxJobRuntime time.Duration

	// RetryBase is the initial retry backoff delay.
	RetryBase time.Duration

	// RetryMax caps the computed backoff delay.
	RetryMax time.Duration

	// MaxRetries is the default retry budget for submitted jobs.
	MaxRetries int

	// HistorySize bounds the terminal job history ring.
	HistorySize int

	// EventHistorySize bounds the bus's replayable event ring.
	EventHistorySize int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      3,
		TickInterval:     250 * time.Millisecond,
		MaxJobRuntime:    2 * time.Hour,
		RetryBase:        1 * time.Second,
		RetryMax:         5 * time.Minute,
		MaxRetries:       3,
		HistorySize:      256,
		EventHistorySize: 1024,
		ShutdownTimeout:  30 * time.Second,
	}
}
