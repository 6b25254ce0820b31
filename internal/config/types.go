package config

// DatabaseConfig locates the persistent store inside a project directory.
type DatabaseConfig struct {
	Filename string `json:"filename,omitempty"` // Relative to the project directory
}

// QualityConfig tunes the quality gate.
type QualityConfig struct {
	MaxRetries int `json:"max_retries,omitempty"` // Rejections before escalation to blocked
}

// DispatchConfig tunes the coordinator's dispatch loop and its resilience
// wrapping around worker calls.
type DispatchConfig struct {
	Concurrency    int `json:"concurrency,omitempty"`      // Max concurrent assignments
	RetryInitialMS int `json:"retry_initial_ms,omitempty"` // Initial backoff interval
	RetryMaxMS     int `json:"retry_max_ms,omitempty"`     // Backoff interval ceiling
	RetryElapsedMS int `json:"retry_elapsed_ms,omitempty"` // Total retry budget per call
}

// DashboardConfig controls the read-only HTTP API.
type DashboardConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // host:port
}

// Config is the top-level configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database,omitempty"`
	Quality   QualityConfig   `json:"quality,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Dashboard DashboardConfig `json:"dashboard,omitempty"`
	// Priorities assigns a default scheduling priority per role for tasks
	// created without an explicit one.
	Priorities map[string]int `json:"priorities,omitempty"`
}
