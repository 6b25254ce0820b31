package config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Filename: ".foreman.db",
		},
		Quality: QualityConfig{
			MaxRetries: 3,
		},
		Dispatch: DispatchConfig{
			Concurrency:    4,
			RetryInitialMS: 100,
			RetryMaxMS:     10_000,
			RetryElapsedMS: 120_000,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Listen:  "127.0.0.1:5000",
		},
		Priorities: map[string]int{
			"planner":         10,
			"builder":         5,
			"quality_checker": 5,
			"tester":          3,
			"documenter":      1,
		},
	}
}
