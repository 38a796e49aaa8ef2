package config

// DefaultConfig returns the built-in defaults, overlaid by whatever the
// YAML document and environment supply. Matches the numeric defaults
// called out for the UI reconstruction window, checkpoint cadence, and
// playback pacing.
func DefaultConfig() *Config {
	return &Config{
		Role: RolePayload,
		Transport: Transport{
			ReconnectAttempts: 5,
			TimeoutSeconds:    10,
		},
		UI: UI{
			HistoryTimeoutSeconds:     120,
			CheckpointIntervalMinutes: 60,
		},
		Playback: Playback{
			WindowSpanMilliseconds:    1000,
			SyncToleranceMicroseconds: 2_000_000,
		},
	}
}
