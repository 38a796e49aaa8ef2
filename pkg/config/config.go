// Package config loads and validates the truth process's configuration:
// instance role, transport address, store path, file-writer/export
// directories, and the UI/playback tuning knobs enumerated for the core.
package config

// Role is the instance role: payload instances own one scope and default
// to the source timebase; aggregating instances subscribe to every scope
// and default to the canonical timebase.
type Role string

const (
	RolePayload     Role = "payload"
	RoleAggregating Role = "aggregating"
)

// Config is the umbrella configuration object returned by Initialize.
type Config struct {
	Role     Role    `yaml:"role"`
	ScopeID  string  `yaml:"scopeId"`
	Transport Transport `yaml:"transport"`
	Store    Store    `yaml:"store"`
	FileWriter FileWriter `yaml:"fileWriter"`
	Export   Export   `yaml:"export"`
	UI       UI       `yaml:"ui"`
	Playback Playback `yaml:"playback"`

	configPath string
}

// Transport configures the pub/sub connection producers and commands use.
type Transport struct {
	URI               string `yaml:"uri"`
	ReconnectAttempts int    `yaml:"reconnectAttempts"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds"`
}

// Store configures the truth store's backing database.
type Store struct {
	Path string `yaml:"path"`
}

// FileWriter configures the real-time per-driver file output tree.
type FileWriter struct {
	DataDir string `yaml:"dataDir"`
}

// Export configures windowed export bundle output.
type Export struct {
	ExportDir string `yaml:"exportDir"`
}

// UI configures the UI-state manager's reconstruction window and
// checkpoint cadence.
type UI struct {
	HistoryTimeoutSeconds     int `yaml:"historyTimeoutSeconds"`
	CheckpointIntervalMinutes int `yaml:"checkpointIntervalMinutes"`
}

// Playback configures the leader cursor's window pacing and the
// tolerance before a follower re-anchors to the leader.
type Playback struct {
	WindowSpanMilliseconds    int `yaml:"windowSpanMilliseconds"`
	SyncToleranceMicroseconds int `yaml:"syncToleranceMicroseconds"`
}

// ConfigPath returns the directory or file this configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Validate checks required fields and value ranges. Called by Initialize
// after merging defaults, so zero values here indicate a true omission.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePayload, RoleAggregating:
	default:
		return NewValidationError("role", ErrInvalidRole)
	}

	if c.Role == RolePayload && c.ScopeID == "" {
		return NewValidationError("scopeId", ErrMissingRequiredField)
	}

	if c.Transport.URI == "" {
		return NewValidationError("transport.uri", ErrMissingRequiredField)
	}
	if c.Transport.ReconnectAttempts < 0 {
		return NewValidationError("transport.reconnectAttempts", ErrInvalidValue)
	}

	if c.Store.Path == "" {
		return NewValidationError("store.path", ErrMissingRequiredField)
	}

	if c.FileWriter.DataDir == "" {
		return NewValidationError("fileWriter.dataDir", ErrMissingRequiredField)
	}
	if c.Export.ExportDir == "" {
		return NewValidationError("export.exportDir", ErrMissingRequiredField)
	}

	if c.UI.HistoryTimeoutSeconds <= 0 {
		return NewValidationError("ui.historyTimeoutSeconds", ErrInvalidValue)
	}
	if c.UI.CheckpointIntervalMinutes <= 0 {
		return NewValidationError("ui.checkpointIntervalMinutes", ErrInvalidValue)
	}

	if c.Playback.WindowSpanMilliseconds <= 0 {
		return NewValidationError("playback.windowSpanMilliseconds", ErrInvalidValue)
	}
	if c.Playback.SyncToleranceMicroseconds <= 0 {
		return NewValidationError("playback.syncToleranceMicroseconds", ErrInvalidValue)
	}

	return nil
}
