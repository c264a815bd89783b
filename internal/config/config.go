// Package config loads Claudia's JSON5 configuration file and overlays
// environment-sourced secrets, following the teacher's pattern of a single
// hand-edited config file plus env-only credentials that are never
// persisted back to disk.
package config

// Config is the root configuration for a Claudia instance.
type Config struct {
	Store     StoreConfig     `json:"store"`
	Gateway   GatewayConfig   `json:"gateway"`
	Watcher   WatcherConfig   `json:"watcher"`
	Ingestion IngestionConfig `json:"ingestion"`
	Extension ExtensionConfig `json:"extension,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Librarian LibrarianConfig `json:"librarian,omitempty"`
	Tts       TtsConfig       `json:"tts,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Supervisor SupervisorConfig `json:"supervisor,omitempty"`
}

// StoreConfig points at the embedded sqlite database file (§3).
type StoreConfig struct {
	Path string `json:"path"`
}

// GatewayConfig configures the WebSocket hub (§4.1).
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"-"` // from env CLAUDIA_GATEWAY_TOKEN only
	RateLimitRPS    int    `json:"rate_limit_rps"`
	MaxMessageBytes int    `json:"max_message_bytes"`
}

// WatcherConfig configures the file watcher (§4.4).
type WatcherConfig struct {
	Roots            []string `json:"roots"`
	DebounceMillis   int      `json:"debounce_millis"`
	IgnorePatterns   []string `json:"ignore_patterns,omitempty"`
}

// IngestionConfig configures conversation segmentation thresholds (§4.4).
type IngestionConfig struct {
	IdleGapSeconds   int `json:"idle_gap_seconds"`
	MaxEntries       int `json:"max_entries"`
	MaxBytes         int `json:"max_bytes"`
}

// ExtensionConfig configures the extension host supervisor (§4.2).
type ExtensionConfig struct {
	Paths              []string `json:"paths,omitempty"`
	InitialBackoffMs   int      `json:"initial_backoff_ms"`
	MaxBackoffMs       int      `json:"max_backoff_ms"`
	MaxRestartAttempts int      `json:"max_restart_attempts"`
	CallTimeoutMs      int      `json:"call_timeout_ms"`
}

// AgentConfig configures the CLI the agent session manager spawns (§4.3).
type AgentConfig struct {
	Command           string   `json:"command"`
	ExtraArgs         []string `json:"extra_args,omitempty"`
	DefaultPermission string   `json:"default_permission_mode"`
}

// LibrarianConfig configures the archival worker (§4.5).
type LibrarianConfig struct {
	Enabled            bool   `json:"enabled"`
	PollCron           string `json:"poll_cron"`
	ContextCount       int    `json:"context_count"`
	RepoPath           string `json:"repo_path,omitempty"`
	MinEntries         int    `json:"min_entries"`
	MaxTranscriptBytes int    `json:"max_transcript_bytes"`
	ProcessTimeoutSec  int    `json:"process_timeout_sec"`
	DefaultBatchSize   int    `json:"default_batch_size"`
}

// TtsConfig configures the streaming speech bridge (§4.6).
type TtsConfig struct {
	Enabled        bool    `json:"enabled"`
	Endpoint       string  `json:"endpoint,omitempty"`
	APIKey         string  `json:"-"` // from env CLAUDIA_TTS_API_KEY only
	Voice          string  `json:"voice,omitempty"`
	MaxConcurrent  int     `json:"max_concurrent"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// TelemetryConfig configures OpenTelemetry trace export (ambient, added).
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// SupervisorConfig configures the process supervisor/dashboard (§4.7).
type SupervisorConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	HealthCheckCron  string `json:"health_check_cron"`
	RestartBackoffMs int    `json:"restart_backoff_ms"`
	MaxRestartBackoffMs int `json:"max_restart_backoff_ms"`
}
