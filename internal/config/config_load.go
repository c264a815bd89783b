package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, mirroring every
// SPEC_FULL.md component with a runnable out-of-the-box value.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.claudia/claudia.db",
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            8791,
			RateLimitRPS:    20,
			MaxMessageBytes: 1 << 20,
		},
		Watcher: WatcherConfig{
			Roots:          []string{"~/.claude/projects"},
			DebounceMillis: 100,
		},
		Ingestion: IngestionConfig{
			IdleGapSeconds: 1800,
			MaxEntries:     200,
			MaxBytes:       1 << 20,
		},
		Extension: ExtensionConfig{
			InitialBackoffMs:   500,
			MaxBackoffMs:       30000,
			MaxRestartAttempts: 10,
			CallTimeoutMs:      30000,
		},
		Agent: AgentConfig{
			Command:           "claude",
			DefaultPermission: "default",
		},
		Librarian: LibrarianConfig{
			Enabled:            true,
			PollCron:           "*/5 * * * *",
			ContextCount:       2,
			MinEntries:         2,
			MaxTranscriptBytes: 100 * 1024,
			ProcessTimeoutSec:  300,
			DefaultBatchSize:   10,
		},
		Tts: TtsConfig{
			MaxConcurrent:  2,
			RequestsPerSec: 3,
		},
		Supervisor: SupervisorConfig{
			Host:                "127.0.0.1",
			Port:                8792,
			HealthCheckCron:     "*/1 * * * *",
			RestartBackoffMs:    1000,
			MaxRestartBackoffMs: 60000,
		},
	}
}

// Load reads a JSON5 config file, then overlays env-sourced secrets. A
// missing file is not an error: Load falls back to Default() plus
// whatever env vars are set, matching the teacher's config_load.go.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secrets and operational overrides from the
// environment. The two secrets (gateway token, TTS API key) have a
// `json:"-"` tag on their struct fields and so never round-trip back into
// the JSON5 file; the other overridden fields are ordinary JSON fields.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CLAUDIA_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAUDIA_TTS_API_KEY", &c.Tts.APIKey)
	envStr("CLAUDIA_STORE_PATH", &c.Store.Path)
	envStr("CLAUDIA_GATEWAY_HOST", &c.Gateway.Host)
	envInt("CLAUDIA_GATEWAY_PORT", &c.Gateway.Port)
	envStr("CLAUDIA_AGENT_COMMAND", &c.Agent.Command)
	envStr("CLAUDIA_TTS_ENDPOINT", &c.Tts.Endpoint)
	envStr("CLAUDIA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}

// ExpandHome replaces a leading "~" with the current user's home directory,
// the same shorthand Default() and every config file use for paths.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
