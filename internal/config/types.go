package config

import "time"

// Config is the complete autoirida configuration. The first block of keys
// is the legacy JSON uploader config, so existing files load unchanged.
type Config struct {
	ExcludedRunsList  string `yaml:"excluded_runs_list"`
	RunsToUploadDir   string `yaml:"runs_to_upload_dir"`
	ScanIntervalSecs  int    `yaml:"scan_interval_seconds"`
	IridaBaseURL      string `yaml:"irida_base_url"`
	IridaUsername     string `yaml:"irida_username"`
	IridaPassword     string `yaml:"irida_password"`
	IridaClientID     string `yaml:"irida_client_id"`
	IridaClientSecret string `yaml:"irida_client_secret"`
	Parser            string `yaml:"parser"`

	// RunIDPattern, when set, restricts discovery to directory names matching it.
	RunIDPattern          string    `yaml:"run_id_pattern,omitempty"`
	StateDBPath           string    `yaml:"state_db_path"`
	MaxUploadAttempts     int       `yaml:"max_upload_attempts"`
	WriteCompletionMarker *bool     `yaml:"write_completion_marker,omitempty"`
	HTTPTimeoutSecs       int       `yaml:"http_timeout_seconds"`
	LogLevel              string    `yaml:"log_level"`
	API                   APIConfig `yaml:"api,omitempty"`
}

// APIConfig defines the read-only status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token is an optional bearer token. Empty leaves the API open.
	Token string `yaml:"token,omitempty"`
}

// ScanInterval is the sleep between ticks.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSecs) * time.Second
}

// HTTPTimeout bounds each request to IRIDA.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// CompletionMarkerEnabled reports whether a marker file is written into
// uploaded run directories.
func (c *Config) CompletionMarkerEnabled() bool {
	return c.WriteCompletionMarker == nil || *c.WriteCompletionMarker
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		ScanIntervalSecs: 3600,
		Parser:           "directory",
		StateDBPath:      "./data/autoirida.db",
		HTTPTimeoutSecs:  300,
		LogLevel:         "info",
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
	}
}
