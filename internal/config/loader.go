package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration that cannot be loaded or is invalid.
var ErrConfig = errors.New("configuration error")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config file at path.
// JSON files are accepted since YAML is a superset.
func Load(configPath string) (*Config, error) {
	if strings.TrimSpace(configPath) == "" {
		return nil, fmt.Errorf("%w: config path is empty", ErrConfig)
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve config path %q: %v", ErrConfig, configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", ErrConfig, absPath)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfig, absPath, err)
	}

	cfg = applyConfigDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %v", ErrConfig, err)
	}
	return cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.ScanIntervalSecs == 0 {
		cfg.ScanIntervalSecs = defaults.ScanIntervalSecs
	}
	if cfg.Parser == "" {
		cfg.Parser = defaults.Parser
	}
	if cfg.StateDBPath == "" {
		cfg.StateDBPath = defaults.StateDBPath
	}
	if cfg.HTTPTimeoutSecs == 0 {
		cfg.HTTPTimeoutSecs = defaults.HTTPTimeoutSecs
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	cfg.IridaBaseURL = strings.TrimRight(strings.TrimSpace(cfg.IridaBaseURL), "/")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg
}

// resolveRelativePaths anchors relative paths to the config file's directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.ExcludedRunsList, &cfg.RunsToUploadDir, &cfg.StateDBPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.RunsToUploadDir == "" {
		return fmt.Errorf("runs_to_upload_dir is required")
	}
	if cfg.ScanIntervalSecs < 1 {
		return fmt.Errorf("scan_interval_seconds must be >= 1 (got %d)", cfg.ScanIntervalSecs)
	}
	if cfg.MaxUploadAttempts < 0 {
		return fmt.Errorf("max_upload_attempts must be >= 0 (got %d)", cfg.MaxUploadAttempts)
	}
	if cfg.HTTPTimeoutSecs < 1 {
		return fmt.Errorf("http_timeout_seconds must be >= 1 (got %d)", cfg.HTTPTimeoutSecs)
	}

	required := []struct {
		key, value string
	}{
		{"irida_base_url", cfg.IridaBaseURL},
		{"irida_username", cfg.IridaUsername},
		{"irida_password", cfg.IridaPassword},
		{"irida_client_id", cfg.IridaClientID},
		{"irida_client_secret", cfg.IridaClientSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
		// Secrets must never reach the remote as literal placeholders.
		if matches := envVarPattern.FindStringSubmatch(r.value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", r.key, matches[1])
		}
	}
	if !strings.HasPrefix(cfg.IridaBaseURL, "http://") && !strings.HasPrefix(cfg.IridaBaseURL, "https://") {
		return fmt.Errorf("irida_base_url must be an http(s) URL (got %q)", cfg.IridaBaseURL)
	}

	if cfg.RunIDPattern != "" {
		if _, err := regexp.Compile(cfg.RunIDPattern); err != nil {
			return fmt.Errorf("run_id_pattern: %v", err)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if envVarPattern.MatchString(cfg.API.Token) {
			return fmt.Errorf("api.token: unresolved environment variable")
		}
	}
	return nil
}
