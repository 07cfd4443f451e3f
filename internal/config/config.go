package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunables for the repoglass daemon. Values come from
// defaults, then the YAML config file, then REPOGLASS_* environment
// variables, each layer overriding the previous one.
type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Poll    PollConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

// BackendConfig describes how to reach the analysis backend and how hard
// to try when it misbehaves.
type BackendConfig struct {
	// Candidates are probed in order until one answers the health check.
	Candidates     []string
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

type PollConfig struct {
	Interval time.Duration
	// Ceiling bounds the total wall-clock time spent polling one job.
	Ceiling time.Duration
}

type CacheConfig struct {
	DataDir      string
	SaveDebounce time.Duration
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Backend: BackendConfig{
			Candidates: []string{
				"http://127.0.0.1:8000",
				"http://127.0.0.1:8080",
				"http://127.0.0.1:5000",
			},
			RequestTimeout: 15 * time.Second,
			ProbeTimeout:   2 * time.Second,
			MaxRetries:     3,
			BaseBackoff:    time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Poll: PollConfig{
			Interval: 3 * time.Second,
			Ceiling:  5 * time.Minute,
		},
		Cache: CacheConfig{
			DataDir:      defaultDataDir(),
			SaveDebounce: time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "repoglass")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./repoglass-data"
	}
	return filepath.Join(home, ".local", "share", "repoglass")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "repoglass", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "repoglass", "config.yaml")
}

// Load reads configuration from the YAML config file (when present) and
// REPOGLASS_* environment variables layered over built-in defaults.
func Load() (Config, error) {
	return LoadFrom(defaultConfigPath())
}

// LoadFrom is Load with an explicit config file path. A missing file is
// not an error; a malformed one is.
func LoadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Backend.Candidates) == 0 {
		return fmt.Errorf("config: at least one backend candidate is required")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("config: backend.max_retries must be >= 0")
	}
	if c.Backend.BaseBackoff <= 0 || c.Backend.MaxBackoff < c.Backend.BaseBackoff {
		return fmt.Errorf("config: backoff bounds are invalid (base %s, max %s)",
			c.Backend.BaseBackoff, c.Backend.MaxBackoff)
	}
	if c.Poll.Interval <= 0 || c.Poll.Ceiling <= c.Poll.Interval {
		return fmt.Errorf("config: poll ceiling %s must exceed interval %s",
			c.Poll.Ceiling, c.Poll.Interval)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("REPOGLASS_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REPOGLASS_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("REPOGLASS_BACKEND_CANDIDATES"); v != "" {
		parts := strings.Split(v, ",")
		candidates := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				candidates = append(candidates, strings.TrimRight(p, "/"))
			}
		}
		cfg.Backend.Candidates = candidates
	}
	if v := os.Getenv("REPOGLASS_DATA_DIR"); v != "" {
		cfg.Cache.DataDir = v
	}
	if v := os.Getenv("REPOGLASS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPOGLASS_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"REPOGLASS_REQUEST_TIMEOUT", &cfg.Backend.RequestTimeout},
		{"REPOGLASS_PROBE_TIMEOUT", &cfg.Backend.ProbeTimeout},
		{"REPOGLASS_BASE_BACKOFF", &cfg.Backend.BaseBackoff},
		{"REPOGLASS_MAX_BACKOFF", &cfg.Backend.MaxBackoff},
		{"REPOGLASS_POLL_INTERVAL", &cfg.Poll.Interval},
		{"REPOGLASS_POLL_CEILING", &cfg.Poll.Ceiling},
		{"REPOGLASS_SAVE_DEBOUNCE", &cfg.Cache.SaveDebounce},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("REPOGLASS_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REPOGLASS_MAX_RETRIES: %w", err)
		}
		cfg.Backend.MaxRetries = n
	}
	return nil
}
