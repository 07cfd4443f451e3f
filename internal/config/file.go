package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML decoding. Durations are strings in
// the file ("15s", "5m") and parsed with time.ParseDuration; empty fields
// leave the corresponding Config value untouched.
type fileConfig struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Backend struct {
		Candidates     []string `yaml:"candidates"`
		RequestTimeout string   `yaml:"request_timeout"`
		ProbeTimeout   string   `yaml:"probe_timeout"`
		MaxRetries     *int     `yaml:"max_retries"`
		BaseBackoff    string   `yaml:"base_backoff"`
		MaxBackoff     string   `yaml:"max_backoff"`
	} `yaml:"backend"`
	Poll struct {
		Interval string `yaml:"interval"`
		Ceiling  string `yaml:"ceiling"`
	} `yaml:"poll"`
	Cache struct {
		DataDir      string `yaml:"data_dir"`
		SaveDebounce string `yaml:"save_debounce"`
	} `yaml:"cache"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.Server.Port != 0 {
		cfg.Server.Port = fc.Server.Port
	}
	if len(fc.Backend.Candidates) > 0 {
		candidates := make([]string, 0, len(fc.Backend.Candidates))
		for _, c := range fc.Backend.Candidates {
			if c = strings.TrimSpace(c); c != "" {
				candidates = append(candidates, strings.TrimRight(c, "/"))
			}
		}
		cfg.Backend.Candidates = candidates
	}
	if fc.Backend.MaxRetries != nil {
		cfg.Backend.MaxRetries = *fc.Backend.MaxRetries
	}
	if fc.Cache.DataDir != "" {
		cfg.Cache.DataDir = fc.Cache.DataDir
	}
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Log.File != "" {
		cfg.Log.File = fc.Log.File
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backend.request_timeout", fc.Backend.RequestTimeout, &cfg.Backend.RequestTimeout},
		{"backend.probe_timeout", fc.Backend.ProbeTimeout, &cfg.Backend.ProbeTimeout},
		{"backend.base_backoff", fc.Backend.BaseBackoff, &cfg.Backend.BaseBackoff},
		{"backend.max_backoff", fc.Backend.MaxBackoff, &cfg.Backend.MaxBackoff},
		{"poll.interval", fc.Poll.Interval, &cfg.Poll.Interval},
		{"poll.ceiling", fc.Poll.Ceiling, &cfg.Poll.Ceiling},
		{"cache.save_debounce", fc.Cache.SaveDebounce, &cfg.Cache.SaveDebounce},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s in %s: %w", d.name, path, err)
		}
		*d.dst = parsed
	}
	return nil
}
