// Package config loads server settings from the environment, with an
// optional yaml file for the engine personality whitelist.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPersonalities is the personality whitelist used when no
// personalities file is configured. The set is closed: anything else
// is rejected at the session edge before reaching an engine.
var DefaultPersonalities = []string{
	"Default", "Aggressive", "Defensive", "Active",
	"Positional", "Endgame", "Human", "Random",
}

// Config is the full server configuration.
type Config struct {
	Port        int
	MetricsPort int

	EngineBinaryPath string
	EngineThreads    int
	EngineHashMB     int

	MinEngines       int
	MaxEngines       int
	ScaleUpThreshold int
	ScaleDownIdle    time.Duration

	MinClientVersion string
	DownloadURL      string

	AuthVerifyURL string
	DevAuthToken  string

	PersonalitiesFile string
	Personalities     []string
}

// Load reads the environment (a .env loaded by the caller counts) and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("ENGINE_THREADS", 1)
	v.SetDefault("ENGINE_HASH_MB", 128)
	v.SetDefault("MIN_ENGINES", 1)
	v.SetDefault("MAX_ENGINES", 4)
	v.SetDefault("SCALE_UP_THRESHOLD", 2)
	v.SetDefault("SCALE_DOWN_IDLE_MS", 120_000)
	v.SetDefault("MIN_CLIENT_VERSION", "")
	v.SetDefault("DOWNLOAD_URL", "")
	v.SetDefault("AUTH_VERIFY_URL", "")
	v.SetDefault("DEV_AUTH_TOKEN", "")
	v.SetDefault("PERSONALITIES_FILE", "")

	cfg := &Config{
		Port:              v.GetInt("PORT"),
		MetricsPort:       v.GetInt("METRICS_PORT"),
		EngineBinaryPath:  v.GetString("ENGINE_BINARY_PATH"),
		EngineThreads:     v.GetInt("ENGINE_THREADS"),
		EngineHashMB:      v.GetInt("ENGINE_HASH_MB"),
		MinEngines:        v.GetInt("MIN_ENGINES"),
		MaxEngines:        v.GetInt("MAX_ENGINES"),
		ScaleUpThreshold:  v.GetInt("SCALE_UP_THRESHOLD"),
		ScaleDownIdle:     time.Duration(v.GetInt("SCALE_DOWN_IDLE_MS")) * time.Millisecond,
		MinClientVersion:  v.GetString("MIN_CLIENT_VERSION"),
		DownloadURL:       v.GetString("DOWNLOAD_URL"),
		AuthVerifyURL:     v.GetString("AUTH_VERIFY_URL"),
		DevAuthToken:      v.GetString("DEV_AUTH_TOKEN"),
		PersonalitiesFile: v.GetString("PERSONALITIES_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.PersonalitiesFile != "" {
		names, err := loadPersonalities(cfg.PersonalitiesFile)
		if err != nil {
			return nil, err
		}
		cfg.Personalities = names
	} else {
		cfg.Personalities = append([]string(nil), DefaultPersonalities...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EngineBinaryPath == "" {
		return fmt.Errorf("ENGINE_BINARY_PATH is required")
	}
	if c.Port <= 0 || c.MetricsPort <= 0 {
		return fmt.Errorf("PORT and METRICS_PORT must be positive")
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("PORT and METRICS_PORT must differ")
	}
	if c.MinEngines < 1 {
		return fmt.Errorf("MIN_ENGINES must be at least 1")
	}
	if c.MaxEngines < c.MinEngines {
		return fmt.Errorf("MAX_ENGINES (%d) below MIN_ENGINES (%d)", c.MaxEngines, c.MinEngines)
	}
	if c.ScaleUpThreshold < 1 {
		return fmt.Errorf("SCALE_UP_THRESHOLD must be at least 1")
	}
	return nil
}

// PersonalitySet converts the whitelist to lookup form.
func (c *Config) PersonalitySet() map[string]bool {
	set := make(map[string]bool, len(c.Personalities))
	for _, p := range c.Personalities {
		set[p] = true
	}
	return set
}

type personalitiesFile struct {
	Personalities []string `yaml:"personalities"`
}

func loadPersonalities(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personalities file: %w", err)
	}
	var pf personalitiesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse personalities file %s: %w", path, err)
	}
	if len(pf.Personalities) == 0 {
		return nil, fmt.Errorf("personalities file %s lists no personalities", path)
	}
	return pf.Personalities, nil
}
