package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Indexer IndexerConfig `json:"indexer"`
	Engines EnginesConfig `json:"engines"`
	Storage StorageConfig `json:"storage"`
	Log     LogConfig     `json:"log"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

// IndexerConfig configures the external indexing backend adapter.
// Durations are Go duration strings ("15s", "1m").
type IndexerConfig struct {
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key"`
	CallTimeout    string  `json:"call_timeout"`
	MaxAttempts    int     `json:"max_attempts"`
	BackoffBase    string  `json:"backoff_base"`
	PollsPerSecond float64 `json:"polls_per_second"`
	PollInterval   string  `json:"poll_interval"`
}

type EnginesConfig struct {
	MaxPerOwner    int `json:"max_per_owner"`
	ImportParallel int `json:"import_parallel"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Indexer: IndexerConfig{
			BaseURL:        "http://localhost:4700",
			CallTimeout:    "15s",
			MaxAttempts:    4,
			BackoffBase:    "1s",
			PollsPerSecond: 10,
			PollInterval:   "5s",
		},
		Engines: EnginesConfig{
			MaxPerOwner:    20,
			ImportParallel: 4,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file (if present) and
// applies ENGINEHUB_* environment-variable overrides on top. A missing
// config file is not an error; defaults are used.
func Load() (Config, error) {
	return loadFrom(configFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Indexer.BaseURL == "" {
		return errors.New("indexer base_url must not be empty")
	}
	for _, d := range []struct {
		key string
		val string
	}{
		{"indexer.call_timeout", c.Indexer.CallTimeout},
		{"indexer.backoff_base", c.Indexer.BackoffBase},
		{"indexer.poll_interval", c.Indexer.PollInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
	}
	return nil
}

// Duration helpers return the parsed value; validate() guarantees they parse.

func (c IndexerConfig) CallTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.CallTimeout)
	return d
}

func (c IndexerConfig) BackoffBaseDuration() time.Duration {
	d, _ := time.ParseDuration(c.BackoffBase)
	return d
}

func (c IndexerConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

func configFilePath() string {
	if p := os.Getenv("ENGINEHUB_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "enginehub", "config.json")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "enginehub-data"
		}
	}
	return filepath.Join(dir, "enginehub")
}
