package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type envSpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var envSpecs = []envSpec{
	{
		env: "ENGINEHUB_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "ENGINEHUB_INDEXER_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Indexer.BaseURL = v.(string) },
	},
	{
		env: "ENGINEHUB_INDEXER_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Indexer.APIKey = v.(string) },
	},
	{
		env: "ENGINEHUB_INDEXER_CALL_TIMEOUT", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Indexer.CallTimeout = v.(string) },
	},
	{
		env: "ENGINEHUB_INDEXER_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Indexer.MaxAttempts = v.(int) },
	},
	{
		env: "ENGINEHUB_INDEXER_BACKOFF_BASE", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Indexer.BackoffBase = v.(string) },
	},
	{
		env: "ENGINEHUB_INDEXER_POLLS_PER_SECOND", typ: kFloat,
		apply: func(cfg *Config, v any) { cfg.Indexer.PollsPerSecond = v.(float64) },
	},
	{
		env: "ENGINEHUB_INDEXER_POLL_INTERVAL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Indexer.PollInterval = v.(string) },
	},
	{
		env: "ENGINEHUB_ENGINES_MAX_PER_OWNER", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Engines.MaxPerOwner = v.(int) },
	},
	{
		env: "ENGINEHUB_ENGINES_IMPORT_PARALLEL", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Engines.ImportParallel = v.(int) },
	},
	{
		env: "ENGINEHUB_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "ENGINEHUB_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range envSpecs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
