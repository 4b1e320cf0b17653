package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the yaml file at path (if
// any), then environment overrides (API keys, database path, listen
// address). The returned value is complete and validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays settings from the environment: the API keys, so keys
// never need to live in the config file, plus the database path and the
// listen address.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MIRA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MIRA_EMBED_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
	if v := os.Getenv("MIRA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MIRA_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
}

// Validate checks cross-field invariants that defaults alone cannot
// guarantee once a file or the environment has been overlaid.
func (c Config) Validate() error {
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Embeddings.MaxBatchSize <= 0 {
		return fmt.Errorf("embeddings.max_batch_size must be positive, got %d", c.Embeddings.MaxBatchSize)
	}
	if len(c.Memory.Heads) == 0 {
		return errors.New("memory.heads must name at least one head")
	}
	sum := c.Memory.WeightRecency + c.Memory.WeightSimilarity + c.Memory.WeightSalience
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("memory recall weights must sum to 1, got %.3f", sum)
	}
	if c.Operations.MaxIterations <= 0 {
		return fmt.Errorf("operations.max_iterations must be positive, got %d", c.Operations.MaxIterations)
	}
	return nil
}
