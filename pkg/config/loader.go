package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment references,
// applies defaults and validates. An empty path yields a default
// configuration built from environment variables alone.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		// Decode to a generic tree first so env expansion sees every
		// scalar, then re-encode into the typed struct.
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		expanded := expandEnvVarsInData(raw)

		out, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		if err := yaml.Unmarshal(out, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto config
// fields. These take precedence over the YAML file so deployments can
// tune retrieval without re-rendering the config.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		switch os.Getenv(key) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
				*dst = f
			}
		}
	}

	setString(&cfg.Database.Host, "POSTGRES_HOST")
	setString(&cfg.Database.Database, "POSTGRES_DB")
	setString(&cfg.Database.User, "POSTGRES_USER")
	setString(&cfg.Database.Password, "POSTGRES_PASSWORD")

	setInt(&cfg.Embedding.Dimension, "EMBEDDING_DIMENSION")
	setString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")

	setBool(&cfg.Chunker.Hierarchical, "USE_HIERARCHICAL_CHUNKS")
	setInt(&cfg.Chunker.Overlap, "CHUNK_OVERLAP")

	setBool(&cfg.Search.UseAdjacentChunks, "USE_ADJACENT_CHUNKS")
	setBool(&cfg.Search.HybridEnabled, "HYBRID_SEARCH_ENABLED")
	setString(&cfg.Search.Alpha, "HYBRID_SEARCH_ALPHA")

	setBool(&cfg.Reranker.Enabled, "RERANKER_ENABLED")
	setString(&cfg.Reranker.BaseURL, "RERANKER_BASE_URL")
	setInt(&cfg.Reranker.TopK, "RERANKER_TOP_K")
	setInt(&cfg.Reranker.ReturnK, "RERANKER_RETURN_K")

	setFloat(&cfg.Quality.ConfidenceThreshold, "THUMBS_DOWN_CONFIDENCE_THRESHOLD")
	setString(&cfg.Quality.Schedule, "QUALITY_ANALYSIS_SCHEDULE")

	setString(&cfg.LLM.Mistral.APIKey, "MISTRAL_API_KEY")
	setString(&cfg.LLM.Chocolatine.APIKey, "CHOCOLATINE_API_KEY")
}
