// Package config defines the application configuration.
//
// Each subsystem has its own config struct with yaml tags, defaults and
// validation. Values may reference environment variables with the
// ${VAR} / ${VAR:-default} syntax; expansion happens at load time.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	LLM       LLMConfig       `yaml:"llm"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Search    SearchConfig    `yaml:"search"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Quality   QualityConfig   `yaml:"quality"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Embedding.SetDefaults()
	c.Reranker.SetDefaults()
	c.LLM.SetDefaults()
	c.Chunker.SetDefaults()
	c.Search.SetDefaults()
	c.Ingestion.SetDefaults()
	c.Quality.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"embedding", c.Embedding.Validate},
		{"reranker", c.Reranker.Validate},
		{"llm", c.LLM.Validate},
		{"chunker", c.Chunker.Validate},
		{"search", c.Search.Validate},
		{"ingestion", c.Ingestion.Validate},
		{"quality", c.Quality.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// UploadDir is the shared volume where the upload API stores files,
	// keyed by ingestion job id. The ingestion worker reads from it.
	UploadDir string `yaml:"upload_dir"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.UploadDir == "" {
		c.UploadDir = "/data/uploads"
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "ragfab"
	}
	if c.User == "" {
		c.User = "ragfab"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
}

func (c *DatabaseConfig) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

// DSN returns the pgx connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`

	// Dimension must match the vector column in the database.
	Dimension int `yaml:"dimension"`

	BatchSize  int `yaml:"batch_size"`
	TimeoutSec int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8001"
	}
	if c.Dimension == 0 {
		c.Dimension = 1024
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

func (c *EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RerankerConfig configures the cross-encoder reranker client.
// Enabled is the global default; conversations may override it.
type RerankerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	TopK       int    `yaml:"top_k"`
	ReturnK    int    `yaml:"return_k"`
	TimeoutSec int    `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

func (c *RerankerConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8002"
	}
	if c.TopK == 0 {
		c.TopK = 20
	}
	if c.ReturnK == 0 {
		c.ReturnK = 5
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *RerankerConfig) Validate() error {
	if c.ReturnK > c.TopK {
		return fmt.Errorf("return_k (%d) must not exceed top_k (%d)", c.ReturnK, c.TopK)
	}
	return nil
}

func (c *RerankerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// LLMConfig configures the chat-completion providers.
type LLMConfig struct {
	// Provider selects the default provider: "mistral" or "chocolatine".
	Provider string `yaml:"provider"`

	Mistral     LLMProviderConfig `yaml:"mistral"`
	Chocolatine LLMProviderConfig `yaml:"chocolatine"`
}

// LLMProviderConfig configures one OpenAI-compatible endpoint.
type LLMProviderConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "mistral"
	}
	c.Mistral.SetDefaults()
	c.Chocolatine.SetDefaults()
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "mistral", "chocolatine":
	default:
		return fmt.Errorf("unknown provider: %q (supported: mistral, chocolatine)", c.Provider)
	}
	return nil
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ChunkerConfig configures document chunking.
type ChunkerConfig struct {
	// Overlap is the token overlap between successive chunks.
	Overlap int `yaml:"overlap"`

	// Hierarchical enables parent/child chunking: ~2000-token parents
	// split into ~600-token children. Retrieval searches children and
	// returns parents.
	Hierarchical bool `yaml:"hierarchical"`

	ParentTokens int `yaml:"parent_tokens"`
	ChildTokens  int `yaml:"child_tokens"`
}

func (c *ChunkerConfig) SetDefaults() {
	if c.Overlap == 0 {
		c.Overlap = 400
	}
	if c.ParentTokens == 0 {
		c.ParentTokens = 2000
	}
	if c.ChildTokens == 0 {
		c.ChildTokens = 600
	}
}

func (c *ChunkerConfig) Validate() error {
	if c.Overlap < 0 {
		return fmt.Errorf("overlap must be non-negative, got %d", c.Overlap)
	}
	if c.ChildTokens >= c.ParentTokens {
		return fmt.Errorf("child_tokens (%d) must be less than parent_tokens (%d)", c.ChildTokens, c.ParentTokens)
	}
	return nil
}

// AlphaAuto is the sentinel for adaptive alpha selection.
const AlphaAuto = "auto"

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// HybridEnabled toggles RRF fusion. When false, pure vector search.
	HybridEnabled bool `yaml:"hybrid_enabled"`

	// Alpha weights the vector ranked list in RRF fusion. Either a
	// float in [0,1] or "auto" for query-adaptive selection.
	Alpha string `yaml:"alpha"`

	// TopK is the candidate pool per ranked list before fusion.
	TopK int `yaml:"top_k"`

	// ReturnK is the final result count when reranking is off.
	ReturnK int `yaml:"return_k"`

	// UseAdjacentChunks toggles prev/next neighbour stitching.
	UseAdjacentChunks bool `yaml:"use_adjacent_chunks"`
}

func (c *SearchConfig) SetDefaults() {
	if c.Alpha == "" {
		c.Alpha = AlphaAuto
	}
	if c.TopK == 0 {
		c.TopK = 20
	}
	if c.ReturnK == 0 {
		c.ReturnK = 5
	}
}

func (c *SearchConfig) Validate() error {
	if _, err := c.AlphaValue(); err != nil {
		return err
	}
	if c.ReturnK > c.TopK {
		return fmt.Errorf("return_k (%d) must not exceed top_k (%d)", c.ReturnK, c.TopK)
	}
	return nil
}

// AlphaValue parses the alpha setting. The boolean reports whether
// adaptive ("auto") mode is selected; the float is only meaningful
// when it is false.
func (c *SearchConfig) AlphaValue() (float64, error) {
	if strings.EqualFold(c.Alpha, AlphaAuto) {
		return 0, nil
	}
	v, err := strconv.ParseFloat(c.Alpha, 64)
	if err != nil {
		return 0, fmt.Errorf("alpha must be a float or %q, got %q", AlphaAuto, c.Alpha)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("alpha must be in [0,1], got %v", v)
	}
	return v, nil
}

// AlphaAutoMode reports whether adaptive alpha is selected.
func (c *SearchConfig) AlphaAutoMode() bool {
	return strings.EqualFold(c.Alpha, AlphaAuto)
}

// IngestionConfig configures the ingestion worker.
type IngestionConfig struct {
	// PollIntervalSec is how often the worker polls for pending jobs.
	PollIntervalSec int `yaml:"poll_interval"`

	// ReaderBaseURL is the black-box document reader service.
	ReaderBaseURL string `yaml:"reader_base_url"`

	ReaderTimeoutSec int `yaml:"reader_timeout"`
}

func (c *IngestionConfig) SetDefaults() {
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 3
	}
	if c.ReaderBaseURL == "" {
		c.ReaderBaseURL = "http://localhost:8003"
	}
	if c.ReaderTimeoutSec == 0 {
		c.ReaderTimeoutSec = 300
	}
}

func (c *IngestionConfig) Validate() error {
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %d", c.PollIntervalSec)
	}
	return nil
}

func (c *IngestionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *IngestionConfig) ReaderTimeout() time.Duration {
	return time.Duration(c.ReaderTimeoutSec) * time.Second
}

// QualityConfig configures feedback analysis and corpus maintenance.
type QualityConfig struct {
	// ConfidenceThreshold is the auto-approval cut-off for thumbs-down
	// classifications; below it, needs_admin_review is set.
	ConfidenceThreshold float64 `yaml:"thumbs_down_confidence_threshold"`

	// Schedule is the daily maintenance time, "HH:MM" wall clock.
	Schedule string `yaml:"schedule"`

	// MissingSourcesMin is how many missing-sources validations a
	// document's chunks must appear in before re-ingestion is
	// recommended.
	MissingSourcesMin int `yaml:"missing_sources_min"`

	// SweepIntervalSec drives the periodic sweep for negative ratings
	// that never received a classification.
	SweepIntervalSec int `yaml:"sweep_interval"`

	// AutoNotifications enables pedagogical notifications for users
	// whose feedback is classified bad_question.
	AutoNotifications bool `yaml:"auto_notifications"`
}

func (c *QualityConfig) SetDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.Schedule == "" {
		c.Schedule = "03:00"
	}
	if c.MissingSourcesMin == 0 {
		c.MissingSourcesMin = 2
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 600
	}
}

func (c *QualityConfig) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("thumbs_down_confidence_threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if _, _, err := c.ScheduleTime(); err != nil {
		return err
	}
	return nil
}

// ScheduleTime parses the HH:MM schedule.
func (c *QualityConfig) ScheduleTime() (hour, minute int, err error) {
	parts := strings.SplitN(c.Schedule, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("schedule must be HH:MM, got %q", c.Schedule)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid schedule hour in %q", c.Schedule)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid schedule minute in %q", c.Schedule)
	}
	return hour, minute, nil
}

func (c *QualityConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}
