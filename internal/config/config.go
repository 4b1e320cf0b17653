// Package config defines the immutable startup configuration.
//
// The configuration is built once in cmd/mira and passed by value to the
// three component roots (memory service, operation engine, connection
// fabric). There are no package-level config globals.
package config

import (
	"time"
)

// Config is the root configuration value.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Qdrant        QdrantConfig        `yaml:"qdrant"`
	Memory        MemoryConfig        `yaml:"memory"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Operations    OperationsConfig    `yaml:"operations"`
	Agents        AgentsConfig        `yaml:"agents"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Listen string `yaml:"listen"` // host:port
	Path   string `yaml:"path"`   // websocket upgrade path
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the chat provider.
type LLMConfig struct {
	Provider   string        `yaml:"provider"` // openai-wire, anthropic
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	MaxTokens  int           `yaml:"max_tokens"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// EmbeddingsConfig configures the embedding provider and batcher.
type EmbeddingsConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Dimension     int           `yaml:"dimension"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxConcurrent int           `yaml:"max_concurrent"` // in-flight embedding calls
}

// QdrantConfig configures the vector store connection.
type QdrantConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	UseTLS           bool   `yaml:"use_tls"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// MemoryConfig configures classification thresholds and recall fusion.
type MemoryConfig struct {
	// Heads is the closed set of embedding heads enabled for this process.
	Heads []string `yaml:"heads"`

	MinSalienceForEmbed float64 `yaml:"min_salience_for_embed"`
	SemanticSalience    float64 `yaml:"semantic_salience"` // semantic head floor
	EmbedMinChars       int     `yaml:"embed_min_chars"`

	RecallRecent   int `yaml:"recall_recent"`
	RecallSemantic int `yaml:"recall_semantic"`
	RecallKPerHead int `yaml:"recall_k_per_head"`

	WeightRecency    float64 `yaml:"weight_recency"`
	WeightSimilarity float64 `yaml:"weight_similarity"`
	WeightSalience   float64 `yaml:"weight_salience"`

	// SessionIdleAge deactivates sessions idle longer than this.
	SessionIdleAge time.Duration `yaml:"session_idle_age"`

	// ReembedAfter re-embeds unembedded messages older than this.
	ReembedAfter time.Duration `yaml:"reembed_after"`
}

// SummarizationConfig configures the rolling summary trigger.
type SummarizationConfig struct {
	Enabled                bool `yaml:"enabled"`
	SummarizeAfterMessages int  `yaml:"summarize_after_messages"`
}

// OperationsConfig bounds the engine loop.
type OperationsConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	Timeout             time.Duration `yaml:"timeout"`
	HistoryLimit        int           `yaml:"history_limit"`
	SimpleModeEnabled   bool          `yaml:"simple_mode_enabled"`
	SimpleModeMaxLength int           `yaml:"simple_mode_max_length"`
	EventBuffer         int           `yaml:"event_buffer"`
}

// AgentsConfig configures sub-agent subprocesses.
type AgentsConfig struct {
	Binary        string        `yaml:"binary"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HeartbeatConfig configures the connection fabric's three ping regimes.
type HeartbeatConfig struct {
	Interval                time.Duration `yaml:"interval"`
	FrequentInterval        time.Duration `yaml:"frequent_interval"`
	ProcessingInterval      time.Duration `yaml:"processing_interval"`
	RecentActivityThreshold time.Duration `yaml:"recent_activity_threshold"`
	ConnectionTimeout       time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Default returns the configuration with every section populated with
// its defaults. Loader overlays file and environment values on top.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:7450",
			Path:   "/ws",
		},
		Database: DatabaseConfig{
			Path: "mira.db",
		},
		LLM: LLMConfig{
			Provider:   "openai-wire",
			Model:      "gpt-5",
			MaxTokens:  4096,
			Timeout:    120 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Model:         "text-embedding-3-small",
			Dimension:     1536,
			MaxBatchSize:  100,
			MaxRetries:    3,
			RetryDelay:    time.Second,
			MaxConcurrent: 4,
		},
		Qdrant: QdrantConfig{
			Host:             "localhost",
			Port:             6334,
			CollectionPrefix: "mira",
		},
		Memory: MemoryConfig{
			Heads:               []string{"semantic", "code", "summary"},
			MinSalienceForEmbed: 0.2,
			SemanticSalience:    0.3,
			EmbedMinChars:       10,
			RecallRecent:        10,
			RecallSemantic:      10,
			RecallKPerHead:      10,
			WeightRecency:       0.3,
			WeightSimilarity:    0.5,
			WeightSalience:      0.2,
			SessionIdleAge:      24 * time.Hour,
			ReembedAfter:        time.Hour,
		},
		Summarization: SummarizationConfig{
			Enabled:                true,
			SummarizeAfterMessages: 10,
		},
		Operations: OperationsConfig{
			MaxIterations:       10,
			Timeout:             5 * time.Minute,
			HistoryLimit:        50,
			SimpleModeEnabled:   true,
			SimpleModeMaxLength: 80,
			EventBuffer:         64,
		},
		Agents: AgentsConfig{
			Binary:        "mira-agent",
			MaxIterations: 25,
			Timeout:       5 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Interval:                30 * time.Second,
			FrequentInterval:        10 * time.Second,
			ProcessingInterval:      5 * time.Second,
			RecentActivityThreshold: 30 * time.Second,
			ConnectionTimeout:       300 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
