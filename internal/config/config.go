// Package config loads caseforge's runtime configuration from environment
// variables (optionally backed by a .env file): everything is read up front
// into one frozen value, and the environment is never consulted again
// afterward.
package config

import "caseforge/internal/logging"

// Config is an immutable snapshot of runtime configuration. It is loaded
// once in main and threaded through constructors as a Deps field — no
// package-level mutable singletons.
type Config struct {
	// Buffer Manager
	BufferMaxAgeHours int
	BufferMaxMessages int

	// Answer Engine retrieval
	ContextRecentK int
	RetrieveTopK   int
	B2WindowMS     int64

	// Case Extractor dedup
	DedupThreshold float64

	// Reconciler
	B1TTLDays int

	// Reaction Handler
	PositiveEmojiSet map[string]bool

	// Job Queue
	MaxAttempts       int
	JobLeaseSeconds   int
	JobPollIntervalMS int
	JobRetention      int // days
	WorkerCount       int

	// Timeouts
	LLMTimeoutMS       int
	TransportTimeoutMS int
	TxTimeoutMS        int

	// Ingestor image handling
	MaxImageBytes       int64
	MaxImagesPerMessage int

	BotSenderHash     string
	BotMentionStrings []string
	PublicBaseURL     string
	LanguageDefault   string

	QueueHighWatermark int

	LogPath  string
	LogLevel string

	Postgres  PostgresConfig
	Qdrant    QdrantConfig
	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	S3        S3Config
	Redis     RedisConfig
	OTel      logging.OTelConfig

	HTTPAddr  string
	JWTSecret string

	HistorybridgeBaseURL string
	HistorybridgeToken   string
}

type PostgresConfig struct {
	DSN string
}

type QdrantConfig struct {
	DSN        string
	Collection string
	Dimensions int
	Metric     string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	EmbedDims  int
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// RedisConfig backs the cross-process sent-message dedup cache. Addr empty
// disables it; the Answer Engine falls back to an in-process set.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	SentTTLHours int
}
