package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, optionally overlaid
// by a .env file in the working directory. Overload lets a local .env win
// over whatever is already in the process environment, which is the
// convenient behavior during development.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		BufferMaxAgeHours:  intFromEnv("BUFFER_MAX_AGE_HOURS", 48),
		BufferMaxMessages:  intFromEnv("BUFFER_MAX_MESSAGES", 400),
		ContextRecentK:     intFromEnv("CONTEXT_RECENT_K", 20),
		RetrieveTopK:       intFromEnv("RETRIEVE_TOP_K", 5),
		B2WindowMS:         int64FromEnv("B2_WINDOW_MS", 1000*60*60*24*3),
		DedupThreshold:     floatFromEnv("DEDUP_THRESHOLD", 0.86),
		B1TTLDays:          intFromEnv("B1_TTL_DAYS", 14),
		PositiveEmojiSet:   toSet(firstNonEmpty(os.Getenv("POSITIVE_EMOJI_SET"), "👍,✅,🙏,👌")),
		MaxAttempts:        intFromEnv("MAX_ATTEMPTS", 5),
		JobLeaseSeconds:    intFromEnv("JOB_LEASE_SECONDS", 60),
		JobPollIntervalMS:  intFromEnv("JOB_POLL_INTERVAL_MS", 500),
		JobRetention:       intFromEnv("JOB_RETENTION_DAYS", 7),
		WorkerCount:        intFromEnv("WORKER_COUNT", 4),
		LLMTimeoutMS:       intFromEnv("LLM_TIMEOUT_MS", 30000),
		TransportTimeoutMS: intFromEnv("TRANSPORT_TIMEOUT_MS", 10000),
		TxTimeoutMS:        intFromEnv("TX_TIMEOUT_MS", 5000),
		MaxImageBytes:      int64FromEnv("MAX_IMAGE_BYTES", 8*1024*1024),
		MaxImagesPerMessage: intFromEnv("MAX_IMAGES_PER_MESSAGE", 4),
		BotSenderHash:      strings.TrimSpace(os.Getenv("BOT_SENDER_HASH")),
		BotMentionStrings:  parseCommaSeparatedList(os.Getenv("BOT_MENTION_STRINGS")),
		PublicBaseURL:      strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		LanguageDefault:    firstNonEmpty(strings.TrimSpace(os.Getenv("LANGUAGE_DEFAULT")), "en"),
		QueueHighWatermark: intFromEnv("QUEUE_HIGH_WATERMARK", 500),
		LogPath:            strings.TrimSpace(os.Getenv("LOG_PATH")),
		LogLevel:           firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		HTTPAddr:           firstNonEmpty(strings.TrimSpace(os.Getenv("HTTP_ADDR")), ":8080"),
		JWTSecret:          strings.TrimSpace(os.Getenv("JWT_SECRET")),
		HistorybridgeBaseURL: strings.TrimSpace(os.Getenv("HISTORYBRIDGE_BASE_URL")),
		HistorybridgeToken:   strings.TrimSpace(os.Getenv("HISTORYBRIDGE_TOKEN")),
	}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))

	// Empty QDRANT_DSN selects the in-memory index, same as an empty
	// POSTGRES_DSN selects the in-memory store.
	cfg.Qdrant.DSN = strings.TrimSpace(os.Getenv("QDRANT_DSN"))
	cfg.Qdrant.Collection = firstNonEmpty(strings.TrimSpace(os.Getenv("QDRANT_COLLECTION")), "cases")
	cfg.Qdrant.Dimensions = intFromEnv("QDRANT_DIMENSIONS", 1536)
	cfg.Qdrant.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("QDRANT_METRIC")), "cosine")

	cfg.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Anthropic.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")), "claude-sonnet-4-20250514")
	cfg.Anthropic.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))

	cfg.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAI.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL")))
	cfg.OpenAI.EmbedModel = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_EMBED_MODEL")), "text-embedding-3-small")
	cfg.OpenAI.EmbedDims = intFromEnv("OPENAI_EMBED_DIMS", 1536)

	cfg.S3.Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	cfg.S3.Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	cfg.S3.Region = firstNonEmpty(strings.TrimSpace(os.Getenv("S3_REGION")), "us-east-1")
	cfg.S3.AccessKey = strings.TrimSpace(os.Getenv("S3_ACCESS_KEY"))
	cfg.S3.SecretKey = strings.TrimSpace(os.Getenv("S3_SECRET_KEY"))
	cfg.S3.UsePathStyle = boolFromEnv("S3_USE_PATH_STYLE", true)

	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	cfg.Redis.DB = intFromEnv("REDIS_DB", 0)
	cfg.Redis.SentTTLHours = intFromEnv("REDIS_SENT_TTL_HOURS", 168)

	cfg.OTel.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.OTel.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "caseforge")
	cfg.OTel.ServiceVersion = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_VERSION")), "dev")
	cfg.OTel.Environment = firstNonEmpty(strings.TrimSpace(os.Getenv("DEPLOY_ENV")), "development")

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func toSet(csv string) map[string]bool {
	out := map[string]bool{}
	for _, v := range parseCommaSeparatedList(csv) {
		out[v] = true
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func int64FromEnv(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
	return def
}
