package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort                    = "8080"
	defaultChunkSizeBytes    int64 = 10 * 1024 * 1024        // 10MB
	defaultMultipartBoundary int64 = 25 * 1024 * 1024        // 25MB
	defaultMaxUploadBytes    int64 = 5 * 1024 * 1024 * 1024  // 5GB
	defaultPresignTTL              = 15 * time.Minute
	defaultQuotaCacheTTL           = 30 * time.Second
	defaultOutboxInterval          = 2 * time.Second
	defaultWorkerCount             = 4
	defaultQueueSize               = 64
	defaultOpTimeout               = 5 * time.Minute
	defaultStaleJobAfter           = 30 * time.Minute
	defaultReaperInterval          = 5 * time.Minute
	defaultAITimeout               = 2 * time.Minute
	defaultShutdownTimeout         = 15 * time.Second
	defaultServiceName             = "audiotricks"
)

var defaultAllowedMimeTypes = []string{
	"audio/mpeg",
	"audio/mp4",
	"audio/wav",
	"audio/x-wav",
	"audio/flac",
	"audio/ogg",
	"audio/webm",
	"video/mp4",
	"video/webm",
}

// Config captures server runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	StorageProvider string
	S3Region        string
	S3Bucket        string
	S3Endpoint      string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	CDNBaseURL      string
	PresignTTL      time.Duration

	ChunkSizeBytes          int64
	MultipartThresholdBytes int64
	MaxUploadBytes          int64
	AllowedMimeTypes        []string

	RedisAddr     string
	RedisPassword string
	QuotaCacheTTL time.Duration

	KafkaBrokers       []string
	KafkaTopic         string
	OutboxPollInterval time.Duration

	WorkerCount      int
	QueueSize        int
	OperationTimeout time.Duration
	StaleJobAfter    time.Duration
	ReaperInterval   time.Duration

	AIBaseURL string
	AIAPIKey  string
	AITimeout time.Duration

	OTLPEndpoint string
	ServiceName  string

	ShutdownTimeout time.Duration
}

// Load reads environment variables into a Config structure. A local .env file
// is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("SERVER_PORT", defaultPort),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StorageProvider: getEnv("STORAGE_PROVIDER", "s3"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		MinioEndpoint:   os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:  os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:     os.Getenv("MINIO_BUCKET"),
		MinioUseSSL:     parseBool("MINIO_USE_SSL", false),
		CDNBaseURL:      strings.TrimRight(os.Getenv("CDN_BASE_URL"), "/"),
		PresignTTL:      parseDuration("PRESIGN_TTL", defaultPresignTTL),

		ChunkSizeBytes:          parseInt64("UPLOAD_CHUNK_SIZE", defaultChunkSizeBytes),
		MultipartThresholdBytes: parseInt64("UPLOAD_MULTIPART_THRESHOLD", defaultMultipartBoundary),
		MaxUploadBytes:          parseInt64("UPLOAD_MAX_SIZE", defaultMaxUploadBytes),
		AllowedMimeTypes:        parseList("UPLOAD_ALLOWED_MIME_TYPES", defaultAllowedMimeTypes),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		QuotaCacheTTL: parseDuration("QUOTA_CACHE_TTL", defaultQuotaCacheTTL),

		KafkaBrokers:       parseList("KAFKA_BROKERS", nil),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "audiotricks.events"),
		OutboxPollInterval: parseDuration("OUTBOX_POLL_INTERVAL", defaultOutboxInterval),

		WorkerCount:      parseInt("PIPELINE_WORKERS", defaultWorkerCount),
		QueueSize:        parseInt("PIPELINE_QUEUE_SIZE", defaultQueueSize),
		OperationTimeout: parseDuration("PIPELINE_OP_TIMEOUT", defaultOpTimeout),
		StaleJobAfter:    parseDuration("PIPELINE_STALE_AFTER", defaultStaleJobAfter),
		ReaperInterval:   parseDuration("PIPELINE_REAPER_INTERVAL", defaultReaperInterval),

		AIBaseURL: os.Getenv("AI_BASE_URL"),
		AIAPIKey:  os.Getenv("AI_API_KEY"),
		AITimeout: parseDuration("AI_TIMEOUT", defaultAITimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  getEnv("SERVICE_NAME", defaultServiceName),

		ShutdownTimeout: parseDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AIBaseURL == "" {
		return nil, errors.New("AI_BASE_URL is required")
	}

	switch cfg.StorageProvider {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3_BUCKET is required when STORAGE_PROVIDER=s3")
		}
	case "minio":
		if cfg.MinioEndpoint == "" {
			return nil, errors.New("MINIO_ENDPOINT is required when STORAGE_PROVIDER=minio")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return nil, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when STORAGE_PROVIDER=minio")
		}
		if cfg.MinioBucket == "" {
			return nil, errors.New("MINIO_BUCKET is required when STORAGE_PROVIDER=minio")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_PROVIDER %q", cfg.StorageProvider)
	}

	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = defaultChunkSizeBytes
	}
	if cfg.MultipartThresholdBytes < cfg.ChunkSizeBytes {
		cfg.MultipartThresholdBytes = cfg.ChunkSizeBytes
	}
	if cfg.MaxUploadBytes < cfg.MultipartThresholdBytes {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return cfg, nil
}

// EventsEnabled reports whether the outbox relay should run.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// QuotaCacheEnabled reports whether quota lookups go through redis.
func (c *Config) QuotaCacheEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt64(key string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return dur
}

func parseList(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
