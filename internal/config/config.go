package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost         string `envconfig:"DB_HOST" default:"postgres"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"lodestone"`
	DBPass         string `envconfig:"DB_PASS" default:"password"`
	DBName         string `envconfig:"DB_NAME" default:"lodestone"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	DBMaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`

	RedisAddr string        `envconfig:"REDIS_ADDR" default:"redis:6379"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"1h"`

	ExtractorURL string `envconfig:"EXTRACTOR_URL" default:"http://extractor:8000"`
	NSQLookupd   string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost     string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP     string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI            bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker   bool   `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"8"`
	MigrationPath        string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY"`
	RerankProvider       string `envconfig:"RERANK_PROVIDER"`
	RerankAPIKey         string `envconfig:"RERANK_API_KEY"`

	// Embedding
	EmbedModel      string        `envconfig:"EMBED_MODEL" default:"text-embedding-004"`
	EmbedDim        int           `envconfig:"EMBED_DIM" default:"768"`
	EmbedBatchSize  int           `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	EmbedMaxRetries int           `envconfig:"EMBED_MAX_RETRIES" default:"3"`
	EmbedRPS        float64       `envconfig:"EMBED_RPS" default:"5"`
	EmbedFanout     int           `envconfig:"EMBED_FANOUT" default:"4"`
	EmbedTimeout    time.Duration `envconfig:"EMBED_TIMEOUT" default:"60s"`

	// Chunking
	ChunkTargetSize int `envconfig:"CHUNK_TARGET_SIZE" default:"1024"`
	ChunkOverlap    int `envconfig:"CHUNK_OVERLAP" default:"200"`
	ChunkMinSize    int `envconfig:"CHUNK_MIN_SIZE" default:"128"`

	// Search
	SearchWSemantic  float32       `envconfig:"SEARCH_W_SEMANTIC" default:"0.7"`
	SearchWLexical   float32       `envconfig:"SEARCH_W_LEXICAL" default:"0.3"`
	SearchTopK       int           `envconfig:"SEARCH_TOP_K" default:"10"`
	CandidateFactor  int           `envconfig:"SEARCH_CANDIDATE_FACTOR" default:"3"`
	RerankTopN       int           `envconfig:"RERANK_TOP_N" default:"50"`
	SearchTimeout    time.Duration `envconfig:"SEARCH_TIMEOUT" default:"10s"`
	StoreReadTimeout time.Duration `envconfig:"STORE_READ_TIMEOUT" default:"3s"`

	// Ingestion
	ExtractTimeout time.Duration `envconfig:"EXTRACT_TIMEOUT" default:"120s"`
	SourceTimeout  time.Duration `envconfig:"SOURCE_TIMEOUT" default:"10m"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"LODESTONE_UPLOAD_DIR" default:"./uploads"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("%w: EMBED_DIM must be positive", ErrInvalidValue)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("%w: EMBED_BATCH_SIZE must be positive", ErrInvalidValue)
	}
	if c.ChunkTargetSize <= 0 || c.ChunkMinSize <= 0 {
		return fmt.Errorf("%w: chunk sizes must be positive", ErrInvalidValue)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkTargetSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be smaller than CHUNK_TARGET_SIZE", ErrInvalidValue)
	}
	if c.ChunkMinSize > c.ChunkTargetSize {
		return fmt.Errorf("%w: CHUNK_MIN_SIZE must not exceed CHUNK_TARGET_SIZE", ErrInvalidValue)
	}
	if c.SearchWSemantic < 0 || c.SearchWLexical < 0 || c.SearchWSemantic+c.SearchWLexical == 0 {
		return fmt.Errorf("%w: fusion weights must be non-negative and not both zero", ErrInvalidValue)
	}
	if c.CandidateFactor < 1 {
		return fmt.Errorf("%w: SEARCH_CANDIDATE_FACTOR must be at least 1", ErrInvalidValue)
	}
	return nil
}
