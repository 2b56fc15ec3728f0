package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// ReviewSource is a site to scrape. URLTemplate may use {query} and {isbn}.
type ReviewSource struct {
	Name        string `yaml:"name"`
	URLTemplate string `yaml:"urlTemplate"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	CachePrefix   string `yaml:"cachePrefix"`
	InternalToken string `yaml:"internalToken"`

	QueueStream              string `yaml:"queueStream"`
	QueueGroup               string `yaml:"queueGroup"`
	QueueConcurrency         int    `yaml:"queueConcurrency"`
	QueueMaxAttempts         int    `yaml:"queueMaxAttempts"`
	BackoffBaseSeconds       int    `yaml:"backoffBaseSeconds"`
	BackoffCapSeconds        int    `yaml:"backoffCapSeconds"`
	VisibilityTimeoutSeconds int    `yaml:"visibilityTimeoutSeconds"`
	// DeadLetterCooldownMinutes keeps a dead-lettered book from being scraped
	// again by ordinary enqueues. Negative disables automatic retry entirely.
	DeadLetterCooldownMinutes int `yaml:"deadLetterCooldownMinutes"`

	StorageBackend string `yaml:"storageBackend"`
	StoragePath    string `yaml:"storagePath"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	EmbeddingProvider        string `yaml:"embeddingProvider"`
	EmbeddingModel           string `yaml:"embeddingModel"`
	EmbeddingBaseURL         string `yaml:"embeddingBaseURL"`
	EmbeddingDim             int    `yaml:"embeddingDim"`
	EmbeddingCacheTTLSeconds int    `yaml:"embeddingCacheTTLSeconds"`
	GenerationProvider       string `yaml:"generationProvider"`
	GenerationBaseURL        string `yaml:"generationBaseURL"`
	SummarizationModel       string `yaml:"summarizationModel"`
	GeminiAPIKey             string `yaml:"geminiAPIKey"`
	OpenAIAPIKey             string `yaml:"openaiAPIKey"`
	BreakerFailureThreshold  int    `yaml:"breakerFailureThreshold"`
	BreakerOpenSeconds       int    `yaml:"breakerOpenSeconds"`

	Sources                  []ReviewSource `yaml:"sources"`
	MaxReviewsPerBook        int            `yaml:"maxReviewsPerBook"`
	MinRequestIntervalMillis int            `yaml:"minRequestIntervalMillis"`
	FetchTimeoutSeconds      int            `yaml:"fetchTimeoutSeconds"`
	UserAgent                string         `yaml:"userAgent"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("LIBER_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("LIBER_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_EMBEDDING_PROVIDER"); v != "" {
		cfg.EmbeddingProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("LIBER_GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_SUMMARIZATION_MODEL"); v != "" {
		cfg.SummarizationModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("LIBER_MAX_REVIEWS_PER_BOOK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReviewsPerBook = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "liber"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = cfg.CachePrefix + ":scrape"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "scrapers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = 5
	}
	if cfg.BackoffBaseSeconds <= 0 {
		cfg.BackoffBaseSeconds = 2
	}
	if cfg.BackoffCapSeconds <= 0 {
		cfg.BackoffCapSeconds = 300
	}
	if cfg.VisibilityTimeoutSeconds <= 0 {
		cfg.VisibilityTimeoutSeconds = 120
	}
	if cfg.DeadLetterCooldownMinutes == 0 {
		cfg.DeadLetterCooldownMinutes = 24 * 60
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "liber-reviews"
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = cfg.EmbeddingProvider
	}
	if cfg.EmbeddingCacheTTLSeconds <= 0 {
		cfg.EmbeddingCacheTTLSeconds = 86400
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerOpenSeconds <= 0 {
		cfg.BreakerOpenSeconds = 30
	}
	if cfg.MaxReviewsPerBook <= 0 {
		cfg.MaxReviewsPerBook = 10
	}
	if cfg.MinRequestIntervalMillis <= 0 {
		cfg.MinRequestIntervalMillis = 2000
	}
	if cfg.FetchTimeoutSeconds <= 0 {
		cfg.FetchTimeoutSeconds = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.InternalToken) == "" {
		return errors.New("config: internalToken is required (set in config.yaml or LIBER_INTERNAL_TOKEN)")
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return errors.New("config: embeddingModel is required")
	}
	if strings.TrimSpace(cfg.SummarizationModel) == "" {
		return errors.New("config: summarizationModel is required")
	}
	switch cfg.StorageBackend {
	case "minio":
		if strings.TrimSpace(cfg.MinioEndpoint) == "" {
			return errors.New("config: minioEndpoint is required when storageBackend is minio")
		}
	case "file":
		if strings.TrimSpace(cfg.StoragePath) == "" {
			return errors.New("config: storagePath is required when storageBackend is file")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	if len(cfg.Sources) == 0 {
		return errors.New("config: at least one review source is required")
	}
	for i, src := range cfg.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.URLTemplate) == "" {
			return fmt.Errorf("config: sources[%d] requires name and urlTemplate", i)
		}
	}
	return nil
}
