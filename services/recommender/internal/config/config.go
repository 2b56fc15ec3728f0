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

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	CachePrefix   string `yaml:"cachePrefix"`

	EmbeddingProvider  string `yaml:"embeddingProvider"`
	EmbeddingModel     string `yaml:"embeddingModel"`
	EmbeddingBaseURL   string `yaml:"embeddingBaseURL"`
	EmbeddingDim       int    `yaml:"embeddingDim"`
	GenerationProvider string `yaml:"generationProvider"`
	GenerationModel    string `yaml:"generationModel"`
	GenerationBaseURL  string `yaml:"generationBaseURL"`
	// SummarizationModel defaults to GenerationModel.
	SummarizationModel string `yaml:"summarizationModel"`
	GeminiAPIKey       string `yaml:"geminiAPIKey"`
	OpenAIAPIKey       string `yaml:"openaiAPIKey"`

	BreakerFailureThreshold int `yaml:"breakerFailureThreshold"`
	BreakerOpenSeconds      int `yaml:"breakerOpenSeconds"`

	CatalogEnabled    bool   `yaml:"catalogEnabled"`
	OpenLibraryURL    string `yaml:"openLibraryURL"`
	GoogleBooksURL    string `yaml:"googleBooksURL"`
	GoogleBooksAPIKey string `yaml:"googleBooksAPIKey"`

	ScraperURL    string `yaml:"scraperURL"`
	InternalToken string `yaml:"internalToken"`

	MinFavorites                  int `yaml:"minFavorites"`
	MaxFavorites                  int `yaml:"maxFavorites"`
	DefaultN                      int `yaml:"defaultN"`
	MaxN                          int `yaml:"maxN"`
	OverFetchFactor               int `yaml:"overFetchFactor"`
	ProfileCacheTTLSeconds        int `yaml:"profileCacheTTLSeconds"`
	RecommendationCacheTTLSeconds int `yaml:"recommendationCacheTTLSeconds"`
	EmbeddingCacheTTLSeconds      int `yaml:"embeddingCacheTTLSeconds"`
	RequestTimeoutSeconds         int `yaml:"requestTimeoutSeconds"`
	ExplanationBaseTokens         int `yaml:"explanationBaseTokens"`
	ExplanationTokensPerCandidate int `yaml:"explanationTokensPerCandidate"`

	TrustedProxyCIDRs           []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins          []string `yaml:"corsAllowedOrigins"`
	RecommendRateLimitPerMinute int      `yaml:"recommendRateLimitPerMinute"`
	RateLimitFailOpen           bool     `yaml:"rateLimitFailOpen"`
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
	if v := os.Getenv("GOOGLE_BOOKS_API_KEY"); v != "" {
		cfg.GoogleBooksAPIKey = v
	}
	if v := os.Getenv("LIBER_INTERNAL_TOKEN"); v != "" {
		cfg.InternalToken = v
	}
	if v := os.Getenv("LIBER_SCRAPER_URL"); v != "" {
		cfg.ScraperURL = v
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
	if v := os.Getenv("LIBER_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBER_CATALOG_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CatalogEnabled = b
		}
	}
	if v := os.Getenv("LIBER_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LIBER_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("LIBER_RECOMMEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecommendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LIBER_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
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
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = cfg.EmbeddingProvider
	}
	if cfg.SummarizationModel == "" {
		cfg.SummarizationModel = cfg.GenerationModel
	}
	if cfg.MinFavorites == 0 {
		cfg.MinFavorites = 3
	}
	if cfg.MaxFavorites == 0 {
		cfg.MaxFavorites = 5
	}
	if cfg.MaxN == 0 {
		cfg.MaxN = 20
	}
	if cfg.DefaultN == 0 {
		cfg.DefaultN = 5
	}
	if cfg.OverFetchFactor == 0 {
		cfg.OverFetchFactor = 3
	}
	if cfg.ProfileCacheTTLSeconds == 0 {
		cfg.ProfileCacheTTLSeconds = 86400
	}
	if cfg.RecommendationCacheTTLSeconds == 0 {
		cfg.RecommendationCacheTTLSeconds = 3600
	}
	if cfg.EmbeddingCacheTTLSeconds == 0 {
		cfg.EmbeddingCacheTTLSeconds = 86400
	}
	if cfg.RequestTimeoutSeconds == 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerOpenSeconds == 0 {
		cfg.BreakerOpenSeconds = 30
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
		return errors.New("config: redisAddr is required for caching and rate limiting")
	}
	if cfg.EmbeddingModel == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml)")
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}
	if cfg.MinFavorites < 1 || cfg.MaxFavorites < cfg.MinFavorites {
		return errors.New("config: favorites bounds must satisfy 1 <= minFavorites <= maxFavorites")
	}
	if cfg.DefaultN < 1 || cfg.DefaultN > cfg.MaxN {
		return errors.New("config: defaultN must be between 1 and maxN")
	}
	if cfg.OverFetchFactor < 1 {
		return errors.New("config: overFetchFactor must be >= 1")
	}
	if cfg.RecommendRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ScraperURL != "" && cfg.InternalToken == "" {
		return errors.New("config: internalToken is required when scraperURL is set (set in config.yaml or LIBER_INTERNAL_TOKEN)")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
