package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/internal/backoff"
	"github.com/shahmir-m/liber/internal/ratelimit"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/embedding"
	"github.com/shahmir-m/liber/pkg/queue"
	"github.com/shahmir-m/liber/pkg/storage"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/services/scraper/internal/config"
	"github.com/shahmir-m/liber/services/scraper/internal/fetcher"
)

// Metrics receives queue transitions and fetch outcomes.
type Metrics interface {
	ScrapeTransition(status string)
	ScrapeFetch(kind string)
}

// Runtime holds the concrete dependencies built from config.
type Runtime struct {
	App   *App
	Store *store.GormStore
	Redis redis.UniversalClient
	Cache *cache.RedisCache
	Queue *queue.RedisJobQueue
}

// Wire builds the scraper stack: Postgres, Redis queue, object storage, the
// summarization model and the embedding service.
func Wire(cfg config.FileConfig, metrics Metrics) (*Runtime, error) {
	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	rt := &Runtime{Store: dataStore}

	rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if rt.Cache, err = cache.NewRedisCache(rt.Redis, cfg.CachePrefix); err != nil {
		_ = rt.Close()
		return nil, err
	}

	objects, err := newObjectStore(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	embedder, dim, err := ai.NewEmbedder(ai.ProviderConfig{
		Provider:   cfg.EmbeddingProvider,
		Model:      cfg.EmbeddingModel,
		BaseURL:    cfg.EmbeddingBaseURL,
		APIKey:     apiKeyFor(cfg, cfg.EmbeddingProvider),
		Dimensions: cfg.EmbeddingDim,
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	embeddings, err := embedding.New(embedding.Config{
		Embedder:     embedder,
		Vectors:      dataStore,
		Cache:        rt.Cache,
		Revisions:    rt.Cache,
		ModelVersion: ai.ModelVersion(cfg.EmbeddingModel, dim),
		CacheTTL:     time.Duration(cfg.EmbeddingCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	gen, err := ai.NewTextGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		Model:    cfg.SummarizationModel,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   apiKeyFor(cfg, cfg.GenerationProvider),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("init summarization generator: %w", err)
	}
	summarizer := ai.NewBreakerGenerator(gen, ai.BreakerConfig{
		Name:             "review-summarization",
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Timeout:          time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	})

	qcfg := queue.RedisQueueConfig{
		Client:      rt.Redis,
		Stream:      cfg.QueueStream,
		Group:       cfg.QueueGroup,
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff: backoff.Policy{
			Base: time.Duration(cfg.BackoffBaseSeconds) * time.Second,
			Cap:  time.Duration(cfg.BackoffCapSeconds) * time.Second,
		},
		ClaimIdle:          time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second,
		DeadLetterCooldown: time.Duration(cfg.DeadLetterCooldownMinutes) * time.Minute,
	}
	var observer FetchObserver
	if metrics != nil {
		observer = metrics
		qcfg.OnTransition = func(job queue.ScrapeJob) { metrics.ScrapeTransition(string(job.Status)) }
	}
	if rt.Queue, err = queue.NewRedisJobQueue(qcfg); err != nil {
		_ = rt.Close()
		return nil, err
	}

	interval := time.Duration(cfg.MinRequestIntervalMillis) * time.Millisecond
	hostGate, err := ratelimit.NewFixedWindowLimiter(rt.Redis, cfg.CachePrefix+":hostpace", 1, interval, ratelimit.WithFailOpen())
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("init host pacing: %w", err)
	}

	sources := make([]Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, Source{Name: s.Name, URLTemplate: s.URLTemplate})
	}
	rt.App, err = New(Config{
		Books:   dataStore,
		Objects: objects,
		Fetcher: fetcher.New(fetcher.Config{
			Timeout:     time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
			MinInterval: interval,
			UserAgent:   cfg.UserAgent,
			Gate:        hostGate,
		}),
		Summarizer: summarizer,
		Embeddings: embeddings,
		Jobs:       rt.Queue,
		Observer:   observer,
		Sources:    sources,
		MaxReviews: cfg.MaxReviewsPerBook,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.StorageBackend == "file" {
		return storage.NewFileStore(cfg.StoragePath)
	}
	s, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("init minio store: %w", err)
	}
	return s, nil
}

func apiKeyFor(cfg config.FileConfig, provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai", "openai-compat":
		return cfg.OpenAIAPIKey
	case "ollama":
		return ""
	default:
		return cfg.GeminiAPIKey
	}
}

// Ping checks the database and Redis.
func (r *Runtime) Ping(ctx context.Context) error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if r.Cache != nil {
		if err := r.Cache.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) Close() error {
	var errs []error
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}
