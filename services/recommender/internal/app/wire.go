package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/cache"
	"github.com/shahmir-m/liber/pkg/catalog"
	"github.com/shahmir-m/liber/pkg/embedding"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/recommender/internal/config"
	"github.com/shahmir-m/liber/services/recommender/internal/explainer"
	"github.com/shahmir-m/liber/services/recommender/internal/profiler"
	"github.com/shahmir-m/liber/services/recommender/internal/retriever"
)

// Runtime holds the concrete dependencies built from config so callers can
// share them (the HTTP server, the seeder) and close them on shutdown.
type Runtime struct {
	App        *App
	Store      *store.GormStore
	Redis      redis.UniversalClient
	Cache      *cache.RedisCache
	Catalog    *catalog.Chain
	Embeddings *embedding.Service
	Breaker    *ai.BreakerGenerator
}

// Wire builds the production stack: Postgres, Redis, model providers, the
// catalog chain and the optional scraper client.
func Wire(cfg config.FileConfig, sink telemetry.Sink) (*Runtime, error) {
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
	rt.Cache, err = cache.NewRedisCache(rt.Redis, cfg.CachePrefix)
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
	modelVersion := ai.ModelVersion(cfg.EmbeddingModel, dim)
	rt.Embeddings, err = embedding.New(embedding.Config{
		Embedder:     embedder,
		Vectors:      dataStore,
		Cache:        rt.Cache,
		Revisions:    rt.Cache,
		ModelVersion: modelVersion,
		CacheTTL:     time.Duration(cfg.EmbeddingCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	breakerCfg := ai.BreakerConfig{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Timeout:          time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	}
	reasoning, err := newGenerator(cfg, cfg.GenerationModel, "reasoning", breakerCfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Breaker = reasoning
	summarizer := reasoning
	if cfg.SummarizationModel != cfg.GenerationModel {
		if summarizer, err = newGenerator(cfg, cfg.SummarizationModel, "summarization", breakerCfg); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	prof, err := profiler.New(profiler.Config{
		Books:      dataStore,
		Embeddings: rt.Embeddings,
		Summarizer: summarizer,
		Cache:      rt.Cache,
		TTL:        time.Duration(cfg.ProfileCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	ret, err := retriever.New(retriever.Config{Books: dataStore, Vectors: dataStore, OverFetch: cfg.OverFetchFactor})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	exp, err := explainer.New(explainer.Config{
		Generator:          reasoning,
		Books:              dataStore,
		BaseTokens:         cfg.ExplanationBaseTokens,
		PerCandidateTokens: cfg.ExplanationTokensPerCandidate,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	appCfg := Config{
		Books:             dataStore,
		Cache:             rt.Cache,
		Revisions:         rt.Cache,
		Embeddings:        rt.Embeddings,
		Profiler:          prof,
		Retriever:         ret,
		Explainer:         exp,
		Sink:              sink,
		ModelVersion:      modelVersion,
		MinFavorites:      cfg.MinFavorites,
		MaxFavorites:      cfg.MaxFavorites,
		DefaultN:          cfg.DefaultN,
		MaxN:              cfg.MaxN,
		RecommendationTTL: time.Duration(cfg.RecommendationCacheTTLSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
	if cfg.CatalogEnabled {
		rt.Catalog = catalog.NewChain(nil,
			catalog.NewOpenLibrary(cfg.OpenLibraryURL),
			catalog.NewGoogleBooks(cfg.GoogleBooksURL, cfg.GoogleBooksAPIKey),
		)
		appCfg.Catalog = rt.Catalog
	}
	if cfg.ScraperURL != "" {
		if appCfg.Scraper, err = NewScrapeClient(cfg.ScraperURL, cfg.InternalToken); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	if rt.App, err = New(appCfg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func newGenerator(cfg config.FileConfig, model, name string, bc ai.BreakerConfig) (*ai.BreakerGenerator, error) {
	gen, err := ai.NewTextGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		Model:    model,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   apiKeyFor(cfg, cfg.GenerationProvider),
	})
	if err != nil {
		return nil, fmt.Errorf("init %s generator: %w", name, err)
	}
	bc.Name = name
	return ai.NewBreakerGenerator(gen, bc), nil
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
