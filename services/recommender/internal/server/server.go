package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shahmir-m/liber/internal/ratelimit"
	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/internal/validation"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/recommender/internal/app"
)

// Recommender is the orchestrator surface the server needs.
type Recommender interface {
	Recommend(ctx context.Context, favoriteIDs []string, n int) (app.Result, error)
	Book(ctx context.Context, id string) (domain.Book, error)
	ListBooks(ctx context.Context, limit, offset int) ([]domain.Book, error)
	EmbedBook(ctx context.Context, id string) (app.EmbedResult, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App Recommender
	// Limiter is optional; when nil /recommend is not throttled.
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	// CORSOrigins lists browser origins allowed to call the API; empty allows any.
	CORSOrigins []string
	Metrics     http.Handler
	Health      func(ctx context.Context) error
}

// Server exposes HTTP endpoints for the recommender service.
type Server struct {
	app       Recommender
	limiter   *ratelimit.FixedWindowLimiter
	proxies   *util.TrustedProxies
	cors      *util.CORS
	health    func(ctx context.Context) error
	validator *validation.Validator
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("recommender app required")
	}
	s := &Server{
		app:       cfg.App,
		limiter:   cfg.Limiter,
		proxies:   cfg.TrustedProxies,
		cors:      util.NewCORS(cfg.CORSOrigins),
		health:    cfg.Health,
		validator: validation.New(),
		mux:       http.NewServeMux(),
	}
	s.routes(cfg.Metrics)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("recommender", util.WithSecurityHeaders(s.cors.Wrap(s.mux))))
}

func (s *Server) routes(metrics http.Handler) {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("/metrics", metrics)
	}
	s.mux.HandleFunc("/recommend", s.handleRecommend)
	s.mux.HandleFunc("GET /books", s.handleListBooks)
	s.mux.HandleFunc("GET /books/{id}", s.handleBookByID)
	s.mux.HandleFunc("POST /books/{id}/embed", s.handleEmbedBook)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health_check_failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recommendRequest struct {
	FavoriteBookIDs []string `json:"favoriteBookIds" validate:"required,max=16,dive,required,max=128"`
	N               int      `json:"n" validate:"gte=0"`
}

type recommendResponse struct {
	Recommendations []recommendationView  `json:"recommendations"`
	Profile         domain.ProfileSummary `json:"profile"`
	Degraded        []string              `json:"degraded"`
	Cached          bool                  `json:"cached"`
	Metrics         metricsView           `json:"metrics"`
}

// metricsView is the per-request cost and latency breakdown.
type metricsView struct {
	TotalMs          float64            `json:"totalMs"`
	StagesMs         map[string]float64 `json:"stagesMs"`
	PromptTokens     int                `json:"promptTokens"`
	CompletionTokens int                `json:"completionTokens"`
	CostUSD          float64            `json:"costUsd"`
	CacheHits        map[string]int     `json:"cacheHits"`
	CacheMisses      map[string]int     `json:"cacheMisses"`
	EmbeddingHits    int                `json:"embeddingHits"`
	EmbeddingMisses  int                `json:"embeddingMisses"`
}

func newMetricsView(s telemetry.Summary) metricsView {
	v := metricsView{
		TotalMs:          millis(s.Total),
		StagesMs:         make(map[string]float64, len(s.Stages)),
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		CostUSD:          math.Round(s.CostUSD*1e6) / 1e6,
		CacheHits:        s.CacheHits,
		CacheMisses:      s.CacheMisses,
		EmbeddingHits:    s.EmbeddingHits,
		EmbeddingMisses:  s.EmbeddingMisses,
	}
	for stage, d := range s.Stages {
		v.StagesMs[stage] = millis(d)
	}
	if v.CacheHits == nil {
		v.CacheHits = map[string]int{}
	}
	if v.CacheMisses == nil {
		v.CacheMisses = map[string]int{}
	}
	return v
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

type recommendationView struct {
	BookID      string  `json:"bookId"`
	Rank        int     `json:"rank"`
	Explanation string  `json:"explanation"`
	Score       float64 `json:"score"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	var req recommendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeDomainError(w, r, domain.InvalidInput("invalid JSON body"))
		return
	}
	if err := s.validator.Validate(req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	res, err := s.app.Recommend(r.Context(), req.FavoriteBookIDs, req.N)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := recommendResponse{
		Recommendations: make([]recommendationView, 0, len(res.Recommendations)),
		Profile:         res.Profile,
		Degraded:        res.Degraded,
		Cached:          res.Cached,
		Metrics:         newMetricsView(res.Metrics),
	}
	if resp.Degraded == nil {
		resp.Degraded = []string{}
	}
	resp.Profile = nonNilProfile(resp.Profile)
	for _, rec := range res.Recommendations {
		resp.Recommendations = append(resp.Recommendations, recommendationView{
			BookID:      rec.BookID,
			Rank:        rec.Rank,
			Explanation: rec.Explanation,
			Score:       math.Round(rec.Score*10000) / 10000,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNilProfile(p domain.ProfileSummary) domain.ProfileSummary {
	if p.Genres == nil {
		p.Genres = []string{}
	}
	if p.Themes == nil {
		p.Themes = []string{}
	}
	if p.Authors == nil {
		p.Authors = []string{}
	}
	return p
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	book, err := s.app.Book(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type listBooksResponse struct {
	Books  []domain.Book `json:"books"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// GET /books?limit=&offset=
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", app.DefaultListLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	books, err := s.app.ListBooks(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBooksResponse{Books: books, Limit: limit, Offset: offset})
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeDomainError(w, r, domain.InvalidInput("%s must be an integer", name))
		return 0, false
	}
	return v, true
}

// POST /books/{id}/embed
func (s *Server) handleEmbedBook(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r) {
		return
	}
	res, err := s.app.EmbedBook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	key := route + "|" + util.ClientIP(r, s.proxies)
	d, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("rate_limiter_unavailable", "err", err, "allowed", d.Allowed)
	}
	if d.Allowed {
		return true
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeDomainError(w, r, domain.RateLimited("too many requests"))
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: errorBody{Kind: "method_not_allowed", Message: "method not allowed"}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
}

// writeDomainError maps err to its status and a stable kind. Internal errors
// are logged and masked.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "kind", string(kind), "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error:     errorBody{Kind: string(kind), Message: domain.PublicMessage(err)},
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}
