package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shahmir-m/liber/internal/servicetoken"
	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/internal/validation"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/queue"
)

// Scraper is the job surface exposed over HTTP.
type Scraper interface {
	Enqueue(ctx context.Context, bookID string) (queue.ScrapeJob, error)
	Requeue(ctx context.Context, bookID string) (queue.ScrapeJob, error)
	GetJob(ctx context.Context, jobID string) (queue.ScrapeJob, error)
	JobForBook(ctx context.Context, bookID string) (queue.ScrapeJob, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App Scraper
	// InternalToken keys the service tokens callers present.
	InternalToken string
	// AllowedIssuers defaults to the recommender.
	AllowedIssuers []string
	Metrics        http.Handler
	Health         func(ctx context.Context) error
}

// Server exposes the scraper's internal job API.
type Server struct {
	app       Scraper
	auth      *servicetoken.Verifier
	health    func(ctx context.Context) error
	validator *validation.Validator
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("scraper app required")
	}
	issuers := cfg.AllowedIssuers
	if len(issuers) == 0 {
		issuers = []string{"recommender"}
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Secret:         cfg.InternalToken,
		Audience:       "scraper",
		AllowedIssuers: issuers,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:       cfg.App,
		auth:      verifier,
		health:    cfg.Health,
		validator: validation.New(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		s.mux.Handle("/metrics", cfg.Metrics)
	}
	s.mux.Handle("/internal/scrape", s.withInternal(s.handleScrape))
	s.mux.Handle("/internal/jobs/", s.withInternal(s.handleJobByID))
	s.mux.Handle("GET /internal/books/{id}/job", s.withInternal(s.handleBookJob))
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("scraper", util.WithSecurityHeaders(s.mux)))
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

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		if _, err := s.auth.Verify(token); err != nil {
			util.LoggerFromContext(r.Context()).Warn("service_token_rejected", "err", err)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next(w, r)
	})
}

type scrapeRequest struct {
	BookID string `json:"bookId" validate:"required,max=128"`
	// Requeue replaces a dead-lettered job instead of returning it.
	Requeue bool `json:"requeue"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req scrapeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeDomainError(w, r, domain.InvalidInput("invalid JSON body"))
		return
	}
	if err := s.validator.Validate(req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	enqueue := s.app.Enqueue
	if req.Requeue {
		enqueue = s.app.Requeue
	}
	job, err := enqueue(r.Context(), req.BookID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// /internal/jobs/{id}
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeDomainError(w, r, domain.NotFound("job not found"))
		return
	}
	job, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBookJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.JobForBook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
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

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     errorBody{Kind: kind, Message: msg},
		RequestID: util.RequestIDFromContext(r.Context()),
	})
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "kind", string(kind), "err", err)
	}
	writeError(w, r, status, string(kind), domain.PublicMessage(err))
}
