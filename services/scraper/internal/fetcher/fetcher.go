// Package fetcher downloads review pages with per-domain pacing and
// classifies failures as transient or permanent.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shahmir-m/liber/internal/ratelimit"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMinInterval  = 2 * time.Second
	defaultMaxBodyBytes = 5 << 20
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Failure kinds.
const (
	KindTimeout     = "timeout"
	KindNetwork     = "network"
	KindServerError = "server_error"
	KindRateLimited = "rate_limited"
	KindNotFound    = "not_found"
	KindGone        = "gone"
	KindForbidden   = "forbidden"
	KindLegal       = "unavailable_for_legal_reasons"
	KindEmpty       = "empty"
	KindClientError = "client_error"
)

// FetchError is a classified fetch failure. Permanent failures are never
// retried by the scrape queue.
type FetchError struct {
	Kind   string
	Status int
	URL    string
	Err    error

	permanent bool
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.URL + ": " + e.Kind
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error     { return e.Err }
func (e *FetchError) ErrorKind() string { return e.Kind }
func (e *FetchError) Permanent() bool   { return e.permanent }

// NewEmptyError reports a page that loaded but yielded nothing usable.
func NewEmptyError(pageURL string) *FetchError {
	return &FetchError{Kind: KindEmpty, URL: pageURL, permanent: true}
}

// HostGate admits at most one request per host per window across every
// scraper replica sharing it.
type HostGate interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config controls the HTTP client and pacing.
type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// MinInterval is the minimum gap between requests to one host.
	MinInterval  time.Duration
	UserAgent    string
	MaxBodyBytes int64
	// Gate, when set, extends per-host pacing beyond this process.
	Gate HostGate
}

// Fetcher is safe for concurrent use. Requests to the same host wait on a
// shared limiter; different hosts do not block each other.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	interval     time.Duration
	gate         HostGate

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config) *Fetcher {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = defaultMinInterval
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Fetcher{
		client:       client,
		userAgent:    ua,
		maxBodyBytes: maxBody,
		interval:     interval,
		gate:         cfg.Gate,
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(f.interval), 1)
		f.limiters[host] = l
	}
	return l
}

// Fetch returns the page body. Errors are *FetchError unless ctx itself was
// cancelled, in which case ctx.Err() is returned.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{Kind: KindClientError, URL: pageURL, Err: fmt.Errorf("invalid url"), permanent: true}
	}
	host := strings.ToLower(u.Host)
	if err := f.limiter(host).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The wait would outlast the deadline.
		return nil, &FetchError{Kind: KindTimeout, URL: pageURL, Err: err}
	}
	if err := f.waitGate(ctx, host); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Kind: KindTimeout, URL: pageURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindClientError, URL: pageURL, Err: err, permanent: true}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(pageURL, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, NewEmptyError(pageURL)
	}
	return body, nil
}

// waitGate blocks until the shared gate admits host. Gate errors let the
// request through; the local limiter still applies.
func (f *Fetcher) waitGate(ctx context.Context, host string) error {
	if f.gate == nil {
		return nil
	}
	for {
		d, err := f.gate.Allow(ctx, host)
		if err != nil || d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = f.interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func classifyTransport(pageURL string, err error) *FetchError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &FetchError{Kind: KindTimeout, URL: pageURL, Err: err}
	}
	return &FetchError{Kind: KindNetwork, URL: pageURL, Err: err}
}

func classifyStatus(pageURL string, status int) *FetchError {
	fe := &FetchError{URL: pageURL, Status: status}
	switch {
	case status == http.StatusTooManyRequests:
		fe.Kind = KindRateLimited
	case status >= 500:
		fe.Kind = KindServerError
	case status == http.StatusNotFound:
		fe.Kind, fe.permanent = KindNotFound, true
	case status == http.StatusGone:
		fe.Kind, fe.permanent = KindGone, true
	case status == http.StatusForbidden:
		fe.Kind, fe.permanent = KindForbidden, true
	case status == http.StatusUnavailableForLegalReasons:
		fe.Kind, fe.permanent = KindLegal, true
	case status == http.StatusRequestTimeout:
		fe.Kind = KindTimeout
	default:
		fe.Kind, fe.permanent = KindClientError, true
	}
	return fe
}
