package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shahmir-m/liber/internal/servicetoken"
	"github.com/shahmir-m/liber/internal/util"
)

const (
	serviceIssuer   = "recommender"
	scraperAudience = "scraper"
)

// ScrapeEnqueuer asks the scraper to collect reviews for a book.
type ScrapeEnqueuer interface {
	Enqueue(ctx context.Context, bookID string) error
}

type httpScrapeClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func NewScrapeClient(baseURL, token string) (ScrapeEnqueuer, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("scraper URL required")
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{Secret: token, Issuer: serviceIssuer})
	if err != nil {
		return nil, fmt.Errorf("init service token signer: %w", err)
	}
	return &httpScrapeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *httpScrapeClient) Enqueue(ctx context.Context, bookID string) error {
	payload, err := json.Marshal(map[string]string{"bookId": bookID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/scrape", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := c.signer.Sign(scraperAudience)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if id := util.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(util.RequestIDHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("scraper error: %s", msg)
	}
	return nil
}
