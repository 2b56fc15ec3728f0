// Package explainer asks the reasoning model why each candidate matches a
// taste profile. All candidates go in one batched request whose token budget
// grows with the number of candidates only.
package explainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/ai"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/store"
	"github.com/shahmir-m/liber/pkg/telemetry"
)

const (
	defaultBaseTokens   = 200
	defaultPerCandidate = 120
	candidateSubjects   = 5
	descriptionLen      = 200
	reviewSummaryLen    = 300
	maxExplanationLen   = 1200
)

const systemPrompt = "You are a book recommendation explainer. Return only valid JSON."

const userPrompt = `Given this reader's taste profile and candidate books, write a concise 2-3 sentence explanation for each book explaining why it's a good match.

Taste Profile:
%s

Candidate Books:
%s

Return a JSON object of the form {"explanations":[{"bookId":"...","explanation":"..."}]} with one entry per candidate, using the bookId values given.
Return ONLY valid JSON, no other text.`

type Config struct {
	Generator ai.TextGenerator
	Books     store.MetadataStore
	// MaxTokens for a request is BaseTokens + PerCandidateTokens*n.
	BaseTokens         int
	PerCandidateTokens int
}

type Explainer struct {
	generator    ai.TextGenerator
	books        store.MetadataStore
	baseTokens   int
	perCandidate int
}

func New(cfg Config) (*Explainer, error) {
	if cfg.Generator == nil {
		return nil, errors.New("text generator required")
	}
	if cfg.Books == nil {
		return nil, errors.New("metadata store required")
	}
	e := &Explainer{
		generator:    cfg.Generator,
		books:        cfg.Books,
		baseTokens:   cfg.BaseTokens,
		perCandidate: cfg.PerCandidateTokens,
	}
	if e.baseTokens <= 0 {
		e.baseTokens = defaultBaseTokens
	}
	if e.perCandidate <= 0 {
		e.perCandidate = defaultPerCandidate
	}
	return e, nil
}

// MaxTokens is the completion budget for n candidates.
func (e *Explainer) MaxTokens(n int) int {
	return e.baseTokens + e.perCandidate*n
}

type profilePayload struct {
	Summary string   `json:"summary,omitempty"`
	Genres  []string `json:"genres,omitempty"`
	Themes  []string `json:"themes,omitempty"`
	Authors []string `json:"authors,omitempty"`
}

type candidatePayload struct {
	BookID        string   `json:"bookId"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	Subjects      []string `json:"subjects,omitempty"`
	Description   string   `json:"description,omitempty"`
	ReviewSummary string   `json:"reviewSummary,omitempty"`
}

type output struct {
	Explanations []json.RawMessage `json:"explanations"`
}

type entry struct {
	BookID      string `json:"bookId"`
	Explanation string `json:"explanation"`
}

// Explain returns one recommendation per candidate in the input order.
// Candidates whose entry is missing or invalid get an empty explanation.
// A non-nil error means the whole batch failed; the returned list is still
// complete and ranked.
func (e *Explainer) Explain(ctx context.Context, profile domain.TasteProfile, set domain.CandidateSet) ([]domain.Recommendation, error) {
	recs := make([]domain.Recommendation, len(set.Candidates))
	for i, c := range set.Candidates {
		recs[i] = domain.Recommendation{BookID: c.BookID, Rank: i + 1, Score: c.Score}
	}
	if len(recs) == 0 {
		return recs, nil
	}

	ids := make([]string, len(set.Candidates))
	for i, c := range set.Candidates {
		ids[i] = c.BookID
	}
	books, err := e.books.GetBooks(ctx, ids)
	if err != nil {
		return recs, fmt.Errorf("load candidates: %w", err)
	}
	candidates := make([]candidatePayload, 0, len(ids))
	for _, id := range ids {
		b := books[id]
		candidates = append(candidates, candidatePayload{
			BookID:        id,
			Title:         b.Title,
			Authors:       b.Authors,
			Subjects:      head(b.Subjects, candidateSubjects),
			Description:   truncate(b.Description, descriptionLen),
			ReviewSummary: truncate(b.ReviewSummary, reviewSummaryLen),
		})
	}
	profileJSON, _ := json.Marshal(profilePayload{
		Summary: profile.Summary,
		Genres:  profile.Genres,
		Themes:  profile.Themes,
		Authors: profile.Authors,
	})
	candidatesJSON, _ := json.Marshal(candidates)

	out, err := e.generator.GenerateText(ctx, ai.Prompt{
		System:    systemPrompt,
		User:      fmt.Sprintf(userPrompt, profileJSON, candidatesJSON),
		JSON:      true,
		MaxTokens: e.MaxTokens(len(recs)),
	})
	if err != nil {
		return recs, err
	}
	telemetry.FromContext(ctx).RecordUsage(out.Model, out.PromptTokens, out.CompletionTokens)

	parsed := ai.ParseJSON[output](out.Text)
	if !parsed.Valid {
		return recs, &ai.CapabilityError{Provider: out.Model, Reason: ai.ReasonMalformedOutput, Err: parsed.Err}
	}

	index := make(map[string]int, len(recs))
	for i, r := range recs {
		index[r.BookID] = i
	}
	invalid := 0
	for _, raw := range parsed.Value.Explanations {
		var en entry
		if err := json.Unmarshal(raw, &en); err != nil {
			invalid++
			continue
		}
		i, ok := index[strings.TrimSpace(en.BookID)]
		text := strings.TrimSpace(en.Explanation)
		if !ok || text == "" || recs[i].Explanation != "" {
			invalid++
			continue
		}
		recs[i].Explanation = truncate(text, maxExplanationLen)
	}
	if invalid > 0 {
		util.LoggerFromContext(ctx).Warn("explanation_entries_rejected", "count", invalid)
	}
	return recs, nil
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
