package domain

import "time"

type ReviewStatus string

const (
	ReviewRaw          ReviewStatus = "raw"
	ReviewPreprocessed ReviewStatus = "preprocessed"
	ReviewSummarized   ReviewStatus = "summarized"
	ReviewEmbedded     ReviewStatus = "embedded"
	ReviewFailed       ReviewStatus = "failed"
)

type OwnerType string

const (
	OwnerBook          OwnerType = "book"
	OwnerReviewSummary OwnerType = "review_summary"
)

// Book is a catalog record. ID is assigned once at ingestion and never changes.
type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Authors       []string  `json:"authors"`
	Subjects      []string  `json:"subjects"`
	Description   string    `json:"description,omitempty"`
	WorkKey       string    `json:"workKey,omitempty"`
	Available     bool      `json:"available"`
	ReviewSummary string    `json:"reviewSummary,omitempty"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DedupKey is the key editions of the same work share.
func (b Book) DedupKey() string {
	if b.WorkKey != "" {
		return b.WorkKey
	}
	return b.ID
}

type Review struct {
	ID        string       `json:"id"`
	BookID    string       `json:"bookId"`
	Source    string       `json:"source"`
	Text      string       `json:"text"`
	RawKey    string       `json:"-"`
	Status    ReviewStatus `json:"status"`
	ScrapedAt time.Time    `json:"scrapedAt"`
}

type Owner struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

func (o Owner) String() string {
	return string(o.Type) + ":" + o.ID
}

// Embedding is the current vector for an owner under one model version.
type Embedding struct {
	Owner        Owner     `json:"owner"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"modelVersion"`
	Fingerprint  string    `json:"fingerprint"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TasteProfile is computed once per (favorite set, model version) and never mutated.
type TasteProfile struct {
	Key          string    `json:"key"`
	BookIDs      []string  `json:"bookIds"`
	Vector       []float32 `json:"vector"`
	Summary      string    `json:"summary,omitempty"`
	Genres       []string  `json:"genres,omitempty"`
	Themes       []string  `json:"themes,omitempty"`
	Authors      []string  `json:"authors,omitempty"`
	ModelVersion string    `json:"modelVersion"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (p TasteProfile) PublicSummary() ProfileSummary {
	return ProfileSummary{
		Summary: p.Summary,
		Genres:  nonNil(p.Genres),
		Themes:  nonNil(p.Themes),
		Authors: nonNil(p.Authors),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type Candidate struct {
	BookID string  `json:"bookId"`
	Score  float64 `json:"score"`
}

type CandidateSet struct {
	ProfileKey  string      `json:"profileKey"`
	Candidates  []Candidate `json:"candidates"`
	N           int         `json:"n"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

type Recommendation struct {
	BookID      string  `json:"bookId"`
	Rank        int     `json:"rank"`
	Explanation string  `json:"explanation"`
	Score       float64 `json:"score"`
}

// RecommendationSet is what the orchestrator caches and returns.
type RecommendationSet struct {
	Recommendations []Recommendation `json:"recommendations"`
	Profile         ProfileSummary   `json:"profile"`
	Degraded        []string         `json:"degraded,omitempty"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// ProfileSummary is the part of a taste profile shown to clients.
type ProfileSummary struct {
	Summary string   `json:"summary"`
	Genres  []string `json:"genres"`
	Themes  []string `json:"themes"`
	Authors []string `json:"authors"`
}
