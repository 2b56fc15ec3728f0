package extract

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const page = `<html><head><style>.review{color:red}</style>
<script>var review = "not a review at all, just javascript";</script></head>
<body>
<div class="ReviewsList">
  <article class="ReviewCard">
    <span class="ReviewerProfile__name">Ana</span>
    <section class="ReviewText__content"><span>A sweeping desert epic about
      power, ecology and prophecy.</span></section>
  </article>
  <article class="ReviewCard">
    <section class="ReviewText__content">Too short.</section>
  </article>
  <article class="ReviewCard">
    <section class="ReviewText__content"><p>Dense worldbuilding</p><p>rewards patient readers.</p></section>
  </article>
  <article class="ReviewCard">
    <section class="ReviewText__content">A sweeping desert epic about power, ecology and prophecy.</section>
  </article>
</div>
<div data-testid="review">Plain attribute based review that is long enough.</div>
</body></html>`

func TestReviewsExtractsInnermostText(t *testing.T) {
	got, err := Reviews([]byte(page), 10)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []string{
		"A sweeping desert epic about power, ecology and prophecy.",
		"Dense worldbuilding rewards patient readers.",
		"Plain attribute based review that is long enough.",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d reviews %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("review %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReviewsRespectsMaxAndTruncates(t *testing.T) {
	long := strings.Repeat("word ", 1000)
	html := `<div class="review">` + long + `</div><div class="review">second review with enough characters</div>`
	got, err := Reviews([]byte(html), 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d reviews, want 1", len(got))
	}
	if n := utf8.RuneCountInString(got[0]); n > MaxReviewChars {
		t.Fatalf("review has %d chars, want <= %d", n, MaxReviewChars)
	}
}

func TestReviewsNoMatches(t *testing.T) {
	got, err := Reviews([]byte(`<html><body><p>nothing to see here, really nothing</p></body></html>`), 5)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no reviews, got %q", got)
	}
}

func TestReviewIDStable(t *testing.T) {
	a := ReviewID("isbn:1", "storygraph", "text")
	if a != ReviewID("isbn:1", "storygraph", "text") {
		t.Fatalf("review id not stable")
	}
	if a == ReviewID("isbn:1", "goodreads", "text") || a == ReviewID("isbn:2", "storygraph", "text") {
		t.Fatalf("review id should depend on book and source")
	}
}
