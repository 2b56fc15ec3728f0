// Package extract pulls plain review text out of scraped HTML pages.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	MinReviewChars = 20
	MaxReviewChars = 2000
)

// Reviews returns up to max distinct review texts found in page. A review is
// the text of an innermost element whose class or data-testid mentions
// "review"; texts shorter than MinReviewChars are dropped and longer ones
// truncated to MaxReviewChars.
func Reviews(page []byte, max int) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	var walk func(n *html.Node) bool
	// walk reports whether n or a descendant is a review element.
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && skipElement(n.Data) {
			return false
		}
		inner := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				inner = true
			}
		}
		if n.Type != html.ElementNode || !isReviewElement(n) {
			return inner
		}
		if !inner {
			text := Normalize(textOf(n))
			if utf8.RuneCountInString(text) >= MinReviewChars && !seen[text] {
				seen[text] = true
				out = append(out, truncateRunes(text, MaxReviewChars))
			}
		}
		return true
	}
	walk(doc)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// ReviewID is stable for a given book, source and text so re-scraping the same
// page does not duplicate reviews.
func ReviewID(bookID, source, text string) string {
	sum := sha256.Sum256([]byte(bookID + "\x00" + source + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}

// Normalize collapses whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isReviewElement(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "class", "data-testid", "itemprop":
			if strings.Contains(strings.ToLower(a.Val), "review") {
				return true
			}
		}
	}
	return false
}

func skipElement(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template", "svg":
		return true
	}
	return false
}

func textOf(n *html.Node) string {
	var buf strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
		case html.ElementNode:
			if skipElement(n.Data) {
				return
			}
			if n.Data == "br" || n.Data == "p" || n.Data == "div" || n.Data == "li" {
				buf.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return buf.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
