package catalog

import (
	"fmt"
	"strings"
)

const (
	prefixISBN = "isbn:"
	prefixWork = "work:"
)

// ParseID splits a book id into its scheme and value.
// Accepted forms are isbn:<13 digits> and work:<Open Library work id>.
func ParseID(id string) (scheme, value string, err error) {
	id = strings.TrimSpace(id)
	switch {
	case strings.HasPrefix(id, prefixISBN):
		value = strings.ReplaceAll(strings.TrimPrefix(id, prefixISBN), "-", "")
		if !isISBN13(value) {
			return "", "", fmt.Errorf("invalid isbn-13 %q", value)
		}
		return "isbn", value, nil
	case strings.HasPrefix(id, prefixWork):
		value = strings.TrimPrefix(id, prefixWork)
		if !strings.HasPrefix(value, "OL") || !strings.HasSuffix(value, "W") || len(value) < 4 {
			return "", "", fmt.Errorf("invalid open library work id %q", value)
		}
		return "work", value, nil
	default:
		return "", "", fmt.Errorf("unknown book id scheme %q", id)
	}
}

// ValidID reports whether id has an accepted form.
func ValidID(id string) bool {
	_, _, err := ParseID(id)
	return err == nil
}

// BookID picks the canonical id for a record: ISBN-13 when known, else the work.
func BookID(isbn13, workKey string) string {
	if isISBN13(isbn13) {
		return prefixISBN + isbn13
	}
	if w := workID(workKey); w != "" {
		return prefixWork + w
	}
	return ""
}

func workID(workKey string) string {
	return strings.TrimPrefix(strings.TrimSpace(workKey), "/works/")
}

func isISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func firstISBN13(isbns []string) string {
	for _, isbn := range isbns {
		if isISBN13(isbn) {
			return isbn
		}
	}
	return ""
}
