package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint hashes the source fields of a book. Any change to them yields a
// new value, which marks derived embeddings as stale.
func Fingerprint(b Book) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strings.TrimSpace(s)))
		h.Write([]byte{0})
	}
	write(b.Title)
	write(strings.Join(b.Authors, "\x1f"))
	write(strings.Join(b.Subjects, "\x1f"))
	write(b.Description)
	write(b.WorkKey)
	return hex.EncodeToString(h.Sum(nil))
}

// TextFingerprint hashes free text such as a review summary.
func TextFingerprint(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// SetHash is an order-independent hash of a set of ids.
func SetHash(ids []string) string {
	sorted := SortedCopy(ids)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:16])
}

func SortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
