// Package identity computes stable identity keys for discovered prospects
// and resolves duplicate sightings across platforms into one prospect.
package identity

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kliq-group/growth-engine/internal/model"
)

// keyNamespace anchors identity key derivation. Changing it invalidates
// every stored identity key, so it never changes.
var keyNamespace = uuid.MustParse("9f2c41f6-3a8e-5b1d-8c7a-6e0d4b2f9a11")

// Key derives the canonical identity key for a platform+source-id pair.
// It is a pure function: the same input always yields the same key, so
// replaying discovery is idempotent.
func Key(platform model.Platform, sourceID string) string {
	name := string(platform) + "|" + strings.ToLower(strings.TrimSpace(sourceID))
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// URLKey derives the identity key for a record known only by a URL. The
// "url|" prefix keeps URL-keyed identities disjoint from source-keyed
// ones, so a URL can never collide with a platform+source-id pair.
func URLKey(normalizedLink string) string {
	return uuid.NewSHA1(keyNamespace, []byte("url|"+normalizedLink)).String()
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName lowercases a display name, strips diacritics, and collapses
// interior whitespace, so "José  Müller" and "jose muller" compare equal.
func NormalizeName(name string) string {
	out, _, err := transform.String(stripMarks, name)
	if err != nil {
		out = name
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// NormalizeLink canonicalizes an external link for overlap comparison:
// scheme and "www." are dropped, host is lowercased, query/fragment are
// removed, and trailing slashes are trimmed. Returns false for links that
// cannot anchor identity (empty, relative, or bare hosts of huge shared
// platforms are kept since the path disambiguates).
func NormalizeLink(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	path := strings.TrimRight(u.Path, "/")
	// Social handles are case-insensitive on every platform we track.
	return host + strings.ToLower(path), true
}

// NormalizeLinks applies NormalizeLink to each input, dropping unusable
// entries and duplicates while preserving order.
func NormalizeLinks(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		link, ok := NormalizeLink(r)
		if !ok || seen[link] {
			continue
		}
		seen[link] = true
		out = append(out, link)
	}
	return out
}

// NameSimilarity returns the bigram Dice coefficient of two normalized
// names, in [0, 1].
func NameSimilarity(a, b string) float64 {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	var shared int
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			shared += min(n, m)
		}
	}
	var ta, tb int
	for _, n := range ba {
		ta += n
	}
	for _, n := range bb {
		tb += n
	}
	return 2 * float64(shared) / float64(ta+tb)
}

func bigrams(s string) map[string]int {
	r := []rune(s)
	out := make(map[string]int)
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}

// TagOverlap returns the Jaccard overlap of two niche tag sets, in [0, 1].
// Both sides are treated as sets: repeated tags count once.
func TagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	left := make(map[string]bool, len(a))
	for _, t := range a {
		left[strings.ToLower(strings.TrimSpace(t))] = true
	}
	right := make(map[string]bool, len(b))
	for _, t := range b {
		right[strings.ToLower(strings.TrimSpace(t))] = true
	}
	var shared, union int
	union = len(left)
	for k := range right {
		if left[k] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
