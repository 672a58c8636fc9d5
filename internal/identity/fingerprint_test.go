package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kliq-group/growth-engine/internal/model"
)

func TestKey_Deterministic(t *testing.T) {
	k1 := Key(model.PlatformYouTube, "yt:123")
	k2 := Key(model.PlatformYouTube, "yt:123")
	assert.Equal(t, k1, k2)

	// Case and surrounding whitespace don't change identity.
	assert.Equal(t, k1, Key(model.PlatformYouTube, "  YT:123 "))

	assert.NotEqual(t, k1, Key(model.PlatformYouTube, "yt:124"))
	assert.NotEqual(t, k1, Key(model.PlatformSkool, "yt:123"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"José  Müller", "jose muller"},
		{"  Fit Coach  SARAH ", "fit coach sarah"},
		{"", ""},
		{"Łukasz", "łukasz"}, // Ł is not a combining mark; kept as-is
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestNormalizeLink(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://www.youtube.com/@FitSarah/", "youtube.com/@fitsarah", true},
		{"http://YouTube.com/@fitsarah?sub=1#top", "youtube.com/@fitsarah", true},
		{"coachsarah.com", "coachsarah.com", true},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeLink(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeLinks_Dedup(t *testing.T) {
	got := NormalizeLinks([]string{
		"https://www.youtube.com/@fitsarah",
		"youtube.com/@FitSarah/",
		"",
		"coachsarah.com",
	})
	assert.Equal(t, []string{"youtube.com/@fitsarah", "coachsarah.com"}, got)
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NameSimilarity("Sarah Jones", "sarah  jones"))
	assert.Equal(t, 0.0, NameSimilarity("", ""))
	assert.Greater(t, NameSimilarity("Sarah Jones", "Sara Jones"), 0.8)
	assert.Less(t, NameSimilarity("Sarah Jones", "Mike Chen"), 0.3)
}

func TestTagOverlap(t *testing.T) {
	assert.Equal(t, 1.0, TagOverlap([]string{"fitness"}, []string{"Fitness"}))
	assert.Equal(t, 0.0, TagOverlap(nil, []string{"fitness"}))
	assert.InDelta(t, 1.0/3.0, TagOverlap([]string{"fitness", "yoga"}, []string{"yoga", "mindset"}), 1e-9)

	// Repeated tags count once per side; Jaccard never exceeds 1.
	assert.Equal(t, 1.0, TagOverlap([]string{"fitness"}, []string{"fitness", "fitness"}))
	assert.InDelta(t, 0.5, TagOverlap([]string{"fitness", "fitness", "yoga"}, []string{"yoga"}), 1e-9)
}

func TestURLKey_DisjointFromSourceKeys(t *testing.T) {
	k1 := URLKey("alice-coaching.com")
	assert.Equal(t, k1, URLKey("alice-coaching.com"))
	assert.NotEqual(t, k1, URLKey("bob-fitness.io"))
	assert.NotEqual(t, k1, Key(model.PlatformWebsite, "alice-coaching.com"))
}
