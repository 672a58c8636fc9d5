// Package platform defines the adapter boundary for creator discovery and
// profile scraping across source platforms.
package platform

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/kliq-group/growth-engine/internal/model"
)

// Profile is the scraped view of one creator on one platform.
type Profile struct {
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Links       []string `json:"links,omitempty"`
	NicheTags   []string `json:"niche_tags,omitempty"`
	Followers   int      `json:"followers,omitempty"`
}

// Adapter discovers creators on one platform and scrapes their profiles.
type Adapter interface {
	// Platform identifies which source this adapter serves.
	Platform() model.Platform

	// Discover searches the platform and returns candidate records. The
	// query is platform specific (search terms, a niche, or a URL).
	Discover(ctx context.Context, query string, limit int) ([]model.DiscoveredRecord, error)

	// Scrape fetches the full profile behind a source reference.
	Scrape(ctx context.Context, ref model.SourceRef) (*Profile, error)
}

// Registry holds the configured adapters keyed by platform.
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Platform]Adapter)}
}

// Register adds an adapter; later registrations replace earlier ones.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform.
func (r *Registry) Get(p model.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, eris.Errorf("platform: no adapter registered for %s", p)
	}
	return a, nil
}

// Platforms lists the registered platforms in stable order.
func (r *Registry) Platforms() []model.Platform {
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassifyLink maps an external link to a platform source reference when
// the host belongs to a known platform. Feeds cross-platform enrichment:
// social links found in one profile become source refs on the prospect.
func ClassifyLink(link string) (model.SourceRef, bool) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(link, "https://"), "http://")
	trimmed = strings.TrimPrefix(trimmed, "www.")
	host, path, _ := strings.Cut(trimmed, "/")
	path = strings.TrimSuffix(path, "/")

	first := path
	if i := strings.IndexByte(first, '/'); i >= 0 {
		first = first[:i]
	}
	if first == "" {
		return model.SourceRef{}, false
	}

	var platform model.Platform
	var sourceID string
	switch host {
	case "youtube.com", "youtu.be":
		platform = model.PlatformYouTube
		switch first {
		case "channel", "c", "user":
			parts := strings.SplitN(path, "/", 2)
			if len(parts) < 2 || parts[1] == "" {
				return model.SourceRef{}, false
			}
			sourceID = parts[1]
		default:
			if !strings.HasPrefix(first, "@") {
				return model.SourceRef{}, false
			}
			sourceID = first
		}
	case "skool.com":
		platform = model.PlatformSkool
		sourceID = first
	case "patreon.com":
		platform = model.PlatformPatreon
		sourceID = first
	case "tiktok.com":
		platform = model.PlatformTikTok
		if !strings.HasPrefix(first, "@") {
			return model.SourceRef{}, false
		}
		sourceID = strings.TrimPrefix(first, "@")
	case "instagram.com":
		platform = model.PlatformInstagram
		sourceID = first
	default:
		return model.SourceRef{}, false
	}

	return model.SourceRef{
		Platform: platform,
		SourceID: strings.ToLower(sourceID),
		URL:      link,
	}, true
}
