package platform

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/kliq-group/growth-engine/internal/identity"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/resilience"
)

// WebsiteAdapter scrapes creator-owned websites directly over HTTP. It is
// the only in-tree scraper; the social platforms are served by external
// collaborators registered at wiring time.
type WebsiteAdapter struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebsiteAdapter creates a WebsiteAdapter limited to ratePerSec requests.
func NewWebsiteAdapter(ratePerSec float64) *WebsiteAdapter {
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &WebsiteAdapter{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

func (w *WebsiteAdapter) Platform() model.Platform { return model.PlatformWebsite }

// Discover treats the query as a site URL and returns a single record
// built from the fetched page.
func (w *WebsiteAdapter) Discover(ctx context.Context, query string, limit int) ([]model.DiscoveredRecord, error) {
	siteURL := query
	if !strings.Contains(siteURL, "://") {
		siteURL = "https://" + siteURL
	}
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("website: invalid url %q", query))
	}

	profile, err := w.fetchProfile(ctx, siteURL)
	if err != nil {
		return nil, err
	}

	rec := model.DiscoveredRecord{
		Platform:    model.PlatformWebsite,
		SourceID:    strings.TrimPrefix(strings.ToLower(u.Host), "www."),
		DisplayName: profile.DisplayName,
		URL:         siteURL,
		Email:       profile.Email,
		Links:       profile.Links,
	}
	return []model.DiscoveredRecord{rec}, nil
}

// Scrape fetches the profile behind a website source reference.
func (w *WebsiteAdapter) Scrape(ctx context.Context, ref model.SourceRef) (*Profile, error) {
	target := ref.URL
	if target == "" {
		target = "https://" + ref.SourceID
	}
	return w.fetchProfile(ctx, target)
}

func (w *WebsiteAdapter) fetchProfile(ctx context.Context, targetURL string) (*Profile, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "website: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "website: create request"))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; GrowthBot/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "website: fetch"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "website: read body"), 0)
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(eris.Errorf("website: status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, resilience.NewPermanentError(eris.Errorf("website: status %d", resp.StatusCode))
	}

	html := string(body)
	return &Profile{
		DisplayName: extractTitle(html),
		Email:       extractEmail(html),
		Links:       extractLinks(html, targetURL),
	}, nil
}

var (
	titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	hrefRe  = regexp.MustCompile(`(?i)href=["']([^"']+)["']`)
)

func extractTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if len(m) > 1 {
		title := strings.TrimSpace(m[1])
		// Drop taglines after common separators.
		for _, sep := range []string{" | ", " - ", " – "} {
			if i := strings.Index(title, sep); i > 0 {
				title = title[:i]
			}
		}
		return title
	}
	return ""
}

func extractEmail(html string) string {
	for _, m := range emailRe.FindAllString(html, 10) {
		lower := strings.ToLower(m)
		// Skip asset filenames that look like addresses.
		if strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".svg") {
			continue
		}
		return lower
	}
	return ""
}

// extractLinks returns normalized outbound links, platform links first.
func extractLinks(html, pageURL string) []string {
	base, _ := url.Parse(pageURL)
	var raw []string
	for _, m := range hrefRe.FindAllStringSubmatch(html, 200) {
		href := strings.TrimSpace(m[1])
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			continue
		}
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Host == "" || (base != nil && u.Host == base.Host) {
			continue
		}
		raw = append(raw, u.String())
	}
	return identity.NormalizeLinks(raw)
}
