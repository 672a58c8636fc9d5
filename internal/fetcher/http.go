package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kliq-group/growth-engine/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// RatePerSec throttles requests per host. Zero means 5 req/s.
	RatePerSec float64
}

// HTTPFetcher downloads seed files over HTTP with retry and per-host
// rate limiting.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters *hostLimiters
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "GrowthBot/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: newHostLimiters(rate.Limit(opts.RatePerSec)),
	}
}

// Download fetches the URI and returns the response body. Transient
// upstream statuses are retried with backoff.
func (f *HTTPFetcher) Download(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", uri)
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("fetcher", "download")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (io.ReadCloser, error) {
		if err := f.limiters.wait(ctx, u.Host); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "fetcher: create request for %s", uri))
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: get %s", uri)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close() //nolint:errcheck
			err := eris.Errorf("fetcher: %s returned status %d", uri, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, resilience.NewPermanentError(err)
		}

		zap.L().Debug("fetched seed file",
			zap.String("url", uri),
			zap.Int64("content_length", resp.ContentLength),
		)
		return resp.Body, nil
	})
}

// hostLimiters lazily creates one limiter per host.
type hostLimiters struct {
	mu       sync.Mutex
	perSec   rate.Limit
	limiters map[string]*rate.Limiter
}

func newHostLimiters(perSec rate.Limit) *hostLimiters {
	return &hostLimiters{perSec: perSec, limiters: map[string]*rate.Limiter{}}
}

func (h *hostLimiters) wait(ctx context.Context, host string) error {
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.perSec, 1)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}
