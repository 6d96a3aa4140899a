package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// page is a fetched and parsed HTML document. url is the final URL after redirects.
type page struct {
	url *url.URL
	doc *goquery.Document
}

func (c *Crawler) fetch(ctx context.Context, rawURL string) (*page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, &domain.FetchError{URL: rawURL, Err: err}
	}

	if err := c.limiter.wait(ctx, target.Host); err != nil {
		return nil, &domain.FetchError{URL: rawURL, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.FetchError{URL: rawURL, Err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &domain.FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, &domain.FetchError{URL: rawURL, Err: err}
	}

	return &page{url: resp.Request.URL, doc: doc}, nil
}

// hostLimiter is a token bucket per vendor host, so one slow site cannot starve another.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	h.mu.Lock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = limiter
	}
	h.mu.Unlock()

	return limiter.Wait(ctx)
}
