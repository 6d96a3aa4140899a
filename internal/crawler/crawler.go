package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

// Config holds vendor fetch settings
type Config struct {
	UserAgent         string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
}

// Crawler finds a vendor product page for a search key and extracts its primary image.
// It is safe for concurrent use; every fetch is independent and carries its own timeout.
type Crawler struct {
	cfg     Config
	client  *http.Client
	limiter *hostLimiter
	logger  *slog.Logger
}

// New creates a Crawler. A nil client gets a default one that follows redirects.
func New(cfg Config, client *http.Client, log *slog.Logger) *Crawler {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}

	return &Crawler{
		cfg:     cfg,
		client:  client,
		limiter: newHostLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger.Component(log, "crawler"),
	}
}

// Resolve searches the vendor site for searchKey. It returns domain.ErrProductNotFound when the
// site has no matching product or the product page has no usable image, and *domain.FetchError
// when the site could not be reached. A profile that cannot produce a search URL yields an
// error wrapping domain.ErrInvalidProfile.
func (c *Crawler) Resolve(ctx context.Context, site Site, searchKey string) (*domain.Resolution, error) {
	if strings.TrimSpace(searchKey) == "" {
		return nil, domain.ErrProductNotFound
	}

	searchURL, err := site.SearchURL(searchKey)
	if err != nil {
		return nil, err
	}

	results, err := c.fetch(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	product := results
	if !site.isProductPage(results) {
		link := site.findResultLink(results, searchKey)
		if link == "" {
			c.logger.Debug("No search result matched",
				slog.String("search_key", searchKey),
				slog.String("url", searchURL),
			)
			return nil, domain.ErrProductNotFound
		}

		product, err = c.fetch(ctx, link)
		if err != nil {
			return nil, err
		}
	}

	imageURL, strategy := extractImage(product, site.Rules)
	if imageURL == "" {
		c.logger.Debug("Product page has no usable image",
			slog.String("search_key", searchKey),
			slog.String("url", product.url.String()),
		)
		return nil, domain.ErrProductNotFound
	}

	attrs := extractAttributes(product)
	attrs.ImageStrategy = strategy
	attrs.SearchKey = searchKey

	c.logger.Debug("Product resolved",
		slog.String("search_key", searchKey),
		slog.String("url", product.url.String()),
		slog.String("strategy", strategy),
	)

	return &domain.Resolution{
		URL:        product.url.String(),
		ImageURL:   imageURL,
		Attributes: attrs,
	}, nil
}

// SearchKey derives the vendor search term from a price-list SKU: separators vendors drop
// from their codes ("/" and ".") are removed and the result is upper-cased.
func SearchKey(sku string) string {
	key := strings.NewReplacer("/", "", ".", "").Replace(sku)
	return strings.ToUpper(strings.TrimSpace(key))
}

func errInvalidSite(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidProfile, reason)
}
