package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

const testUserAgent = "CatalogEnricherTest/1.0"

type vendorSite struct {
	mu         sync.Mutex
	userAgents []string
}

func (v *vendorSite) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.userAgents = append(v.userAgents, r.UserAgent())
		v.mu.Unlock()

		switch r.URL.Query().Get("s") {
		case "F3051LXCR":
			fmt.Fprint(w, `<html><body class="search-results">
				<h2 class="woocommerce-loop-product__title"><a href="/product/f3050-lamp/">F3050 lamp</a></h2>
				<h2 class="woocommerce-loop-product__title"><a href="/product/f3051lxcr-lamp/">F3051LXCR lamp</a></h2>
			</body></html>`)
		case "DIRECT":
			http.Redirect(w, r, "/prodotto/direct/", http.StatusFound)
		case "NOIMAGE":
			fmt.Fprint(w, `<div class="product-title"><a href="/product/noimage/">NOIMAGE</a></div>`)
		case "BROKEN":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		case "SLOW":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		default:
			fmt.Fprint(w, `<html><body><p>Nessun prodotto trovato.</p></body></html>`)
		}
	})

	mux.HandleFunc("/product/f3051lxcr-lamp/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<meta property="og:title" content="F3051LXCR Lamp">
			<meta property="og:image" content="/uploads/f3051lxcr.jpg">
			<script type="application/ld+json">{"@type":"Product","sku":"F3051LXCR","brand":"Fima"}</script>
		</head><body></body></html>`)
	})

	mux.HandleFunc("/prodotto/direct/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<script type="application/ld+json">{"@type":"Product","name":"Direct hit","image":"https://cdn.example/direct.jpg"}</script>
		</head></html>`)
	})

	mux.HandleFunc("/product/noimage/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>No image</h1><img src="/logo.png"></body></html>`)
	})

	return mux
}

func newTestCrawler(t *testing.T) (*Crawler, Site, *vendorSite) {
	t.Helper()

	vendor := &vendorSite{}
	server := httptest.NewServer(vendor.handler())
	t.Cleanup(server.Close)

	c := New(Config{
		UserAgent:      testUserAgent,
		RequestTimeout: 100 * time.Millisecond,
		MaxBodyBytes:   1 << 20,
	}, server.Client(), logger.NewNop().Logger)

	site := Site{
		DomainRoot:        strings.TrimPrefix(server.URL, "http://"),
		SearchURLTemplate: "http://{domain}/?s={query}&post_type=product",
	}

	return c, site, vendor
}

func TestCrawler_Resolve(t *testing.T) {
	c, site, vendor := newTestCrawler(t)

	t.Run("search results then product page", func(t *testing.T) {
		res, err := c.Resolve(context.Background(), site, "F3051LXCR")
		require.NoError(t, err)

		assert.True(t, strings.HasSuffix(res.URL, "/product/f3051lxcr-lamp/"))
		assert.True(t, strings.HasSuffix(res.ImageURL, "/uploads/f3051lxcr.jpg"))
		assert.Equal(t, StrategyMeta, res.Attributes.ImageStrategy)
		assert.Equal(t, "F3051LXCR Lamp", res.Attributes.Title)
		assert.Equal(t, "F3051LXCR", res.Attributes.SKU)
		assert.Equal(t, "Fima", res.Attributes.Brand)
		assert.Equal(t, "F3051LXCR", res.Attributes.SearchKey)
	})

	t.Run("search redirects to the product", func(t *testing.T) {
		res, err := c.Resolve(context.Background(), site, "DIRECT")
		require.NoError(t, err)

		assert.True(t, strings.HasSuffix(res.URL, "/prodotto/direct/"))
		assert.Equal(t, "https://cdn.example/direct.jpg", res.ImageURL)
		assert.Equal(t, StrategyJSONLD, res.Attributes.ImageStrategy)
	})

	t.Run("no search results", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), site, "UNKNOWN")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("product page without image", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), site, "NOIMAGE")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), site, "  ")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("vendor error status", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), site, "BROKEN")

		var fetchErr *domain.FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	})

	t.Run("vendor timeout", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), site, "SLOW")

		var fetchErr *domain.FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Zero(t, fetchErr.StatusCode)
		assert.NotErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Resolve(ctx, site, "F3051LXCR")

		var fetchErr *domain.FetchError
		assert.True(t, errors.As(err, &fetchErr))
	})

	t.Run("invalid profile", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), Site{}, "F3051LXCR")

		require.Error(t, err)
		var fetchErr *domain.FetchError
		assert.False(t, errors.As(err, &fetchErr))
	})

	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	require.NotEmpty(t, vendor.userAgents)
	for _, ua := range vendor.userAgents {
		assert.Equal(t, testUserAgent, ua)
	}
}

func TestHostLimiter(t *testing.T) {
	limiter := newHostLimiter(1000, 1)

	require.NoError(t, limiter.wait(context.Background(), "a.example"))
	require.NoError(t, limiter.wait(context.Background(), "b.example"))

	limiter.mu.Lock()
	assert.Len(t, limiter.limiters, 2)
	limiter.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := newHostLimiter(0.001, 1)
	require.NoError(t, slow.wait(context.Background(), "a.example"))
	assert.Error(t, slow.wait(ctx, "a.example"))
}
