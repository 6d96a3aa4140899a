package crawler

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

// DefaultSearchTemplate is the WooCommerce product search used when a profile has no template.
const DefaultSearchTemplate = "https://{domain}/?s={query}&post_type=product"

var (
	defaultProductPathHints = []string{"/product/", "/prodotto/", "/item/"}

	defaultResultSelectors = []string{
		".product-title a",
		".woocommerce-loop-product__title a",
		".woocommerce-LoopProduct-link",
		".product-name a",
		".product-item-link",
		".grid-view-item__link",
		".search-result-item a",
		".item a",
	}
)

// Site is the crawl target derived from a brand profile.
type Site struct {
	DomainRoot        string
	SearchURLTemplate string
	Rules             domain.ExtractionRules
}

// SiteFromProfile builds the crawl target for a brand profile.
func SiteFromProfile(p *model.BrandProfile) Site {
	return Site{
		DomainRoot:        p.DomainRoot,
		SearchURLTemplate: p.SearchURLTemplate,
		Rules:             p.Rules(),
	}
}

// SearchURL expands the search template for a key.
func (s Site) SearchURL(searchKey string) (string, error) {
	host := strings.TrimSpace(s.DomainRoot)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimRight(host, "/")

	template := strings.TrimSpace(s.SearchURLTemplate)
	if template == "" {
		template = DefaultSearchTemplate
	}
	if host == "" && strings.Contains(template, "{domain}") {
		return "", errInvalidSite("domain root is empty")
	}

	raw := strings.NewReplacer(
		"{domain}", host,
		"{query}", url.QueryEscape(searchKey),
	).Replace(template)

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errInvalidSite("search url " + raw + " is not an absolute http url")
	}
	return u.String(), nil
}

// Validate checks that the profile yields an absolute search URL.
func (s Site) Validate() error {
	_, err := s.SearchURL("SKU")
	return err
}

// isProductPage reports whether the search landed directly on a product, which happens when
// the vendor redirects an exact SKU hit.
func (s Site) isProductPage(p *page) bool {
	path := strings.ToLower(p.url.Path)
	for _, hint := range concat(s.Rules.ProductPathHints, defaultProductPathHints) {
		if hint != "" && strings.Contains(path, strings.ToLower(hint)) {
			return true
		}
	}

	if ogType, ok := p.doc.Find(`meta[property="og:type"]`).Attr("content"); ok &&
		strings.EqualFold(strings.TrimSpace(ogType), "product") {
		return true
	}

	return p.doc.Find("body.single-product").Length() > 0
}

// findResultLink picks the search result for searchKey. A link whose text or href contains
// the key wins; otherwise the first result is taken.
func (s Site) findResultLink(p *page, searchKey string) string {
	needle := normalizeText(searchKey)

	var first string
	for _, selector := range concat(s.Rules.ResultLinkSelectors, defaultResultSelectors) {
		var match string
		p.doc.Find(selector).EachWithBreak(func(_ int, link *goquery.Selection) bool {
			href, ok := link.Attr("href")
			if !ok {
				return true
			}
			abs := resolveURL(p.url, href)
			if abs == "" {
				return true
			}
			if first == "" {
				first = abs
			}
			if needle != "" &&
				(strings.Contains(normalizeText(link.Text()), needle) || strings.Contains(normalizeText(href), needle)) {
				match = abs
				return false
			}
			return true
		})
		if match != "" {
			return match
		}
	}

	return first
}

// resolveURL makes href absolute against base. Fragments and non-http schemes yield "".
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// normalizeText keeps letters and digits, lower-cased.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// concat never shares a backing array with its inputs; sites are used from many goroutines.
func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}
