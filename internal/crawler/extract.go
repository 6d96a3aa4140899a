package crawler

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// Image strategies, recorded in the product attributes.
const (
	StrategyMeta    = "meta"
	StrategyJSONLD  = "json-ld"
	StrategyImgScan = "img-scan"
)

var (
	metaImageSelectors = []struct {
		selector string
		attr     string
	}{
		{`meta[property="og:image"]`, "content"},
		{`meta[name="og:image"]`, "content"},
		{`meta[property="og:image:secure_url"]`, "content"},
		{`meta[name="twitter:image"]`, "content"},
		{`meta[property="twitter:image"]`, "content"},
		{`link[rel="image_src"]`, "href"},
	}

	imgAttributes = []string{"data-large_image", "data-zoom-image", "data-src", "data-lazy-src", "src"}

	// word prefixes of decorative images that are never the product shot
	skippedImageMarkers = []string{
		"logo", "icon", "sprite", "placeholder", "banner", "loader", "loading",
		"avatar", "payment", "flag", "social", "spacer", "pixel", "svg",
	}

	ldImageString = regexp.MustCompile(`"image"\s*:\s*\[?\s*"([^"]+)"`)
	ldImageObject = regexp.MustCompile(`"image"\s*:\s*\[?\s*\{[^}]*?"(?:url|contentUrl)"\s*:\s*"([^"]+)"`)
)

// extractImage tries meta tags, then JSON-LD, then an <img> scan. It returns the absolute
// image URL and the strategy that found it, or two empty strings.
func extractImage(p *page, rules domain.ExtractionRules) (string, string) {
	if img := metaImage(p); img != "" {
		return img, StrategyMeta
	}
	if img := jsonLDImage(p); img != "" {
		return img, StrategyJSONLD
	}
	if img := scanImages(p, rules.ImageScopeSelector); img != "" {
		return img, StrategyImgScan
	}
	return "", ""
}

func metaImage(p *page) string {
	for _, m := range metaImageSelectors {
		value, ok := p.doc.Find(m.selector).First().Attr(m.attr)
		if !ok {
			continue
		}
		if img := resolveURL(p.url, value); img != "" {
			return img
		}
	}
	return ""
}

func jsonLDImage(p *page) string {
	var raw []string
	p.doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw = append(raw, s.Text())
	})

	var nodes []map[string]any
	for _, text := range raw {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			// vendors ship broken JSON-LD often enough that a lexical fallback pays off
			if img := regexImage(text); img != "" {
				if abs := resolveURL(p.url, img); abs != "" {
					return abs
				}
			}
			continue
		}
		nodes = collectNodes(v, nodes)
	}

	// Product nodes first, then anything else carrying an image
	for _, productOnly := range []bool{true, false} {
		for _, node := range nodes {
			if productOnly && !hasType(node, "Product") {
				continue
			}
			if img := imageValue(node["image"]); img != "" {
				if abs := resolveURL(p.url, img); abs != "" {
					return abs
				}
			}
		}
	}
	return ""
}

func regexImage(text string) string {
	for _, re := range []*regexp.Regexp{ldImageObject, ldImageString} {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.ReplaceAll(m[1], `\/`, "/")
		}
	}
	return ""
}

// collectNodes flattens a JSON-LD document, descending into arrays and @graph.
func collectNodes(v any, nodes []map[string]any) []map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			nodes = collectNodes(item, nodes)
		}
	case map[string]any:
		nodes = append(nodes, t)
		if graph, ok := t["@graph"]; ok {
			nodes = collectNodes(graph, nodes)
		}
	}
	return nodes
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

// imageValue reads a schema.org image: a URL, an ImageObject or a list of either.
func imageValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if img := imageValue(item); img != "" {
				return img
			}
		}
	case map[string]any:
		for _, key := range []string{"url", "contentUrl"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func scanImages(p *page, scopeSelector string) string {
	scope := p.doc.Selection
	if scopeSelector != "" {
		if scoped := p.doc.Find(scopeSelector); scoped.Length() > 0 {
			scope = scoped
		}
	}

	var found string
	scope.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if tooSmall(img) || decorative(img.AttrOr("class", "")+" "+img.AttrOr("alt", "")) {
			return true
		}
		for _, candidate := range imgCandidates(img) {
			if decorative(candidate) {
				continue
			}
			if abs := resolveURL(p.url, candidate); abs != "" {
				found = abs
				return false
			}
		}
		return true
	})
	return found
}

func imgCandidates(img *goquery.Selection) []string {
	var candidates []string
	for _, attr := range imgAttributes {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			candidates = append(candidates, v)
		}
	}
	if srcset := img.AttrOr("srcset", ""); srcset != "" {
		first := strings.TrimSpace(strings.Split(srcset, ",")[0])
		if fields := strings.Fields(first); len(fields) > 0 {
			candidates = append(candidates, fields[0])
		}
	}
	return candidates
}

// decorative matches markers against whole words so "silicone" is not taken for "icon".
func decorative(s string) bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		for _, marker := range skippedImageMarkers {
			if strings.HasPrefix(word, marker) {
				return true
			}
		}
	}
	return false
}

func tooSmall(img *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if n, err := strconv.Atoi(strings.TrimSuffix(img.AttrOr(attr, ""), "px")); err == nil && n > 0 && n < 50 {
			return true
		}
	}
	return false
}

// extractAttributes collects descriptive fields from meta tags and the JSON-LD Product node.
func extractAttributes(p *page) domain.ProductAttributes {
	attrs := domain.ProductAttributes{SchemaVersion: domain.AttributesSchemaVersion}

	attrs.Title = firstNonEmpty(
		p.doc.Find(`meta[property="og:title"]`).AttrOr("content", ""),
		p.doc.Find("h1").First().Text(),
		p.doc.Find("title").First().Text(),
	)
	attrs.Description = firstNonEmpty(
		p.doc.Find(`meta[property="og:description"]`).AttrOr("content", ""),
		p.doc.Find(`meta[name="description"]`).AttrOr("content", ""),
	)

	p.doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		if json.Unmarshal([]byte(s.Text()), &v) != nil {
			return true
		}
		for _, node := range collectNodes(v, nil) {
			if !hasType(node, "Product") {
				continue
			}
			if sku, ok := node["sku"].(string); ok {
				attrs.SKU = strings.TrimSpace(sku)
			}
			switch brand := node["brand"].(type) {
			case string:
				attrs.Brand = strings.TrimSpace(brand)
			case map[string]any:
				if name, ok := brand["name"].(string); ok {
					attrs.Brand = strings.TrimSpace(name)
				}
			}
			if attrs.Title == "" {
				if name, ok := node["name"].(string); ok {
					attrs.Title = strings.TrimSpace(name)
				}
			}
			return false
		}
		return true
	})

	return attrs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.Join(strings.Fields(v), " "); v != "" {
			return v
		}
	}
	return ""
}
