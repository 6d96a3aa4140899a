package domain

import (
	"encoding/json"
)

// Schema versions of the JSON documents persisted alongside rows.
const (
	CountersSchemaVersion   = 1
	AttributesSchemaVersion = 1
)

// Counters is the job progress document stored in jobs.counters_json.
type Counters struct {
	SchemaVersion int `json:"schema_version"`
	Total         int `json:"total"`
	Processed     int `json:"processed"`
	Matched       int `json:"matched"`
	Unresolved    int `json:"unresolved"`
	Failed        int `json:"failed"`
}

// NewCounters starts a job with total pending items.
func NewCounters(total int) Counters {
	return Counters{SchemaVersion: CountersSchemaVersion, Total: total}
}

// Progress is processed/total, clamped to [0,1]. A job without items reports 0 until it completes.
func (c Counters) Progress() float64 {
	if c.Total <= 0 {
		return 0
	}
	p := float64(c.Processed) / float64(c.Total)
	if p > 1 {
		return 1
	}
	return p
}

// Done reports whether every item reached a terminal status.
func (c Counters) Done() bool {
	return c.Processed >= c.Total
}

// Add records n items finishing with status.
func (c Counters) Add(status ItemStatus, n int) Counters {
	c.Processed += n
	switch status {
	case ItemStatusResolved:
		c.Matched += n
	case ItemStatusUnresolved:
		c.Unresolved += n
	case ItemStatusError:
		c.Failed += n
	}
	return c
}

// Encode serialises the document with the current schema version.
func (c Counters) Encode() ([]byte, error) {
	c.SchemaVersion = CountersSchemaVersion
	return json.Marshal(c)
}

// DecodeCounters parses counters_json. Unknown fields are ignored, missing ones default to zero,
// and older documents that used "found" for matches are still understood.
func DecodeCounters(raw []byte) Counters {
	var doc struct {
		Counters
		Found *int `json:"found"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return Counters{SchemaVersion: CountersSchemaVersion}
	}
	c := doc.Counters
	if c.Matched == 0 && doc.Found != nil {
		c.Matched = *doc.Found
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = CountersSchemaVersion
	}
	return c
}

// ProductAttributes is the document stored in web_products.attributes_json.
type ProductAttributes struct {
	SchemaVersion int               `json:"schema_version"`
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	SKU           string            `json:"sku,omitempty"`
	Brand         string            `json:"brand,omitempty"`
	ImageStrategy string            `json:"image_strategy,omitempty"`
	SearchKey     string            `json:"search_key,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Encode serialises the attributes with the current schema version.
func (a ProductAttributes) Encode() ([]byte, error) {
	a.SchemaVersion = AttributesSchemaVersion
	return json.Marshal(a)
}

// DecodeProductAttributes parses attributes_json leniently.
func DecodeProductAttributes(raw []byte) ProductAttributes {
	var a ProductAttributes
	if len(raw) == 0 || json.Unmarshal(raw, &a) != nil {
		return ProductAttributes{SchemaVersion: AttributesSchemaVersion}
	}
	if a.SchemaVersion == 0 {
		a.SchemaVersion = AttributesSchemaVersion
	}
	return a
}

// ExtractionRules are per-brand hints for the crawler.
type ExtractionRules struct {
	ResultLinkSelectors []string `json:"result_link_selectors,omitempty"`
	ProductPathHints    []string `json:"product_path_hints,omitempty"`
	ImageScopeSelector  string   `json:"image_scope_selector,omitempty"`
}

// DecodeExtractionRules parses extraction_rules_json leniently.
func DecodeExtractionRules(raw []byte) ExtractionRules {
	var r ExtractionRules
	if len(raw) == 0 {
		return r
	}
	_ = json.Unmarshal(raw, &r)
	return r
}

// JobParams is the accepted enrichment request, stored in jobs.params_json.
type JobParams struct {
	PricelistID string `json:"pricelistId"`
	SKUColumn   string `json:"skuColumn"`
	ProfileID   string `json:"profileId"`
	Sheet       string `json:"sheet,omitempty"`
	StartRow    int    `json:"startRow,omitempty"`
	EndRow      int    `json:"endRow,omitempty"`
}

// JobMessage is the dispatch message carried over RabbitMQ
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Resolution is a successful crawl: where the product lives and its primary image.
type Resolution struct {
	URL        string
	ImageURL   string
	Attributes ProductAttributes
}

// ItemOutcome is the result of crawling one search key, applied to every item sharing it.
type ItemOutcome struct {
	ItemIDs    []string
	SearchKey  string
	Status     ItemStatus
	Resolution *Resolution
	Attempts   int
	Error      string
}
