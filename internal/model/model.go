package model

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

type Job struct {
	ID           string           `db:"id"`
	Type         string           `db:"type"`
	Status       domain.JobStatus `db:"status"`
	ProfileID    string           `db:"profile_id"`
	PricelistID  string           `db:"pricelist_id"`
	ParamsJSON   string           `db:"params_json"`
	Progress     float64          `db:"progress"`
	Total        int              `db:"total"`
	Processed    int              `db:"processed"`
	Matched      int              `db:"matched"`
	Unresolved   int              `db:"unresolved"`
	Failed       int              `db:"failed"`
	CountersJSON string           `db:"counters_json"`
	ErrorText    sql.NullString   `db:"error_text"`
	WorkerID     sql.NullString   `db:"worker_id"`
	HeartbeatAt  sql.NullTime     `db:"heartbeat_at"`
	CreatedAt    time.Time        `db:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at"`
	StartedAt    sql.NullTime     `db:"started_at"`
	CompletedAt  sql.NullTime     `db:"completed_at"`
}

// Counters reads the counter columns, which are authoritative over counters_json.
func (j *Job) Counters() domain.Counters {
	return domain.Counters{
		SchemaVersion: domain.CountersSchemaVersion,
		Total:         j.Total,
		Processed:     j.Processed,
		Matched:       j.Matched,
		Unresolved:    j.Unresolved,
		Failed:        j.Failed,
	}
}

type JobItem struct {
	ID         string            `db:"id"`
	JobID      string            `db:"job_id"`
	RowIndex   int               `db:"row_index"`
	SKU        string            `db:"sku"`
	SearchKey  string            `db:"search_key"`
	ProductURL sql.NullString    `db:"product_url"`
	Status     domain.ItemStatus `db:"status"`
	Attempts   int               `db:"attempts"`
	ErrorText  sql.NullString    `db:"error_text"`
	UpdatedAt  time.Time         `db:"updated_at"`
}

// ItemResult is a job item with the image and attributes of the product it resolved to.
type ItemResult struct {
	JobItem
	ImageURL       sql.NullString `db:"image_url"`
	AttributesJSON sql.NullString `db:"attributes_json"`
}

// Attributes decodes the joined product attributes; zero when the item has no product.
func (r *ItemResult) Attributes() domain.ProductAttributes {
	if !r.AttributesJSON.Valid {
		return domain.ProductAttributes{}
	}
	return domain.DecodeProductAttributes([]byte(r.AttributesJSON.String))
}

type WebProduct struct {
	ID             string         `db:"id"`
	JobID          sql.NullString `db:"job_id"`
	SourceURL      string         `db:"source_url"`
	ImageURL       string         `db:"image_url"`
	AttributesJSON string         `db:"attributes_json"`
	ScrapedAt      time.Time      `db:"scraped_at"`
}

// Attributes decodes attributes_json.
func (p *WebProduct) Attributes() domain.ProductAttributes {
	return domain.DecodeProductAttributes([]byte(p.AttributesJSON))
}

type BrandProfile struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	DomainRoot          string    `db:"domain_root"`
	SearchURLTemplate   string    `db:"search_url_template"`
	ExtractionRulesJSON string    `db:"extraction_rules_json"`
	CreatedAt           time.Time `db:"created_at"`
}

// Rules decodes the profile's extraction rules.
func (p *BrandProfile) Rules() domain.ExtractionRules {
	return domain.DecodeExtractionRules([]byte(p.ExtractionRulesJSON))
}

type Pricelist struct {
	ID             string         `db:"id"`
	BrandProfileID sql.NullString `db:"brand_profile_id"`
	Filename       string         `db:"filename"`
	UploadedAt     time.Time      `db:"uploaded_at"`
	DataPath       string         `db:"data_path"`
	RowCount       int            `db:"row_count"`
}
