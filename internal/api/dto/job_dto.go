package dto

import (
	"time"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
)

// TargetedEnrichmentRequest is validated by the orchestrator, so binding only checks the JSON shape.
type TargetedEnrichmentRequest struct {
	PricelistID string `json:"pricelistId"`
	SKUColumn   string `json:"skuColumn"`
	ProfileID   string `json:"profileId"`
	Sheet       string `json:"sheet"`
	StartRow    int    `json:"startRow"`
	EndRow      int    `json:"endRow"`
}

func (r TargetedEnrichmentRequest) ToCreateJobRequest() orchestrator.CreateJobRequest {
	return orchestrator.CreateJobRequest{
		PricelistID: r.PricelistID,
		SKUColumn:   r.SKUColumn,
		ProfileID:   r.ProfileID,
		Sheet:       r.Sheet,
		StartRow:    r.StartRow,
		EndRow:      r.EndRow,
	}
}

type TargetedEnrichmentResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ListJobsRequest struct {
	Status    string `form:"status"`
	ProfileID string `form:"profileId"`
	Limit     int    `form:"limit"`
	Cursor    string `form:"cursor"`
}

type CountersDTO struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Matched    int `json:"matched"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

func NewCountersDTO(c domain.Counters) CountersDTO {
	return CountersDTO{
		Total:      c.Total,
		Processed:  c.Processed,
		Matched:    c.Matched,
		Unresolved: c.Unresolved,
		Failed:     c.Failed,
	}
}

// JobSummaryDTO is one entry of the active-jobs list.
type JobSummaryDTO struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Progress    float64     `json:"progress"`
	Counters    CountersDTO `json:"counters"`
	ProfileID   string      `json:"profileId"`
	PricelistID string      `json:"pricelistId"`
	WorkerID    string      `json:"workerId,omitempty"`
	CreatedAt   string      `json:"createdAt"`
	UpdatedAt   string      `json:"updatedAt"`
}

func NewJobSummaryDTO(s orchestrator.JobSummary) JobSummaryDTO {
	return JobSummaryDTO{
		ID:          s.ID,
		Status:      string(s.Status),
		Progress:    s.Progress,
		Counters:    NewCountersDTO(s.Counters),
		ProfileID:   s.ProfileID,
		PricelistID: s.PricelistID,
		WorkerID:    s.WorkerID,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339),
	}
}

type ActiveJobsResponse struct {
	Jobs []JobSummaryDTO `json:"jobs"`
}

// JobDTO is the full view of a job.
type JobDTO struct {
	JobSummaryDTO
	Type        string `json:"type"`
	Error       string `json:"error,omitempty"`
	HeartbeatAt string `json:"heartbeatAt,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

func NewJobDTO(job *model.Job) JobDTO {
	out := JobDTO{
		JobSummaryDTO: NewJobSummaryDTO(orchestrator.Summarize(job)),
		Type:          job.Type,
		Error:         job.ErrorText.String,
	}
	if job.HeartbeatAt.Valid {
		out.HeartbeatAt = job.HeartbeatAt.Time.Format(time.RFC3339)
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return out
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type JobItemDTO struct {
	ID         string `json:"id"`
	RowIndex   int    `json:"rowIndex"`
	SKU        string `json:"sku"`
	SearchKey  string `json:"searchKey"`
	ProductURL string `json:"productUrl,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
	UpdatedAt  string `json:"updatedAt"`
}

func NewJobItemDTO(item *model.JobItem) JobItemDTO {
	return JobItemDTO{
		ID:         item.ID,
		RowIndex:   item.RowIndex,
		SKU:        item.SKU,
		SearchKey:  item.SearchKey,
		ProductURL: item.ProductURL.String,
		Status:     string(item.Status),
		Attempts:   item.Attempts,
		Error:      item.ErrorText.String,
		UpdatedAt:  item.UpdatedAt.Format(time.RFC3339),
	}
}

type ListItemsResponse struct {
	JobID string       `json:"jobId"`
	Items []JobItemDTO `json:"items"`
}

type ProductAttributesDTO struct {
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	SKU           string            `json:"sku,omitempty"`
	Brand         string            `json:"brand,omitempty"`
	ImageStrategy string            `json:"imageStrategy,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

func NewProductAttributesDTO(a domain.ProductAttributes) *ProductAttributesDTO {
	return &ProductAttributesDTO{
		Title:         a.Title,
		Description:   a.Description,
		SKU:           a.SKU,
		Brand:         a.Brand,
		ImageStrategy: a.ImageStrategy,
		Extra:         a.Extra,
	}
}

// ResultDTO is a job item merged with the vendor product it resolved to
type ResultDTO struct {
	JobItemDTO
	ImageURL   string                `json:"imageUrl,omitempty"`
	Attributes *ProductAttributesDTO `json:"attributes,omitempty"`
}

func NewResultDTO(r *model.ItemResult) ResultDTO {
	out := ResultDTO{JobItemDTO: NewJobItemDTO(&r.JobItem)}
	if r.ImageURL.Valid {
		out.ImageURL = r.ImageURL.String
		out.Attributes = NewProductAttributesDTO(r.Attributes())
	}
	return out
}

type ListResultsRequest struct {
	JobID  string `form:"jobId" binding:"required"`
	Status string `form:"status"`
}

type ListResultsResponse struct {
	JobID   string      `json:"jobId"`
	Results []ResultDTO `json:"results"`
}

type WebProductDTO struct {
	ID         string                `json:"id"`
	SourceURL  string                `json:"sourceUrl"`
	ImageURL   string                `json:"imageUrl"`
	Attributes *ProductAttributesDTO `json:"attributes"`
	ScrapedAt  string                `json:"scrapedAt"`
}

func NewWebProductDTO(p *model.WebProduct) WebProductDTO {
	return WebProductDTO{
		ID:         p.ID,
		SourceURL:  p.SourceURL,
		ImageURL:   p.ImageURL,
		Attributes: NewProductAttributesDTO(p.Attributes()),
		ScrapedAt:  p.ScrapedAt.Format(time.RFC3339),
	}
}

type ListProductsResponse struct {
	JobID    string          `json:"jobId"`
	Products []WebProductDTO `json:"products"`
}
