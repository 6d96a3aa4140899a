package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/catalog-enricher/internal/api/dto"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateTargetedEnrichment handles POST /api/catalog-enricher/merger/targeted-enrichment
// The job is stored before the response is written, so an immediate active-jobs poll lists it.
func (h *JobHandler) CreateTargetedEnrichment(c *gin.Context) {
	var req dto.TargetedEnrichmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), req.ToCreateJobRequest())
	if err != nil {
		h.respondError(c, "Failed to create enrichment job", err)
		return
	}

	h.logger.Info("Enrichment job accepted",
		slog.String("job_id", job.ID),
		slog.String("pricelist_id", job.PricelistID),
		slog.String("profile_id", job.ProfileID),
		slog.Int("total", job.Total),
	)

	c.JSON(http.StatusCreated, dto.TargetedEnrichmentResponse{
		Success: true,
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: "Targeted enrichment job queued",
	})
}

// ListActiveJobs handles GET /api/catalog-enricher/crawler/active-jobs
func (h *JobHandler) ListActiveJobs(c *gin.Context) {
	summaries, err := h.jobs.ListActive(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list active jobs", err)
		return
	}

	jobs := make([]dto.JobSummaryDTO, len(summaries))
	for i, s := range summaries {
		jobs[i] = dto.NewJobSummaryDTO(s)
	}

	c.JSON(http.StatusOK, dto.ActiveJobsResponse{Jobs: jobs})
}

// GetJob handles GET /api/catalog-enricher/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/catalog-enricher/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": err.Error(),
		})
		return
	}

	if req.Status != "" && !domain.JobStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": "unknown job status: " + req.Status,
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid cursor",
			"details": err.Error(),
		})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:    req.Status,
		ProfileID: req.ProfileID,
		PageSize:  req.Limit,
		Cursor:    cursor,
	})
	if err != nil {
		h.respondError(c, "Failed to list jobs", err)
		return
	}

	// the store returns one extra row when another page exists
	hasMore := len(jobs) > req.Limit
	if hasMore {
		jobs = jobs[:req.Limit]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobItems handles GET /api/catalog-enricher/jobs/:job_id/items
func (h *JobHandler) ListJobItems(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	status := domain.ItemStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": "unknown item status: " + string(status),
		})
		return
	}

	items, err := h.jobs.ListItems(c.Request.Context(), jobID, status)
	if err != nil {
		h.respondError(c, "Failed to list job items", err)
		return
	}

	resp := dto.ListItemsResponse{JobID: jobID, Items: make([]dto.JobItemDTO, len(items))}
	for i := range items {
		resp.Items[i] = dto.NewJobItemDTO(&items[i])
	}

	c.JSON(http.StatusOK, resp)
}

// ListResults handles GET /api/catalog-enricher/merger/results
// Returns a job's items, each with the image and attributes of the product it resolved to
func (h *JobHandler) ListResults(c *gin.Context) {
	var req dto.ListResultsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": err.Error(),
		})
		return
	}

	status := domain.ItemStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query parameters",
			"details": "unknown item status: " + req.Status,
		})
		return
	}

	results, err := h.jobs.ListResults(c.Request.Context(), req.JobID, status)
	if err != nil {
		h.respondError(c, "Failed to list merged results", err)
		return
	}

	resp := dto.ListResultsResponse{JobID: req.JobID, Results: make([]dto.ResultDTO, len(results))}
	for i := range results {
		resp.Results[i] = dto.NewResultDTO(&results[i])
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobProducts handles GET /api/catalog-enricher/jobs/:job_id/products
func (h *JobHandler) ListJobProducts(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	products, err := h.jobs.ListProducts(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to list job products", err)
		return
	}

	resp := dto.ListProductsResponse{JobID: jobID, Products: make([]dto.WebProductDTO, len(products))}
	for i := range products {
		resp.Products[i] = dto.NewWebProductDTO(&products[i])
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/catalog-enricher/jobs/:job_id/cancel
// Cancels a queued or running job; a running merge stops before its next SKU
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.jobs.CancelJob(c.Request.Context(), jobID); err != nil {
		h.respondError(c, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"jobId":   jobID,
		"status":  string(domain.JobStatusCancelled),
	})
}

// DeleteJob handles DELETE /api/catalog-enricher/jobs/:job_id
// Only finished jobs can be deleted
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.jobs.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.respondError(c, "Failed to delete job", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return "", false
	}
	return jobID, true
}
