package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
)

// JobService is the orchestrator surface the handlers use
type JobService interface {
	CreateJob(ctx context.Context, req orchestrator.CreateJobRequest) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	ListItems(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.JobItem, error)
	ListResults(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.ItemResult, error)
	ListProducts(ctx context.Context, jobID string) ([]model.WebProduct, error)
	ListActive(ctx context.Context) ([]orchestrator.JobSummary, error)
	CancelJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
}

// HealthChecker reports whether the database is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobService
	Health      HealthChecker
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// respondError maps the error taxonomy onto status codes. Unknown errors are logged and
// reported without their text.
func (h *JobHandler) respondError(c *gin.Context, message string, err error) {
	var (
		validationErr *domain.ValidationError
		capacityErr   *domain.CapacityError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   message,
			"details": validationErr.Error(),
			"field":   validationErr.Field,
		})
	case errors.As(err, &capacityErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   message,
			"details": capacityErr.Error(),
		})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   message,
			"details": err.Error(),
		})
	case errors.Is(err, domain.ErrJobNotActive), errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   message,
			"details": err.Error(),
		})
	default:
		h.logger.Error(message, slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": message,
		})
	}
}
