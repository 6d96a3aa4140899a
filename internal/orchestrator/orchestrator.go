package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/merger"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/pricelist"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

// Store is the job store as seen by the orchestrator
type Store interface {
	CreateJob(ctx context.Context, job *model.Job, items []model.JobItem, maxActive int) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
	ListItems(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.JobItem, error)
	ListResults(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.ItemResult, error)
	ListWebProducts(ctx context.Context, jobID string) ([]model.WebProduct, error)

	ClaimJob(ctx context.Context, jobID, workerID string, staleBefore time.Time) (*model.Job, error)
	UpdateHeartbeat(ctx context.Context, jobID, workerID string) error
	ListClaimableJobIDs(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, reason string) error
	CancelJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error

	GetBrandProfile(ctx context.Context, id string) (*model.BrandProfile, error)
	GetPricelist(ctx context.Context, id string) (*model.Pricelist, error)
}

// Merger runs the crawl-and-merge loop of one job
type Merger interface {
	Run(ctx context.Context, jobID string, site crawler.Site) (merger.Result, error)
}

// PricelistReader turns a price list's data file into SKU rows
type PricelistReader interface {
	ReadSKUs(dataPath, column string, opts pricelist.Options) ([]pricelist.Row, error)
}

// Dispatcher hands an accepted job to a runner
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Config holds orchestration settings
type Config struct {
	MaxActiveJobs   int
	StaleAfter      time.Duration
	FinalizeTimeout time.Duration
}

// CreateJobRequest is a targeted-enrichment request
type CreateJobRequest struct {
	PricelistID string `json:"pricelistId" validate:"required,max=128"`
	SKUColumn   string `json:"skuColumn" validate:"required,max=128"`
	ProfileID   string `json:"profileId" validate:"required,max=128"`
	Sheet       string `json:"sheet" validate:"max=128"`
	StartRow    int    `json:"startRow" validate:"gte=0"`
	EndRow      int    `json:"endRow" validate:"omitempty,gtefield=StartRow"`
}

// Orchestrator owns the job lifecycle: admission, execution and the state machine around it.
type Orchestrator struct {
	store      Store
	merger     Merger
	reader     PricelistReader
	dispatcher Dispatcher
	validate   *validator.Validate
	cfg        Config
	logger     *slog.Logger

	newID func() string
	now   func() time.Time
}

// New creates an Orchestrator. The dispatcher may be set later with SetDispatcher; until then
// accepted jobs wait in queued for a poller.
func New(store Store, m Merger, reader PricelistReader, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}

	return &Orchestrator{
		store:    store,
		merger:   m,
		reader:   reader,
		validate: newValidator(),
		cfg:      cfg,
		logger:   logger.Component(log, "orchestrator"),
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires the runner hand-off. The local runner needs the orchestrator to exist
// first, hence the setter.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// CreateJob validates the request, expands the price list into items and stores the job in one
// transaction before returning. It never waits for crawling.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*model.Job, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}

	profile, err := o.store.GetBrandProfile(ctx, req.ProfileID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return nil, domain.NewValidationError("profileId", "brand profile "+req.ProfileID+" does not exist")
		}
		return nil, err
	}
	if err := crawler.SiteFromProfile(profile).Validate(); err != nil {
		return nil, domain.NewValidationError("profileId", err.Error())
	}

	pl, err := o.store.GetPricelist(ctx, req.PricelistID)
	if err != nil {
		if errors.Is(err, domain.ErrPricelistNotFound) {
			return nil, domain.NewValidationError("pricelistId", "price list "+req.PricelistID+" does not exist")
		}
		return nil, err
	}
	if pl.BrandProfileID.Valid && pl.BrandProfileID.String != profile.ID {
		return nil, domain.NewValidationError("profileId", "price list belongs to another brand profile")
	}

	rows, err := o.reader.ReadSKUs(pl.DataPath, req.SKUColumn, pricelist.Options{
		Sheet:    req.Sheet,
		StartRow: req.StartRow,
		EndRow:   req.EndRow,
	})
	if err != nil {
		return nil, pricelistError(err)
	}

	params, err := json.Marshal(domain.JobParams{
		PricelistID: req.PricelistID,
		SKUColumn:   req.SKUColumn,
		ProfileID:   req.ProfileID,
		Sheet:       req.Sheet,
		StartRow:    req.StartRow,
		EndRow:      req.EndRow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}

	job := &model.Job{
		ID:          o.newID(),
		Type:        domain.JobTypeTargetedEnrichment,
		Status:      domain.JobStatusQueued,
		ProfileID:   profile.ID,
		PricelistID: pl.ID,
		ParamsJSON:  string(params),
	}

	items := make([]model.JobItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, model.JobItem{
			ID:        o.newID(),
			RowIndex:  row.Index,
			SKU:       row.SKU,
			SearchKey: crawler.SearchKey(row.SKU),
		})
	}

	if err := o.store.CreateJob(ctx, job, items, o.cfg.MaxActiveJobs); err != nil {
		return nil, err
	}

	o.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("profile_id", job.ProfileID),
		slog.String("pricelist_id", job.PricelistID),
		slog.Int("items", len(items)),
	)

	if o.dispatcher != nil {
		if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
			// the job is durable; the poller will claim it
			o.logger.Warn("Failed to dispatch job, leaving it queued",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	return job, nil
}

// Execute claims a job for workerID and runs it to a final state. A nil return means the job
// reached completed, or someone else moved it out of running. When ctx ends first the job is
// left running so a later claim can resume its pending items, unless the context was cancelled
// with domain.ErrJobTimeout as its cause, which fails the job.
func (o *Orchestrator) Execute(ctx context.Context, jobID, workerID string) error {
	job, err := o.store.ClaimJob(ctx, jobID, workerID, o.now().Add(-o.cfg.StaleAfter))
	if err != nil {
		return err
	}

	logger := o.logger.With(slog.String("job_id", jobID), slog.String("worker_id", workerID))
	logger.Info("Executing job",
		slog.Int("total", job.Total),
		slog.Int("processed", job.Processed),
	)

	profile, err := o.store.GetBrandProfile(ctx, job.ProfileID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fail(ctx, jobID, fmt.Errorf("failed to load brand profile %s: %w", job.ProfileID, err))
	}

	// the profile may have been edited since the job was accepted
	site := crawler.SiteFromProfile(profile)
	if err := site.Validate(); err != nil {
		return o.fail(ctx, jobID, fmt.Errorf("brand profile %s: %w", job.ProfileID, err))
	}

	result, err := o.merger.Run(ctx, jobID, site)
	switch {
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		if errors.Is(cause, domain.ErrJobTimeout) {
			return o.fail(ctx, jobID, cause)
		}
		if errors.Is(cause, domain.ErrJobNotActive) {
			logger.Info("Job is no longer owned by this runner")
			return nil
		}
		logger.Warn("Job interrupted, leaving it for the next claim")
		return ctx.Err()
	case err != nil:
		return o.fail(ctx, jobID, err)
	case result.Stopped:
		logger.Info("Job stopped before completion")
		return nil
	}

	err = o.store.CompleteJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotActive) {
		current, getErr := o.store.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if current.Status != domain.JobStatusRunning {
			logger.Info("Job finished elsewhere", slog.String("status", string(current.Status)))
			return nil
		}
		return o.fail(ctx, jobID, fmt.Errorf("%d of %d items still pending after merge",
			current.Total-current.Processed, current.Total))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fail(ctx, jobID, err)
	}

	logger.Info("Job completed",
		slog.Int("matched", result.Counters.Matched),
		slog.Int("unresolved", result.Counters.Unresolved),
		slog.Int("failed", result.Counters.Failed),
	)
	return nil
}

// fail records cause on the job. The write uses its own deadline so a run context that is
// already cancelled cannot drop it.
func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	o.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.Any("error", cause),
	)

	if err := o.store.FailJob(fctx, jobID, cause.Error()); err != nil && !errors.Is(err, domain.ErrJobNotActive) {
		o.logger.Error("Failed to mark job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return errors.Join(cause, err)
	}
	return cause
}

// Heartbeat refreshes the owner's lease. domain.ErrJobNotActive tells the owner to stop.
func (o *Orchestrator) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return o.store.UpdateHeartbeat(ctx, jobID, workerID)
}

// ClaimableJobs lists queued jobs and running jobs whose owner stopped heartbeating.
func (o *Orchestrator) ClaimableJobs(ctx context.Context, limit int) ([]string, error) {
	return o.store.ListClaimableJobIDs(ctx, o.now().Add(-o.cfg.StaleAfter), limit)
}

// CancelJob stops a queued or running job. A running merge notices before its next item.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	if err := o.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	o.logger.Info("Job cancelled", slog.String("job_id", jobID))
	return nil
}

// DeleteJob removes a finished job and everything it produced.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	if err := o.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.logger.Info("Job deleted", slog.String("job_id", jobID))
	return nil
}

func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

func (o *Orchestrator) ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// ListItems returns a job's items, optionally only those in status.
func (o *Orchestrator) ListItems(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.JobItem, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListItems(ctx, jobID, status)
}

// ListResults returns a job's items merged with the image and attributes found for them.
func (o *Orchestrator) ListResults(ctx context.Context, jobID string, status domain.ItemStatus) ([]model.ItemResult, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListResults(ctx, jobID, status)
}

// ListProducts returns the distinct vendor products a job scraped.
func (o *Orchestrator) ListProducts(ctx context.Context, jobID string) ([]model.WebProduct, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListWebProducts(ctx, jobID)
}

func pricelistError(err error) error {
	switch {
	case errors.Is(err, pricelist.ErrColumnNotFound):
		return domain.NewValidationError("skuColumn", err.Error())
	case errors.Is(err, pricelist.ErrSheetNotFound):
		return domain.NewValidationError("sheet", err.Error())
	case errors.Is(err, pricelist.ErrInvalidRange):
		return domain.NewValidationError("startRow", err.Error())
	case errors.Is(err, pricelist.ErrUnsupportedFormat):
		return domain.NewValidationError("pricelistId", err.Error())
	default:
		return fmt.Errorf("failed to read price list: %w", err)
	}
}
