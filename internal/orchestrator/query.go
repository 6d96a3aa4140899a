package orchestrator

import (
	"context"
	"time"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

// JobSummary is what pollers see of an in-flight job.
type JobSummary struct {
	ID          string
	Status      domain.JobStatus
	Progress    float64
	Counters    domain.Counters
	ProfileID   string
	PricelistID string
	WorkerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summarize projects a stored job.
func Summarize(job *model.Job) JobSummary {
	return JobSummary{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Counters:    job.Counters(),
		ProfileID:   job.ProfileID,
		PricelistID: job.PricelistID,
		WorkerID:    job.WorkerID.String,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// ListActive returns queued and running jobs, newest first. It reads the primary store
// directly, so a job is listed as soon as CreateJob has returned.
func (o *Orchestrator) ListActive(ctx context.Context) ([]JobSummary, error) {
	jobs, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, Summarize(&jobs[i]))
	}
	return summaries, nil
}
