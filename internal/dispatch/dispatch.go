package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// ErrQueueFull is returned when the in-process runner cannot take another job right now
var ErrQueueFull = errors.New("job queue is full")

// Submitter accepts jobs for in-process execution
type Submitter interface {
	Submit(jobID string) bool
}

// Local hands jobs to a runner in the same process.
type Local struct {
	submitter Submitter
	logger    *slog.Logger
}

// NewLocal creates a dispatcher backed by an in-process runner
func NewLocal(submitter Submitter, logger *slog.Logger) *Local {
	return &Local{submitter: submitter, logger: logger}
}

func (d *Local) Dispatch(_ context.Context, jobID string) error {
	if !d.submitter.Submit(jobID) {
		return fmt.Errorf("%w: job %s left for the poller", ErrQueueFull, jobID)
	}
	d.logger.Debug("Job submitted to local runner", slog.String("job_id", jobID))
	return nil
}

// Publisher sends JSON messages to the job exchange
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// RabbitMQ publishes a job message for the worker service.
type RabbitMQ struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitMQ creates a dispatcher publishing to RabbitMQ
func NewRabbitMQ(publisher Publisher, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{publisher: publisher, logger: logger}
}

func (d *RabbitMQ) Dispatch(ctx context.Context, jobID string) error {
	if err := d.publisher.PublishJSON(ctx, domain.JobMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	d.logger.Info("Job published", slog.String("job_id", jobID))
	return nil
}
