package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// processJob runs one job under the job time limit while keeping its heartbeat fresh
func (w *Worker) processJob(ctx context.Context, msg *JobMessage) error {
	jobCtx, cancelTimeout := context.WithTimeoutCause(ctx, w.jobTimeout, domain.ErrJobTimeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, cancel, msg.JobID, heartbeatDone)
	defer close(heartbeatDone)

	start := time.Now()
	err := w.executor.Execute(jobCtx, msg.JobID, w.workerID)

	switch {
	case err == nil:
		w.logger.Info("Job finished",
			slog.String("job_id", msg.JobID),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil

	case errors.Is(err, domain.ErrJobNotClaimable), errors.Is(err, domain.ErrJobNotFound):
		// another runner owns it, or it already ended
		w.logger.Info("Job not claimable, skipping",
			slog.String("job_id", msg.JobID),
			slog.Any("reason", err),
		)
		return nil

	case ctx.Err() != nil:
		// shutdown: another runner resumes the job from its pending items
		return domain.NewRetryableError(err)

	default:
		// the orchestrator already recorded the failure on the job
		return err
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp. Losing the job (it was
// cancelled or re-claimed) cancels the run.
func (w *Worker) sendJobHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			err := w.executor.Heartbeat(ctx, jobID, w.workerID)
			switch {
			case err == nil:
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			case errors.Is(err, domain.ErrJobNotActive), errors.Is(err, domain.ErrJobNotFound):
				w.logger.Info("Job no longer held by this worker, stopping it",
					slog.String("job_id", jobID),
				)
				cancel(domain.ErrJobNotActive)
				return
			default:
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
