package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
			)

			err := w.processJob(ctx, msg)
			w.untrack(msg.JobID)
			w.settle(workerName, msg, err)
		}
	}
}

// settle acknowledges a broker message once its job is done with.
func (w *Worker) settle(workerName string, msg *JobMessage, err error) {
	if err != nil {
		w.logger.Warn("Job processing ended with error",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}

	if msg.delivery == nil {
		return
	}

	if err == nil {
		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("job_id", msg.JobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", nackErr),
		)
		return
	}

	w.logger.Info("Message NACKed",
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
	)
}

// shouldRequeueJob determines if a job message should go back to the queue
func shouldRequeueJob(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
