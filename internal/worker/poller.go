package worker

import (
	"context"
	"log/slog"
	"time"
)

// runPoller claims work the broker did not deliver: jobs whose dispatch failed and running
// jobs whose runner died.
func (w *Worker) runPoller(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.pollOnce(ctx)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	free := cap(w.jobsChan) - len(w.jobsChan)
	if free <= 0 {
		return
	}

	ids, err := w.executor.ClaimableJobs(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to poll claimable jobs",
				slog.Any("error", err),
			)
		}
		return
	}

	queued := 0
	for _, id := range ids {
		if w.enqueue(&JobMessage{JobID: id}) {
			queued++
		}
	}
	if queued > 0 {
		w.logger.Info("Poller queued jobs",
			slog.Int("count", queued),
		)
	}
}
