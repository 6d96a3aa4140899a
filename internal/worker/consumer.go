package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

// setupConsumer sets QoS and starts consuming the job queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.source.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches jobs to worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			w.dispatchDelivery(ctx, delivery)
		}
	}
}

func (w *Worker) dispatchDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := parseJobMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Dropping malformed job message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	// already queued or running in this process
	if !w.track(msg.JobID) {
		w.logger.Debug("Duplicate job message",
			slog.String("job_id", msg.JobID),
		)
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK duplicate message",
				slog.Any("error", ackErr),
			)
		}
		return
	}

	select {
	case w.jobsChan <- &JobMessage{JobID: msg.JobID, delivery: &delivery}:
		w.logger.Debug("Job dispatched to worker pool",
			slog.String("job_id", msg.JobID),
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
		)
	case <-ctx.Done():
		w.untrack(msg.JobID)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message on shutdown",
				slog.Any("error", nackErr),
			)
		}
	case <-w.stopChan:
		w.untrack(msg.JobID)
		_ = delivery.Nack(false, true)
	}
}

func parseJobMessage(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	msg.JobID = strings.TrimSpace(msg.JobID)
	if msg.JobID == "" {
		return msg, fmt.Errorf("%w: job_id is required", domain.ErrInvalidMessage)
	}
	return msg, nil
}
