package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

// Executor runs claimed jobs; the orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, jobID, workerID string) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	ClaimableJobs(ctx context.Context, limit int) ([]string, error)
}

// MessageSource delivers job messages from the broker
type MessageSource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Executor Executor
	// Source is optional; without it jobs arrive through Submit and the poller only.
	Source            MessageSource
	QueueName         string
	WorkerID          string
	Concurrency       int
	QueueSize         int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// JobMessage is one job handed to the pool. delivery is nil for jobs that did not come from
// the broker.
type JobMessage struct {
	JobID    string
	delivery *amqp.Delivery
}

// Worker runs enrichment jobs on a fixed pool of goroutines. Jobs come from RabbitMQ, from
// Submit (in-process dispatch) and from a poller that picks up queued jobs and jobs whose
// runner stopped heartbeating.
type Worker struct {
	logger            *slog.Logger
	executor          Executor
	source            MessageSource
	queueName         string
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration

	jobsChan chan *JobMessage

	mu      sync.Mutex
	tracked map[string]struct{}

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Concurrency
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = cfg.Concurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Hour
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	return &Worker{
		logger:            logger.Component(cfg.Logger, "worker"),
		executor:          cfg.Executor,
		source:            cfg.Source,
		queueName:         cfg.QueueName,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		jobsChan:          make(chan *JobMessage, cfg.QueueSize),
		tracked:           make(map[string]struct{}),
		stopChan:          make(chan struct{}),
	}
}

// Start begins processing jobs and blocks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Bool("consumer", w.source != nil),
	)

	w.spawnWorkerPool(ctx)

	if w.source != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			w.Stop()
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startMessageDispatcher(ctx, deliveries)
		}()
	}

	w.wg.Add(1)
	go w.runPoller(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Submit queues a job without blocking. It reports false when the job is already queued or
// running here, or the queue is full; the poller picks such jobs up later.
func (w *Worker) Submit(jobID string) bool {
	return w.enqueue(&JobMessage{JobID: jobID})
}

func (w *Worker) enqueue(msg *JobMessage) bool {
	if !w.track(msg.JobID) {
		return false
	}

	select {
	case <-w.stopChan:
	case w.jobsChan <- msg:
		return true
	default:
	}

	w.untrack(msg.JobID)
	return false
}

// track marks a job as owned by this process until untrack.
func (w *Worker) track(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.tracked[jobID]; ok {
		return false
	}
	w.tracked[jobID] = struct{}{}
	return true
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.tracked, jobID)
	w.mu.Unlock()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
