package merger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

// Store is the part of the job store the merger reads and writes.
type Store interface {
	GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
	ListPendingItems(ctx context.Context, jobID string) ([]model.JobItem, error)
	RecordOutcome(ctx context.Context, jobID string, outcome domain.ItemOutcome) (domain.Counters, error)
}

// Resolver finds the product page and image for one search key.
type Resolver interface {
	Resolve(ctx context.Context, site crawler.Site, searchKey string) (*domain.Resolution, error)
}

// Config controls fan-out and retries
type Config struct {
	Concurrency     int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Result summarises a merge run.
type Result struct {
	Counters domain.Counters
	Groups   int
	// Stopped is set when the job left the running state (cancelled, failed or deleted) mid-run.
	Stopped bool
}

// Merger crawls every pending item of a job and records the outcomes.
//
// Items sharing a search key are crawled once. Crawls run on a bounded pool of workers while a
// single aggregator applies outcomes to the store, so counters are never written concurrently
// for the same job.
type Merger struct {
	store    Store
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

var errJobStopped = errors.New("job is no longer running")

// New creates a Merger
func New(store Store, resolver Resolver, cfg Config, log *slog.Logger) *Merger {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	return &Merger{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.Component(log, "merger"),
		sleep:    sleepContext,
	}
}

// group is one search key and the items that share it.
type group struct {
	key     string
	itemIDs []string
}

// Run merges the pending items of a running job. It returns a *domain.StoreError when an
// outcome could not be persisted, an error wrapping domain.ErrInvalidProfile when site cannot
// be searched, and ctx.Err() when ctx ends first. In every case items that were not recorded
// stay pending.
func (m *Merger) Run(ctx context.Context, jobID string, site crawler.Site) (Result, error) {
	items, err := m.store.ListPendingItems(ctx, jobID)
	if err != nil {
		return Result{}, asStoreError("list pending items", err)
	}

	groups := groupItems(items)
	result := Result{Groups: len(groups)}

	m.logger.Info("Merging job",
		slog.String("job_id", jobID),
		slog.Int("pending_items", len(items)),
		slog.Int("search_keys", len(groups)),
		slog.Int("concurrency", m.cfg.Concurrency),
	)

	if len(groups) == 0 {
		return result, nil
	}

	// gctx ends when the job stops or a worker fails; it gates new work only. Fetches already
	// in flight run on ctx and finish or time out on their own.
	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan group)
	outcomes := make(chan domain.ItemOutcome)

	g.Go(func() error {
		defer close(tasks)
		for _, grp := range groups {
			select {
			case tasks <- grp:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for i := 0; i < m.cfg.Concurrency; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for grp := range tasks {
				// the status is read right before each item so a cancel stops the next crawl
				if err := m.checkRunning(gctx, jobID); err != nil || gctx.Err() != nil {
					return err
				}

				outcome, ok, err := m.resolve(ctx, gctx, jobID, site, grp)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				select {
				case outcomes <- outcome:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		workers.Wait()
		close(outcomes)
	}()

	// aggregator: the only writer of this job's counters
	g.Go(func() error {
		for outcome := range outcomes {
			counters, err := m.store.RecordOutcome(gctx, jobID, outcome)
			if err != nil {
				if errors.Is(err, domain.ErrJobNotActive) {
					return errJobStopped
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return asStoreError("record outcome", err)
			}
			result.Counters = counters

			m.logger.Debug("Outcome recorded",
				slog.String("job_id", jobID),
				slog.String("search_key", outcome.SearchKey),
				slog.String("status", string(outcome.Status)),
				slog.Int("items", len(outcome.ItemIDs)),
				slog.Int("attempts", outcome.Attempts),
				slog.Float64("progress", counters.Progress()),
			)
		}
		return nil
	})

	err = g.Wait()

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(err, errJobStopped):
		m.logger.Info("Job left running state, merge stopped",
			slog.String("job_id", jobID),
		)
		result.Stopped = true
		return result, nil
	case err != nil:
		return result, err
	}

	m.logger.Info("Merge finished",
		slog.String("job_id", jobID),
		slog.Int("processed", result.Counters.Processed),
		slog.Int("matched", result.Counters.Matched),
		slog.Int("unresolved", result.Counters.Unresolved),
		slog.Int("failed", result.Counters.Failed),
	)
	return result, nil
}

// checkRunning returns errJobStopped once the job left running or was deleted. It returns nil
// when ctx already ended, leaving the reason to whoever ended it.
func (m *Merger) checkRunning(ctx context.Context, jobID string) error {
	if ctx.Err() != nil {
		return nil
	}

	status, err := m.store.GetJobStatus(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return errJobStopped
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		return asStoreError("read job status", err)
	case status != domain.JobStatusRunning:
		return errJobStopped
	}
	return nil
}

// resolve crawls one search key. Only fetch failures are retried; a key the vendor does not
// know is final on the first answer. Fetches run on ctx while retry waits end with stop. ok is
// false when either ended, in which case nothing should be recorded. A profile that cannot be
// searched is returned as err since it would fail every other key as well.
func (m *Merger) resolve(ctx, stop context.Context, jobID string, site crawler.Site, grp group) (domain.ItemOutcome, bool, error) {
	outcome := domain.ItemOutcome{ItemIDs: grp.itemIDs, SearchKey: grp.key}

	if grp.key == "" {
		outcome.Status = domain.ItemStatusUnresolved
		return outcome, true, nil
	}

	for attempt := 0; ; attempt++ {
		outcome.Attempts = attempt + 1

		res, err := m.resolver.Resolve(ctx, site, grp.key)
		if ctx.Err() != nil {
			return outcome, false, nil
		}

		switch {
		case err == nil && res != nil:
			outcome.Status = domain.ItemStatusResolved
			outcome.Resolution = res
			return outcome, true, nil
		case err == nil, errors.Is(err, domain.ErrProductNotFound):
			outcome.Status = domain.ItemStatusUnresolved
			return outcome, true, nil
		case errors.Is(err, domain.ErrInvalidProfile):
			return outcome, false, fmt.Errorf("search key %s: %w", grp.key, err)
		}

		var fetchErr *domain.FetchError
		if !errors.As(err, &fetchErr) || attempt >= m.cfg.MaxRetries {
			m.logger.Warn("Search key failed",
				slog.String("job_id", jobID),
				slog.String("search_key", grp.key),
				slog.Int("attempts", outcome.Attempts),
				slog.String("error", err.Error()),
			)
			outcome.Status = domain.ItemStatusError
			outcome.Error = err.Error()
			return outcome, true, nil
		}

		wait := m.backoff(attempt)
		m.logger.Debug("Retrying search key",
			slog.String("job_id", jobID),
			slog.String("search_key", grp.key),
			slog.Int("attempt", outcome.Attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if err := m.sleep(stop, wait); err != nil {
			return outcome, false, nil
		}
	}
}

// backoff doubles from RetryBackoff up to MaxRetryBackoff, with jitter in the upper half.
func (m *Merger) backoff(attempt int) time.Duration {
	d := m.cfg.RetryBackoff
	for i := 0; i < attempt && d < m.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > m.cfg.MaxRetryBackoff {
		d = m.cfg.MaxRetryBackoff
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// groupItems collapses items onto their search keys, keeping first-seen order.
func groupItems(items []model.JobItem) []group {
	index := make(map[string]int, len(items))
	var groups []group

	for _, item := range items {
		key := item.SearchKey
		if key == "" {
			key = crawler.SearchKey(item.SKU)
		}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].itemIDs = append(groups[i].itemIDs, item.ID)
	}
	return groups
}

func asStoreError(op string, err error) error {
	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return domain.NewStoreError(op, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
