package merger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
	"github.com/cuongbtq/catalog-enricher/shared/database"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

var testSite = crawler.Site{DomainRoot: "fima.it"}

type fakeResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(ctx context.Context, key string, call int) (*domain.Resolution, error)
}

func newFakeResolver(respond func(ctx context.Context, key string, call int) (*domain.Resolution, error)) *fakeResolver {
	return &fakeResolver{calls: make(map[string]int), respond: respond}
}

func (f *fakeResolver) Resolve(ctx context.Context, _ crawler.Site, key string) (*domain.Resolution, error) {
	f.mu.Lock()
	f.calls[key]++
	call := f.calls[key]
	f.mu.Unlock()

	return f.respond(ctx, key, call)
}

func (f *fakeResolver) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func found(key string) *domain.Resolution {
	return &domain.Resolution{
		URL:        "https://fima.it/product/" + strings.ToLower(key) + "/",
		ImageURL:   "https://fima.it/uploads/" + strings.ToLower(key) + ".jpg",
		Attributes: domain.ProductAttributes{Title: key, ImageStrategy: crawler.StrategyMeta},
	}
}

func alwaysFound(_ context.Context, key string, _ int) (*domain.Resolution, error) {
	return found(key), nil
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "merger.db"),
	}, logger.NewNop().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s := storage.NewStorage(client.GetDB(), logger.NewNop().Logger)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createRunningJob(t *testing.T, s *storage.Storage, skus ...string) *model.Job {
	t.Helper()
	ctx := context.Background()

	job := &model.Job{
		ID:          uuid.NewString(),
		Type:        domain.JobTypeTargetedEnrichment,
		Status:      domain.JobStatusQueued,
		ProfileID:   "fima",
		PricelistID: "listino-2025",
		ParamsJSON:  `{}`,
	}
	items := make([]model.JobItem, len(skus))
	for i, sku := range skus {
		items[i] = model.JobItem{
			ID:        uuid.NewString(),
			RowIndex:  i + 1,
			SKU:       sku,
			SearchKey: crawler.SearchKey(sku),
		}
	}
	require.NoError(t, s.CreateJob(ctx, job, items, 0))

	_, err := s.ClaimJob(ctx, job.ID, "worker-1", time.Time{})
	require.NoError(t, err)
	return job
}

func newTestMerger(store Store, resolver Resolver, cfg Config) *Merger {
	m := New(store, resolver, cfg, logger.NewNop().Logger)
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return m
}

func itemStatuses(t *testing.T, s *storage.Storage, jobID string) map[string]domain.ItemStatus {
	t.Helper()

	items, err := s.ListItems(context.Background(), jobID, "")
	require.NoError(t, err)

	statuses := make(map[string]domain.ItemStatus, len(items))
	for _, item := range items {
		statuses[item.SKU] = item.Status
	}
	return statuses
}

func TestMerger_Run(t *testing.T) {
	tests := []struct {
		name         string
		skus         []string
		respond      func(ctx context.Context, key string, call int) (*domain.Resolution, error)
		want         domain.Counters
		wantStatuses map[string]domain.ItemStatus
		wantProducts int
	}{
		{
			name:    "every item resolves",
			skus:    []string{"F3051LXCR", "F3052", "F3053"},
			respond: alwaysFound,
			want:    domain.Counters{Total: 3, Processed: 3, Matched: 3},
			wantStatuses: map[string]domain.ItemStatus{
				"F3051LXCR": domain.ItemStatusResolved,
				"F3052":     domain.ItemStatusResolved,
				"F3053":     domain.ItemStatusResolved,
			},
			wantProducts: 3,
		},
		{
			name: "one item unknown to the vendor",
			skus: []string{"F3051LXCR", "GHOST", "F3053"},
			respond: func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
				if key == "GHOST" {
					return nil, domain.ErrProductNotFound
				}
				return found(key), nil
			},
			want: domain.Counters{Total: 3, Processed: 3, Matched: 2, Unresolved: 1},
			wantStatuses: map[string]domain.ItemStatus{
				"F3051LXCR": domain.ItemStatusResolved,
				"GHOST":     domain.ItemStatusUnresolved,
				"F3053":     domain.ItemStatusResolved,
			},
			wantProducts: 2,
		},
		{
			name: "vendor keeps failing",
			skus: []string{"F3051LXCR", "DOWN"},
			respond: func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
				if key == "DOWN" {
					return nil, &domain.FetchError{URL: "https://fima.it/?s=DOWN", StatusCode: 503}
				}
				return found(key), nil
			},
			want: domain.Counters{Total: 2, Processed: 2, Matched: 1, Failed: 1},
			wantStatuses: map[string]domain.ItemStatus{
				"F3051LXCR": domain.ItemStatusResolved,
				"DOWN":      domain.ItemStatusError,
			},
			wantProducts: 1,
		},
		{
			name:    "sku without a search key",
			skus:    []string{"./", "F3053"},
			respond: alwaysFound,
			want:    domain.Counters{Total: 2, Processed: 2, Matched: 1, Unresolved: 1},
			wantStatuses: map[string]domain.ItemStatus{
				"./":    domain.ItemStatusUnresolved,
				"F3053": domain.ItemStatusResolved,
			},
			wantProducts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			job := createRunningJob(t, s, tt.skus...)
			m := newTestMerger(s, newFakeResolver(tt.respond), Config{Concurrency: 3, MaxRetries: 1})

			result, err := m.Run(context.Background(), job.ID, testSite)
			require.NoError(t, err)
			assert.False(t, result.Stopped)

			tt.want.SchemaVersion = domain.CountersSchemaVersion
			assert.Equal(t, tt.want, result.Counters)
			assert.Equal(t, tt.wantStatuses, itemStatuses(t, s, job.ID))

			stored, err := s.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Counters())
			assert.Equal(t, 1.0, stored.Progress)

			products, err := s.ListWebProducts(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Len(t, products, tt.wantProducts)
		})
	}
}

func TestMerger_Run_DeduplicatesSearchKeys(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "F30.51", "F3051", "f30/51", "F3053")
	resolver := newFakeResolver(alwaysFound)
	m := newTestMerger(s, resolver, Config{Concurrency: 4})

	result, err := m.Run(context.Background(), job.ID, testSite)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Groups)
	assert.Equal(t, 1, resolver.callsFor("F3051"))
	assert.Equal(t, 1, resolver.callsFor("F3053"))
	assert.Equal(t, 4, result.Counters.Matched)

	items, err := s.ListItems(context.Background(), job.ID, domain.ItemStatusResolved)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for _, item := range items[:3] {
		assert.Equal(t, "https://fima.it/product/f3051/", item.ProductURL.String)
	}

	products, err := s.ListWebProducts(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestMerger_Run_Retries(t *testing.T) {
	flaky := func(failures int) func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
		return func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
			if call <= failures {
				return nil, &domain.FetchError{URL: "https://fima.it/?s=" + key, Err: errors.New("connection reset")}
			}
			return found(key), nil
		}
	}

	tests := []struct {
		name         string
		respond      func(ctx context.Context, key string, call int) (*domain.Resolution, error)
		maxRetries   int
		wantCalls    int
		wantStatus   domain.ItemStatus
		wantAttempts int
	}{
		{
			name:         "recovers within the retry budget",
			respond:      flaky(2),
			maxRetries:   2,
			wantCalls:    3,
			wantStatus:   domain.ItemStatusResolved,
			wantAttempts: 3,
		},
		{
			name:         "gives up after the retry budget",
			respond:      flaky(5),
			maxRetries:   1,
			wantCalls:    2,
			wantStatus:   domain.ItemStatusError,
			wantAttempts: 2,
		},
		{
			name:         "no retries configured",
			respond:      flaky(1),
			maxRetries:   0,
			wantCalls:    1,
			wantStatus:   domain.ItemStatusError,
			wantAttempts: 1,
		},
		{
			name: "not found is never retried",
			respond: func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
				return nil, domain.ErrProductNotFound
			},
			maxRetries:   3,
			wantCalls:    1,
			wantStatus:   domain.ItemStatusUnresolved,
			wantAttempts: 1,
		},
		{
			name: "unexpected errors are not retried",
			respond: func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
				return nil, errors.New("unexpected markup")
			},
			maxRetries:   3,
			wantCalls:    1,
			wantStatus:   domain.ItemStatusError,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			job := createRunningJob(t, s, "F3051LXCR")
			resolver := newFakeResolver(tt.respond)
			m := newTestMerger(s, resolver, Config{Concurrency: 1, MaxRetries: tt.maxRetries})

			_, err := m.Run(context.Background(), job.ID, testSite)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, resolver.callsFor("F3051LXCR"))

			items, err := s.ListItems(context.Background(), job.ID, "")
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, tt.wantStatus, items[0].Status)
			assert.Equal(t, tt.wantAttempts, items[0].Attempts)
			assert.Equal(t, tt.wantStatus == domain.ItemStatusError, items[0].ErrorText.Valid)
		})
	}
}

func TestMerger_Run_StopsWhenJobCancelled(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "A1", "B2", "C3", "D4")

	resolver := newFakeResolver(func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
		if key == "A1" {
			assert.NoError(t, s.CancelJob(ctx, job.ID))
		}
		return found(key), nil
	})
	m := newTestMerger(s, resolver, Config{Concurrency: 1})

	result, err := m.Run(context.Background(), job.ID, testSite)
	require.NoError(t, err)
	assert.True(t, result.Stopped)

	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)
	assert.Equal(t, 0, stored.Processed)

	pending, err := s.ListPendingItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	assert.Equal(t, 1, resolver.callsFor("A1"))
	assert.Zero(t, resolver.callsFor("B2"))
	assert.Zero(t, resolver.callsFor("C3"))
	assert.Zero(t, resolver.callsFor("D4"))
}

// stopSignalStore closes stopped the first time an outcome is refused because the job left
// running.
type stopSignalStore struct {
	*storage.Storage
	once    sync.Once
	stopped chan struct{}
}

func (s *stopSignalStore) RecordOutcome(ctx context.Context, jobID string, outcome domain.ItemOutcome) (domain.Counters, error) {
	counters, err := s.Storage.RecordOutcome(ctx, jobID, outcome)
	if errors.Is(err, domain.ErrJobNotActive) {
		s.once.Do(func() { close(s.stopped) })
	}
	return counters, err
}

func TestMerger_Run_InFlightFetchOutlivesStop(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "A1", "B2")
	store := &stopSignalStore{Storage: s, stopped: make(chan struct{})}

	b2Started := make(chan struct{})
	var (
		mu          sync.Mutex
		interrupted bool
	)

	resolver := newFakeResolver(func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
		switch key {
		case "A1":
			<-b2Started
			assert.NoError(t, s.CancelJob(context.Background(), job.ID))
		case "B2":
			close(b2Started)
			<-store.stopped
			select {
			case <-ctx.Done():
				mu.Lock()
				interrupted = true
				mu.Unlock()
			case <-time.After(50 * time.Millisecond):
			}
		}
		return found(key), nil
	})
	m := newTestMerger(store, resolver, Config{Concurrency: 2})

	result, err := m.Run(context.Background(), job.ID, testSite)
	require.NoError(t, err)
	assert.True(t, result.Stopped)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, interrupted, "fetch in flight was aborted when the job stopped")

	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)
	assert.Equal(t, 0, stored.Processed)
}

func TestMerger_Run_InvalidProfileIsFatal(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "A1", "B2", "C3")

	// the real crawler rejects the profile before any request is made
	c := crawler.New(crawler.Config{}, nil, logger.NewNop().Logger)
	m := newTestMerger(s, c, Config{Concurrency: 1, MaxRetries: 3})

	result, err := m.Run(context.Background(), job.ID, crawler.Site{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidProfile)
	assert.False(t, result.Stopped)

	// nothing was recorded as an item failure
	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Processed)
	assert.Equal(t, 0, stored.Failed)

	pending, err := s.ListPendingItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestMerger_Run_ProgressNeverDecreases(t *testing.T) {
	s := newTestStore(t)

	skus := make([]string, 24)
	for i := range skus {
		skus[i] = fmt.Sprintf("SKU%02d", i)
	}
	job := createRunningJob(t, s, skus...)

	type snapshot struct {
		processed int
		total     int
		progress  float64
	}
	var (
		mu        sync.Mutex
		snapshots []snapshot
	)
	// reads are serialised so the slice is in observation order
	observe := func() {
		mu.Lock()
		defer mu.Unlock()
		current, err := s.GetJob(context.Background(), job.ID)
		if !assert.NoError(t, err) {
			return
		}
		snapshots = append(snapshots, snapshot{current.Processed, current.Total, current.Progress})
	}

	resolver := newFakeResolver(func(ctx context.Context, key string, call int) (*domain.Resolution, error) {
		observe()
		if strings.HasSuffix(key, "3") {
			return nil, domain.ErrProductNotFound
		}
		return found(key), nil
	})
	m := newTestMerger(s, resolver, Config{Concurrency: 4})

	result, err := m.Run(context.Background(), job.ID, testSite)
	require.NoError(t, err)
	observe()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, len(skus)+1)

	last := -1.0
	for i, snap := range snapshots {
		assert.Equal(t, len(skus), snap.total)
		assert.InDelta(t, float64(snap.processed)/float64(snap.total), snap.progress, 1e-9, "snapshot %d", i)
		assert.GreaterOrEqual(t, snap.progress, last, "progress went backwards at snapshot %d", i)
		last = snap.progress
	}
	assert.Equal(t, len(skus), snapshots[len(snapshots)-1].processed)
	assert.Equal(t, len(skus), result.Counters.Processed)
}

func TestMerger_Run_Shutdown(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "A1", "B2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := newFakeResolver(func(rctx context.Context, key string, call int) (*domain.Resolution, error) {
		cancel()
		<-rctx.Done()
		return nil, &domain.FetchError{URL: key, Err: rctx.Err()}
	})
	m := newTestMerger(s, resolver, Config{Concurrency: 2, MaxRetries: 3})

	_, err := m.Run(ctx, job.ID, testSite)
	assert.ErrorIs(t, err, context.Canceled)

	// interrupted items are left for the next owner
	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
	assert.Equal(t, 0, stored.Processed)
}

// failingStore loses its database after a number of successful writes.
type failingStore struct {
	*storage.Storage
	mu      sync.Mutex
	allowed int
}

func (f *failingStore) RecordOutcome(ctx context.Context, jobID string, outcome domain.ItemOutcome) (domain.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.allowed == 0 {
		return domain.Counters{}, domain.NewStoreError("update job counters", errors.New("disk I/O error"))
	}
	f.allowed--
	return f.Storage.RecordOutcome(ctx, jobID, outcome)
}

func TestMerger_Run_StoreFailure(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s, "A1", "B2", "C3")
	store := &failingStore{Storage: s, allowed: 1}
	m := newTestMerger(store, newFakeResolver(alwaysFound), Config{Concurrency: 1})

	result, err := m.Run(context.Background(), job.ID, testSite)

	var storeErr *domain.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, result.Stopped)

	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Processed)
}

func TestMerger_Run_NothingPending(t *testing.T) {
	s := newTestStore(t)
	job := createRunningJob(t, s)
	resolver := newFakeResolver(alwaysFound)

	result, err := newTestMerger(s, resolver, Config{}).Run(context.Background(), job.ID, testSite)
	require.NoError(t, err)
	assert.Zero(t, result.Groups)
}

func TestGroupItems(t *testing.T) {
	items := []model.JobItem{
		{ID: "1", SKU: "F30.51", SearchKey: "F3051"},
		{ID: "2", SKU: "X9"},
		{ID: "3", SKU: "f3051", SearchKey: "F3051"},
		{ID: "4", SKU: "x.9"},
	}

	groups := groupItems(items)

	require.Len(t, groups, 2)
	assert.Equal(t, group{key: "F3051", itemIDs: []string{"1", "3"}}, groups[0])
	assert.Equal(t, group{key: "X9", itemIDs: []string{"2", "4"}}, groups[1])
}

func TestMerger_Backoff(t *testing.T) {
	m := New(nil, nil, Config{RetryBackoff: 100 * time.Millisecond, MaxRetryBackoff: time.Second}, logger.NewNop().Logger)

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{attempt: 0, ceiling: 100 * time.Millisecond},
		{attempt: 1, ceiling: 200 * time.Millisecond},
		{attempt: 3, ceiling: 800 * time.Millisecond},
		{attempt: 10, ceiling: time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := m.backoff(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.ceiling/2)
			assert.LessOrEqual(t, d, tt.ceiling)
		}
	}
}
