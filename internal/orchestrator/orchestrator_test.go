package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/merger"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/pricelist"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
	"github.com/cuongbtq/catalog-enricher/shared/database"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

const listino = `{"Listino 2025": [
	{"Codice": "F3051LXCR", "Descrizione": "Lampada"},
	{"Codice": "F3052", "Descrizione": "Miscelatore"},
	{"Codice": "GHOST", "Descrizione": "Fuori catalogo"},
	{"Codice": "", "Descrizione": "Riga vuota"}
]}`

type resolverFunc func(ctx context.Context, key string) (*domain.Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, _ crawler.Site, key string) (*domain.Resolution, error) {
	return f(ctx, key)
}

func vendorCatalog(_ context.Context, key string) (*domain.Resolution, error) {
	if key == "GHOST" {
		return nil, domain.ErrProductNotFound
	}
	return &domain.Resolution{
		URL:      "https://fima.it/product/" + strings.ToLower(key) + "/",
		ImageURL: "https://fima.it/uploads/" + strings.ToLower(key) + ".jpg",
	}, nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return d.err
}

type testEnv struct {
	store *storage.Storage
	orch  *Orchestrator
}

type envOptions struct {
	cfg         Config
	resolver    merger.Resolver
	mergerStore merger.Store
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "orchestrator.db"),
	}, logger.NewNop().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := storage.NewStorage(client.GetDB(), logger.NewNop().Logger)
	require.NoError(t, store.Migrate(ctx))

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "listino.json"), []byte(listino), 0o644))

	require.NoError(t, store.CreateBrandProfile(ctx, &model.BrandProfile{ID: "fima", Name: "Fima", DomainRoot: "fima.it"}))
	require.NoError(t, store.CreateBrandProfile(ctx, &model.BrandProfile{ID: "nobili", Name: "Nobili", DomainRoot: "nobili.it"}))
	require.NoError(t, store.CreatePricelist(ctx, &model.Pricelist{
		ID:             "listino-2025",
		BrandProfileID: sql.NullString{String: "fima", Valid: true},
		Filename:       "Listino Fima 2025.xlsx",
		DataPath:       "listino.json",
		RowCount:       4,
	}))

	if opts.resolver == nil {
		opts.resolver = resolverFunc(vendorCatalog)
	}
	mergerStore := opts.mergerStore
	if mergerStore == nil {
		mergerStore = store
	}
	m := merger.New(mergerStore, opts.resolver, merger.Config{Concurrency: 2, RetryBackoff: time.Millisecond}, logger.NewNop().Logger)

	orch := New(store, m, pricelist.NewReader(dataDir), opts.cfg, logger.NewNop().Logger)
	return &testEnv{store: store, orch: orch}
}

func validRequest() CreateJobRequest {
	return CreateJobRequest{PricelistID: "listino-2025", SKUColumn: "codice", ProfileID: "fima"}
}

func TestCreateJob_VisibleInActiveList(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 3, job.Total)

	active, err := env.orch.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, job.ID, active[0].ID)
	assert.True(t, active[0].Status.IsActive())
	assert.Equal(t, 0.0, active[0].Progress)
	assert.Equal(t, 3, active[0].Counters.Total)

	items, err := env.orch.ListItems(ctx, job.ID, "")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "F3051LXCR", items[0].SKU)
	assert.Equal(t, "F3051LXCR", items[0].SearchKey)
	assert.Equal(t, 3, items[2].RowIndex)

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pricelistId":"listino-2025","skuColumn":"codice","profileId":"fima"}`, stored.ParamsJSON)
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *CreateJobRequest)
		wantField string
	}{
		{name: "missing price list", mutate: func(r *CreateJobRequest) { r.PricelistID = "" }, wantField: "pricelistId"},
		{name: "missing sku column", mutate: func(r *CreateJobRequest) { r.SKUColumn = "" }, wantField: "skuColumn"},
		{name: "missing profile", mutate: func(r *CreateJobRequest) { r.ProfileID = "" }, wantField: "profileId"},
		{name: "negative start row", mutate: func(r *CreateJobRequest) { r.StartRow = -1 }, wantField: "startRow"},
		{name: "end before start", mutate: func(r *CreateJobRequest) { r.StartRow, r.EndRow = 3, 2 }, wantField: "endRow"},
		{name: "unknown profile", mutate: func(r *CreateJobRequest) { r.ProfileID = "x-missing" }, wantField: "profileId"},
		{name: "unknown price list", mutate: func(r *CreateJobRequest) { r.PricelistID = "x-missing" }, wantField: "pricelistId"},
		{name: "price list of another brand", mutate: func(r *CreateJobRequest) { r.ProfileID = "nobili" }, wantField: "profileId"},
		{name: "unknown column", mutate: func(r *CreateJobRequest) { r.SKUColumn = "EAN" }, wantField: "skuColumn"},
		{name: "unknown sheet", mutate: func(r *CreateJobRequest) { r.Sheet = "Foglio2" }, wantField: "sheet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			req := validRequest()
			tt.mutate(&req)

			job, err := env.orch.CreateJob(context.Background(), req)

			assert.Nil(t, job)
			var validationErr *domain.ValidationError
			require.True(t, errors.As(err, &validationErr), "unexpected error: %v", err)
			assert.Equal(t, tt.wantField, validationErr.Field)

			// rejected requests leave nothing behind
			active, err := env.orch.ListActive(context.Background())
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestCreateJob_Capacity(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: Config{MaxActiveJobs: 1}})
	ctx := context.Background()

	first, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	_, err = env.orch.CreateJob(ctx, validRequest())
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 1, capErr.Limit)

	require.NoError(t, env.orch.CancelJob(ctx, first.ID))
	_, err = env.orch.CreateJob(ctx, validRequest())
	assert.NoError(t, err)
}

func TestCreateJob_Dispatch(t *testing.T) {
	t.Run("accepted jobs are handed to the runner", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		dispatcher := &recordingDispatcher{}
		env.orch.SetDispatcher(dispatcher)

		job, err := env.orch.CreateJob(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, []string{job.ID}, dispatcher.ids)
	})

	t.Run("dispatch failure keeps the job", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		env.orch.SetDispatcher(&recordingDispatcher{err: errors.New("broker unreachable")})

		job, err := env.orch.CreateJob(context.Background(), validRequest())
		require.NoError(t, err)

		ids, err := env.orch.ClaimableJobs(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{job.ID}, ids)
	})
}

func TestExecute_CompletesJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, env.orch.Execute(ctx, job.ID, "worker-1"))

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1.0, stored.Progress)
	assert.Equal(t, 3, stored.Processed)
	assert.Equal(t, 2, stored.Matched)
	assert.Equal(t, 1, stored.Unresolved)
	assert.True(t, stored.CompletedAt.Valid)

	active, err := env.orch.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	resolved, err := env.orch.ListItems(ctx, job.ID, domain.ItemStatusResolved)
	require.NoError(t, err)
	assert.Len(t, resolved, 2)

	products, err := env.orch.ListProducts(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, products, 2)

	results, err := env.orch.ListResults(ctx, job.ID, "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "https://fima.it/uploads/f3051lxcr.jpg", results[0].ImageURL.String)
	assert.Equal(t, "https://fima.it/uploads/f3052.jpg", results[1].ImageURL.String)
	assert.Equal(t, domain.ItemStatusUnresolved, results[2].Status)
	assert.False(t, results[2].ImageURL.Valid)

	_, err = env.orch.ListResults(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = env.orch.ListProducts(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestExecute_EmptyJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	req := validRequest()
	req.StartRow, req.EndRow = 4, 4
	job, err := env.orch.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Total)

	require.NoError(t, env.orch.Execute(ctx, job.ID, "worker-1"))

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1.0, stored.Progress)
}

// failingStore loses the database after the first recorded outcome.
type failingStore struct {
	*storage.Storage
	mu    sync.Mutex
	calls int
}

func (f *failingStore) RecordOutcome(ctx context.Context, jobID string, outcome domain.ItemOutcome) (domain.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls > 1 {
		return domain.Counters{}, domain.NewStoreError("record outcome: begin", errors.New("connection refused"))
	}
	return f.Storage.RecordOutcome(ctx, jobID, outcome)
}

func TestExecute_StorageUnavailableMidJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	// the merger writes through a store that fails; the orchestrator's own store still works
	faulty := &failingStore{Storage: env.store}
	m := merger.New(faulty, resolverFunc(vendorCatalog), merger.Config{Concurrency: 1}, logger.NewNop().Logger)
	env.orch.merger = m

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	err = env.orch.Execute(ctx, job.ID, "worker-1")
	var storeErr *domain.StoreError
	require.True(t, errors.As(err, &storeErr))

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorText.String, "connection refused")
	assert.Equal(t, 1, stored.Processed)

	active, err := env.orch.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecute_CancelledWhileRunning(t *testing.T) {
	var orch *Orchestrator
	env := newTestEnv(t, envOptions{
		resolver: resolverFunc(func(ctx context.Context, key string) (*domain.Resolution, error) {
			if key == "F3051LXCR" {
				assert.NoError(t, orch.CancelJob(ctx, jobIDFrom(ctx)))
			}
			return vendorCatalog(ctx, key)
		}),
	})
	orch = env.orch
	ctx := context.Background()

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, env.orch.Execute(withJobID(ctx, job.ID), job.ID, "worker-1"))

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)
	assert.False(t, stored.ErrorText.Valid)
}

type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

func TestExecute_ResumesAfterInterruptedRun(t *testing.T) {
	ctx := context.Background()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var interrupt sync.Once
	env := newTestEnv(t, envOptions{
		resolver: resolverFunc(func(rctx context.Context, key string) (*domain.Resolution, error) {
			if key == "F3052" {
				interrupt.Do(stop)
			}
			if rctx.Err() != nil {
				return nil, &domain.FetchError{URL: key, Err: rctx.Err()}
			}
			return vendorCatalog(rctx, key)
		}),
	})

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	err = env.orch.Execute(runCtx, job.ID, "worker-1")
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)

	// the owner is alive, so nobody else may take the job yet
	assert.ErrorIs(t, env.orch.Execute(ctx, job.ID, "worker-2"), domain.ErrJobNotClaimable)

	// once its heartbeat is stale another runner resumes the pending items
	env.orch.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, env.orch.Execute(ctx, job.ID, "worker-2"))

	stored, err = env.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, "worker-2", stored.WorkerID.String)
	assert.Equal(t, 3, stored.Processed)
	assert.Equal(t, 2, stored.Matched)
}

func TestExecute_MissingProfileFailsJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	env.orch.store = &profilelessStore{Storage: env.store}

	err = env.orch.Execute(ctx, job.ID, "worker-1")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	stored, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorText.String, "brand profile")
}

type profilelessStore struct {
	*storage.Storage
}

func (p *profilelessStore) GetBrandProfile(context.Context, string) (*model.BrandProfile, error) {
	return nil, domain.ErrProfileNotFound
}

func TestCreateJob_RejectsUnsearchableProfile(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	require.NoError(t, env.store.CreateBrandProfile(ctx, &model.BrandProfile{ID: "broken", Name: "Broken"}))
	require.NoError(t, env.store.CreatePricelist(ctx, &model.Pricelist{
		ID:             "listino-broken",
		BrandProfileID: sql.NullString{String: "broken", Valid: true},
		DataPath:       "listino.json",
	}))

	job, err := env.orch.CreateJob(ctx, CreateJobRequest{PricelistID: "listino-broken", SKUColumn: "codice", ProfileID: "broken"})
	assert.Nil(t, job)

	var validationErr *domain.ValidationError
	require.True(t, errors.As(err, &validationErr), "unexpected error: %v", err)
	assert.Equal(t, "profileId", validationErr.Field)
	assert.Contains(t, validationErr.Message, "domain root is empty")

	active, err := env.orch.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecute_UnsearchableProfileFailsJob(t *testing.T) {
	tests := []struct {
		name    string
		profile model.BrandProfile
	}{
		{name: "empty domain", profile: model.BrandProfile{ID: "fima"}},
		{name: "non http template", profile: model.BrandProfile{ID: "fima", DomainRoot: "fima.it", SearchURLTemplate: "ftp://{domain}/{query}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// the real crawler stands behind the merger, as in production
			c := crawler.New(crawler.Config{}, nil, logger.NewNop().Logger)
			env := newTestEnv(t, envOptions{resolver: c})
			ctx := context.Background()

			job, err := env.orch.CreateJob(ctx, validRequest())
			require.NoError(t, err)

			// the profile is edited after the job was accepted
			env.orch.store = &fixedProfileStore{Storage: env.store, profile: tt.profile}

			err = env.orch.Execute(ctx, job.ID, "worker-1")
			assert.ErrorIs(t, err, domain.ErrInvalidProfile)

			stored, err := env.store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, stored.Status)
			assert.Contains(t, stored.ErrorText.String, "invalid brand profile")
			assert.Equal(t, 0, stored.Processed)
			assert.Equal(t, 0, stored.Failed)
		})
	}
}

type fixedProfileStore struct {
	*storage.Storage
	profile model.BrandProfile
}

func (f *fixedProfileStore) GetBrandProfile(context.Context, string) (*model.BrandProfile, error) {
	p := f.profile
	return &p, nil
}

func TestJobLifecycle_CancelAndDelete(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	job, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, env.orch.DeleteJob(ctx, job.ID), domain.ErrJobNotTerminal)

	require.NoError(t, env.orch.CancelJob(ctx, job.ID))
	assert.ErrorIs(t, env.orch.CancelJob(ctx, job.ID), domain.ErrJobNotActive)
	assert.ErrorIs(t, env.orch.Execute(ctx, job.ID, "worker-1"), domain.ErrJobNotClaimable)

	require.NoError(t, env.orch.DeleteJob(ctx, job.ID))

	_, err = env.orch.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = env.orch.ListItems(ctx, job.ID, "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, env.orch.CancelJob(ctx, "missing"), domain.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	first, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	second, err := env.orch.CreateJob(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, env.orch.CancelJob(ctx, first.ID))

	queued, err := env.orch.ListJobs(ctx, storage.JobFilter{Status: string(domain.JobStatusQueued), PageSize: 10})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, second.ID, queued[0].ID)

	all, err := env.orch.ListJobs(ctx, storage.JobFilter{ProfileID: "fima", PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExecute_RunContextCause(t *testing.T) {
	tests := []struct {
		name       string
		cause      error
		wantErr    error
		wantStatus domain.JobStatus
	}{
		{name: "time limit fails the job", cause: domain.ErrJobTimeout, wantErr: domain.ErrJobTimeout, wantStatus: domain.JobStatusFailed},
		{name: "lost lease leaves the job to its owner", cause: domain.ErrJobNotActive, wantStatus: domain.JobStatusRunning},
		{name: "shutdown leaves the job running", cause: context.Canceled, wantErr: context.Canceled, wantStatus: domain.JobStatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			runCtx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)

			env := newTestEnv(t, envOptions{
				resolver: resolverFunc(func(rctx context.Context, key string) (*domain.Resolution, error) {
					cancel(tt.cause)
					<-rctx.Done()
					return nil, &domain.FetchError{URL: key, Err: rctx.Err()}
				}),
			})

			job, err := env.orch.CreateJob(ctx, validRequest())
			require.NoError(t, err)

			err = env.orch.Execute(runCtx, job.ID, "worker-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			stored, err := env.orch.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, 0, stored.Processed)
		})
	}
}
