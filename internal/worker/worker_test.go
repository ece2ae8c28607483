package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
	"github.com/sells-group/recherche-engine/internal/provider"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	orders *fakeOrders
	db     *fakeDB
	google *fakeProvider
	dfs    *fakeProvider
	w      *Worker
}

func newFixture(t *testing.T, stats dedup.Stats, os ...*order.Order) *fixture {
	t.Helper()
	orders := newFakeOrders(os...)
	f := &fixture{
		orders: orders,
		db:     newFakeDB(orders, stats),
		google: &fakeProvider{name: model.SourceGooglePlaces, res: &provider.Result{
			Candidates: candidates(model.SourceGooglePlaces, "Adler", "Krone"),
			SpendUSD:   0.064,
			Requests:   2,
		}},
		dfs: &fakeProvider{name: model.SourceDataForSEO, res: &provider.Result{
			Candidates: candidates(model.SourceDataForSEO, "Adler", "Lamm", "Sonne"),
			SpendUSD:   0.00612345,
			Requests:   1,
		}},
	}
	f.w = New(Deps{
		Orders:     f.orders,
		Attempts:   f.db,
		Providers:  provider.NewRegistry(f.google, f.dfs),
		Geo:        fakeGeo{area: geo.Area{Lat: 48.52, Lng: 9.05, RadiusM: 5000}},
		Categories: fakeCategories{"gcid:bakery": "Bäckerei"},
	}, Config{PollInterval: time.Millisecond, MaxResults: 40})
	return f
}

func TestProcess_CompletesOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Duplicates: 1, Created: 4, Updated: 1})
	o := confirmedOrder("o1", model.TierKomplett)

	require.NoError(t, f.w.Process(context.Background(), o))

	assert.Len(t, f.db.raw["o1"], 5)
	res, ok := f.orders.completed["o1"]
	require.True(t, ok)
	assert.Equal(t, order.Result{
		RawCount:         5,
		NewCount:         4,
		DuplicateCount:   1,
		UpdatedCount:     1,
		ActualCostCents:  70,
		ProviderSpendUSD: 0.0701,
	}, res)
	assert.Empty(t, f.orders.failed)

	require.Len(t, f.google.queries, 1)
	q := f.google.queries[0]
	assert.Equal(t, "Bäckerei", q.Term)
	assert.Equal(t, 40, q.MaxResults)
	assert.Equal(t, 5000, q.Area.RadiusM)
}

func TestProcess_TierSelectsProviders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 3})
	require.NoError(t, f.w.Process(context.Background(), confirmedOrder("o1", model.TierStandard)))

	assert.Empty(t, f.google.queries)
	assert.Len(t, f.dfs.queries, 1)
	assert.Equal(t, 3, f.orders.completed["o1"].RawCount)
}

func TestProcess_OneProviderFailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 2})
	f.dfs.res, f.dfs.err = &provider.Result{SpendUSD: 0.001}, errors.New("dataforseo: unexpected status 401")

	require.NoError(t, f.w.Process(context.Background(), confirmedOrder("o1", model.TierKomplett)))

	res := f.orders.completed["o1"]
	assert.Equal(t, 2, res.RawCount)
	assert.InDelta(t, 0.065, res.ProviderSpendUSD, 1e-9)
	assert.Empty(t, f.orders.failed)
}

func TestProcess_AllProvidersFailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.google.res, f.google.err = nil, errors.New("google: unexpected status 403")
	f.dfs.res, f.dfs.err = nil, errors.New("dataforseo: unexpected status 401")

	require.NoError(t, f.w.Process(context.Background(), confirmedOrder("o1", model.TierKomplett)))

	assert.Empty(t, f.orders.completed)
	msg := f.orders.failed["o1"]
	assert.Contains(t, msg, "google_places")
	assert.Contains(t, msg, "dataforseo")
	assert.Empty(t, f.db.raw)
	assert.Zero(t, f.db.commits+f.db.rollbacks)
}

func TestProcess_FailurePaths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		filter model.Filter
		setup  func(f *fixture)
		want   string
	}{
		{"search area", model.Filter{}, func(f *fixture) {
			f.w.deps.Geo = fakeGeo{err: errors.New("geo: lookup locality")}
		}, "resolve search area"},
		{"category", model.Filter{CategoryID: "gcid:broken"}, func(*fixture) {}, "resolve category name"},
		{"insert", model.Filter{}, func(f *fixture) {
			f.db.insertErr = errors.New("copy failed")
		}, "copy failed"},
		{"dedup", model.Filter{}, func(f *fixture) {
			f.db.dedupErr = errors.New("dedup: list unprocessed")
		}, "list unprocessed"},
		{"complete", model.Filter{}, func(f *fixture) {
			f.orders.completeErr = errors.New("order: settle o1")
		}, "settle o1"},
		{"commit", model.Filter{}, func(f *fixture) {
			f.db.commitErr = errors.New("db: commit tx")
		}, "commit tx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, dedup.Stats{Created: 1})
			tt.setup(f)
			o := confirmedOrder("o1", model.TierPremium)
			o.Filter = tt.filter

			require.NoError(t, f.w.Process(context.Background(), o))
			assert.Contains(t, f.orders.failed["o1"], tt.want)
			assert.Empty(t, f.orders.completed)
			assert.Empty(t, f.db.raw)
			assert.Empty(t, f.db.businesses)
		})
	}
}

func TestProcess_RetryAfterFailedCompleteChargesEveryNewBusiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.orders.completeErr = errors.New("order: settle o1: ledger unavailable")

	first := confirmedOrder("o1", model.TierKomplett)
	require.NoError(t, f.w.Process(context.Background(), first))
	assert.Contains(t, f.orders.failed["o1"], "ledger unavailable")
	assert.Equal(t, 1, f.db.rollbacks)
	assert.Empty(t, f.db.raw)
	assert.Empty(t, f.db.businesses)

	f.orders.completeErr = nil
	retry := confirmedOrder("o1", model.TierKomplett)
	retry.AttemptCount = 2
	require.NoError(t, f.w.Process(context.Background(), retry))

	// Adler is found by both providers; the other four names are new.
	res := f.orders.completed["o1"]
	assert.Equal(t, 5, res.RawCount)
	assert.Equal(t, 4, res.NewCount)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.Equal(t, int64(50+4*5), res.ActualCostCents)
	assert.Len(t, f.db.raw["o1"], 5)
	assert.Len(t, f.db.businesses, 4)
	assert.Equal(t, 1, f.db.commits)
}

func TestProcess_LostClaimIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.db.dedupErr = errors.New("dedup: list unprocessed")
	f.orders.failErr = order.ErrInvalidTransition

	require.NoError(t, f.w.Process(context.Background(), confirmedOrder("o1", model.TierPremium)))
	assert.Empty(t, f.orders.failed)
}

func TestProcess_FailRecordErrorIsReturned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.db.dedupErr = errors.New("dedup: list unprocessed")
	f.orders.failErr = errors.New("pool closed")

	err := f.w.Process(context.Background(), confirmedOrder("o1", model.TierPremium))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool closed")
}

func TestProcess_HeartbeatsWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 1})
	f.google.delay = 80 * time.Millisecond
	f.w.cfg.StaleAfter = 30 * time.Millisecond

	require.NoError(t, f.w.Process(context.Background(), confirmedOrder("o1", model.TierPremium)))
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	assert.GreaterOrEqual(t, f.orders.heartbeats, 1)
}

func TestSearchTerm(t *testing.T) {
	t.Parallel()
	w := New(Deps{Categories: fakeCategories{"gcid:bakery": "Bäckerei", "gcid:blank": " "}}, Config{})
	tests := []struct {
		name    string
		filter  model.Filter
		want    string
		wantErr bool
	}{
		{"free text", model.Filter{Text: "  Pizzeria "}, "Pizzeria", false},
		{"category", model.Filter{CategoryID: "gcid:bakery"}, "Bäckerei", false},
		{"unknown category", model.Filter{CategoryID: "gcid:unknown"}, DefaultSearchTerm, false},
		{"blank category name", model.Filter{CategoryID: "gcid:blank"}, DefaultSearchTerm, false},
		{"industry code", model.Filter{IndustryCode: "56.10"}, DefaultSearchTerm, false},
		{"lookup error", model.Filter{CategoryID: "gcid:broken"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := w.SearchTerm(context.Background(), tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_OnceProcessesOneOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 1},
		confirmedOrder("o1", model.TierPremium), confirmedOrder("o2", model.TierPremium))
	f.w.cfg.Once = true

	require.NoError(t, f.w.Run(context.Background()))
	assert.Equal(t, 1, f.orders.claims)
	assert.Contains(t, f.orders.completed, "o1")
	assert.NotContains(t, f.orders.completed, "o2")
}

func TestRun_OnceWithEmptyQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.w.cfg.Once = true

	require.NoError(t, f.w.Run(context.Background()))
	assert.Equal(t, 1, f.orders.claims)
	assert.Empty(t, f.orders.completed)
}

func TestStep_NoProvidersBacksOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{}, confirmedOrder("o1", model.TierPremium))
	f.w.deps.Providers = provider.NewRegistry()
	f.w.cfg.PollInterval = 5 * time.Second

	wait, err := f.w.step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait)
	assert.Zero(t, f.orders.claims)
}

func TestStep_ClaimError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.orders.claimErr = errors.New("pool closed")
	f.w.cfg.PollInterval = 5 * time.Second

	wait, err := f.w.step(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5*time.Second, wait)
}

func TestStep_ProcessedOrderDoesNotWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 1}, confirmedOrder("o1", model.TierPremium))

	wait, err := f.w.step(context.Background())
	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Contains(t, f.orders.completed, "o1")
}

func TestRun_StopsOnCancelAndFinishesInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{Created: 1},
		confirmedOrder("o1", model.TierPremium), confirmedOrder("o2", model.TierPremium))
	ctx, cancel := context.WithCancel(context.Background())
	// shutdown requested right after the first claim
	f.orders.onClaim = cancel
	f.w.cfg.Concurrency = 1
	f.w.cfg.ReapInterval = time.Hour

	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	assert.Equal(t, 1, f.orders.claims)
	assert.Contains(t, f.orders.completed, "o1")
}

func TestRun_ReapsStaleClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t, dedup.Stats{})
	f.w.cfg.ReapInterval = 5 * time.Millisecond
	f.w.cfg.PollInterval = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	require.NoError(t, f.w.Run(ctx))
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	assert.GreaterOrEqual(t, f.orders.reaps, 1)
}
