// Package worker runs the order fulfilment loop: claim a confirmed order,
// search its providers, then store, deduplicate and settle the candidates
// in one transaction.
package worker

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
	"github.com/sells-group/recherche-engine/internal/provider"
)

// DefaultSearchTerm is searched when an order names no text or category.
const DefaultSearchTerm = "Restaurant"

// noProviderBackoff multiplies the poll interval while no provider is
// configured.
const noProviderBackoff = 6

// Orders is the lifecycle surface the worker drives outside an attempt.
// *order.Manager satisfies it.
type Orders interface {
	ClaimNext(ctx context.Context) (*order.Order, error)
	Heartbeat(ctx context.Context, id string, attempt int) error
	Fail(ctx context.Context, id string, attempt int, message string) (*order.Order, error)
	ReapStale(ctx context.Context, olderThan time.Duration) ([]order.Order, error)
}

// RawResults stores provider candidates. *order.PostgresStore satisfies it.
type RawResults interface {
	InsertRawResults(ctx context.Context, orderID string, results []order.RawResult) (int64, error)
}

// Deduplicator disposes an order's stored candidates.
type Deduplicator interface {
	Deduplicate(ctx context.Context, orderID string) (dedup.Stats, error)
}

// Completer prices and completes an order. *order.Manager satisfies it.
type Completer interface {
	ActualCost(ctx context.Context, o *order.Order, newCount int) (int64, error)
	Complete(ctx context.Context, id string, attempt int, r order.Result) (*order.Order, error)
}

// Attempt holds the writers of one fulfilment attempt, all bound to the
// same transaction.
type Attempt struct {
	RawResults RawResults
	Dedup      Deduplicator
	Orders     Completer
}

// Transactor runs fn with an Attempt bound to a new transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InAttempt(ctx context.Context, fn func(ctx context.Context, a Attempt) error) error
}

// Providers resolves the providers of a tier.
type Providers interface {
	Empty() bool
	ForTier(tier model.QualityTier) ([]provider.Provider, error)
}

// Categories resolves an external category to its German display name.
type Categories interface {
	CategoryName(ctx context.Context, categoryID string) (string, error)
}

// Config tunes the worker loop.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	StaleAfter   time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	MaxResults   int           `yaml:"max_results" mapstructure:"max_results"`
	// Once processes at most one order and returns.
	Once bool `yaml:"-" mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.MaxResults <= 0 {
		c.MaxResults = provider.DefaultMaxResults
	}
	return c
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Orders     Orders
	Attempts   Transactor
	Providers  Providers
	Geo        geo.Lookup
	Categories Categories
}

// Worker processes claimed orders.
type Worker struct {
	deps  Deps
	cfg   Config
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Worker. Zero config values take defaults.
func New(deps Deps, cfg Config) *Worker {
	return &Worker{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   zap.L().With(zap.String("component", "worker")),
		sleep: sleepCtx,
	}
}

// Run starts Concurrency claim loops plus the stale-claim reaper and blocks
// until ctx ends. An order in flight when ctx ends is finished before Run
// returns. With Once set, Run processes at most one order.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("stale_after", w.cfg.StaleAfter),
		zap.Bool("once", w.cfg.Once),
	)
	if w.cfg.Once {
		_, err := w.step(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.reapLoop(gctx)
		return nil
	})
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	log := w.log.With(zap.Int("slot", slot))
	for ctx.Err() == nil {
		wait, err := w.step(ctx)
		if err != nil {
			log.Error("worker iteration failed", zap.Error(err))
		}
		if wait > 0 {
			w.sleep(ctx, wait)
		}
	}
}

// step runs one claim iteration and returns how long to wait before the
// next one.
func (w *Worker) step(ctx context.Context) (time.Duration, error) {
	if w.deps.Providers.Empty() {
		w.log.Warn("no providers configured, backing off")
		return noProviderBackoff * w.cfg.PollInterval, nil
	}
	o, err := w.deps.Orders.ClaimNext(ctx)
	if err != nil {
		return w.cfg.PollInterval, eris.Wrap(err, "worker: claim")
	}
	if o == nil {
		return w.cfg.PollInterval, nil
	}
	// The claimed order is finished even if shutdown is requested.
	if err := w.Process(context.WithoutCancel(ctx), o); err != nil {
		return 0, err
	}
	return 0, nil
}

// Process fulfils one claimed order and records its completion or failure.
// Provider searches run first. Storing the candidates, deduplicating them
// and completing the order then commit together; a failed attempt leaves no
// raw results or businesses behind. The returned error is non-nil only when
// a failure could not be stored.
func (w *Worker) Process(ctx context.Context, o *order.Order) error {
	log := w.log.With(zap.String("order_id", o.ID), zap.Int("attempt", o.AttemptCount))
	stop := w.heartbeat(ctx, o.ID, o.AttemptCount, log)
	err := w.fulfil(ctx, o, log)
	stop()
	if err == nil {
		return nil
	}

	log.Warn("order attempt failed", zap.Error(err))
	if _, ferr := w.deps.Orders.Fail(ctx, o.ID, o.AttemptCount, err.Error()); ferr != nil {
		if errors.Is(ferr, order.ErrInvalidTransition) {
			log.Warn("claim no longer held, failure not recorded", zap.Error(ferr))
			return nil
		}
		return eris.Wrapf(ferr, "worker: record failure of %s", o.ID)
	}
	return nil
}

func (w *Worker) fulfil(ctx context.Context, o *order.Order, log *zap.Logger) error {
	candidates, spend, err := w.discover(ctx, o, log)
	if err != nil {
		return err
	}

	return w.deps.Attempts.InAttempt(ctx, func(ctx context.Context, a Attempt) error {
		if _, err := a.RawResults.InsertRawResults(ctx, o.ID, candidates); err != nil {
			return err
		}
		stats, err := a.Dedup.Deduplicate(ctx, o.ID)
		if err != nil {
			return err
		}
		cents, err := a.Orders.ActualCost(ctx, o, stats.Created)
		if err != nil {
			return err
		}
		_, err = a.Orders.Complete(ctx, o.ID, o.AttemptCount, order.Result{
			RawCount:         len(candidates),
			NewCount:         stats.Created,
			DuplicateCount:   stats.Duplicates,
			UpdatedCount:     stats.Updated,
			ActualCostCents:  cents,
			ProviderSpendUSD: math.Round(spend*10000) / 10000,
		})
		return err
	})
}

// discover resolves the search of an order and runs it against the tier's
// providers. It writes nothing.
func (w *Worker) discover(ctx context.Context, o *order.Order, log *zap.Logger) ([]order.RawResult, float64, error) {
	area, err := w.deps.Geo.SearchArea(ctx, o.Scope)
	if err != nil {
		return nil, 0, eris.Wrap(err, "worker: resolve search area")
	}
	term, err := w.SearchTerm(ctx, o.Filter)
	if err != nil {
		return nil, 0, err
	}
	providers, err := w.deps.Providers.ForTier(o.Tier)
	if err != nil {
		return nil, 0, err
	}
	log.Info("searching providers",
		zap.String("term", term),
		zap.Float64("lat", area.Lat),
		zap.Float64("lng", area.Lng),
		zap.Int("radius_m", area.RadiusM),
		zap.Int("providers", len(providers)),
	)

	return w.search(ctx, providers, provider.Query{
		Term:       term,
		Area:       area,
		MaxResults: w.cfg.MaxResults,
	}, log)
}

// search queries providers in parallel. A failing provider is logged and
// skipped; the search fails only when every provider failed.
func (w *Worker) search(ctx context.Context, providers []provider.Provider, q provider.Query, log *zap.Logger) ([]order.RawResult, float64, error) {
	results := make([]*provider.Result, len(providers))
	errs := make([]error, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			res, err := p.Search(ctx, q)
			if err != nil {
				log.Error("provider failed", zap.String("provider", p.Name()), zap.Error(err))
				errs[i] = eris.Wrapf(err, "worker: provider %s", p.Name())
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var (
		candidates []order.RawResult
		spend      float64
		failed     int
	)
	for i, res := range results {
		if res != nil {
			spend += res.SpendUSD
		}
		if errs[i] != nil {
			failed++
			continue
		}
		if res == nil {
			continue
		}
		log.Info("provider done",
			zap.String("provider", providers[i].Name()),
			zap.Int("candidates", len(res.Candidates)),
		)
		candidates = append(candidates, res.Candidates...)
	}
	if failed == len(providers) {
		return nil, spend, errors.Join(errs...)
	}
	if len(candidates) == 0 {
		log.Warn("no candidates found")
	}
	return candidates, spend, nil
}

// SearchTerm picks the provider search term for a filter: the free text,
// else the external category's German name, else DefaultSearchTerm.
func (w *Worker) SearchTerm(ctx context.Context, f model.Filter) (string, error) {
	if t := strings.TrimSpace(f.Text); t != "" {
		return t, nil
	}
	if f.CategoryID != "" && w.deps.Categories != nil {
		name, err := w.deps.Categories.CategoryName(ctx, f.CategoryID)
		if err != nil {
			return "", eris.Wrap(err, "worker: resolve category name")
		}
		if name = strings.TrimSpace(name); name != "" {
			return name, nil
		}
	}
	return DefaultSearchTerm, nil
}

// heartbeat refreshes the lease of the claim every StaleAfter/3 until the
// returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, id string, attempt int, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.cfg.StaleAfter / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.deps.Orders.Heartbeat(ctx, id, attempt); err != nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			reaped, err := w.deps.Orders.ReapStale(ctx, w.cfg.StaleAfter)
			if err != nil {
				w.log.Error("reap stale claims failed", zap.Error(err))
				continue
			}
			if len(reaped) > 0 {
				w.log.Info("reaped stale claims", zap.Int("count", len(reaped)))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
