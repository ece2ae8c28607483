package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
	"github.com/sells-group/recherche-engine/internal/provider"
)

type fakeOrders struct {
	mu          sync.Mutex
	queue       []*order.Order
	claimErr    error
	completeErr error
	failErr     error
	claims      int
	heartbeats  int
	reaps       int
	completed   map[string]order.Result
	failed      map[string]string
	costPerNew  int64
	onClaim     func()
}

func newFakeOrders(os ...*order.Order) *fakeOrders {
	return &fakeOrders{
		queue:      os,
		completed:  make(map[string]order.Result),
		failed:     make(map[string]string),
		costPerNew: 5,
	}
}

func (f *fakeOrders) ClaimNext(context.Context) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.onClaim != nil {
		f.onClaim()
	}
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	o := f.queue[0]
	f.queue = f.queue[1:]
	return o, nil
}

func (f *fakeOrders) Heartbeat(context.Context, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeOrders) Fail(_ context.Context, id string, _ int, message string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.failed[id] = message
	return &order.Order{ID: id, Status: order.StatusConfirmed}, nil
}

func (f *fakeOrders) ReapStale(context.Context, time.Duration) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps++
	return nil, nil
}

// fakeDB is an in-memory database for attempts. Writes made through an
// Attempt are staged and applied only when the attempt commits.
type fakeDB struct {
	orders *fakeOrders

	mu         sync.Mutex
	raw        map[string][]order.RawResult
	businesses map[string]bool
	insertErr  error
	dedupErr   error
	commitErr  error
	// stats, when non-zero, replaces the computed dedup stats.
	stats     dedup.Stats
	commits   int
	rollbacks int
}

func newFakeDB(orders *fakeOrders, stats dedup.Stats) *fakeDB {
	return &fakeDB{
		orders:     orders,
		raw:        make(map[string][]order.RawResult),
		businesses: make(map[string]bool),
		stats:      stats,
	}
}

func (d *fakeDB) InAttempt(ctx context.Context, fn func(ctx context.Context, a Attempt) error) error {
	tx := &fakeTx{db: d, raw: make(map[string][]order.RawResult), businesses: make(map[string]bool)}
	err := fn(ctx, Attempt{RawResults: tx, Dedup: tx, Orders: tx})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		err = d.commitErr
	}
	if err != nil {
		d.rollbacks++
		return err
	}
	for id, rs := range tx.raw {
		d.raw[id] = append(d.raw[id], rs...)
	}
	for name := range tx.businesses {
		d.businesses[name] = true
	}
	d.orders.mu.Lock()
	for id, r := range tx.completed {
		d.orders.completed[id] = r
	}
	d.orders.mu.Unlock()
	d.commits++
	return nil
}

// fakeTx is one open attempt of a fakeDB.
type fakeTx struct {
	db         *fakeDB
	raw        map[string][]order.RawResult
	businesses map[string]bool
	completed  map[string]order.Result
}

func (t *fakeTx) InsertRawResults(_ context.Context, orderID string, rs []order.RawResult) (int64, error) {
	if t.db.insertErr != nil {
		return 0, t.db.insertErr
	}
	t.raw[orderID] = append(t.raw[orderID], rs...)
	return int64(len(rs)), nil
}

// Deduplicate treats a raw result as a duplicate when a business with its
// name is committed or was created earlier in the attempt.
func (t *fakeTx) Deduplicate(_ context.Context, orderID string) (dedup.Stats, error) {
	if t.db.dedupErr != nil {
		return dedup.Stats{}, t.db.dedupErr
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	var stats dedup.Stats
	for _, r := range t.raw[orderID] {
		if t.db.businesses[r.Name] || t.businesses[r.Name] {
			stats.Duplicates++
			continue
		}
		t.businesses[r.Name] = true
		stats.Created++
	}
	if t.db.stats != (dedup.Stats{}) {
		return t.db.stats, nil
	}
	return stats, nil
}

func (t *fakeTx) ActualCost(_ context.Context, _ *order.Order, newCount int) (int64, error) {
	return 50 + int64(newCount)*t.db.orders.costPerNew, nil
}

func (t *fakeTx) Complete(_ context.Context, id string, _ int, r order.Result) (*order.Order, error) {
	t.db.orders.mu.Lock()
	err := t.db.orders.completeErr
	t.db.orders.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if t.completed == nil {
		t.completed = make(map[string]order.Result)
	}
	t.completed[id] = r
	return &order.Order{ID: id, Status: order.StatusCompleted}, nil
}

type fakeProvider struct {
	name  string
	res   *provider.Result
	err   error
	delay time.Duration

	mu      sync.Mutex
	queries []provider.Query
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Search(_ context.Context, q provider.Query) (*provider.Result, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.res, p.err
}

type fakeGeo struct {
	area geo.Area
	err  error
}

func (fakeGeo) LocalityPopulation(context.Context, string) (int, bool, error) { return 0, false, nil }
func (fakeGeo) DistrictPopulation(context.Context, string) (int, bool, error) { return 0, false, nil }
func (fakeGeo) PostalCodePopulation(context.Context, string) (int, bool, error) {
	return 0, false, nil
}
func (fakeGeo) LocalityByPostalCode(context.Context, string) (string, error) { return "", nil }
func (g fakeGeo) SearchArea(context.Context, model.Scope) (geo.Area, error) { return g.area, g.err }

type fakeCategories map[string]string

func (c fakeCategories) CategoryName(_ context.Context, id string) (string, error) {
	if id == "gcid:broken" {
		return "", context.DeadlineExceeded
	}
	return c[id], nil
}

func candidates(source string, names ...string) []order.RawResult {
	out := make([]order.RawResult, 0, len(names))
	for _, n := range names {
		out = append(out, order.RawResult{Source: source, Name: n})
	}
	return out
}

func confirmedOrder(id string, tier model.QualityTier) *order.Order {
	return &order.Order{
		ID:           id,
		PartnerID:    "p1",
		Scope:        model.Scope{PostalCode: "72070"},
		Filter:       model.Filter{Text: "Bäckerei"},
		Tier:         tier,
		Status:       order.StatusInProgress,
		AttemptCount: 1,
		MaxAttempts:  3,
	}
}
