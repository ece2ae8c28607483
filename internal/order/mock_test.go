package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/estimate"
	"github.com/sells-group/recherche-engine/internal/model"
)

// --- Ledger Mock ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Reserve(ctx context.Context, partnerID string, amountCents int64, reference string) (string, error) {
	args := m.Called(ctx, partnerID, amountCents, reference)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Settle(ctx context.Context, reservationRef string, actualCents int64, reference string) (string, error) {
	args := m.Called(ctx, reservationRef, actualCents, reference)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) Cancel(ctx context.Context, reservationRef string, reference string) error {
	args := m.Called(ctx, reservationRef, reference)
	return args.Error(0)
}

// --- Estimator Fake ---

type fakeEstimator struct {
	est   estimate.Estimation
	err   error
	calls int
}

func (f *fakeEstimator) Estimate(_ context.Context, rates cost.RateCard, _ model.Scope, _ model.Filter, tier model.QualityTier) (*estimate.Estimation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	est := f.est
	fees := rates.Fees(tier)
	est.BaseFeeCents = fees.BaseCents
	est.PerHitFeeCents = fees.PerHitCents
	if est.TotalCostCents == 0 {
		est.TotalCostCents = fees.Total(est.NewEstimate)
	}
	est.Tier = tier
	return &est, nil
}

// --- Store Fake ---

// memStore is an in-memory Store with the same transition rules as the
// Postgres store. History records every status each order passed through.
type memStore struct {
	mu      sync.Mutex
	orders  map[string]*Order
	seq     map[string]int
	next    int
	history map[string][]Status
	now     time.Time

	createErr  error // returned after a successful reserve
	lastFilter ListFilter
}

func newMemStore() *memStore {
	return &memStore{
		orders:  make(map[string]*Order),
		seq:     make(map[string]int),
		history: make(map[string][]Status),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *memStore) setStatus(o *Order, st Status) {
	o.Status = st
	s.history[o.ID] = append(s.history[o.ID], st)
}

func (s *memStore) Create(ctx context.Context, o *Order, reserve ReserveFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	ref, err := reserve(ctx, nil, o)
	if err != nil {
		return err
	}
	if s.createErr != nil {
		return s.createErr
	}
	now := s.tick()
	o.ReservationRef = ref
	o.CreatedAt = now
	o.ConfirmedAt = &now
	cp := *o
	s.orders[o.ID] = &cp
	s.seq[o.ID] = s.next
	s.next++
	s.setStatus(&cp, StatusConfirmed)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) List(_ context.Context, filter ListFilter) ([]Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter

	var all []Order
	for _, o := range s.orders {
		if filter.PartnerID != "" && o.PartnerID != filter.PartnerID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		all = append(all, *o)
	}
	sort.Slice(all, func(i, j int) bool { return s.seq[all[i].ID] > s.seq[all[j].ID] })

	total := len(all)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := min(filter.Offset+filter.Limit, total)
	return all[filter.Offset:end], total, nil
}

func (s *memStore) ClaimNext(context.Context) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Order
	for _, o := range s.orders {
		if o.Status != StatusConfirmed || o.AttemptCount >= o.MaxAttempts {
			continue
		}
		if best == nil || s.seq[o.ID] < s.seq[best.ID] {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	now := s.tick()
	best.AttemptCount++
	best.WorkerStartedAt = &now
	best.WorkerHeartbeatAt = &now
	best.WorkerFinishedAt = nil
	s.setStatus(best, StatusInProgress)
	cp := *best
	return &cp, nil
}

func (s *memStore) lock(id string) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "order: %s", id)
	}
	return o, nil
}

func (s *memStore) Complete(ctx context.Context, id string, attempt int, r Result, settle SettleFunc) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	if err := CheckClaim(o, attempt); err != nil {
		return nil, err
	}
	cp := *o
	ref, err := settle(ctx, nil, &cp)
	if err != nil {
		return nil, err
	}
	now := s.tick()
	o.RawCount, o.NewCount, o.DuplicateCount, o.UpdatedCount = r.RawCount, r.NewCount, r.DuplicateCount, r.UpdatedCount
	o.ActualCostCents = &r.ActualCostCents
	o.ProviderSpendUSD = &r.ProviderSpendUSD
	o.SettlementRef = ref
	o.WorkerFinishedAt = &now
	o.CompletedAt = &now
	s.setStatus(o, StatusCompleted)
	out := *o
	return &out, nil
}

func (s *memStore) release(ctx context.Context, o *Order, message string, refund RefundFunc) (*Order, error) {
	next := StatusConfirmed
	if o.AttemptCount >= o.MaxAttempts {
		cp := *o
		if err := refund(ctx, nil, &cp); err != nil {
			return nil, err
		}
		next = StatusFailed
	}
	now := s.tick()
	o.ErrorMessage = message
	o.WorkerFinishedAt = &now
	s.setStatus(o, next)
	out := *o
	return &out, nil
}

func (s *memStore) Fail(ctx context.Context, id string, attempt int, message string, refund RefundFunc) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	if err := CheckClaim(o, attempt); err != nil {
		return nil, err
	}
	return s.release(ctx, o, message, refund)
}

func (s *memStore) Cancel(ctx context.Context, id, partnerID string, refund RefundFunc) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	if o.PartnerID != partnerID {
		return nil, eris.Wrapf(ErrNotOwner, "order: %s", id)
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, eris.Wrapf(ErrNotCancellable, "order: %s is %s", id, o.Status)
	}
	cp := *o
	if err := refund(ctx, nil, &cp); err != nil {
		return nil, err
	}
	s.setStatus(o, StatusCancelled)
	out := *o
	return &out, nil
}

func (s *memStore) ReapStale(ctx context.Context, cutoff time.Time, limit int, refund RefundFunc) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []Order
	for _, o := range s.orders {
		if len(reaped) >= limit {
			break
		}
		if o.Status != StatusInProgress || o.WorkerHeartbeatAt == nil || !o.WorkerHeartbeatAt.Before(cutoff) {
			continue
		}
		out, err := s.release(ctx, o, StaleClaimMessage, refund)
		if err != nil {
			continue
		}
		reaped = append(reaped, *out)
	}
	return reaped, nil
}

func (s *memStore) Heartbeat(_ context.Context, id string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != StatusInProgress || o.AttemptCount != attempt {
		return false, nil
	}
	now := s.tick()
	o.WorkerHeartbeatAt = &now
	return true, nil
}

// setHeartbeat backdates an order's lease.
func (s *memStore) setHeartbeat(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].WorkerHeartbeatAt = &at
}

func (s *memStore) InsertRawResults(context.Context, string, []RawResult) (int64, error) {
	return 0, nil
}

func (s *memStore) ListUnprocessed(context.Context, string) ([]RawResult, error) {
	return nil, nil
}

func (s *memStore) MarkDuplicate(context.Context, string, string) error { return nil }

func (s *memStore) MarkLinked(context.Context, string, string) error { return nil }
