package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/estimate"
	"github.com/sells-group/recherche-engine/internal/ledger"
	"github.com/sells-group/recherche-engine/internal/model"
)

// Estimator produces the cost estimation an order is priced from.
type Estimator interface {
	Estimate(ctx context.Context, rates cost.RateCard, scope model.Scope, filter model.Filter, tier model.QualityTier) (*estimate.Estimation, error)
}

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	MaxAttempts          int
	ReservationBufferPct int
	ReapBatchSize        int
}

// Manager drives orders through their state machine and keeps the ledger
// in step with every transition.
type Manager struct {
	store     Store
	ledger    ledger.Ledger
	estimator Estimator
	rates     cost.RateSource
	cfg       ManagerConfig
	now       func() time.Time
	log       *zap.Logger
}

// NewManager creates a Manager. Zero config values fall back to defaults.
func NewManager(store Store, l ledger.Ledger, est Estimator, rates cost.RateSource, cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReservationBufferPct <= 0 {
		cfg.ReservationBufferPct = cost.DefaultReservationBufferPct
	}
	if cfg.ReapBatchSize <= 0 {
		cfg.ReapBatchSize = 100
	}
	return &Manager{
		store:     store,
		ledger:    l,
		estimator: est,
		rates:     rates,
		cfg:       cfg,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "order.manager")),
	}
}

// WithStore returns a copy of m that persists through s. Binding s to a
// transaction makes Complete and Fail join it.
func (m *Manager) WithStore(s Store) *Manager {
	cp := *m
	cp.store = s
	return &cp
}

// Estimate validates req and prices it without persisting anything.
func (m *Manager) Estimate(ctx context.Context, req Request) (*estimate.Estimation, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rates, err := m.rates.RatesFor(ctx, req.PartnerID)
	if err != nil {
		return nil, eris.Wrap(err, "order: resolve rates")
	}
	est, err := m.estimator.Estimate(ctx, rates, req.Scope, req.Filter, req.Tier)
	if err != nil {
		return nil, eris.Wrap(err, "order: estimate")
	}
	return est, nil
}

// Create prices req, persists it as CONFIRMED and reserves the estimated
// cost plus the buffer. The order exists only if the reservation succeeded.
func (m *Manager) Create(ctx context.Context, req Request) (*Order, error) {
	req = req.Normalize()
	est, err := m.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:                 uuid.NewString(),
		PartnerID:          req.PartnerID,
		Scope:              req.Scope,
		Filter:             req.Filter,
		Tier:               req.Tier,
		Status:             StatusConfirmed,
		EstimatedCount:     est.NewEstimate,
		EstimatedCostCents: est.TotalCostCents,
		ReservationCents:   cost.Reservation(est.TotalCostCents, m.cfg.ReservationBufferPct),
		MaxAttempts:        m.cfg.MaxAttempts,
	}

	// externalRef is set when the reservation was placed outside the
	// creating transaction and must be undone if that transaction fails.
	var externalRef string
	err = m.store.Create(ctx, o, func(ctx context.Context, q db.Querier, o *Order) (string, error) {
		if txr, ok := m.ledger.(ledger.TxReserver); ok && q != nil {
			return txr.ReserveTx(ctx, q, o.PartnerID, o.ReservationCents, o.ID)
		}
		ref, err := m.ledger.Reserve(ctx, o.PartnerID, o.ReservationCents, o.ID)
		if err != nil {
			return "", err
		}
		externalRef = ref
		return ref, nil
	})
	if err != nil {
		if externalRef != "" {
			if cerr := m.ledger.Cancel(ctx, externalRef, o.ID); cerr != nil {
				m.log.Error("release reservation of uncreated order failed",
					zap.String("order_id", o.ID),
					zap.String("partner_id", o.PartnerID),
					zap.String("reservation_ref", externalRef),
					zap.Error(cerr),
				)
			}
		}
		return nil, eris.Wrap(err, "order: create")
	}

	m.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.String("quality_tier", string(o.Tier)),
		zap.Int("estimated_count", o.EstimatedCount),
		zap.Int64("estimated_cost_cents", o.EstimatedCostCents),
		zap.Int64("reservation_cents", o.ReservationCents),
	)
	return o, nil
}

// Get returns an order. A non-empty partnerID restricts the lookup to that
// partner's orders.
func (m *Manager) Get(ctx context.Context, id, partnerID string) (*Order, error) {
	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil || (partnerID != "" && o.PartnerID != partnerID) {
		return nil, eris.Wrapf(ErrNotFound, "order: %s", id)
	}
	return o, nil
}

// List returns a page of orders, newest first, and the total count.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	filter.Limit = min(filter.Limit, MaxListLimit)
	filter.Offset = max(filter.Offset, 0)
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, eris.Errorf("order: unknown status %q", filter.Status)
	}
	return m.store.List(ctx, filter)
}

// Cancel cancels a CONFIRMED order of partnerID and refunds its reservation.
func (m *Manager) Cancel(ctx context.Context, id, partnerID string) (*Order, error) {
	o, err := m.store.Cancel(ctx, id, partnerID, m.refund)
	if err != nil {
		return nil, err
	}
	m.log.Info("order cancelled",
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.Int64("reservation_cents", o.ReservationCents),
	)
	return o, nil
}

// ClaimNext claims the oldest eligible order for a worker, or returns nil
// when none is eligible.
func (m *Manager) ClaimNext(ctx context.Context) (*Order, error) {
	o, err := m.store.ClaimNext(ctx)
	if err != nil || o == nil {
		return nil, err
	}
	m.log.Info("order claimed",
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.Int("attempt", o.AttemptCount),
		zap.Int("max_attempts", o.MaxAttempts),
	)
	return o, nil
}

// Complete records the result of the order claimed under attempt and
// settles its reservation at the actual cost.
func (m *Manager) Complete(ctx context.Context, id string, attempt int, r Result) (*Order, error) {
	o, err := m.store.Complete(ctx, id, attempt, r, func(ctx context.Context, q db.Querier, o *Order) (string, error) {
		if o.ReservationRef == "" {
			return "", nil
		}
		var (
			ref string
			err error
		)
		if txc, ok := m.ledger.(ledger.TxCloser); ok && q != nil {
			ref, err = txc.SettleTx(ctx, q, o.ReservationRef, r.ActualCostCents, o.ID)
		} else {
			ref, err = m.ledger.Settle(ctx, o.ReservationRef, r.ActualCostCents, o.ID)
		}
		if err != nil {
			return "", eris.Wrapf(err, "order: settle %s", o.ID)
		}
		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("order completed",
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.String("status", string(o.Status)),
		zap.Int("raw_count", r.RawCount),
		zap.Int("new_count", r.NewCount),
		zap.Int("duplicate_count", r.DuplicateCount),
		zap.Int("updated_count", r.UpdatedCount),
		zap.Int64("actual_cost_cents", r.ActualCostCents),
		zap.Float64("provider_spend_usd", r.ProviderSpendUSD),
	)
	return o, nil
}

// Fail records a failed attempt of the order claimed under attempt. The
// order is retried while attempts remain; after the last attempt it is
// refunded and marked FAILED.
func (m *Manager) Fail(ctx context.Context, id string, attempt int, message string) (*Order, error) {
	o, err := m.store.Fail(ctx, id, attempt, TruncateMessage(message), m.refund)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.String("status", string(o.Status)),
		zap.Int("attempt", o.AttemptCount),
		zap.Int("max_attempts", o.MaxAttempts),
		zap.String("error", o.ErrorMessage),
	}
	if o.Status == StatusFailed {
		m.log.Error("order permanently failed", fields...)
	} else {
		m.log.Warn("order attempt failed, will retry", fields...)
	}
	return o, nil
}

// ReapStale releases claims whose lease is older than olderThan.
func (m *Manager) ReapStale(ctx context.Context, olderThan time.Duration) ([]Order, error) {
	reaped, err := m.store.ReapStale(ctx, m.now().Add(-olderThan), m.cfg.ReapBatchSize, m.refund)
	if err != nil {
		return nil, err
	}
	for _, o := range reaped {
		m.log.Warn("stale claim reaped",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
			zap.Int("attempt", o.AttemptCount),
		)
	}
	return reaped, nil
}

// Heartbeat refreshes the lease of the order claimed under attempt. It
// returns ErrInvalidTransition once that claim has been released or
// superseded.
func (m *Manager) Heartbeat(ctx context.Context, id string, attempt int) error {
	ok, err := m.store.Heartbeat(ctx, id, attempt)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrInvalidTransition, "order: %s is no longer in progress under attempt %d", id, attempt)
	}
	return nil
}

// ActualCost prices newCount hits at the order partner's rates.
func (m *Manager) ActualCost(ctx context.Context, o *Order, newCount int) (int64, error) {
	rates, err := m.rates.RatesFor(ctx, o.PartnerID)
	if err != nil {
		return 0, eris.Wrap(err, "order: resolve rates")
	}
	return rates.Fees(o.Tier).Total(newCount), nil
}

// refund releases an order's full reservation inside q when the ledger
// supports it. A reservation already closed by a refund is left as is; one
// closed by a settlement means the order was charged and is an error.
func (m *Manager) refund(ctx context.Context, q db.Querier, o *Order) error {
	if o.ReservationRef == "" {
		return nil
	}
	var err error
	if txc, ok := m.ledger.(ledger.TxCloser); ok && q != nil {
		err = txc.CancelTx(ctx, q, o.ReservationRef, o.ID)
	} else {
		err = m.ledger.Cancel(ctx, o.ReservationRef, o.ID)
	}
	if err == nil {
		return nil
	}

	var closed *ledger.ClosedError
	if errors.As(err, &closed) && closed.Kind == ledger.KindRefund {
		m.log.Warn("reservation already refunded",
			zap.String("order_id", o.ID),
			zap.String("reservation_ref", o.ReservationRef),
		)
		return nil
	}
	m.log.Error("refund failed",
		zap.String("order_id", o.ID),
		zap.String("partner_id", o.PartnerID),
		zap.String("reservation_ref", o.ReservationRef),
		zap.Error(err),
	)
	return eris.Wrapf(err, "order: refund %s", o.ID)
}
