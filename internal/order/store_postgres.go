package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/db"
)

// StaleClaimMessage is recorded on orders whose claim lease expired.
const StaleClaimMessage = "claim lease expired"

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Beginner
}

// NewPostgresStore creates a new PostgresStore. When pool is a pgx.Tx every
// call joins that transaction.
func NewPostgresStore(pool db.Beginner) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// orderColumns is the standard column list for order queries. It is
// unqualified so it also serves as a RETURNING list.
const orderColumns = `id::text, partner_id::text,
	COALESCE(locality_id::text, ''), COALESCE(district_id::text, ''), COALESCE(postal_code, ''),
	COALESCE(industry_code, ''), COALESCE(category_id, ''), COALESCE(industry_text, ''),
	quality_tier, status,
	estimated_count, estimated_cost_cents, reservation_cents,
	raw_count, new_count, duplicate_count, updated_count,
	actual_cost_cents, provider_spend_usd,
	COALESCE(reservation_ref, ''), COALESCE(settlement_ref, ''),
	attempt_count, max_attempts,
	worker_started_at, worker_heartbeat_at, worker_finished_at,
	COALESCE(error_message, ''),
	created_at, confirmed_at, completed_at`

func scanOrder(row pgx.Row) (*Order, error) {
	o := &Order{}
	err := row.Scan(
		&o.ID, &o.PartnerID,
		&o.Scope.LocalityID, &o.Scope.DistrictID, &o.Scope.PostalCode,
		&o.Filter.IndustryCode, &o.Filter.CategoryID, &o.Filter.Text,
		&o.Tier, &o.Status,
		&o.EstimatedCount, &o.EstimatedCostCents, &o.ReservationCents,
		&o.RawCount, &o.NewCount, &o.DuplicateCount, &o.UpdatedCount,
		&o.ActualCostCents, &o.ProviderSpendUSD,
		&o.ReservationRef, &o.SettlementRef,
		&o.AttemptCount, &o.MaxAttempts,
		&o.WorkerStartedAt, &o.WorkerHeartbeatAt, &o.WorkerFinishedAt,
		&o.ErrorMessage,
		&o.CreatedAt, &o.ConfirmedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Create inserts o as CONFIRMED, places its reservation and stores the
// reservation ref in one transaction. A reserve error rolls the order back.
func (s *PostgresStore) Create(ctx context.Context, o *Order, reserve ReserveFunc) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	var created *Order
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO recherche_orders (
				id, partner_id, locality_id, district_id, postal_code,
				industry_code, category_id, industry_text, quality_tier, status,
				estimated_count, estimated_cost_cents, reservation_cents,
				max_attempts, created_at, confirmed_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, 'CONFIRMED',
				$10, $11, $12,
				$13, now(), now()
			)`,
			o.ID, o.PartnerID,
			nilIfEmpty(o.Scope.LocalityID), nilIfEmpty(o.Scope.DistrictID), nilIfEmpty(o.Scope.PostalCode),
			nilIfEmpty(o.Filter.IndustryCode), nilIfEmpty(o.Filter.CategoryID), nilIfEmpty(o.Filter.Text),
			string(o.Tier),
			o.EstimatedCount, o.EstimatedCostCents, o.ReservationCents,
			o.MaxAttempts,
		)
		if err != nil {
			return eris.Wrap(err, "order: insert order")
		}

		ref, err := reserve(ctx, tx, o)
		if err != nil {
			return err
		}

		created, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE recherche_orders SET reservation_ref = $2
			WHERE id = $1
			RETURNING `+orderColumns, o.ID, nilIfEmpty(ref)))
		if err != nil {
			return eris.Wrapf(err, "order: store reservation ref for %s", o.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*o = *created
	return nil
}

// Get returns an order by id, or nil when it does not exist.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM recherche_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "order: get %s", id)
	}
	return o, nil
}

// List returns a page of orders, newest first, and the total matching count.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.PartnerID != "" {
		args = append(args, filter.PartnerID)
		where = append(where, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM recherche_orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "order: count orders")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(filter.Offset, 0)

	pageArgs := append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM recherche_orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "order: list orders")
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "order: scan order")
		}
		out = append(out, *o)
	}
	return out, total, rows.Err()
}

// ClaimNext claims the oldest CONFIRMED order with attempts left. Rows
// locked by a concurrent claim are skipped rather than waited on.
func (s *PostgresStore) ClaimNext(ctx context.Context) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE recherche_orders SET
			status = 'IN_PROGRESS',
			attempt_count = attempt_count + 1,
			worker_started_at = now(),
			worker_heartbeat_at = now(),
			worker_finished_at = NULL
		WHERE id = (
			SELECT id FROM recherche_orders
			WHERE status = 'CONFIRMED' AND attempt_count < max_attempts
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+orderColumns))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "order: claim next")
	}
	return o, nil
}

// lockOrder loads an order under a row lock for the rest of tx.
func lockOrder(ctx context.Context, tx pgx.Tx, id string) (*Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM recherche_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "order: %s", id)
		}
		return nil, eris.Wrapf(err, "order: lock %s", id)
	}
	return o, nil
}

// Complete records the result of an order still claimed under attempt,
// settles it and marks it COMPLETED.
func (s *PostgresStore) Complete(ctx context.Context, id string, attempt int, r Result, settle SettleFunc) (*Order, error) {
	var out *Order
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := CheckClaim(o, attempt); err != nil {
			return eris.Wrap(err, "order: complete")
		}

		ref, err := settle(ctx, tx, o)
		if err != nil {
			return err
		}

		out, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE recherche_orders SET
				status = 'COMPLETED',
				raw_count = $2, new_count = $3, duplicate_count = $4, updated_count = $5,
				actual_cost_cents = $6, provider_spend_usd = $7, settlement_ref = $8,
				worker_finished_at = now(), completed_at = now()
			WHERE id = $1
			RETURNING `+orderColumns,
			id, r.RawCount, r.NewCount, r.DuplicateCount, r.UpdatedCount,
			r.ActualCostCents, r.ProviderSpendUSD, nilIfEmpty(ref)))
		if err != nil {
			return eris.Wrapf(err, "order: complete %s", id)
		}
		return nil
	})
	return out, err
}

// Fail records a failed attempt of an order still claimed under attempt.
// Orders with attempts left return to CONFIRMED; the last attempt is
// refunded and marked FAILED.
func (s *PostgresStore) Fail(ctx context.Context, id string, attempt int, message string, refund RefundFunc) (*Order, error) {
	var out *Order
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := CheckClaim(o, attempt); err != nil {
			return eris.Wrap(err, "order: fail")
		}
		out, err = s.release(ctx, tx, o, message, refund)
		return err
	})
	return out, err
}

// release moves a locked IN_PROGRESS order back to CONFIRMED, or to FAILED
// with a refund once its attempts are used up.
func (s *PostgresStore) release(ctx context.Context, tx pgx.Tx, o *Order, message string, refund RefundFunc) (*Order, error) {
	next := StatusConfirmed
	if o.AttemptCount >= o.MaxAttempts {
		if err := refund(ctx, tx, o); err != nil {
			return nil, err
		}
		next = StatusFailed
	}

	out, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE recherche_orders SET
			status = $2, error_message = $3, worker_finished_at = now()
		WHERE id = $1
		RETURNING `+orderColumns, o.ID, string(next), nilIfEmpty(message)))
	if err != nil {
		return nil, eris.Wrapf(err, "order: move %s to %s", o.ID, next)
	}
	return out, nil
}

// Cancel refunds and cancels a CONFIRMED order owned by partnerID.
func (s *PostgresStore) Cancel(ctx context.Context, id, partnerID string, refund RefundFunc) (*Order, error) {
	var out *Order
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.PartnerID != partnerID {
			return eris.Wrapf(ErrNotOwner, "order: %s", id)
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return eris.Wrapf(ErrNotCancellable, "order: %s is %s", id, o.Status)
		}
		if err := refund(ctx, tx, o); err != nil {
			return err
		}

		out, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE recherche_orders SET status = 'CANCELLED'
			WHERE id = $1
			RETURNING `+orderColumns, id))
		if err != nil {
			return eris.Wrapf(err, "order: cancel %s", id)
		}
		return nil
	})
	return out, err
}

// ReapStale releases up to limit IN_PROGRESS orders whose lease is older than
// cutoff. Orders whose refund fails stay IN_PROGRESS for the next pass.
func (s *PostgresStore) ReapStale(ctx context.Context, cutoff time.Time, limit int, refund RefundFunc) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	log := zap.L().With(zap.String("component", "order.reaper"))

	var reaped []Order
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+orderColumns+`
			FROM recherche_orders
			WHERE status = 'IN_PROGRESS'
				AND COALESCE(worker_heartbeat_at, worker_started_at) < $1
			ORDER BY COALESCE(worker_heartbeat_at, worker_started_at)
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, cutoff, limit)
		if err != nil {
			return eris.Wrap(err, "order: select stale claims")
		}
		var stale []*Order
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "order: scan stale claim")
			}
			stale = append(stale, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "order: iterate stale claims")
		}

		// Each release runs in its own savepoint so a failed refund leaves
		// the rest of the batch intact.
		for _, o := range stale {
			var out *Order
			err := db.InTx(ctx, tx, func(sp pgx.Tx) error {
				var err error
				out, err = s.release(ctx, sp, o, StaleClaimMessage, refund)
				return err
			})
			if err != nil {
				log.Warn("reap stale claim failed",
					zap.String("order_id", o.ID),
					zap.Int("attempt", o.AttemptCount),
					zap.Error(err),
				)
				continue
			}
			reaped = append(reaped, *out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// Heartbeat refreshes the claim lease of an order claimed under attempt. It
// reports false once the order is no longer IN_PROGRESS under that claim.
func (s *PostgresStore) Heartbeat(ctx context.Context, id string, attempt int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recherche_orders SET worker_heartbeat_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS' AND attempt_count = $2`, id, attempt)
	if err != nil {
		return false, eris.Wrapf(err, "order: heartbeat %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

var rawResultColumns = []string{
	"id", "order_id", "source", "external_id", "name", "address", "postal_code",
	"locality", "phone", "website", "email", "category", "lat", "lng", "payload",
}

// InsertRawResults bulk-inserts the raw results of an order with COPY.
func (s *PostgresStore) InsertRawResults(ctx context.Context, orderID string, results []RawResult) (int64, error) {
	if len(results) == 0 {
		return 0, nil
	}
	oid, err := uuid.Parse(orderID)
	if err != nil {
		return 0, eris.Wrapf(err, "order: invalid order id %q", orderID)
	}

	rows := make([][]any, 0, len(results))
	for i := range results {
		r := &results[i]
		id := uuid.New()
		if r.ID != "" {
			if id, err = uuid.Parse(r.ID); err != nil {
				return 0, eris.Wrapf(err, "order: invalid raw result id %q", r.ID)
			}
		}
		r.ID = id.String()
		r.OrderID = orderID

		var payload any
		if len(r.Payload) > 0 {
			payload = r.Payload
		}
		rows = append(rows, []any{
			id, oid, r.Source, nilIfEmpty(r.ExternalID), r.Name, nilIfEmpty(r.Address), nilIfEmpty(r.PostalCode),
			nilIfEmpty(r.Locality), nilIfEmpty(r.Phone), nilIfEmpty(r.Website), nilIfEmpty(r.Email), nilIfEmpty(r.Category),
			r.Lat, r.Lng, payload,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "recherche_raw_results", rawResultColumns, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "order: insert raw results for %s", orderID)
	}
	return n, nil
}

// ListUnprocessed returns the raw results of an order without a disposition,
// oldest first.
func (s *PostgresStore) ListUnprocessed(ctx context.Context, orderID string) ([]RawResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, order_id::text, source, COALESCE(external_id, ''), name,
			COALESCE(address, ''), COALESCE(postal_code, ''), COALESCE(locality, ''),
			COALESCE(phone, ''), COALESCE(website, ''), COALESCE(email, ''), COALESCE(category, ''),
			lat, lng, payload, created_at
		FROM recherche_raw_results
		WHERE order_id = $1 AND processed_at IS NULL
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "order: list unprocessed results for %s", orderID)
	}
	defer rows.Close()

	var out []RawResult
	for rows.Next() {
		var r RawResult
		if err := rows.Scan(
			&r.ID, &r.OrderID, &r.Source, &r.ExternalID, &r.Name,
			&r.Address, &r.PostalCode, &r.Locality,
			&r.Phone, &r.Website, &r.Email, &r.Category,
			&r.Lat, &r.Lng, &r.Payload, &r.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "order: scan raw result")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDuplicate records that a raw result duplicates an existing business.
func (s *PostgresStore) MarkDuplicate(ctx context.Context, rawID, businessID string) error {
	return s.mark(ctx, `
		UPDATE recherche_raw_results SET
			is_duplicate = true, duplicate_of = $2, processed_at = now()
		WHERE id = $1 AND processed_at IS NULL`, rawID, businessID)
}

// MarkLinked records the business created for a raw result.
func (s *PostgresStore) MarkLinked(ctx context.Context, rawID, businessID string) error {
	return s.mark(ctx, `
		UPDATE recherche_raw_results SET
			is_duplicate = false, business_id = $2, processed_at = now()
		WHERE id = $1 AND processed_at IS NULL`, rawID, businessID)
}

func (s *PostgresStore) mark(ctx context.Context, sql, rawID, businessID string) error {
	tag, err := s.pool.Exec(ctx, sql, rawID, businessID)
	if err != nil {
		return eris.Wrapf(err, "order: mark raw result %s", rawID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("order: raw result %s missing or already processed", rawID)
	}
	return nil
}

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
