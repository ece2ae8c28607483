package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/db"
)

// PostgresLedger implements Ledger over billing_accounts and
// credit_transactions. Accounts are created on first use as internal.
type PostgresLedger struct {
	pool db.Beginner
	log  *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger. When pool is a pgx.Tx every
// call joins that transaction.
func NewPostgresLedger(pool db.Beginner) *PostgresLedger {
	return &PostgresLedger{
		pool: pool,
		log:  zap.L().With(zap.String("component", "ledger.postgres")),
	}
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, partnerID string, amountCents int64, reference string) (string, error) {
	var ref string
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		ref, err = l.ReserveTx(ctx, tx, partnerID, amountCents, reference)
		return err
	})
	return ref, err
}

// ReserveTx implements TxReserver.
func (l *PostgresLedger) ReserveTx(ctx context.Context, q db.Querier, partnerID string, amountCents int64, reference string) (string, error) {
	if amountCents < 0 {
		return "", eris.Wrapf(ErrInvalidAmount, "ledger: reserve %d cents", amountCents)
	}

	acct, err := lockAccount(ctx, q, partnerID)
	if err != nil {
		return "", err
	}
	if acct.Blocked {
		return "", eris.Wrapf(ErrAccountBlocked, "ledger: partner %s: %s", partnerID, acct.BlockedReason)
	}

	balance := acct.BalanceCents
	if acct.Type == BillingCredits {
		err := q.QueryRow(ctx, `
			UPDATE billing_accounts
			SET balance_cents = balance_cents - $2, updated_at = now()
			WHERE partner_id = $1 AND balance_cents >= $2
			RETURNING balance_cents`, partnerID, amountCents).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", eris.Wrapf(ErrInsufficientFunds, "ledger: partner %s has %d cents, needs %d", partnerID, acct.BalanceCents, amountCents)
			}
			return "", eris.Wrapf(err, "ledger: debit partner %s", partnerID)
		}
	}

	id, err := insertTransaction(ctx, q, Transaction{
		PartnerID:         partnerID,
		Kind:              KindReservation,
		AmountCents:       -amountCents,
		BalanceAfterCents: balance,
		Reference:         reference,
	})
	if err != nil {
		return "", err
	}

	l.log.Info("credits reserved",
		zap.String("partner_id", partnerID),
		zap.String("reservation_ref", id),
		zap.Int64("amount_cents", amountCents),
		zap.Int64("balance_cents", balance),
	)
	return id, nil
}

// Settle implements Ledger.
func (l *PostgresLedger) Settle(ctx context.Context, reservationRef string, actualCents int64, reference string) (string, error) {
	if actualCents < 0 {
		return "", eris.Wrapf(ErrInvalidAmount, "ledger: settle %d cents", actualCents)
	}
	var ref string
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		ref, err = l.SettleTx(ctx, tx, reservationRef, actualCents, reference)
		return err
	})
	return ref, err
}

// SettleTx implements TxCloser.
func (l *PostgresLedger) SettleTx(ctx context.Context, q db.Querier, reservationRef string, actualCents int64, reference string) (string, error) {
	if actualCents < 0 {
		return "", eris.Wrapf(ErrInvalidAmount, "ledger: settle %d cents", actualCents)
	}
	return l.close(ctx, q, reservationRef, actualCents, KindSettlement, reference)
}

// Cancel implements Ledger.
func (l *PostgresLedger) Cancel(ctx context.Context, reservationRef string, reference string) error {
	return db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		return l.CancelTx(ctx, tx, reservationRef, reference)
	})
}

// CancelTx implements TxCloser.
func (l *PostgresLedger) CancelTx(ctx context.Context, q db.Querier, reservationRef string, reference string) error {
	_, err := l.close(ctx, q, reservationRef, 0, KindRefund, reference)
	return err
}

// close ends an open reservation, crediting back reserved-actual (a negative
// difference debits the shortfall), and returns the closing transaction id.
func (l *PostgresLedger) close(ctx context.Context, q db.Querier, reservationRef string, actualCents int64, kind TransactionKind, reference string) (string, error) {
	var (
		partnerID string
		reserved  int64
		closed    bool
	)
	err := q.QueryRow(ctx, `
		SELECT partner_id::text, -amount_cents, closed_at IS NOT NULL
		FROM credit_transactions
		WHERE id = $1 AND kind = 'reservation'
		FOR UPDATE`, reservationRef).Scan(&partnerID, &reserved, &closed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", eris.Wrapf(ErrReservationNotFound, "ledger: reservation %s", reservationRef)
		}
		return "", eris.Wrapf(err, "ledger: load reservation %s", reservationRef)
	}
	if closed {
		return "", closedBy(ctx, q, reservationRef)
	}

	acct, err := lockAccount(ctx, q, partnerID)
	if err != nil {
		return "", err
	}

	delta := reserved - actualCents
	balance := acct.BalanceCents
	if acct.Type == BillingCredits && delta != 0 {
		err := q.QueryRow(ctx, `
			UPDATE billing_accounts
			SET balance_cents = balance_cents + $2, updated_at = now()
			WHERE partner_id = $1
			RETURNING balance_cents`, partnerID, delta).Scan(&balance)
		if err != nil {
			return "", eris.Wrapf(err, "ledger: credit partner %s", partnerID)
		}
	}

	id, err := insertTransaction(ctx, q, Transaction{
		PartnerID:         partnerID,
		Kind:              kind,
		AmountCents:       delta,
		BalanceAfterCents: balance,
		Reference:         reference,
		ReservationID:     reservationRef,
	})
	if err != nil {
		return "", err
	}

	if _, err := q.Exec(ctx, `UPDATE credit_transactions SET closed_at = now() WHERE id = $1`, reservationRef); err != nil {
		return "", eris.Wrapf(err, "ledger: close reservation %s", reservationRef)
	}

	l.log.Info("reservation closed",
		zap.String("partner_id", partnerID),
		zap.String("reservation_ref", reservationRef),
		zap.String("kind", string(kind)),
		zap.Int64("reserved_cents", reserved),
		zap.Int64("actual_cents", actualCents),
		zap.Int64("balance_cents", balance),
	)
	return id, nil
}

// closedBy reports how a closed reservation was closed.
func closedBy(ctx context.Context, q db.Querier, reservationRef string) error {
	var kind TransactionKind
	err := q.QueryRow(ctx, `
		SELECT kind FROM credit_transactions
		WHERE reservation_id = $1 AND kind IN ('settlement', 'refund')
		ORDER BY created_at DESC
		LIMIT 1`, reservationRef).Scan(&kind)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(err, "ledger: load closing transaction of %s", reservationRef)
	}
	return &ClosedError{ReservationRef: reservationRef, Kind: kind}
}

// Topup credits amountCents to a partner and returns the new balance.
func (l *PostgresLedger) Topup(ctx context.Context, partnerID string, amountCents int64, reference string) (int64, error) {
	if amountCents <= 0 {
		return 0, eris.Wrapf(ErrInvalidAmount, "ledger: topup %d cents", amountCents)
	}
	var balance int64
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := lockAccount(ctx, tx, partnerID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE billing_accounts
			SET balance_cents = balance_cents + $2, updated_at = now()
			WHERE partner_id = $1
			RETURNING balance_cents`, partnerID, amountCents).Scan(&balance)
		if err != nil {
			return eris.Wrapf(err, "ledger: topup partner %s", partnerID)
		}
		_, err = insertTransaction(ctx, tx, Transaction{
			PartnerID:         partnerID,
			Kind:              KindTopup,
			AmountCents:       amountCents,
			BalanceAfterCents: balance,
			Reference:         reference,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	l.log.Info("credits topped up",
		zap.String("partner_id", partnerID),
		zap.Int64("amount_cents", amountCents),
		zap.Int64("balance_cents", balance),
	)
	return balance, nil
}

// Balance returns a partner's account. Partners without an account get an
// empty internal account.
func (l *PostgresLedger) Balance(ctx context.Context, partnerID string) (*Account, error) {
	acct := &Account{PartnerID: partnerID}
	err := l.pool.QueryRow(ctx, `
		SELECT billing_type, balance_cents, blocked, COALESCE(blocked_reason, '')
		FROM billing_accounts WHERE partner_id = $1`, partnerID).
		Scan(&acct.Type, &acct.BalanceCents, &acct.Blocked, &acct.BlockedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			acct.Type = BillingInternal
			return acct, nil
		}
		return nil, eris.Wrapf(err, "ledger: balance %s", partnerID)
	}
	return acct, nil
}

// SetBillingType changes how a partner is billed, creating the account if
// needed.
func (l *PostgresLedger) SetBillingType(ctx context.Context, partnerID string, t BillingType) error {
	if !t.Valid() {
		return eris.Errorf("ledger: unknown billing type %q", t)
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO billing_accounts (partner_id, billing_type) VALUES ($1, $2)
		ON CONFLICT (partner_id) DO UPDATE SET billing_type = EXCLUDED.billing_type, updated_at = now()`,
		partnerID, string(t))
	if err != nil {
		return eris.Wrapf(err, "ledger: set billing type for %s", partnerID)
	}
	return nil
}

// SetBlocked blocks or unblocks a partner. Blocked partners cannot reserve.
func (l *PostgresLedger) SetBlocked(ctx context.Context, partnerID string, blocked bool, reason string) error {
	var reasonArg any
	if blocked && reason != "" {
		reasonArg = reason
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO billing_accounts (partner_id, blocked, blocked_reason) VALUES ($1, $2, $3)
		ON CONFLICT (partner_id) DO UPDATE SET
			blocked = EXCLUDED.blocked,
			blocked_reason = EXCLUDED.blocked_reason,
			updated_at = now()`,
		partnerID, blocked, reasonArg)
	if err != nil {
		return eris.Wrapf(err, "ledger: set blocked for %s", partnerID)
	}
	l.log.Info("account block changed",
		zap.String("partner_id", partnerID),
		zap.Bool("blocked", blocked),
	)
	return nil
}

// lockAccount creates the account if missing and locks it for the rest of
// the transaction.
func lockAccount(ctx context.Context, q db.Querier, partnerID string) (*Account, error) {
	if _, err := q.Exec(ctx, `
		INSERT INTO billing_accounts (partner_id) VALUES ($1)
		ON CONFLICT (partner_id) DO NOTHING`, partnerID); err != nil {
		return nil, eris.Wrapf(err, "ledger: ensure account %s", partnerID)
	}

	acct := &Account{PartnerID: partnerID}
	err := q.QueryRow(ctx, `
		SELECT billing_type, balance_cents, blocked, COALESCE(blocked_reason, '')
		FROM billing_accounts WHERE partner_id = $1
		FOR UPDATE`, partnerID).
		Scan(&acct.Type, &acct.BalanceCents, &acct.Blocked, &acct.BlockedReason)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: lock account %s", partnerID)
	}
	return acct, nil
}

func insertTransaction(ctx context.Context, q db.Querier, t Transaction) (string, error) {
	id := uuid.NewString()
	_, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (
			id, partner_id, kind, amount_cents, balance_after_cents, reference, reservation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, t.PartnerID, string(t.Kind), t.AmountCents, t.BalanceAfterCents,
		nilIfEmpty(t.Reference), nilIfEmpty(t.ReservationID),
	)
	if err != nil {
		return "", eris.Wrapf(err, "ledger: insert %s transaction", t.Kind)
	}
	return id, nil
}

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
