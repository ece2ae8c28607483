// Package ledger implements the two-phase credit protocol used by recherche
// orders: reserve at creation, settle or cancel when the order ends.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/db"
)

// Ledger errors.
var (
	ErrInsufficientFunds   = eris.New("ledger: insufficient funds")
	ErrAccountBlocked      = eris.New("ledger: account blocked")
	ErrReservationNotFound = eris.New("ledger: reservation not found")
	ErrReservationClosed   = eris.New("ledger: reservation already closed")
	ErrInvalidAmount       = eris.New("ledger: invalid amount")
)

// Ledger is the credit primitive consumed by the order lifecycle. Each call
// is atomic with respect to the partner's balance.
type Ledger interface {
	// Reserve holds amountCents for partnerID and returns the reservation ref.
	Reserve(ctx context.Context, partnerID string, amountCents int64, reference string) (string, error)
	// Settle closes a reservation at the actual amount, refunding the surplus,
	// and returns the settlement ref.
	Settle(ctx context.Context, reservationRef string, actualCents int64, reference string) (string, error)
	// Cancel closes a reservation with a full refund.
	Cancel(ctx context.Context, reservationRef string, reference string) error
}

// TxCloser is implemented by ledgers that can close a reservation inside
// the caller's transaction.
type TxCloser interface {
	SettleTx(ctx context.Context, q db.Querier, reservationRef string, actualCents int64, reference string) (string, error)
	CancelTx(ctx context.Context, q db.Querier, reservationRef string, reference string) error
}

// ClosedError reports a reservation that was already closed. It matches
// ErrReservationClosed under errors.Is.
type ClosedError struct {
	ReservationRef string
	// Kind is the closing transaction's kind: KindSettlement or KindRefund.
	Kind TransactionKind
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("ledger: reservation %s already closed by %s", e.ReservationRef, e.Kind)
}

// Is matches ErrReservationClosed.
func (e *ClosedError) Is(target error) bool { return target == ErrReservationClosed }

// TxReserver is implemented by ledgers that can reserve inside the caller's
// transaction, so that the reservation commits or rolls back with it.
type TxReserver interface {
	ReserveTx(ctx context.Context, q db.Querier, partnerID string, amountCents int64, reference string) (string, error)
}

// BillingType controls whether reservations debit the balance.
type BillingType string

// Billing types. Only credits accounts are debited; the others record
// transactions without touching the balance.
const (
	BillingCredits  BillingType = "credits"
	BillingInvoice  BillingType = "invoice"
	BillingInternal BillingType = "internal"
)

// Valid reports whether t is a known billing type.
func (t BillingType) Valid() bool {
	switch t {
	case BillingCredits, BillingInvoice, BillingInternal:
		return true
	}
	return false
}

// Account is a partner's billing account.
type Account struct {
	PartnerID     string      `json:"partner_id" yaml:"partner_id"`
	Type          BillingType `json:"billing_type" yaml:"billing_type"`
	BalanceCents  int64       `json:"balance_cents" yaml:"balance_cents"`
	Blocked       bool        `json:"blocked" yaml:"blocked"`
	BlockedReason string      `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
}

// TransactionKind classifies credit transactions.
type TransactionKind string

// Transaction kinds.
const (
	KindReservation TransactionKind = "reservation"
	KindSettlement  TransactionKind = "settlement"
	KindRefund      TransactionKind = "refund"
	KindTopup       TransactionKind = "topup"
)

// Transaction is one signed movement on an account. Debits are negative.
type Transaction struct {
	ID                string          `json:"id" yaml:"id"`
	PartnerID         string          `json:"partner_id" yaml:"partner_id"`
	Kind              TransactionKind `json:"kind" yaml:"kind"`
	AmountCents       int64           `json:"amount_cents" yaml:"amount_cents"`
	BalanceAfterCents int64           `json:"balance_after_cents" yaml:"balance_after_cents"`
	Reference         string          `json:"reference,omitempty" yaml:"reference,omitempty"`
	ReservationID     string          `json:"reservation_id,omitempty" yaml:"reservation_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at" yaml:"created_at"`
}
