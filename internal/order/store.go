package order

import (
	"context"
	"time"

	"github.com/sells-group/recherche-engine/internal/db"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListFilter selects orders for List. An empty PartnerID lists all partners.
type ListFilter struct {
	PartnerID string `json:"partner_id,omitempty"`
	Status    Status `json:"status,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ReserveFunc places the credit reservation for a freshly inserted order. q
// is the creating transaction.
type ReserveFunc func(ctx context.Context, q db.Querier, o *Order) (string, error)

// SettleFunc settles a locked order's reservation and returns the
// settlement ref. q is the transaction holding the lock.
type SettleFunc func(ctx context.Context, q db.Querier, o *Order) (string, error)

// RefundFunc releases a locked order's reservation. q is the transaction
// holding the lock.
type RefundFunc func(ctx context.Context, q db.Querier, o *Order) error

// Store persists orders and their raw results. Every status change is
// conditioned on the current status inside a row lock; worker transitions
// are also conditioned on the attempt of the caller's claim. Get returns nil, nil
// for missing orders and ClaimNext returns nil, nil when nothing is eligible.
type Store interface {
	// Orders
	Create(ctx context.Context, o *Order, reserve ReserveFunc) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)

	// Transitions
	ClaimNext(ctx context.Context) (*Order, error)
	Complete(ctx context.Context, id string, attempt int, r Result, settle SettleFunc) (*Order, error)
	Fail(ctx context.Context, id string, attempt int, message string, refund RefundFunc) (*Order, error)
	Cancel(ctx context.Context, id, partnerID string, refund RefundFunc) (*Order, error)
	ReapStale(ctx context.Context, cutoff time.Time, limit int, refund RefundFunc) ([]Order, error)
	Heartbeat(ctx context.Context, id string, attempt int) (bool, error)

	// Raw results
	InsertRawResults(ctx context.Context, orderID string, results []RawResult) (int64, error)
	ListUnprocessed(ctx context.Context, orderID string) ([]RawResult, error)
	MarkDuplicate(ctx context.Context, rawID, businessID string) error
	MarkLinked(ctx context.Context, rawID, businessID string) error
}
