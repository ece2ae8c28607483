// Package order owns the recherche order lifecycle: creation with a credit
// reservation, exclusive worker claims, bounded retries, settlement and
// cancellation.
package order

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/model"
)

// Order errors.
var (
	ErrInvalidScope      = eris.New("order: exactly one of locality, district or postal code is required")
	ErrInvalidFilter     = eris.New("order: exactly one of industry code, category or text is required")
	ErrInvalidTier       = eris.New("order: unknown quality tier")
	ErrInvalidPartner    = eris.New("order: partner id is required")
	ErrNotFound          = eris.New("order: not found")
	ErrNotOwner          = eris.New("order: owned by another partner")
	ErrNotCancellable    = eris.New("order: only confirmed orders can be cancelled")
	ErrInvalidTransition = eris.New("order: invalid status transition")
)

// MaxErrorMessageLen bounds the stored failure message, in runes.
const MaxErrorMessageLen = 1000

// DefaultMaxAttempts is used when no attempt limit is configured.
const DefaultMaxAttempts = 3

// Status is the persisted lifecycle state of an order.
type Status string

// Order statuses.
const (
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusConfirmed, StatusFailed},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckClaim returns ErrInvalidTransition unless o is still IN_PROGRESS
// under the claim that produced attempt. Reclaiming an order raises its
// attempt count, so a worker whose lease was reaped no longer matches.
func CheckClaim(o *Order, attempt int) error {
	if o.Status != StatusInProgress {
		return eris.Wrapf(ErrInvalidTransition, "order: %s is %s", o.ID, o.Status)
	}
	if o.AttemptCount != attempt {
		return eris.Wrapf(ErrInvalidTransition, "order: %s attempt %d superseded by attempt %d", o.ID, attempt, o.AttemptCount)
	}
	return nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", eris.Errorf("order: unknown status %q", v)
	}
	return s, nil
}

// Order is one paid recherche request.
type Order struct {
	ID        string            `json:"id" yaml:"id"`
	PartnerID string            `json:"partner_id" yaml:"partner_id"`
	Scope     model.Scope       `json:"scope" yaml:"scope"`
	Filter    model.Filter      `json:"filter" yaml:"filter"`
	Tier      model.QualityTier `json:"quality_tier" yaml:"quality_tier"`
	Status    Status            `json:"status" yaml:"status"`

	EstimatedCount     int   `json:"estimated_count" yaml:"estimated_count"`
	EstimatedCostCents int64 `json:"estimated_cost_cents" yaml:"estimated_cost_cents"`
	ReservationCents   int64 `json:"reservation_cents" yaml:"reservation_cents"`

	RawCount         int      `json:"raw_count" yaml:"raw_count"`
	NewCount         int      `json:"new_count" yaml:"new_count"`
	DuplicateCount   int      `json:"duplicate_count" yaml:"duplicate_count"`
	UpdatedCount     int      `json:"updated_count" yaml:"updated_count"`
	ActualCostCents  *int64   `json:"actual_cost_cents,omitempty" yaml:"actual_cost_cents,omitempty"`
	ProviderSpendUSD *float64 `json:"provider_spend_usd,omitempty" yaml:"provider_spend_usd,omitempty"`

	ReservationRef string `json:"reservation_ref,omitempty" yaml:"reservation_ref,omitempty"`
	SettlementRef  string `json:"settlement_ref,omitempty" yaml:"settlement_ref,omitempty"`

	AttemptCount      int        `json:"attempt_count" yaml:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts" yaml:"max_attempts"`
	WorkerStartedAt   *time.Time `json:"worker_started_at,omitempty" yaml:"worker_started_at,omitempty"`
	WorkerHeartbeatAt *time.Time `json:"worker_heartbeat_at,omitempty" yaml:"worker_heartbeat_at,omitempty"`
	WorkerFinishedAt  *time.Time `json:"worker_finished_at,omitempty" yaml:"worker_finished_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" yaml:"confirmed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Result is the outcome a worker reports when completing an order.
type Result struct {
	RawCount         int
	NewCount         int
	DuplicateCount   int
	UpdatedCount     int
	ActualCostCents  int64
	ProviderSpendUSD float64
}

// RawResult is one provider candidate collected for an order. It is
// unprocessed until exactly one of DuplicateOf or BusinessID is set.
type RawResult struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Source      string          `json:"source"`
	ExternalID  string          `json:"external_id,omitempty"`
	Name        string          `json:"name"`
	Address     string          `json:"address,omitempty"`
	PostalCode  string          `json:"postal_code,omitempty"`
	Locality    string          `json:"locality,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Website     string          `json:"website,omitempty"`
	Email       string          `json:"email,omitempty"`
	Category    string          `json:"category,omitempty"`
	Lat         *float64        `json:"lat,omitempty"`
	Lng         *float64        `json:"lng,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IsDuplicate bool            `json:"is_duplicate"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
	BusinessID  string          `json:"business_id,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Processed reports whether the result has a disposition.
func (r RawResult) Processed() bool {
	return r.DuplicateOf != "" || r.BusinessID != ""
}

// Request is a partner's order or estimate request.
type Request struct {
	PartnerID string            `json:"partner_id" yaml:"partner_id"`
	Scope     model.Scope       `json:"scope" yaml:"scope"`
	Filter    model.Filter      `json:"filter" yaml:"filter"`
	Tier      model.QualityTier `json:"quality_tier" yaml:"quality_tier"`
}

// Normalize returns r with surrounding whitespace removed from the partner,
// scope and filter values.
func (r Request) Normalize() Request {
	r.PartnerID = strings.TrimSpace(r.PartnerID)
	r.Scope = r.Scope.Trimmed()
	r.Filter = r.Filter.Trimmed()
	return r
}

// Validate checks that exactly one scope field and exactly one filter field
// are set and that the tier is known.
func (r Request) Validate() error {
	if strings.TrimSpace(r.PartnerID) == "" {
		return ErrInvalidPartner
	}
	if r.Scope.Count() != 1 {
		return eris.Wrapf(ErrInvalidScope, "order: %d scope fields set", r.Scope.Count())
	}
	if r.Filter.Count() != 1 {
		return eris.Wrapf(ErrInvalidFilter, "order: %d filter fields set", r.Filter.Count())
	}
	if !r.Tier.Valid() {
		return eris.Wrapf(ErrInvalidTier, "order: tier %q", r.Tier)
	}
	return nil
}

// TruncateMessage limits msg to MaxErrorMessageLen runes.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLen {
		return msg
	}
	return string(runes[:MaxErrorMessageLen])
}
