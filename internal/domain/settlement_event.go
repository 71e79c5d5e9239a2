package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement event outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
)

// SettlementEvent is the immutable fact emitted when a transaction reaches a
// terminal state. Events are written to the append-only `settlement_events`
// log in the same database transaction as the state change and delivered to
// the marketplace service at least once; consumers deduplicate by
// TransactionID.
type SettlementEvent struct {
	ID            int64           `json:"-"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Outcome       string          `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	Platform      Platform        `json:"platform"`
	Reason        *string         `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"timestamp"`
	Published     bool            `json:"-"`
	PublishedAt   *time.Time      `json:"-"`
}

// DriftAlert is published on the operational alerting path when reconciliation
// detects that internal spend and driver-reported balances have diverged
// beyond tolerance. It reports; it never corrects.
type DriftAlert struct {
	Platform      Platform        `json:"platform"`
	InternalDelta decimal.Decimal `json:"internal_delta"`
	DriverDelta   decimal.Decimal `json:"driver_delta"`
	Tolerance     decimal.Decimal `json:"tolerance"`
	ObservedAt    time.Time       `json:"observed_at"`
}
