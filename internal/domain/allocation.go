/**
 * @description
 * Domain models for the allocation ledger. An Allocation is a payer's
 * pre-reserved spending allowance against one platform; a Reservation is a
 * single-use claim of part of that allowance, created when a payment is
 * scheduled and refunded if the payment ultimately fails on the ledger.
 *
 * @notes
 * - Amounts are decimal.Decimal: ledger assets carry arbitrary precision and
 *   must never be rounded through floats.
 * - `Spent` only moves up through Reserve and down through Refund; the
 *   repository enforces `0 <= Spent <= Amount` at all times.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Allocation is a reserved-but-unspent spending allowance of a payer against
// one platform. It maps to the `allocations` table.
type Allocation struct {
	ID        uuid.UUID       `json:"id"`
	Payer     string          `json:"payer"`
	Platform  Platform        `json:"platform"`
	Amount    decimal.Decimal `json:"amount"`
	Spent     decimal.Decimal `json:"spent"`
	Closed    bool            `json:"closed"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Remaining is the allowance still available for new reservations.
func (a *Allocation) Remaining() decimal.Decimal {
	return a.Amount.Sub(a.Spent)
}

// Expired reports whether the allocation has an expiry in the past.
func (a *Allocation) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Reservation is a single-use claim of part of an allocation, produced by the
// atomic reserve step. Its token is what the confirmation tracker uses to
// refund the amount when a transaction fails. Maps to the `reservations` table.
type Reservation struct {
	Token        uuid.UUID       `json:"token"`
	AllocationID uuid.UUID       `json:"allocation_id"`
	Amount       decimal.Decimal `json:"amount"`
	Refunded     bool            `json:"refunded"`
	CreatedAt    time.Time       `json:"created_at"`
}
