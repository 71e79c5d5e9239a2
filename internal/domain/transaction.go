/**
 * @description
 * This file defines the core domain models for the settlement-service: the
 * payment intent accepted from the marketplace service and the Transaction
 * record tracked from submission to chain-confirmed finality.
 *
 * @notes
 * - A Transaction is created exactly once per idempotency key and is never
 *   deleted; terminal records stay in place for audit and reconciliation.
 * - After creation the transaction is owned by the confirmation tracker; the
 *   scheduler only creates it and hands it off.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction states. Pending and Submitted are in-flight; Confirmed and
// Failed are terminal and no transition ever leaves them.
const (
	TxStatePending   = "pending"
	TxStateSubmitted = "submitted"
	TxStateConfirmed = "confirmed"
	TxStateFailed    = "failed"
)

// TerminalState reports whether state is one of the two terminal states.
func TerminalState(state string) bool {
	return state == TxStateConfirmed || state == TxStateFailed
}

// PaymentIntent is a request to move `Amount` from `Payer` to `Payee` on
// `Platform`, optionally consuming an allocation. The idempotency key is
// chosen by the caller; submitting the same key twice yields the same
// transaction.
type PaymentIntent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payer          string          `json:"payer"`
	Payee          string          `json:"payee"`
	Platform       Platform        `json:"platform"`
	Amount         decimal.Decimal `json:"amount"`
	AllocationID   *uuid.UUID      `json:"allocation_id,omitempty"`
}

// Transaction is the central record for one payment, tracked end-to-end.
// Maps to the `transactions` table.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Payer            string          `json:"payer"`
	Payee            string          `json:"payee"`
	Platform         Platform        `json:"platform"`
	Amount           decimal.Decimal `json:"amount"`
	State            string          `json:"state"`
	DriverTxID       *string         `json:"driver_tx_id,omitempty"`
	ReservationToken *uuid.UUID      `json:"reservation_token,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
}
