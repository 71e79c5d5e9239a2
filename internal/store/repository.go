/**
 * @description
 * This file defines the `Repository` interface: the narrow set of atomic
 * persistence operations the orchestration core is allowed to perform. All
 * mutation of allocations and transactions goes through these operations;
 * no component mutates shared records any other way. Defining an interface
 * decouples the scheduler, tracker and reconciler from the storage engine
 * and lets tests run against the in-memory implementation.
 *
 * @notes
 * - ReserveAllocation is a single atomic check-and-increment; that is what
 *   prevents two concurrent payments from over-spending one allocation.
 * - CreateTransactionWithIntent persists the transaction together with its
 *   idempotency-key mapping; both commit or neither. That is the core
 *   exactly-once guarantee.
 * - The terminal transitions append the settlement event in the same storage
 *   transaction as the state change (transactional outbox).
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient allocation funds")
	ErrAllocationNotFound  = errors.New("allocation not found")
	ErrAllocationClosed    = errors.New("allocation is closed")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyRefunded     = errors.New("reservation already refunded")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateIntent     = errors.New("idempotency key already mapped to a transaction")
)

// Repository defines the persistence contract for the settlement core.
type Repository interface {
	// Allocation ledger.
	CreateAllocation(ctx context.Context, alloc *domain.Allocation) error
	GetAllocation(ctx context.Context, id uuid.UUID) (*domain.Allocation, error)
	// ReserveAllocation atomically checks remaining >= amount and increments
	// spent, returning a single-use reservation. Fails with
	// ErrInsufficientFunds, ErrAllocationNotFound or ErrAllocationClosed.
	ReserveAllocation(ctx context.Context, allocationID uuid.UUID, amount decimal.Decimal) (*domain.Reservation, error)
	// ReleaseAllocation marks the allocation closed and returns the unreserved
	// remainder. Already-reserved amounts stay reserved until their
	// transactions resolve.
	ReleaseAllocation(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
	// RefundReservation decrements the allocation's spent by amount and marks
	// the reservation refunded. Idempotent per token: a second call reports
	// ErrAlreadyRefunded and mutates nothing.
	RefundReservation(ctx context.Context, token uuid.UUID, amount decimal.Decimal) error
	// ListExpiredOpenAllocations returns open allocations whose expiry is
	// before now, for the expiry sweep.
	ListExpiredOpenAllocations(ctx context.Context, now time.Time) ([]domain.Allocation, error)

	// Transactions.
	// CreateTransactionWithIntent persists tx and its idempotency-key mapping
	// atomically. A concurrent insert with the same key fails with
	// ErrDuplicateIntent.
	CreateTransactionWithIntent(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	// MarkTransactionSubmitted records the driver tx id and moves
	// pending -> submitted. A no-op if the transaction already left pending.
	MarkTransactionSubmitted(ctx context.Context, id uuid.UUID, driverTxID string) error
	// MarkTransactionConfirmed moves submitted|pending -> confirmed and
	// appends the settlement event in the same storage transaction. Returns
	// false without side effects when the transaction is already terminal.
	MarkTransactionConfirmed(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error)
	// MarkTransactionFailed is the failure counterpart of
	// MarkTransactionConfirmed. It additionally refunds the transaction's
	// reservation (if any) in the same storage transaction as the state
	// change, so no failure or crash can separate the two. The refunded flag
	// makes replayed refunds no-ops.
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// ListTransactionsInStates returns every transaction currently in one of
	// the given states, used for crash recovery.
	ListTransactionsInStates(ctx context.Context, states ...string) ([]domain.Transaction, error)

	// Settlement-event outbox.
	ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.SettlementEvent, error)
	MarkEventPublished(ctx context.Context, eventID int64, publishedAt time.Time) error

	// Reconciliation.
	// SumConfirmedSpendByPlatform totals the amounts of confirmed transactions
	// on one platform.
	SumConfirmedSpendByPlatform(ctx context.Context, platform domain.Platform) (decimal.Decimal, error)
}
