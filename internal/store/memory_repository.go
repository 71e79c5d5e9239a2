/**
 * @description
 * In-memory implementation of the `Repository` interface. Used by the test
 * suite and by local deployments that pair it with the test-ledger driver.
 * Records live in maps keyed by stable ids; every mutation goes through the
 * same narrow atomic operations as the Postgres implementation, with a
 * per-allocation mutex guarding the reserve/refund critical sections so
 * concurrent reserves against one allocation serialize exactly as the
 * row lock does in Postgres.
 */

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
)

type allocationEntry struct {
	mu    sync.Mutex
	alloc domain.Allocation
}

// MemoryRepository is a Repository backed by process memory.
type MemoryRepository struct {
	mu           sync.RWMutex
	allocations  map[uuid.UUID]*allocationEntry
	reservations map[uuid.UUID]*domain.Reservation
	transactions map[uuid.UUID]*domain.Transaction
	byIntentKey  map[string]uuid.UUID
	events       []*domain.SettlementEvent
	nextEventID  int64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		allocations:  make(map[uuid.UUID]*allocationEntry),
		reservations: make(map[uuid.UUID]*domain.Reservation),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byIntentKey:  make(map[string]uuid.UUID),
		nextEventID:  1,
	}
}

func (r *MemoryRepository) allocationEntry(id uuid.UUID) (*allocationEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.allocations[id]
	return entry, ok
}

// CreateAllocation stores a new open allocation.
func (r *MemoryRepository) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	if !alloc.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *alloc
	stored.Spent = decimal.Zero
	r.allocations[alloc.ID] = &allocationEntry{alloc: stored}
	return nil
}

// GetAllocation returns a copy of the allocation.
func (r *MemoryRepository) GetAllocation(ctx context.Context, id uuid.UUID) (*domain.Allocation, error) {
	entry, ok := r.allocationEntry(id)
	if !ok {
		return nil, ErrAllocationNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	alloc := entry.alloc
	return &alloc, nil
}

// ReserveAllocation performs the atomic check-and-increment under the
// allocation's own mutex.
func (r *MemoryRepository) ReserveAllocation(ctx context.Context, allocationID uuid.UUID, amount decimal.Decimal) (*domain.Reservation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entry, ok := r.allocationEntry(allocationID)
	if !ok {
		return nil, ErrAllocationNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.alloc.Closed {
		return nil, ErrAllocationClosed
	}
	if entry.alloc.Remaining().LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	entry.alloc.Spent = entry.alloc.Spent.Add(amount)

	reservation := &domain.Reservation{
		Token:        uuid.New(),
		AllocationID: allocationID,
		Amount:       amount,
		CreatedAt:    time.Now().UTC(),
	}
	r.mu.Lock()
	r.reservations[reservation.Token] = reservation
	r.mu.Unlock()

	out := *reservation
	return &out, nil
}

// ReleaseAllocation closes the allocation and returns the unreserved remainder.
func (r *MemoryRepository) ReleaseAllocation(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	entry, ok := r.allocationEntry(id)
	if !ok {
		return decimal.Zero, ErrAllocationNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.alloc.Closed {
		return decimal.Zero, ErrAllocationClosed
	}
	entry.alloc.Closed = true
	return entry.alloc.Remaining(), nil
}

// RefundReservation returns a reservation's amount to its allocation, once.
func (r *MemoryRepository) RefundReservation(ctx context.Context, token uuid.UUID, amount decimal.Decimal) error {
	r.mu.RLock()
	reservation, ok := r.reservations[token]
	r.mu.RUnlock()
	if !ok {
		return ErrReservationNotFound
	}

	entry, ok := r.allocationEntry(reservation.AllocationID)
	if !ok {
		return ErrAllocationNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if reservation.Refunded {
		return ErrAlreadyRefunded
	}
	reservation.Refunded = true
	entry.alloc.Spent = entry.alloc.Spent.Sub(amount)
	if entry.alloc.Spent.IsNegative() {
		entry.alloc.Spent = decimal.Zero
	}
	return nil
}

// ListExpiredOpenAllocations returns open allocations whose expiry passed.
func (r *MemoryRepository) ListExpiredOpenAllocations(ctx context.Context, now time.Time) ([]domain.Allocation, error) {
	r.mu.RLock()
	entries := make([]*allocationEntry, 0, len(r.allocations))
	for _, entry := range r.allocations {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var out []domain.Allocation
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.alloc.Closed && entry.alloc.Expired(now) {
			out = append(out, entry.alloc)
		}
		entry.mu.Unlock()
	}
	return out, nil
}

// CreateTransactionWithIntent stores the transaction and its intent-key
// mapping atomically under the repository lock.
func (r *MemoryRepository) CreateTransactionWithIntent(ctx context.Context, txRecord *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byIntentKey[txRecord.IdempotencyKey]; exists {
		return ErrDuplicateIntent
	}
	stored := *txRecord
	r.transactions[txRecord.ID] = &stored
	r.byIntentKey[txRecord.IdempotencyKey] = txRecord.ID
	return nil
}

// FindTransactionByID returns a copy of the transaction.
func (r *MemoryRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txRecord, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *txRecord
	return &out, nil
}

// FindTransactionByIdempotencyKey resolves the intent key mapping.
func (r *MemoryRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIntentKey[key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *r.transactions[id]
	return &out, nil
}

// MarkTransactionSubmitted records the driver tx id on a pending transaction.
func (r *MemoryRepository) MarkTransactionSubmitted(ctx context.Context, id uuid.UUID, driverTxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txRecord, ok := r.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if txRecord.State != domain.TxStatePending {
		return nil
	}
	txRecord.State = domain.TxStateSubmitted
	txRecord.DriverTxID = &driverTxID
	txRecord.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkTransactionConfirmed finalizes to confirmed and appends the event.
func (r *MemoryRepository) MarkTransactionConfirmed(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error) {
	return r.finalize(ctx, id, domain.TxStateConfirmed, nil, &confirmedAt)
}

// MarkTransactionFailed finalizes to failed, appends the event and refunds
// the transaction's reservation before returning, mirroring the single
// database transaction of the Postgres implementation.
func (r *MemoryRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return r.finalize(ctx, id, domain.TxStateFailed, &reason, nil)
}

func (r *MemoryRepository) finalize(ctx context.Context, id uuid.UUID, state string, reason *string, confirmedAt *time.Time) (bool, error) {
	r.mu.Lock()
	txRecord, ok := r.transactions[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrTransactionNotFound
	}
	if domain.TerminalState(txRecord.State) {
		r.mu.Unlock()
		return false, nil
	}

	now := time.Now().UTC()
	txRecord.State = state
	txRecord.UpdatedAt = now
	if reason != nil {
		txRecord.FailureReason = reason
	}
	if confirmedAt != nil {
		at := confirmedAt.UTC()
		txRecord.ConfirmedAt = &at
	}

	outcome := domain.OutcomeConfirmed
	occurredAt := now
	if state == domain.TxStateFailed {
		outcome = domain.OutcomeFailed
	} else if confirmedAt != nil {
		occurredAt = confirmedAt.UTC()
	}
	r.events = append(r.events, &domain.SettlementEvent{
		ID:            r.nextEventID,
		TransactionID: id,
		Outcome:       outcome,
		Amount:        txRecord.Amount,
		Platform:      txRecord.Platform,
		Reason:        reason,
		OccurredAt:    occurredAt,
	})
	r.nextEventID++

	var refundToken *uuid.UUID
	if state == domain.TxStateFailed && txRecord.ReservationToken != nil {
		token := *txRecord.ReservationToken
		refundToken = &token
	}
	amount := txRecord.Amount
	r.mu.Unlock()

	// The guarded transition above fires at most once per transaction, and
	// the refunded flag absorbs replays from other paths.
	if refundToken != nil {
		err := r.RefundReservation(ctx, *refundToken, amount)
		if err != nil && !errors.Is(err, ErrAlreadyRefunded) && !errors.Is(err, ErrReservationNotFound) {
			return true, err
		}
	}
	return true, nil
}

// ListTransactionsInStates returns transactions in the given states,
// oldest first.
func (r *MemoryRepository) ListTransactionsInStates(ctx context.Context, states ...string) ([]domain.Transaction, error) {
	wanted := make(map[string]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Transaction
	for _, txRecord := range r.transactions {
		if wanted[txRecord.State] {
			out = append(out, *txRecord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListUnpublishedEvents returns unpublished events, oldest first.
func (r *MemoryRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.SettlementEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SettlementEvent
	for _, event := range r.events {
		if event.Published {
			continue
		}
		out = append(out, *event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkEventPublished flags an event as delivered.
func (r *MemoryRepository) MarkEventPublished(ctx context.Context, eventID int64, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.ID == eventID {
			event.Published = true
			at := publishedAt
			event.PublishedAt = &at
			return nil
		}
	}
	return nil
}

// SumConfirmedSpendByPlatform totals confirmed amounts per platform.
func (r *MemoryRepository) SumConfirmedSpendByPlatform(ctx context.Context, platform domain.Platform) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, txRecord := range r.transactions {
		if txRecord.State == domain.TxStateConfirmed && txRecord.Platform == platform {
			sum = sum.Add(txRecord.Amount)
		}
	}
	return sum, nil
}
