/**
 * @description
 * This file contains the payment scheduling logic for the settlement-service.
 * The `Service` struct accepts payment intents from the marketplace service,
 * validates them against the allocation ledger, resolves the settlement
 * driver through the registry, creates the Transaction record exactly once
 * per idempotency key, and hands the record to the confirmation tracker.
 *
 * Key properties:
 * - A submit either returns an error with no side effects, or a transaction
 *   id immediately; chain finality is always learned asynchronously.
 * - The transaction record and the idempotency-key mapping commit together.
 *   A reservation made for an intent that loses the creation race is rolled
 *   back with a compensating refund, never left dangling.
 *
 * @dependencies
 * - github.com/google/uuid: transaction and allocation ids.
 * - internal/domain, internal/driver, internal/store: models, routing, persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/store"
)

// ErrRateLimited is returned when a payer exceeds the submission rate limit.
var ErrRateLimited = errors.New("submission rate limit exceeded")

// RateLimitedError carries how long the payer should wait before retrying.
// It matches ErrRateLimited under errors.Is so callers can check either.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// TransactionSink receives ownership of newly created transactions. The
// confirmation tracker implements it.
type TransactionSink interface {
	Enqueue(id uuid.UUID)
}

// SubmissionRateLimiter is the optional distributed rate limiter consulted
// before scheduling a payment.
type SubmissionRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides allocation management and payment scheduling.
type Service struct {
	repo     store.Repository
	registry *driver.Registry
	sink     TransactionSink

	rateLimiter     SubmissionRateLimiter
	submitRateLimit int
}

// NewService creates a new scheduler service instance.
func NewService(repo store.Repository, registry *driver.Registry, sink TransactionSink) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		sink:     sink,
	}
}

// SetSubmissionRateLimiter enables per-payer submission rate limiting.
// perMinute <= 0 leaves limiting disabled.
func (s *Service) SetSubmissionRateLimiter(limiter SubmissionRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.submitRateLimit = perMinute
}

// CreateAllocation opens a new spending allowance for payer on platform.
// ttl == 0 means no expiry.
func (s *Service) CreateAllocation(ctx context.Context, payer string, platform domain.Platform, amount decimal.Decimal, ttl time.Duration) (*domain.Allocation, error) {
	if strings.TrimSpace(payer) == "" {
		return nil, errors.New("payer is required")
	}
	if !amount.IsPositive() {
		return nil, store.ErrInvalidAmount
	}
	if _, err := s.registry.Lookup(platform); err != nil {
		return nil, err
	}

	alloc := &domain.Allocation{
		ID:        uuid.New(),
		Payer:     payer,
		Platform:  platform,
		Amount:    amount,
		Spent:     decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		expires := alloc.CreatedAt.Add(ttl)
		alloc.ExpiresAt = &expires
	}
	if err := s.repo.CreateAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	log.Printf("level=info component=scheduler msg=\"allocation created\" allocation_id=%s payer=%s platform=%s amount=%s",
		alloc.ID, alloc.Payer, alloc.Platform, alloc.Amount)
	return alloc, nil
}

// GetAllocation returns the current state of one allocation.
func (s *Service) GetAllocation(ctx context.Context, id uuid.UUID) (*domain.Allocation, error) {
	return s.repo.GetAllocation(ctx, id)
}

// ReleaseAllocation closes an allocation and returns the unreserved
// remainder. In-flight reservations are immune; they resolve through the
// tracker's terminal transitions.
func (s *Service) ReleaseAllocation(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	remaining, err := s.repo.ReleaseAllocation(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	log.Printf("level=info component=scheduler msg=\"allocation released\" allocation_id=%s remaining=%s", id, remaining)
	return remaining, nil
}

// GetTransaction returns the current state of one transaction, the polling
// surface for submitters awaiting finality.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// SubmitPayment schedules one payment intent. It returns the transaction id
// once the record exists; submission to the driver is asynchronous.
func (s *Service) SubmitPayment(ctx context.Context, intent domain.PaymentIntent) (uuid.UUID, error) {
	if strings.TrimSpace(intent.IdempotencyKey) == "" {
		return uuid.Nil, errors.New("idempotency key is required")
	}
	if strings.TrimSpace(intent.Payer) == "" || strings.TrimSpace(intent.Payee) == "" {
		return uuid.Nil, errors.New("payer and payee are required")
	}
	if !intent.Amount.IsPositive() {
		return uuid.Nil, store.ErrInvalidAmount
	}

	// 1. Idempotency check: a retried intent returns the existing
	// transaction with no side effects.
	if existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, intent.IdempotencyKey); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return uuid.Nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	if err := s.consumeSubmitRateLimit(ctx, intent.Payer); err != nil {
		return uuid.Nil, err
	}

	// 2. Reserve against the allocation, if one is referenced.
	var reservation *domain.Reservation
	if intent.AllocationID != nil {
		var err error
		reservation, err = s.repo.ReserveAllocation(ctx, *intent.AllocationID, intent.Amount)
		if err != nil {
			return uuid.Nil, err
		}
	}

	// 3. Resolve the driver. A failure here must roll the reservation back.
	if _, err := s.registry.Lookup(intent.Platform); err != nil {
		s.rollbackReservation(ctx, reservation, intent.Amount)
		return uuid.Nil, err
	}

	// 4. Create the transaction together with the idempotency-key mapping.
	txRecord := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: intent.IdempotencyKey,
		Payer:          intent.Payer,
		Payee:          intent.Payee,
		Platform:       intent.Platform,
		Amount:         intent.Amount,
		State:          domain.TxStatePending,
		CreatedAt:      time.Now().UTC(),
	}
	txRecord.UpdatedAt = txRecord.CreatedAt
	if reservation != nil {
		token := reservation.Token
		txRecord.ReservationToken = &token
	}

	if err := s.repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
		s.rollbackReservation(ctx, reservation, intent.Amount)
		if errors.Is(err, store.ErrDuplicateIntent) {
			// Lost the creation race against a concurrent retry of the same
			// intent; the winner's transaction is the one.
			existing, lookupErr := s.repo.FindTransactionByIdempotencyKey(ctx, intent.IdempotencyKey)
			if lookupErr != nil {
				return uuid.Nil, fmt.Errorf("resolve duplicate intent: %w", lookupErr)
			}
			return existing.ID, nil
		}
		return uuid.Nil, fmt.Errorf("create transaction: %w", err)
	}

	log.Printf("level=info component=scheduler msg=\"payment scheduled\" transaction_id=%s idempotency_key=%s platform=%s amount=%s",
		txRecord.ID, txRecord.IdempotencyKey, txRecord.Platform, txRecord.Amount)

	// 5. Hand off to the confirmation tracker; from here the record is its.
	s.sink.Enqueue(txRecord.ID)
	return txRecord.ID, nil
}

func (s *Service) consumeSubmitRateLimit(ctx context.Context, payer string) error {
	if s.rateLimiter == nil || s.submitRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "payments:submit", payer, s.submitRateLimit, time.Minute)
	if err != nil {
		// Rate limiting degrades open: a limiter outage must not block payments.
		log.Printf("level=warn component=scheduler msg=\"rate limiter unavailable\" payer=%s err=%v", payer, err)
		return nil
	}
	if count > s.submitRateLimit {
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// rollbackReservation is the compensating action for failures between
// reserve and transaction creation.
func (s *Service) rollbackReservation(ctx context.Context, reservation *domain.Reservation, amount decimal.Decimal) {
	if reservation == nil {
		return
	}
	if err := s.repo.RefundReservation(ctx, reservation.Token, amount); err != nil && !errors.Is(err, store.ErrAlreadyRefunded) {
		log.Printf("level=error component=scheduler msg=\"reservation rollback failed\" token=%s err=%v", reservation.Token, err)
	}
}
