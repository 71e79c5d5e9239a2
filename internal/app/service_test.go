package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/driver/testdriver"
	"github.com/gridmarket/settlement-service/internal/store"
)

// captureSink records enqueued transaction ids instead of processing them.
type captureSink struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *captureSink) Enqueue(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// stubRateLimiter returns a scripted count, retry hint, or error.
type stubRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.count++
	return l.count, l.retryAfter, nil
}

func servicePlatform(t *testing.T) domain.Platform {
	t.Helper()
	p, err := domain.ParsePlatform("test:local:tst")
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	return p
}

func newTestService(t *testing.T) (*Service, *store.MemoryRepository, *testdriver.TestDriver, *captureSink) {
	t.Helper()
	repo := store.NewMemoryRepository()
	drv := testdriver.New()
	builder := driver.NewRegistryBuilder()
	if err := builder.Register(servicePlatform(t), drv); err != nil {
		t.Fatalf("register driver: %v", err)
	}
	sink := &captureSink{}
	return NewService(repo, builder.Freeze(), sink), repo, drv, sink
}

func intentFixture(t *testing.T, key string) domain.PaymentIntent {
	t.Helper()
	return domain.PaymentIntent{
		IdempotencyKey: key,
		Payer:          "requestor-wallet",
		Payee:          "provider-wallet",
		Platform:       servicePlatform(t),
		Amount:         decimal.RequireFromString("12.5"),
	}
}

func TestSubmitPaymentCreatesPendingTransaction(t *testing.T) {
	ctx := context.Background()
	service, repo, _, sink := newTestService(t)

	txID, err := service.SubmitPayment(ctx, intentFixture(t, "agreement-1:invoice-1"))
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}

	txRecord, err := repo.FindTransactionByID(ctx, txID)
	if err != nil {
		t.Fatalf("FindTransactionByID: %v", err)
	}
	if txRecord.State != domain.TxStatePending {
		t.Errorf("expected pending state, got %q", txRecord.State)
	}
	if txRecord.IdempotencyKey != "agreement-1:invoice-1" {
		t.Errorf("unexpected idempotency key %q", txRecord.IdempotencyKey)
	}
	if sink.count() != 1 {
		t.Errorf("expected one tracker handoff, got %d", sink.count())
	}
}

func TestSubmitPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service, _, _, sink := newTestService(t)

	first, err := service.SubmitPayment(ctx, intentFixture(t, "agreement-1:invoice-2"))
	if err != nil {
		t.Fatalf("first SubmitPayment: %v", err)
	}
	second, err := service.SubmitPayment(ctx, intentFixture(t, "agreement-1:invoice-2"))
	if err != nil {
		t.Fatalf("retried SubmitPayment: %v", err)
	}

	if first != second {
		t.Errorf("retry must return the original transaction id: %s vs %s", first, second)
	}
	if sink.count() != 1 {
		t.Errorf("retry must not re-enqueue, handoffs=%d", sink.count())
	}
}

func TestSubmitPaymentConcurrentRetriesProduceOneTransaction(t *testing.T) {
	ctx := context.Background()
	service, repo, _, _ := newTestService(t)

	const racers = 20
	ids := make([]uuid.UUID, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = service.SubmitPayment(ctx, intentFixture(t, "agreement-9:invoice-1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("racer %d got a different transaction id: %s vs %s", i, ids[i], ids[0])
		}
	}

	inflight, err := repo.ListTransactionsInStates(ctx, domain.TxStatePending)
	if err != nil {
		t.Fatalf("ListTransactionsInStates: %v", err)
	}
	if len(inflight) != 1 {
		t.Errorf("expected exactly one transaction record, got %d", len(inflight))
	}
}

func TestSubmitPaymentValidation(t *testing.T) {
	ctx := context.Background()
	service, repo, _, sink := newTestService(t)

	missingKey := intentFixture(t, "")
	if _, err := service.SubmitPayment(ctx, missingKey); err == nil {
		t.Error("expected error for missing idempotency key")
	}

	missingPayee := intentFixture(t, "agreement-1:invoice-3")
	missingPayee.Payee = " "
	if _, err := service.SubmitPayment(ctx, missingPayee); err == nil {
		t.Error("expected error for missing payee")
	}

	zeroAmount := intentFixture(t, "agreement-1:invoice-4")
	zeroAmount.Amount = decimal.Zero
	if _, err := service.SubmitPayment(ctx, zeroAmount); !errors.Is(err, store.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	if sink.count() != 0 {
		t.Errorf("rejected submits must not reach the tracker, handoffs=%d", sink.count())
	}
	inflight, _ := repo.ListTransactionsInStates(ctx, domain.TxStatePending)
	if len(inflight) != 0 {
		t.Errorf("rejected submits must leave no records, got %d", len(inflight))
	}
}

func TestSubmitPaymentReservesAllocation(t *testing.T) {
	ctx := context.Background()
	service, repo, _, _ := newTestService(t)

	alloc, err := service.CreateAllocation(ctx, "requestor-wallet", servicePlatform(t), decimal.RequireFromString("100"), 0)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}

	intent := intentFixture(t, "agreement-2:invoice-1")
	intent.AllocationID = &alloc.ID

	txID, err := service.SubmitPayment(ctx, intent)
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}

	got, _ := repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "87.5" {
		t.Errorf("expected remaining 87.5 after reserve, got %s", got.Remaining())
	}

	txRecord, _ := repo.FindTransactionByID(ctx, txID)
	if txRecord.ReservationToken == nil {
		t.Fatal("expected transaction to carry its reservation token")
	}
}

func TestSubmitPaymentInsufficientFundsHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	service, repo, _, sink := newTestService(t)

	alloc, err := service.CreateAllocation(ctx, "requestor-wallet", servicePlatform(t), decimal.RequireFromString("5"), 0)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}

	intent := intentFixture(t, "agreement-2:invoice-2")
	intent.AllocationID = &alloc.ID

	if _, err := service.SubmitPayment(ctx, intent); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "5" {
		t.Errorf("failed submit must leave the allocation untouched, remaining=%s", got.Remaining())
	}
	if sink.count() != 0 {
		t.Errorf("failed submit must not reach the tracker, handoffs=%d", sink.count())
	}
}

func TestSubmitPaymentUnknownPlatformRollsBackReservation(t *testing.T) {
	ctx := context.Background()
	service, repo, _, _ := newTestService(t)

	alloc, err := service.CreateAllocation(ctx, "requestor-wallet", servicePlatform(t), decimal.RequireFromString("50"), 0)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}

	intent := intentFixture(t, "agreement-3:invoice-1")
	intent.AllocationID = &alloc.ID
	unknown, _ := domain.ParsePlatform("erc20:mainnet:glm")
	intent.Platform = unknown

	if _, err := service.SubmitPayment(ctx, intent); !errors.Is(err, driver.ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}

	// The reservation made before the lookup must be compensated.
	got, _ := repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "50" {
		t.Errorf("expected reservation rolled back, remaining=%s", got.Remaining())
	}
}

func TestSubmitPaymentRateLimited(t *testing.T) {
	ctx := context.Background()
	service, _, _, sink := newTestService(t)
	service.SetSubmissionRateLimiter(&stubRateLimiter{}, 2)

	for i, key := range []string{"rl:1", "rl:2"} {
		if _, err := service.SubmitPayment(ctx, intentFixture(t, key)); err != nil {
			t.Fatalf("submit %d under the limit failed: %v", i, err)
		}
	}
	if _, err := service.SubmitPayment(ctx, intentFixture(t, "rl:3")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("expected two scheduled payments, got %d", sink.count())
	}
}

func TestSubmitPaymentRateLimitedCarriesRetryAfter(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)
	service.SetSubmissionRateLimiter(&stubRateLimiter{retryAfter: 42}, 1)

	if _, err := service.SubmitPayment(ctx, intentFixture(t, "ra:1")); err != nil {
		t.Fatalf("submit under the limit failed: %v", err)
	}
	_, err := service.SubmitPayment(ctx, intentFixture(t, "ra:2"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %T", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Errorf("expected retry hint 42, got %d", rateErr.RetryAfterSeconds)
	}

	// A zero hint from the limiter still tells the caller to wait a second.
	service2, _, _, _ := newTestService(t)
	service2.SetSubmissionRateLimiter(&stubRateLimiter{retryAfter: 0}, 1)
	if _, err := service2.SubmitPayment(ctx, intentFixture(t, "ra:3")); err != nil {
		t.Fatalf("submit under the limit failed: %v", err)
	}
	_, err = service2.SubmitPayment(ctx, intentFixture(t, "ra:4"))
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %T", err)
	}
	if rateErr.RetryAfterSeconds != 1 {
		t.Errorf("expected retry hint clamped to 1, got %d", rateErr.RetryAfterSeconds)
	}
}

func TestSubmitPaymentRateLimiterOutageDegradesOpen(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)
	service.SetSubmissionRateLimiter(&stubRateLimiter{err: errors.New("redis down")}, 1)

	// A limiter outage must not block payments.
	for _, key := range []string{"open:1", "open:2", "open:3"} {
		if _, err := service.SubmitPayment(ctx, intentFixture(t, key)); err != nil {
			t.Fatalf("submit with limiter outage failed: %v", err)
		}
	}
}

func TestCreateAllocationValidation(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	if _, err := service.CreateAllocation(ctx, "", servicePlatform(t), decimal.NewFromInt(1), 0); err == nil {
		t.Error("expected error for missing payer")
	}
	if _, err := service.CreateAllocation(ctx, "payer", servicePlatform(t), decimal.Zero, 0); !errors.Is(err, store.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	unknown, _ := domain.ParsePlatform("erc20:mainnet:glm")
	if _, err := service.CreateAllocation(ctx, "payer", unknown, decimal.NewFromInt(1), 0); !errors.Is(err, driver.ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestCreateAllocationSetsExpiry(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	alloc, err := service.CreateAllocation(ctx, "payer", servicePlatform(t), decimal.NewFromInt(10), time.Hour)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}
	if alloc.ExpiresAt == nil {
		t.Fatal("expected expiry to be set")
	}
	if got := alloc.ExpiresAt.Sub(alloc.CreatedAt); got != time.Hour {
		t.Errorf("expected one hour ttl, got %s", got)
	}

	forever, err := service.CreateAllocation(ctx, "payer", servicePlatform(t), decimal.NewFromInt(10), 0)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}
	if forever.ExpiresAt != nil {
		t.Error("expected zero ttl to mean no expiry")
	}
}
