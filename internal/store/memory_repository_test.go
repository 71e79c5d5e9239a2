package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
)

func testPlatform(t *testing.T) domain.Platform {
	t.Helper()
	p, err := domain.ParsePlatform("test:local:tst")
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	return p
}

func createAllocation(t *testing.T, repo *MemoryRepository, amount string) *domain.Allocation {
	t.Helper()
	alloc := &domain.Allocation{
		ID:        uuid.New(),
		Payer:     "provider-wallet",
		Platform:  testPlatform(t),
		Amount:    decimal.RequireFromString(amount),
		Spent:     decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAllocation(context.Background(), alloc); err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}
	return alloc
}

func TestReserveAllocation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "100")

	reservation, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("40"))
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}
	if reservation.AllocationID != alloc.ID {
		t.Errorf("reservation bound to wrong allocation: %s", reservation.AllocationID)
	}

	got, err := repo.GetAllocation(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if got.Remaining().String() != "60" {
		t.Errorf("expected remaining 60 after reserve, got %s", got.Remaining())
	}

	// A reserve beyond the remainder must fail atomically, leaving spent untouched.
	if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("70")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	got, _ = repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "60" {
		t.Errorf("failed reserve must not move spent; remaining=%s", got.Remaining())
	}
}

func TestReserveAllocationValidation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "10")

	if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("-5")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	if _, err := repo.ReserveAllocation(ctx, uuid.New(), decimal.RequireFromString("1")); !errors.Is(err, ErrAllocationNotFound) {
		t.Errorf("expected ErrAllocationNotFound, got %v", err)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "10")

	// 50 goroutines race for 10 units at 1 each; exactly 10 may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.NewFromInt(1)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("expected exactly 10 grants, got %d", granted)
	}
	got, _ := repo.GetAllocation(ctx, alloc.ID)
	if !got.Remaining().IsZero() {
		t.Errorf("expected allocation fully reserved, remaining=%s", got.Remaining())
	}
}

func TestRefundReservationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "100")

	reservation, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("25"))
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}

	if err := repo.RefundReservation(ctx, reservation.Token, reservation.Amount); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	got, _ := repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "100" {
		t.Errorf("expected full remainder after refund, got %s", got.Remaining())
	}

	// A replayed refund signals but does not double-credit.
	if err := repo.RefundReservation(ctx, reservation.Token, reservation.Amount); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	got, _ = repo.GetAllocation(ctx, alloc.ID)
	if got.Remaining().String() != "100" {
		t.Errorf("replayed refund must not move spent, got remaining %s", got.Remaining())
	}

	if err := repo.RefundReservation(ctx, uuid.New(), decimal.NewFromInt(1)); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestReleaseAllocation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "100")

	if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("30")); err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}

	remaining, err := repo.ReleaseAllocation(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("ReleaseAllocation: %v", err)
	}
	if remaining.String() != "70" {
		t.Errorf("expected released remainder 70, got %s", remaining)
	}

	// Closed allocations accept no further reservations or releases.
	if _, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.NewFromInt(1)); !errors.Is(err, ErrAllocationClosed) {
		t.Errorf("expected ErrAllocationClosed on reserve, got %v", err)
	}
	if _, err := repo.ReleaseAllocation(ctx, alloc.ID); !errors.Is(err, ErrAllocationClosed) {
		t.Errorf("expected ErrAllocationClosed on second release, got %v", err)
	}
}

func TestListExpiredOpenAllocations(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now().UTC()

	expired := createAllocation(t, repo, "10")
	past := now.Add(-time.Minute)
	repo.allocations[expired.ID].alloc.ExpiresAt = &past

	fresh := createAllocation(t, repo, "10")
	future := now.Add(time.Hour)
	repo.allocations[fresh.ID].alloc.ExpiresAt = &future

	createAllocation(t, repo, "10") // no expiry

	out, err := repo.ListExpiredOpenAllocations(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredOpenAllocations: %v", err)
	}
	if len(out) != 1 || out[0].ID != expired.ID {
		t.Errorf("expected exactly the expired allocation, got %v", out)
	}
}

func TestCreateTransactionWithIntentEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	first := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: "agreement-7:invoice-3",
		Payer:          "requestor-wallet",
		Payee:          "provider-wallet",
		Platform:       testPlatform(t),
		Amount:         decimal.RequireFromString("5"),
		State:          domain.TxStatePending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateTransactionWithIntent(ctx, first); err != nil {
		t.Fatalf("CreateTransactionWithIntent: %v", err)
	}

	duplicate := *first
	duplicate.ID = uuid.New()
	if err := repo.CreateTransactionWithIntent(ctx, &duplicate); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("expected ErrDuplicateIntent, got %v", err)
	}

	found, err := repo.FindTransactionByIdempotencyKey(ctx, first.IdempotencyKey)
	if err != nil {
		t.Fatalf("FindTransactionByIdempotencyKey: %v", err)
	}
	if found.ID != first.ID {
		t.Errorf("intent key must resolve to the first transaction, got %s", found.ID)
	}
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	txRecord := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: "agreement-1:invoice-1",
		Payer:          "requestor-wallet",
		Payee:          "provider-wallet",
		Platform:       testPlatform(t),
		Amount:         decimal.RequireFromString("9.75"),
		State:          domain.TxStatePending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
		t.Fatalf("CreateTransactionWithIntent: %v", err)
	}
	if err := repo.MarkTransactionSubmitted(ctx, txRecord.ID, "0xabc"); err != nil {
		t.Fatalf("MarkTransactionSubmitted: %v", err)
	}

	transitioned, err := repo.MarkTransactionConfirmed(ctx, txRecord.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkTransactionConfirmed: %v", err)
	}
	if !transitioned {
		t.Fatal("expected first confirm to transition")
	}

	// Racing terminal transitions lose against the guard and append no event.
	transitioned, err = repo.MarkTransactionFailed(ctx, txRecord.ID, "late failure")
	if err != nil {
		t.Fatalf("MarkTransactionFailed: %v", err)
	}
	if transitioned {
		t.Error("expected guarded transition to report no-op on terminal record")
	}

	events, err := repo.ListUnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnpublishedEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one settlement event, got %d", len(events))
	}
	if events[0].Outcome != domain.OutcomeConfirmed {
		t.Errorf("expected confirmed outcome, got %q", events[0].Outcome)
	}
	if events[0].TransactionID != txRecord.ID {
		t.Errorf("event bound to wrong transaction: %s", events[0].TransactionID)
	}

	got, _ := repo.FindTransactionByID(ctx, txRecord.ID)
	if got.State != domain.TxStateConfirmed {
		t.Errorf("expected state confirmed to stick, got %q", got.State)
	}
}

func TestMarkEventPublished(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	txRecord := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: "agreement-2:invoice-1",
		Payer:          "requestor-wallet",
		Payee:          "provider-wallet",
		Platform:       testPlatform(t),
		Amount:         decimal.NewFromInt(3),
		State:          domain.TxStatePending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
		t.Fatalf("CreateTransactionWithIntent: %v", err)
	}
	if _, err := repo.MarkTransactionFailed(ctx, txRecord.ID, "rejected"); err != nil {
		t.Fatalf("MarkTransactionFailed: %v", err)
	}

	events, _ := repo.ListUnpublishedEvents(ctx, 10)
	if len(events) != 1 {
		t.Fatalf("expected one unpublished event, got %d", len(events))
	}
	if err := repo.MarkEventPublished(ctx, events[0].ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkEventPublished: %v", err)
	}
	events, _ = repo.ListUnpublishedEvents(ctx, 10)
	if len(events) != 0 {
		t.Errorf("expected no unpublished events after publish, got %d", len(events))
	}
}

func TestSumConfirmedSpendByPlatform(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	platform := testPlatform(t)

	for i, amount := range []string{"2.5", "4", "10"} {
		txRecord := &domain.Transaction{
			ID:             uuid.New(),
			IdempotencyKey: string(rune('a' + i)),
			Payer:          "requestor-wallet",
			Payee:          "provider-wallet",
			Platform:       platform,
			Amount:         decimal.RequireFromString(amount),
			State:          domain.TxStatePending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
			t.Fatalf("CreateTransactionWithIntent: %v", err)
		}
		// Confirm the first two; the third stays pending and must not count.
		if i < 2 {
			if _, err := repo.MarkTransactionConfirmed(ctx, txRecord.ID, time.Now().UTC()); err != nil {
				t.Fatalf("MarkTransactionConfirmed: %v", err)
			}
		}
	}

	sum, err := repo.SumConfirmedSpendByPlatform(ctx, platform)
	if err != nil {
		t.Fatalf("SumConfirmedSpendByPlatform: %v", err)
	}
	if sum.String() != "6.5" {
		t.Errorf("expected confirmed spend 6.5, got %s", sum)
	}
}

func TestMarkTransactionFailedRefundsReservation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "100")

	reservation, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}
	txRecord := &domain.Transaction{
		ID:               uuid.New(),
		IdempotencyKey:   "agreement-9:invoice-1",
		Payer:            "requestor-wallet",
		Payee:            "provider-wallet",
		Platform:         testPlatform(t),
		Amount:           reservation.Amount,
		State:            domain.TxStatePending,
		ReservationToken: &reservation.Token,
		CreatedAt:        time.Now().UTC(),
	}
	if err := repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
		t.Fatalf("CreateTransactionWithIntent: %v", err)
	}

	transitioned, err := repo.MarkTransactionFailed(ctx, txRecord.ID, "rejected")
	if err != nil {
		t.Fatalf("MarkTransactionFailed: %v", err)
	}
	if !transitioned {
		t.Fatal("expected fail to transition")
	}

	refreshed, err := repo.GetAllocation(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if got := refreshed.Remaining(); got.String() != "100" {
		t.Errorf("expected the failed transition to refund the reservation, remaining %s", got)
	}
	if err := repo.RefundReservation(ctx, reservation.Token, reservation.Amount); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("expected reservation to be marked refunded, got %v", err)
	}

	// Replaying the terminal transition must not credit the allocation again.
	transitioned, err = repo.MarkTransactionFailed(ctx, txRecord.ID, "rejected")
	if err != nil {
		t.Fatalf("MarkTransactionFailed replay: %v", err)
	}
	if transitioned {
		t.Error("expected replayed fail to be a no-op")
	}
	refreshed, err = repo.GetAllocation(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if got := refreshed.Remaining(); got.String() != "100" {
		t.Errorf("expected remaining to stay 100 after replay, got %s", got)
	}
}

func TestMarkTransactionConfirmedKeepsSpend(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	alloc := createAllocation(t, repo, "100")

	reservation, err := repo.ReserveAllocation(ctx, alloc.ID, decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}
	txRecord := &domain.Transaction{
		ID:               uuid.New(),
		IdempotencyKey:   "agreement-9:invoice-2",
		Payer:            "requestor-wallet",
		Payee:            "provider-wallet",
		Platform:         testPlatform(t),
		Amount:           reservation.Amount,
		State:            domain.TxStatePending,
		ReservationToken: &reservation.Token,
		CreatedAt:        time.Now().UTC(),
	}
	if err := repo.CreateTransactionWithIntent(ctx, txRecord); err != nil {
		t.Fatalf("CreateTransactionWithIntent: %v", err)
	}

	if _, err := repo.MarkTransactionConfirmed(ctx, txRecord.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkTransactionConfirmed: %v", err)
	}

	refreshed, err := repo.GetAllocation(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if got := refreshed.Remaining(); got.String() != "90" {
		t.Errorf("confirmed spend must stay consumed, remaining %s", got)
	}
}
