/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. Holds all SQL for
 * the allocations, reservations, transactions and settlement_events tables.
 * Amount columns are NUMERIC and travel as text so they parse losslessly into
 * decimals; platforms are stored in their canonical "ledger:network:token"
 * string form.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver; explicit transactions and
 *   row-level locks back the atomic operations.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository on an existing pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateAllocation inserts a new open allocation. Amounts must be positive.
func (r *PostgresRepository) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	if !alloc.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	query := `
		INSERT INTO allocations (id, payer, platform, amount, spent, closed, created_at, expires_at)
		VALUES ($1, $2, $3, $4::numeric, 0, false, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		alloc.ID, alloc.Payer, alloc.Platform.String(), alloc.Amount.String(), alloc.CreatedAt, alloc.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

// GetAllocation fetches one allocation by id.
func (r *PostgresRepository) GetAllocation(ctx context.Context, id uuid.UUID) (*domain.Allocation, error) {
	query := `
		SELECT id, payer, platform, amount::text, spent::text, closed, created_at, expires_at
		FROM allocations WHERE id = $1
	`
	return scanAllocation(r.db.QueryRow(ctx, query, id))
}

// ReserveAllocation locks the allocation row, checks the remaining allowance
// and increments spent, inserting the reservation in the same transaction.
// The FOR UPDATE lock serializes concurrent reserves on one allocation.
func (r *PostgresRepository) ReserveAllocation(ctx context.Context, allocationID uuid.UUID, amount decimal.Decimal) (*domain.Reservation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		amountStr, spentStr string
		closed              bool
	)
	err = tx.QueryRow(ctx,
		"SELECT amount::text, spent::text, closed FROM allocations WHERE id = $1 FOR UPDATE",
		allocationID).Scan(&amountStr, &spentStr, &closed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("lock allocation: %w", err)
	}
	if closed {
		return nil, ErrAllocationClosed
	}

	total, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse allocation amount: %w", err)
	}
	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return nil, fmt.Errorf("parse allocation spent: %w", err)
	}
	if total.Sub(spent).LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		"UPDATE allocations SET spent = spent + $2::numeric WHERE id = $1",
		allocationID, amount.String()); err != nil {
		return nil, fmt.Errorf("increment spent: %w", err)
	}

	reservation := &domain.Reservation{
		Token:        uuid.New(),
		AllocationID: allocationID,
		Amount:       amount,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations (token, allocation_id, amount, refunded, created_at)
		VALUES ($1, $2, $3::numeric, false, $4)`,
		reservation.Token, reservation.AllocationID, reservation.Amount.String(), reservation.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return reservation, nil
}

// ReleaseAllocation closes the allocation and returns the unreserved
// remainder. Reserved amounts are untouched; they resolve through their
// transactions.
func (r *PostgresRepository) ReleaseAllocation(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var amountStr, spentStr string
	err := r.db.QueryRow(ctx, `
		UPDATE allocations SET closed = true
		WHERE id = $1 AND closed = false
		RETURNING amount::text, spent::text`, id).Scan(&amountStr, &spentStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either absent or already closed; distinguish for the caller.
			var exists bool
			if lookupErr := r.db.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM allocations WHERE id = $1)", id).Scan(&exists); lookupErr == nil && exists {
				return decimal.Zero, ErrAllocationClosed
			}
			return decimal.Zero, ErrAllocationNotFound
		}
		return decimal.Zero, fmt.Errorf("release allocation: %w", err)
	}

	total, err := decimal.NewFromString(amountStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse allocation amount: %w", err)
	}
	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse allocation spent: %w", err)
	}
	return total.Sub(spent), nil
}

// RefundReservation returns a reservation's amount to its allocation. The
// refunded flag makes the operation idempotent per token.
func (r *PostgresRepository) RefundReservation(ctx context.Context, token uuid.UUID, amount decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		allocationID uuid.UUID
		refunded     bool
	)
	err = tx.QueryRow(ctx,
		"SELECT allocation_id, refunded FROM reservations WHERE token = $1 FOR UPDATE",
		token).Scan(&allocationID, &refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return fmt.Errorf("lock reservation: %w", err)
	}
	if refunded {
		return ErrAlreadyRefunded
	}

	if _, err := tx.Exec(ctx,
		"UPDATE reservations SET refunded = true WHERE token = $1", token); err != nil {
		return fmt.Errorf("mark reservation refunded: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE allocations SET spent = GREATEST(spent - $2::numeric, 0) WHERE id = $1",
		allocationID, amount.String()); err != nil {
		return fmt.Errorf("decrement spent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// ListExpiredOpenAllocations returns open allocations whose expiry passed.
func (r *PostgresRepository) ListExpiredOpenAllocations(ctx context.Context, now time.Time) ([]domain.Allocation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payer, platform, amount::text, spent::text, closed, created_at, expires_at
		FROM allocations
		WHERE closed = false AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired allocations: %w", err)
	}
	defer rows.Close()

	var out []domain.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alloc)
	}
	return out, rows.Err()
}

// CreateTransactionWithIntent inserts the transaction; the UNIQUE constraint
// on idempotency_key is the atomic intent mapping. Losing the insert race is
// reported as ErrDuplicateIntent, never as a second transaction.
func (r *PostgresRepository) CreateTransactionWithIntent(ctx context.Context, txRecord *domain.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, idempotency_key, payer, payee, platform, amount, state, driver_tx_id, reservation_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $10)
	`
	_, err := r.db.Exec(ctx, query,
		txRecord.ID, txRecord.IdempotencyKey, txRecord.Payer, txRecord.Payee,
		txRecord.Platform.String(), txRecord.Amount.String(), txRecord.State,
		txRecord.DriverTxID, txRecord.ReservationToken, txRecord.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindTransactionByID fetches one transaction by id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.findTransaction(ctx, "id = $1", id)
}

// FindTransactionByIdempotencyKey fetches one transaction by its intent key.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, "idempotency_key = $1", key)
}

func (r *PostgresRepository) findTransaction(ctx context.Context, where string, arg interface{}) (*domain.Transaction, error) {
	query := `
		SELECT id, idempotency_key, payer, payee, platform, amount::text, state,
		       driver_tx_id, reservation_token, failure_reason, created_at, updated_at, confirmed_at
		FROM transactions WHERE ` + where
	txRecord, err := scanTransaction(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txRecord, nil
}

// MarkTransactionSubmitted records the driver tx id on a pending transaction.
func (r *PostgresRepository) MarkTransactionSubmitted(ctx context.Context, id uuid.UUID, driverTxID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET state = $3, driver_tx_id = $2, updated_at = NOW()
		WHERE id = $1 AND state = $4`,
		id, driverTxID, domain.TxStateSubmitted, domain.TxStatePending)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already submitted or terminal; the state machine treats this as settled.
		return nil
	}
	return nil
}

// MarkTransactionConfirmed moves the transaction to confirmed and appends the
// settlement event in the same database transaction.
func (r *PostgresRepository) MarkTransactionConfirmed(ctx context.Context, id uuid.UUID, confirmedAt time.Time) (bool, error) {
	return r.finalizeTransaction(ctx, id, domain.TxStateConfirmed, nil, &confirmedAt)
}

// MarkTransactionFailed moves the transaction to failed and appends the
// settlement event in the same database transaction.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return r.finalizeTransaction(ctx, id, domain.TxStateFailed, &reason, nil)
}

func (r *PostgresRepository) finalizeTransaction(ctx context.Context, id uuid.UUID, state string, reason *string, confirmedAt *time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		amountStr        string
		platformStr      string
		reservationToken *uuid.UUID
	)
	err = tx.QueryRow(ctx, `
		UPDATE transactions
		SET state = $2, failure_reason = COALESCE($3, failure_reason),
		    confirmed_at = COALESCE($4, confirmed_at), updated_at = NOW()
		WHERE id = $1 AND state IN ($5, $6)
		RETURNING amount::text, platform, reservation_token`,
		id, state, reason, confirmedAt, domain.TxStatePending, domain.TxStateSubmitted).
		Scan(&amountStr, &platformStr, &reservationToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal (or absent): no transition, no event.
			return false, nil
		}
		return false, fmt.Errorf("finalize transaction: %w", err)
	}

	outcome := domain.OutcomeConfirmed
	if state == domain.TxStateFailed {
		outcome = domain.OutcomeFailed
	}
	occurredAt := time.Now().UTC()
	if confirmedAt != nil {
		occurredAt = confirmedAt.UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO settlement_events (transaction_id, outcome, amount, platform, reason, occurred_at, published)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, false)`,
		id, outcome, amountStr, platformStr, reason, occurredAt); err != nil {
		return false, fmt.Errorf("append settlement event: %w", err)
	}

	// A failed payment returns its reserved amount in the same database
	// transaction as the state change, so no crash window can separate the
	// terminal transition from the refund.
	if state == domain.TxStateFailed && reservationToken != nil {
		if err := refundReservationInTx(ctx, tx, *reservationToken, amountStr); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finalize: %w", err)
	}
	return true, nil
}

// refundReservationInTx returns a reservation's amount to its allocation
// inside an already-open transaction. Missing and already-refunded
// reservations are no-ops, so a replayed finalize cannot double-credit.
func refundReservationInTx(ctx context.Context, tx pgx.Tx, token uuid.UUID, amount string) error {
	var (
		allocationID uuid.UUID
		refunded     bool
	)
	err := tx.QueryRow(ctx,
		"SELECT allocation_id, refunded FROM reservations WHERE token = $1 FOR UPDATE",
		token).Scan(&allocationID, &refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("lock reservation: %w", err)
	}
	if refunded {
		return nil
	}
	if _, err := tx.Exec(ctx,
		"UPDATE reservations SET refunded = true WHERE token = $1", token); err != nil {
		return fmt.Errorf("mark reservation refunded: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE allocations SET spent = GREATEST(spent - $2::numeric, 0) WHERE id = $1",
		allocationID, amount); err != nil {
		return fmt.Errorf("decrement spent: %w", err)
	}
	return nil
}

// ListTransactionsInStates returns all transactions in the given states,
// oldest first, for recovery after a restart.
func (r *PostgresRepository) ListTransactionsInStates(ctx context.Context, states ...string) ([]domain.Transaction, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, idempotency_key, payer, payee, platform, amount::text, state,
		       driver_tx_id, reservation_token, failure_reason, created_at, updated_at, confirmed_at
		FROM transactions WHERE state = ANY($1) ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txRecord, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txRecord)
	}
	return out, rows.Err()
}

// ListUnpublishedEvents returns unpublished settlement events, oldest first.
func (r *PostgresRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.SettlementEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id, outcome, amount::text, platform, reason, occurred_at
		FROM settlement_events
		WHERE published = false
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementEvent
	for rows.Next() {
		var (
			event       domain.SettlementEvent
			amountStr   string
			platformStr string
		)
		if err := rows.Scan(&event.ID, &event.TransactionID, &event.Outcome,
			&amountStr, &platformStr, &event.Reason, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan settlement event: %w", err)
		}
		if event.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse event amount: %w", err)
		}
		if event.Platform, err = domain.ParsePlatform(platformStr); err != nil {
			return nil, fmt.Errorf("parse event platform: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// MarkEventPublished flags an outbox row as delivered.
func (r *PostgresRepository) MarkEventPublished(ctx context.Context, eventID int64, publishedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		"UPDATE settlement_events SET published = true, published_at = $2 WHERE id = $1",
		eventID, publishedAt)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

// SumConfirmedSpendByPlatform totals confirmed outbound amounts per platform.
func (r *PostgresRepository) SumConfirmedSpendByPlatform(ctx context.Context, platform domain.Platform) (decimal.Decimal, error) {
	var sumStr string
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM transactions
		WHERE platform = $1 AND state = $2`,
		platform.String(), domain.TxStateConfirmed).Scan(&sumStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum confirmed spend: %w", err)
	}
	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse confirmed spend: %w", err)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row rowScanner) (*domain.Allocation, error) {
	var (
		alloc       domain.Allocation
		amountStr   string
		spentStr    string
		platformStr string
	)
	err := row.Scan(&alloc.ID, &alloc.Payer, &platformStr, &amountStr, &spentStr,
		&alloc.Closed, &alloc.CreatedAt, &alloc.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("scan allocation: %w", err)
	}
	if alloc.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse allocation amount: %w", err)
	}
	if alloc.Spent, err = decimal.NewFromString(spentStr); err != nil {
		return nil, fmt.Errorf("parse allocation spent: %w", err)
	}
	if alloc.Platform, err = domain.ParsePlatform(platformStr); err != nil {
		return nil, fmt.Errorf("parse allocation platform: %w", err)
	}
	return &alloc, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		txRecord    domain.Transaction
		amountStr   string
		platformStr string
	)
	err := row.Scan(&txRecord.ID, &txRecord.IdempotencyKey, &txRecord.Payer, &txRecord.Payee,
		&platformStr, &amountStr, &txRecord.State, &txRecord.DriverTxID,
		&txRecord.ReservationToken, &txRecord.FailureReason,
		&txRecord.CreatedAt, &txRecord.UpdatedAt, &txRecord.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	if txRecord.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse transaction amount: %w", err)
	}
	if txRecord.Platform, err = domain.ParsePlatform(platformStr); err != nil {
		return nil, fmt.Errorf("parse transaction platform: %w", err)
	}
	return &txRecord, nil
}
