/**
 * @description
 * The confirmation tracker owns every transaction after creation and drives
 * it through the state machine
 *
 *     pending -> submitted -> {confirmed | failed}
 *
 * A worker pool drains a queue of transaction ids. Pending transactions are
 * submitted to their driver (with exponential backoff on transient errors and
 * a bounded attempt budget); submitted transactions are polled for finality.
 * Terminal transitions are state-guarded in the store, append the settlement
 * event in the same storage transaction, and a failure refunds the
 * transaction's reservation exactly once.
 *
 * Crash recovery: Start re-enqueues every non-terminal transaction. A record
 * with a driver tx id is only ever polled, never resubmitted; a pending
 * record is resubmitted, which is safe because the driver contract makes
 * Submit idempotent per caller-assigned transfer id.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/store"
)

// TrackerConfig bounds the tracker's retry and polling behavior.
type TrackerConfig struct {
	Workers           int
	QueueSize         int
	DriverCallTimeout time.Duration
	PollInterval      time.Duration
	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

func (c *TrackerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DriverCallTimeout <= 0 {
		c.DriverCallTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
}

// Tracker is the confirmation tracker.
type Tracker struct {
	repo     store.Repository
	registry *driver.Registry
	cfg      TrackerConfig

	queue chan uuid.UUID
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	submitAttempts map[uuid.UUID]int
	timers         map[*time.Timer]struct{}
}

// NewTracker creates a tracker. Start must be called before transactions are
// enqueued.
func NewTracker(repo store.Repository, registry *driver.Registry, cfg TrackerConfig) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		repo:           repo,
		registry:       registry,
		cfg:            cfg,
		queue:          make(chan uuid.UUID, cfg.QueueSize),
		submitAttempts: make(map[uuid.UUID]int),
		timers:         make(map[*time.Timer]struct{}),
	}
}

// Start recovers in-flight transactions and launches the worker pool.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	inflight, err := t.repo.ListTransactionsInStates(ctx, domain.TxStatePending, domain.TxStateSubmitted)
	if err != nil {
		return fmt.Errorf("recover in-flight transactions: %w", err)
	}
	for i := range inflight {
		t.Enqueue(inflight[i].ID)
	}
	if len(inflight) > 0 {
		log.Printf("level=info component=tracker msg=\"recovered in-flight transactions\" count=%d", len(inflight))
	}

	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return nil
}

// Stop drains the workers. Pending queue entries are recovered from the
// store on next start.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[*time.Timer]struct{})
	t.mu.Unlock()
	t.wg.Wait()
}

// Enqueue hands a transaction to the tracker.
func (t *Tracker) Enqueue(id uuid.UUID) {
	select {
	case t.queue <- id:
	default:
		// Queue full: schedule a delayed retry instead of blocking the
		// caller. The timer re-enters Enqueue, so the record keeps
		// re-arming itself until a slot opens.
		log.Printf("level=warn component=tracker msg=\"queue full; deferring transaction\" transaction_id=%s", id)
		t.requeueAfter(id, t.cfg.PollInterval)
	}
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case id := <-t.queue:
			t.process(id)
		}
	}
}

func (t *Tracker) process(id uuid.UUID) {
	txRecord, err := t.repo.FindTransactionByID(t.ctx, id)
	if err != nil {
		log.Printf("level=error component=tracker msg=\"transaction lookup failed\" transaction_id=%s err=%v", id, err)
		return
	}

	switch txRecord.State {
	case domain.TxStatePending:
		t.submit(txRecord)
	case domain.TxStateSubmitted:
		t.poll(txRecord)
	default:
		// Terminal; nothing to do.
		t.clearAttempts(id)
	}
}

// submit drives pending -> submitted (or directly to failed).
func (t *Tracker) submit(txRecord *domain.Transaction) {
	drv, err := t.registry.Lookup(txRecord.Platform)
	if err != nil {
		// Registry membership was checked at scheduling time; losing the
		// platform across a restart means a misconfigured deployment.
		t.fail(txRecord, fmt.Sprintf("platform no longer registered: %s", txRecord.Platform))
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DriverCallTimeout)
	driverTxID, err := drv.Submit(ctx, driver.TransferSpec{
		TransferID: txRecord.ID,
		Sender:     txRecord.Payer,
		Recipient:  txRecord.Payee,
		Amount:     txRecord.Amount,
		Platform:   txRecord.Platform,
	})
	cancel()

	if err != nil {
		if driver.IsPermanent(err) {
			var pe *driver.PermanentError
			reason := err.Error()
			if errors.As(err, &pe) {
				reason = pe.Reason
			}
			t.fail(txRecord, reason)
			return
		}

		// Transient (including timeouts, where the outcome is unknown): the
		// idempotent Submit contract makes a later retry safe.
		attempts := t.bumpAttempts(txRecord.ID)
		if attempts >= t.cfg.MaxSubmitAttempts {
			t.fail(txRecord, fmt.Sprintf("submission retry budget exhausted after %d attempts: %v", attempts, err))
			return
		}
		delay := t.backoff(attempts)
		log.Printf("level=warn component=tracker msg=\"submit failed; will retry\" transaction_id=%s attempt=%d delay=%s err=%v",
			txRecord.ID, attempts, delay, err)
		t.requeueAfter(txRecord.ID, delay)
		return
	}

	if err := t.repo.MarkTransactionSubmitted(t.ctx, txRecord.ID, driverTxID); err != nil {
		log.Printf("level=error component=tracker msg=\"persist submitted state failed\" transaction_id=%s err=%v", txRecord.ID, err)
		t.requeueAfter(txRecord.ID, t.backoff(t.bumpAttempts(txRecord.ID)))
		return
	}
	t.clearAttempts(txRecord.ID)
	log.Printf("level=info component=tracker msg=\"transaction submitted\" transaction_id=%s driver_tx_id=%s", txRecord.ID, driverTxID)
	t.requeueAfter(txRecord.ID, t.cfg.PollInterval)
}

// poll drives submitted -> {confirmed | failed}.
func (t *Tracker) poll(txRecord *domain.Transaction) {
	if txRecord.DriverTxID == nil {
		// Submitted without a driver id cannot happen through this code path;
		// re-enter via submit so the idempotent driver resolves it.
		t.submit(txRecord)
		return
	}

	drv, err := t.registry.Lookup(txRecord.Platform)
	if err != nil {
		t.fail(txRecord, fmt.Sprintf("platform no longer registered: %s", txRecord.Platform))
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DriverCallTimeout)
	result, err := drv.Status(ctx, *txRecord.DriverTxID)
	cancel()
	if err != nil {
		log.Printf("level=warn component=tracker msg=\"status poll failed\" transaction_id=%s err=%v", txRecord.ID, err)
		t.requeueAfter(txRecord.ID, t.cfg.PollInterval)
		return
	}

	switch result.Status {
	case driver.StatusConfirmed:
		transitioned, err := t.repo.MarkTransactionConfirmed(t.ctx, txRecord.ID, time.Now().UTC())
		if err != nil {
			log.Printf("level=error component=tracker msg=\"confirm transition failed\" transaction_id=%s err=%v", txRecord.ID, err)
			t.requeueAfter(txRecord.ID, t.cfg.PollInterval)
			return
		}
		if transitioned {
			// The reserved amount is permanently spent; no refund.
			log.Printf("level=info component=tracker msg=\"transaction confirmed\" transaction_id=%s driver_tx_id=%s",
				txRecord.ID, *txRecord.DriverTxID)
		}
		t.clearAttempts(txRecord.ID)
	case driver.StatusRejected:
		reason := result.Reason
		if reason == "" {
			reason = "rejected on ledger"
		}
		t.fail(txRecord, reason)
	default:
		// Unknown or still pending on the ledger; keep polling.
		t.requeueAfter(txRecord.ID, t.cfg.PollInterval)
	}
}

// fail finalizes a transaction. The store refunds the reservation in the
// same storage transaction as the terminal transition, so either both commit
// or the record stays non-terminal and is retried here.
func (t *Tracker) fail(txRecord *domain.Transaction, reason string) {
	transitioned, err := t.repo.MarkTransactionFailed(t.ctx, txRecord.ID, reason)
	if err != nil {
		log.Printf("level=error component=tracker msg=\"fail transition failed\" transaction_id=%s err=%v", txRecord.ID, err)
		t.requeueAfter(txRecord.ID, t.cfg.PollInterval)
		return
	}
	if transitioned {
		log.Printf("level=info component=tracker msg=\"transaction failed\" transaction_id=%s reason=%q", txRecord.ID, reason)
	}
	t.clearAttempts(txRecord.ID)
}

func (t *Tracker) bumpAttempts(id uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitAttempts[id]++
	return t.submitAttempts[id]
}

func (t *Tracker) clearAttempts(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.submitAttempts, id)
}

// backoff returns the exponential delay for the given attempt count,
// capped at BackoffCap.
func (t *Tracker) backoff(attempt int) time.Duration {
	delay := t.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.cfg.BackoffCap {
			return t.cfg.BackoffCap
		}
	}
	if delay > t.cfg.BackoffCap {
		return t.cfg.BackoffCap
	}
	return delay
}

func (t *Tracker) requeueAfter(id uuid.UUID, delay time.Duration) {
	if delay <= 0 {
		t.Enqueue(id)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		t.mu.Unlock()
		if t.ctx.Err() != nil {
			return
		}
		t.Enqueue(id)
	})
	t.mu.Lock()
	t.timers[timer] = struct{}{}
	t.mu.Unlock()
}
