/**
 * @description
 * The reconciliation engine cross-checks internal ledger state against
 * driver-reported chain state on a fixed schedule. For every registered
 * platform it compares the growth in confirmed spend recorded internally
 * against the drop in the treasury account's on-chain balance over the same
 * window. Divergence beyond the configured tolerance raises a LedgerDrift
 * alert on the operational path. Reconciliation detects; it never rewrites
 * financial state.
 *
 * The engine also sweeps expired allocations, releasing their unreserved
 * remainder.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/store"
	"github.com/gridmarket/settlement-service/pkg/rabbitmq"
)

type platformBaseline struct {
	balance decimal.Decimal
	spend   decimal.Decimal
}

// Reconciler audits ledger state per platform.
type Reconciler struct {
	repo      store.Repository
	registry  *driver.Registry
	producer  rabbitmq.Publisher
	exchange  string
	treasury  string
	tolerance decimal.Decimal

	mu        sync.Mutex
	baselines map[domain.Platform]platformBaseline
}

// NewReconciler creates a reconciler auditing the treasury account on every
// registered platform with the given drift tolerance.
func NewReconciler(repo store.Repository, registry *driver.Registry, producer rabbitmq.Publisher, exchange, treasuryAccount string, tolerance decimal.Decimal) *Reconciler {
	return &Reconciler{
		repo:      repo,
		registry:  registry,
		producer:  producer,
		exchange:  exchange,
		treasury:  treasuryAccount,
		tolerance: tolerance,
		baselines: make(map[domain.Platform]platformBaseline),
	}
}

// RunOnce audits every registered platform. The first run per platform only
// captures the baseline; subsequent runs compare window deltas.
func (r *Reconciler) RunOnce(ctx context.Context) {
	for _, platform := range r.registry.Platforms() {
		if err := r.reconcilePlatform(ctx, platform); err != nil {
			// Reconciliation is an audit; a backend hiccup is logged, not fatal.
			log.Printf("level=warn component=reconciler msg=\"platform audit skipped\" platform=%s err=%v", platform, err)
		}
	}
}

func (r *Reconciler) reconcilePlatform(ctx context.Context, platform domain.Platform) error {
	drv, err := r.registry.Lookup(platform)
	if err != nil {
		return err
	}

	balance, err := drv.Balance(ctx, r.treasury)
	if err != nil {
		return err
	}
	spend, err := r.repo.SumConfirmedSpendByPlatform(ctx, platform)
	if err != nil {
		return err
	}

	r.mu.Lock()
	baseline, primed := r.baselines[platform]
	r.baselines[platform] = platformBaseline{balance: balance, spend: spend}
	r.mu.Unlock()

	if !primed {
		log.Printf("level=info component=reconciler msg=\"baseline captured\" platform=%s balance=%s confirmed_spend=%s",
			platform, balance, spend)
		return nil
	}

	// Outbound transfers reduce the treasury balance, so the driver-side
	// delta is baseline minus current.
	driverDelta := baseline.balance.Sub(balance)
	internalDelta := spend.Sub(baseline.spend)
	drift := driverDelta.Sub(internalDelta).Abs()

	if drift.LessThanOrEqual(r.tolerance) {
		log.Printf("level=info component=reconciler msg=\"platform in balance\" platform=%s internal_delta=%s driver_delta=%s",
			platform, internalDelta, driverDelta)
		return nil
	}

	alert := domain.DriftAlert{
		Platform:      platform,
		InternalDelta: internalDelta,
		DriverDelta:   driverDelta,
		Tolerance:     r.tolerance,
		ObservedAt:    time.Now().UTC(),
	}
	log.Printf("level=error component=reconciler msg=\"ledger drift detected\" platform=%s internal_delta=%s driver_delta=%s tolerance=%s",
		platform, internalDelta, driverDelta, r.tolerance)
	if r.producer != nil {
		if err := r.producer.Publish(ctx, r.exchange, rabbitmq.RoutingKeyReconciliationDrift, alert); err != nil {
			log.Printf("level=warn component=reconciler msg=\"drift alert publish failed\" platform=%s err=%v", platform, err)
		}
	}
	return nil
}

// ExpireAllocations releases every open allocation whose expiry passed,
// returning the unreserved remainder to the payer's free funds.
func (r *Reconciler) ExpireAllocations(ctx context.Context) {
	expired, err := r.repo.ListExpiredOpenAllocations(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("level=warn component=reconciler msg=\"expiry scan failed\" err=%v", err)
		return
	}
	for i := range expired {
		alloc := expired[i]
		remaining, err := r.repo.ReleaseAllocation(ctx, alloc.ID)
		if err != nil {
			if errors.Is(err, store.ErrAllocationClosed) {
				continue
			}
			log.Printf("level=warn component=reconciler msg=\"expiry release failed\" allocation_id=%s err=%v", alloc.ID, err)
			continue
		}
		log.Printf("level=info component=reconciler msg=\"expired allocation released\" allocation_id=%s payer=%s remaining=%s",
			alloc.ID, alloc.Payer, remaining)
	}
}
