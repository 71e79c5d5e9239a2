package app

import (
	"context"
	"log"
	"time"

	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/store"
	"github.com/gridmarket/settlement-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize    = 50
	defaultOutboxPollInterval = 1200 * time.Millisecond
)

// OutboxDispatcher delivers settlement events from the append-only event log
// to RabbitMQ. Events are written in the same storage transaction as the
// terminal state change; this dispatcher marks them published only after a
// successful publish, so delivery is at-least-once and consumers deduplicate
// by transaction id.
type OutboxDispatcher struct {
	repo         store.Repository
	producer     rabbitmq.Publisher
	exchange     string
	batchSize    int
	pollInterval time.Duration
}

// NewOutboxDispatcher creates a dispatcher publishing to exchange.
func NewOutboxDispatcher(repo store.Repository, producer rabbitmq.Publisher, exchange string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:         repo,
		producer:     producer,
		exchange:     exchange,
		batchSize:    defaultOutboxBatchSize,
		pollInterval: defaultOutboxPollInterval,
	}
}

// Run polls the outbox until ctx is canceled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	events, err := d.repo.ListUnpublishedEvents(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for i := range events {
		event := events[i]
		routingKey := rabbitmq.RoutingKeySettlementConfirmed
		if event.Outcome == domain.OutcomeFailed {
			routingKey = rabbitmq.RoutingKeySettlementFailed
		}
		if err := d.producer.Publish(ctx, d.exchange, routingKey, event); err != nil {
			// Leave the row unpublished; the next tick redelivers.
			log.Printf("level=warn component=outbox msg=\"publish failed; will redeliver\" event_id=%d transaction_id=%s err=%v",
				event.ID, event.TransactionID, err)
			continue
		}
		if err := d.repo.MarkEventPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			log.Printf("level=error component=outbox msg=\"mark published failed\" event_id=%d err=%v", event.ID, err)
		}
	}
	return nil
}
