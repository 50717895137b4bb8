/**
 * @description
 * The outbox dispatcher: a separate, decoupled process that drains the
 * event outbox and publishes to the message broker. Command handlers are
 * done once an event is saved; this loop owns delivery, retry backoff and
 * dead-lettering, so a broker outage never blocks or fails a command.
 *
 * @notes
 * - Backoff is exponential (base * 2^retryCount) and capped.
 * - An event that exhausts its attempts is parked as dead-lettered and
 *   requires manual replay; it is never silently dropped.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
	"github.com/korecard/card-service/pkg/rabbitmq"
)

// Dispatcher drains the outbox and publishes events to the broker.
type Dispatcher struct {
	outbox      store.OutboxStore
	publisher   rabbitmq.Publisher
	exchange    string
	batchSize   int
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

// DispatcherOptions tunes delivery behavior. Zero values fall back to the
// defaults below.
type DispatcherOptions struct {
	Exchange    string
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// NewDispatcher creates a dispatcher over the given outbox and publisher.
func NewDispatcher(outbox store.OutboxStore, publisher rabbitmq.Publisher, opts DispatcherOptions) *Dispatcher {
	if opts.Exchange == "" {
		opts.Exchange = "card.events"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Hour
	}
	return &Dispatcher{
		outbox:      outbox,
		publisher:   publisher,
		exchange:    opts.Exchange,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("level=info component=dispatcher msg=\"outbox dispatcher started\" interval=%s exchange=%s", interval, d.exchange)
	for {
		select {
		case <-ctx.Done():
			log.Println("level=info component=dispatcher msg=\"outbox dispatcher stopped\"")
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				log.Printf("level=warn component=dispatcher msg=\"drain pass failed\" err=%v", err)
			}
		}
	}
}

// DrainOnce delivers one batch of pending events plus one batch of failed
// events whose backoff elapsed. Returns the number delivered.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	pending, err := d.outbox.FindPendingOutboxEvents(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	retries, err := d.outbox.FindOutboxEventsReadyForRetry(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range append(pending, retries...) {
		if d.deliver(ctx, ev) {
			delivered++
		}
	}
	return delivered, nil
}

// deliver publishes one event and records the delivery-status transition.
func (d *Dispatcher) deliver(ctx context.Context, ev domain.OutboxEvent) bool {
	err := d.publisher.Publish(ctx, d.exchange, ev.EventType, ev.Payload)
	if err == nil {
		if markErr := d.outbox.MarkOutboxEventSent(ctx, ev.ID); markErr != nil {
			log.Printf("level=warn component=dispatcher msg=\"mark-sent failed; event may redeliver\" event_id=%s err=%v", ev.ID, markErr)
		}
		return true
	}

	if ev.RetryCount+1 >= d.maxAttempts {
		log.Printf("level=error component=dispatcher msg=\"event dead-lettered after max attempts\" event_id=%s event_type=%s attempts=%d err=%v",
			ev.ID, ev.EventType, ev.RetryCount+1, err)
		if markErr := d.outbox.MarkOutboxEventDeadLettered(ctx, ev.ID, err.Error()); markErr != nil {
			log.Printf("level=warn component=dispatcher msg=\"mark-dead-lettered failed\" event_id=%s err=%v", ev.ID, markErr)
		}
		return false
	}

	nextRetryAt := d.now().Add(d.backoff(ev.RetryCount))
	log.Printf("level=warn component=dispatcher msg=\"delivery failed; scheduling retry\" event_id=%s event_type=%s retry_count=%d next_retry_at=%s err=%v",
		ev.ID, ev.EventType, ev.RetryCount+1, nextRetryAt.Format(time.RFC3339), err)
	if markErr := d.outbox.MarkOutboxEventFailed(ctx, ev.ID, err.Error(), nextRetryAt); markErr != nil {
		log.Printf("level=warn component=dispatcher msg=\"mark-failed failed\" event_id=%s err=%v", ev.ID, markErr)
	}
	return false
}

// backoff computes the exponential delay for the given prior failure count.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	delay := d.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.backoffCap {
			return d.backoffCap
		}
	}
	if delay > d.backoffCap {
		delay = d.backoffCap
	}
	return delay
}
