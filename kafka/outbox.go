package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rescue-service/domain"
)

const defaultBatchSize = 100

// Publisher delivers one outbox event downstream
type Publisher interface {
	PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// OutboxRecorder writes lifecycle events to the outbox
type OutboxRecorder struct {
	store domain.OutboxStore
	now   func() time.Time
}

func NewOutboxRecorder(store domain.OutboxStore) *OutboxRecorder {
	return &OutboxRecorder{store: store, now: time.Now}
}

// Record snapshots e into a new outbox event
func (r *OutboxRecorder) Record(ctx context.Context, eventType string, e *domain.Emergency, notified int) error {
	event := domain.NewEmergencyEvent(eventType, e, notified, r.now())
	event.EventID = uuid.NewString()

	if err := r.store.SaveOutboxEvent(ctx, &domain.OutboxEvent{
		ID:        event.EventID,
		EventType: eventType,
		Event:     event,
		CreatedAt: event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

// OutboxProcessor publishes pending outbox events on a fixed interval
type OutboxProcessor struct {
	store     domain.OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int64
	logger    *slog.Logger
}

// NewOutboxProcessor creates a new OutboxProcessor
func NewOutboxProcessor(store domain.OutboxStore, publisher Publisher, interval time.Duration, logger *slog.Logger) *OutboxProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxProcessor{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: defaultBatchSize,
		logger:    logger,
	}
}

// Start processes outbox events until ctx is cancelled
func (p *OutboxProcessor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Outbox processor started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.processOutboxEvents(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err)
			}
		}
	}
}

// processOutboxEvents publishes one batch and returns how many were marked
// processed. A failed event stays pending for the next tick.
func (p *OutboxProcessor) processOutboxEvents(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.store.GetUnprocessedOutboxEvents(ctx, p.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get unprocessed outbox events")
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if err := p.publisher.PublishOutboxEvent(ctx, event); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to publish outbox event", "eventID", event.ID, "error", err)
			continue
		}
		if err := p.store.MarkOutboxEventProcessed(ctx, event.ID); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err)
			continue
		}
		processed++
	}

	span.SetAttributes(
		attribute.Int("pendingEventCount", len(events)),
		attribute.Int("processedEventCount", processed),
	)
	return processed, nil
}
