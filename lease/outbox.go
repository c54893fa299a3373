package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Publisher delivers outbox events to a downstream bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

// LogPublisher writes events to the structured log. It is used when no broker
// is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("lease event",
		slog.String("event", eventType),
		slog.String("lease_id", partitionKey),
		slog.String("payload", string(payload)))
	return nil
}

// Relay publishes unpublished LeaseEvents in creation order. Delivery is
// at-least-once: an event is marked published only after Publish succeeds.
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	batch     int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay constructs an outbox relay.
func NewRelay(db *gorm.DB, publisher Publisher, batch int, interval time.Duration) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		batch:     batch,
		interval:  interval,
		logger:    slog.Default().With("component", "outbox"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Flush publishes one batch and returns how many events were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	var events []LeaseEvent
	if err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at asc").
		Limit(r.batch).
		Find(&events).Error; err != nil {
		return 0, fmt.Errorf("outbox: load events: %w", err)
	}
	delivered := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event.Type, []byte(event.Payload), event.LeaseID); err != nil {
			return delivered, fmt.Errorf("outbox: publish %s: %w", event.ID, err)
		}
		if err := r.db.WithContext(ctx).Model(&LeaseEvent{}).
			Where("id = ?", event.ID).
			Update("published_at", r.now()).Error; err != nil {
			return delivered, fmt.Errorf("outbox: mark %s: %w", event.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Warn("outbox flush failed", slog.Any("error", err))
			}
		}
	}
}
