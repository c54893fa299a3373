// Package lease implements the lease state machine, the payment ledger and the
// activation coordinator on top of a gorm database.
package lease

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"rentflow/observability"
	"rentflow/observability/otel"
	"rentflow/services/settlement"
	"rentflow/storage/lock"
)

// Service coordinates lease transitions, obligations and activation.
type Service struct {
	db             *gorm.DB
	locker         lock.Locker
	roles          RoleStore
	settlement     settlement.Client
	signer         settlement.MessageSigner
	metrics        *observability.LeasedMetrics
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
	pollBudget     time.Duration
	submitAttempts int
	submitBackoff  time.Duration
	explorerURL    string
}

// Option customises the service instance.
type Option func(*Service)

// WithLocker overrides the in-process per-lease lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithRoleStore supplies the user role store promoted on activation.
func WithRoleStore(r RoleStore) Option {
	return func(s *Service) { s.roles = r }
}

// WithSettlement supplies the payment processor client.
func WithSettlement(c settlement.Client) Option {
	return func(s *Service) { s.settlement = c }
}

// WithMessageSigner supplies the custodial signing service.
func WithMessageSigner(m settlement.MessageSigner) Option {
	return func(s *Service) { s.signer = m }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.LeasedMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithPollBudget bounds how long SubmitPayment waits for a terminal status.
func WithPollBudget(d time.Duration) Option {
	return func(s *Service) { s.pollBudget = d }
}

// WithSubmitRetry configures retries of transient submit failures.
func WithSubmitRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		s.submitAttempts = attempts
		s.submitBackoff = backoff
	}
}

// WithExplorerURL sets the block explorer base used for transaction links.
func WithExplorerURL(url string) Option {
	return func(s *Service) { s.explorerURL = url }
}

// NewService constructs the lease engine. The database must already be migrated.
func NewService(db *gorm.DB, opts ...Option) *Service {
	svc := &Service{
		db:             db,
		now:            func() time.Time { return time.Now().UTC() },
		pollBudget:     15 * time.Second,
		submitAttempts: 3,
		submitBackoff:  250 * time.Millisecond,
		tracer:         otel.Tracer("rentflow/lease"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.locker == nil {
		svc.locker = lock.NewMemoryLocker()
	}
	if svc.roles == nil {
		svc.roles = NewAccountStore(db)
	}
	if svc.metrics == nil {
		svc.metrics = observability.Leased()
	}
	if svc.logger == nil {
		svc.logger = slog.Default().With("component", "lease")
	}
	if svc.submitAttempts <= 0 {
		svc.submitAttempts = 1
	}
	return svc
}

// DB exposes the underlying handle for collaborators such as reconciliation.
func (s *Service) DB() *gorm.DB {
	return s.db
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) startSpan(ctx context.Context, name, leaseID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("lease.id", leaseID)))
}

func (s *Service) lockLease(ctx context.Context, leaseID string) (func(), error) {
	return s.locker.Acquire(ctx, "lease:"+leaseID)
}

// appendEvent writes an outbox row inside tx.
func (s *Service) appendEvent(tx *gorm.DB, leaseID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["lease_id"] = leaseID
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.Create(&LeaseEvent{
		ID:        uuid.NewString(),
		LeaseID:   leaseID,
		Type:      eventType,
		Payload:   string(encoded),
		CreatedAt: s.timestamp(),
	}).Error
}

// transition moves lease to next with a status and version guard. The caller
// records metrics once the surrounding transaction commits.
func (s *Service) transition(tx *gorm.DB, lease *Lease, next Status, updates map[string]any) error {
	if err := ValidateTransition(lease.Status, next); err != nil {
		return err
	}
	now := s.timestamp()
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = next
	updates["version"] = lease.Version + 1
	updates["updated_at"] = now
	res := tx.Model(&Lease{}).
		Where("id = ? AND status = ? AND version = ?", lease.ID, lease.Status, lease.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	from := lease.Status
	lease.Status = next
	lease.Version++
	lease.UpdatedAt = now
	return s.appendEvent(tx, lease.ID, "lease.status_changed", map[string]any{
		"from": from,
		"to":   next,
	})
}
