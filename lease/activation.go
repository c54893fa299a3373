package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivationOutcome is the result of TryActivate.
type ActivationOutcome string

const (
	OutcomeAlreadyActive            ActivationOutcome = "ALREADY_ACTIVE"
	OutcomeNotAllObligationsSettled ActivationOutcome = "NOT_ALL_OBLIGATIONS_SETTLED"
	OutcomeActivated                ActivationOutcome = "ACTIVATED"
	// OutcomeLeaseClosed means the lease expired or was terminated before it
	// could activate. Settled money on such a lease needs manual review.
	OutcomeLeaseClosed ActivationOutcome = "LEASE_CLOSED"
)

// TryActivate activates a FullySigned lease once both obligations are
// Completed and promotes the tenant. It is safe to call any number of times
// and from concurrent settlement notifications: the per-lease lock and the
// status-guarded update admit exactly one activation. A lease left Active
// without a promoted tenant is finished on the next call.
func (s *Service) TryActivate(ctx context.Context, leaseID string) (ActivationOutcome, error) {
	ctx, span := s.startSpan(ctx, "lease.TryActivate", leaseID)
	defer span.End()

	release, err := s.lockLease(ctx, leaseID)
	if err != nil {
		return "", &ActivationError{LeaseID: leaseID, Stage: "lock", Err: err}
	}
	defer release()

	var (
		record  Lease
		outcome ActivationOutcome
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", leaseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch {
		case record.ActivatedAt != nil || record.Status == StatusActive:
			outcome = OutcomeAlreadyActive
			return nil
		case record.Status.AcceptsSignatures():
			outcome = OutcomeNotAllObligationsSettled
			return nil
		case record.Status.Terminal():
			outcome = OutcomeLeaseClosed
			return nil
		case record.Status != StatusFullySigned:
			return fmt.Errorf("%w: cannot activate a %s lease", ErrInvalidTransition, record.Status)
		}

		var obligations []PaymentObligation
		if err := tx.Where("lease_id = ?", leaseID).Find(&obligations).Error; err != nil {
			return err
		}
		if !allSettled(obligations) {
			outcome = OutcomeNotAllObligationsSettled
			return nil
		}
		now := s.timestamp()
		err := s.transition(tx, &record, StatusActive, map[string]any{"activated_at": now})
		if errors.Is(err, ErrConcurrentUpdate) {
			if reloadErr := tx.First(&record, "id = ?", leaseID).Error; reloadErr != nil {
				return reloadErr
			}
			if record.Status == StatusActive {
				outcome = OutcomeAlreadyActive
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		record.ActivatedAt = &now
		outcome = OutcomeActivated
		return s.appendEvent(tx, leaseID, "lease.activated", map[string]any{"activated_at": now})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return "", err
		}
		return "", &ActivationError{LeaseID: leaseID, Stage: "activate", Err: err}
	}
	switch outcome {
	case OutcomeActivated:
		s.metrics.RecordTransition(string(StatusFullySigned), string(StatusActive))
		s.logger.Info("lease activated", slog.String("lease_id", leaseID))
	case OutcomeLeaseClosed:
		s.logger.Error("settlement recorded on a closed lease",
			slog.String("lease_id", leaseID),
			slog.String("status", string(record.Status)))
		s.metrics.RecordActivation(string(outcome))
		return outcome, nil
	}

	if outcome != OutcomeNotAllObligationsSettled && record.TenantRolePromotedAt == nil {
		if err := s.promoteTenant(ctx, &record); err != nil {
			s.metrics.RecordActivation("promotion_failed")
			return outcome, err
		}
	}
	s.metrics.RecordActivation(string(outcome))
	return outcome, nil
}

func allSettled(obligations []PaymentObligation) bool {
	settled := map[ObligationKind]bool{}
	for _, obligation := range obligations {
		if obligation.Status == ObligationCompleted {
			settled[obligation.Kind] = true
		}
	}
	for _, kind := range obligationKinds {
		if !settled[kind] {
			return false
		}
	}
	return true
}

func (s *Service) promoteTenant(ctx context.Context, record *Lease) error {
	if err := s.roles.PromoteRole(ctx, record.TenantUserID, RoleProspectiveTenant, RoleTenant); err != nil {
		s.logger.Error("tenant role promotion failed",
			slog.String("lease_id", record.ID),
			slog.Any("error", err))
		return &ActivationError{LeaseID: record.ID, Stage: "promote", Err: err}
	}
	now := s.timestamp()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Lease{}).
			Where("id = ? AND tenant_role_promoted_at IS NULL", record.ID).
			Updates(map[string]any{"tenant_role_promoted_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return s.appendEvent(tx, record.ID, "tenant.role_promoted", map[string]any{"user_id": record.TenantUserID})
	})
	if err != nil {
		return &ActivationError{LeaseID: record.ID, Stage: "mark_promoted", Err: err}
	}
	record.TenantRolePromotedAt = &now
	return nil
}

// ResumeActivations finishes tenant promotion for Active leases whose
// promotion did not complete and returns how many were resumed.
func (s *Service) ResumeActivations(ctx context.Context) (int, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Lease{}).
		Where("status = ? AND tenant_role_promoted_at IS NULL", StatusActive).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if _, err := s.TryActivate(ctx, id); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}
