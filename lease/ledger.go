package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var obligationKinds = []ObligationKind{KindSecurityDeposit, KindFirstMonthRent}

// IdempotencyKey is the processor key for an obligation attempt. It is
// deterministic so that resubmitting the same attempt never creates a second
// transfer, and changes on retry after a terminal failure.
func IdempotencyKey(obligationID string, attempt int) string {
	return fmt.Sprintf("rentflow:obligation:%s:%d", obligationID, attempt)
}

func (s *Service) recordObligationsTx(tx *gorm.DB, record *Lease) ([]PaymentObligation, error) {
	now := s.timestamp()
	for _, kind := range obligationKinds {
		amount := record.MonthlyRent
		if kind == KindSecurityDeposit {
			amount = record.SecurityDeposit
		}
		id := uuid.NewString()
		obligation := PaymentObligation{
			ID:             id,
			LeaseID:        record.ID,
			Kind:           kind,
			Amount:         amount,
			Destination:    record.LandlordAddress,
			Status:         ObligationPending,
			Attempt:        1,
			IdempotencyKey: IdempotencyKey(id, 1),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&obligation)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := s.appendEvent(tx, record.ID, "obligation.created", map[string]any{
			"obligation_id": id,
			"kind":          kind,
			"amount":        amount.String(),
		}); err != nil {
			return nil, err
		}
	}
	var obligations []PaymentObligation
	if err := tx.Where("lease_id = ?", record.ID).Order("kind desc").Find(&obligations).Error; err != nil {
		return nil, err
	}
	return obligations, nil
}

// RecordObligations creates the security deposit and first month rent
// obligations for a fully signed lease. Repeated calls return the existing rows.
func (s *Service) RecordObligations(ctx context.Context, leaseID string) ([]PaymentObligation, error) {
	var obligations []PaymentObligation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Lease
		if err := tx.First(&record, "id = ?", leaseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if record.Status != StatusFullySigned && record.Status != StatusActive {
			return fmt.Errorf("%w: obligations require a fully signed lease, got %s", ErrInvalidTransition, record.Status)
		}
		var err error
		obligations, err = s.recordObligationsTx(tx, &record)
		return err
	})
	if err != nil {
		return nil, err
	}
	return obligations, nil
}

// Obligations lists the obligations of a lease.
func (s *Service) Obligations(ctx context.Context, leaseID string) ([]PaymentObligation, error) {
	var obligations []PaymentObligation
	if err := s.db.WithContext(ctx).Where("lease_id = ?", leaseID).Order("kind desc").Find(&obligations).Error; err != nil {
		return nil, err
	}
	return obligations, nil
}

// Obligation loads one obligation.
func (s *Service) Obligation(ctx context.Context, obligationID string) (*PaymentObligation, error) {
	var obligation PaymentObligation
	if err := s.db.WithContext(ctx).First(&obligation, "id = ?", obligationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &obligation, nil
}

func sameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// MarkSettled records that the processor settled obligationID on-chain with
// txHash and then notifies the activation coordinator. Repeating the call with
// the same hash is a no-op that still notifies; a different hash is rejected
// with ErrConflictingSettlement. Activation failures are returned as
// *ActivationError after the settlement itself has been committed.
func (s *Service) MarkSettled(ctx context.Context, obligationID, txHash string) (ActivationOutcome, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return "", fmt.Errorf("lease: mark settled: tx hash required")
	}
	ctx, span := s.startSpan(ctx, "lease.MarkSettled", "")
	defer span.End()

	var (
		obligation PaymentObligation
		changed    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&obligation, "id = ?", obligationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if obligation.Status == ObligationCompleted {
			if obligation.TransactionHash != nil && sameHash(*obligation.TransactionHash, txHash) {
				return nil
			}
			return ErrConflictingSettlement
		}
		if obligation.Status == ObligationFailed {
			s.logger.Warn("settlement reported for failed obligation",
				slog.String("obligation_id", obligation.ID),
				slog.String("lease_id", obligation.LeaseID))
		}
		now := s.timestamp()
		res := tx.Model(&PaymentObligation{}).
			Where("id = ? AND status = ?", obligation.ID, obligation.Status).
			Updates(map[string]any{
				"status":           ObligationCompleted,
				"transaction_hash": txHash,
				"settled_at":       now,
				"failure_reason":   nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		changed = true
		return s.appendEvent(tx, obligation.LeaseID, "obligation.settled", map[string]any{
			"obligation_id": obligation.ID,
			"kind":          obligation.Kind,
			"tx_hash":       txHash,
		})
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		// Another caller settled it between our read and write; re-evaluate.
		return s.MarkSettled(ctx, obligationID, txHash)
	}
	if errors.Is(err, ErrConflictingSettlement) {
		s.reportConflict(ctx, &obligation, txHash)
		return "", err
	}
	if err != nil {
		return "", err
	}
	if changed {
		s.metrics.RecordSettlement(string(obligation.Kind), "completed")
		s.logger.Info("obligation settled",
			slog.String("obligation_id", obligation.ID),
			slog.String("lease_id", obligation.LeaseID),
			slog.String("tx_hash", txHash))
	}
	return s.TryActivate(ctx, obligation.LeaseID)
}

func (s *Service) reportConflict(ctx context.Context, obligation *PaymentObligation, txHash string) {
	recorded := ""
	if obligation.TransactionHash != nil {
		recorded = *obligation.TransactionHash
	}
	s.metrics.RecordConflict()
	s.logger.Error("conflicting settlement hash",
		slog.String("obligation_id", obligation.ID),
		slog.String("lease_id", obligation.LeaseID),
		slog.String("tx_hash", recorded),
		slog.String("reported_tx_hash", txHash))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.appendEvent(tx, obligation.LeaseID, "settlement.conflict", map[string]any{
			"obligation_id": obligation.ID,
			"recorded":      recorded,
			"reported":      txHash,
		})
	})
	if err != nil {
		s.logger.Error("record settlement conflict", slog.String("obligation_id", obligation.ID), slog.Any("error", err))
	}
}

// MarkFailed records a terminal processor failure for a Pending obligation.
// Marking an already failed obligation again is a no-op.
func (s *Service) MarkFailed(ctx context.Context, obligationID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	var obligation PaymentObligation
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&obligation, "id = ?", obligationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		switch obligation.Status {
		case ObligationFailed:
			return nil
		case ObligationCompleted:
			return ErrAlreadySettled
		}
		res := tx.Model(&PaymentObligation{}).
			Where("id = ? AND status = ?", obligation.ID, ObligationPending).
			Updates(map[string]any{
				"status":         ObligationFailed,
				"failure_reason": reason,
				"updated_at":     s.timestamp(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		changed = true
		return s.appendEvent(tx, obligation.LeaseID, "obligation.failed", map[string]any{
			"obligation_id": obligation.ID,
			"reason":        reason,
		})
	})
	if err != nil {
		return err
	}
	if changed {
		s.metrics.RecordSettlement(string(obligation.Kind), "failed")
		s.logger.Warn("obligation failed",
			slog.String("obligation_id", obligation.ID),
			slog.String("lease_id", obligation.LeaseID),
			slog.String("reason", reason))
	}
	return nil
}

// RetryFailed moves a Failed obligation back to Pending under a new attempt
// number and idempotency key.
func (s *Service) RetryFailed(ctx context.Context, obligationID string) (*PaymentObligation, error) {
	var obligation PaymentObligation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&obligation, "id = ?", obligationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if obligation.Status != ObligationFailed {
			return ErrObligationNotFailed
		}
		attempt := obligation.Attempt + 1
		key := IdempotencyKey(obligation.ID, attempt)
		res := tx.Model(&PaymentObligation{}).
			Where("id = ? AND status = ? AND attempt = ?", obligation.ID, ObligationFailed, obligation.Attempt).
			Updates(map[string]any{
				"status":          ObligationPending,
				"attempt":         attempt,
				"idempotency_key": key,
				"transfer_id":     nil,
				"submitted_at":    nil,
				"failure_reason":  nil,
				"updated_at":      s.timestamp(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		obligation.Status = ObligationPending
		obligation.Attempt = attempt
		obligation.IdempotencyKey = key
		obligation.TransferID = nil
		obligation.SubmittedAt = nil
		obligation.FailureReason = nil
		return s.appendEvent(tx, obligation.LeaseID, "obligation.retried", map[string]any{
			"obligation_id": obligation.ID,
			"attempt":       attempt,
		})
	})
	if err != nil {
		return nil, err
	}
	return &obligation, nil
}

// StalePending lists Pending obligations that were submitted to the processor
// more than olderThan ago and have not reached a terminal state.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration) ([]PaymentObligation, error) {
	cutoff := s.timestamp().Add(-olderThan)
	var obligations []PaymentObligation
	err := s.db.WithContext(ctx).
		Where("status = ? AND transfer_id IS NOT NULL AND submitted_at <= ?", ObligationPending, cutoff).
		Order("submitted_at asc").
		Find(&obligations).Error
	if err != nil {
		return nil, err
	}
	return obligations, nil
}

func (s *Service) recordSubmission(ctx context.Context, obligation *PaymentObligation, transferID string) error {
	now := s.timestamp()
	res := s.db.WithContext(ctx).Model(&PaymentObligation{}).
		Where("id = ? AND status = ? AND attempt = ?", obligation.ID, ObligationPending, obligation.Attempt).
		Updates(map[string]any{
			"transfer_id":  transferID,
			"submitted_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	obligation.TransferID = &transferID
	obligation.SubmittedAt = &now
	return nil
}
