package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rentflow/crypto"
	"rentflow/observability/logging"
	"rentflow/services/settlement"
)

// PaymentResult describes the state reached by SubmitPayment.
type PaymentResult struct {
	Handle     settlement.TransferHandle
	Obligation PaymentObligation
	TxHash     string
	Activation ActivationOutcome
}

// SubmitPayment pays obligationID from the tenant's custodial wallet and waits
// up to the poll budget for settlement. A poll timeout is not a failure: the
// obligation stays Pending, ErrSettlementPending is returned with the handle,
// and reconciliation picks it up later.
func (s *Service) SubmitPayment(ctx context.Context, obligationID string, payer SignerRef) (*PaymentResult, error) {
	if s.settlement == nil {
		return nil, fmt.Errorf("%w: settlement client", ErrNotConfigured)
	}
	walletID, ok := payer.WalletID()
	if !ok {
		return nil, ErrNotCustodial
	}
	obligation, err := s.Obligation(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "lease.SubmitPayment", obligation.LeaseID)
	defer span.End()

	switch obligation.Status {
	case ObligationCompleted:
		return nil, ErrAlreadySettled
	case ObligationFailed:
		return nil, ErrObligationFailed
	}
	record, err := s.Get(ctx, obligation.LeaseID)
	if err != nil {
		return nil, err
	}
	tenant, err := crypto.ParseAddress(record.TenantAddress)
	if err != nil {
		return nil, err
	}
	if !tenant.Equal(payer.Address()) {
		return nil, ErrPayerMismatch
	}
	if record.Status != StatusFullySigned {
		return nil, fmt.Errorf("%w: payments require a fully signed lease, got %s", ErrInvalidTransition, record.Status)
	}
	destination, err := crypto.ParseAddress(obligation.Destination)
	if err != nil {
		return nil, err
	}

	handle, err := s.submitWithRetry(ctx, settlement.TransferRequest{
		SourceWalletID: walletID,
		Destination:    destination,
		Amount:         obligation.Amount,
		IdempotencyKey: obligation.IdempotencyKey,
		Reference:      obligation.LeaseID + "/" + string(obligation.Kind),
	})
	if err != nil {
		switch {
		case settlement.IsPermanent(err):
			if markErr := s.MarkFailed(ctx, obligation.ID, err.Error()); markErr != nil {
				return nil, errors.Join(err, markErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		case errors.Is(err, settlement.ErrRejected):
			s.reportRejection(obligation, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrSettlementRejected, err)
		}
		s.metrics.RecordSettlement(string(obligation.Kind), "submit_unavailable")
		return nil, fmt.Errorf("lease: submit transfer: %w", err)
	}
	if err := s.recordSubmission(ctx, obligation, handle.ID); err != nil {
		return nil, fmt.Errorf("lease: record submission: %w", err)
	}
	s.logger.Info("payment submitted",
		slog.String("obligation_id", obligation.ID),
		slog.String("lease_id", obligation.LeaseID),
		slog.String("transfer_id", handle.ID),
		logging.MaskField("wallet_id", walletID))

	result := &PaymentResult{Handle: handle, Obligation: *obligation}
	return s.awaitSettlement(ctx, result, s.pollBudget)
}

func (s *Service) submitWithRetry(ctx context.Context, req settlement.TransferRequest) (settlement.TransferHandle, error) {
	backoff := s.submitBackoff
	var lastErr error
	for attempt := 1; attempt <= s.submitAttempts; attempt++ {
		handle, err := s.settlement.SubmitTransfer(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !settlement.IsTransient(err) || attempt == s.submitAttempts {
			break
		}
		s.logger.Warn("transfer submit failed, retrying",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return settlement.TransferHandle{}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return settlement.TransferHandle{}, lastErr
}

func (s *Service) awaitSettlement(ctx context.Context, result *PaymentResult, budget time.Duration) (*PaymentResult, error) {
	obligation := &result.Obligation
	started := time.Now()
	status, err := s.settlement.PollStatus(ctx, result.Handle, budget)
	s.metrics.ObservePoll(time.Since(started))
	if err != nil {
		if settlement.IsTransient(err) {
			s.metrics.RecordSettlement(string(obligation.Kind), "pending")
			return result, fmt.Errorf("%w: %w", ErrSettlementPending, err)
		}
		return result, err
	}
	if !status.Completed {
		reason := status.Reason
		if reason == "" && status.Err != nil {
			reason = status.Err.Error()
		}
		if !settlement.IsPermanent(status.Err) {
			s.reportRejection(obligation, reason)
			cause := status.Err
			if cause == nil {
				cause = settlement.ErrRejected
			}
			return result, fmt.Errorf("%w: %w", ErrSettlementRejected, cause)
		}
		if err := s.MarkFailed(ctx, obligation.ID, reason); err != nil {
			return result, err
		}
		obligation.Status = ObligationFailed
		return result, fmt.Errorf("%w: %w", ErrSettlementFailed, status.Err)
	}

	result.TxHash = status.TxHash
	outcome, err := s.MarkSettled(ctx, obligation.ID, status.TxHash)
	result.Activation = outcome
	var activationErr *ActivationError
	if err != nil && !errors.As(err, &activationErr) {
		return result, err
	}
	obligation.Status = ObligationCompleted
	obligation.TransactionHash = &result.TxHash
	return result, err
}

// reportRejection alerts on a processor refusal that is not one of the
// terminal transfer failures. The obligation stays Pending.
func (s *Service) reportRejection(obligation *PaymentObligation, reason string) {
	s.metrics.RecordSettlement(string(obligation.Kind), "rejected")
	s.logger.Error("processor rejected transfer, obligation left pending",
		slog.String("obligation_id", obligation.ID),
		slog.String("lease_id", obligation.LeaseID),
		slog.String("reason", reason))
}

// ReconcileReport summarises a reconciliation sweep.
type ReconcileReport struct {
	Checked      int
	Settled      int
	Failed       int
	StillPending int
	Conflicts    int
	Rejected     int
	ClosedLease  int
	Errors       int
	Resumed      int
	Expired      int
	Entries      []ReconcileEntry
}

// ReconcileEntry records what happened to one obligation.
type ReconcileEntry struct {
	ObligationID string
	LeaseID      string
	Kind         ObligationKind
	TransferID   string
	Outcome      string
	TxHash       string
}

// ReconcilePending re-polls obligations stuck in Pending after a poll timeout
// and resumes unfinished tenant promotions.
func (s *Service) ReconcilePending(ctx context.Context, olderThan, budget time.Duration) (*ReconcileReport, error) {
	if s.settlement == nil {
		return nil, fmt.Errorf("%w: settlement client", ErrNotConfigured)
	}
	stale, err := s.StalePending(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	s.metrics.SetPendingBacklog(len(stale))
	report := &ReconcileReport{}
	var errs []error
	for i := range stale {
		obligation := stale[i]
		report.Checked++
		entry := ReconcileEntry{
			ObligationID: obligation.ID,
			LeaseID:      obligation.LeaseID,
			Kind:         obligation.Kind,
			TransferID:   *obligation.TransferID,
		}
		result := &PaymentResult{
			Handle:     settlement.TransferHandle{ID: *obligation.TransferID},
			Obligation: obligation,
		}
		_, err := s.awaitSettlement(ctx, result, budget)
		var activationErr *ActivationError
		switch {
		case (err == nil || errors.As(err, &activationErr)) && result.Activation == OutcomeLeaseClosed:
			entry.Outcome = "settled_closed_lease"
			entry.TxHash = result.TxHash
			report.ClosedLease++
		case err == nil || errors.As(err, &activationErr):
			entry.Outcome = "settled"
			entry.TxHash = result.TxHash
			report.Settled++
			if err != nil {
				s.logger.Warn("activation after reconciliation failed", slog.String("lease_id", obligation.LeaseID), slog.Any("error", err))
			}
		case errors.Is(err, ErrSettlementPending):
			entry.Outcome = "pending"
			report.StillPending++
		case errors.Is(err, ErrSettlementFailed):
			entry.Outcome = "failed"
			report.Failed++
		case errors.Is(err, ErrSettlementRejected):
			entry.Outcome = "rejected"
			report.Rejected++
		case errors.Is(err, ErrConflictingSettlement):
			entry.Outcome = "conflict"
			report.Conflicts++
		case ctx.Err() != nil:
			return report, errors.Join(append(errs, ctx.Err())...)
		default:
			s.logger.Error("reconcile obligation failed",
				slog.String("obligation_id", obligation.ID),
				slog.String("lease_id", obligation.LeaseID),
				slog.Any("error", err))
			entry.Outcome = "error"
			report.Errors++
			errs = append(errs, fmt.Errorf("lease: reconcile %s: %w", obligation.ID, err))
		}
		report.Entries = append(report.Entries, entry)
	}
	resumed, err := s.ResumeActivations(ctx)
	report.Resumed = resumed
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}
