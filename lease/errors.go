package lease

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("lease: not found")
	ErrInvalidLease          = errors.New("lease: invalid lease")
	ErrInvalidTransition     = errors.New("lease: invalid status transition")
	ErrDuplicateSignature    = errors.New("lease: party has already signed")
	ErrUnauthorizedSigner    = errors.New("lease: claimed address is not the party for this role")
	ErrUnauthorized          = errors.New("lease: actor not permitted")
	ErrConcurrentUpdate      = errors.New("lease: concurrent update, retry")
	ErrNotCustodial          = errors.New("lease: payer must be a custodial wallet")
	ErrPayerMismatch         = errors.New("lease: payer is not the tenant of this lease")
	ErrAlreadySettled        = errors.New("lease: obligation already settled")
	ErrObligationFailed      = errors.New("lease: obligation failed, retry it first")
	ErrObligationNotFailed   = errors.New("lease: obligation is not failed")
	ErrConflictingSettlement = errors.New("lease: settlement reported a different transaction hash")
	ErrSettlementPending     = errors.New("lease: settlement still pending")
	ErrSettlementFailed      = errors.New("lease: settlement failed")
	ErrSettlementRejected    = errors.New("lease: processor rejected the transfer, obligation left pending for review")
	ErrNotConfigured         = errors.New("lease: dependency not configured")
)

// ActivationError reports a storage failure while activating a lease. The
// lease is left either FullySigned or Active-but-not-promoted, both of which
// the next TryActivate resumes from.
type ActivationError struct {
	LeaseID string
	Stage   string
	Err     error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("lease: activate %s: %s: %v", e.LeaseID, e.Stage, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}
