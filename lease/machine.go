package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rentflow/crypto"
	"rentflow/lease/signature"
	"rentflow/observability/logging"
)

// MaxLeaseIDLength matches the on-chain seed limit for lease accounts.
const MaxLeaseIDLength = 64

// CreateLeaseInput carries the terms produced by the application service.
type CreateLeaseInput struct {
	ID              string
	LandlordUserID  string
	TenantUserID    string
	Landlord        SignerRef
	Tenant          SignerRef
	MonthlyRent     decimal.Decimal
	SecurityDeposit decimal.Decimal
	StartDate       time.Time
	EndDate         time.Time
	DocumentHash    common.Hash
}

func (in CreateLeaseInput) validate() error {
	if len(in.ID) > MaxLeaseIDLength {
		return fmt.Errorf("%w: id longer than %d characters", ErrInvalidLease, MaxLeaseIDLength)
	}
	if strings.TrimSpace(in.LandlordUserID) == "" || strings.TrimSpace(in.TenantUserID) == "" {
		return fmt.Errorf("%w: landlord and tenant user ids required", ErrInvalidLease)
	}
	landlord, tenant := in.Landlord.Address(), in.Tenant.Address()
	if landlord.IsZero() || tenant.IsZero() {
		return fmt.Errorf("%w: landlord and tenant addresses required", ErrInvalidLease)
	}
	if landlord.Equal(tenant) {
		return fmt.Errorf("%w: landlord and tenant must differ", ErrInvalidLease)
	}
	if !in.MonthlyRent.IsPositive() || !in.SecurityDeposit.IsPositive() {
		return fmt.Errorf("%w: rent and deposit must be positive", ErrInvalidLease)
	}
	if _, err := signature.BaseUnits(in.MonthlyRent); err != nil {
		return fmt.Errorf("%w: monthly rent: %v", ErrInvalidLease, err)
	}
	if _, err := signature.BaseUnits(in.SecurityDeposit); err != nil {
		return fmt.Errorf("%w: security deposit: %v", ErrInvalidLease, err)
	}
	if in.StartDate.IsZero() || !in.EndDate.After(in.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidLease)
	}
	if in.DocumentHash == (common.Hash{}) {
		return fmt.Errorf("%w: document hash required", ErrInvalidLease)
	}
	return nil
}

// SignatureRequest is a party's signature over the lease message for role.
type SignatureRequest struct {
	LeaseID        string
	Role           signature.Role
	Signature      []byte
	ClaimedAddress crypto.Address
}

// CreateLease persists a Draft lease.
func (s *Service) CreateLease(ctx context.Context, in CreateLeaseInput) (*Lease, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.timestamp()
	record := &Lease{
		ID:               id,
		LandlordUserID:   strings.TrimSpace(in.LandlordUserID),
		TenantUserID:     strings.TrimSpace(in.TenantUserID),
		LandlordAddress:  in.Landlord.Address().String(),
		TenantAddress:    in.Tenant.Address().String(),
		LandlordWalletID: optionalWallet(in.Landlord),
		TenantWalletID:   optionalWallet(in.Tenant),
		MonthlyRent:      in.MonthlyRent,
		SecurityDeposit:  in.SecurityDeposit,
		StartDate:        in.StartDate.UTC(),
		EndDate:          in.EndDate.UTC(),
		DocumentHash:     in.DocumentHash.Hex(),
		SignatureVersion: signature.Version,
		Status:           StatusDraft,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, record.ID, "lease.created", map[string]any{
			"landlord": record.LandlordAddress,
			"tenant":   record.TenantAddress,
			"rent":     record.MonthlyRent.String(),
			"deposit":  record.SecurityDeposit.String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("lease: create: %w", err)
	}
	s.logger.Info("lease created", slog.String("lease_id", record.ID))
	return record, nil
}

func optionalWallet(ref SignerRef) *string {
	if id, ok := ref.WalletID(); ok {
		return &id
	}
	return nil
}

// Get loads a lease by id.
func (s *Service) Get(ctx context.Context, leaseID string) (*Lease, error) {
	var record Lease
	if err := s.db.WithContext(ctx).First(&record, "id = ?", leaseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Terms reconstructs the signed terms from the stored lease.
func (l *Lease) Terms() (signature.Terms, error) {
	landlord, err := crypto.ParseAddress(l.LandlordAddress)
	if err != nil {
		return signature.Terms{}, err
	}
	tenant, err := crypto.ParseAddress(l.TenantAddress)
	if err != nil {
		return signature.Terms{}, err
	}
	document, err := signature.ParseDocumentHash(l.DocumentHash)
	if err != nil {
		return signature.Terms{}, err
	}
	return signature.Terms{
		LeaseID:         l.ID,
		Landlord:        landlord,
		Tenant:          tenant,
		DocumentHash:    document,
		MonthlyRent:     l.MonthlyRent,
		SecurityDeposit: l.SecurityDeposit,
	}, nil
}

// PartyAddress returns the stored address for role.
func (l *Lease) PartyAddress(role signature.Role) (crypto.Address, error) {
	switch role {
	case signature.RoleLandlord:
		return crypto.ParseAddress(l.LandlordAddress)
	case signature.RoleTenant:
		return crypto.ParseAddress(l.TenantAddress)
	default:
		return crypto.Address{}, fmt.Errorf("%w: unknown role", ErrInvalidLease)
	}
}

// HasSigned reports whether the party for role has a recorded signature.
func (l *Lease) HasSigned(role signature.Role) bool {
	if role == signature.RoleLandlord {
		return l.LandlordSignature != nil
	}
	return l.TenantSignature != nil
}

// MessageHash returns the digest the party for role must sign.
func (s *Service) MessageHash(ctx context.Context, leaseID string, role signature.Role) (common.Hash, error) {
	record, err := s.Get(ctx, leaseID)
	if err != nil {
		return common.Hash{}, err
	}
	if record.SignatureVersion != signature.Version {
		return common.Hash{}, fmt.Errorf("%w: unsupported signature version %d", ErrInvalidLease, record.SignatureVersion)
	}
	terms, err := record.Terms()
	if err != nil {
		return common.Hash{}, err
	}
	return signature.MessageHash(terms, role)
}

func nextStatusAfterSignature(current Status, role signature.Role) (Status, error) {
	switch {
	case current == StatusDraft && role == signature.RoleLandlord:
		return StatusPendingTenant, nil
	case current == StatusDraft && role == signature.RoleTenant:
		return StatusPendingLandlord, nil
	case current == StatusPendingTenant && role == signature.RoleTenant:
		return StatusFullySigned, nil
	case current == StatusPendingLandlord && role == signature.RoleLandlord:
		return StatusFullySigned, nil
	}
	return "", fmt.Errorf("%w: %s does not accept a %s signature", ErrInvalidTransition, current, role)
}

// SignLease verifies and records a party signature. When both parties have
// signed the lease becomes FullySigned and its two payment obligations are
// created in the same transaction. A failed verification leaves the lease
// untouched.
func (s *Service) SignLease(ctx context.Context, req SignatureRequest) (Status, error) {
	ctx, span := s.startSpan(ctx, "lease.SignLease", req.LeaseID)
	defer span.End()

	if !req.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role", ErrInvalidLease)
	}
	release, err := s.lockLease(ctx, req.LeaseID)
	if err != nil {
		return "", err
	}
	defer release()

	var (
		record  Lease
		from    Status
		next    Status
		outcome = "accepted"
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", req.LeaseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		from = record.Status
		if record.HasSigned(req.Role) {
			outcome = "duplicate"
			return ErrDuplicateSignature
		}
		if !record.Status.AcceptsSignatures() {
			outcome = "invalid_status"
			return fmt.Errorf("%w: lease is %s", ErrInvalidTransition, record.Status)
		}
		party, err := record.PartyAddress(req.Role)
		if err != nil {
			return err
		}
		if !party.Equal(req.ClaimedAddress) {
			outcome = "unauthorized_signer"
			return ErrUnauthorizedSigner
		}
		if record.SignatureVersion != signature.Version {
			return fmt.Errorf("%w: unsupported signature version %d", ErrInvalidLease, record.SignatureVersion)
		}
		terms, err := record.Terms()
		if err != nil {
			return err
		}
		hash, err := signature.MessageHash(terms, req.Role)
		if err != nil {
			return err
		}
		if err := signature.Verify(hash, req.Signature, req.ClaimedAddress); err != nil {
			switch {
			case errors.Is(err, signature.ErrAddressMismatch):
				outcome = "address_mismatch"
			default:
				outcome = "malformed"
			}
			return err
		}

		next, err = nextStatusAfterSignature(record.Status, req.Role)
		if err != nil {
			return err
		}
		now := s.timestamp()
		encoded := signature.Encode(req.Signature)
		updates := map[string]any{}
		if req.Role == signature.RoleLandlord {
			updates["landlord_signature"] = encoded
			updates["landlord_signed_at"] = now
			record.LandlordSignature, record.LandlordSignedAt = &encoded, &now
		} else {
			updates["tenant_signature"] = encoded
			updates["tenant_signed_at"] = now
			record.TenantSignature, record.TenantSignedAt = &encoded, &now
		}
		if err := s.transition(tx, &record, next, updates); err != nil {
			return err
		}
		if err := s.appendEvent(tx, record.ID, "lease.signed", map[string]any{
			"role":    req.Role.String(),
			"address": req.ClaimedAddress.String(),
		}); err != nil {
			return err
		}
		if next != StatusFullySigned {
			return nil
		}
		if err := s.appendEvent(tx, record.ID, "lease.fully_signed", nil); err != nil {
			return err
		}
		_, err = s.recordObligationsTx(tx, &record)
		return err
	})
	s.metrics.RecordSignature(req.Role.String(), outcome)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateSignature) ||
			errors.Is(err, ErrUnauthorizedSigner) || errors.Is(err, ErrInvalidTransition) ||
			errors.Is(err, signature.ErrAddressMismatch) || errors.Is(err, signature.ErrMalformedSignature) {
			return from, err
		}
		return from, fmt.Errorf("lease: sign %s: %w", req.LeaseID, err)
	}
	s.metrics.RecordTransition(string(from), string(next))
	s.logger.Info("lease signed",
		slog.String("lease_id", record.ID),
		slog.String("role", req.Role.String()),
		slog.String("status", string(next)))
	return next, nil
}

// SignLeaseCustodial obtains the party's signature from the custodial signing
// service and records it through SignLease.
func (s *Service) SignLeaseCustodial(ctx context.Context, leaseID string, role signature.Role, signer SignerRef) (Status, error) {
	walletID, ok := signer.WalletID()
	if !ok {
		return "", ErrNotCustodial
	}
	if s.signer == nil {
		return "", fmt.Errorf("%w: message signer", ErrNotConfigured)
	}
	hash, err := s.MessageHash(ctx, leaseID, role)
	if err != nil {
		return "", err
	}
	sig, err := s.signer.SignMessage(ctx, walletID, hash)
	if err != nil {
		s.logger.Warn("custodial signing failed",
			slog.String("lease_id", leaseID),
			logging.MaskField("wallet_id", walletID),
			slog.Any("error", err))
		return "", fmt.Errorf("lease: custodial sign: %w", err)
	}
	return s.SignLease(ctx, SignatureRequest{
		LeaseID:        leaseID,
		Role:           role,
		Signature:      sig,
		ClaimedAddress: signer.Address(),
	})
}

func (s *Service) authorize(record *Lease, actor Actor) error {
	switch {
	case actor.Role == RoleManager:
		return nil
	case actor.UserID != "" && (actor.UserID == record.LandlordUserID || actor.UserID == record.TenantUserID):
		return nil
	}
	return ErrUnauthorized
}

// Terminate ends an Active lease at the request of either party or a manager.
func (s *Service) Terminate(ctx context.Context, leaseID string, actor Actor, reason string) (*Lease, error) {
	return s.closeLease(ctx, leaseID, actor, StatusTerminated, func(record *Lease, now time.Time) (map[string]any, error) {
		by := actor.UserID
		return map[string]any{"terminated_at": now, "terminated_by": &by}, nil
	}, reason)
}

// Complete closes an Active lease whose end date has passed.
func (s *Service) Complete(ctx context.Context, leaseID string, actor Actor) (*Lease, error) {
	return s.closeLease(ctx, leaseID, actor, StatusCompleted, func(record *Lease, now time.Time) (map[string]any, error) {
		if now.Before(record.EndDate) {
			return nil, fmt.Errorf("%w: lease ends %s", ErrInvalidTransition, record.EndDate.Format(time.RFC3339))
		}
		return map[string]any{}, nil
	}, "")
}

func (s *Service) closeLease(ctx context.Context, leaseID string, actor Actor, next Status, build func(*Lease, time.Time) (map[string]any, error), reason string) (*Lease, error) {
	release, err := s.lockLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	defer release()

	var record Lease
	var from Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", leaseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := s.authorize(&record, actor); err != nil {
			return err
		}
		updates, err := build(&record, s.timestamp())
		if err != nil {
			return err
		}
		if err := s.transition(tx, &record, next, updates); err != nil {
			return err
		}
		if reason == "" {
			return nil
		}
		return s.appendEvent(tx, record.ID, "lease.termination_reason", map[string]any{"reason": reason, "actor": actor.UserID})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(from), string(next))
	s.logger.Info("lease closed", slog.String("lease_id", leaseID), slog.String("status", string(next)))
	return &record, nil
}

// ExpireOverdue moves every lease whose end date has passed without activation
// to Expired and returns how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Lease{}).
		Where("status IN ? AND end_date < ?", expirable, s.timestamp()).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("lease: list overdue: %w", err)
	}
	expired := 0
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, leaseID string) (bool, error) {
	release, err := s.lockLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	defer release()

	var from Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Lease
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", leaseID).Error; err != nil {
			return err
		}
		from = record.Status
		return s.transition(tx, &record, StatusExpired, nil)
	})
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConcurrentUpdate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease: expire %s: %w", leaseID, err)
	}
	s.metrics.RecordTransition(string(from), string(StatusExpired))
	s.logger.Info("lease expired", slog.String("lease_id", leaseID), slog.String("reason", "end date passed"))
	return true, nil
}

// UnmirroredLeases lists fully signed or active leases whose signatures have
// not been recorded on-chain yet, oldest first.
func (s *Service) UnmirroredLeases(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Lease{}).
		Where("status IN ? AND blockchain_tx_hash IS NULL", []Status{StatusFullySigned, StatusActive}).
		Order("created_at asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AttachChainTx records the transaction that mirrored the signatures on-chain.
// The first recorded hash wins.
func (s *Service) AttachChainTx(ctx context.Context, leaseID, txHash string) error {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return fmt.Errorf("%w: tx hash required", ErrInvalidLease)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Lease{}).
			Where("id = ? AND blockchain_tx_hash IS NULL", leaseID).
			Updates(map[string]any{"blockchain_tx_hash": txHash, "updated_at": s.timestamp()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return s.appendEvent(tx, leaseID, "lease.chain_recorded", map[string]any{"tx_hash": txHash})
	})
}
