package lease

import (
	"context"
	"strings"
	"time"
)

// SignatureView reports whether a party has signed.
type SignatureView struct {
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

// ObligationView is the client-facing view of an obligation.
type ObligationView struct {
	ID              string           `json:"id"`
	Kind            ObligationKind   `json:"kind"`
	Amount          string           `json:"amount"`
	Status          ObligationStatus `json:"status"`
	Attempt         int              `json:"attempt"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	ExplorerURL     string           `json:"explorer_url,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
}

// LeaseView is the read model returned by GetLeaseState.
type LeaseView struct {
	ID                 string           `json:"id"`
	Status             Status           `json:"status"`
	Landlord           string           `json:"landlord"`
	Tenant             string           `json:"tenant"`
	MonthlyRent        string           `json:"monthly_rent"`
	SecurityDeposit    string           `json:"security_deposit"`
	StartDate          time.Time        `json:"start_date"`
	EndDate            time.Time        `json:"end_date"`
	DocumentHash       string           `json:"document_hash"`
	SignatureVersion   int              `json:"signature_version"`
	LandlordSignature  SignatureView    `json:"landlord_signature"`
	TenantSignature    SignatureView    `json:"tenant_signature"`
	Obligations        []ObligationView `json:"obligations"`
	BlockchainTxHash   string           `json:"blockchain_tx_hash,omitempty"`
	BlockchainExplorer string           `json:"blockchain_explorer_url,omitempty"`
	ActivatedAt        *time.Time       `json:"activated_at,omitempty"`
	TenantRolePromoted bool             `json:"tenant_role_promoted"`
	// Verified holds once both parties signed and the lease went live.
	Verified bool `json:"verified"`
}

// GetLeaseState returns the lease with its signature and obligation state.
func (s *Service) GetLeaseState(ctx context.Context, leaseID string) (*LeaseView, error) {
	record, err := s.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	obligations, err := s.Obligations(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	view := &LeaseView{
		ID:                 record.ID,
		Status:             record.Status,
		Landlord:           record.LandlordAddress,
		Tenant:             record.TenantAddress,
		MonthlyRent:        record.MonthlyRent.String(),
		SecurityDeposit:    record.SecurityDeposit.String(),
		StartDate:          record.StartDate,
		EndDate:            record.EndDate,
		DocumentHash:       record.DocumentHash,
		SignatureVersion:   record.SignatureVersion,
		LandlordSignature:  SignatureView{Signed: record.LandlordSignature != nil, SignedAt: record.LandlordSignedAt},
		TenantSignature:    SignatureView{Signed: record.TenantSignature != nil, SignedAt: record.TenantSignedAt},
		ActivatedAt:        record.ActivatedAt,
		TenantRolePromoted: record.TenantRolePromotedAt != nil,
		Obligations:        make([]ObligationView, 0, len(obligations)),
	}
	view.Verified = view.LandlordSignature.Signed && view.TenantSignature.Signed &&
		(record.Status == StatusActive || record.Status == StatusCompleted)
	if record.BlockchainTxHash != nil {
		view.BlockchainTxHash = *record.BlockchainTxHash
		view.BlockchainExplorer = s.explorerLink(*record.BlockchainTxHash)
	}
	for _, obligation := range obligations {
		item := ObligationView{
			ID:        obligation.ID,
			Kind:      obligation.Kind,
			Amount:    obligation.Amount.String(),
			Status:    obligation.Status,
			Attempt:   obligation.Attempt,
			SettledAt: obligation.SettledAt,
		}
		if obligation.TransactionHash != nil {
			item.TransactionHash = *obligation.TransactionHash
			item.ExplorerURL = s.explorerLink(*obligation.TransactionHash)
		}
		if obligation.FailureReason != nil {
			item.FailureReason = *obligation.FailureReason
		}
		view.Obligations = append(view.Obligations, item)
	}
	return view, nil
}

func (s *Service) explorerLink(txHash string) string {
	if s.explorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(s.explorerURL, "/") + "/tx/" + txHash
}
