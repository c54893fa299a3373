package leased

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"rentflow/crypto"
	"rentflow/lease"
	"rentflow/lease/signature"
	"rentflow/services/settlement"
	"rentflow/storage/lock"
)

const maxBodyBytes = 1 << 16

type createLeaseRequest struct {
	ID               string `json:"id"`
	LandlordUserID   string `json:"landlord_user_id"`
	TenantUserID     string `json:"tenant_user_id"`
	LandlordAddress  string `json:"landlord_address"`
	LandlordWalletID string `json:"landlord_wallet_id"`
	TenantAddress    string `json:"tenant_address"`
	TenantWalletID   string `json:"tenant_wallet_id"`
	MonthlyRent      string `json:"monthly_rent"`
	SecurityDeposit  string `json:"security_deposit"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	DocumentHash     string `json:"document_hash"`
}

type signRequest struct {
	Role      string `json:"role"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

type custodialSignRequest struct {
	Role string `json:"role"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

type signResponse struct {
	LeaseID string       `json:"lease_id"`
	Status  lease.Status `json:"status"`
	ChainTx string       `json:"chain_tx,omitempty"`
}

type messageResponse struct {
	LeaseID     string `json:"lease_id"`
	Role        string `json:"role"`
	MessageHash string `json:"message_hash"`
	Version     int    `json:"version"`
}

type paymentResponse struct {
	ObligationID string                  `json:"obligation_id"`
	Status       string                  `json:"status"`
	TransferID   string                  `json:"transfer_id,omitempty"`
	TxHash       string                  `json:"tx_hash,omitempty"`
	Activation   lease.ActivationOutcome `json:"activation,omitempty"`
	Warning      string                  `json:"warning,omitempty"`
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}

func signerRef(address, walletID string) (lease.SignerRef, error) {
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return lease.SignerRef{}, err
	}
	if strings.TrimSpace(walletID) != "" {
		return lease.Custodial(walletID, addr), nil
	}
	return lease.SelfCustodied(addr), nil
}

func (s *Server) createLease(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var req createLeaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	if claims.Role == lease.RoleLandlord {
		req.LandlordUserID = claims.Subject
	}
	input, err := req.toInput()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_lease", Message: err.Error()})
		return
	}
	record, err := s.svc.CreateLease(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.svc.GetLeaseState(r.Context(), record.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (req createLeaseRequest) toInput() (lease.CreateLeaseInput, error) {
	landlord, err := signerRef(req.LandlordAddress, req.LandlordWalletID)
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("landlord_address: %w", err)
	}
	tenant, err := signerRef(req.TenantAddress, req.TenantWalletID)
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("tenant_address: %w", err)
	}
	rent, err := decimal.NewFromString(strings.TrimSpace(req.MonthlyRent))
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("monthly_rent: %w", err)
	}
	deposit, err := decimal.NewFromString(strings.TrimSpace(req.SecurityDeposit))
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("security_deposit: %w", err)
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return lease.CreateLeaseInput{}, fmt.Errorf("end_date: %w", err)
	}
	document, err := signature.ParseDocumentHash(req.DocumentHash)
	if err != nil {
		return lease.CreateLeaseInput{}, err
	}
	return lease.CreateLeaseInput{
		ID:              req.ID,
		LandlordUserID:  req.LandlordUserID,
		TenantUserID:    req.TenantUserID,
		Landlord:        landlord,
		Tenant:          tenant,
		MonthlyRent:     rent,
		SecurityDeposit: deposit,
		StartDate:       start,
		EndDate:         end,
		DocumentHash:    document,
	}, nil
}

// loadForParty loads the lease and checks the caller is a party or a manager.
func (s *Server) loadForParty(w http.ResponseWriter, r *http.Request, leaseID string) (*lease.Lease, *Claims, bool) {
	claims, _ := ClaimsFromContext(r.Context())
	record, err := s.svc.Get(r.Context(), leaseID)
	if err != nil {
		s.fail(w, r, err)
		return nil, nil, false
	}
	if claims.Role != lease.RoleManager && claims.Subject != record.LandlordUserID && claims.Subject != record.TenantUserID {
		// Leases of other users are reported as missing.
		writeError(w, http.StatusNotFound, "not_found")
		return nil, nil, false
	}
	return record, claims, true
}

func partyUser(record *lease.Lease, role signature.Role) string {
	if role == signature.RoleLandlord {
		return record.LandlordUserID
	}
	return record.TenantUserID
}

func (s *Server) getLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, ok := s.loadForParty(w, r, id); !ok {
		return
	}
	view, err := s.svc.GetLeaseState(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, ok := s.loadForParty(w, r, id); !ok {
		return
	}
	role, err := signature.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_role", Message: err.Error()})
		return
	}
	hash, err := s.svc.MessageHash(r.Context(), id, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{LeaseID: id, Role: role.String(), MessageHash: hash.Hex(), Version: signature.Version})
}

func (s *Server) signLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, claims, ok := s.loadForParty(w, r, id)
	if !ok {
		return
	}
	var req signRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	role, err := signature.ParseRole(req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_role", Message: err.Error()})
		return
	}
	if claims.Subject != partyUser(record, role) {
		writeError(w, http.StatusForbidden, "not_party")
		return
	}
	sig, err := signature.Decode(req.Signature)
	if err != nil {
		if record.HasSigned(role) {
			err = lease.ErrDuplicateSignature
		}
		s.fail(w, r, err)
		return
	}
	claimed, err := crypto.ParseAddress(req.Address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_address", Message: err.Error()})
		return
	}
	status, err := s.svc.SignLease(r.Context(), lease.SignatureRequest{
		LeaseID:        id,
		Role:           role,
		Signature:      sig,
		ClaimedAddress: claimed,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.afterSignature(r.Context(), id, status))
}

func (s *Server) signLeaseCustodial(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, claims, ok := s.loadForParty(w, r, id)
	if !ok {
		return
	}
	var req custodialSignRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	role, err := signature.ParseRole(req.Role)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_role", Message: err.Error()})
		return
	}
	if claims.Subject != partyUser(record, role) {
		writeError(w, http.StatusForbidden, "not_party")
		return
	}
	walletID := record.LandlordWalletID
	if role == signature.RoleTenant {
		walletID = record.TenantWalletID
	}
	if walletID == nil {
		s.fail(w, r, lease.ErrNotCustodial)
		return
	}
	address, err := record.PartyAddress(role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := s.svc.SignLeaseCustodial(r.Context(), id, role, lease.Custodial(*walletID, address))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.afterSignature(r.Context(), id, status))
}

// afterSignature mirrors a fully signed lease on-chain. The relational record
// is authoritative, so a mirror failure is only logged; the reconciliation
// sweep retries leases still missing their mirror transaction.
func (s *Server) afterSignature(ctx context.Context, leaseID string, status lease.Status) signResponse {
	resp := signResponse{LeaseID: leaseID, Status: status}
	if s.chain == nil || status != lease.StatusFullySigned {
		return resp
	}
	txHash, err := s.chain.Record(ctx, leaseID)
	if err != nil {
		s.logger.Warn("on-chain mirror failed", slog.String("lease_id", leaseID), slog.Any("error", err))
		return resp
	}
	resp.ChainTx = txHash
	return resp
}

func (s *Server) terminateLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims, _ := ClaimsFromContext(r.Context())
	var req terminateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	if _, err := s.svc.Terminate(r.Context(), id, claims.Actor(), strings.TrimSpace(req.Reason)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondWithState(w, r, id)
}

func (s *Server) completeLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims, _ := ClaimsFromContext(r.Context())
	if _, err := s.svc.Complete(r.Context(), id, claims.Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondWithState(w, r, id)
}

func (s *Server) respondWithState(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.svc.GetLeaseState(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// obligationForTenant loads the obligation and its lease and checks the caller
// is the tenant or a manager.
func (s *Server) obligationForTenant(w http.ResponseWriter, r *http.Request) (*lease.PaymentObligation, *lease.Lease, bool) {
	claims, _ := ClaimsFromContext(r.Context())
	obligation, err := s.svc.Obligation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, nil, false
	}
	record, err := s.svc.Get(r.Context(), obligation.LeaseID)
	if err != nil {
		s.fail(w, r, err)
		return nil, nil, false
	}
	if claims.Role != lease.RoleManager && claims.Subject != record.TenantUserID {
		writeError(w, http.StatusNotFound, "not_found")
		return nil, nil, false
	}
	return obligation, record, true
}

func (s *Server) submitPayment(w http.ResponseWriter, r *http.Request) {
	obligation, record, ok := s.obligationForTenant(w, r)
	if !ok {
		return
	}
	if record.TenantWalletID == nil {
		s.fail(w, r, lease.ErrNotCustodial)
		return
	}
	tenant, err := crypto.ParseAddress(record.TenantAddress)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.svc.SubmitPayment(r.Context(), obligation.ID, lease.Custodial(*record.TenantWalletID, tenant))
	resp := paymentResponse{ObligationID: obligation.ID}
	if result != nil {
		resp.TransferID = result.Handle.ID
		resp.TxHash = result.TxHash
		resp.Activation = result.Activation
	}
	var activationErr *lease.ActivationError
	switch {
	case err == nil:
		resp.Status = string(lease.ObligationCompleted)
		if resp.Activation == lease.OutcomeLeaseClosed {
			resp.Warning = "lease_closed"
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &activationErr):
		// Settlement is recorded; activation resumes on the next attempt.
		resp.Status = string(lease.ObligationCompleted)
		resp.Warning = "activation_pending"
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, lease.ErrSettlementPending):
		resp.Status = string(lease.ObligationPending)
		writeJSON(w, http.StatusAccepted, resp)
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) retryObligation(w http.ResponseWriter, r *http.Request) {
	obligation, _, ok := s.obligationForTenant(w, r)
	if !ok {
		return
	}
	retried, err := s.svc.RetryFailed(r.Context(), obligation.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"obligation_id": retried.ID,
		"status":        retried.Status,
		"attempt":       retried.Attempt,
	})
}

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, signature.ErrMalformedSignature):
		return http.StatusUnprocessableEntity, "malformed_signature"
	case errors.Is(err, signature.ErrAddressMismatch):
		return http.StatusUnprocessableEntity, "address_mismatch"
	case errors.Is(err, lease.ErrUnauthorizedSigner):
		return http.StatusUnprocessableEntity, "unauthorized_signer"
	case errors.Is(err, lease.ErrDuplicateSignature):
		return http.StatusConflict, "already_signed"
	case errors.Is(err, lease.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lease.ErrInvalidLease), errors.Is(err, signature.ErrInvalidTerms), errors.Is(err, crypto.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_lease"
	case errors.Is(err, lease.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, lease.ErrUnauthorized), errors.Is(err, lease.ErrPayerMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lease.ErrConcurrentUpdate):
		return http.StatusConflict, "concurrent_update"
	case errors.Is(err, lease.ErrNotCustodial):
		return http.StatusUnprocessableEntity, "not_custodial"
	case errors.Is(err, lease.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, lease.ErrObligationFailed):
		return http.StatusConflict, "obligation_failed"
	case errors.Is(err, lease.ErrObligationNotFailed):
		return http.StatusConflict, "obligation_not_failed"
	case errors.Is(err, lease.ErrConflictingSettlement):
		return http.StatusConflict, "conflicting_settlement"
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, settlement.ErrDestinationInvalid):
		return http.StatusUnprocessableEntity, "destination_invalid"
	case errors.Is(err, lease.ErrSettlementFailed):
		return http.StatusUnprocessableEntity, "settlement_failed"
	case errors.Is(err, lease.ErrSettlementRejected), errors.Is(err, settlement.ErrRejected):
		return http.StatusBadGateway, "settlement_rejected"
	case errors.Is(err, settlement.ErrUnknownWallet):
		return http.StatusUnprocessableEntity, "unknown_wallet"
	case settlement.IsTransient(err):
		return http.StatusServiceUnavailable, "processor_unavailable"
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, lease.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("reason", code),
			slog.Any("error", err))
	}
	if code == "conflicting_settlement" {
		s.logger.Error("conflicting settlement reported", slog.String("path", r.URL.Path))
	}
	writeError(w, status, code)
}
