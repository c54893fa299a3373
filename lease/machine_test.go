package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	rfcrypto "rentflow/crypto"
	"rentflow/lease/signature"
)

func TestCreateLeaseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(*CreateLeaseInput){
		"long id":       func(in *CreateLeaseInput) { in.ID = string(make([]byte, MaxLeaseIDLength+1)) },
		"zero rent":     func(in *CreateLeaseInput) { in.MonthlyRent = decimal.Zero },
		"zero deposit":  func(in *CreateLeaseInput) { in.SecurityDeposit = decimal.Zero },
		"sub-unit rent": func(in *CreateLeaseInput) { in.MonthlyRent = decimal.RequireFromString("1.0000001") },
		"end before":    func(in *CreateLeaseInput) { in.EndDate = in.StartDate.Add(-time.Hour) },
		"same parties":  func(in *CreateLeaseInput) { in.Tenant = SelfCustodied(in.Landlord.Address()) },
		"no tenant":     func(in *CreateLeaseInput) { in.Tenant = SelfCustodied(rfcrypto.Address{}) },
		"no document":   func(in *CreateLeaseInput) { in.DocumentHash = [32]byte{} },
		"no user":       func(in *CreateLeaseInput) { in.TenantUserID = " " },
	}
	for name, mutate := range cases {
		in := f.input()
		mutate(&in)
		_, err := f.svc.CreateLease(ctx, in)
		require.ErrorIs(t, err, ErrInvalidLease, name)
	}

	record, err := f.svc.CreateLease(ctx, f.input())
	require.NoError(t, err)
	require.Equal(t, StatusDraft, record.Status)
	require.Equal(t, signature.Version, record.SignatureVersion)
	require.NotNil(t, record.TenantWalletID)
	require.Nil(t, record.LandlordWalletID)
	require.EqualValues(t, 1, f.eventCount(record.ID, "lease.created"))
}

// Landlord signs first, tenant second, both payments settle.
func TestHappyPathLandlordFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.createLease()

	status, err := f.sign(record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	require.Equal(t, StatusPendingTenant, status)

	obligations, err := f.svc.Obligations(ctx, record.ID)
	require.NoError(t, err)
	require.Empty(t, obligations)

	status, err = f.sign(record.ID, signature.RoleTenant)
	require.NoError(t, err)
	require.Equal(t, StatusFullySigned, status)

	obligations, err = f.svc.Obligations(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 2)
	amounts := map[ObligationKind]decimal.Decimal{}
	for _, obligation := range obligations {
		require.Equal(t, ObligationPending, obligation.Status)
		require.Equal(t, 1, obligation.Attempt)
		require.Equal(t, IdempotencyKey(obligation.ID, 1), obligation.IdempotencyKey)
		amounts[obligation.Kind] = obligation.Amount
	}
	require.True(t, amounts[KindSecurityDeposit].Equal(decimal.RequireFromString("3700")))
	require.True(t, amounts[KindFirstMonthRent].Equal(decimal.RequireFromString("1850.5")))

	for _, obligation := range obligations {
		_, err := f.svc.SubmitPayment(ctx, obligation.ID, f.tenantPayer())
		require.NoError(t, err)
	}

	view, err := f.svc.GetLeaseState(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, view.Status)
	require.True(t, view.Verified)
	require.True(t, view.TenantRolePromoted)
	require.NotNil(t, view.ActivatedAt)
	for _, obligation := range view.Obligations {
		require.Equal(t, ObligationCompleted, obligation.Status)
		require.Contains(t, obligation.ExplorerURL, "https://explorer.example/tx/0x")
	}

	role, err := f.accounts.Role(ctx, "user-tenant")
	require.NoError(t, err)
	require.Equal(t, RoleTenant, role)
	require.EqualValues(t, 1, f.eventCount(record.ID, "lease.activated"))
	require.EqualValues(t, 1, f.eventCount(record.ID, "tenant.role_promoted"))
}

func TestTenantMaySignFirst(t *testing.T) {
	f := newFixture(t)
	record := f.createLease()

	status, err := f.sign(record.ID, signature.RoleTenant)
	require.NoError(t, err)
	require.Equal(t, StatusPendingLandlord, status)

	status, err = f.sign(record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	require.Equal(t, StatusFullySigned, status)
}

func TestSignatureMismatchLeavesLeaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record := f.createLease()

	impostor, err := rfcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	req := f.signatureRequest(record.ID, signature.RoleLandlord)
	hash, err := f.svc.MessageHash(ctx, record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	req.Signature, err = signature.Sign(hash, impostor)
	require.NoError(t, err)

	_, err = f.svc.SignLease(ctx, req)
	require.ErrorIs(t, err, signature.ErrAddressMismatch)

	after := f.reload(record.ID)
	require.Equal(t, StatusDraft, after.Status)
	require.Nil(t, after.LandlordSignature)
	require.Equal(t, record.Version, after.Version)

	req = f.signatureRequest(record.ID, signature.RoleLandlord)
	req.Signature = req.Signature[:64]
	_, err = f.svc.SignLease(ctx, req)
	require.ErrorIs(t, err, signature.ErrMalformedSignature)
	require.Equal(t, StatusDraft, f.reload(record.ID).Status)
}

func TestSignLeaseRejectsWrongParty(t *testing.T) {
	f := newFixture(t)
	record := f.createLease()

	// The tenant signs a landlord message with their own key and claims it.
	req := f.signatureRequest(record.ID, signature.RoleLandlord)
	hash, err := f.svc.MessageHash(context.Background(), record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	req.Signature, err = signature.Sign(hash, f.tenantKey)
	require.NoError(t, err)
	req.ClaimedAddress = f.tenantKey.PubKey().Address()

	_, err = f.svc.SignLease(context.Background(), req)
	require.ErrorIs(t, err, ErrUnauthorizedSigner)
	require.Equal(t, StatusDraft, f.reload(record.ID).Status)
}

func TestDuplicateSignature(t *testing.T) {
	f := newFixture(t)
	record := f.createLease()

	_, err := f.sign(record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	before := f.reload(record.ID)

	_, err = f.sign(record.ID, signature.RoleLandlord)
	require.ErrorIs(t, err, ErrDuplicateSignature)

	// Duplicates are rejected before verification, so garbage is reported the same way.
	req := f.signatureRequest(record.ID, signature.RoleLandlord)
	req.Signature = []byte{1, 2, 3}
	_, err = f.svc.SignLease(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateSignature)

	after := f.reload(record.ID)
	require.Equal(t, *before.LandlordSignature, *after.LandlordSignature)
	require.Equal(t, *before.LandlordSignedAt, *after.LandlordSignedAt)
	require.Equal(t, before.Version, after.Version)
}

func TestSignLeaseUnknownLease(t *testing.T) {
	f := newFixture(t)
	record := f.createLease()
	req := f.signatureRequest(record.ID, signature.RoleLandlord)
	req.LeaseID = "missing"
	_, err := f.svc.SignLease(context.Background(), req)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSignLeaseCustodial(t *testing.T) {
	landlordKey, err := rfcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer := &stubSigner{keys: map[string]*rfcrypto.PrivateKey{"wal_landlord": landlordKey}}
	f := newFixture(t, WithMessageSigner(signer))
	f.landlordKey = landlordKey

	in := f.input()
	in.Landlord = Custodial("wal_landlord", landlordKey.PubKey().Address())
	record, err := f.svc.CreateLease(context.Background(), in)
	require.NoError(t, err)

	status, err := f.svc.SignLeaseCustodial(context.Background(), record.ID, signature.RoleLandlord, in.Landlord)
	require.NoError(t, err)
	require.Equal(t, StatusPendingTenant, status)

	_, err = f.svc.SignLeaseCustodial(context.Background(), record.ID, signature.RoleTenant, SelfCustodied(f.tenantKey.PubKey().Address()))
	require.ErrorIs(t, err, ErrNotCustodial)
}

func TestTerminateAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, obligations := f.fullySigned()

	_, err := f.svc.Terminate(ctx, record.ID, Actor{UserID: "user-tenant"}, "moving out")
	require.ErrorIs(t, err, ErrInvalidTransition)

	for _, obligation := range obligations {
		_, err := f.svc.MarkSettled(ctx, obligation.ID, "0x"+obligation.ID)
		require.NoError(t, err)
	}
	require.Equal(t, StatusActive, f.reload(record.ID).Status)

	_, err = f.svc.Terminate(ctx, record.ID, Actor{UserID: "stranger"}, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Complete(ctx, record.ID, Actor{UserID: "user-landlord"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	f.clock.Advance(400 * 24 * time.Hour)
	completed, err := f.svc.Complete(ctx, record.ID, Actor{UserID: "user-landlord"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)

	_, err = f.svc.Terminate(ctx, record.ID, Actor{Role: RoleManager}, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminateActiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, obligations := f.fullySigned()
	for _, obligation := range obligations {
		_, err := f.svc.MarkSettled(ctx, obligation.ID, "0x"+obligation.ID)
		require.NoError(t, err)
	}

	terminated, err := f.svc.Terminate(ctx, record.ID, Actor{Role: RoleManager, UserID: "mgr"}, "breach")
	require.NoError(t, err)
	require.Equal(t, StatusTerminated, terminated.Status)
	after := f.reload(record.ID)
	require.NotNil(t, after.TerminatedAt)
	require.Equal(t, "mgr", *after.TerminatedBy)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.createLease()
	signed, obligations := f.fullySigned()
	active, activeObligations := f.fullySigned()
	for _, obligation := range activeObligations {
		_, err := f.svc.MarkSettled(ctx, obligation.ID, "0x"+obligation.ID)
		require.NoError(t, err)
	}
	require.Len(t, obligations, 2)

	expired, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Zero(t, expired)

	f.clock.Advance(400 * 24 * time.Hour)
	expired, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, expired)
	require.Equal(t, StatusExpired, f.reload(draft.ID).Status)
	require.Equal(t, StatusExpired, f.reload(signed.ID).Status)
	require.Equal(t, StatusActive, f.reload(active.ID).Status)
}

func TestAttachChainTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, _ := f.fullySigned()

	require.NoError(t, f.svc.AttachChainTx(ctx, record.ID, "0xfirst"))
	require.NoError(t, f.svc.AttachChainTx(ctx, record.ID, "0xsecond"))
	after := f.reload(record.ID)
	require.Equal(t, "0xfirst", *after.BlockchainTxHash)

	view, err := f.svc.GetLeaseState(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, "https://explorer.example/tx/0xfirst", view.BlockchainExplorer)
	require.False(t, view.Verified)
}

func TestUnmirroredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createLease()
	first, _ := f.fullySigned()
	f.clock.Advance(time.Minute)
	second, obligations := f.fullySigned()
	for _, obligation := range obligations {
		_, err := f.svc.MarkSettled(ctx, obligation.ID, "0x"+obligation.ID)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Minute)
	mirrored, _ := f.fullySigned()
	require.NoError(t, f.svc.AttachChainTx(ctx, mirrored.ID, "0xmirrored"))

	ids, err := f.svc.UnmirroredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID, second.ID}, ids)
}

func TestGetLeaseStateKeepsSignedPrecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.input()
	in.MonthlyRent = decimal.RequireFromString("1850.505")
	in.SecurityDeposit = decimal.RequireFromString("0.000001")
	record, err := f.svc.CreateLease(ctx, in)
	require.NoError(t, err)
	_, err = f.sign(record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	_, err = f.sign(record.ID, signature.RoleTenant)
	require.NoError(t, err)

	view, err := f.svc.GetLeaseState(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, "1850.505", view.MonthlyRent)
	require.Equal(t, "0.000001", view.SecurityDeposit)
	amounts := map[ObligationKind]string{}
	for _, obligation := range view.Obligations {
		amounts[obligation.Kind] = obligation.Amount
	}
	require.Equal(t, "1850.505", amounts[KindFirstMonthRent])
	require.Equal(t, "0.000001", amounts[KindSecurityDeposit])
}

// A storage failure after the in-memory transition must report the status the
// lease still has, not the one the rolled back write would have produced.
func TestSignLeaseRollbackReportsStoredStatus(t *testing.T) {
	f := newFixture(t)
	record := f.createLease()

	var failEvents atomic.Bool
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_events", func(tx *gorm.DB) {
		if failEvents.Load() && tx.Statement.Schema != nil && tx.Statement.Schema.Name == "LeaseEvent" {
			_ = tx.AddError(errors.New("event store unavailable"))
		}
	}))
	failEvents.Store(true)

	status, err := f.sign(record.ID, signature.RoleLandlord)
	require.Error(t, err)
	require.Equal(t, StatusDraft, status)
	after := f.reload(record.ID)
	require.Equal(t, StatusDraft, after.Status)
	require.Nil(t, after.LandlordSignature)

	failEvents.Store(false)
	status, err = f.sign(record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	require.Equal(t, StatusPendingTenant, status)
}
