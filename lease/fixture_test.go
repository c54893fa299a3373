package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	rfcrypto "rentflow/crypto"
	"rentflow/lease/signature"
	"rentflow/services/settlement"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Shared-cache in-memory databases report table locks under concurrent
	// writers; a single connection serialises them the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubSettlement struct {
	mu         sync.Mutex
	requests   []settlement.TransferRequest
	byKey      map[string]string
	submitErrs []error
	results    map[string]settlement.TerminalStatus
	pollErr    error
}

func newStubSettlement() *stubSettlement {
	return &stubSettlement{
		byKey:   make(map[string]string),
		results: make(map[string]settlement.TerminalStatus),
	}
}

func (s *stubSettlement) SubmitTransfer(_ context.Context, req settlement.TransferRequest) (settlement.TransferHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return settlement.TransferHandle{}, err
		}
	}
	id, ok := s.byKey[req.IdempotencyKey]
	if !ok {
		id = "tr_" + uuid.NewString()
		s.byKey[req.IdempotencyKey] = id
	}
	return settlement.TransferHandle{ID: id, Status: "pending"}, nil
}

func (s *stubSettlement) PollStatus(_ context.Context, handle settlement.TransferHandle, _ time.Duration) (settlement.TerminalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return settlement.TerminalStatus{}, s.pollErr
	}
	if status, ok := s.results[handle.ID]; ok {
		return status, nil
	}
	return settlement.TerminalStatus{Completed: true, TxHash: "0x" + handle.ID}, nil
}

func (s *stubSettlement) setPollErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErr = err
}

func (s *stubSettlement) setResult(handleID string, status settlement.TerminalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[handleID] = status
}

func (s *stubSettlement) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubSigner struct {
	mu   sync.Mutex
	keys map[string]*rfcrypto.PrivateKey
}

func (s *stubSigner) SignMessage(_ context.Context, walletID string, hash common.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[walletID]
	if !ok {
		return nil, settlement.ErrUnknownWallet
	}
	return signature.Sign(hash, key)
}

type fixture struct {
	t           *testing.T
	db          *gorm.DB
	svc         *Service
	clock       *testClock
	settle      *stubSettlement
	accounts    *AccountStore
	landlordKey *rfcrypto.PrivateKey
	tenantKey   *rfcrypto.PrivateKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := setupTestDB(t)
	clock := newTestClock()
	settle := newStubSettlement()
	accounts := NewAccountStore(db)
	landlordKey, err := rfcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tenantKey, err := rfcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	base := []Option{
		WithClock(clock.Now),
		WithSettlement(settle),
		WithRoleStore(accounts),
		WithSubmitRetry(3, time.Millisecond),
		WithExplorerURL("https://explorer.example/"),
	}
	svc := NewService(db, append(base, opts...)...)
	return &fixture{
		t:           t,
		db:          db,
		svc:         svc,
		clock:       clock,
		settle:      settle,
		accounts:    accounts,
		landlordKey: landlordKey,
		tenantKey:   tenantKey,
	}
}

func (f *fixture) input() CreateLeaseInput {
	start := f.clock.Now().Add(24 * time.Hour)
	return CreateLeaseInput{
		LandlordUserID:  "user-landlord",
		TenantUserID:    "user-tenant",
		Landlord:        SelfCustodied(f.landlordKey.PubKey().Address()),
		Tenant:          Custodial("wal_tenant", f.tenantKey.PubKey().Address()),
		MonthlyRent:     decimal.RequireFromString("1850.50"),
		SecurityDeposit: decimal.RequireFromString("3700"),
		StartDate:       start,
		EndDate:         start.AddDate(1, 0, 0),
		DocumentHash:    crypto.Keccak256Hash([]byte("lease.pdf")),
	}
}

func (f *fixture) createLease() *Lease {
	f.t.Helper()
	if err := f.accounts.Ensure(context.Background(), "user-tenant", RoleProspectiveTenant); err != nil {
		f.t.Fatalf("ensure account: %v", err)
	}
	record, err := f.svc.CreateLease(context.Background(), f.input())
	if err != nil {
		f.t.Fatalf("create lease: %v", err)
	}
	return record
}

func (f *fixture) keyFor(role signature.Role) *rfcrypto.PrivateKey {
	if role == signature.RoleLandlord {
		return f.landlordKey
	}
	return f.tenantKey
}

func (f *fixture) signatureRequest(leaseID string, role signature.Role) SignatureRequest {
	f.t.Helper()
	hash, err := f.svc.MessageHash(context.Background(), leaseID, role)
	if err != nil {
		f.t.Fatalf("message hash: %v", err)
	}
	key := f.keyFor(role)
	sig, err := signature.Sign(hash, key)
	if err != nil {
		f.t.Fatalf("sign: %v", err)
	}
	return SignatureRequest{LeaseID: leaseID, Role: role, Signature: sig, ClaimedAddress: key.PubKey().Address()}
}

func (f *fixture) sign(leaseID string, role signature.Role) (Status, error) {
	return f.svc.SignLease(context.Background(), f.signatureRequest(leaseID, role))
}

func (f *fixture) fullySigned() (*Lease, []PaymentObligation) {
	f.t.Helper()
	record := f.createLease()
	if _, err := f.sign(record.ID, signature.RoleLandlord); err != nil {
		f.t.Fatalf("landlord sign: %v", err)
	}
	status, err := f.sign(record.ID, signature.RoleTenant)
	if err != nil {
		f.t.Fatalf("tenant sign: %v", err)
	}
	if status != StatusFullySigned {
		f.t.Fatalf("expected fully signed, got %s", status)
	}
	obligations, err := f.svc.Obligations(context.Background(), record.ID)
	if err != nil {
		f.t.Fatalf("obligations: %v", err)
	}
	return record, obligations
}

func (f *fixture) reload(leaseID string) *Lease {
	f.t.Helper()
	record, err := f.svc.Get(context.Background(), leaseID)
	if err != nil {
		f.t.Fatalf("reload: %v", err)
	}
	return record
}

func (f *fixture) tenantPayer() SignerRef {
	return Custodial("wal_tenant", f.tenantKey.PubKey().Address())
}

func (f *fixture) eventCount(leaseID, eventType string) int64 {
	f.t.Helper()
	var count int64
	if err := f.db.Model(&LeaseEvent{}).Where("lease_id = ? AND type = ?", leaseID, eventType).Count(&count).Error; err != nil {
		f.t.Fatalf("count events: %v", err)
	}
	return count
}
