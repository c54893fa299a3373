package lease

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is a lease lifecycle state.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingLandlord Status = "PENDING_LANDLORD"
	StatusPendingTenant   Status = "PENDING_TENANT"
	StatusFullySigned     Status = "FULLY_SIGNED"
	StatusActive          Status = "ACTIVE"
	StatusTerminated      Status = "TERMINATED"
	StatusExpired         Status = "EXPIRED"
	StatusCompleted       Status = "COMPLETED"
)

// ObligationKind enumerates the payments due before a lease activates.
type ObligationKind string

const (
	KindSecurityDeposit ObligationKind = "SECURITY_DEPOSIT"
	KindFirstMonthRent  ObligationKind = "FIRST_MONTH_RENT"
)

// ObligationStatus tracks settlement of a single obligation.
type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "PENDING"
	ObligationCompleted ObligationStatus = "COMPLETED"
	ObligationFailed    ObligationStatus = "FAILED"
)

// UserRole is the account role promoted on activation.
type UserRole string

const (
	RoleProspectiveTenant UserRole = "PROSPECTIVE_TENANT"
	RoleTenant            UserRole = "TENANT"
	RoleLandlord          UserRole = "LANDLORD"
	RoleManager           UserRole = "MANAGER"
)

// Lease is the persisted agreement. Status is only written through the
// transition helpers in this package; rows are never deleted.
type Lease struct {
	ID               string          `gorm:"primaryKey;size:64"`
	LandlordUserID   string          `gorm:"size:64;index"`
	TenantUserID     string          `gorm:"size:64;index"`
	LandlordAddress  string          `gorm:"size:42;not null"`
	TenantAddress    string          `gorm:"size:42;not null"`
	LandlordWalletID *string         `gorm:"size:128"`
	TenantWalletID   *string         `gorm:"size:128"`
	MonthlyRent      decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	SecurityDeposit  decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	StartDate        time.Time       `gorm:"not null"`
	EndDate          time.Time       `gorm:"not null;index"`
	DocumentHash     string          `gorm:"size:66;not null"`
	SignatureVersion int             `gorm:"not null"`

	LandlordSignature *string `gorm:"size:132"`
	LandlordSignedAt  *time.Time
	TenantSignature   *string `gorm:"size:132"`
	TenantSignedAt    *time.Time

	Status               Status `gorm:"size:32;index;not null"`
	Version              int64  `gorm:"not null"`
	BlockchainTxHash     *string `gorm:"size:66"`
	ActivatedAt          *time.Time
	TenantRolePromotedAt *time.Time
	TerminatedAt         *time.Time
	TerminatedBy         *string `gorm:"size:64"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PaymentObligation is one of the two payments gating activation. The
// (lease_id, kind) unique index makes creation exactly-once.
type PaymentObligation struct {
	ID              string           `gorm:"primaryKey;size:64"`
	LeaseID         string           `gorm:"size:64;not null;uniqueIndex:idx_obligation_lease_kind"`
	Kind            ObligationKind   `gorm:"size:32;not null;uniqueIndex:idx_obligation_lease_kind"`
	Amount          decimal.Decimal  `gorm:"type:decimal(20,6);not null"`
	Destination     string           `gorm:"size:42;not null"`
	Status          ObligationStatus `gorm:"size:16;index;not null"`
	Attempt         int              `gorm:"not null"`
	IdempotencyKey  string           `gorm:"size:128;not null"`
	TransferID      *string          `gorm:"size:128"`
	TransactionHash *string          `gorm:"size:66"`
	FailureReason   *string          `gorm:"size:255"`
	SubmittedAt     *time.Time
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserAccount backs the gorm RoleStore.
type UserAccount struct {
	UserID    string   `gorm:"primaryKey;size:64"`
	Role      UserRole `gorm:"size:32;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseEvent is the audit trail and outbox. Rows are written in the same
// transaction as the change they describe and published by the Relay.
type LeaseEvent struct {
	ID          string `gorm:"primaryKey;size:64"`
	LeaseID     string `gorm:"size:64;index"`
	Type        string `gorm:"size:64;index"`
	Payload     string `gorm:"type:text"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the lease engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Lease{},
		&PaymentObligation{},
		&UserAccount{},
		&LeaseEvent{},
	)
}
