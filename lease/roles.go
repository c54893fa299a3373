package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoleStore promotes user roles. PromoteRole must be idempotent: promoting a
// user who already holds to is a no-op.
type RoleStore interface {
	PromoteRole(ctx context.Context, userID string, from, to UserRole) error
}

// AccountStore is the gorm-backed RoleStore.
type AccountStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Ensure creates the account with role if it does not exist yet.
func (s *AccountStore) Ensure(ctx context.Context, userID string, role UserRole) error {
	now := s.now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserAccount{UserID: userID, Role: role, CreatedAt: now, UpdatedAt: now}).Error
}

// Role returns the current role of userID.
func (s *AccountStore) Role(ctx context.Context, userID string) (UserRole, error) {
	var account UserAccount
	if err := s.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return account.Role, nil
}

// PromoteRole moves userID from one role to another. Accounts unknown to the
// store are created with the target role; accounts holding any other role are
// left unchanged.
func (s *AccountStore) PromoteRole(ctx context.Context, userID string, from, to UserRole) error {
	if userID == "" {
		return fmt.Errorf("lease: promote role: user id required")
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ? AND role = ?", userID, from).
		Updates(map[string]any{"role": to, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.Ensure(ctx, userID, to)
}

var _ RoleStore = (*AccountStore)(nil)
