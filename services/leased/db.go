package leased

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rentflow/lease"
)

// OpenDatabase opens the configured database and migrates the lease schema
// together with the idempotency table.
func OpenDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	slog.Info("database ready", slog.String("driver", cfg.Driver))
	return db, nil
}

// Migrate creates every table leased owns.
func Migrate(db *gorm.DB) error {
	if err := lease.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate lease schema: %w", err)
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		return fmt.Errorf("migrate idempotency: %w", err)
	}
	return nil
}
