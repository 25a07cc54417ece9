package database

import (
	"fmt"
	"time"

	"modledger/internal/config"
	"modledger/internal/repository"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the SQL backend named by cfg.Storage.Driver, sizes the
// pool and migrates the ledger tables.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var (
		dialector    gorm.Dialector
		maxOpenConns int
		maxIdleConns int
	)
	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.MySQL.DSN())
		maxOpenConns, maxIdleConns = cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
		maxOpenConns, maxIdleConns = cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns
	default:
		return nil, fmt.Errorf("driver %q is not an SQL backend", cfg.Storage.Driver)
	}

	logLevel := logger.Warn
	if cfg.Log.Env != "prod" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Storage.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := repository.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger tables: %w", err)
	}
	return db, nil
}
