// Package store holds the gorm-backed relational records: jobs, generations,
// webhooks, webhook deliveries and organizations.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

const (
	maxRetries = 5
	retryDelay = 5 * time.Second
)

// Open connects to Postgres when a database URL is configured and falls back
// to a SQLite file otherwise.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.URL == "" {
		log.Warnf("[Store] DATABASE_URL not set, using sqlite at %s", cfg.SQLitePath)
		return OpenSQLite(cfg.SQLitePath)
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(postgres.Open(cfg.URL), gormCfg)
		if err == nil {
			break
		}
		log.Warnf("[Store] failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
	}
	return db, nil
}

// OpenSQLite opens a SQLite database. An in-memory database is pinned to a
// single connection so every caller sees the same data.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates every table owned by this package.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.Organization{},
		&model.Job{},
		&model.Generation{},
		&model.Webhook{},
		&model.WebhookDelivery{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// lookupErr maps a missing row to apperr.ErrNotFound and anything else to a
// PersistenceError.
func lookupErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return apperr.Persistence(op, err)
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return def
	}
	return limit
}
