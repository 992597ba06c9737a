// Package gormstore is the store.Store adapter backed by gorm + SQLite,
// the teacher's own stack (internal/db/sqlite.go uses gorm.Open with the
// glebarez pure-Go sqlite driver; we keep that driver rather than cgo
// gorm.io/driver/sqlite so the binary stays cgo-free, same as the
// teacher's). Schema is versioned with goose migrations instead of the
// teacher's gorm.AutoMigrate, since a ciphertext-carrying schema wants
// reviewable migrations.
package gormstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var _ store.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *gorm.DB and implements store.Store.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if absent) the SQLite database at path, applies
// pending goose migrations, and returns a ready Store.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: underlying *sql.DB: %w", err)
	}
	if err := migrate(sqlDB); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func migrate(sqlDB *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(sqlDB, "migrations")
}

// DB exposes the underlying *gorm.DB for callers that need raw access
// (tests, admin tooling). Not part of the store.Store interface.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) withContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
