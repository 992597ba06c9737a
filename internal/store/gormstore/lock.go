package gormstore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

type advisoryLockRow struct {
	Name       string `gorm:"primaryKey;column:name"`
	AcquiredAt time.Time
}

func (advisoryLockRow) TableName() string { return "advisory_locks" }

// TryLock is the store-mediated half of the cross-process single-flight
// design. SQLite has no session-scoped advisory-lock primitive, so this
// uses a dedicated table and the unique-constraint-as-mutex pattern: the
// INSERT succeeds for exactly one caller, everyone else gets a unique
// constraint violation and is told ok=false so they re-read the row
// instead of blocking on the provider round-trip.
func (s *Store) TryLock(ctx context.Context, name string) (func(), bool, error) {
	err := s.withContext(ctx).Create(&advisoryLockRow{Name: name, AcquiredAt: time.Now()}).Error
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	release := func() {
		s.withContext(context.Background()).Where("name = ?", name).Delete(&advisoryLockRow{})
	}
	return release, true, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	if err == gorm.ErrDuplicatedKey {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
}
