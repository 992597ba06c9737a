package gormstore

import (
	"context"
	"time"

	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
)

func (s *Store) CreateOAuthState(ctx context.Context, st *models.OAuthState) error {
	return s.withContext(ctx).Create(st).Error
}

func (s *Store) GetOAuthStateByToken(ctx context.Context, token string) (*models.OAuthState, error) {
	var st models.OAuthState
	if err := s.withContext(ctx).First(&st, "state_token = ?", token).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// ConsumeOAuthState is the authoritative single-use guard: the UPDATE is
// conditional on used_at IS NULL and expires_at in the future, and only
// succeeds when it affects exactly one row. Under N concurrent callbacks
// racing the same state token, exactly one call observes
// RowsAffected == 1.
func (s *Store) ConsumeOAuthState(ctx context.Context, token string, now time.Time) (bool, error) {
	tx := s.withContext(ctx).Model(&models.OAuthState{}).
		Where("state_token = ? AND used_at IS NULL AND expires_at > ?", token, now).
		Update("used_at", now)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// DeleteExpiredUnusedStatesOlderThan removes unused state rows created
// before cutoff. Consumed rows are never touched here; they are retained
// for audit.
func (s *Store) DeleteExpiredUnusedStatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.withContext(ctx).
		Where("used_at IS NULL AND created_at < ?", cutoff).
		Delete(&models.OAuthState{})
	return tx.RowsAffected, tx.Error
}
