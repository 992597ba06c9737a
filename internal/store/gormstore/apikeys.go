package gormstore

import (
	"context"
	"time"

	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
)

func (s *Store) GetAPIKeyByPublicKey(ctx context.Context, publicKey string) (*models.APIKey, error) {
	var k models.APIKey
	if err := s.withContext(ctx).First(&k, "public_key = ?", publicKey).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.withContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}
