package gormstore

import (
	"context"

	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetProviderDescriptor(ctx context.Context, name string) (*models.ProviderDescriptor, error) {
	var d models.ProviderDescriptor
	if err := s.withContext(ctx).First(&d, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) UpsertProviderDescriptor(ctx context.Context, d *models.ProviderDescriptor) error {
	return s.withContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(d).Error
}
