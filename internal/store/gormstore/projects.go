package gormstore

import (
	"context"

	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
)

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.withContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
