package gormstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/store/models"
)

func (s *Store) InsertAPILog(ctx context.Context, l *models.APILog) error {
	if l.ID == "" {
		l.ID = "log_" + uuid.NewString()
	}
	return s.withContext(ctx).Create(l).Error
}
