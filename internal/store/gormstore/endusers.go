package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
)

// UpsertEndUser resolves the (project, external_id) row or creates it.
func (s *Store) UpsertEndUser(ctx context.Context, projectID, externalID, email, displayName string) (*models.EndUser, error) {
	var existing models.EndUser
	err := s.withContext(ctx).First(&existing, "project_id = ? AND external_id = ?", projectID, externalID).Error
	if err == nil {
		updates := map[string]any{}
		if email != "" && email != existing.Email {
			updates["email"] = email
		}
		if displayName != "" && displayName != existing.DisplayName {
			updates["display_name"] = displayName
		}
		if len(updates) > 0 {
			if err := s.withContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := time.Now()
	created := models.EndUser{
		ID:          "user_" + uuid.NewString(),
		ProjectID:   projectID,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.withContext(ctx).Create(&created).Error; err != nil {
		// Lost a race against a concurrent first-connection-attempt insert;
		// the unique (project_id, external_id) index rejected us, so the
		// row now exists — read it back instead of failing the request.
		var raced models.EndUser
		if lookupErr := s.withContext(ctx).First(&raced, "project_id = ? AND external_id = ?", projectID, externalID).Error; lookupErr == nil {
			return &raced, nil
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetEndUser(ctx context.Context, id string) (*models.EndUser, error) {
	var u models.EndUser
	if err := s.withContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
