package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertConnectionAfterCallback upserts a connection keyed on (project,
// provider, end_user). The caller (httpapi.OAuthCallback) runs it after
// oauthstate has already committed the state consumption; SQLite's single-writer model
// gives us the "at most one connection per successful state" property
// for free even without an explicit shared transaction across the two
// calls.
func (s *Store) UpsertConnectionAfterCallback(ctx context.Context, c *models.Connection) (*models.Connection, error) {
	if c.ID == "" {
		c.ID = "conn_" + uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	err := s.withContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "provider"}, {Name: "end_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_user_id", "provider_email", "access_token_cipher",
			"refresh_token_cipher", "token_type", "expires_at",
			"granted_scopes_csv", "status", "error_message", "updated_at",
		}),
	}).Create(c).Error
	if err != nil {
		return nil, err
	}

	var out models.Connection
	if err := s.withContext(ctx).First(&out, "project_id = ? AND provider = ? AND end_user_id = ?", c.ProjectID, c.Provider, c.EndUserID).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	if err := s.withContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConnections(ctx context.Context, projectID string, endUserID, provider, status string) ([]*models.Connection, error) {
	q := s.withContext(ctx).Where("project_id = ?", projectID)
	if endUserID != "" {
		q = q.Where("end_user_id = ?", endUserID)
	}
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var conns []*models.Connection
	if err := q.Order("created_at DESC").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

func (s *Store) UpdateConnectionTokens(ctx context.Context, id string, accessCipher, refreshCipher string, expiresAt *time.Time, status models.ConnectionStatus) error {
	updates := map[string]any{
		"access_token_cipher": accessCipher,
		"status":              status,
		"updated_at":          time.Now(),
	}
	if refreshCipher != "" {
		updates["refresh_token_cipher"] = refreshCipher
	}
	updates["expires_at"] = expiresAt
	return s.withContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, errMessage string) error {
	return s.withContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Updates(map[string]any{
		"status":        status,
		"error_message": errMessage,
		"updated_at":    time.Now(),
	}).Error
}

func (s *Store) TouchConnectionLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.withContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Update("last_used_at", at).Error
}
