package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"gorm.io/gorm"
)

func (s *Store) CreateWebhookSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = "whsub_" + uuid.NewString()
	}
	return s.withContext(ctx).Create(sub).Error
}

func (s *Store) ListWebhookSubscriptions(ctx context.Context, projectID string) ([]*models.WebhookSubscription, error) {
	var subs []*models.WebhookSubscription
	if err := s.withContext(ctx).Where("project_id = ?", projectID).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) GetWebhookSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	if err := s.withContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) DeleteWebhookSubscription(ctx context.Context, id string) error {
	return s.withContext(ctx).Delete(&models.WebhookSubscription{}, "id = ?", id).Error
}

func (s *Store) ListEnabledSubscriptionsForEvent(ctx context.Context, projectID, event string) ([]*models.WebhookSubscription, error) {
	var subs []*models.WebhookSubscription
	if err := s.withContext(ctx).
		Where("project_id = ? AND enabled = ?", projectID, true).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if hasEvent(sub.EventsCSV, event) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func hasEvent(csv, event string) bool {
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if csv[start:i] == event {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// RecordDeliveryOutcome updates the subscription's health counters. On
// success, consecutive_failures resets to 0. On failure, it is
// incremented and the caller decides whether the auto-disable threshold
// has been crossed.
func (s *Store) RecordDeliveryOutcome(ctx context.Context, subscriptionID string, statusCode int, success bool, at time.Time) error {
	updates := map[string]any{
		"last_triggered_at": at,
		"last_status_code":  statusCode,
		"updated_at":        at,
	}
	if success {
		updates["consecutive_failures"] = 0
	} else {
		updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	return s.withContext(ctx).Model(&models.WebhookSubscription{}).Where("id = ?", subscriptionID).Updates(updates).Error
}

func (s *Store) DisableSubscription(ctx context.Context, subscriptionID string) error {
	return s.withContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", subscriptionID).
		Update("enabled", false).Error
}

func (s *Store) CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = "whdel_" + uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	return s.withContext(ctx).Create(d).Error
}

func (s *Store) ListDueWebhookDeliveries(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error) {
	var deliveries []*models.WebhookDelivery
	if err := s.withContext(ctx).
		Where("delivered_at IS NULL AND next_attempt_at <= ?", before).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, id string, statusCode int, at time.Time) error {
	return s.withContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", id).Updates(map[string]any{
		"delivered_at":     at,
		"last_status_code": statusCode,
		"updated_at":       at,
	}).Error
}

func (s *Store) MarkWebhookAttemptFailed(ctx context.Context, id string, statusCode int, errMsg string, nextAttempt time.Time) error {
	return s.withContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", id).Updates(map[string]any{
		"attempts":         gorm.Expr("attempts + 1"),
		"last_status_code": statusCode,
		"last_error":       errMsg,
		"next_attempt_at":  nextAttempt,
		"updated_at":       time.Now(),
	}).Error
}
