package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telehealth/internal/model"
)

// WebhookEventRepository defines webhook event persistence operations.
type WebhookEventRepository interface {
	// Record stores the event unless one with the same key exists. It returns
	// the stored row and whether it was inserted by this call.
	Record(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id uint, processingErr error) error
}

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Record inserts the event, ignoring duplicates by event key.
func (r *webhookEventRepository) Record(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_key"}}, DoNothing: true}).
		Create(event)
	if tx.Error != nil {
		return nil, false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return event, true, nil
	}

	var existing model.WebhookEvent
	if err := r.db.WithContext(ctx).Where("event_key = ?", event.EventKey).First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// MarkProcessed stamps the event as handled, keeping the error text if any.
func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id uint, processingErr error) error {
	if id == 0 {
		return errors.New("webhook event has no id")
	}
	updates := map[string]interface{}{
		"processing_error": "",
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	} else {
		updates["processed_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
