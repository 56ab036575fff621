package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent stores authenticated gateway webhook payloads with
// deduplication metadata for idempotent processing.
type WebhookEvent struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	EventKey        string         `json:"event_key" gorm:"size:191;not null;uniqueIndex"`
	EventType       string         `json:"event_type" gorm:"size:100;not null;index"`
	Reference       string         `json:"reference" gorm:"size:128;index"`
	Payload         datatypes.JSON `json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `json:"processing_error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
