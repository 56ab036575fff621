package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReconciliationLog represents a single reconciliation attempt.
// Every attempt is logged regardless of outcome, including gateway outcomes
// such as "abandoned" that never change the payment status.
type ReconciliationLog struct {
	ID            uuid.UUID  `json:"id" gorm:"type:char(36);primaryKey"`
	PaymentID     *uuid.UUID `json:"payment_id,omitempty" gorm:"type:char(36);index"`
	Reference     string     `json:"reference" gorm:"size:128;index"`
	Source        string     `json:"source" gorm:"type:varchar(20);not null;index"`
	Outcome       string     `json:"outcome" gorm:"type:varchar(32);not null;index"`
	GatewayStatus string     `json:"gateway_status,omitempty" gorm:"type:varchar(32)"`
	ErrorMessage  string     `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BeforeCreate sets UUID before creating the record.
func (l *ReconciliationLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
