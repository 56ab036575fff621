package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentStatus represents the status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// Payment is a single attempt to collect money through the payment gateway.
// It starts pending and is moved to completed once, by reconciliation.
type Payment struct {
	ID               uuid.UUID       `json:"id" gorm:"type:char(36);primaryKey"`
	Reference        string          `json:"reference" gorm:"size:64;not null;uniqueIndex"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(20,2);not null;index"`
	Currency         string          `json:"currency" gorm:"size:3;not null;default:'ZAR'"`
	Status           PaymentStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	AppointmentID    *uuid.UUID      `json:"appointment_id,omitempty" gorm:"type:char(36);index"`
	Email            string          `json:"email,omitempty" gorm:"size:255"`
	// GatewayReference is NULL until completion; one gateway transaction completes at most one payment.
	GatewayReference string          `json:"gateway_reference,omitempty" gorm:"size:128;default:null;uniqueIndex"`
	GatewayResponse  datatypes.JSON  `json:"gateway_response,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BeforeCreate sets UUID before creating the record.
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// IsCompleted reports whether the payment reached its terminal state.
func (p *Payment) IsCompleted() bool {
	return p.Status == PaymentStatusCompleted
}

// VerificationRecord is the payload stored on a payment each time it is verified.
type VerificationRecord struct {
	Source     string          `json:"source"`
	VerifiedAt time.Time       `json:"verified_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewReference builds a payment reference of the form <prefix>_<unix-ms>_<0..999>.
func NewReference(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%d", prefix, now.UnixMilli(), rand.Intn(1000))
}
