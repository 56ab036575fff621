package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"telehealth/internal/model"
)

// Completion holds the fields written when a payment is marked completed.
type Completion struct {
	GatewayReference string
	GatewayResponse  datatypes.JSON
	CompletedAt      time.Time
	// AppointmentID is linked only when the payment has none yet.
	AppointmentID *uuid.UUID
}

// PaymentRepository defines payment persistence operations.
type PaymentRepository interface {
	Create(ctx context.Context, payment *model.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	FindByReference(ctx context.Context, reference string) (*model.Payment, error)
	FindCompletedByGatewayReference(ctx context.Context, gatewayReference string) (*model.Payment, error)
	FindPendingByAmount(ctx context.Context, amount decimal.Decimal, currency string) ([]model.Payment, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]model.Payment, error)
	// MarkCompleted moves a pending payment to completed. It reports false
	// when the payment was no longer pending at write time.
	MarkCompleted(ctx context.Context, id uuid.UUID, completion Completion) (bool, error)
}

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create creates a new payment record.
func (r *paymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

// FindByID finds a payment by ID.
func (r *paymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	var payment model.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindByReference finds a payment by its internal reference.
func (r *paymentRepository) FindByReference(ctx context.Context, reference string) (*model.Payment, error) {
	var payment model.Payment
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindCompletedByGatewayReference finds the payment a gateway transaction already completed.
func (r *paymentRepository) FindCompletedByGatewayReference(ctx context.Context, gatewayReference string) (*model.Payment, error) {
	var payment model.Payment
	if err := r.db.WithContext(ctx).
		Where("gateway_reference = ? AND status = ?", gatewayReference, model.PaymentStatusCompleted).
		First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPendingByAmount lists pending payments of the given amount, newest
// first. An empty currency matches any currency.
func (r *paymentRepository) FindPendingByAmount(ctx context.Context, amount decimal.Decimal, currency string) ([]model.Payment, error) {
	var payments []model.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND amount = ?", model.PaymentStatusPending, amount)
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
		q = q.Where("currency = ?", currency)
	}
	if err := q.Order("created_at DESC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListPendingBefore lists pending payments created before the cutoff, oldest first.
func (r *paymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]model.Payment, error) {
	var payments []model.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.PaymentStatusPending, before).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// MarkCompleted performs a conditional update guarded by status = pending.
// A gateway reference already held by another payment fails with
// gorm.ErrDuplicatedKey when the DB was opened with TranslateError.
func (r *paymentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completion Completion) (bool, error) {
	updates := map[string]interface{}{
		"status":           model.PaymentStatusCompleted,
		"gateway_response": completion.GatewayResponse,
		"completed_at":     completion.CompletedAt,
	}
	if completion.GatewayReference != "" {
		updates["gateway_reference"] = completion.GatewayReference
	}
	if completion.AppointmentID != nil {
		updates["appointment_id"] = gorm.Expr("COALESCE(appointment_id, ?)", *completion.AppointmentID)
	}

	tx := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ReconciliationLogRepository defines reconciliation log persistence operations.
type ReconciliationLogRepository interface {
	Create(ctx context.Context, log *model.ReconciliationLog) error
	CreateBatch(ctx context.Context, logs []model.ReconciliationLog) error
	ListByReference(ctx context.Context, reference string) ([]model.ReconciliationLog, error)
}

type reconciliationLogRepository struct {
	db *gorm.DB
}

// NewReconciliationLogRepository creates a new reconciliation log repository.
func NewReconciliationLogRepository(db *gorm.DB) ReconciliationLogRepository {
	return &reconciliationLogRepository{db: db}
}

// Create creates a new reconciliation log entry.
func (r *reconciliationLogRepository) Create(ctx context.Context, log *model.ReconciliationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// CreateBatch creates multiple reconciliation log entries in a single statement.
func (r *reconciliationLogRepository) CreateBatch(ctx context.Context, logs []model.ReconciliationLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&logs, 100).Error
}

// ListByReference lists attempts for a reference, oldest first.
func (r *reconciliationLogRepository) ListByReference(ctx context.Context, reference string) ([]model.ReconciliationLog, error) {
	var logs []model.ReconciliationLog
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).
		Order("created_at ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
