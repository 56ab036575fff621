package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"telehealth/internal/model"
)

// AppointmentRepository defines appointment persistence operations.
type AppointmentRepository interface {
	Create(ctx context.Context, appointment *model.Appointment) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	// MarkPaid sets payment_status = paid and status = scheduled. It reports
	// false when no appointment with that ID exists.
	MarkPaid(ctx context.Context, id uuid.UUID) (bool, error)
}

type appointmentRepository struct {
	db *gorm.DB
}

// NewAppointmentRepository creates a new appointment repository.
func NewAppointmentRepository(db *gorm.DB) AppointmentRepository {
	return &appointmentRepository{db: db}
}

// Create creates a new appointment.
func (r *appointmentRepository) Create(ctx context.Context, appointment *model.Appointment) error {
	return r.db.WithContext(ctx).Create(appointment).Error
}

// FindByID finds an appointment by ID.
func (r *appointmentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	var appointment model.Appointment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&appointment).Error; err != nil {
		return nil, err
	}
	return &appointment, nil
}

// MarkPaid cascades a completed payment onto its appointment.
func (r *appointmentRepository) MarkPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&model.Appointment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payment_status": model.AppointmentPaymentPaid,
			"status":         model.AppointmentStatusScheduled,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
