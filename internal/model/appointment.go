package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AppointmentPaymentStatus tracks whether an appointment has been paid for.
type AppointmentPaymentStatus string

const (
	AppointmentPaymentPending AppointmentPaymentStatus = "pending"
	AppointmentPaymentPaid    AppointmentPaymentStatus = "paid"
)

// AppointmentStatus is the scheduling state of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusPendingPayment AppointmentStatus = "pending_payment"
	AppointmentStatusScheduled      AppointmentStatus = "scheduled"
	AppointmentStatusCompleted      AppointmentStatus = "completed"
	AppointmentStatusCancelled      AppointmentStatus = "cancelled"
)

// Appointment is a booked consultation. Its payment fields only change as a
// side effect of a linked payment completing.
type Appointment struct {
	ID            uuid.UUID                `json:"id" gorm:"type:char(36);primaryKey"`
	PatientID     uuid.UUID                `json:"patient_id" gorm:"type:char(36);index"`
	DoctorID      uuid.UUID                `json:"doctor_id" gorm:"type:char(36);index"`
	ScheduledFor  *time.Time               `json:"scheduled_for,omitempty"`
	PaymentStatus AppointmentPaymentStatus `json:"payment_status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Status        AppointmentStatus        `json:"status" gorm:"type:varchar(20);not null;default:'pending_payment';index"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// BeforeCreate sets UUID before creating the record.
func (a *Appointment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
