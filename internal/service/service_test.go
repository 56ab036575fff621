package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"telehealth/internal/events"
	"telehealth/internal/gateway"
	"telehealth/internal/model"
	"telehealth/internal/repository"
)

// MockVerifier is a mock implementation of gateway.Verifier.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Verification), args.Error(1)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PaymentCompleted
}

func (p *recordingPublisher) PublishPaymentCompleted(_ context.Context, event events.PaymentCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Published() []events.PaymentCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.PaymentCompleted(nil), p.events...)
}

type fixture struct {
	db           *gorm.DB
	payments     repository.PaymentRepository
	appointments repository.AppointmentRepository
	logs         repository.ReconciliationLogRepository
	webhooks     repository.WebhookEventRepository
	verifier     *MockVerifier
	publisher    *recordingPublisher
	logger       *logrus.Logger
	reconcile    ReconcileService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Appointment{},
		&model.Payment{},
		&model.ReconciliationLog{},
		&model.WebhookEvent{},
	))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		db:           db,
		payments:     repository.NewPaymentRepository(db),
		appointments: repository.NewAppointmentRepository(db),
		logs:         repository.NewReconciliationLogRepository(db),
		webhooks:     repository.NewWebhookEventRepository(db),
		verifier:     new(MockVerifier),
		publisher:    &recordingPublisher{},
		logger:       logger,
	}
	f.reconcile = NewReconcileService(f.payments, f.appointments, f.logs, f.verifier, nil, f.publisher, logger)
	t.Cleanup(f.reconcile.Close)
	return f
}

func (f *fixture) pendingPayment(t *testing.T, ref string, amount int64, createdAt time.Time, appointmentID *uuid.UUID) *model.Payment {
	t.Helper()
	p := &model.Payment{
		Reference:     ref,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "ZAR",
		Status:        model.PaymentStatusPending,
		AppointmentID: appointmentID,
		CreatedAt:     createdAt,
	}
	require.NoError(t, f.payments.Create(context.Background(), p))
	return p
}

func (f *fixture) appointment(t *testing.T) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
	}
	require.NoError(t, f.appointments.Create(context.Background(), a))
	return a
}

func (f *fixture) reload(t *testing.T, ref string) *model.Payment {
	t.Helper()
	p, err := f.payments.FindByReference(context.Background(), ref)
	require.NoError(t, err)
	return p
}

func verification(reference, status string, amountMinor int64) *gateway.Verification {
	v := &gateway.Verification{
		Status:  true,
		Message: "Verification successful",
		Data: gateway.Transaction{
			ID:        4099260516,
			Reference: reference,
			Amount:    amountMinor,
			Currency:  "ZAR",
			Status:    status,
		},
	}
	v.Raw, _ = json.Marshal(v)
	return v
}
