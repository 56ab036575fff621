package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"telehealth/internal/cache"
	apperrors "telehealth/internal/errors"
	"telehealth/internal/model"
	"telehealth/internal/repository"
)

// InitiateRequest describes a payment the client is about to make at the gateway.
type InitiateRequest struct {
	Amount        decimal.Decimal
	Currency      string
	AppointmentID *uuid.UUID
	Email         string
}

// PaymentService handles payment records outside of reconciliation.
type PaymentService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*model.Payment, error)
	Get(ctx context.Context, reference string) (*model.Payment, error)
}

type paymentService struct {
	paymentRepo     repository.PaymentRepository
	appointmentRepo repository.AppointmentRepository
	cache           *cache.Client
	logger          *logrus.Logger
	prefix          string
	currency        string
	now             func() time.Time
}

// NewPaymentService creates a new payment service.
func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	appointmentRepo repository.AppointmentRepository,
	cache *cache.Client,
	logger *logrus.Logger,
	referencePrefix, defaultCurrency string,
) PaymentService {
	return &paymentService{
		paymentRepo:     paymentRepo,
		appointmentRepo: appointmentRepo,
		cache:           cache,
		logger:          logger,
		prefix:          referencePrefix,
		currency:        defaultCurrency,
		now:             time.Now,
	}
}

// Initiate creates a pending payment with a fresh reference.
func (s *paymentService) Initiate(ctx context.Context, req InitiateRequest) (*model.Payment, error) {
	// Validate amount
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.ErrInvalidAmount
	}
	if req.Amount.Exponent() < -2 {
		return nil, fmt.Errorf("%w: at most two decimal places", apperrors.ErrInvalidAmount)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", apperrors.ErrValidation)
	}

	if req.AppointmentID != nil {
		if _, err := s.appointmentRepo.FindByID(ctx, *req.AppointmentID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: appointment %s does not exist", apperrors.ErrValidation, req.AppointmentID)
			}
			return nil, fmt.Errorf("find appointment: %w", err)
		}
	}

	payment := &model.Payment{
		Reference:     model.NewReference(s.prefix, s.now()),
		Amount:        req.Amount,
		Currency:      currency,
		Status:        model.PaymentStatusPending,
		AppointmentID: req.AppointmentID,
		Email:         strings.TrimSpace(req.Email),
	}
	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"reference": payment.Reference,
		"amount":    payment.Amount.StringFixed(2),
		"currency":  payment.Currency,
	}).Info("payment initiated")

	return payment, nil
}

// Get returns a payment by reference. Only completed payments are cached, a
// pending one can change at any moment.
func (s *paymentService) Get(ctx context.Context, reference string) (*model.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", apperrors.ErrValidation)
	}

	// Try cache first
	if data, _ := s.cache.Get(ctx, paymentCacheKey(reference)); data != nil {
		var cached model.Payment
		if err := json.Unmarshal(data, &cached); err == nil && cached.IsCompleted() {
			return &cached, nil
		}
	}

	payment, err := s.paymentRepo.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment: %w", err)
	}

	if payment.IsCompleted() {
		if payload, err := json.Marshal(payment); err == nil {
			_ = s.cache.Set(ctx, paymentCacheKey(reference), payload, paymentCacheTTL)
		}
	}

	return payment, nil
}
