package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"telehealth/internal/cache"
	apperrors "telehealth/internal/errors"
	"telehealth/internal/events"
	"telehealth/internal/gateway"
	"telehealth/internal/model"
	"telehealth/internal/repository"
)

const (
	reconcileLockTTL = 15 * time.Second
	paymentCacheTTL  = 5 * time.Minute
)

// Source identifies which trigger path asked for reconciliation.
type Source string

const (
	SourcePolling Source = "polling"
	SourceManual  Source = "manual"
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
)

// Outcome is what a reconciliation attempt concluded.
type Outcome string

const (
	// OutcomeCompleted means this call moved the payment to completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadyCompleted means the payment was completed earlier, by this or another path.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomePending means the gateway has not confirmed the charge (yet).
	OutcomePending Outcome = "pending"
	// OutcomeInProgress means another worker is verifying the same reference.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeAmountMismatch means the gateway confirmed a charge for a different amount.
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	// OutcomeTransactionUsed means the gateway transaction already completed a different payment.
	OutcomeTransactionUsed Outcome = "transaction_already_used"
	// OutcomeIgnored means the webhook event type does not concern payments.
	OutcomeIgnored Outcome = "ignored"
)

// Result is the outcome of a reconciliation attempt.
type Result struct {
	Outcome      Outcome
	Payment      *model.Payment
	Verification *gateway.Verification
}

// Completed reports whether the payment is completed after the attempt.
func (r *Result) Completed() bool {
	return r != nil && (r.Outcome == OutcomeCompleted || r.Outcome == OutcomeAlreadyCompleted)
}

// GatewayStatus is the transaction status reported by the gateway, if any.
func (r *Result) GatewayStatus() string {
	if r == nil || r.Verification == nil {
		return ""
	}
	return r.Verification.Data.Status
}

// ReferenceRequest asks to reconcile a payment by its internal reference.
type ReferenceRequest struct {
	Reference string
	// GatewayReference, when set, is used for the gateway lookup instead of Reference.
	GatewayReference string
	// AppointmentID is linked to the payment if it has none yet.
	AppointmentID *uuid.UUID
}

// NoPendingMatchError is returned by the amount-match path when no pending
// payment has the amount the gateway reported.
type NoPendingMatchError struct {
	GatewayReference string
	Amount           decimal.Decimal
}

func (e *NoPendingMatchError) Error() string {
	return fmt.Sprintf("no pending payment found for amount %s", e.Amount.StringFixed(2))
}

// Unwrap lets errors.Is match ErrPaymentNotFound.
func (e *NoPendingMatchError) Unwrap() error {
	return apperrors.ErrPaymentNotFound
}

// SweepReport summarises a sweep over stale pending payments.
type SweepReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// ReconcileService confirms payments with the gateway and applies the result
// exactly once, whichever trigger path gets there first.
type ReconcileService interface {
	VerifyByReference(ctx context.Context, req ReferenceRequest) (*Result, error)
	VerifyByGatewayReference(ctx context.Context, gatewayReference string) (*Result, error)
	ApplyWebhookEvent(ctx context.Context, event *gateway.Event) (*Result, error)
	SweepPending(ctx context.Context, olderThan time.Duration, limit int) (*SweepReport, error)
	// Close flushes buffered reconciliation logs.
	Close()
}

type reconcileService struct {
	paymentRepo     repository.PaymentRepository
	appointmentRepo repository.AppointmentRepository
	logRepo         repository.ReconciliationLogRepository
	verifier        gateway.Verifier
	cache           *cache.Client
	publisher       events.Publisher
	logger          *logrus.Logger
	now             func() time.Time

	// Channel for async reconciliation logging
	logChannel chan model.ReconciliationLog
	stopWorker context.CancelFunc
	workerDone chan struct{}
	// mu orders sends on logChannel against Close.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewReconcileService creates the reconciliation engine and starts its log worker.
func NewReconcileService(
	paymentRepo repository.PaymentRepository,
	appointmentRepo repository.AppointmentRepository,
	logRepo repository.ReconciliationLogRepository,
	verifier gateway.Verifier,
	cache *cache.Client,
	publisher events.Publisher,
	logger *logrus.Logger,
) ReconcileService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	service := &reconcileService{
		paymentRepo:     paymentRepo,
		appointmentRepo: appointmentRepo,
		logRepo:         logRepo,
		verifier:        verifier,
		cache:           cache,
		publisher:       publisher,
		logger:          logger,
		now:             time.Now,
		logChannel:      make(chan model.ReconciliationLog, 100),
		stopWorker:      cancel,
		workerDone:      make(chan struct{}),
	}

	// Start async log worker
	go service.logWorker(ctx)

	return service
}

// VerifyByReference reconciles the payment identified by our own reference.
func (s *reconcileService) VerifyByReference(ctx context.Context, req ReferenceRequest) (*Result, error) {
	return s.reconcileReference(ctx, SourcePolling, req)
}

func (s *reconcileService) reconcileReference(ctx context.Context, source Source, req ReferenceRequest) (*Result, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", apperrors.ErrValidation)
	}

	if cached := s.cachedCompleted(ctx, reference); cached != nil {
		return &Result{Outcome: OutcomeAlreadyCompleted, Payment: cached}, nil
	}

	payment, err := s.findByReference(ctx, reference)
	if err != nil {
		s.record(ctx, source, reference, nil, "", err)
		return nil, err
	}
	if payment.IsCompleted() {
		s.cacheCompleted(ctx, payment)
		return s.finish(ctx, source, &Result{Outcome: OutcomeAlreadyCompleted, Payment: payment}), nil
	}

	lookup := strings.TrimSpace(req.GatewayReference)
	if lookup == "" {
		lookup = reference
	} else if owner, err := s.completedByGatewayReference(ctx, lookup); err != nil {
		return nil, err
	} else if owner != nil && owner.ID != payment.ID {
		return s.transactionUsed(ctx, source, payment, nil, owner), nil
	}

	verification, acquired, err := s.verify(ctx, "reconcile:"+reference, lookup)
	if err != nil {
		s.record(ctx, source, reference, &payment.ID, "", err)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"reference": reference,
			"source":    source,
		}).Warn("gateway verification failed")
		return nil, err
	}
	if !acquired {
		return s.finish(ctx, source, &Result{Outcome: OutcomeInProgress, Payment: payment}), nil
	}
	if !verification.Succeeded() {
		return s.finish(ctx, source, &Result{Outcome: OutcomePending, Payment: payment, Verification: verification}), nil
	}

	return s.complete(ctx, source, payment, verification, req.AppointmentID)
}

// VerifyByGatewayReference looks the transaction up at the gateway and
// completes the most recent pending payment with the same amount. Several
// pending payments with one amount cannot be told apart; the newest wins.
func (s *reconcileService) VerifyByGatewayReference(ctx context.Context, gatewayReference string) (*Result, error) {
	gatewayReference = strings.TrimSpace(gatewayReference)
	if gatewayReference == "" {
		return nil, fmt.Errorf("%w: paystackReference is required", apperrors.ErrValidation)
	}

	// A transaction that already completed a payment must not complete another one.
	done, err := s.completedByGatewayReference(ctx, gatewayReference)
	if err != nil {
		return nil, err
	}
	if done != nil {
		return s.finish(ctx, SourceManual, &Result{Outcome: OutcomeAlreadyCompleted, Payment: done}), nil
	}

	verification, acquired, err := s.verify(ctx, "reconcile:gw:"+gatewayReference, gatewayReference)
	if err != nil {
		s.record(ctx, SourceManual, gatewayReference, nil, "", err)
		s.logger.WithError(err).WithField("gateway_reference", gatewayReference).Warn("gateway verification failed")
		return nil, err
	}
	if !acquired {
		return &Result{Outcome: OutcomeInProgress}, nil
	}
	if !verification.Succeeded() {
		s.record(ctx, SourceManual, gatewayReference, nil, verification.Data.Status, nil)
		return &Result{Outcome: OutcomePending, Verification: verification}, nil
	}

	amount := verification.Data.MajorAmount()
	candidates, err := s.paymentRepo.FindPendingByAmount(ctx, amount, verification.Data.Currency)
	if err != nil {
		return nil, fmt.Errorf("find pending payments by amount: %w", err)
	}
	if len(candidates) == 0 {
		notFound := &NoPendingMatchError{GatewayReference: gatewayReference, Amount: amount}
		s.record(ctx, SourceManual, gatewayReference, nil, verification.Data.Status, notFound)
		return nil, notFound
	}
	if len(candidates) > 1 {
		s.logger.WithFields(logrus.Fields{
			"gateway_reference": gatewayReference,
			"amount":            amount.StringFixed(2),
			"candidates":        len(candidates),
			"selected":          candidates[0].Reference,
		}).Warn("several pending payments share this amount; completing the most recent")
	}

	return s.complete(ctx, SourceManual, &candidates[0], verification, nil)
}

// ApplyWebhookEvent applies an authenticated charge.success event. The event
// payload is trusted, so the gateway is not called again.
func (s *reconcileService) ApplyWebhookEvent(ctx context.Context, event *gateway.Event) (*Result, error) {
	if event == nil || event.Event != gateway.EventChargeSuccess {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	reference := strings.TrimSpace(event.InternalReference())
	if reference == "" {
		return nil, fmt.Errorf("%w: event carries no reference", apperrors.ErrValidation)
	}

	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	verification := &gateway.Verification{Status: true, Message: event.Event, Data: event.Data, Raw: raw}

	payment, err := s.findByReference(ctx, reference)
	if err != nil {
		s.record(ctx, SourceWebhook, reference, nil, event.Data.Status, err)
		return nil, err
	}
	if payment.IsCompleted() {
		return s.finish(ctx, SourceWebhook, &Result{Outcome: OutcomeAlreadyCompleted, Payment: payment, Verification: verification}), nil
	}
	if !verification.Succeeded() {
		return s.finish(ctx, SourceWebhook, &Result{Outcome: OutcomePending, Payment: payment, Verification: verification}), nil
	}

	var appointmentID *uuid.UUID
	if id, err := uuid.Parse(event.Data.Metadata.AppointmentID); err == nil {
		appointmentID = &id
	}
	return s.complete(ctx, SourceWebhook, payment, verification, appointmentID)
}

// SweepPending re-verifies pending payments older than olderThan.
func (s *reconcileService) SweepPending(ctx context.Context, olderThan time.Duration, limit int) (*SweepReport, error) {
	payments, err := s.paymentRepo.ListPendingBefore(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	report := &SweepReport{}
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		result, err := s.reconcileReference(ctx, SourceSweep, ReferenceRequest{Reference: payment.Reference})
		switch {
		case err != nil:
			report.Failed++
		case result.Completed():
			report.Completed++
		default:
			report.Pending++
		}
	}
	return report, nil
}

// complete applies a verified success to a payment. Only the caller whose
// conditional write lands runs the side effects.
func (s *reconcileService) complete(ctx context.Context, source Source, payment *model.Payment, verification *gateway.Verification, appointmentID *uuid.UUID) (*Result, error) {
	if payment.IsCompleted() {
		return s.finish(ctx, source, &Result{Outcome: OutcomeAlreadyCompleted, Payment: payment, Verification: verification}), nil
	}

	if paid := verification.Data.MajorAmount(); !paid.Equal(payment.Amount) {
		s.logger.WithFields(logrus.Fields{
			"reference": payment.Reference,
			"expected":  payment.Amount.StringFixed(2),
			"paid":      paid.StringFixed(2),
			"source":    source,
		}).Warn("gateway amount does not match payment amount")
		return s.finish(ctx, source, &Result{Outcome: OutcomeAmountMismatch, Payment: payment, Verification: verification}), nil
	}

	owner, err := s.completedByGatewayReference(ctx, verification.Data.Reference)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != payment.ID {
		return s.transactionUsed(ctx, source, payment, verification, owner), nil
	}

	verifiedAt := s.now().UTC()
	payload, err := json.Marshal(model.VerificationRecord{
		Source:     string(source),
		VerifiedAt: verifiedAt,
		Data:       verification.Raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway response: %w", err)
	}

	won, err := s.paymentRepo.MarkCompleted(ctx, payment.ID, repository.Completion{
		GatewayReference: verification.Data.Reference,
		GatewayResponse:  payload,
		CompletedAt:      verifiedAt,
		AppointmentID:    appointmentID,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another payment took the gateway reference between the check and the write.
		owner, _ := s.completedByGatewayReference(ctx, verification.Data.Reference)
		return s.transactionUsed(ctx, source, payment, verification, owner), nil
	}
	if err != nil {
		s.record(ctx, source, payment.Reference, &payment.ID, verification.Data.Status, err)
		return nil, fmt.Errorf("mark payment completed: %w", err)
	}

	updated, err := s.paymentRepo.FindByID(ctx, payment.ID)
	if err != nil {
		if !won {
			return nil, fmt.Errorf("reload payment: %w", err)
		}
		s.logger.WithError(err).WithField("reference", payment.Reference).Warn("reload completed payment failed")
		updated = payment
		updated.Status = model.PaymentStatusCompleted
		updated.GatewayReference = verification.Data.Reference
		updated.GatewayResponse = payload
		updated.CompletedAt = &verifiedAt
	}

	if !won {
		return s.finish(ctx, source, &Result{Outcome: OutcomeAlreadyCompleted, Payment: updated, Verification: verification}), nil
	}

	s.cascade(ctx, source, updated)
	s.publish(ctx, source, updated)
	s.cacheCompleted(ctx, updated)

	s.logger.WithFields(logrus.Fields{
		"reference":         updated.Reference,
		"gateway_reference": updated.GatewayReference,
		"amount":            updated.Amount.StringFixed(2),
		"source":            source,
	}).Info("payment completed")

	return s.finish(ctx, source, &Result{Outcome: OutcomeCompleted, Payment: updated, Verification: verification}), nil
}

// completedByGatewayReference returns the payment the gateway transaction
// already completed, or nil.
func (s *reconcileService) completedByGatewayReference(ctx context.Context, gatewayReference string) (*model.Payment, error) {
	if gatewayReference == "" {
		return nil, nil
	}
	owner, err := s.paymentRepo.FindCompletedByGatewayReference(ctx, gatewayReference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by gateway reference: %w", err)
	}
	return owner, nil
}

// transactionUsed refuses to complete payment with a transaction owner already holds.
func (s *reconcileService) transactionUsed(ctx context.Context, source Source, payment *model.Payment, verification *gateway.Verification, owner *model.Payment) *Result {
	fields := logrus.Fields{
		"reference": payment.Reference,
		"source":    source,
	}
	if owner != nil {
		fields["gateway_reference"] = owner.GatewayReference
		fields["completed_reference"] = owner.Reference
	}
	s.logger.WithFields(fields).Warn("gateway transaction already completed another payment")
	return s.finish(ctx, source, &Result{Outcome: OutcomeTransactionUsed, Payment: payment, Verification: verification})
}

// cascade marks the linked appointment paid. Failures are logged only: the
// payment stays completed either way.
func (s *reconcileService) cascade(ctx context.Context, source Source, payment *model.Payment) {
	if payment.AppointmentID == nil {
		return
	}
	fields := logrus.Fields{
		"reference":      payment.Reference,
		"appointment_id": payment.AppointmentID.String(),
		"source":         source,
	}
	found, err := s.appointmentRepo.MarkPaid(ctx, *payment.AppointmentID)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("appointment cascade failed")
		return
	}
	if !found {
		s.logger.WithFields(fields).Warn("appointment for completed payment not found")
	}
}

func (s *reconcileService) publish(ctx context.Context, source Source, payment *model.Payment) {
	event := events.PaymentCompleted{
		PaymentID:        payment.ID.String(),
		Reference:        payment.Reference,
		GatewayReference: payment.GatewayReference,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Source:           string(source),
		CompletedAt:      s.now().UTC(),
	}
	if payment.CompletedAt != nil {
		event.CompletedAt = *payment.CompletedAt
	}
	if payment.AppointmentID != nil {
		event.AppointmentID = payment.AppointmentID.String()
	}
	if err := s.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		s.logger.WithError(err).WithField("reference", payment.Reference).Error("publish payment.completed failed")
	}
}

// verify calls the gateway while holding a short lock on lockKey. acquired is
// false when another worker holds the lock.
func (s *reconcileService) verify(ctx context.Context, lockKey, reference string) (verification *gateway.Verification, acquired bool, err error) {
	if !s.cache.TryLock(ctx, lockKey, reconcileLockTTL) {
		return nil, false, nil
	}
	defer func() { _ = s.cache.Delete(context.WithoutCancel(ctx), lockKey) }()

	verification, err = s.verifier.Verify(ctx, reference)
	if err != nil {
		return nil, true, err
	}
	return verification, true, nil
}

func (s *reconcileService) findByReference(ctx context.Context, reference string) (*model.Payment, error) {
	payment, err := s.paymentRepo.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: reference %s", apperrors.ErrPaymentNotFound, reference)
		}
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return payment, nil
}

func (s *reconcileService) cachedCompleted(ctx context.Context, reference string) *model.Payment {
	data, _ := s.cache.Get(ctx, paymentCacheKey(reference))
	if data == nil {
		return nil
	}
	var cached model.Payment
	if err := json.Unmarshal(data, &cached); err != nil || !cached.IsCompleted() {
		return nil
	}
	return &cached
}

func (s *reconcileService) cacheCompleted(ctx context.Context, payment *model.Payment) {
	if payload, err := json.Marshal(payment); err == nil {
		_ = s.cache.Set(ctx, paymentCacheKey(payment.Reference), payload, paymentCacheTTL)
	}
}

// finish records the attempt and hands the result back.
func (s *reconcileService) finish(ctx context.Context, source Source, result *Result) *Result {
	var (
		paymentID *uuid.UUID
		reference string
	)
	if result.Payment != nil {
		id := result.Payment.ID
		paymentID = &id
		reference = result.Payment.Reference
	}
	s.enqueue(ctx, model.ReconciliationLog{
		PaymentID:     paymentID,
		Reference:     reference,
		Source:        string(source),
		Outcome:       string(result.Outcome),
		GatewayStatus: result.GatewayStatus(),
	})
	return result
}

// record logs a failed or payment-less attempt.
func (s *reconcileService) record(ctx context.Context, source Source, reference string, paymentID *uuid.UUID, gatewayStatus string, err error) {
	entry := model.ReconciliationLog{
		PaymentID:     paymentID,
		Reference:     reference,
		Source:        string(source),
		Outcome:       string(OutcomePending),
		GatewayStatus: gatewayStatus,
	}
	if err != nil {
		entry.Outcome = outcomeForError(err)
		entry.ErrorMessage = err.Error()
	}
	s.enqueue(ctx, entry)
}

func outcomeForError(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, gateway.ErrUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}

// enqueue sends a log entry to the worker without blocking the caller.
func (s *reconcileService) enqueue(ctx context.Context, entry model.ReconciliationLog) {
	entry.CreatedAt = s.now()

	s.mu.RLock()
	sent := false
	if !s.closed {
		select {
		case s.logChannel <- entry:
			sent = true
		default:
		}
	}
	s.mu.RUnlock()

	if !sent {
		// Closed or channel full, log synchronously as fallback
		_ = s.logRepo.Create(context.WithoutCancel(ctx), &entry)
	}
}

// logWorker writes reconciliation logs in batches.
func (s *reconcileService) logWorker(ctx context.Context) {
	defer close(s.workerDone)

	batch := make([]model.ReconciliationLog, 0, 10)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.logRepo.CreateBatch(context.Background(), batch); err != nil {
			s.logger.WithError(err).Warn("write reconciliation logs failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.logChannel:
			batch = append(batch, entry)
			if len(batch) >= 10 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.logChannel:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops the log worker after flushing buffered entries.
func (s *reconcileService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stopWorker()
		<-s.workerDone
	})
}

func paymentCacheKey(reference string) string {
	return "payment:" + reference
}
