package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "telehealth/internal/errors"
	"telehealth/internal/gateway"
	"telehealth/internal/model"
	"telehealth/internal/repository"
)

// WebhookResult reports what happened to an authenticated webhook delivery.
type WebhookResult struct {
	EventType string
	Reference string
	// Duplicate is set when the same event was already processed successfully.
	Duplicate bool
	Result    *Result
}

// WebhookService authenticates gateway webhooks and hands them to reconciliation.
type WebhookService interface {
	Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error)
}

type webhookService struct {
	signer    *gateway.Signer
	eventRepo repository.WebhookEventRepository
	reconcile ReconcileService
	logger    *logrus.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(signer *gateway.Signer, eventRepo repository.WebhookEventRepository, reconcile ReconcileService, logger *logrus.Logger) WebhookService {
	return &webhookService{
		signer:    signer,
		eventRepo: eventRepo,
		reconcile: reconcile,
		logger:    logger,
	}
}

// Handle verifies the signature over the raw body, stores the event once per
// key and applies it. Only ErrInvalidSignature means the sender did anything
// wrong; every other error is ours to log.
func (s *webhookService) Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if !s.signer.Authenticate(body, signature) {
		return nil, apperrors.ErrInvalidSignature
	}

	event, err := gateway.ParseEvent(body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed event body: %v", apperrors.ErrValidation, err)
	}

	out := &WebhookResult{EventType: event.Event, Reference: event.InternalReference()}

	var stored *model.WebhookEvent
	if key := event.Key(); key == "" {
		s.logger.WithField("event", event.Event).Warn("webhook event has no id, skipping deduplication")
	} else {
		var inserted bool
		stored, inserted, err = s.eventRepo.Record(ctx, &model.WebhookEvent{
			EventKey:  key,
			EventType: event.Event,
			Reference: out.Reference,
			Payload:   body,
		})
		if err != nil {
			// The conditional write still guards against double application.
			s.logger.WithError(err).WithField("event_key", key).Warn("store webhook event failed")
			stored = nil
		}
		if !inserted && stored != nil && stored.ProcessedAt != nil {
			out.Duplicate = true
			return out, nil
		}
	}

	result, applyErr := s.reconcile.ApplyWebhookEvent(ctx, event)
	out.Result = result

	if stored != nil {
		if err := s.eventRepo.MarkProcessed(ctx, stored.ID, applyErr); err != nil {
			s.logger.WithError(err).WithField("event_key", stored.EventKey).Warn("mark webhook event processed failed")
		}
	}

	return out, applyErr
}
