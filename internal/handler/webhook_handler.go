package handler

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"telehealth/internal/errors"
	"telehealth/internal/gateway"
	"telehealth/internal/service"
)

// maxWebhookBody bounds the raw webhook body read into memory.
const maxWebhookBody = 1 << 20

// WebhookHandler receives gateway webhooks.
type WebhookHandler struct {
	webhookService service.WebhookService
	logger         *logrus.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhookService service.WebhookService, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, logger: logger}
}

// WebhookAck acknowledges an authenticated delivery.
type WebhookAck struct {
	Received bool `json:"received"`
}

// Paystack godoc
// @Summary Receive a Paystack webhook
// @Description The signature is an HMAC-SHA512 of the raw body. Authenticated deliveries are always acknowledged.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param x-paystack-signature header string true "HMAC-SHA512 signature"
// @Success 200 {object} WebhookAck
// @Failure 401 {object} errors.ErrorResponse
// @Router /webhooks/paystack [post]
func (h *WebhookHandler) Paystack(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
	}

	result, err := h.webhookService.Handle(c.Request().Context(), body, c.Request().Header.Get(gateway.SignatureHeader))
	if stderrors.Is(err, errors.ErrInvalidSignature) {
		h.logger.WithField("remote_ip", c.RealIP()).Warn("webhook signature mismatch")
		return echo.NewHTTPError(http.StatusUnauthorized, errors.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_SIGNATURE",
		})
	}

	fields := logrus.Fields{"request_id": c.Response().Header().Get(echo.HeaderXRequestID)}
	if result != nil {
		fields["event"] = result.EventType
		fields["reference"] = result.Reference
		fields["duplicate"] = result.Duplicate
		if result.Result != nil {
			fields["outcome"] = result.Result.Outcome
		}
	}
	if err != nil {
		// Acknowledge anyway so the gateway does not keep redelivering.
		h.logger.WithError(err).WithFields(fields).Error("webhook processing failed")
	} else {
		h.logger.WithFields(fields).Info("webhook processed")
	}

	return c.JSON(http.StatusOK, WebhookAck{Received: true})
}
