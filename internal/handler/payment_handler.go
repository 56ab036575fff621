package handler

import (
	stderrors "errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"telehealth/internal/auth"
	"telehealth/internal/errors"
	"telehealth/internal/gateway"
	"telehealth/internal/model"
	"telehealth/internal/service"
)

// PaymentHandler handles payment endpoints.
type PaymentHandler struct {
	paymentService   service.PaymentService
	reconcileService service.ReconcileService
	logger           *logrus.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(paymentService service.PaymentService, reconcileService service.ReconcileService, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService:   paymentService,
		reconcileService: reconcileService,
		logger:           logger,
	}
}

// VerifyRequest represents a polling verification request.
type VerifyRequest struct {
	Reference         string `json:"reference" validate:"required"`
	PaystackReference string `json:"paystackReference"`
	AppointmentID     string `json:"appointmentId" validate:"omitempty,uuid"`
}

// VerifyResponse is returned to polling clients.
type VerifyResponse struct {
	Status  string         `json:"status" enums:"completed,pending,error,not_found"`
	Payment *model.Payment `json:"payment,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ManualVerifyRequest represents an operator verification request.
type ManualVerifyRequest struct {
	PaystackReference string `json:"paystackReference" validate:"required"`
}

// ManualVerifyResponse is returned to operators.
type ManualVerifyResponse struct {
	Success bool                   `json:"success"`
	Payment *model.Payment         `json:"payment,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// InitiatePaymentRequest represents a payment initiation request.
type InitiatePaymentRequest struct {
	Amount        string `json:"amount" validate:"required"`
	Currency      string `json:"currency" validate:"omitempty,len=3"`
	AppointmentID string `json:"appointmentId" validate:"omitempty,uuid"`
	Email         string `json:"email" validate:"omitempty,email"`
}

// Verify godoc
// @Summary Verify a payment by reference
// @Description Polled by the client after checkout. Gateway outages are reported as pending.
// @Tags payments
// @Accept json
// @Produce json
// @Param request body VerifyRequest true "Payment reference"
// @Success 200 {object} VerifyResponse
// @Failure 400 {object} errors.ErrorResponse
// @Failure 404 {object} VerifyResponse
// @Failure 409 {object} VerifyResponse
// @Failure 500 {object} VerifyResponse
// @Router /payments/verify [post]
func (h *PaymentHandler) Verify(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
	}

	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_ERROR",
		})
	}

	verify := service.ReferenceRequest{
		Reference:        req.Reference,
		GatewayReference: req.PaystackReference,
	}
	if req.AppointmentID != "" {
		id := uuid.MustParse(req.AppointmentID)
		verify.AppointmentID = &id
	}

	result, err := h.reconcileService.VerifyByReference(c.Request().Context(), verify)
	if err != nil {
		switch {
		case stderrors.Is(err, errors.ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
				Error: err.Error(),
				Code:  "VALIDATION_ERROR",
			})
		case stderrors.Is(err, errors.ErrPaymentNotFound):
			return c.JSON(http.StatusNotFound, VerifyResponse{Status: "not_found", Message: "payment not found"})
		case stderrors.Is(err, gateway.ErrUnavailable):
			return c.JSON(http.StatusOK, VerifyResponse{Status: "pending", Message: "payment gateway unavailable, try again shortly"})
		}
		h.logger.WithError(err).WithField("reference", req.Reference).Error("verify payment failed")
		return c.JSON(http.StatusInternalServerError, VerifyResponse{Status: "error", Message: "could not verify payment"})
	}

	switch result.Outcome {
	case service.OutcomeCompleted, service.OutcomeAlreadyCompleted:
		return c.JSON(http.StatusOK, VerifyResponse{Status: "completed", Payment: result.Payment})
	case service.OutcomeInProgress:
		return c.JSON(http.StatusOK, VerifyResponse{Status: "pending", Payment: result.Payment, Message: "verification in progress"})
	case service.OutcomeAmountMismatch:
		return c.JSON(http.StatusConflict, VerifyResponse{Status: "error", Payment: result.Payment, Message: "paid amount does not match payment amount"})
	case service.OutcomeTransactionUsed:
		return c.JSON(http.StatusConflict, VerifyResponse{Status: "error", Payment: result.Payment, Message: "gateway transaction already completed another payment"})
	default:
		return c.JSON(http.StatusOK, VerifyResponse{
			Status:  "pending",
			Payment: result.Payment,
			Message: "payment not yet successful: " + result.GatewayStatus(),
		})
	}
}

// ManualVerify godoc
// @Summary Verify a payment by gateway reference
// @Description Completes the most recent pending payment whose amount matches the gateway transaction.
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ManualVerifyRequest true "Gateway transaction reference"
// @Success 200 {object} ManualVerifyResponse
// @Failure 400 {object} ManualVerifyResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 403 {object} errors.ErrorResponse
// @Failure 404 {object} ManualVerifyResponse
// @Failure 409 {object} ManualVerifyResponse
// @Failure 502 {object} ManualVerifyResponse
// @Router /admin/payments/manual-verify [post]
func (h *PaymentHandler) ManualVerify(c echo.Context) error {
	var req ManualVerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ManualVerifyResponse{Error: "invalid request body"})
	}

	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ManualVerifyResponse{Error: "paystackReference is required"})
	}

	result, err := h.reconcileService.VerifyByGatewayReference(c.Request().Context(), req.PaystackReference)
	if err != nil {
		var noMatch *service.NoPendingMatchError
		if stderrors.As(err, &noMatch) {
			return c.JSON(http.StatusNotFound, ManualVerifyResponse{
				Error: "no matching pending payment",
				Details: map[string]interface{}{
					"amount":            noMatch.Amount.StringFixed(2),
					"paystackReference": noMatch.GatewayReference,
				},
			})
		}
		httpErr := errors.MapErrorToHTTP(err)
		if httpErr.StatusCode >= http.StatusInternalServerError {
			h.logger.WithError(err).WithField("gateway_reference", req.PaystackReference).Error("manual verify failed")
		}
		return c.JSON(httpErr.StatusCode, ManualVerifyResponse{Error: httpErr.Message})
	}

	switch result.Outcome {
	case service.OutcomeCompleted, service.OutcomeAlreadyCompleted:
		if claims, ok := auth.ClaimsFrom(c); ok {
			h.logger.WithFields(logrus.Fields{
				"operator":  claims.Subject,
				"reference": result.Payment.Reference,
				"outcome":   result.Outcome,
			}).Info("manual verification applied")
		}
		return c.JSON(http.StatusOK, ManualVerifyResponse{Success: true, Payment: result.Payment})
	case service.OutcomeInProgress:
		return c.JSON(http.StatusConflict, ManualVerifyResponse{Error: "verification already in progress"})
	case service.OutcomeAmountMismatch:
		return c.JSON(http.StatusConflict, ManualVerifyResponse{Error: "paid amount does not match payment amount", Payment: result.Payment})
	case service.OutcomeTransactionUsed:
		return c.JSON(http.StatusConflict, ManualVerifyResponse{Error: "gateway transaction already completed another payment"})
	default:
		return c.JSON(http.StatusBadRequest, ManualVerifyResponse{
			Error:   "payment not successful",
			Details: map[string]interface{}{"status": result.GatewayStatus()},
		})
	}
}

// Initiate godoc
// @Summary Create a pending payment
// @Tags payments
// @Accept json
// @Produce json
// @Param request body InitiatePaymentRequest true "Payment data"
// @Success 201 {object} model.Payment
// @Failure 400 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /payments [post]
func (h *PaymentHandler) Initiate(c echo.Context) error {
	var req InitiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
	}

	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_ERROR",
		})
	}

	// Parse amount
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: "invalid amount",
			Code:  "INVALID_AMOUNT",
		})
	}

	initiate := service.InitiateRequest{
		Amount:   amount,
		Currency: req.Currency,
		Email:    req.Email,
	}
	if req.AppointmentID != "" {
		id := uuid.MustParse(req.AppointmentID)
		initiate.AppointmentID = &id
	}

	payment, err := h.paymentService.Initiate(c.Request().Context(), initiate)
	if err != nil {
		httpErr := errors.MapErrorToHTTP(err)
		return echo.NewHTTPError(httpErr.StatusCode, httpErr.ToErrorResponse())
	}

	return c.JSON(http.StatusCreated, payment)
}

// Get godoc
// @Summary Get a payment by reference
// @Tags payments
// @Produce json
// @Param reference path string true "Payment reference"
// @Success 200 {object} model.Payment
// @Failure 404 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /payments/{reference} [get]
func (h *PaymentHandler) Get(c echo.Context) error {
	payment, err := h.paymentService.Get(c.Request().Context(), c.Param("reference"))
	if err != nil {
		httpErr := errors.MapErrorToHTTP(err)
		return echo.NewHTTPError(httpErr.StatusCode, httpErr.ToErrorResponse())
	}
	return c.JSON(http.StatusOK, payment)
}
