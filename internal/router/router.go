package router

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	echoSwagger "github.com/swaggo/echo-swagger"

	"telehealth/internal/auth"
	"telehealth/internal/handler"
)

// Register wires routes and middleware.
func Register(
	e *echo.Echo,
	logger *logrus.Logger,
	jwtService *auth.JWTService,
	paymentHandler *handler.PaymentHandler,
	webhookHandler *handler.WebhookHandler,
) {
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.Round(time.Millisecond).String(),
				"request_id": v.RequestID,
			}).Info("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Add validator
	e.Validator = NewValidator()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/swagger/*", echoSwagger.WrapHandler)

	api := e.Group("/api")

	// Public routes
	api.POST("/payments", paymentHandler.Initiate)
	api.GET("/payments/:reference", paymentHandler.Get)
	api.POST("/payments/verify", paymentHandler.Verify)

	// Authenticated by body signature, not by token
	api.POST("/webhooks/paystack", webhookHandler.Paystack)

	// Operator routes (require an admin JWT)
	admin := api.Group("/admin", jwtService.Middleware(), auth.RequireRole(auth.RoleAdmin))
	admin.POST("/payments/manual-verify", paymentHandler.ManualVerify)
}

// CustomValidator wraps validator for Echo.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates the request validator used by the handlers.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
