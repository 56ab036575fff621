// Package app assembles the service graph shared by the HTTP server and the
// operator CLI.
package app

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"telehealth/internal/auth"
	"telehealth/internal/cache"
	"telehealth/internal/config"
	"telehealth/internal/db"
	"telehealth/internal/events"
	"telehealth/internal/gateway"
	"telehealth/internal/repository"
	"telehealth/internal/service"
)

// App holds the long-lived dependencies of the process.
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	DB        *gorm.DB
	Cache     *cache.Client
	Publisher events.Publisher
	JWT       *auth.JWTService
	Signer    *gateway.Signer

	Payments  service.PaymentService
	Reconcile service.ReconcileService
	Webhooks  service.WebhookService
}

// New connects to the database, redis and kafka and builds the services.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	gormDB, err := db.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("database init: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(gormDB); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		publisher = producer
	} else {
		logger.Info("KAFKA_BROKERS not set, payment events will not be published")
	}

	if cfg.PaystackSecretKey == "" {
		logger.Warn("PAYSTACK_SECRET_KEY not set, gateway calls and webhooks will be rejected")
	}

	return Assemble(cfg, logger, gormDB, cache.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB), publisher,
		gateway.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.GatewayTimeout)), nil
}

// Assemble builds the services on top of already opened dependencies.
func Assemble(
	cfg *config.Config,
	logger *logrus.Logger,
	gormDB *gorm.DB,
	cacheClient *cache.Client,
	publisher events.Publisher,
	verifier gateway.Verifier,
) *App {
	// Initialize repositories
	paymentRepo := repository.NewPaymentRepository(gormDB)
	appointmentRepo := repository.NewAppointmentRepository(gormDB)
	logRepo := repository.NewReconciliationLogRepository(gormDB)
	webhookRepo := repository.NewWebhookEventRepository(gormDB)

	signer := gateway.NewSigner(cfg.PaystackSecretKey)

	// Initialize services
	reconcile := service.NewReconcileService(paymentRepo, appointmentRepo, logRepo, verifier, cacheClient, publisher, logger)
	payments := service.NewPaymentService(paymentRepo, appointmentRepo, cacheClient, logger, cfg.ReferencePrefix, cfg.DefaultCurrency)
	webhooks := service.NewWebhookService(signer, webhookRepo, reconcile, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		DB:        gormDB,
		Cache:     cacheClient,
		Publisher: publisher,
		JWT:       auth.NewJWTService(cfg.JWTSecret),
		Signer:    signer,
		Payments:  payments,
		Reconcile: reconcile,
		Webhooks:  webhooks,
	}
}

// Close flushes buffered work and releases connections.
func (a *App) Close() {
	a.Reconcile.Close()
	if err := a.Publisher.Close(); err != nil {
		a.Logger.WithError(err).Warn("close publisher")
	}
	if err := a.Cache.Close(); err != nil {
		a.Logger.WithError(err).Warn("close redis")
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
