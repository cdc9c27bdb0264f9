// Package bootstrap builds the infrastructure clients and the service graph
// shared by the API service, the worker service and renderctl.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/cuongbtq/avatar-render/internal/config"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/gatekeeper"
	"github.com/cuongbtq/avatar-render/internal/orchestrator"
	"github.com/cuongbtq/avatar-render/internal/provider"
	"github.com/cuongbtq/avatar-render/internal/reconciler"
	"github.com/cuongbtq/avatar-render/internal/storage"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/internal/storage/postgres"
	"github.com/cuongbtq/avatar-render/internal/tracker"
	"github.com/cuongbtq/avatar-render/internal/webhook"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/cuongbtq/avatar-render/shared/logger"
	"github.com/cuongbtq/avatar-render/shared/postgresql"
	"github.com/cuongbtq/avatar-render/shared/rabbitmq"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// RabbitMQConfig maps the config section onto the client settings
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PublishTimeout:     cfg.Publish.Timeout,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}
}

// OpenStore returns the store selected by cfg.Driver. The PostgreSQL client
// is returned as well so callers can health check it; it is nil for the
// memory driver.
func OpenStore(cfg *config.DatabaseConfig, logger *slog.Logger) (storage.Store, *postgresql.Client, error) {
	if !cfg.UsesPostgres() {
		logger.Warn("Using in-memory store, state is lost on restart")
		return memstore.New(), nil, nil
	}

	client, err := InitPostgreSQL(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(client, logger), client, nil
}

// Services is the wired render engine
type Services struct {
	Mode           domain.ProcessingMode
	Store          storage.Store
	Tracker        *tracker.Tracker
	Gatekeeper     *gatekeeper.Gatekeeper
	Orchestrator   *orchestrator.Orchestrator
	Reconciler     *reconciler.Reconciler
	Calculator     *billing.Calculator
	ProviderEvents *webhook.Receiver
	PaymentEvents  *webhook.PaymentReceiver
}

// NewServices builds every service over store. Completed jobs are handed to
// settler; pass the calculator's own settle path to settle inline.
func NewServices(cfg *config.Config, store storage.Store, settler tracker.Settler, clk clock.Clock, log *logger.Logger) (*Services, error) {
	mode, err := cfg.Provider.ProcessingMode()
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Billing.FeePolicy()
	if err != nil {
		return nil, fmt.Errorf("invalid billing config: %w", err)
	}

	var keyring *provider.Keyring
	if cfg.Provider.Identity != "" {
		keyring, err = provider.NewKeyring(cfg.Provider.Identity)
		if err != nil {
			return nil, fmt.Errorf("invalid provider identity: %w", err)
		}
	}
	creds := provider.NewCredentials(store, keyring, cfg.Provider.APIKey)

	client := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:       cfg.Provider.BaseURL,
		Timeout:       cfg.Provider.Timeout,
		SubmitTimeout: cfg.Provider.SubmitTimeout,
	}, log.Component("provider"))

	calc := billing.New(store, policy, clk, log.Component("billing"))
	if settler == nil {
		settler = InlineSettler{Calculator: calc}
	}

	tr := tracker.New(store, settler, clk, cfg.Reconciler.ExpiryWindow, log.Component("tracker"))
	gk := gatekeeper.New(store, clk, cfg.Provider.Currency, log.Component("gatekeeper"))

	orch := orchestrator.New(orchestrator.Config{
		Mode:            mode,
		CallbackBaseURL: cfg.Provider.CallbackBaseURL,
	}, gk, tr, client, creds, log.Component("orchestrator"))

	rec := reconciler.New(reconciler.Config{
		Mode:            mode,
		InitialInterval: cfg.Reconciler.InitialInterval,
		MaxInterval:     cfg.Reconciler.MaxInterval,
		Multiplier:      cfg.Reconciler.Multiplier,
		HybridGrace:     cfg.Reconciler.HybridGrace,
		BatchSize:       cfg.Reconciler.BatchSize,
		Concurrency:     cfg.Reconciler.Concurrency,
	}, store, client, creds, tr, gk, clk, log.Component("reconciler"))

	svc := &Services{
		Mode:         mode,
		Store:        store,
		Tracker:      tr,
		Gatekeeper:   gk,
		Orchestrator: orch,
		Reconciler:   rec,
		Calculator:   calc,
	}

	if mode.UsesPush() && cfg.Provider.WebhookSecret != "" {
		svc.ProviderEvents = webhook.NewReceiver(webhook.NewVerifier(cfg.Provider.WebhookSecret), store, tr, clk, log.Component("webhook"))
	}
	if cfg.Payments.WebhookSecret != "" {
		svc.PaymentEvents = webhook.NewPaymentReceiver(webhook.NewVerifier(cfg.Payments.WebhookSecret), store, calc, clk, log.Component("payments"))
	}

	return svc, nil
}

// InlineSettler settles in the caller's goroutine. Used when no broker is
// available, such as renderctl runs against the memory driver.
type InlineSettler struct {
	Calculator *billing.Calculator
}

// Dispatch settles job immediately
func (s InlineSettler) Dispatch(ctx context.Context, job *domain.RenderJob) error {
	_, err := s.Calculator.Settle(ctx, job)
	if errors.Is(err, billing.ErrNothingToSettle) {
		return nil
	}
	return err
}
