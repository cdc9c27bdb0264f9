package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/avatar-render/internal/api/handler"
	"github.com/cuongbtq/avatar-render/internal/api/router"
	"github.com/cuongbtq/avatar-render/internal/bootstrap"
	"github.com/cuongbtq/avatar-render/internal/config"
	"github.com/cuongbtq/avatar-render/internal/worker"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("mode", cfg.Provider.Mode),
	)

	// Open the job store
	store, dbClient, err := bootstrap.OpenStore(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	appLogger.Info("Store ready", slog.String("driver", cfg.Database.Driver))

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Completed jobs are settled by the worker service
	settler := worker.NewQueueSettler(rabbitClient, appLogger.Component("settlement"))
	services, err := bootstrap.NewServices(cfg, store, settler, clock.Real(), appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	healthChecks := map[string]handler.HealthChecker{"rabbitmq": rabbitClient}
	if dbClient != nil {
		healthChecks["postgres"] = dbClient
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, services, healthChecks)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, services *bootstrap.Services, healthChecks map[string]handler.HealthChecker) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:         logger,
		Jobs:           services.Orchestrator,
		Reader:         services.Store,
		Reconciler:     services.Reconciler,
		Commissions:    services.Calculator,
		ProviderHeader: cfg.Provider.SignatureHeader,
		PaymentsHeader: cfg.Payments.SignatureHeader,
		HealthChecks:   healthChecks,
		ServiceName:    cfg.App.Name,
		ProcessingMode: services.Mode,
	}

	// Unconfigured receivers stay nil so their routes answer 404
	if services.ProviderEvents != nil {
		handlerDeps.ProviderEvents = services.ProviderEvents
	}
	if services.PaymentEvents != nil {
		handlerDeps.PaymentEvents = services.PaymentEvents
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
