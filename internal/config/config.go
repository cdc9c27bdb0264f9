package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

const (
	// DriverPostgres stores everything in PostgreSQL
	DriverPostgres = "postgres"
	// DriverMemory keeps state in process; for local runs and tests
	DriverMemory = "memory"
)

// Environment variables that override secrets from the config file
const (
	EnvProviderWebhookSecret = "PROVIDER_WEBHOOK_SECRET"
	EnvProviderAPIKey        = "PROVIDER_API_KEY"
	EnvProviderIdentity      = "PROVIDER_AGE_IDENTITY"
	EnvPaymentsWebhookSecret = "PAYMENTS_WEBHOOK_SECRET"
	EnvDatabasePassword      = "DATABASE_PASSWORD"
	EnvRabbitMQPassword      = "RABBITMQ_PASSWORD"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Provider   ProviderConfig   `yaml:"provider"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Billing    BillingConfig    `yaml:"billing"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// UsesPostgres reports whether the PostgreSQL store is selected
func (d DatabaseConfig) UsesPostgres() bool {
	return d.Driver == "" || d.Driver == DriverPostgres
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	// Timeout bounds a whole publish, retries included, so webhook
	// responses never wait on the broker for long
	Timeout time.Duration `yaml:"timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig holds the rendering provider settings
type ProviderConfig struct {
	Mode            string        `yaml:"mode"`
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	CallbackBaseURL string        `yaml:"callback_base_url"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	SignatureHeader string        `yaml:"signature_header"`
	// APIKey is the platform default used when a producer has no sealed key
	APIKey string `yaml:"api_key"`
	// Identity is the age X25519 identity that unseals producer keys
	Identity string `yaml:"identity"`
	Currency string `yaml:"currency"`
}

// ProcessingMode parses Mode
func (p ProviderConfig) ProcessingMode() (domain.ProcessingMode, error) {
	return domain.ParseProcessingMode(p.Mode)
}

// PaymentsConfig holds the payment-network webhook settings
type PaymentsConfig struct {
	WebhookSecret   string `yaml:"webhook_secret"`
	SignatureHeader string `yaml:"signature_header"`
}

// BillingConfig holds the platform fee policy
type BillingConfig struct {
	FeeKind     string `yaml:"fee_kind"`
	BasisPoints int64  `yaml:"basis_points"`
	FlatCents   int64  `yaml:"flat_cents"`
}

// FeePolicy converts the section into a validated billing policy
func (b BillingConfig) FeePolicy() (billing.FeePolicy, error) {
	kind, err := billing.ParseFeeKind(b.FeeKind)
	if err != nil {
		return billing.FeePolicy{}, err
	}
	policy := billing.FeePolicy{Kind: kind, BasisPoints: b.BasisPoints, FlatCents: b.FlatCents}
	if err := policy.Validate(); err != nil {
		return billing.FeePolicy{}, err
	}
	return policy, nil
}

// ReconcilerConfig holds polling and expiry settings
type ReconcilerConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	HybridGrace     time.Duration `yaml:"hybrid_grace"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ExpiryWindow    time.Duration `yaml:"expiry_window"`
	BackfillLimit   int           `yaml:"backfill_limit"`
}

// Load reads and parses the configuration file, then applies secret
// overrides from the environment
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Provider.WebhookSecret, EnvProviderWebhookSecret)
	override(&c.Provider.APIKey, EnvProviderAPIKey)
	override(&c.Provider.Identity, EnvProviderIdentity)
	override(&c.Payments.WebhookSecret, EnvPaymentsWebhookSecret)
	override(&c.Database.Password, EnvDatabasePassword)
	override(&c.RabbitMQ.Password, EnvRabbitMQPassword)

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Provider.SignatureHeader == "" {
		c.Provider.SignatureHeader = "Signature"
	}
	if c.Payments.SignatureHeader == "" {
		c.Payments.SignatureHeader = "Signature"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 10 * time.Second
	}
	if c.Provider.Currency == "" {
		c.Provider.Currency = "USD"
	}
	if c.RabbitMQ.Publish.Timeout == 0 {
		c.RabbitMQ.Publish.Timeout = 2 * time.Second
	}

	r := &c.Reconciler
	if r.InitialInterval == 0 {
		r.InitialInterval = 15 * time.Second
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = 5 * time.Minute
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.HybridGrace == 0 {
		r.HybridGrace = 2 * time.Minute
	}
	if r.BatchSize == 0 {
		r.BatchSize = 100
	}
	if r.Concurrency == 0 {
		r.Concurrency = 4
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = 30 * time.Second
	}
	if r.ExpiryWindow == 0 {
		r.ExpiryWindow = time.Hour
	}
	if r.BackfillLimit == 0 {
		r.BackfillLimit = 100
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	return c.validateBilling()
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	if err := c.validateReconciler(); err != nil {
		return err
	}

	return c.validateBilling()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres, "":
	default:
		return fmt.Errorf("unknown database driver %q (want postgres or memory)", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// validateProvider enforces what each processing mode needs: callbacks
// require a reachable base URL and a shared secret to verify them
func (c *Config) validateProvider() error {
	mode, err := c.Provider.ProcessingMode()
	if err != nil {
		return fmt.Errorf("invalid provider mode: %w", err)
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("invalid provider base_url: %w", err)
	}

	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be greater than 0")
	}

	if mode.UsesPush() {
		if c.Provider.CallbackBaseURL == "" {
			return fmt.Errorf("provider callback_base_url is required in %s mode", mode)
		}
		if _, err := url.ParseRequestURI(c.Provider.CallbackBaseURL); err != nil {
			return fmt.Errorf("invalid provider callback_base_url: %w", err)
		}
		if c.Provider.WebhookSecret == "" {
			return fmt.Errorf("provider webhook_secret is required in %s mode", mode)
		}
	}

	return nil
}

func (c *Config) validateBilling() error {
	if _, err := c.Billing.FeePolicy(); err != nil {
		return fmt.Errorf("invalid billing config: %w", err)
	}
	return nil
}

func (c *Config) validateReconciler() error {
	r := c.Reconciler
	if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("reconciler intervals must satisfy 0 < initial_interval <= max_interval")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("reconciler multiplier must be at least 1")
	}
	if r.BatchSize <= 0 || r.Concurrency <= 0 {
		return fmt.Errorf("reconciler batch_size and concurrency must be greater than 0")
	}
	if r.ExpiryWindow <= 0 {
		return fmt.Errorf("reconciler expiry_window must be greater than 0")
	}
	if r.HybridGrace < 0 || r.HybridGrace >= r.ExpiryWindow {
		return fmt.Errorf("reconciler hybrid_grace must be at least 0 and shorter than expiry_window")
	}
	return nil
}
