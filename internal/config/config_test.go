package config

import (
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "render_db", cfg.Database.Database)
			assert.Equal(t, "settlement_queue", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, 1500*time.Millisecond, cfg.RabbitMQ.Publish.Timeout)
			assert.Equal(t, "render-api-service", cfg.App.Name)
			assert.Equal(t, "hybrid", cfg.Provider.Mode)
			assert.Equal(t, 90*time.Second, cfg.Reconciler.HybridGrace)
			assert.Equal(t, 45*time.Minute, cfg.Reconciler.ExpiryWindow)

			// Unset fields fall back to defaults
			assert.Equal(t, "Signature", cfg.Provider.SignatureHeader)
			assert.Equal(t, 30*time.Second, cfg.Reconciler.SweepInterval)
			assert.Equal(t, "USD", cfg.Provider.Currency)
		})
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvProviderWebhookSecret, "env-secret")
	t.Setenv(EnvPaymentsWebhookSecret, "env-payments")
	t.Setenv(EnvProviderAPIKey, "")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Provider.WebhookSecret)
	assert.Equal(t, "env-payments", cfg.Payments.WebhookSecret)
	// Empty variables do not clear the file value
	assert.Equal(t, "platform-key", cfg.Provider.APIKey)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver:   DriverPostgres,
			Host:     "localhost",
			Port:     5432,
			Database: "render_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "render_exchange"},
			Queue:    QueueConfig{Name: "settlement_queue"},
		},
		Worker: WorkerConfig{
			Concurrency:     2,
			MaxJobs:         10,
			JobTimeout:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Provider: ProviderConfig{
			Mode:            "push",
			BaseURL:         "https://api.provider.example",
			Timeout:         5 * time.Second,
			CallbackBaseURL: "https://render.example.com",
			WebhookSecret:   "secret",
		},
		Billing: BillingConfig{FeeKind: "percentage", BasisPoints: 1500},
		Reconciler: ReconcilerConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2,
			BatchSize:       10,
			Concurrency:     2,
			ExpiryWindow:    time.Hour,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name: "memory driver skips database checks",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverMemory}
			},
		},
		{
			name:      "unknown database driver",
			mutate:    func(c *Config) { c.Database.Driver = "sqlite" },
			errString: "unknown database driver",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty rabbitmq queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "unknown provider mode",
			mutate:    func(c *Config) { c.Provider.Mode = "stream" },
			errString: "invalid provider mode",
		},
		{
			name:      "empty provider mode",
			mutate:    func(c *Config) { c.Provider.Mode = "" },
			errString: "processing mode is required",
		},
		{
			name:      "legacy mode alias",
			mutate:    func(c *Config) { c.Provider.Mode = "webhook" },
			errString: "invalid provider mode",
		},
		{
			name:      "push mode without callback base url",
			mutate:    func(c *Config) { c.Provider.CallbackBaseURL = "" },
			errString: "callback_base_url is required in push mode",
		},
		{
			name: "hybrid mode without webhook secret",
			mutate: func(c *Config) {
				c.Provider.Mode = "hybrid"
				c.Provider.WebhookSecret = ""
			},
			errString: "webhook_secret is required in hybrid mode",
		},
		{
			name: "poll mode needs neither callback nor secret",
			mutate: func(c *Config) {
				c.Provider.Mode = "poll"
				c.Provider.CallbackBaseURL = ""
				c.Provider.WebhookSecret = ""
			},
		},
		{
			name:      "missing provider base url",
			mutate:    func(c *Config) { c.Provider.BaseURL = "" },
			errString: "provider base_url is required",
		},
		{
			name:      "fee of 100 percent",
			mutate:    func(c *Config) { c.Billing.BasisPoints = 10000 },
			errString: "invalid billing config",
		},
		{
			name:      "unknown fee kind",
			mutate:    func(c *Config) { c.Billing.FeeKind = "tiered" },
			errString: "invalid billing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "max interval below initial",
			mutate:    func(c *Config) { c.Reconciler.MaxInterval = time.Millisecond },
			errString: "reconciler intervals",
		},
		{
			name:      "shrinking multiplier",
			mutate:    func(c *Config) { c.Reconciler.Multiplier = 0.5 },
			errString: "reconciler multiplier",
		},
		{
			name:      "hybrid grace as long as the expiry window",
			mutate:    func(c *Config) { c.Reconciler.HybridGrace = c.Reconciler.ExpiryWindow },
			errString: "hybrid_grace",
		},
		{
			name:      "negative hybrid grace",
			mutate:    func(c *Config) { c.Reconciler.HybridGrace = -time.Second },
			errString: "hybrid_grace",
		},
		{
			name:   "hybrid grace inside the expiry window",
			mutate: func(c *Config) { c.Reconciler.HybridGrace = 5 * time.Minute },
		},
		{
			name:      "flat fee of zero",
			mutate:    func(c *Config) { c.Billing = BillingConfig{FeeKind: "flat"} },
			errString: "invalid billing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestBillingConfig_FeePolicy(t *testing.T) {
	policy, err := BillingConfig{FeeKind: "Flat", FlatCents: 50}.FeePolicy()
	require.NoError(t, err)
	assert.Equal(t, billing.FeePolicy{Kind: billing.FeeFlat, FlatCents: 50}, policy)
}
