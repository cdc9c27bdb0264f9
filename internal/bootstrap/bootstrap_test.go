package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/config"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/provider"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/cuongbtq/avatar-render/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Provider: config.ProviderConfig{
			Mode:     "poll",
			BaseURL:  "https://api.provider.example",
			Timeout:  time.Second,
			Currency: "USD",
		},
		Billing: config.BillingConfig{FeeKind: "flat", FlatCents: 50},
		Reconciler: config.ReconcilerConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2,
			BatchSize:       10,
			Concurrency:     2,
			ExpiryWindow:    time.Hour,
		},
	}
}

func TestOpenStore_Memory(t *testing.T) {
	store, client, err := OpenStore(&config.DatabaseConfig{Driver: config.DriverMemory}, logger.NewDiscard().Logger)
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, store)
	assert.Nil(t, client)
}

func TestNewServices(t *testing.T) {
	cfg := baseConfig()
	store := memstore.New()

	svc, err := NewServices(cfg, store, nil, clock.Fake(time.Now()), logger.NewDiscard())
	require.NoError(t, err)

	assert.Equal(t, domain.ModePoll, svc.Mode)
	assert.Nil(t, svc.ProviderEvents, "no webhook secret, no receiver")
	assert.Nil(t, svc.PaymentEvents)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(context.Background(), &domain.RenderJob{
		ID: "job-1", CloneID: "clone-1", ProducerID: "producer-1",
		State: domain.JobStateCompleted, Cost: 1, PriceCents: 500, Currency: "USD",
		CreatedAt: now, UpdatedAt: now,
	}))
	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	// Without a broker settlement happens inline
	require.NoError(t, InlineSettler{Calculator: svc.Calculator}.Dispatch(context.Background(), job))
	event, err := store.GetCommissionByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), event.FeeCents)
}

func TestNewServices_Receivers(t *testing.T) {
	cfg := baseConfig()
	cfg.Provider.WebhookSecret = "provider-secret"
	cfg.Payments.WebhookSecret = "payments-secret"

	cfg.Provider.Mode = "hybrid"

	svc, err := NewServices(cfg, memstore.New(), nil, clock.Real(), logger.NewDiscard())
	require.NoError(t, err)
	assert.NotNil(t, svc.ProviderEvents)
	assert.NotNil(t, svc.PaymentEvents)
}

func TestNewServices_PollModeHasNoProviderReceiver(t *testing.T) {
	cfg := baseConfig()
	cfg.Provider.WebhookSecret = "provider-secret"
	cfg.Payments.WebhookSecret = "payments-secret"

	svc, err := NewServices(cfg, memstore.New(), nil, clock.Real(), logger.NewDiscard())
	require.NoError(t, err)
	assert.Equal(t, domain.ModePoll, svc.Mode)
	assert.Nil(t, svc.ProviderEvents, "provider callbacks are not accepted in poll mode")
	assert.NotNil(t, svc.PaymentEvents)
}

func TestNewServices_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown mode",
			mutate: func(c *config.Config) { c.Provider.Mode = "carrier-pigeon" },
			want:   "carrier-pigeon",
		},
		{
			name:   "bad fee policy",
			mutate: func(c *config.Config) { c.Billing.FlatCents = 0 },
			want:   "invalid billing config",
		},
		{
			name:   "bad identity",
			mutate: func(c *config.Config) { c.Provider.Identity = "not-an-identity" },
			want:   "invalid provider identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			_, err := NewServices(cfg, memstore.New(), nil, clock.Real(), logger.NewDiscard())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewServices_WithIdentity(t *testing.T) {
	keyring, err := provider.GenerateKeyring()
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Provider.Identity = keyring.Identity()

	_, err = NewServices(cfg, memstore.New(), nil, clock.Real(), logger.NewDiscard())
	assert.NoError(t, err)
}
