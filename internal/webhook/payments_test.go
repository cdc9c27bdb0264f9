package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentReceiver(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clk := clock.Fake(testNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := billing.New(store, billing.FeePolicy{Kind: billing.FeeFlat, FlatCents: 50}, clk, logger)

	job := &domain.RenderJob{
		ID:         "job-1",
		ProducerID: "producer-1",
		State:      domain.JobStateCompleted,
		PriceCents: 1000,
		Currency:   "USD",
		CreatedAt:  testNow,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	commission, err := calc.Settle(ctx, job)
	require.NoError(t, err)

	verifier := NewVerifier(testSecret)
	receiver := NewPaymentReceiver(verifier, store, calc, clk, logger)

	send := func(ev PaymentEvent) (Result, error) {
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		return receiver.HandleEvent(ctx, raw, verifier.Sign(raw), "")
	}

	res, err := send(PaymentEvent{EventID: "pay-1", CommissionID: commission.ID, Status: "paid", Reference: "ch_1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = send(PaymentEvent{EventID: "pay-1", CommissionID: commission.ID, Status: "paid", Reference: "ch_1"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	got, err := store.GetCommission(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionPaid, got.Status)
	assert.Equal(t, "ch_1", got.PaymentReference)

	_, err = send(PaymentEvent{EventID: "pay-2", CommissionID: commission.ID, Status: "cancelled"})
	require.ErrorIs(t, err, domain.ErrInvalidCommissionTransition)

	_, err = send(PaymentEvent{EventID: "pay-3", CommissionID: commission.ID, Status: "bogus"})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = send(PaymentEvent{EventID: "pay-4", CommissionID: "missing", Status: "paid"})
	require.ErrorIs(t, err, domain.ErrCommissionNotFound)

	raw := []byte(`{"event_id":"pay-5","commission_id":"x","status":"paid"}`)
	_, err = receiver.HandleEvent(ctx, raw, "deadbeef", "")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestPaymentReceiver_RedeliveryAfterRejectedApply(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clk := clock.Fake(testNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc := billing.New(store, billing.FeePolicy{Kind: billing.FeeFlat, FlatCents: 50}, clk, logger)

	job := &domain.RenderJob{
		ID:         "job-1",
		ProducerID: "producer-1",
		State:      domain.JobStateCompleted,
		PriceCents: 1000,
		Currency:   "USD",
		CreatedAt:  testNow,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	commission, err := calc.Settle(ctx, job)
	require.NoError(t, err)

	verifier := NewVerifier(testSecret)
	receiver := NewPaymentReceiver(verifier, store, calc, clk, logger)

	send := func(ev PaymentEvent) (Result, error) {
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		return receiver.HandleEvent(ctx, raw, verifier.Sign(raw), "")
	}

	// The refund overtakes the payment and is rejected, but stays recorded
	refund := PaymentEvent{EventID: "refund-1", CommissionID: commission.ID, Status: "refunded", Reference: "re_1"}
	_, err = send(refund)
	require.ErrorIs(t, err, domain.ErrInvalidCommissionTransition)

	res, err := send(PaymentEvent{EventID: "pay-1", CommissionID: commission.ID, Status: "paid", Reference: "ch_1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = send(refund)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Applied)

	got, err := store.GetCommission(ctx, commission.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionRefunded, got.Status)
	assert.Equal(t, "re_1", got.PaymentReference)

	// Once applied, further redeliveries are no-ops
	res, err = send(refund)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)
}
