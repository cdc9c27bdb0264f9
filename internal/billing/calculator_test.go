package billing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)

func newCalculator(t *testing.T, policy FeePolicy) (*Calculator, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, policy, clock.Fake(testNow), logger), store
}

func completedJob(t *testing.T, store *memstore.Store, id string, price int64) *domain.RenderJob {
	t.Helper()
	job := &domain.RenderJob{
		ID:               id,
		CloneID:          "clone-1",
		ProducerID:       "producer-1",
		ActorID:          "user-1",
		State:            domain.JobStateCompleted,
		Script:           "hi",
		Cost:             1,
		PriceCents:       price,
		Currency:         "USD",
		PaymentReference: "pi_" + id,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestFeePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  FeePolicy
		gross   int64
		want    int64
		wantErr bool
	}{
		{name: "ten percent", policy: FeePolicy{Kind: FeePercentage, BasisPoints: 1000}, gross: 1000, want: 100},
		{name: "rounds down", policy: FeePolicy{Kind: FeePercentage, BasisPoints: 1250}, gross: 999, want: 124},
		{name: "flat", policy: FeePolicy{Kind: FeeFlat, FlatCents: 30}, gross: 1000, want: 30},
		{name: "zero basis points", policy: FeePolicy{Kind: FeePercentage}, wantErr: true},
		{name: "whole gross", policy: FeePolicy{Kind: FeePercentage, BasisPoints: 10000}, wantErr: true},
		{name: "negative flat", policy: FeePolicy{Kind: FeeFlat, FlatCents: -1}, wantErr: true},
		{name: "unknown kind", policy: FeePolicy{Kind: "tiered"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.policy.Fee(tt.gross))
		})
	}
}

func TestSplit_FailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		policy  FeePolicy
		gross   int64
		wantFee int64
		wantErr error
	}{
		{name: "valid split", policy: FeePolicy{Kind: FeePercentage, BasisPoints: 1000}, gross: 1000, wantFee: 100},
		{name: "fee rounds to zero", policy: FeePolicy{Kind: FeePercentage, BasisPoints: 1000}, gross: 5, wantErr: domain.ErrInvalidFeeConfiguration},
		{name: "flat equals gross", policy: FeePolicy{Kind: FeeFlat, FlatCents: 500}, gross: 500, wantErr: domain.ErrInvalidFeeConfiguration},
		{name: "flat exceeds gross", policy: FeePolicy{Kind: FeeFlat, FlatCents: 700}, gross: 500, wantErr: domain.ErrInvalidFeeConfiguration},
		{name: "zero gross", policy: FeePolicy{Kind: FeeFlat, FlatCents: 30}, gross: 0, wantErr: ErrNothingToSettle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, _ := newCalculator(t, tt.policy)
			fee, err := calc.Split(tt.gross)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, fee)
		})
	}
}

func TestSettle(t *testing.T) {
	calc, store := newCalculator(t, FeePolicy{Kind: FeePercentage, BasisPoints: 1000})
	ctx := context.Background()
	job := completedJob(t, store, "job-1", 1000)

	event, err := calc.Settle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), event.GrossCents)
	assert.Equal(t, int64(100), event.FeeCents)
	assert.Equal(t, int64(900), event.NetCents())
	assert.Equal(t, domain.CommissionPending, event.Status)
	assert.Equal(t, "pi_job-1", event.PaymentReference)

	again, err := calc.Settle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, event.ID, again.ID)

	count, err := store.CountCommissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSettle_InvalidSplitRecordsNothing(t *testing.T) {
	calc, store := newCalculator(t, FeePolicy{Kind: FeeFlat, FlatCents: 2000})
	ctx := context.Background()
	job := completedJob(t, store, "job-1", 1000)

	_, err := calc.Settle(ctx, job)
	require.ErrorIs(t, err, domain.ErrInvalidFeeConfiguration)

	count, err := store.CountCommissions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSettle_ZeroPriceAndUnfinishedJobs(t *testing.T) {
	calc, store := newCalculator(t, FeePolicy{Kind: FeePercentage, BasisPoints: 1000})
	ctx := context.Background()

	free := completedJob(t, store, "job-free", 0)
	_, err := calc.Settle(ctx, free)
	require.ErrorIs(t, err, ErrNothingToSettle)

	running := &domain.RenderJob{ID: "job-run", State: domain.JobStateProcessing, PriceCents: 1000}
	_, err = calc.Settle(ctx, running)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApplyStatus(t *testing.T) {
	calc, store := newCalculator(t, FeePolicy{Kind: FeePercentage, BasisPoints: 1000})
	ctx := context.Background()
	event, err := calc.Settle(ctx, completedJob(t, store, "job-1", 1000))
	require.NoError(t, err)

	approved, err := calc.ApplyStatus(ctx, event.ID, domain.CommissionApproved, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	// reapplying is a no-op
	_, err = calc.ApplyStatus(ctx, event.ID, domain.CommissionApproved, "ch_1")
	require.NoError(t, err)

	paid, err := calc.ApplyStatus(ctx, event.ID, domain.CommissionPaid, "ch_1")
	require.NoError(t, err)
	require.NotNil(t, paid.PaidAt)

	_, err = calc.ApplyStatus(ctx, event.ID, domain.CommissionCancelled, "ch_1")
	require.ErrorIs(t, err, domain.ErrInvalidCommissionTransition)

	refunded, err := calc.ApplyStatus(ctx, event.ID, domain.CommissionRefunded, "re_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionRefunded, refunded.Status)

	_, err = calc.ApplyStatus(ctx, "missing", domain.CommissionPaid, "")
	require.ErrorIs(t, err, domain.ErrCommissionNotFound)
}

func TestBackfill(t *testing.T) {
	calc, store := newCalculator(t, FeePolicy{Kind: FeePercentage, BasisPoints: 1000})
	ctx := context.Background()

	settledJob := completedJob(t, store, "job-1", 1000)
	_, err := calc.Settle(ctx, settledJob)
	require.NoError(t, err)
	completedJob(t, store, "job-2", 2000)
	completedJob(t, store, "job-3", 3000)
	completedJob(t, store, "job-free", 0)

	n, err := calc.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = calc.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := store.CountCommissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
