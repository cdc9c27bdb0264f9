package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)

type recordingSettler struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (s *recordingSettler) Dispatch(_ context.Context, job *domain.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job.ID)
	return s.err
}

func (s *recordingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func newTracker(t *testing.T) (*Tracker, *memstore.Store, *recordingSettler, *clock.FakeClock) {
	t.Helper()
	store := memstore.New()
	settler := &recordingSettler{}
	clk := clock.Fake(testNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, settler, clk, time.Hour, logger), store, settler, clk
}

func submittedJob(t *testing.T, tr *Tracker) *domain.RenderJob {
	t.Helper()
	ctx := context.Background()
	job := &domain.RenderJob{
		CloneID:    "clone-1",
		ProducerID: "producer-1",
		ActorID:    "user-1",
		ActorKind:  domain.ActorFinalUser,
		Script:     "Hello there",
		PriceCents: 1000,
		Currency:   "USD",
	}
	require.NoError(t, tr.Create(ctx, job))
	require.Equal(t, domain.JobStateQueued, job.State)

	submitted, err := tr.MarkSubmitted(ctx, job.ID, "ext-"+job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSubmitted, submitted.State)
	return submitted
}

func TestCreate_AssignsIDAndDefaults(t *testing.T) {
	tr, store, _, _ := newTracker(t)
	job := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}

	require.NoError(t, tr.Create(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, job.Cost)
	assert.Equal(t, testNow, job.CreatedAt)

	audit, err := store.ListAudit(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "created", audit[0].Action)
}

func TestMarkSubmitted_OnlyFromQueued(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	job := submittedJob(t, tr)

	_, err := tr.MarkSubmitted(context.Background(), job.ID, "ext-other")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = tr.MarkSubmitted(context.Background(), "missing", "ext")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMarkProcessing(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	ctx := context.Background()
	job := submittedJob(t, tr)

	out, err := tr.MarkProcessing(ctx, job.ID, SourcePoll)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.JobStateProcessing, out.Job.State)
	require.NotNil(t, out.Job.StartedAt)

	out, err = tr.MarkProcessing(ctx, job.ID, SourcePoll)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateProcessing, out.Job.State)

	queued := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}
	require.NoError(t, tr.Create(ctx, queued))
	_, err = tr.MarkProcessing(ctx, queued.ID, SourcePoll)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestComplete_IsIdempotent(t *testing.T) {
	tr, store, settler, _ := newTracker(t)
	ctx := context.Background()
	job := submittedJob(t, tr)
	result := domain.JobResult{VideoURL: "https://cdn/v.mp4", ThumbnailURL: "https://cdn/t.jpg", DurationSeconds: 12.5}

	out, err := tr.Complete(ctx, job.ID, result, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.JobStateCompleted, out.Job.State)
	assert.Equal(t, result, out.Job.Result)

	out, err = tr.Complete(ctx, job.ID, result, SourcePoll)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, 1, settler.count())

	// a differing duplicate keeps the first result and leaves a trace
	other := domain.JobResult{VideoURL: "https://cdn/other.mp4"}
	out, err = tr.Complete(ctx, job.ID, other, SourcePoll)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, result, out.Job.Result)

	audit, err := store.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "result_mismatch", audit[len(audit)-1].Action)
}

func TestTerminalSignals_FirstWins(t *testing.T) {
	tests := []struct {
		name      string
		first     func(tr *Tracker, id string) (Outcome, error)
		second    func(tr *Tracker, id string) (Outcome, error)
		wantState domain.JobState
		settled   int
	}{
		{
			name: "fail then late complete",
			first: func(tr *Tracker, id string) (Outcome, error) {
				return tr.Fail(context.Background(), id, "render error", SourcePoll)
			},
			second: func(tr *Tracker, id string) (Outcome, error) {
				return tr.Complete(context.Background(), id, domain.JobResult{VideoURL: "u"}, SourceWebhook)
			},
			wantState: domain.JobStateFailed,
			settled:   0,
		},
		{
			name: "complete then late fail",
			first: func(tr *Tracker, id string) (Outcome, error) {
				return tr.Complete(context.Background(), id, domain.JobResult{VideoURL: "u"}, SourceWebhook)
			},
			second: func(tr *Tracker, id string) (Outcome, error) {
				return tr.Fail(context.Background(), id, "render error", SourcePoll)
			},
			wantState: domain.JobStateCompleted,
			settled:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, settler, _ := newTracker(t)
			job := submittedJob(t, tr)

			out, err := tt.first(tr, job.ID)
			require.NoError(t, err)
			require.True(t, out.Applied)

			out, err = tt.second(tr, job.ID)
			require.NoError(t, err)
			assert.False(t, out.Applied)
			assert.Equal(t, tt.wantState, out.Job.State)
			assert.Equal(t, tt.settled, settler.count())
		})
	}
}

func TestComplete_ConcurrentSignalsSettleOnce(t *testing.T) {
	tr, _, settler, _ := newTracker(t)
	job := submittedJob(t, tr)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Complete(context.Background(), job.ID, domain.JobResult{VideoURL: "u"}, SourceWebhook)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settler.count())
}

func TestComplete_SettlerFailureDoesNotFailTransition(t *testing.T) {
	tr, _, settler, _ := newTracker(t)
	settler.err = errors.New("broker down")
	job := submittedJob(t, tr)

	out, err := tr.Complete(context.Background(), job.ID, domain.JobResult{VideoURL: "u"}, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Applied)
}

func TestComplete_QueuedJobIsRejected(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	job := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}
	require.NoError(t, tr.Create(context.Background(), job))

	_, err := tr.Complete(context.Background(), job.ID, domain.JobResult{}, SourceWebhook)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAbortSubmission(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	ctx := context.Background()

	job := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}
	require.NoError(t, tr.Create(ctx, job))

	out, err := tr.AbortSubmission(ctx, job.ID, "provider unavailable")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.JobStateFailed, out.Job.State)
	assert.Equal(t, "provider unavailable", out.Job.ErrorDetail)

	out, err = tr.AbortSubmission(ctx, job.ID, "again")
	require.NoError(t, err)
	assert.False(t, out.Applied)

	submitted := submittedJob(t, tr)
	_, err = tr.AbortSubmission(ctx, submitted.ID, "too late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	tr, _, _, clk := newTracker(t)
	ctx := context.Background()
	job := submittedJob(t, tr)

	out, err := tr.Expire(ctx, job.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied, "inside the window")
	assert.Equal(t, domain.JobStateSubmitted, out.Job.State)

	clk.Advance(time.Hour)
	out, err = tr.Expire(ctx, job.ID, SourceSweep)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.JobStateExpired, out.Job.State)
	assert.Contains(t, out.Job.ErrorDetail, "timed out")

	out, err = tr.Expire(ctx, job.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)

	// a late completion does not resurrect the job
	out, err = tr.Complete(ctx, job.ID, domain.JobResult{VideoURL: "u"}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateExpired, out.Job.State)
}

func TestExpire_NeverOverridesTerminal(t *testing.T) {
	tr, _, _, clk := newTracker(t)
	ctx := context.Background()
	job := submittedJob(t, tr)

	_, err := tr.Complete(ctx, job.ID, domain.JobResult{VideoURL: "u"}, SourceWebhook)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	out, err := tr.Expire(ctx, job.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateCompleted, out.Job.State)
}

func TestExpireUnsubmitted(t *testing.T) {
	tr, store, _, clk := newTracker(t)
	ctx := context.Background()

	queued := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}
	require.NoError(t, tr.Create(ctx, queued))

	clk.Advance(2 * time.Hour)

	// Expire only handles jobs the provider has
	out, err := tr.Expire(ctx, queued.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateQueued, out.Job.State)

	out, err = tr.ExpireUnsubmitted(ctx, queued.ID, SourceSweep)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domain.JobStateFailed, out.Job.State)
	assert.Contains(t, out.Job.ErrorDetail, "timed out")

	out, err = tr.ExpireUnsubmitted(ctx, queued.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)

	audit, err := store.ListAudit(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, "submission_timed_out", audit[len(audit)-1].Action)

	// Submitted jobs are left to Expire
	submitted := submittedJob(t, tr)
	clk.Advance(2 * time.Hour)
	out, err = tr.ExpireUnsubmitted(ctx, submitted.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateSubmitted, out.Job.State)
}

func TestExpireUnsubmitted_InsideWindow(t *testing.T) {
	tr, _, _, clk := newTracker(t)
	ctx := context.Background()

	queued := &domain.RenderJob{CloneID: "clone-1", ActorID: "user-1", Script: "hi"}
	require.NoError(t, tr.Create(ctx, queued))
	clk.Advance(59 * time.Minute)

	out, err := tr.ExpireUnsubmitted(ctx, queued.ID, SourceSweep)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.JobStateQueued, out.Job.State)
}
