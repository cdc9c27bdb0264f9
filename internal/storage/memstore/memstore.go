// Package memstore is an in-process storage driver. It backs local runs with
// `database.driver: memory` and the service tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/storage"
)

// Store keeps every record in maps guarded by a single mutex
type Store struct {
	mu          sync.Mutex
	producers   map[string]domain.Producer
	clones      map[string]domain.Clone
	grants      map[string]domain.Grant
	jobs        map[string]domain.RenderJob
	external    map[string]string
	audit       map[string][]domain.JobAudit
	inbound     map[string]domain.InboundEvent
	commissions map[string]domain.CommissionEvent
	byJob       map[string]string
	auditSeq    int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		producers:   make(map[string]domain.Producer),
		clones:      make(map[string]domain.Clone),
		grants:      make(map[string]domain.Grant),
		jobs:        make(map[string]domain.RenderJob),
		external:    make(map[string]string),
		audit:       make(map[string][]domain.JobAudit),
		inbound:     make(map[string]domain.InboundEvent),
		commissions: make(map[string]domain.CommissionEvent),
		byJob:       make(map[string]string),
	}
}

func (s *Store) GetProducer(_ context.Context, producerID string) (*domain.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return &p, nil
}

func (s *Store) PutProducer(_ context.Context, producer *domain.Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if producer.PaymentAccountID != "" {
		for id, other := range s.producers {
			if id != producer.ID && other.PaymentAccountID == producer.PaymentAccountID {
				return fmt.Errorf("payment account %s already linked to producer %s", producer.PaymentAccountID, id)
			}
		}
	}
	s.producers[producer.ID] = *producer
	return nil
}

func (s *Store) SetProducerCredential(_ context.Context, producerID, sealed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[producerID]
	if !ok {
		return domain.ErrProducerNotFound
	}
	p.SealedCredential = sealed
	p.UpdatedAt = time.Now().UTC()
	s.producers[producerID] = p
	return nil
}

func (s *Store) GetClone(_ context.Context, cloneID string) (*domain.Clone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clones[cloneID]
	if !ok {
		return nil, domain.ErrCloneNotFound
	}
	return &c, nil
}

func (s *Store) PutClone(_ context.Context, clone *domain.Clone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clones[clone.ID] = *clone
	return nil
}

func (s *Store) GetGrant(_ context.Context, grantID string) (*domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return nil, domain.ErrGrantNotFound
	}
	return &g, nil
}

func (s *Store) PutGrant(_ context.Context, grant *domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.grants {
		if id != grant.ID && other.CloneID == grant.CloneID && other.SubjectID == grant.SubjectID {
			return fmt.Errorf("grant for clone %s and subject %s already exists", grant.CloneID, grant.SubjectID)
		}
	}
	s.grants[grant.ID] = *grant
	return nil
}

func (s *Store) LockGrant(_ context.Context, cloneID, subjectID string, fn func(*domain.Grant) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.grants {
		if g.CloneID == cloneID && g.SubjectID == subjectID {
			return s.applyGrant(id, g, fn)
		}
	}
	return domain.ErrGrantNotFound
}

func (s *Store) LockGrantByID(_ context.Context, grantID string, fn func(*domain.Grant) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return domain.ErrGrantNotFound
	}
	return s.applyGrant(grantID, g, fn)
}

func (s *Store) applyGrant(id string, g domain.Grant, fn func(*domain.Grant) error) error {
	if err := fn(&g); err != nil {
		return err
	}
	s.grants[id] = g
	return nil
}

func (s *Store) CreateJob(_ context.Context, job *domain.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(*job)
	if ext := job.External(); ext != "" {
		s.external[ext] = job.ID
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

func (s *Store) GetJobByExternalID(_ context.Context, externalJobID string) (*domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.external[externalJobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := cloneJob(s.jobs[id])
	return &out, nil
}

func (s *Store) ListJobs(_ context.Context, filter domain.JobFilter) ([]domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RenderJob
	for _, j := range s.jobs {
		if filter.ActorID != "" && j.ActorID != filter.ActorID {
			continue
		}
		if filter.ProducerID != "" && j.ProducerID != filter.ProducerID {
			continue
		}
		if filter.CloneID != "" && j.CloneID != filter.CloneID {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.JobID) {
				continue
			}
		}
		out = append(out, cloneJob(j))
	}
	sortNewestFirst(out)

	// One extra row tells the caller whether another page exists
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *Store) TransitionJob(_ context.Context, jobID string, from []domain.JobState, upd domain.JobUpdate) (*domain.RenderJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	if !slices.Contains(from, j.State) {
		out := cloneJob(j)
		return &out, false, nil
	}

	j.State = upd.State
	if upd.ExternalJobID != "" {
		ext := upd.ExternalJobID
		j.ExternalJobID = &ext
		s.external[ext] = j.ID
	}
	if upd.Result != nil {
		j.Result = *upd.Result
	}
	if upd.ErrorDetail != "" {
		j.ErrorDetail = upd.ErrorDetail
	}
	if upd.SubmittedAt != nil {
		j.SubmittedAt = copyTime(upd.SubmittedAt)
	}
	if upd.StartedAt != nil {
		j.StartedAt = copyTime(upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = copyTime(upd.CompletedAt)
	}
	j.UpdatedAt = upd.At
	s.jobs[jobID] = j

	out := cloneJob(j)
	return &out, true, nil
}

func (s *Store) SchedulePoll(_ context.Context, jobID string, attempts int, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.State.IsTerminal() {
		return nil
	}
	j.PollAttempts = attempts
	j.NextPollAt = &next
	s.jobs[jobID] = j
	return nil
}

func (s *Store) ListDuePolls(_ context.Context, filter domain.PollFilter) ([]domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RenderJob
	for _, j := range s.jobs {
		if !j.State.IsInFlight() {
			continue
		}
		if j.NextPollAt != nil && j.NextPollAt.After(filter.DueBefore) {
			continue
		}
		if !filter.SubmittedBefore.IsZero() && j.InFlightSince().After(filter.SubmittedBefore) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InFlightSince().Before(out[b].InFlightSince()) })
	return limit(out, filter.Limit), nil
}

func (s *Store) ListStaleInFlight(_ context.Context, before time.Time, n int) ([]domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RenderJob
	for _, j := range s.jobs {
		if j.State.IsInFlight() && j.InFlightSince().Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InFlightSince().Before(out[b].InFlightSince()) })
	return limit(out, n), nil
}

func (s *Store) ListStaleQueued(_ context.Context, before time.Time, n int) ([]domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RenderJob
	for _, j := range s.jobs {
		if j.State == domain.JobStateQueued && j.CreatedAt.Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return limit(out, n), nil
}

func (s *Store) ListUnsettledJobs(_ context.Context, n int) ([]domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RenderJob
	for _, j := range s.jobs {
		if j.State != domain.JobStateCompleted || j.PriceCents <= 0 {
			continue
		}
		if _, settled := s.byJob[j.ID]; settled {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return limit(out, n), nil
}

func (s *Store) AppendAudit(_ context.Context, audit domain.JobAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	audit.ID = s.auditSeq
	s.audit[audit.JobID] = append(s.audit[audit.JobID], audit)
	return nil
}

func (s *Store) ListAudit(_ context.Context, jobID string) ([]domain.JobAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit[jobID]), nil
}

func (s *Store) RecordInboundEvent(_ context.Context, event domain.InboundEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.Provider + "\x00" + event.EventID
	if _, seen := s.inbound[key]; seen {
		return false, nil
	}
	s.inbound[key] = event
	return true, nil
}

func (s *Store) InsertCommission(_ context.Context, event *domain.CommissionEvent) (*domain.CommissionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.byJob[event.JobID]; exists {
		existing := s.commissions[id]
		return &existing, false, nil
	}
	s.commissions[event.ID] = *event
	s.byJob[event.JobID] = event.ID
	out := *event
	return &out, true, nil
}

func (s *Store) GetCommission(_ context.Context, commissionID string) (*domain.CommissionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[commissionID]
	if !ok {
		return nil, domain.ErrCommissionNotFound
	}
	return &c, nil
}

func (s *Store) GetCommissionByJob(_ context.Context, jobID string) (*domain.CommissionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byJob[jobID]
	if !ok {
		return nil, domain.ErrCommissionNotFound
	}
	c := s.commissions[id]
	return &c, nil
}

func (s *Store) UpdateCommissionStatus(_ context.Context, commissionID string, from []domain.CommissionStatus, to domain.CommissionStatus, reference string, at time.Time) (*domain.CommissionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[commissionID]
	if !ok {
		return nil, false, domain.ErrCommissionNotFound
	}
	if !slices.Contains(from, c.Status) {
		return &c, false, nil
	}
	c.Status = to
	c.UpdatedAt = at
	if reference != "" {
		c.PaymentReference = reference
	}
	switch to {
	case domain.CommissionApproved:
		c.ApprovedAt = &at
	case domain.CommissionPaid:
		c.PaidAt = &at
	}
	s.commissions[commissionID] = c
	out := c
	return &out, true, nil
}

func (s *Store) CountCommissions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commissions), nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func cloneJob(j domain.RenderJob) domain.RenderJob {
	j.GrantID = copyString(j.GrantID)
	j.ExternalJobID = copyString(j.ExternalJobID)
	j.NextPollAt = copyTime(j.NextPollAt)
	j.SubmittedAt = copyTime(j.SubmittedAt)
	j.StartedAt = copyTime(j.StartedAt)
	j.CompletedAt = copyTime(j.CompletedAt)
	return j
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortNewestFirst(jobs []domain.RenderJob) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
}

func limit(jobs []domain.RenderJob, n int) []domain.RenderJob {
	if n > 0 && len(jobs) > n {
		return jobs[:n]
	}
	return jobs
}

var _ storage.Store = (*Store)(nil)
