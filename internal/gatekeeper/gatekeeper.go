// Package gatekeeper decides whether an actor may start a render job against
// a clone and reserves the quota the job consumes.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/shared/clock"
)

// Store is the persistence the gatekeeper needs
type Store interface {
	GetClone(ctx context.Context, cloneID string) (*domain.Clone, error)
	LockGrant(ctx context.Context, cloneID, subjectID string, fn func(*domain.Grant) error) error
	LockGrantByID(ctx context.Context, grantID string, fn func(*domain.Grant) error) error
}

// Authorization is a granted permission to start one job.
// Owner renders carry no grant and no reservation.
type Authorization struct {
	Actor       domain.Actor
	Clone       *domain.Clone
	GrantID     string
	Reservation *domain.Reservation
	PriceCents  int64
	Currency    string

	mu       sync.Mutex
	released bool
}

// Owner reports whether the clone's producer authorized the job directly
func (a *Authorization) Owner() bool {
	return a.Reservation == nil
}

// Gatekeeper checks clone state, grants and quota
type Gatekeeper struct {
	store    Store
	clock    clock.Clock
	currency string
	logger   *slog.Logger
}

// New creates a Gatekeeper. currency is stamped on every authorization.
func New(store Store, clk clock.Clock, currency string, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		store:    store,
		clock:    clk,
		currency: currency,
		logger:   logger,
	}
}

// Authorize runs the admission rules in order and, on success, reserves cost
// against the actor's grant in the same locked unit as the quota check.
func (g *Gatekeeper) Authorize(ctx context.Context, actor domain.Actor, cloneID string, cost int) (*Authorization, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("requested cost must be positive, got %d", cost)
	}

	clone, err := g.store.GetClone(ctx, cloneID)
	if err != nil {
		return nil, err
	}
	if clone.Status != domain.CloneStatusActive {
		g.logger.Info("Submission rejected",
			slog.String("clone_id", cloneID),
			slog.String("actor_id", actor.ID),
			slog.String("clone_status", string(clone.Status)),
		)
		return nil, fmt.Errorf("%w: clone %s is %s", domain.ErrCloneInactive, cloneID, clone.Status)
	}

	if actor.Kind == domain.ActorProducer && actor.ProducerID == clone.ProducerID {
		return &Authorization{
			Actor:    actor,
			Clone:    clone,
			Currency: g.currency,
		}, nil
	}

	var (
		reservation domain.Reservation
		grantID     string
		price       int64
	)
	err = g.store.LockGrant(ctx, cloneID, actor.ID, func(grant *domain.Grant) error {
		r, err := grant.Reserve(cost, g.clock.Now())
		if err != nil {
			return err
		}
		reservation = r
		grantID = grant.ID
		price = grant.PerRenderCostCents * int64(cost)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrGrantNotFound) {
			err = fmt.Errorf("%w: no grant for actor %s on clone %s", domain.ErrPermissionDenied, actor.ID, cloneID)
		}
		g.logger.Info("Submission rejected",
			slog.String("clone_id", cloneID),
			slog.String("actor_id", actor.ID),
			slog.Any("error", err),
		)
		return nil, err
	}

	g.logger.Debug("Quota reserved",
		slog.String("clone_id", cloneID),
		slog.String("actor_id", actor.ID),
		slog.String("grant_id", grantID),
		slog.Int("cost", cost),
	)

	return &Authorization{
		Actor:       actor,
		Clone:       clone,
		GrantID:     grantID,
		Reservation: &reservation,
		PriceCents:  price,
		Currency:    g.currency,
	}, nil
}

// Release gives the reserved quota back after a failed provider submission.
// Releasing the same authorization twice is a no-op.
func (g *Gatekeeper) Release(ctx context.Context, auth *Authorization) error {
	if auth == nil || auth.Reservation == nil {
		return nil
	}

	auth.mu.Lock()
	defer auth.mu.Unlock()
	if auth.released {
		return nil
	}

	if err := g.release(ctx, *auth.Reservation); err != nil {
		return err
	}
	auth.released = true
	return nil
}

// ReleaseJob gives back the quota a job reserved through its grant. The caller
// must call it at most once per job, after a transition that proves the job
// never reached the provider.
func (g *Gatekeeper) ReleaseJob(ctx context.Context, job *domain.RenderJob) error {
	if job.GrantID == nil || *job.GrantID == "" {
		return nil
	}
	return g.release(ctx, domain.Reservation{
		GrantID:    *job.GrantID,
		Cost:       job.Cost,
		ReservedAt: job.CreatedAt,
	})
}

func (g *Gatekeeper) release(ctx context.Context, r domain.Reservation) error {
	err := g.store.LockGrantByID(ctx, r.GrantID, func(grant *domain.Grant) error {
		grant.Release(r, g.clock.Now())
		return nil
	})
	if err != nil {
		g.logger.Error("Failed to release quota",
			slog.String("grant_id", r.GrantID),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to release quota: %w", err)
	}

	g.logger.Info("Quota released",
		slog.String("grant_id", r.GrantID),
		slog.Int("cost", r.Cost),
	)
	return nil
}
