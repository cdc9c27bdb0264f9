package domain

import (
	"fmt"
	"time"
)

// SubjectKind is the kind of account a grant is issued to
type SubjectKind string

const (
	SubjectSubproducer SubjectKind = "subproducer"
	SubjectFinalUser   SubjectKind = "final_user"
)

// GrantStatus is the state of a permission grant
type GrantStatus string

const (
	GrantStatusActive  GrantStatus = "active"
	GrantStatusPaused  GrantStatus = "paused"
	GrantStatusExpired GrantStatus = "expired"
	GrantStatusRevoked GrantStatus = "revoked"
)

// Grant binds a subject to a clone with usage limits.
// A limit of 0 means unlimited.
type Grant struct {
	ID                 string
	CloneID            string
	ProducerID         string
	SubjectID          string
	SubjectKind        SubjectKind
	Status             GrantStatus
	DailyLimit         int
	MonthlyLimit       int
	PerRenderCostCents int64
	DailyUsed          int
	MonthlyUsed        int
	TotalUsed          int
	ExpiresAt          *time.Time
	DailyResetAt       time.Time
	MonthlyResetAt     time.Time
	LastUsedAt         *time.Time
	GrantedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Reservation records quota taken from a grant so it can be given back
type Reservation struct {
	GrantID    string
	Cost       int
	ReservedAt time.Time
}

// StartOfDay truncates t to the UTC calendar day
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth truncates t to the UTC calendar month
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Rollover zeroes the daily and monthly counters when now lies in a later
// calendar period than the last reset. It reports whether anything changed.
func (g *Grant) Rollover(now time.Time) bool {
	changed := false
	if day := StartOfDay(now); day.After(StartOfDay(g.DailyResetAt)) {
		g.DailyUsed = 0
		g.DailyResetAt = day
		changed = true
	}
	if month := StartOfMonth(now); month.After(StartOfMonth(g.MonthlyResetAt)) {
		g.MonthlyUsed = 0
		g.MonthlyResetAt = month
		changed = true
	}
	return changed
}

// Usable checks status and expiry
func (g *Grant) Usable(now time.Time) error {
	if g.Status != GrantStatusActive {
		return fmt.Errorf("%w: grant is %s", ErrPermissionDenied, g.Status)
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return fmt.Errorf("%w: grant expired at %s", ErrPermissionDenied, g.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckQuota checks that cost fits in both windows
func (g *Grant) CheckQuota(cost int) error {
	if g.DailyLimit > 0 && g.DailyUsed+cost > g.DailyLimit {
		return g.quotaError("daily", g.DailyLimit)
	}
	if g.MonthlyLimit > 0 && g.MonthlyUsed+cost > g.MonthlyLimit {
		return g.quotaError("monthly", g.MonthlyLimit)
	}
	return nil
}

// Reserve runs the usability and quota checks and takes cost from every counter.
// It must run under the grant's lock.
func (g *Grant) Reserve(cost int, now time.Time) (Reservation, error) {
	if cost <= 0 {
		return Reservation{}, fmt.Errorf("requested cost must be positive, got %d", cost)
	}
	g.Rollover(now)
	if err := g.Usable(now); err != nil {
		return Reservation{}, err
	}
	if err := g.CheckQuota(cost); err != nil {
		return Reservation{}, err
	}

	g.DailyUsed += cost
	g.MonthlyUsed += cost
	g.TotalUsed += cost
	used := now
	g.LastUsedAt = &used
	g.UpdatedAt = now

	return Reservation{GrantID: g.ID, Cost: cost, ReservedAt: now}, nil
}

// Release gives back a reservation. Counters whose period already rolled over
// are left alone, and no counter drops below zero.
func (g *Grant) Release(r Reservation, now time.Time) {
	g.Rollover(now)
	if StartOfDay(r.ReservedAt).Equal(StartOfDay(g.DailyResetAt)) {
		g.DailyUsed = decrement(g.DailyUsed, r.Cost)
	}
	if StartOfMonth(r.ReservedAt).Equal(StartOfMonth(g.MonthlyResetAt)) {
		g.MonthlyUsed = decrement(g.MonthlyUsed, r.Cost)
	}
	g.TotalUsed = decrement(g.TotalUsed, r.Cost)
	g.UpdatedAt = now
}

// DailyRemaining returns the remaining daily quota, or -1 when unlimited
func (g *Grant) DailyRemaining() int {
	if g.DailyLimit == 0 {
		return -1
	}
	return max(0, g.DailyLimit-g.DailyUsed)
}

// MonthlyRemaining returns the remaining monthly quota, or -1 when unlimited
func (g *Grant) MonthlyRemaining() int {
	if g.MonthlyLimit == 0 {
		return -1
	}
	return max(0, g.MonthlyLimit-g.MonthlyUsed)
}

func (g *Grant) quotaError(window string, limit int) error {
	return &QuotaError{
		Window:           window,
		Limit:            limit,
		DailyRemaining:   g.DailyRemaining(),
		MonthlyRemaining: g.MonthlyRemaining(),
	}
}

func decrement(v, by int) int {
	if by > v {
		return 0
	}
	return v - by
}
