// Package admission gates job creation on per-owner concurrent and daily quotas.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voicejobs/internal/config"
	"voicejobs/internal/models"
)

// JobCounter is the read side of the job repository the controller needs.
type JobCounter interface {
	CountJobs(ctx context.Context, owner string, kind models.Kind, statuses []models.Status, since time.Time) (int, error)
}

// Controller decides whether an owner may start another job of a kind.
// It is read-only: callers serialize admit+create per owner when strict quotas matter.
type Controller struct {
	counter JobCounter
	quotas  config.QuotaTable
	now     func() time.Time
	log     *slog.Logger
}

// New builds a controller over the quota table.
func New(counter JobCounter, quotas config.QuotaTable, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		counter: counter,
		quotas:  quotas,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// Tier returns the owner's tier; unknown owners are base.
func (c *Controller) Tier(owner string) string {
	if tier, ok := c.quotas.Owners[owner]; ok {
		return tier
	}
	return config.TierBase
}

// LimitsFor returns the owner's limits for kind.
func (c *Controller) LimitsFor(owner string, kind models.Kind) config.Limits {
	tl, ok := c.quotas.Tiers[c.Tier(owner)]
	if !ok {
		tl = c.quotas.Tiers[config.TierBase]
	}
	if kind == models.KindVoiceClone {
		return tl.VoiceClone
	}
	return tl.TTS
}

// TryAdmit returns nil when one more job fits, or a *models.QuotaError naming the bound hit.
// A non-positive limit disables that bound.
func (c *Controller) TryAdmit(ctx context.Context, owner string, kind models.Kind) error {
	usage, err := c.usage(ctx, owner, kind)
	if err != nil {
		return err
	}
	if denial := usage.denial(kind); denial != nil {
		c.log.Info("admission denied", "owner", owner, "kind", kind, "bound", denial.Bound,
			"current", denial.Current, "limit", denial.Limit)
		return denial
	}
	return nil
}

// KindUsage reports one kind's limits against current usage.
type KindUsage struct {
	Limits     config.Limits `json:"limits"`
	Concurrent int           `json:"concurrent"`
	Daily      int           `json:"daily"`
	CanCreate  bool          `json:"can_create"`
}

func (u KindUsage) denial(kind models.Kind) *models.QuotaError {
	if u.Limits.MaxConcurrent > 0 && u.Concurrent >= u.Limits.MaxConcurrent {
		return &models.QuotaError{Kind: kind, Bound: "max_concurrent", Limit: u.Limits.MaxConcurrent, Current: u.Concurrent}
	}
	if u.Limits.MaxDaily > 0 && u.Daily >= u.Limits.MaxDaily {
		return &models.QuotaError{Kind: kind, Bound: "max_daily", Limit: u.Limits.MaxDaily, Current: u.Daily}
	}
	return nil
}

// Usage is the userLimits view for one owner.
type Usage struct {
	Owner string                    `json:"owner"`
	Tier  string                    `json:"tier"`
	Kinds map[models.Kind]KindUsage `json:"kinds"`
}

// Usage reports limits and current consumption for every kind.
func (c *Controller) Usage(ctx context.Context, owner string) (Usage, error) {
	out := Usage{Owner: owner, Tier: c.Tier(owner), Kinds: make(map[models.Kind]KindUsage, len(models.Kinds))}
	for _, kind := range models.Kinds {
		u, err := c.usage(ctx, owner, kind)
		if err != nil {
			return Usage{}, err
		}
		out.Kinds[kind] = u
	}
	return out, nil
}

func (c *Controller) usage(ctx context.Context, owner string, kind models.Kind) (KindUsage, error) {
	concurrent, err := c.counter.CountJobs(ctx, owner, kind, models.ActiveStatuses, time.Time{})
	if err != nil {
		return KindUsage{}, fmt.Errorf("count active jobs: %w", err)
	}
	daily, err := c.counter.CountJobs(ctx, owner, kind, nil, startOfDay(c.now()))
	if err != nil {
		return KindUsage{}, fmt.Errorf("count daily jobs: %w", err)
	}
	u := KindUsage{Limits: c.LimitsFor(owner, kind), Concurrent: concurrent, Daily: daily}
	u.CanCreate = u.denial(kind) == nil
	return u, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
