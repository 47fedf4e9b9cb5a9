package jobs

import (
	"context"
	"time"

	"voicejobs/internal/admission"
	"voicejobs/internal/models"
)

// KindStatistics summarizes one kind over the reporting window.
type KindStatistics struct {
	Total                int                   `json:"total"`
	ByStatus             map[models.Status]int `json:"by_status"`
	SuccessRate          float64               `json:"success_rate"`
	AvgProcessingSeconds float64               `json:"avg_processing_seconds"`
}

// Statistics is the per-kind report for an owner, or system wide when Owner is empty.
type Statistics struct {
	Owner      string                         `json:"owner,omitempty"`
	PeriodDays int                            `json:"period_days"`
	Since      time.Time                      `json:"since"`
	Kinds      map[models.Kind]KindStatistics `json:"kinds"`
}

// Statistics reports jobs created in the last periodDays (default 30).
// An empty owner asks for system-wide figures and requires an administrator.
func (s *Service) Statistics(ctx context.Context, req Requester, owner string, periodDays int) (Statistics, error) {
	if !req.Admin {
		if owner == "" {
			owner = req.ID
		}
		if !req.may(owner) {
			return Statistics{}, models.ErrForbidden
		}
	}
	if periodDays <= 0 {
		periodDays = 30
	}
	since := s.now().AddDate(0, 0, -periodDays)
	raw, err := s.repo.JobStats(ctx, owner, since)
	if err != nil {
		return Statistics{}, err
	}
	out := Statistics{Owner: owner, PeriodDays: periodDays, Since: since, Kinds: make(map[models.Kind]KindStatistics, len(models.Kinds))}
	for _, k := range models.Kinds {
		ks := raw[k]
		byStatus := ks.ByStatus
		if byStatus == nil {
			byStatus = map[models.Status]int{}
		}
		out.Kinds[k] = KindStatistics{
			Total:                ks.Total,
			ByStatus:             byStatus,
			SuccessRate:          ks.SuccessRate(),
			AvgProcessingSeconds: ks.AvgProcessingSeconds,
		}
	}
	return out, nil
}

// UserLimits reports the owner's limits, current usage and whether another job of each kind fits.
func (s *Service) UserLimits(ctx context.Context, req Requester, owner string) (admission.Usage, error) {
	if owner == "" {
		owner = req.ID
	}
	if !req.may(owner) {
		return admission.Usage{}, models.ErrForbidden
	}
	return s.admit.Usage(ctx, owner)
}
