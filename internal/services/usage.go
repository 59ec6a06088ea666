package services

import (
	"fmt"
	"time"

	"github.com/yungbote/rendivia-backend/internal/billing/plans"
	billingrepo "github.com/yungbote/rendivia-backend/internal/data/repos/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type LimitCheck struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

type UsageSnapshot struct {
	Owner       billing.Owner        `json:"-"`
	PlanID      string               `json:"plan_id"`
	PeriodStart time.Time            `json:"period_start"`
	Usage       *billing.UsageRecord `json:"usage"`
	Limits      plans.Limits         `json:"limits"`
}

type UsageService interface {
	GetOrCreate(dbc dbctx.Context, owner billing.Owner, at time.Time) (*billing.UsageRecord, error)
	Increment(dbc dbctx.Context, owner billing.Owner, at time.Time, kind billing.UsageKind, amount int64) error
	IncrementRenderMetrics(dbc dbctx.Context, owner billing.Owner, at time.Time, seconds float64, pixels int64) error
	// CheckLimit reads the owner's current counter for kind and compares it
	// against the plan's monthly limit.
	CheckLimit(dbc dbctx.Context, owner billing.Owner, planID string, kind billing.UsageKind, at time.Time) (LimitCheck, error)
	Current(dbc dbctx.Context, owner billing.Owner, planID string, at time.Time) (*UsageSnapshot, error)
}

type usageService struct {
	log  *logger.Logger
	repo billingrepo.UsageRecordRepo
}

func NewUsageService(baseLog *logger.Logger, repo billingrepo.UsageRecordRepo) UsageService {
	return &usageService{log: baseLog.With("service", "UsageService"), repo: repo}
}

func (s *usageService) GetOrCreate(dbc dbctx.Context, owner billing.Owner, at time.Time) (*billing.UsageRecord, error) {
	return s.repo.GetOrCreate(dbc, owner, billing.PeriodStart(at))
}

func (s *usageService) Increment(dbc dbctx.Context, owner billing.Owner, at time.Time, kind billing.UsageKind, amount int64) error {
	if err := s.repo.Increment(dbc, owner, billing.PeriodStart(at), kind, amount); err != nil {
		return fmt.Errorf("increment %s usage: %w", kind, err)
	}
	return nil
}

func (s *usageService) IncrementRenderMetrics(dbc dbctx.Context, owner billing.Owner, at time.Time, seconds float64, pixels int64) error {
	if err := s.repo.IncrementRenderMetrics(dbc, owner, billing.PeriodStart(at), seconds, pixels); err != nil {
		return fmt.Errorf("increment render metrics: %w", err)
	}
	return nil
}

func (s *usageService) CheckLimit(dbc dbctx.Context, owner billing.Owner, planID string, kind billing.UsageKind, at time.Time) (LimitCheck, error) {
	limit := plans.Limit(planID, kind)
	row, err := s.repo.GetOrCreate(dbc, owner, billing.PeriodStart(at))
	if err != nil {
		return LimitCheck{}, err
	}
	current := row.Count(kind)
	return LimitCheck{Allowed: plans.Allows(limit, current), Limit: limit, Current: current}, nil
}

func (s *usageService) Current(dbc dbctx.Context, owner billing.Owner, planID string, at time.Time) (*UsageSnapshot, error) {
	row, err := s.repo.GetOrCreate(dbc, owner, billing.PeriodStart(at))
	if err != nil {
		return nil, err
	}
	p := plans.Lookup(planID)
	return &UsageSnapshot{
		Owner:       owner,
		PlanID:      p.ID,
		PeriodStart: billing.PeriodStart(at),
		Usage:       row,
		Limits:      p.Limits,
	}, nil
}
