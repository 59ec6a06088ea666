package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type UsageRecordRepo interface {
	// GetOrCreate returns the row for (owner, period), inserting a zeroed one
	// if none exists. Concurrent first writers all observe the same row.
	GetOrCreate(dbc dbctx.Context, owner domain.Owner, period time.Time) (*domain.UsageRecord, error)
	Get(dbc dbctx.Context, owner domain.Owner, period time.Time) (*domain.UsageRecord, error)
	Increment(dbc dbctx.Context, owner domain.Owner, period time.Time, kind domain.UsageKind, amount int64) error
	IncrementRenderMetrics(dbc dbctx.Context, owner domain.Owner, period time.Time, seconds float64, pixels int64) error
}

type usageRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageRecordRepo(db *gorm.DB, baseLog *logger.Logger) UsageRecordRepo {
	return &usageRecordRepo{db: db, log: baseLog.With("repo", "UsageRecordRepo")}
}

func (r *usageRecordRepo) Get(dbc dbctx.Context, owner domain.Owner, period time.Time) (*domain.UsageRecord, error) {
	var row domain.UsageRecord
	err := dbc.DB(r.db).
		Where("owner_type = ? AND owner_id = ? AND period_start = ?", owner.Type, owner.ID, domain.PeriodStart(period)).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *usageRecordRepo) GetOrCreate(dbc dbctx.Context, owner domain.Owner, period time.Time) (*domain.UsageRecord, error) {
	if row, err := r.Get(dbc, owner, period); err != nil || row != nil {
		return row, err
	}
	now := time.Now().UTC()
	row := &domain.UsageRecord{
		OwnerType:   owner.Type,
		OwnerID:     owner.ID,
		PeriodStart: domain.PeriodStart(period),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_type"}, {Name: "owner_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}
	got, err := r.Get(dbc, owner, period)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, fmt.Errorf("usage record for %s missing after upsert", owner)
	}
	return got, nil
}

func (r *usageRecordRepo) Increment(dbc dbctx.Context, owner domain.Owner, period time.Time, kind domain.UsageKind, amount int64) error {
	col := kind.Column()
	if col == "" {
		return fmt.Errorf("unknown usage kind %q", kind)
	}
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("usage counters cannot decrease (kind=%s amount=%d)", kind, amount)
	}
	return r.bump(dbc, owner, period, map[string]interface{}{
		col: gorm.Expr(col+" + ?", amount),
	})
}

func (r *usageRecordRepo) IncrementRenderMetrics(dbc dbctx.Context, owner domain.Owner, period time.Time, seconds float64, pixels int64) error {
	if seconds < 0 || pixels < 0 {
		return fmt.Errorf("usage counters cannot decrease (seconds=%v pixels=%d)", seconds, pixels)
	}
	if seconds == 0 && pixels == 0 {
		return nil
	}
	return r.bump(dbc, owner, period, map[string]interface{}{
		"render_seconds": gorm.Expr("render_seconds + ?", seconds),
		"render_pixels":  gorm.Expr("render_pixels + ?", pixels),
	})
}

// bump ensures the row exists and applies updates in one UPDATE statement.
func (r *usageRecordRepo) bump(dbc dbctx.Context, owner domain.Owner, period time.Time, updates map[string]interface{}) error {
	if _, err := r.GetOrCreate(dbc, owner, period); err != nil {
		return err
	}
	updates["updated_at"] = time.Now().UTC()
	res := dbc.DB(r.db).
		Model(&domain.UsageRecord{}).
		Where("owner_type = ? AND owner_id = ? AND period_start = ?", owner.Type, owner.ID, domain.PeriodStart(period)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("usage record for %s not updated", owner)
	}
	return nil
}
