package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type CaptionJobRepo interface {
	RenderStateRepo
	Create(dbc dbctx.Context, job *domain.CaptionJob) (*domain.CaptionJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.CaptionJob, error)
	GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.CaptionJob, error)
	SetWatermark(dbc dbctx.Context, id uuid.UUID, on bool, now time.Time) error
}

type captionJobRepo struct {
	renderStateOps
	db  *gorm.DB
	log *logger.Logger
}

func NewCaptionJobRepo(db *gorm.DB, baseLog *logger.Logger) CaptionJobRepo {
	return &captionJobRepo{
		renderStateOps: renderStateOps{db: db, model: func() interface{} { return &domain.CaptionJob{} }},
		db:             db,
		log:            baseLog.With("repo", "CaptionJobRepo"),
	}
}

func (r *captionJobRepo) Create(dbc dbctx.Context, job *domain.CaptionJob) (*domain.CaptionJob, error) {
	if job == nil {
		return nil, errors.New("nil caption job")
	}
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	if err := dbc.DB(r.db).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID returns (nil, nil) when the job does not exist.
func (r *captionJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.CaptionJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.CaptionJob
	err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *captionJobRepo) GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.CaptionJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.CaptionJob
	err := ownerScope(dbc.DB(r.db).Where("id = ?", id), userID, teamID).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *captionJobRepo) SetWatermark(dbc dbctx.Context, id uuid.UUID, on bool, now time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	return r.scoped(dbc, id).Updates(map[string]interface{}{
		"watermark":  on,
		"updated_at": now,
	}).Error
}

// ownerScope limits a query to rows the user owns or rows of the caller's team.
func ownerScope(q *gorm.DB, userID uuid.UUID, teamID *uuid.UUID) *gorm.DB {
	if teamID != nil && *teamID != uuid.Nil {
		return q.Where("(user_id = ? OR team_id = ?)", userID, *teamID)
	}
	return q.Where("user_id = ?", userID)
}
