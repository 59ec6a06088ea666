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

type WebhookResult struct {
	Status   string
	Error    string
	Attempts int
}

type RenderJobRepo interface {
	RenderStateRepo
	Create(dbc dbctx.Context, job *domain.RenderJob) (*domain.RenderJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.RenderJob, error)
	GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.RenderJob, error)
	SetWebhookResult(dbc dbctx.Context, id uuid.UUID, res WebhookResult, now time.Time) error
	ResetWebhook(dbc dbctx.Context, id uuid.UUID) error
}

type renderJobRepo struct {
	renderStateOps
	db  *gorm.DB
	log *logger.Logger
}

func NewRenderJobRepo(db *gorm.DB, baseLog *logger.Logger) RenderJobRepo {
	return &renderJobRepo{
		renderStateOps: renderStateOps{db: db, model: func() interface{} { return &domain.RenderJob{} }},
		db:             db,
		log:            baseLog.With("repo", "RenderJobRepo"),
	}
}

func (r *renderJobRepo) Create(dbc dbctx.Context, job *domain.RenderJob) (*domain.RenderJob, error) {
	if job == nil {
		return nil, errors.New("nil render job")
	}
	if job.Status == "" {
		job.Status = domain.StatusQueued
		job.RenderStatus = domain.RenderStatusQueued
	}
	if err := dbc.DB(r.db).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID returns (nil, nil) when the job does not exist.
func (r *renderJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.RenderJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.RenderJob
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error; err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *renderJobRepo) GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.RenderJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.RenderJob
	err := ownerScope(dbc.DB(r.db).Where("id = ?", id), userID, teamID).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *renderJobRepo) SetWebhookResult(dbc dbctx.Context, id uuid.UUID, res WebhookResult, now time.Time) error {
	return r.scoped(dbc, id).Updates(map[string]interface{}{
		"webhook_status":   res.Status,
		"webhook_error":    res.Error,
		"webhook_attempts": gorm.Expr("webhook_attempts + ?", res.Attempts),
		"updated_at":       now,
	}).Error
}

func (r *renderJobRepo) ResetWebhook(dbc dbctx.Context, id uuid.UUID) error {
	return r.scoped(dbc, id).Updates(map[string]interface{}{
		"webhook_status":   "",
		"webhook_error":    "",
		"webhook_attempts": 0,
		"updated_at":       time.Now().UTC(),
	}).Error
}
