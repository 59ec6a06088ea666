package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
)

// RenderStateRepo holds the conditional transitions shared by both job
// tables. Every method that changes state returns whether a row matched its
// guard, so callers can tell a lost race from an error.
type RenderStateRepo interface {
	// RequestRender moves a job whose render_status is one of from into queued.
	RequestRender(dbc dbctx.Context, id uuid.UUID, from []string, now time.Time) (bool, error)
	// ClaimRender moves a queued job into rendering for a new attempt.
	ClaimRender(dbc dbctx.Context, id uuid.UUID, now time.Time) (bool, error)
	// TakeOverRender adopts a rendering job whose heartbeat is older than staleBefore.
	TakeOverRender(dbc dbctx.Context, id uuid.UUID, staleBefore time.Time, now time.Time) (bool, error)
	SetRenderHandle(dbc dbctx.Context, id uuid.UUID, renderID, bucket string, now time.Time) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID, now time.Time) error
	MarkCompleted(dbc dbctx.Context, id uuid.UUID, outputURL string, now time.Time) (bool, error)
	MarkFailed(dbc dbctx.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
}

type renderStateOps struct {
	db    *gorm.DB
	model func() interface{}
}

func (r renderStateOps) scoped(dbc dbctx.Context, id uuid.UUID) *gorm.DB {
	return dbc.DB(r.db).Model(r.model()).Where("id = ?", id)
}

func (r renderStateOps) RequestRender(dbc dbctx.Context, id uuid.UUID, from []string, now time.Time) (bool, error) {
	if id == uuid.Nil || len(from) == 0 {
		return false, nil
	}
	res := r.scoped(dbc, id).
		Where("render_status IN ?", from).
		Updates(map[string]interface{}{
			"status":              domain.StatusQueued,
			"render_status":       domain.RenderStatusQueued,
			"render_id":           "",
			"render_bucket":       "",
			"render_error":        "",
			"output_url":          "",
			"render_started_at":   nil,
			"render_heartbeat_at": nil,
			"completed_at":        nil,
			"updated_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r renderStateOps) ClaimRender(dbc dbctx.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.scoped(dbc, id).
		Where("render_status = ?", domain.RenderStatusQueued).
		Updates(map[string]interface{}{
			"status":              domain.StatusRendering,
			"render_status":       domain.RenderStatusRendering,
			"render_attempts":     gorm.Expr("render_attempts + 1"),
			"render_started_at":   now,
			"render_heartbeat_at": now,
			"updated_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r renderStateOps) TakeOverRender(dbc dbctx.Context, id uuid.UUID, staleBefore time.Time, now time.Time) (bool, error) {
	res := r.scoped(dbc, id).
		Where("render_status = ?", domain.RenderStatusRendering).
		Where("render_heartbeat_at IS NULL OR render_heartbeat_at < ?", staleBefore).
		Updates(map[string]interface{}{
			"render_attempts":     gorm.Expr("render_attempts + 1"),
			"render_heartbeat_at": now,
			"updated_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r renderStateOps) SetRenderHandle(dbc dbctx.Context, id uuid.UUID, renderID, bucket string, now time.Time) error {
	return r.scoped(dbc, id).
		Where("render_status = ?", domain.RenderStatusRendering).
		Updates(map[string]interface{}{
			"render_id":           renderID,
			"render_bucket":       bucket,
			"render_heartbeat_at": now,
			"updated_at":          now,
		}).Error
}

func (r renderStateOps) Heartbeat(dbc dbctx.Context, id uuid.UUID, now time.Time) error {
	return r.scoped(dbc, id).
		Where("render_status = ?", domain.RenderStatusRendering).
		Updates(map[string]interface{}{
			"render_heartbeat_at": now,
			"updated_at":          now,
		}).Error
}

func (r renderStateOps) MarkCompleted(dbc dbctx.Context, id uuid.UUID, outputURL string, now time.Time) (bool, error) {
	res := r.scoped(dbc, id).
		Where("render_status = ?", domain.RenderStatusRendering).
		Updates(map[string]interface{}{
			"status":        domain.StatusCompleted,
			"render_status": domain.RenderStatusCompleted,
			"output_url":    outputURL,
			"render_error":  "",
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r renderStateOps) MarkFailed(dbc dbctx.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	if reason == "" {
		reason = "render failed"
	}
	res := r.scoped(dbc, id).
		Where("render_status IN ?", []string{domain.RenderStatusQueued, domain.RenderStatusRendering}).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"render_status": domain.RenderStatusFailed,
			"render_error":  reason,
			"output_url":    "",
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
