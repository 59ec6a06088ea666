package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
	"github.com/yungbote/rendivia-backend/internal/templates"
)

// UsageMeter is the slice of the usage ledger the adapters write to.
type UsageMeter interface {
	Increment(dbc dbctx.Context, owner billing.Owner, at time.Time, kind billing.UsageKind, amount int64) error
	IncrementRenderMetrics(dbc dbctx.Context, owner billing.Owner, at time.Time, seconds float64, pixels int64) error
}

type captionAdapter struct {
	repo  jobsrepo.CaptionJobRepo
	usage UsageMeter
	log   *logger.Logger
	now   func() time.Time
}

func NewCaptionAdapter(baseLog *logger.Logger, repo jobsrepo.CaptionJobRepo, usage UsageMeter) KindAdapter {
	return &captionAdapter{
		repo:  repo,
		usage: usage,
		log:   baseLog.With("component", "CaptionRenderAdapter"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (a *captionAdapter) Kind() jobs.Kind                  { return jobs.KindCaption }
func (a *captionAdapter) States() jobsrepo.RenderStateRepo { return a.repo }

func (a *captionAdapter) Load(dbc dbctx.Context, id uuid.UUID) (*Job, error) {
	row, err := a.repo.GetByID(dbc, id)
	if err != nil || row == nil {
		return nil, err
	}
	return &Job{
		ID:          row.ID,
		UserID:      row.UserID,
		TeamID:      row.TeamID,
		Composition: row.Composition,
		State:       row.RenderState,
		Record:      row,
	}, nil
}

func (a *captionAdapter) BuildProps(_ context.Context, job *Job) (map[string]any, error) {
	row, ok := job.Record.(*jobs.CaptionJob)
	if !ok {
		return nil, fmt.Errorf("caption job %s: unexpected record %T", job.ID, job.Record)
	}
	if strings.TrimSpace(row.SourceVideoURL) == "" {
		return nil, errors.New("caption job has no source video")
	}
	if len(row.Captions) == 0 {
		return nil, errors.New("caption job has no captions")
	}
	props := map[string]any{
		"videoUrl":          row.SourceVideoURL,
		"captions":          json.RawMessage(row.Captions),
		"durationInSeconds": row.DurationSeconds,
		"watermark":         row.Watermark,
	}
	if len(row.Timeline) > 0 {
		props["timeline"] = json.RawMessage(row.Timeline)
	}
	if len(row.Style) > 0 {
		props["style"] = json.RawMessage(row.Style)
	}
	if w, h, err := templates.ParseResolution(row.Resolution); err == nil {
		props["width"] = w
		props["height"] = h
	}
	return props, nil
}

func (a *captionAdapter) OutputKey(job *Job) string {
	return outputKey(billing.OwnerFor(job.UserID, job.TeamID).ID, "caption", job.ID)
}

func (a *captionAdapter) AfterSuccess(ctx context.Context, job *Job, _ string) {
	owner := billing.OwnerFor(job.UserID, job.TeamID)
	if err := a.usage.Increment(dbctx.Context{Ctx: ctx}, owner, a.now(), billing.UsageVideos, 1); err != nil {
		a.log.Error("Failed to meter captioned video", "job_id", job.ID.String(), "owner_id", owner.ID.String(), "error", err)
	}
}

func (a *captionAdapter) AfterFailure(context.Context, *Job, string) {}
