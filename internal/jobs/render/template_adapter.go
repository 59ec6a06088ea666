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
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
	"github.com/yungbote/rendivia-backend/internal/platform/webhook"
	"github.com/yungbote/rendivia-backend/internal/templates"
)

type templateAdapter struct {
	repo        jobsrepo.RenderJobRepo
	usage       UsageMeter
	notifier    webhook.Notifier
	maxAttempts int
	metrics     *observability.Metrics
	log         *logger.Logger
	now         func() time.Time
}

func NewTemplateAdapter(baseLog *logger.Logger, repo jobsrepo.RenderJobRepo, usage UsageMeter, notifier webhook.Notifier, webhookAttempts int, metrics *observability.Metrics) KindAdapter {
	if webhookAttempts <= 0 {
		webhookAttempts = webhook.DefaultMaxAttempts
	}
	return &templateAdapter{
		repo:        repo,
		usage:       usage,
		notifier:    notifier,
		maxAttempts: webhookAttempts,
		metrics:     metrics,
		log:         baseLog.With("component", "TemplateRenderAdapter"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *templateAdapter) Kind() jobs.Kind                  { return jobs.KindTemplate }
func (a *templateAdapter) States() jobsrepo.RenderStateRepo { return a.repo }

func (a *templateAdapter) Load(dbc dbctx.Context, id uuid.UUID) (*Job, error) {
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

func (a *templateAdapter) record(job *Job) (*jobs.RenderJob, error) {
	row, ok := job.Record.(*jobs.RenderJob)
	if !ok {
		return nil, fmt.Errorf("render job %s: unexpected record %T", job.ID, job.Record)
	}
	return row, nil
}

// BuildProps returns the props frozen on the row at submission time.
func (a *templateAdapter) BuildProps(_ context.Context, job *Job) (map[string]any, error) {
	row, err := a.record(job)
	if err != nil {
		return nil, err
	}
	if len(row.Props) == 0 {
		return nil, errors.New("render job has no props")
	}
	var props map[string]any
	if err := json.Unmarshal(row.Props, &props); err != nil {
		return nil, fmt.Errorf("decode render props: %w", err)
	}
	return props, nil
}

func (a *templateAdapter) OutputKey(job *Job) string {
	return outputKey(billing.OwnerFor(job.UserID, job.TeamID).ID, "render", job.ID)
}

func (a *templateAdapter) AfterSuccess(ctx context.Context, job *Job, outputURL string) {
	row, err := a.record(job)
	if err != nil {
		a.log.Error("Skipping post-render work", "job_id", job.ID.String(), "error", err)
		return
	}
	owner := billing.OwnerFor(row.UserID, row.TeamID)
	pixels := templates.Pixels(row.Resolution)
	if err := a.usage.IncrementRenderMetrics(dbctx.Context{Ctx: ctx}, owner, a.now(), row.DurationSeconds, pixels); err != nil {
		a.log.Error("Failed to meter render",
			"job_id", row.ID.String(),
			"owner_id", owner.ID.String(),
			"seconds", row.DurationSeconds,
			"pixels", pixels,
			"error", err,
		)
	}
	a.notify(ctx, row, webhook.Payload{
		JobID:     row.ID.String(),
		Status:    jobs.StatusCompleted,
		OutputURL: outputURL,
		Template:  row.Template,
		Version:   row.TemplateVersion,
	})
}

func (a *templateAdapter) AfterFailure(ctx context.Context, job *Job, reason string) {
	row, err := a.record(job)
	if err != nil {
		return
	}
	a.notify(ctx, row, webhook.Payload{
		JobID:    row.ID.String(),
		Status:   jobs.StatusFailed,
		Error:    reason,
		Template: row.Template,
		Version:  row.TemplateVersion,
	})
}

func (a *templateAdapter) notify(ctx context.Context, row *jobs.RenderJob, payload webhook.Payload) {
	if strings.TrimSpace(row.WebhookURL) == "" || a.notifier == nil {
		return
	}
	res := a.notifier.Send(ctx, row.WebhookURL, row.WebhookSecret, payload, a.maxAttempts)
	out := jobsrepo.WebhookResult{Status: jobs.WebhookStatusDelivered, Attempts: res.Attempts}
	if !res.OK {
		out.Status = jobs.WebhookStatusFailed
		out.Error = res.Error
		a.log.Warn("Webhook delivery failed",
			"job_id", row.ID.String(),
			"status", payload.Status,
			"attempts", res.Attempts,
			"error", res.Error,
		)
	}
	a.metrics.IncWebhookDelivery(payload.Status, out.Status)
	if err := a.repo.SetWebhookResult(dbctx.Context{Ctx: ctx}, row.ID, out, a.now()); err != nil {
		a.log.Error("Failed to record webhook result", "job_id", row.ID.String(), "error", err)
	}
}
