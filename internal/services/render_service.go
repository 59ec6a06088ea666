package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/rendivia-backend/internal/billing/plans"
	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/brand"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/apierr"
	"github.com/yungbote/rendivia-backend/internal/platform/ctxutil"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
	"github.com/yungbote/rendivia-backend/internal/templates"
)

// Enqueuer publishes render messages. *redis.RenderQueue implements it.
type Enqueuer interface {
	Send(ctx context.Context, body []byte) (string, error)
}

type WebhookTarget struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type SubmitRenderRequest struct {
	Template string          `json:"template"`
	Data     json.RawMessage `json:"data"`
	Brand    string          `json:"brand,omitempty"`
	Webhook  *WebhookTarget  `json:"webhook,omitempty"`
}

type SubmitRenderResult struct {
	JobID  uuid.UUID `json:"jobId"`
	Status string    `json:"status"`
}

type RenderService interface {
	// SubmitTemplateRender validates, stores and enqueues a template render
	// for the API-key caller on dbc.Ctx.
	SubmitTemplateRender(dbc dbctx.Context, req SubmitRenderRequest) (*SubmitRenderResult, error)
	GetRenderJob(dbc dbctx.Context, id uuid.UUID) (*jobs.RenderJob, error)
	RetryRenderJob(dbc dbctx.Context, id uuid.UUID) (*jobs.RenderJob, error)
	GetCaptionJob(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error)
	RequestCaptionRender(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error)
	RetryCaptionJob(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error)
}

type renderService struct {
	log      *logger.Logger
	renders  jobsrepo.RenderJobRepo
	captions jobsrepo.CaptionJobRepo
	usage    UsageService
	brands   BrandResolver
	queue    Enqueuer
	now      func() time.Time
}

func NewRenderService(
	baseLog *logger.Logger,
	renders jobsrepo.RenderJobRepo,
	captions jobsrepo.CaptionJobRepo,
	usage UsageService,
	brands BrandResolver,
	queue Enqueuer,
) RenderService {
	return &renderService{
		log:      baseLog.With("service", "RenderService"),
		renders:  renders,
		captions: captions,
		usage:    usage,
		brands:   brands,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func principal(ctx context.Context) (*ctxutil.Principal, error) {
	p := ctxutil.GetPrincipal(ctx)
	if p == nil || p.UserID == uuid.Nil {
		return nil, apierr.Unauthorized("unauthorized", errors.New("missing or invalid credentials"))
	}
	return p, nil
}

func (s *renderService) SubmitTemplateRender(dbc dbctx.Context, req SubmitRenderRequest) (*SubmitRenderResult, error) {
	p, err := principal(dbc.Ctx)
	if err != nil {
		return nil, err
	}
	if !p.ViaAPIKey {
		return nil, apierr.Forbidden("api_key_required", errors.New("template renders require an API key"))
	}

	if err := validateSubmitBody(&req); err != nil {
		return nil, err
	}
	tmpl, ok := templates.Lookup(req.Template)
	if !ok {
		return nil, apierr.BadRequest("unknown_template", fmt.Errorf("unknown template %q", req.Template))
	}
	input, issues := tmpl.Validate(req.Data)
	if len(issues) > 0 {
		e := apierr.BadRequest("validation_failed", fmt.Errorf("data does not match template %s", tmpl.ID()))
		e.Details = issues
		return nil, e
	}
	duration := tmpl.DurationSeconds(input)
	resolution := tmpl.Resolution(input)

	if err := checkPlanFeatures(p.PlanID, req, duration, resolution); err != nil {
		return nil, err
	}
	owner := billing.OwnerFor(p.UserID, p.TeamID)
	now := s.now()
	for _, kind := range []billing.UsageKind{billing.UsageAPICalls, billing.UsageRenders} {
		chk, err := s.usage.CheckLimit(dbc, owner, p.PlanID, kind, now)
		if err != nil {
			return nil, apierr.Internal("usage_unavailable", err)
		}
		if !chk.Allowed {
			return nil, apierr.TooMany(string(kind)+"_limit_reached",
				fmt.Errorf("monthly %s limit of %d reached", kind, chk.Limit))
		}
	}

	var b *brand.BrandProfile
	if req.Brand != "" {
		b, err = s.brands.Resolve(dbc, req.Brand, p.UserID, p.TeamID)
		if errors.Is(err, ErrBrandNotFound) {
			return nil, apierr.BadRequest("unknown_brand", fmt.Errorf("brand %q not found", req.Brand))
		}
		if err != nil {
			return nil, apierr.Internal("brand_lookup_failed", err)
		}
	}
	built := tmpl.BuildProps(input, b)
	built["watermark"] = watermarked(p.PlanID)
	props, err := json.Marshal(built)
	if err != nil {
		return nil, apierr.Internal("build_props_failed", err)
	}
	if s.queue == nil {
		return nil, apierr.Internal("queue_not_configured", errors.New("render queue is not configured"))
	}

	row := &jobs.RenderJob{
		UserID:          p.UserID,
		TeamID:          p.TeamID,
		APIKeyID:        p.APIKeyID,
		Template:        tmpl.ID(),
		TemplateVersion: tmpl.Version(),
		Composition:     tmpl.Composition(),
		Input:           datatypes.JSON(bytes.TrimSpace(req.Data)),
		Props:           datatypes.JSON(props),
		DurationSeconds: duration,
		Resolution:      resolution,
	}
	if b != nil {
		row.BrandID = &b.ID
	}
	if req.Webhook != nil {
		row.WebhookURL = req.Webhook.URL
		row.WebhookSecret = req.Webhook.Secret
	}
	if _, err := s.renders.Create(dbc, row); err != nil {
		return nil, apierr.Internal("job_create_failed", err)
	}
	if err := s.enqueue(dbc, s.renders, row.ID, jobs.TemplateRenderMessage(row.ID.String(), now)); err != nil {
		return nil, err
	}

	if err := s.usage.Increment(dbc, owner, now, billing.UsageAPICalls, 1); err != nil {
		s.log.Error("Failed to meter api call", "job_id", row.ID.String(), "owner_id", owner.ID.String(), "error", err)
	}
	if err := s.usage.Increment(dbc, owner, now, billing.UsageRenders, 1); err != nil {
		s.log.Error("Failed to meter render", "job_id", row.ID.String(), "owner_id", owner.ID.String(), "error", err)
	}
	s.log.Info("Template render queued", "job_id", row.ID.String(), "template", row.Template, "owner_id", owner.ID.String())
	return &SubmitRenderResult{JobID: row.ID, Status: jobs.StatusQueued}, nil
}

func validateSubmitBody(req *SubmitRenderRequest) error {
	req.Template = strings.TrimSpace(req.Template)
	req.Brand = strings.TrimSpace(req.Brand)
	if req.Template == "" {
		return apierr.BadRequest("invalid_body", errors.New("template is required"))
	}
	if req.Webhook != nil {
		req.Webhook.URL = strings.TrimSpace(req.Webhook.URL)
		u, err := url.Parse(req.Webhook.URL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apierr.BadRequest("invalid_webhook_url", errors.New("webhook.url must be an absolute http(s) URL"))
		}
	}
	return nil
}

func checkPlanFeatures(planID string, req SubmitRenderRequest, duration float64, resolution string) error {
	plan := plans.Lookup(planID)
	if !plans.HasFeature(plan.ID, plans.FeatureAPIAccess) {
		return apierr.Forbidden("plan_api_access", fmt.Errorf("plan %s does not include API access", plan.ID))
	}
	if req.Webhook != nil && !plans.HasFeature(plan.ID, plans.FeatureWebhooks) {
		return apierr.Forbidden("plan_webhooks", fmt.Errorf("plan %s does not include webhooks", plan.ID))
	}
	if req.Brand != "" && !plans.HasFeature(plan.ID, plans.FeatureBrandKits) {
		return apierr.Forbidden("plan_brand_kits", fmt.Errorf("plan %s does not include brand kits", plan.ID))
	}
	if limit := plan.Limits.MaxDurationSeconds; limit > 0 && duration > float64(limit) {
		return apierr.Forbidden("plan_max_duration", fmt.Errorf("duration %.0fs exceeds the %ds allowed on plan %s", duration, limit, plan.ID))
	}
	if limit := templates.Pixels(plan.Limits.MaxResolution); limit > 0 && templates.Pixels(resolution) > limit {
		return apierr.Forbidden("plan_max_resolution", fmt.Errorf("resolution %s exceeds %s allowed on plan %s", resolution, plan.Limits.MaxResolution, plan.ID))
	}
	return nil
}

// watermarked reports whether renders for planID carry the Rendivia watermark.
func watermarked(planID string) bool {
	return !plans.HasFeature(planID, plans.FeatureRemoveWatermark)
}

// enqueue sends msg for a stored job. If the send fails the job is failed
// so no queued row is left without a message.
func (s *renderService) enqueue(dbc dbctx.Context, states jobsrepo.RenderStateRepo, id uuid.UUID, msg jobs.RenderMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apierr.Internal("enqueue_failed", err)
	}
	if _, err := s.queue.Send(dbc.Ctx, body); err != nil {
		reason := "enqueue failed: " + err.Error()
		if _, ferr := states.MarkFailed(dbctx.Context{Ctx: context.WithoutCancel(dbc.Ctx)}, id, reason, s.now()); ferr != nil {
			s.log.Error("Failed to fail unqueued job", "job_id", id.String(), "error", ferr)
		}
		return apierr.Internal("enqueue_failed", err)
	}
	return nil
}

func (s *renderService) GetRenderJob(dbc dbctx.Context, id uuid.UUID) (*jobs.RenderJob, error) {
	p, err := principal(dbc.Ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.renders.GetByIDForOwner(dbc, id, p.UserID, p.TeamID)
	if err != nil {
		return nil, apierr.Internal("job_lookup_failed", err)
	}
	if row == nil {
		return nil, apierr.NotFound("job_not_found", fmt.Errorf("Render job not found: %s", id))
	}
	return row, nil
}

func (s *renderService) RetryRenderJob(dbc dbctx.Context, id uuid.UUID) (*jobs.RenderJob, error) {
	row, err := s.GetRenderJob(dbc, id)
	if err != nil {
		return nil, err
	}
	if s.queue == nil {
		return nil, apierr.Internal("queue_not_configured", errors.New("render queue is not configured"))
	}
	ok, err := s.renders.RequestRender(dbc, row.ID, []string{jobs.RenderStatusFailed}, s.now())
	if err != nil {
		return nil, apierr.Internal("job_update_failed", err)
	}
	if !ok {
		return nil, apierr.Conflict("job_not_failed", fmt.Errorf("render job %s is %s; only failed jobs can be retried", row.ID, row.Status))
	}
	if err := s.renders.ResetWebhook(dbc, row.ID); err != nil {
		s.log.Warn("Failed to reset webhook fields", "job_id", row.ID.String(), "error", err)
	}
	if err := s.enqueue(dbc, s.renders, row.ID, jobs.TemplateRenderMessage(row.ID.String(), s.now())); err != nil {
		return nil, err
	}
	s.log.Info("Template render retried", "job_id", row.ID.String())
	return s.GetRenderJob(dbc, id)
}

func (s *renderService) GetCaptionJob(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error) {
	p, err := principal(dbc.Ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.captions.GetByIDForOwner(dbc, id, p.UserID, p.TeamID)
	if err != nil {
		return nil, apierr.Internal("job_lookup_failed", err)
	}
	if row == nil {
		return nil, apierr.NotFound("job_not_found", fmt.Errorf("Caption job not found: %s", id))
	}
	return row, nil
}

func (s *renderService) RequestCaptionRender(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error) {
	return s.queueCaptionRender(dbc, id, []string{jobs.RenderStatusNone, jobs.RenderStatusFailed}, true)
}

func (s *renderService) RetryCaptionJob(dbc dbctx.Context, id uuid.UUID) (*jobs.CaptionJob, error) {
	return s.queueCaptionRender(dbc, id, []string{jobs.RenderStatusFailed}, false)
}

func (s *renderService) queueCaptionRender(dbc dbctx.Context, id uuid.UUID, from []string, checkLimit bool) (*jobs.CaptionJob, error) {
	p, err := principal(dbc.Ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.GetCaptionJob(dbc, id)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(row.Captions)) == 0 {
		return nil, apierr.Conflict("captions_not_ready", fmt.Errorf("caption job %s has no captions yet", row.ID))
	}
	if s.queue == nil {
		return nil, apierr.Internal("queue_not_configured", errors.New("render queue is not configured"))
	}
	if checkLimit {
		chk, err := s.usage.CheckLimit(dbc, billing.OwnerFor(row.UserID, row.TeamID), p.PlanID, billing.UsageVideos, s.now())
		if err != nil {
			return nil, apierr.Internal("usage_unavailable", err)
		}
		if !chk.Allowed {
			return nil, apierr.TooMany("videos_limit_reached", fmt.Errorf("monthly videos limit of %d reached", chk.Limit))
		}
	}

	ok, err := s.captions.RequestRender(dbc, row.ID, from, s.now())
	if err != nil {
		return nil, apierr.Internal("job_update_failed", err)
	}
	if !ok {
		return nil, apierr.Conflict("render_conflict", fmt.Errorf("caption job %s cannot be rendered while %s", row.ID, renderStateLabel(row.RenderStatus)))
	}
	if err := s.captions.SetWatermark(dbc, row.ID, watermarked(p.PlanID), s.now()); err != nil {
		if _, ferr := s.captions.MarkFailed(dbctx.Context{Ctx: context.WithoutCancel(dbc.Ctx)}, row.ID, "watermark update failed: "+err.Error(), s.now()); ferr != nil {
			s.log.Error("Failed to fail unqueued job", "job_id", row.ID.String(), "error", ferr)
		}
		return nil, apierr.Internal("job_update_failed", err)
	}
	msg := jobs.CaptionRenderMessage(row.ID.String(), row.UserID.String(), s.now())
	if err := s.enqueue(dbc, s.captions, row.ID, msg); err != nil {
		return nil, err
	}
	s.log.Info("Caption render queued", "job_id", row.ID.String())
	return s.GetCaptionJob(dbc, id)
}

func renderStateLabel(status string) string {
	if status == jobs.RenderStatusNone {
		return "never rendered"
	}
	return status
}
