package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	billingrepo "github.com/yungbote/rendivia-backend/internal/data/repos/billing"
	brandrepo "github.com/yungbote/rendivia-backend/internal/data/repos/brand"
	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/data/repos/testutil"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/apierr"
	"github.com/yungbote/rendivia-backend/internal/platform/ctxutil"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/templates"
)

type fakeQueue struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (q *fakeQueue) Send(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.bodies = append(q.bodies, string(body))
	return "m-1", nil
}

type serviceFixture struct {
	svc      RenderService
	usage    UsageService
	renders  jobsrepo.RenderJobRepo
	captions jobsrepo.CaptionJobRepo
	queue    *fakeQueue
	db       *gorm.DB
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	f := &serviceFixture{
		usage:    NewUsageService(log, billingrepo.NewUsageRecordRepo(db, log)),
		renders:  jobsrepo.NewRenderJobRepo(db, log),
		captions: jobsrepo.NewCaptionJobRepo(db, log),
		queue:    &fakeQueue{},
		db:       db,
	}
	brands := NewBrandResolver(log, brandrepo.NewBrandProfileRepo(db, log))
	f.svc = NewRenderService(log, f.renders, f.captions, f.usage, brands, f.queue)
	return f
}

func apiKeyCtx(userID uuid.UUID, planID string) dbctx.Context {
	keyID := uuid.New()
	ctx := ctxutil.WithPrincipal(context.Background(), &ctxutil.Principal{
		UserID:    userID,
		PlanID:    planID,
		APIKeyID:  &keyID,
		ViaAPIKey: true,
	})
	return dbctx.Context{Ctx: ctx}
}

func sessionCtx(userID uuid.UUID, planID string) dbctx.Context {
	ctx := ctxutil.WithPrincipal(context.Background(), &ctxutil.Principal{UserID: userID, PlanID: planID})
	return dbctx.Context{Ctx: ctx}
}

func promoRequest() SubmitRenderRequest {
	return SubmitRenderRequest{
		Template: "product-promo",
		Data:     json.RawMessage(`{"productName":"Widget","imageUrl":"https://cdn.example.com/w.png"}`),
	}
}

func wantAPIErr(t *testing.T, err error, status int, code string) *apierr.Error {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("want *apierr.Error %d/%s got=%v", status, code, err)
	}
	if ae.Status != status || ae.Code != code {
		t.Fatalf("api error: want=%d/%s got=%d/%s (%v)", status, code, ae.Status, ae.Code, ae.Err)
	}
	return ae
}

func TestSubmitTemplateRenderQueuesJob(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	testutil.SeedBrand(t, f.db, user, nil, "Acme")
	dbc := apiKeyCtx(user, "pro")

	req := promoRequest()
	req.Brand = "acme"
	req.Webhook = &WebhookTarget{URL: "https://hooks.example.com/rendivia", Secret: "whsec"}
	res, err := f.svc.SubmitTemplateRender(dbc, req)
	if err != nil {
		t.Fatalf("SubmitTemplateRender: %v", err)
	}
	if res.Status != "queued" || res.JobID == uuid.Nil {
		t.Fatalf("result: %+v", res)
	}

	row, err := f.renders.GetByID(dbctx.Background(), res.JobID)
	if err != nil || row == nil {
		t.Fatalf("GetByID: row=%v err=%v", row, err)
	}
	if row.Status != jobs.StatusQueued || row.RenderStatus != jobs.RenderStatusQueued {
		t.Fatalf("state: status=%q render_status=%q", row.Status, row.RenderStatus)
	}
	if row.Template != "product-promo" || row.TemplateVersion != "1" || row.Composition != "ProductPromo" {
		t.Fatalf("template fields: %s v%s %s", row.Template, row.TemplateVersion, row.Composition)
	}
	if row.Resolution != "1920x1080" || row.DurationSeconds != 15 || row.BrandID == nil {
		t.Fatalf("derived fields: res=%s dur=%v brand=%v", row.Resolution, row.DurationSeconds, row.BrandID)
	}
	if row.WebhookURL != req.Webhook.URL || row.WebhookSecret != "whsec" || row.APIKeyID == nil {
		t.Fatalf("webhook/api key fields not stored")
	}
	var props map[string]any
	if err := json.Unmarshal(row.Props, &props); err != nil {
		t.Fatalf("props: %v", err)
	}
	if b, _ := props["brand"].(map[string]any); b["name"] != "Acme" {
		t.Fatalf("brand props: %v", props["brand"])
	}
	if props["watermark"] != false {
		t.Fatalf("pro plan watermark: want=false got=%v", props["watermark"])
	}

	if len(f.queue.bodies) != 1 {
		t.Fatalf("messages: want=1 got=%d", len(f.queue.bodies))
	}
	_, kind, id, err := jobs.ParseRenderMessage([]byte(f.queue.bodies[0]))
	if err != nil || kind != jobs.KindTemplate || id != row.ID.String() {
		t.Fatalf("message: kind=%s id=%s err=%v body=%s", kind, id, err, f.queue.bodies[0])
	}

	usage, err := f.usage.GetOrCreate(dbctx.Background(), billing.OwnerFor(user, nil), time.Now())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.APICallsCount != 1 || usage.RendersCount != 1 {
		t.Fatalf("usage counters: api_calls=%d renders=%d", usage.APICallsCount, usage.RendersCount)
	}
}

func TestSubmitTemplateRenderRejections(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()

	badWebhook := promoRequest()
	badWebhook.Webhook = &WebhookTarget{URL: "/relative"}
	badData := promoRequest()
	badData.Data = json.RawMessage(`{"productName":""}`)
	unknown := promoRequest()
	unknown.Template = "gif-maker"
	missing := promoRequest()
	missing.Template = " "
	unknownBrand := promoRequest()
	unknownBrand.Brand = "Nope"

	tests := []struct {
		name   string
		dbc    dbctx.Context
		req    SubmitRenderRequest
		status int
		code   string
	}{
		{name: "no principal", dbc: dbctx.Background(), req: promoRequest(), status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "session caller", dbc: sessionCtx(user, "pro"), req: promoRequest(), status: http.StatusForbidden, code: "api_key_required"},
		{name: "missing template", dbc: apiKeyCtx(user, "pro"), req: missing, status: http.StatusBadRequest, code: "invalid_body"},
		{name: "bad webhook", dbc: apiKeyCtx(user, "pro"), req: badWebhook, status: http.StatusBadRequest, code: "invalid_webhook_url"},
		{name: "unknown template", dbc: apiKeyCtx(user, "pro"), req: unknown, status: http.StatusBadRequest, code: "unknown_template"},
		{name: "schema", dbc: apiKeyCtx(user, "pro"), req: badData, status: http.StatusBadRequest, code: "validation_failed"},
		{name: "free plan", dbc: apiKeyCtx(user, "free"), req: promoRequest(), status: http.StatusForbidden, code: "plan_api_access"},
		{name: "unknown brand", dbc: apiKeyCtx(user, "pro"), req: unknownBrand, status: http.StatusBadRequest, code: "unknown_brand"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SubmitTemplateRender(tc.dbc, tc.req)
			ae := wantAPIErr(t, err, tc.status, tc.code)
			if tc.code == "validation_failed" {
				issues, ok := ae.Details.([]templates.Issue)
				if !ok || len(issues) == 0 {
					t.Fatalf("issues: %v", ae.Details)
				}
			}
		})
	}
	if len(f.queue.bodies) != 0 {
		t.Fatalf("rejected requests enqueued %d messages", len(f.queue.bodies))
	}
}

func TestSubmitTemplateRenderAPICallLimit(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	if err := f.usage.Increment(dbctx.Background(), billing.OwnerFor(user, nil), time.Now(), billing.UsageAPICalls, 1000); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	_, err := f.svc.SubmitTemplateRender(apiKeyCtx(user, "pro"), promoRequest())
	wantAPIErr(t, err, http.StatusTooManyRequests, "api_calls_limit_reached")

	// business allows 10000 calls, so the same owner passes on a bigger plan.
	if _, err := f.svc.SubmitTemplateRender(apiKeyCtx(user, "business"), promoRequest()); err != nil {
		t.Fatalf("business plan: %v", err)
	}
}

func TestSubmitTemplateRenderEnqueueFailureFailsJob(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.err = errors.New("connection refused")
	user := uuid.New()

	_, err := f.svc.SubmitTemplateRender(apiKeyCtx(user, "pro"), promoRequest())
	wantAPIErr(t, err, http.StatusInternalServerError, "enqueue_failed")

	var rows []jobs.RenderJob
	if err := f.db.Find(&rows).Error; err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: want=1 got=%d", len(rows))
	}
	if rows[0].RenderStatus != jobs.RenderStatusFailed || rows[0].RenderError != "enqueue failed: connection refused" {
		t.Fatalf("orphan guard: render_status=%q render_error=%q", rows[0].RenderStatus, rows[0].RenderError)
	}
	usage, _ := f.usage.GetOrCreate(dbctx.Background(), billing.OwnerFor(user, nil), time.Now())
	if usage.APICallsCount != 0 {
		t.Fatalf("failed submission metered: %d", usage.APICallsCount)
	}
}

func TestRetryRenderJob(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	dbc := apiKeyCtx(user, "pro")
	req := promoRequest()
	req.Webhook = &WebhookTarget{URL: "https://hooks.example.com/r"}
	res, err := f.svc.SubmitTemplateRender(dbc, req)
	if err != nil {
		t.Fatalf("SubmitTemplateRender: %v", err)
	}

	_, err = f.svc.RetryRenderJob(dbc, res.JobID)
	wantAPIErr(t, err, http.StatusConflict, "job_not_failed")

	now := time.Now().UTC()
	bg := dbctx.Background()
	if ok, err := f.renders.MarkFailed(bg, res.JobID, "out of memory", now); err != nil || !ok {
		t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
	}
	if err := f.renders.SetWebhookResult(bg, res.JobID, jobsrepo.WebhookResult{Status: jobs.WebhookStatusFailed, Error: "503", Attempts: 3}, now); err != nil {
		t.Fatalf("SetWebhookResult: %v", err)
	}

	row, err := f.svc.RetryRenderJob(sessionCtx(user, "pro"), res.JobID)
	if err != nil {
		t.Fatalf("RetryRenderJob: %v", err)
	}
	if row.Status != jobs.StatusQueued || row.RenderStatus != jobs.RenderStatusQueued || row.RenderError != "" {
		t.Fatalf("retried state: status=%q render_status=%q error=%q", row.Status, row.RenderStatus, row.RenderError)
	}
	if row.WebhookStatus != "" || row.WebhookError != "" || row.WebhookAttempts != 0 {
		t.Fatalf("webhook fields not reset: %q %q %d", row.WebhookStatus, row.WebhookError, row.WebhookAttempts)
	}
	if len(f.queue.bodies) != 2 {
		t.Fatalf("messages: want=2 got=%d", len(f.queue.bodies))
	}

	_, err = f.svc.RetryRenderJob(sessionCtx(uuid.New(), "pro"), res.JobID)
	wantAPIErr(t, err, http.StatusNotFound, "job_not_found")
}

func TestRequestCaptionRender(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	bg := dbctx.Background()
	job, err := f.captions.Create(bg, &jobs.CaptionJob{
		UserID:         user,
		SourceVideoURL: "https://cdn.example.com/in.mp4",
		Captions:       datatypes.JSON(`[{"text":"hi"}]`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dbc := sessionCtx(user, "creator")

	row, err := f.svc.RequestCaptionRender(dbc, job.ID)
	if err != nil {
		t.Fatalf("RequestCaptionRender: %v", err)
	}
	if row.RenderStatus != jobs.RenderStatusQueued || row.Status != jobs.StatusQueued {
		t.Fatalf("state: status=%q render_status=%q", row.Status, row.RenderStatus)
	}
	_, kind, id, err := jobs.ParseRenderMessage([]byte(f.queue.bodies[0]))
	if err != nil || kind != jobs.KindCaption || id != job.ID.String() {
		t.Fatalf("message: %s", f.queue.bodies[0])
	}
	if strings.Contains(f.queue.bodies[0], "jobType") {
		t.Fatalf("caption message carries jobType: %s", f.queue.bodies[0])
	}
	if row.Watermark {
		t.Fatalf("creator plan watermark: want=false")
	}

	_, err = f.svc.RequestCaptionRender(dbc, job.ID)
	wantAPIErr(t, err, http.StatusConflict, "render_conflict")

	_, err = f.svc.RetryCaptionJob(dbc, job.ID)
	wantAPIErr(t, err, http.StatusConflict, "render_conflict")
}

func TestRequestCaptionRenderNeedsCaptions(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	job, err := f.captions.Create(dbctx.Background(), &jobs.CaptionJob{UserID: user, SourceVideoURL: "https://cdn.example.com/in.mp4"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = f.svc.RequestCaptionRender(sessionCtx(user, "free"), job.ID)
	wantAPIErr(t, err, http.StatusConflict, "captions_not_ready")
}

func TestRequestCaptionRenderVideoLimit(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	job, err := f.captions.Create(dbctx.Background(), &jobs.CaptionJob{
		UserID:         user,
		SourceVideoURL: "https://cdn.example.com/in.mp4",
		Captions:       datatypes.JSON(`[{"text":"hi"}]`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.usage.Increment(dbctx.Background(), billing.OwnerFor(user, nil), time.Now(), billing.UsageVideos, 3); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	_, err = f.svc.RequestCaptionRender(sessionCtx(user, "free"), job.ID)
	wantAPIErr(t, err, http.StatusTooManyRequests, "videos_limit_reached")
}

func TestWatermarkFollowsPlan(t *testing.T) {
	tests := []struct {
		plan string
		want bool
	}{
		{plan: "free", want: true},
		{plan: "creator", want: false},
		{plan: "pro", want: false},
		{plan: "business", want: false},
		{plan: "no-such-plan", want: true},
	}
	for _, tt := range tests {
		if got := watermarked(tt.plan); got != tt.want {
			t.Fatalf("watermarked(%s): want=%v got=%v", tt.plan, tt.want, got)
		}
	}
}

func TestRequestCaptionRenderStampsWatermarkFromPlan(t *testing.T) {
	f := newServiceFixture(t)
	user := uuid.New()
	bg := dbctx.Background()
	job, err := f.captions.Create(bg, &jobs.CaptionJob{
		UserID:         user,
		SourceVideoURL: "https://cdn.example.com/in.mp4",
		Captions:       datatypes.JSON(`[{"text":"hi"}]`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	row, err := f.svc.RequestCaptionRender(sessionCtx(user, "free"), job.ID)
	if err != nil {
		t.Fatalf("RequestCaptionRender: %v", err)
	}
	if !row.Watermark {
		t.Fatalf("free plan watermark: want=true")
	}

	// An upgraded owner retrying after a failure renders without it.
	if ok, err := f.captions.ClaimRender(bg, job.ID, time.Now()); err != nil || !ok {
		t.Fatalf("ClaimRender: ok=%v err=%v", ok, err)
	}
	if ok, err := f.captions.MarkFailed(bg, job.ID, "out of memory", time.Now()); err != nil || !ok {
		t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
	}
	row, err = f.svc.RetryCaptionJob(sessionCtx(user, "pro"), job.ID)
	if err != nil {
		t.Fatalf("RetryCaptionJob: %v", err)
	}
	if row.Watermark {
		t.Fatalf("pro plan watermark after retry: want=false")
	}
}
