package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/rendivia-backend/internal/clients/renderer"
	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/data/repos/testutil"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/webhook"
)

type fakeRenderer struct {
	mu        sync.Mutex
	starts    int
	cancels   int
	polls     map[string]int
	lastProps map[string]any
	startErr  error
	// progress decides the answer for the n-th poll (1-based) of a render.
	progress func(renderID string, n int) *renderer.Progress
}

func (f *fakeRenderer) Start(_ context.Context, _ string, props map[string]any) (*renderer.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	f.lastProps = props
	return &renderer.StartResult{RenderID: fmt.Sprintf("r-%d", f.starts), BucketName: "renders-bucket"}, nil
}

func (f *fakeRenderer) Progress(_ context.Context, renderID, _ string) (*renderer.Progress, error) {
	f.mu.Lock()
	if f.polls == nil {
		f.polls = map[string]int{}
	}
	f.polls[renderID]++
	n := f.polls[renderID]
	fn := f.progress
	f.mu.Unlock()
	if fn == nil {
		return &renderer.Progress{Done: true, OverallProgress: 1}, nil
	}
	return fn(renderID, n), nil
}

func (f *fakeRenderer) Cancel(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeRenderer) Download(_ context.Context, renderID, _ string, outPath string) error {
	return os.WriteFile(outPath, []byte("mp4:"+renderID), 0o644)
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *fakeStorage) UploadFile(_ context.Context, key string, r io.Reader, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string]string{}
	}
	s.objects[key] = string(b)
	return nil
}

func (s *fakeStorage) GetPublicURL(key string) string { return "https://cdn.test/" + key }

type usageCall struct {
	owner   billing.Owner
	kind    billing.UsageKind
	amount  int64
	seconds float64
	pixels  int64
}

type fakeUsage struct {
	mu    sync.Mutex
	calls []usageCall
	err   error
}

func (u *fakeUsage) Increment(_ dbctx.Context, owner billing.Owner, _ time.Time, kind billing.UsageKind, amount int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{owner: owner, kind: kind, amount: amount})
	return u.err
}

func (u *fakeUsage) IncrementRenderMetrics(_ dbctx.Context, owner billing.Owner, _ time.Time, seconds float64, pixels int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{owner: owner, seconds: seconds, pixels: pixels})
	return u.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	result   webhook.Result
}

func (n *fakeNotifier) Send(_ context.Context, _ string, _ string, payload any, _ int) webhook.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload.(webhook.Payload))
	return n.result
}

type harness struct {
	driver   *Driver
	renders  jobsrepo.RenderJobRepo
	captions jobsrepo.CaptionJobRepo
	rnd      *fakeRenderer
	store    *fakeStorage
	usage    *fakeUsage
	notify   *fakeNotifier
	clock    *testClock
	metrics  *observability.Metrics
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	h := &harness{
		renders:  jobsrepo.NewRenderJobRepo(db, log),
		captions: jobsrepo.NewCaptionJobRepo(db, log),
		rnd:      &fakeRenderer{},
		store:    &fakeStorage{},
		usage:    &fakeUsage{},
		notify:   &fakeNotifier{result: webhook.Result{OK: true, Attempts: 1, StatusCode: 200}},
		clock:    &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
		metrics:  observability.NewMetrics(observability.MetricsConfig{Enabled: true}),
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}
	adapters := []KindAdapter{
		NewCaptionAdapter(log, h.captions, h.usage),
		NewTemplateAdapter(log, h.renders, h.usage, h.notify, 3, h.metrics),
	}
	h.driver = NewDriver(cfg, log, h.rnd, h.store, adapters,
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.clock.Advance(d)
			return nil
		}),
	)
	return h
}

func (h *harness) seedTemplateJob(t *testing.T, webhookURL string) *jobs.RenderJob {
	t.Helper()
	job, err := h.renders.Create(dbctx.Background(), &jobs.RenderJob{
		UserID:          uuid.New(),
		Template:        "product-promo",
		TemplateVersion: "1",
		Composition:     "ProductPromo",
		Input:           datatypes.JSON(`{"productName":"Widget"}`),
		Props:           datatypes.JSON(`{"productName":"Widget","durationInSeconds":15,"width":1920,"height":1080}`),
		DurationSeconds: 15,
		Resolution:      "1920x1080",
		WebhookURL:      webhookURL,
		WebhookSecret:   "whsec",
	})
	if err != nil {
		t.Fatalf("seed render job: %v", err)
	}
	return job
}

func (h *harness) seedCaptionJob(t *testing.T, teamID *uuid.UUID) *jobs.CaptionJob {
	t.Helper()
	job, err := h.captions.Create(dbctx.Background(), &jobs.CaptionJob{
		UserID:          uuid.New(),
		TeamID:          teamID,
		SourceVideoURL:  "https://cdn.example.com/in.mp4",
		Composition:     "CaptionedVideo",
		Captions:        datatypes.JSON(`[{"text":"hi","start":0,"end":1}]`),
		DurationSeconds: 12,
		Resolution:      "1080x1920",
	})
	if err != nil {
		t.Fatalf("seed caption job: %v", err)
	}
	if ok, err := h.captions.RequestRender(dbctx.Background(), job.ID, []string{jobs.RenderStatusNone}, h.clock.Now()); err != nil || !ok {
		t.Fatalf("RequestRender: ok=%v err=%v", ok, err)
	}
	return job
}

func (h *harness) captionJob(t *testing.T, id uuid.UUID) *jobs.CaptionJob {
	t.Helper()
	row, err := h.captions.GetByID(dbctx.Background(), id)
	if err != nil || row == nil {
		t.Fatalf("GetByID: row=%v err=%v", row, err)
	}
	return row
}

func (h *harness) renderJob(t *testing.T, id uuid.UUID) *jobs.RenderJob {
	t.Helper()
	row, err := h.renders.GetByID(dbctx.Background(), id)
	if err != nil || row == nil {
		t.Fatalf("GetByID: row=%v err=%v", row, err)
	}
	return row
}

func TestProcessTemplateJobCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "https://hooks.example.com/r")

	polls := 0
	h.rnd.progress = func(_ string, n int) *renderer.Progress {
		return &renderer.Progress{Done: n >= 3, OverallProgress: float64(n) / 3}
	}
	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{
		OnPoll: func(context.Context, *renderer.Progress) { polls++ },
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	row := h.renderJob(t, job.ID)
	wantKey := row.UserID.String() + "/render-" + row.ID.String() + ".mp4"
	if row.Status != jobs.StatusCompleted || row.RenderStatus != jobs.RenderStatusCompleted {
		t.Fatalf("state: status=%q render_status=%q", row.Status, row.RenderStatus)
	}
	if row.OutputURL != "https://cdn.test/"+wantKey {
		t.Fatalf("output_url: want=%s got=%s", "https://cdn.test/"+wantKey, row.OutputURL)
	}
	if row.RenderError != "" || row.RenderID != "r-1" || row.RenderAttempts != 1 {
		t.Fatalf("render fields: error=%q id=%q attempts=%d", row.RenderError, row.RenderID, row.RenderAttempts)
	}
	if h.store.objects[wantKey] != "mp4:r-1" {
		t.Fatalf("uploaded object: got=%q", h.store.objects[wantKey])
	}
	if polls != 2 {
		t.Fatalf("OnPoll calls: want=2 got=%d", polls)
	}

	if len(h.usage.calls) != 1 {
		t.Fatalf("usage calls: want=1 got=%d", len(h.usage.calls))
	}
	if c := h.usage.calls[0]; c.seconds != 15 || c.pixels != 2073600 || c.owner.ID != row.UserID {
		t.Fatalf("metering: got=%+v", c)
	}

	if len(h.notify.payloads) != 1 {
		t.Fatalf("webhooks: want=1 got=%d", len(h.notify.payloads))
	}
	p := h.notify.payloads[0]
	if p.Status != "completed" || p.OutputURL != row.OutputURL || p.Template != "product-promo" || p.Version != "1" {
		t.Fatalf("payload: %+v", p)
	}
	if row.WebhookStatus != jobs.WebhookStatusDelivered || row.WebhookAttempts != 1 {
		t.Fatalf("webhook fields: status=%q attempts=%d", row.WebhookStatus, row.WebhookAttempts)
	}
	for _, ev := range []string{observability.RenderStarted, observability.RenderCompleted} {
		if got := h.metrics.RenderEvents("template", ev); got != 1 {
			t.Fatalf("render %s events: want=1 got=%v", ev, got)
		}
	}
}

func TestProcessFatalRendererErrorFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "https://hooks.example.com/r")
	h.rnd.progress = func(string, int) *renderer.Progress {
		return &renderer.Progress{FatalErrorEncountered: true, Errors: []renderer.RenderError{{Message: "out of memory"}}}
	}

	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("want *Failure got=%v", err)
	}
	if f.Reason != "out of memory" {
		t.Fatalf("reason: want=%q got=%q", "out of memory", f.Reason)
	}

	row := h.renderJob(t, job.ID)
	if row.Status != jobs.StatusFailed || row.RenderStatus != jobs.RenderStatusFailed {
		t.Fatalf("state: status=%q render_status=%q", row.Status, row.RenderStatus)
	}
	if row.RenderError != "out of memory" || row.OutputURL != "" {
		t.Fatalf("render_error=%q output_url=%q", row.RenderError, row.OutputURL)
	}
	if len(h.usage.calls) != 0 {
		t.Fatalf("failed render metered: %+v", h.usage.calls)
	}
	if len(h.notify.payloads) != 1 || h.notify.payloads[0].Status != "failed" || h.notify.payloads[0].Error != "out of memory" {
		t.Fatalf("failure webhook: %+v", h.notify.payloads)
	}
	if got := h.metrics.RenderEvents("template", observability.RenderFailed); got != 1 {
		t.Fatalf("failed events: want=1 got=%v", got)
	}
}

func TestProcessCaptionFatalRendererErrorFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedCaptionJob(t, nil)
	h.rnd.progress = func(string, int) *renderer.Progress {
		return &renderer.Progress{FatalErrorEncountered: true, Errors: []renderer.RenderError{{Message: "out of memory"}}}
	}

	err := h.driver.Process(context.Background(), jobs.KindCaption, job.ID.String(), Hooks{})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != jobs.KindCaption || f.Reason != "out of memory" {
		t.Fatalf("want caption *Failure(out of memory) got=%v", err)
	}

	row := h.captionJob(t, job.ID)
	if row.Status != jobs.StatusFailed || row.RenderStatus != jobs.RenderStatusFailed {
		t.Fatalf("state: status=%q render_status=%q", row.Status, row.RenderStatus)
	}
	if row.RenderError != "out of memory" || row.OutputURL != "" {
		t.Fatalf("render_error=%q output_url=%q", row.RenderError, row.OutputURL)
	}
	if len(h.notify.payloads) != 0 {
		t.Fatalf("caption jobs have no webhook: %+v", h.notify.payloads)
	}
	if len(h.usage.calls) != 0 {
		t.Fatalf("failed caption render metered: %+v", h.usage.calls)
	}
	if got := h.metrics.RenderEvents("caption", observability.RenderFailed); got != 1 {
		t.Fatalf("caption failed events: want=1 got=%v", got)
	}
}

func TestProcessRetryStartsNewRender(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "")
	failFirst := true
	h.rnd.progress = func(renderID string, _ int) *renderer.Progress {
		if failFirst && renderID == "r-1" {
			return &renderer.Progress{FatalErrorEncountered: true}
		}
		return &renderer.Progress{Done: true}
	}

	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{})
	var f *Failure
	if !errors.As(err, &f) || f.Reason != "renderer reported a fatal error" {
		t.Fatalf("first attempt: want generic fatal failure got=%v", err)
	}

	ok, err := h.renders.RequestRender(dbctx.Background(), job.ID, []string{jobs.RenderStatusFailed}, h.clock.Now())
	if err != nil || !ok {
		t.Fatalf("RequestRender: ok=%v err=%v", ok, err)
	}
	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("retry Process: %v", err)
	}

	row := h.renderJob(t, job.ID)
	if row.RenderID != "r-2" || row.RenderStatus != jobs.RenderStatusCompleted {
		t.Fatalf("retry: render_id=%q render_status=%q", row.RenderID, row.RenderStatus)
	}
	if row.RenderError != "" || row.RenderAttempts != 2 {
		t.Fatalf("retry: render_error=%q attempts=%d", row.RenderError, row.RenderAttempts)
	}
	if len(h.notify.payloads) != 0 {
		t.Fatalf("no webhook url but notified: %+v", h.notify.payloads)
	}
}

func TestProcessResumesStaleRender(t *testing.T) {
	h := newHarness(t, Config{StaleHeartbeat: 2 * time.Minute})
	job := h.seedTemplateJob(t, "")
	dbc := dbctx.Background()
	crashed := h.clock.Now().Add(-10 * time.Minute)
	if ok, err := h.renders.ClaimRender(dbc, job.ID, crashed); err != nil || !ok {
		t.Fatalf("ClaimRender: ok=%v err=%v", ok, err)
	}
	if err := h.renders.SetRenderHandle(dbc, job.ID, "r-crashed", "renders-bucket", crashed); err != nil {
		t.Fatalf("SetRenderHandle: %v", err)
	}

	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if h.rnd.starts != 0 {
		t.Fatalf("resume must not start a new render: starts=%d", h.rnd.starts)
	}
	row := h.renderJob(t, job.ID)
	if row.RenderID != "r-crashed" || row.RenderStatus != jobs.RenderStatusCompleted {
		t.Fatalf("resume: render_id=%q render_status=%q", row.RenderID, row.RenderStatus)
	}
	if !strings.HasSuffix(row.OutputURL, "/render-"+row.ID.String()+".mp4") {
		t.Fatalf("output_url: %s", row.OutputURL)
	}
	if got := h.metrics.RenderEvents("template", observability.RenderResumed); got != 1 {
		t.Fatalf("resumed events: want=1 got=%v", got)
	}
}

func TestProcessStaleClaimWithoutHandleStarts(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "")
	if ok, err := h.renders.ClaimRender(dbctx.Background(), job.ID, h.clock.Now().Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("ClaimRender: ok=%v err=%v", ok, err)
	}
	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if h.rnd.starts != 1 {
		t.Fatalf("starts: want=1 got=%d", h.rnd.starts)
	}
}

func TestProcessFreshRenderIsInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "")
	if ok, err := h.renders.ClaimRender(dbctx.Background(), job.ID, h.clock.Now()); err != nil || !ok {
		t.Fatalf("ClaimRender: ok=%v err=%v", ok, err)
	}
	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{})
	if !errors.Is(err, ErrRenderInFlight) {
		t.Fatalf("want ErrRenderInFlight got=%v", err)
	}
	if h.rnd.starts != 0 {
		t.Fatalf("starts: want=0 got=%d", h.rnd.starts)
	}
}

func TestProcessTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "")
	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("redelivery: want ErrAlreadyTerminal got=%v", err)
	}
	if h.rnd.starts != 1 {
		t.Fatalf("starts: want=1 got=%d", h.rnd.starts)
	}
}

func TestProcessTimesOut(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Minute, RenderTimeout: 30 * time.Minute})
	job := h.seedTemplateJob(t, "")
	h.rnd.progress = func(string, int) *renderer.Progress { return &renderer.Progress{OverallProgress: 0.5} }

	err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("want *Failure got=%v", err)
	}
	if f.Reason != "render timed out after 30m0s" {
		t.Fatalf("reason: got=%q", f.Reason)
	}
	if h.rnd.cancels != 1 {
		t.Fatalf("cancels: want=1 got=%d", h.rnd.cancels)
	}
	if row := h.renderJob(t, job.ID); row.RenderError != "render timed out after 30m0s" {
		t.Fatalf("render_error: got=%q", row.RenderError)
	}
	if got := h.metrics.RenderEvents("template", observability.RenderTimedOut); got != 1 {
		t.Fatalf("timed out events: want=1 got=%v", got)
	}
	if got := h.metrics.RenderEvents("template", observability.RenderFailed); got != 0 {
		t.Fatalf("timeout counted as plain failure: got=%v", got)
	}
}

func TestProcessInterruptedLeavesJobRendering(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	h.rnd.progress = func(string, int) *renderer.Progress {
		cancel()
		return &renderer.Progress{OverallProgress: 0.1}
	}

	err := h.driver.Process(ctx, jobs.KindTemplate, job.ID.String(), Hooks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got=%v", err)
	}
	row := h.renderJob(t, job.ID)
	if row.RenderStatus != jobs.RenderStatusRendering || row.RenderID != "r-1" {
		t.Fatalf("interrupted: render_status=%q render_id=%q", row.RenderStatus, row.RenderID)
	}
}

func TestProcessJobNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.driver.Process(context.Background(), jobs.KindTemplate, "abc", Hooks{})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("want ErrJobNotFound got=%v", err)
	}
	if err.Error() != "Render job not found: abc" {
		t.Fatalf("message: got=%q", err.Error())
	}

	missing := uuid.New().String()
	err = h.driver.Process(context.Background(), jobs.KindCaption, missing, Hooks{})
	if !errors.Is(err, ErrJobNotFound) || err.Error() != "Caption job not found: "+missing {
		t.Fatalf("caption: got=%v", err)
	}
}

func TestProcessCaptionJobMetersVideo(t *testing.T) {
	h := newHarness(t, Config{})
	team := uuid.New()
	job := h.seedCaptionJob(t, testutil.PtrUUID(team))

	if err := h.driver.Process(context.Background(), jobs.KindCaption, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if h.rnd.lastProps["videoUrl"] != "https://cdn.example.com/in.mp4" || h.rnd.lastProps["height"] != int64(1920) {
		t.Fatalf("props: %+v", h.rnd.lastProps)
	}
	wantKey := team.String() + "/caption-" + job.ID.String() + ".mp4"
	if _, ok := h.store.objects[wantKey]; !ok {
		t.Fatalf("uploaded keys: want %s in %v", wantKey, h.store.objects)
	}
	if len(h.usage.calls) != 1 {
		t.Fatalf("usage calls: want=1 got=%d", len(h.usage.calls))
	}
	c := h.usage.calls[0]
	if c.kind != billing.UsageVideos || c.amount != 1 || c.owner != (billing.Owner{Type: billing.OwnerTeam, ID: team}) {
		t.Fatalf("metering: got=%+v", c)
	}
}

func TestProcessMeteringErrorDoesNotFailJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.usage.err = errors.New("db down")
	job := h.seedTemplateJob(t, "")
	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if row := h.renderJob(t, job.ID); row.RenderStatus != jobs.RenderStatusCompleted {
		t.Fatalf("render_status: want completed got=%q", row.RenderStatus)
	}
}

func TestAbandonMarksFailedAndNotifies(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedTemplateJob(t, "https://hooks.example.com/r")
	reason := "exceeded max delivery attempts (5)"
	if err := h.driver.Abandon(context.Background(), jobs.KindTemplate, job.ID.String(), reason); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	row := h.renderJob(t, job.ID)
	if row.RenderStatus != jobs.RenderStatusFailed || row.RenderError != reason {
		t.Fatalf("abandon: render_status=%q render_error=%q", row.RenderStatus, row.RenderError)
	}
	if len(h.notify.payloads) != 1 || h.notify.payloads[0].Error != reason {
		t.Fatalf("failure webhook: %+v", h.notify.payloads)
	}
	if err := h.driver.Abandon(context.Background(), jobs.KindTemplate, job.ID.String(), reason); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second Abandon: want ErrAlreadyTerminal got=%v", err)
	}
}

func TestAbandonLeavesLiveRenderAlone(t *testing.T) {
	h := newHarness(t, Config{StaleHeartbeat: 2 * time.Minute})
	job := h.seedTemplateJob(t, "https://hooks.example.com/r")
	dbc := dbctx.Background()
	if ok, err := h.renders.ClaimRender(dbc, job.ID, h.clock.Now().Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("ClaimRender: ok=%v err=%v", ok, err)
	}
	if err := h.renders.SetRenderHandle(dbc, job.ID, "r-live", "renders-bucket", h.clock.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SetRenderHandle: %v", err)
	}
	if err := h.renders.Heartbeat(dbc, job.ID, h.clock.Now().Add(-30*time.Second)); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	reason := "exceeded max delivery attempts (5)"
	err := h.driver.Abandon(context.Background(), jobs.KindTemplate, job.ID.String(), reason)
	if !errors.Is(err, ErrRenderInFlight) {
		t.Fatalf("Abandon of live render: want ErrRenderInFlight got=%v", err)
	}
	row := h.renderJob(t, job.ID)
	if row.RenderStatus != jobs.RenderStatusRendering || row.RenderError != "" {
		t.Fatalf("live render touched: render_status=%q render_error=%q", row.RenderStatus, row.RenderError)
	}
	if len(h.notify.payloads) != 0 {
		t.Fatalf("failed webhook sent for live render: %+v", h.notify.payloads)
	}

	// Once the owner stops heartbeating the job may be abandoned.
	h.clock.Advance(5 * time.Minute)
	if err := h.driver.Abandon(context.Background(), jobs.KindTemplate, job.ID.String(), reason); err != nil {
		t.Fatalf("Abandon of stale render: %v", err)
	}
	if row := h.renderJob(t, job.ID); row.RenderStatus != jobs.RenderStatusFailed || row.RenderError != reason {
		t.Fatalf("stale abandon: render_status=%q render_error=%q", row.RenderStatus, row.RenderError)
	}
}

func TestWebhookFailureRecordedWithoutFailingJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.notify.result = webhook.Result{OK: false, Attempts: 3, Error: "status 502"}
	job := h.seedTemplateJob(t, "https://hooks.example.com/r")

	if err := h.driver.Process(context.Background(), jobs.KindTemplate, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	row := h.renderJob(t, job.ID)
	if row.RenderStatus != jobs.RenderStatusCompleted {
		t.Fatalf("render_status: want completed got=%q", row.RenderStatus)
	}
	if row.WebhookStatus != jobs.WebhookStatusFailed || row.WebhookAttempts != 3 {
		t.Fatalf("webhook fields: status=%q attempts=%d", row.WebhookStatus, row.WebhookAttempts)
	}
	if got := h.metrics.WebhookDeliveries(jobs.StatusCompleted, jobs.WebhookStatusFailed); got != 1 {
		t.Fatalf("webhook failure metric: want=1 got=%v", got)
	}
}

func TestProcessCaptionJobPassesWatermark(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seedCaptionJob(t, nil)
	if err := h.captions.SetWatermark(dbctx.Background(), job.ID, true, h.clock.Now()); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}

	if err := h.driver.Process(context.Background(), jobs.KindCaption, job.ID.String(), Hooks{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if h.rnd.lastProps["watermark"] != true {
		t.Fatalf("watermark prop: want=true got=%v", h.rnd.lastProps["watermark"])
	}
}
