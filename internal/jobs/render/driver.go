package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/rendivia-backend/internal/clients/renderer"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRenderTimeout  = 30 * time.Minute
	DefaultStaleHeartbeat = 2 * time.Minute

	cancelTimeout = 15 * time.Second
)

type Config struct {
	PollInterval  time.Duration
	RenderTimeout time.Duration
	// StaleHeartbeat is how long a rendering job may go without a heartbeat
	// before another worker is allowed to take it over.
	StaleHeartbeat time.Duration
	ScratchDir     string
}

// Renderer is the black-box video renderer.
type Renderer interface {
	Start(ctx context.Context, composition string, props map[string]any) (*renderer.StartResult, error)
	Progress(ctx context.Context, renderID, bucket string) (*renderer.Progress, error)
	Cancel(ctx context.Context, renderID, bucket string) error
	Download(ctx context.Context, renderID, bucket, outPath string) error
}

// Storage receives finished artifacts. gcp.BucketService satisfies it.
type Storage interface {
	UploadFile(ctx context.Context, key string, file io.Reader, contentType string) error
	GetPublicURL(key string) string
}

// Hooks are optional callbacks invoked while a render is being driven.
type Hooks struct {
	OnPoll func(ctx context.Context, p *renderer.Progress)
}

type Option func(*Driver)

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSleeper replaces the wait between progress polls, mainly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Driver) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) {
		if t != nil {
			d.tracer = t
		}
	}
}

// Driver runs the render state machine for every job kind.
type Driver struct {
	cfg      Config
	log      *logger.Logger
	renderer Renderer
	storage  Storage
	adapters map[jobs.Kind]KindAdapter
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	tracer   trace.Tracer
	metrics  *observability.Metrics
}

func NewDriver(cfg Config, baseLog *logger.Logger, r Renderer, storage Storage, adapters []KindAdapter, opts ...Option) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if cfg.StaleHeartbeat <= 0 {
		cfg.StaleHeartbeat = DefaultStaleHeartbeat
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		cfg.ScratchDir = os.TempDir()
	}
	d := &Driver{
		cfg:      cfg,
		log:      baseLog.With("component", "RenderDriver"),
		renderer: r,
		storage:  storage,
		adapters: make(map[jobs.Kind]KindAdapter, len(adapters)),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		tracer:   otel.Tracer("rendivia/render"),
	}
	for _, a := range adapters {
		d.adapters[a.Kind()] = a
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type claimResult struct {
	renderID  string
	bucket    string
	startedAt time.Time
}

// Process drives one job to a terminal state. A *Failure means the failure is
// already persisted; ErrAlreadyTerminal means there was nothing left to do.
// Any other error leaves the job as it was so a redelivery can try again.
func (d *Driver) Process(ctx context.Context, kind jobs.Kind, jobID string, hooks Hooks) (err error) {
	ctx, span := d.tracer.Start(ctx, "render.process", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.kind", string(kind)),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ad, err := d.adapter(kind)
	if err != nil {
		return err
	}
	job, err := d.load(ctx, ad, jobID)
	if err != nil {
		return err
	}
	log := d.log.With("job_id", job.ID.String(), "job_kind", string(kind))

	cl, err := d.claim(ctx, ad, job)
	if err != nil {
		return err
	}

	renderID, bucket := cl.renderID, cl.bucket
	if renderID == "" {
		props, perr := ad.BuildProps(ctx, job)
		if perr != nil {
			return d.failTimed(ctx, ad, job, perr, cl.startedAt)
		}
		res, serr := d.renderer.Start(ctx, job.Composition, props)
		if serr != nil {
			return d.failTimed(ctx, ad, job, serr, cl.startedAt)
		}
		renderID, bucket = res.RenderID, res.BucketName
		if err := ad.States().SetRenderHandle(dbctx.Context{Ctx: ctx}, job.ID, renderID, bucket, d.now()); err != nil {
			return fmt.Errorf("persist render handle: %w", err)
		}
		d.metrics.IncRenderEvent(string(kind), observability.RenderStarted)
		log.Info("Render started", "render_id", renderID, "composition", job.Composition)
	} else {
		d.metrics.IncRenderEvent(string(kind), observability.RenderResumed)
		log.Info("Resuming render", "render_id", renderID)
	}
	span.SetAttributes(attribute.String("render.id", renderID))

	if perr := d.poll(ctx, ad, job, renderID, bucket, cl.startedAt, hooks); perr != nil {
		return d.failTimed(ctx, ad, job, perr, cl.startedAt)
	}

	url, err := d.deliver(ctx, ad, job, renderID, bucket, log)
	if err != nil {
		return d.failTimed(ctx, ad, job, err, cl.startedAt)
	}

	ok, err := ad.States().MarkCompleted(dbctx.Context{Ctx: ctx}, job.ID, url, d.now())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		return ErrRenderConflict
	}
	d.metrics.ObserveRender(string(kind), observability.RenderCompleted, d.now().Sub(cl.startedAt))
	log.Info("Render completed", "render_id", renderID, "output_url", url)
	ad.AfterSuccess(ctx, job, url)
	return nil
}

// Abandon marks a job failed without driving a render, used when its queue
// message has been dead-lettered. Terminal jobs are left alone, and so is a
// job another worker is still heartbeating: its render outlives this message.
func (d *Driver) Abandon(ctx context.Context, kind jobs.Kind, jobID string, reason string) error {
	ad, err := d.adapter(kind)
	if err != nil {
		return err
	}
	job, err := d.load(ctx, ad, jobID)
	if err != nil {
		return err
	}
	if jobs.IsTerminalRenderStatus(job.State.RenderStatus) {
		return ErrAlreadyTerminal
	}
	if d.liveRender(job) {
		return ErrRenderInFlight
	}
	err = d.fail(ctx, ad, job, errors.New(reason))
	var f *Failure
	if errors.As(err, &f) {
		d.metrics.IncRenderEvent(string(kind), observability.RenderFailed)
		return nil
	}
	return err
}

func (d *Driver) liveRender(job *Job) bool {
	if job.State.RenderStatus != jobs.RenderStatusRendering {
		return false
	}
	hb := job.State.RenderHeartbeatAt
	return hb != nil && !hb.Before(d.now().Add(-d.cfg.StaleHeartbeat))
}

func (d *Driver) adapter(kind jobs.Kind) (KindAdapter, error) {
	ad, ok := d.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no render adapter for job kind %q", kind)
	}
	return ad, nil
}

func (d *Driver) load(ctx context.Context, ad KindAdapter, jobID string) (*Job, error) {
	id, err := uuid.Parse(strings.TrimSpace(jobID))
	if err != nil {
		return nil, &notFoundError{kind: ad.Kind(), id: jobID}
	}
	job, err := ad.Load(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, fmt.Errorf("load %s job: %w", ad.Kind(), err)
	}
	if job == nil {
		return nil, &notFoundError{kind: ad.Kind(), id: jobID}
	}
	return job, nil
}

// claim moves the job into rendering. When another attempt already owns the
// row it either yields to it or, if that attempt stopped heartbeating,
// adopts it along with any render handle it persisted.
func (d *Driver) claim(ctx context.Context, ad KindAdapter, job *Job) (*claimResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	now := d.now()
	ok, err := ad.States().ClaimRender(dbc, job.ID, now)
	if err != nil {
		return nil, fmt.Errorf("claim render: %w", err)
	}
	if ok {
		return &claimResult{startedAt: now}, nil
	}

	cur, err := ad.Load(dbc, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload %s job: %w", ad.Kind(), err)
	}
	if cur == nil {
		return nil, &notFoundError{kind: ad.Kind(), id: job.ID.String()}
	}
	*job = *cur

	switch cur.State.RenderStatus {
	case jobs.RenderStatusCompleted, jobs.RenderStatusFailed:
		return nil, ErrAlreadyTerminal
	case jobs.RenderStatusRendering:
		if d.liveRender(cur) {
			return nil, ErrRenderInFlight
		}
		staleBefore := now.Add(-d.cfg.StaleHeartbeat)
		took, err := ad.States().TakeOverRender(dbc, job.ID, staleBefore, now)
		if err != nil {
			return nil, fmt.Errorf("take over render: %w", err)
		}
		if !took {
			return nil, ErrRenderInFlight
		}
		started := now
		if cur.State.RenderStartedAt != nil {
			started = *cur.State.RenderStartedAt
		}
		d.log.Warn("Taking over stale render",
			"job_id", job.ID.String(),
			"job_kind", string(ad.Kind()),
			"render_id", cur.State.RenderID,
		)
		return &claimResult{renderID: cur.State.RenderID, bucket: cur.State.RenderBucket, startedAt: started}, nil
	default:
		return nil, ErrRenderConflict
	}
}

func (d *Driver) poll(ctx context.Context, ad KindAdapter, job *Job, renderID, bucket string, started time.Time, hooks Hooks) error {
	deadline := started.Add(d.cfg.RenderTimeout)
	for {
		p, err := d.renderer.Progress(ctx, renderID, bucket)
		if err != nil {
			return fmt.Errorf("render progress: %w", err)
		}
		if p.FatalErrorEncountered {
			msg := p.FirstError()
			if msg == "" {
				msg = "renderer reported a fatal error"
			}
			return &fatalRenderError{msg: msg}
		}
		if p.Done {
			return nil
		}

		now := d.now()
		if err := ad.States().Heartbeat(dbctx.Context{Ctx: ctx}, job.ID, now); err != nil {
			d.log.Warn("Render heartbeat failed", "job_id", job.ID.String(), "error", err)
		}
		if hooks.OnPoll != nil {
			hooks.OnPoll(ctx, p)
		}
		if !now.Before(deadline) {
			d.cancelRender(ctx, renderID, bucket)
			return &timeoutError{after: d.cfg.RenderTimeout}
		}
		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (d *Driver) cancelRender(ctx context.Context, renderID, bucket string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := d.renderer.Cancel(cctx, renderID, bucket); err != nil {
		d.log.Warn("Render cancel failed", "render_id", renderID, "error", err)
	}
}

func (d *Driver) deliver(ctx context.Context, ad KindAdapter, job *Job, renderID, bucket string, log *logger.Logger) (string, error) {
	if err := os.MkdirAll(d.cfg.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	scratch := filepath.Join(d.cfg.ScratchDir, fmt.Sprintf("%s-%s.mp4", ad.Kind(), job.ID))
	defer func() {
		if err := os.Remove(scratch); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("Failed to remove scratch file", "path", scratch, "error", err)
		}
	}()

	if err := d.renderer.Download(ctx, renderID, bucket, scratch); err != nil {
		return "", fmt.Errorf("download render output: %w", err)
	}
	f, err := os.Open(scratch)
	if err != nil {
		return "", fmt.Errorf("open render output: %w", err)
	}
	defer f.Close()

	key := ad.OutputKey(job)
	if err := d.storage.UploadFile(ctx, key, f, "video/mp4"); err != nil {
		return "", fmt.Errorf("upload render output: %w", err)
	}
	return d.storage.GetPublicURL(key), nil
}

// failTimed is fail for attempts that got as far as a render, so the
// outcome is observed with its duration.
func (d *Driver) failTimed(ctx context.Context, ad KindAdapter, job *Job, cause error, started time.Time) error {
	err := d.fail(ctx, ad, job, cause)
	var f *Failure
	if errors.As(err, &f) {
		outcome := observability.RenderFailed
		var te *timeoutError
		if errors.As(cause, &te) {
			outcome = observability.RenderTimedOut
		}
		d.metrics.ObserveRender(string(ad.Kind()), outcome, d.now().Sub(started))
	}
	return err
}

// fail records cause on the job and runs the adapter's failure path. When
// ctx is already done the job is left rendering for a later takeover.
func (d *Driver) fail(ctx context.Context, ad KindAdapter, job *Job, cause error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("render interrupted: %w", ctxErr)
	}
	reason := strings.TrimSpace(cause.Error())
	ok, err := ad.States().MarkFailed(dbctx.Context{Ctx: ctx}, job.ID, reason, d.now())
	if err != nil {
		return fmt.Errorf("record render failure %q: %w", reason, err)
	}
	if !ok {
		return ErrRenderConflict
	}
	d.log.Warn("Render failed",
		"job_id", job.ID.String(),
		"job_kind", string(ad.Kind()),
		"reason", reason,
	)
	ad.AfterFailure(ctx, job, reason)
	return &Failure{JobID: job.ID.String(), Kind: ad.Kind(), Reason: reason, Err: cause}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
