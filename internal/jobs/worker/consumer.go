package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/rendivia-backend/internal/clients/redis"
	"github.com/yungbote/rendivia-backend/internal/clients/renderer"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/jobs/render"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
	"github.com/yungbote/rendivia-backend/internal/platform/shutdown"
)

const (
	DefaultWaitTime          = 20 * time.Second
	DefaultVisibilityTimeout = 15 * time.Minute
	DefaultMaxReceives       = 5
	DefaultDrainTimeout      = 60 * time.Second

	minReceiveBackoff = time.Second
	maxReceiveBackoff = 30 * time.Second
)

// Message results and dead-letter reasons as counted in metrics.
const (
	resultProcessed = "processed"
	resultTerminal  = "already_terminal"
	resultFailed    = "failed"
	resultRedeliver = "redeliver"
	resultDead      = "dead_lettered"
	deadMalformed   = "malformed"
	deadMaxReceives = "max_receives"
)

type Config struct {
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	// HeartbeatInterval defaults to a third of VisibilityTimeout.
	HeartbeatInterval time.Duration
	// MaxReceives bounds deliveries of one message before it is dead-lettered.
	MaxReceives  int
	DrainTimeout time.Duration
}

// Queue is the render queue as seen by the consumer.
type Queue interface {
	Receive(ctx context.Context, wait, visibility time.Duration) (*redis.Message, error)
	ChangeVisibility(ctx context.Context, receipt string, d time.Duration) error
	Delete(ctx context.Context, receipt string) error
	DeadLetter(ctx context.Context, receipt, reason string) error
}

// Processor drives jobs; *render.Driver implements it.
type Processor interface {
	Process(ctx context.Context, kind jobs.Kind, jobID string, hooks render.Hooks) error
	Abandon(ctx context.Context, kind jobs.Kind, jobID string, reason string) error
}

type Consumer struct {
	cfg     Config
	log     *logger.Logger
	queue   Queue
	proc    Processor
	metrics *observability.Metrics
	sleep   func(context.Context, time.Duration) error
}

type Option func(*Consumer)

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func NewConsumer(cfg Config, baseLog *logger.Logger, queue Queue, proc Processor, opts ...Option) *Consumer {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = DefaultWaitTime
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.VisibilityTimeout {
		cfg.HeartbeatInterval = cfg.VisibilityTimeout / 3
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = DefaultMaxReceives
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	c := &Consumer{
		cfg:   cfg,
		log:   baseLog.With("component", "RenderConsumer"),
		queue: queue,
		proc:  proc,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run receives and processes messages one at a time until ctx is cancelled.
// A message already being processed when ctx ends gets DrainTimeout to
// finish before its context is cancelled too.
func (c *Consumer) Run(ctx context.Context) error {
	work, cancelWork := shutdown.Drain(ctx, c.cfg.DrainTimeout)
	defer cancelWork()

	c.log.Info("Render consumer started",
		"wait", c.cfg.WaitTime.String(),
		"visibility", c.cfg.VisibilityTimeout.String(),
		"max_receives", c.cfg.MaxReceives,
	)
	backoff := time.Duration(0)
	for {
		if ctx.Err() != nil {
			c.log.Info("Render consumer stopped")
			return nil
		}
		msg, err := c.queue.Receive(ctx, c.cfg.WaitTime, c.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			backoff = nextBackoff(backoff)
			c.log.Warn("Queue receive failed", "error", err, "retry_in", backoff.String())
			_ = c.sleep(ctx, backoff)
			continue
		}
		backoff = 0
		if msg == nil {
			continue
		}
		c.handle(work, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *redis.Message) {
	log := c.log.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Render message panic", "panic", r)
		}
	}()

	_, kind, jobID, err := jobs.ParseRenderMessage(msg.Body)
	if err != nil {
		log.Error("Malformed render message", "error", err)
		c.deadLetter(ctx, msg, deadMalformed, "malformed message: "+err.Error(), log)
		return
	}
	log = log.With("job_id", jobID, "job_kind", string(kind))

	if msg.ReceiveCount > c.cfg.MaxReceives {
		reason := fmt.Sprintf("exceeded max delivery attempts (%d)", c.cfg.MaxReceives)
		err := c.proc.Abandon(ctx, kind, jobID, reason)
		switch {
		case err == nil, errors.Is(err, render.ErrAlreadyTerminal), errors.Is(err, render.ErrJobNotFound):
		case errors.Is(err, render.ErrRenderInFlight):
			log.Info("Job still rendering elsewhere, dead-lettering duplicate message only")
		default:
			log.Error("Failed to mark abandoned job failed", "error", err)
		}
		c.deadLetter(ctx, msg, deadMaxReceives, reason, log)
		return
	}

	err = c.process(ctx, msg, kind, jobID, log)
	var failure *render.Failure
	switch {
	case err == nil:
		log.Info("Render job processed")
		c.ack(ctx, msg, resultProcessed, log)
	case errors.Is(err, render.ErrAlreadyTerminal):
		log.Info("Render job already terminal")
		c.ack(ctx, msg, resultTerminal, log)
	case errors.As(err, &failure):
		log.Warn("Render job failed", "reason", failure.Reason)
		c.ack(ctx, msg, resultFailed, log)
	default:
		c.metrics.IncQueueMessage(resultRedeliver)
		log.Error("Render job not processed, leaving message for redelivery", "error", err)
	}
}

// process runs the job while a ticker keeps the message hidden from other
// consumers.
func (c *Consumer) process(ctx context.Context, msg *redis.Message, kind jobs.Kind, jobID string, log *logger.Logger) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				err := c.queue.ChangeVisibility(ctx, msg.ReceiptHandle, c.cfg.VisibilityTimeout)
				if errors.Is(err, redis.ErrReceiptExpired) {
					log.Warn("Lost message ownership during render")
					return
				}
				if err != nil {
					log.Warn("Visibility heartbeat failed", "error", err)
				}
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	return c.proc.Process(ctx, kind, jobID, c.progressHooks(kind, log))
}

func (c *Consumer) progressHooks(kind jobs.Kind, log *logger.Logger) render.Hooks {
	return render.Hooks{
		OnPoll: func(_ context.Context, p *renderer.Progress) {
			c.metrics.IncRenderPoll(string(kind))
			log.Debug("Render progress", "progress", p.OverallProgress)
		},
	}
}

func (c *Consumer) ack(ctx context.Context, msg *redis.Message, result string, log *logger.Logger) {
	c.metrics.IncQueueMessage(result)
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Warn("Failed to delete render message", "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *redis.Message, class, reason string, log *logger.Logger) {
	if err := c.queue.DeadLetter(ctx, msg.ReceiptHandle, reason); err != nil {
		log.Error("Failed to dead-letter render message", "error", err)
		return
	}
	c.metrics.IncQueueMessage(resultDead)
	c.metrics.IncDeadLetter(class)
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur < minReceiveBackoff {
		return minReceiveBackoff
	}
	cur *= 2
	if cur > maxReceiveBackoff {
		return maxReceiveBackoff
	}
	return cur
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
