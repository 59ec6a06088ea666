package observability

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

const DefaultScrapeInterval = 15 * time.Second

// Render events counted per job kind.
const (
	RenderStarted   = "started"
	RenderResumed   = "resumed"
	RenderCompleted = "completed"
	RenderFailed    = "failed"
	RenderTimedOut  = "timed_out"
)

type MetricsConfig struct {
	Enabled        bool
	ScrapeInterval time.Duration
}

// Metrics is an in-process registry exposed in Prometheus text format. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	apiRequests       *CounterVec
	apiLatency        *HistogramVec
	apiInflight       *Gauge
	renderEvents      *CounterVec
	renderDuration    *HistogramVec
	renderPolls       *CounterVec
	queueMessages     *CounterVec
	deadLetters       *CounterVec
	webhookDeliveries *CounterVec
	queueDepth        *GaugeVec

	scrapeInterval time.Duration
	all            []collector
}

// NewMetrics returns nil when metrics are disabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ScrapeInterval <= 0 {
		cfg.ScrapeInterval = DefaultScrapeInterval
	}
	m := &Metrics{
		apiRequests: NewCounterVec("rdv_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"rdv_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		apiInflight:  NewGauge("rdv_api_inflight_requests", "In-flight API requests."),
		renderEvents: NewCounterVec("rdv_render_events_total", "Render lifecycle events by job kind.", []string{"kind", "event"}),
		renderDuration: NewHistogramVec(
			"rdv_render_duration_seconds",
			"Wall time from render claim to terminal state by job kind/outcome.",
			[]string{"kind", "outcome"},
			[]float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		),
		renderPolls:       NewCounterVec("rdv_render_progress_polls_total", "Renderer progress polls by job kind.", []string{"kind"}),
		queueMessages:     NewCounterVec("rdv_queue_messages_total", "Render queue messages handled by result.", []string{"result"}),
		deadLetters:       NewCounterVec("rdv_queue_dead_letters_total", "Render queue messages dead-lettered by reason.", []string{"reason"}),
		webhookDeliveries: NewCounterVec("rdv_webhook_deliveries_total", "Webhook deliveries by job status/result.", []string{"status", "result"}),
		queueDepth:        NewGaugeVec("rdv_queue_depth", "Render queue messages by state.", []string{"state"}),
		scrapeInterval:    cfg.ScrapeInterval,
	}
	m.all = []collector{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.renderEvents, m.renderDuration, m.renderPolls,
		m.queueMessages, m.deadLetters, m.webhookDeliveries, m.queueDepth,
	}
	return m
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.all {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) APIInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) APIInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) IncRenderEvent(kind, event string) {
	if m == nil {
		return
	}
	m.renderEvents.Inc(kind, event)
}

// ObserveRender counts a terminal outcome and how long the render took.
func (m *Metrics) ObserveRender(kind, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.renderEvents.Inc(kind, outcome)
	if dur > 0 {
		m.renderDuration.Observe(dur.Seconds(), kind, outcome)
	}
}

func (m *Metrics) IncRenderPoll(kind string) {
	if m == nil {
		return
	}
	m.renderPolls.Inc(kind)
}

func (m *Metrics) IncQueueMessage(result string) {
	if m == nil {
		return
	}
	m.queueMessages.Inc(result)
}

func (m *Metrics) IncDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.Inc(reason)
}

func (m *Metrics) IncWebhookDelivery(status, result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.Inc(status, result)
}

func (m *Metrics) SetQueueDepth(ready, inflight int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(ready), "ready")
	m.queueDepth.Set(float64(inflight), "inflight")
}

// RenderEvents reads back a render event counter.
func (m *Metrics) RenderEvents(kind, event string) float64 {
	if m == nil {
		return 0
	}
	return m.renderEvents.Value(kind, event)
}

func (m *Metrics) RenderPolls(kind string) float64 {
	if m == nil {
		return 0
	}
	return m.renderPolls.Value(kind)
}

func (m *Metrics) WebhookDeliveries(status, result string) float64 {
	if m == nil {
		return 0
	}
	return m.webhookDeliveries.Value(status, result)
}

func (m *Metrics) QueueMessages(result string) float64 {
	if m == nil {
		return 0
	}
	return m.queueMessages.Value(result)
}

func (m *Metrics) DeadLetters(reason string) float64 {
	if m == nil {
		return 0
	}
	return m.deadLetters.Value(reason)
}

// QueueDepthSource reports ready and in-flight message counts.
type QueueDepthSource interface {
	Depth(ctx context.Context) (ready int64, inflight int64, err error)
}

// StartQueueDepthCollector refreshes the queue depth gauge until ctx ends.
func (m *Metrics) StartQueueDepthCollector(ctx context.Context, log *logger.Logger, src QueueDepthSource) {
	if m == nil || src == nil {
		return
	}
	collect := func() {
		ready, inflight, err := src.Depth(ctx)
		if err != nil {
			if log != nil && ctx.Err() == nil {
				log.Warn("metrics: render queue depth query failed", "error", err)
			}
			return
		}
		m.SetQueueDepth(ready, inflight)
	}
	go func() {
		collect()
		ticker := time.NewTicker(m.scrapeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect()
			}
		}
	}()
}
