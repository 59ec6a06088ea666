package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

const (
	SignatureHeader = "x-rendivia-signature"
	UserAgent       = "rendivia-webhooks/1"

	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = time.Second
	DefaultPerAttemptTimeout = 10 * time.Second
)

// Payload is the body delivered to customer endpoints when a template job
// reaches a terminal state.
type Payload struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl,omitempty"`
	Error     string `json:"error,omitempty"`
	Template  string `json:"template"`
	Version   string `json:"version"`
}

type Result struct {
	OK         bool
	Error      string
	Attempts   int
	StatusCode int
}

type Config struct {
	BaseDelay         time.Duration
	PerAttemptTimeout time.Duration
}

type Notifier interface {
	// Send POSTs payload to url and never returns an error; the outcome of
	// the final attempt is reported in Result.
	Send(ctx context.Context, url, secret string, payload any, maxAttempts int) Result
}

type Option func(*notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *notifier) {
		if c != nil {
			n.http = c
		}
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(n *notifier) {
		if sleep != nil {
			n.sleep = sleep
		}
	}
}

type notifier struct {
	cfg   Config
	log   *logger.Logger
	http  *http.Client
	sleep func(context.Context, time.Duration) error
}

func New(cfg Config, baseLog *logger.Logger, opts ...Option) Notifier {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = DefaultPerAttemptTimeout
	}
	n := &notifier{
		cfg:   cfg,
		log:   baseLog.With("component", "WebhookNotifier"),
		http:  &http.Client{},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *notifier) Send(ctx context.Context, url, secret string, payload any, maxAttempts int) Result {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode payload: %v", err)}
	}
	var signature string
	if secret != "" {
		signature = Sign(secret, body)
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		status, err := n.post(ctx, url, body, signature)
		res.StatusCode = status
		if err == nil {
			res.OK = true
			res.Error = ""
			return res
		}
		res.Error = err.Error()
		n.log.Warn("Webhook attempt failed", "url", url, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		if attempt == maxAttempts {
			break
		}
		if err := n.sleep(ctx, n.backoff(attempt)); err != nil {
			res.Error = err.Error()
			break
		}
	}
	return res
}

// backoff is the delay after the given 1-based attempt: base, base*2, base*4...
func (n *notifier) backoff(attempt int) time.Duration {
	return n.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
}

func (n *notifier) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.PerAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", UserAgent)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
