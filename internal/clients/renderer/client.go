package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

type Config struct {
	BaseURL  string
	APIToken string
	// Timeout bounds metadata calls. Downloads are bounded only by ctx.
	Timeout time.Duration
}

type StartResult struct {
	RenderID   string `json:"renderId"`
	BucketName string `json:"bucketName"`
}

type RenderError struct {
	Message string `json:"message"`
}

type Progress struct {
	Done                  bool          `json:"done"`
	OverallProgress       float64       `json:"overallProgress"`
	FatalErrorEncountered bool          `json:"fatalErrorEncountered"`
	Errors                []RenderError `json:"errors"`
}

// FirstError returns the first non-empty renderer error message.
func (p *Progress) FirstError() string {
	if p == nil {
		return ""
	}
	for _, e := range p.Errors {
		if m := strings.TrimSpace(e.Message); m != "" {
			return m
		}
	}
	return ""
}

type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("renderer %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("renderer %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the external render service over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("missing RENDERER_BASE_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	c := &Client{cfg: cfg, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Start(ctx context.Context, composition string, props map[string]any) (*StartResult, error) {
	body, err := json.Marshal(map[string]any{
		"composition": composition,
		"inputProps":  props,
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	var out StartResult
	if err := c.doJSON(ctx, "start", http.MethodPost, c.endpoint("renders", nil), body, &out); err != nil {
		return nil, err
	}
	if out.RenderID == "" {
		return nil, errors.New("renderer start: empty renderId")
	}
	return &out, nil
}

func (c *Client) Progress(ctx context.Context, renderID, bucket string) (*Progress, error) {
	var out Progress
	u := c.endpoint("renders/"+url.PathEscape(renderID)+"/progress", url.Values{"bucket": {bucket}})
	if err := c.doJSON(ctx, "progress", http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the renderer to abandon a render. Callers treat it as best effort.
func (c *Client) Cancel(ctx context.Context, renderID, bucket string) error {
	u := c.endpoint("renders/"+url.PathEscape(renderID)+"/cancel", url.Values{"bucket": {bucket}})
	return c.doJSON(ctx, "cancel", http.MethodPost, u, nil, nil)
}

// Download streams the finished artifact to outPath, replacing any existing file.
func (c *Client) Download(ctx context.Context, renderID, bucket, outPath string) error {
	u := c.endpoint("renders/"+url.PathEscape(renderID)+"/output", url.Values{"bucket": {bucket}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("renderer download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("download", resp)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("renderer download: %w", err)
	}
	return f.Close()
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.cfg.BaseURL + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, u string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("renderer %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("renderer %s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
