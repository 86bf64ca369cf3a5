// Package client talks to the job-execution backend: it submits detection
// jobs, waits for them by polling or by subscription, and fetches their output.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// Transports for waiting on a job.
const (
	TransportPoll   = "poll"
	TransportStream = "stream"
)

// Handle identifies a job issued by the backend.
type Handle string

// Request is an immutable set of job parameters.
type Request struct {
	params map[string]string
}

// NewRequest copies params into a new request.
func NewRequest(params map[string]string) Request {
	return Request{params: maps.Clone(params)}
}

// ModelRequest is a request selecting a single detection model.
func ModelRequest(model string) Request {
	return NewRequest(map[string]string{"model": model})
}

// Params returns a copy of the parameters.
func (r Request) Params() map[string]string {
	return maps.Clone(r.params)
}

// Get returns a single parameter.
func (r Request) Get(key string) string {
	return r.params[key]
}

// Empty reports whether the request has no parameters.
func (r Request) Empty() bool {
	return len(r.params) == 0
}

// Tag returns the display tag: the value of a single parameter, or the sorted
// key=value pairs otherwise.
func (r Request) Tag() string {
	if len(r.params) == 1 {
		for _, v := range r.params {
			return v
		}
	}
	keys := slices.Sorted(maps.Keys(r.params))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+r.params[k])
	}
	return strings.Join(parts, ",")
}

// Config holds backend connection settings.
type Config struct {
	ServerURL     string // e.g. http://localhost:8000
	Token         string // JWT, optional
	Plugin        string // plugin route segment, "objdetect"
	Project       string
	Task          string
	RequiredAsset string // asset that must exist before submitting

	Transport     string // TransportPoll or TransportStream
	StreamURL     string // websocket endpoint; derived from ServerURL if empty
	PollInterval  time.Duration
	MaxPollErrors int
	JobTimeout    time.Duration // zero disables the timeout
}

// Client implements submit/poll/fetch/cancel against the backend.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[Handle]context.CancelFunc
	pending  map[Handle]*pendingJob // submitted, not yet polled
}

// pendingJob remembers a cancel that arrives between Submit and Poll. The
// entry lives until Poll starts or the Submit context ends.
type pendingJob struct {
	canceled bool
	stop     func() bool
}

// New validates cfg and creates a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q needs a scheme and host", cfg.ServerURL)
	}
	if cfg.Plugin == "" {
		cfg.Plugin = "objdetect"
	}
	if cfg.RequiredAsset == "" {
		cfg.RequiredAsset = "orthophoto.tif"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportPoll
	}
	if cfg.Transport != TransportPoll && cfg.Transport != TransportStream {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		baseURL:    u,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		inflight:   make(map[Handle]context.CancelFunc),
		pending:    make(map[Handle]*pendingJob),
	}, nil
}

// submitResponse is the detect endpoint's reply.
type submitResponse struct {
	TaskID string          `json:"celery_task_id"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Submit starts a job and returns its handle.
func (c *Client) Submit(ctx context.Context, req Request) (Handle, error) {
	if req.Empty() {
		return "", &SubmissionError{Message: "request has no parameters"}
	}

	form := url.Values{}
	for k, v := range req.params {
		form.Set(k, v)
	}

	endpoint := c.endpoint("api", "plugins", c.cfg.Plugin, "task", c.cfg.Task, "detect")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &SubmissionError{Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Message: "execute request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubmissionError{Message: "read response", Err: err}
	}

	var sr submitResponse
	decodeErr := json.Unmarshal(body, &sr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && len(sr.Error) > 0 {
			return "", &SubmissionError{Message: messageText(sr.Error)}
		}
		return "", &SubmissionError{Message: fmt.Sprintf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))}
	}
	if decodeErr != nil {
		return "", &SubmissionError{Message: "invalid response", Err: decodeErr}
	}

	switch {
	case sr.TaskID != "":
		h := Handle(sr.TaskID)
		c.register(ctx, h)
		c.logger.Info("job submitted", "job_handle", h, "tag", req.Tag())
		return h, nil
	case len(sr.Error) > 0 && string(sr.Error) != "null":
		return "", &SubmissionError{Message: messageText(sr.Error)}
	default:
		return "", &SubmissionError{Message: "invalid response: " + strings.TrimSpace(string(body))}
	}
}

// Cancel stops waiting for h. A handle submitted but not yet polled makes
// its Poll fail with ErrCanceled. It is safe to call repeatedly and is a no-op
// for handles that already finished or are unknown.
func (c *Client) Cancel(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.inflight[h]; ok {
		cancel()
		delete(c.inflight, h)
		c.logger.Debug("job wait canceled", "job_handle", h)
		return
	}
	if p, ok := c.pending[h]; ok {
		p.canceled = true
		c.logger.Debug("job canceled before wait", "job_handle", h)
	}
}

// register records a freshly submitted handle until it is polled or ctx ends.
func (c *Client) register(ctx context.Context, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &pendingJob{}
	p.stop = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[h] == p {
			delete(c.pending, h)
		}
	})
	c.pending[h] = p
}

// track registers a cancellable wait for h. It fails if h was cancelled
// before the wait started.
func (c *Client) track(ctx context.Context, h Handle) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[h]; ok {
		p.stop()
		delete(c.pending, h)
		if p.canceled {
			return nil, nil, &JobError{Kind: JobErrorCanceled, Handle: h, Err: ErrCanceled}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.inflight[h] = cancel
	untrack := func() {
		c.mu.Lock()
		delete(c.inflight, h)
		c.mu.Unlock()
		cancel()
	}
	return ctx, untrack, nil
}

// endpoint joins path segments onto the server URL.
func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "JWT "+c.cfg.Token)
	}
}

// getJSON performs a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// messageText renders an error member that may be a string or any JSON value.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
