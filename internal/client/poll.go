package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// checkResponse is the worker status endpoint's reply.
type checkResponse struct {
	Ready    bool            `json:"ready"`
	Error    json.RawMessage `json:"error,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
}

// outputResponse is the worker output endpoint's reply.
type outputResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Poll waits until the job behind h finishes and returns its raw output.
// onProgress receives intermediate percentages; it is never called after
// Cancel(h) returns or after Poll returns. onProgress runs while the client's
// handle registry is locked and must not call back into the Client.
func (c *Client) Poll(ctx context.Context, h Handle, onProgress func(float64)) ([]byte, error) {
	parent := ctx
	ctx, untrack, err := c.track(ctx, h)
	if err != nil {
		return nil, err
	}
	defer untrack()

	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	// Progress is delivered under the same lock Cancel takes, so a completed
	// Cancel cannot be followed by a late callback.
	report := func(p float64) {
		if p < 0 || p > 100 || onProgress == nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		onProgress(p)
	}

	start := time.Now()
	if c.cfg.Transport == TransportStream {
		err = c.streamWait(ctx, h, report)
	} else {
		err = c.pollWait(ctx, h, report)
	}
	if err != nil {
		return nil, c.waitError(parent, ctx, h, err)
	}
	c.logger.Debug("job finished", "job_handle", h, "duration_ms", time.Since(start).Milliseconds())

	raw, err := c.fetchOutput(ctx, h)
	if err != nil {
		return nil, c.waitError(parent, ctx, h, err)
	}
	return raw, nil
}

// pollWait checks the worker status endpoint until the job is ready.
func (c *Client) pollWait(ctx context.Context, h Handle, report func(float64)) error {
	endpoint := c.endpoint("api", "workers", "check", string(h))
	failures := 0

	for {
		var cr checkResponse
		err := c.getJSON(ctx, endpoint, &cr)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > c.cfg.MaxPollErrors {
				return &JobError{Kind: JobErrorTransport, Handle: h, Message: "too many failed status checks", Err: err}
			}
			c.logger.Warn("job status check failed", "job_handle", h, "attempt", failures, "error", err)
		case hasError(cr.Error):
			return &JobError{Kind: JobErrorBackend, Handle: h, Message: messageText(cr.Error)}
		case cr.Ready:
			return nil
		default:
			failures = 0
			if cr.Progress != nil {
				report(*cr.Progress)
			}
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// fetchOutput downloads the result of a finished job.
func (c *Client) fetchOutput(ctx context.Context, h Handle) ([]byte, error) {
	var or outputResponse
	if err := c.getJSON(ctx, c.endpoint("api", "workers", "get", string(h)), &or); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &JobError{Kind: JobErrorTransport, Handle: h, Message: "fetch output", Err: err}
	}
	if hasError(or.Error) {
		return nil, &JobError{Kind: JobErrorBackend, Handle: h, Message: messageText(or.Error)}
	}
	if len(or.Output) == 0 || string(or.Output) == "null" {
		return nil, &JobError{Kind: JobErrorBackend, Handle: h, Message: "invalid server response: no output"}
	}

	// Detectors usually return the GeoJSON document as a string.
	var s string
	if err := json.Unmarshal(or.Output, &s); err == nil {
		return []byte(s), nil
	}
	return []byte(or.Output), nil
}

// waitError maps context endings to job error kinds.
func (c *Client) waitError(parent, ctx context.Context, h Handle, err error) error {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	switch {
	case parent.Err() != nil:
		return &JobError{Kind: JobErrorCanceled, Handle: h, Err: parent.Err()}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &JobError{Kind: JobErrorTimeout, Handle: h, Message: "job did not finish in " + c.cfg.JobTimeout.String(), Err: err}
	case ctx.Err() != nil:
		return &JobError{Kind: JobErrorCanceled, Handle: h, Err: ErrCanceled}
	default:
		return &JobError{Kind: JobErrorTransport, Handle: h, Err: err}
	}
}

func hasError(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) > 0 && s != "null" && s != `""` && s != "false"
}
