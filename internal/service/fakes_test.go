package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/stretchr/testify/require"
)

type jobResult struct {
	raw []byte
	err error
}

type fakeJob struct {
	progress chan float64
	done     chan jobResult
	canceled chan struct{}
	once     sync.Once
}

// fakeClient hands out handles h1, h2, ... and lets tests drive each job.
type fakeClient struct {
	mu        sync.Mutex
	next      int
	jobs      map[client.Handle]*fakeJob
	submitted []client.Request
	canceled  []client.Handle
	submitErr error
	// callbacks keeps every onProgress handed to Poll so tests can invoke one
	// after its job was superseded.
	callbacks map[client.Handle]func(float64)
	// ignoreCancel makes Poll keep waiting after Cancel, emulating a backend
	// result that was already on its way.
	ignoreCancel bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		jobs:      make(map[client.Handle]*fakeJob),
		callbacks: make(map[client.Handle]func(float64)),
	}
}

func (c *fakeClient) Submit(ctx context.Context, req client.Request) (client.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, req)
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.next++
	h := client.Handle(fmt.Sprintf("h%d", c.next))
	c.jobs[h] = &fakeJob{
		progress: make(chan float64),
		done:     make(chan jobResult, 1),
		canceled: make(chan struct{}),
	}
	return h, nil
}

func (c *fakeClient) Poll(ctx context.Context, h client.Handle, onProgress func(float64)) ([]byte, error) {
	c.mu.Lock()
	c.callbacks[h] = onProgress
	c.mu.Unlock()

	job := c.job(h)
	canceled := job.canceled
	if c.ignores() {
		canceled = nil
	}
	for {
		select {
		case p := <-job.progress:
			onProgress(p)
		case r := <-job.done:
			return r.raw, r.err
		case <-canceled:
			return nil, &client.JobError{Kind: client.JobErrorCanceled, Handle: h, Err: client.ErrCanceled}
		case <-ctx.Done():
			if c.ignores() {
				// Wait for the test to deliver the late result.
				r := <-job.done
				return r.raw, r.err
			}
			return nil, &client.JobError{Kind: client.JobErrorCanceled, Handle: h, Err: ctx.Err()}
		}
	}
}

func (c *fakeClient) Cancel(h client.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, h)
	if job, ok := c.jobs[h]; ok {
		job.once.Do(func() { close(job.canceled) })
	}
}

// lateProgress invokes the onProgress that Poll received for h, the way a
// backend callback already in flight would after the job was abandoned.
func (c *fakeClient) lateProgress(t *testing.T, h client.Handle, p float64) {
	t.Helper()
	c.mu.Lock()
	cb := c.callbacks[h]
	c.mu.Unlock()
	require.NotNil(t, cb, "no poll started for %s", h)
	cb(p)
}

func (c *fakeClient) ignores() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignoreCancel
}

func (c *fakeClient) job(h client.Handle) *fakeJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[h]
}

// await returns the job behind h once it has been submitted.
func (c *fakeClient) await(t *testing.T, h client.Handle) *fakeJob {
	t.Helper()
	var job *fakeJob
	require.Eventually(t, func() bool {
		job = c.job(h)
		return job != nil
	}, 2*time.Second, time.Millisecond)
	return job
}

func (c *fakeClient) canceledHandles() []client.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]client.Handle(nil), c.canceled...)
}

func (c *fakeClient) submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitted)
}

// sendProgress blocks until the orchestrator's Poll callback took p.
func (j *fakeJob) sendProgress(t *testing.T, p float64) {
	t.Helper()
	select {
	case j.progress <- p:
	case <-time.After(2 * time.Second):
		t.Fatalf("progress %v not consumed", p)
	}
}

func (j *fakeJob) finish(raw string, err error) {
	j.done <- jobResult{raw: []byte(raw), err: err}
}

type fakeTask struct {
	present bool
	err     error
	calls   int
	mu      sync.Mutex
}

func (f *fakeTask) PrerequisitePresent(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.present, f.err
}

type fakeHistory struct {
	mu   sync.Mutex
	runs []models.RunInput
}

func (h *fakeHistory) RecordRun(_ context.Context, in models.RunInput) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, in)
	return nil
}

func (h *fakeHistory) all() []models.RunInput {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.RunInput(nil), h.runs...)
}

type failingSurface struct{}

func (failingSurface) AddLayer(*overlay.Overlay) error { return errors.New("map not ready") }
func (failingSurface) RemoveLayer(*overlay.Overlay) error { return nil }
