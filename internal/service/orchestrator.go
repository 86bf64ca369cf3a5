// Package service runs the detection job lifecycle: submission, waiting,
// validation and ownership of the resulting overlay.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/config"
	"github.com/raphaelgruber/objdetect-go/internal/metrics"
	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/prefs"
	"github.com/raphaelgruber/objdetect-go/internal/result"
)

// JobClient submits and waits on backend jobs. Poll's onProgress must not be
// called after Cancel for the same handle has returned.
type JobClient interface {
	Submit(ctx context.Context, req client.Request) (client.Handle, error)
	Poll(ctx context.Context, h client.Handle, onProgress func(float64)) ([]byte, error)
	Cancel(h client.Handle)
}

// TaskInfo answers whether the host task can run detection.
type TaskInfo interface {
	PrerequisitePresent(ctx context.Context) (bool, error)
}

// Recorder stores terminal runs.
type Recorder interface {
	RecordRun(ctx context.Context, in models.RunInput) error
}

// Options configures an Orchestrator. Client, Task and Overlays are required.
type Options struct {
	Client        JobClient
	Task          TaskInfo
	Overlays      *overlay.Manager
	Prefs         prefs.Store        // optional
	History       Recorder           // optional
	Metrics       *metrics.Collector // optional
	Logger        *slog.Logger
	RequiredAsset string // named in PrerequisiteMissingError
	UpdateBuffer  int    // capacity of the Updates channel, default 32
}

// Orchestrator owns the job lifecycle state machine. All state changes happen
// under mu; each submission runs on its own goroutine and applies its results
// only while its generation is still current.
type Orchestrator struct {
	client   JobClient
	task     TaskInfo
	overlays *overlay.Manager
	prefs    prefs.Store
	history  Recorder
	metrics  *metrics.Collector
	logger   *slog.Logger
	asset    string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	mu        sync.Mutex
	state     State
	model     string
	jobCancel context.CancelFunc
	closed    bool
	updates   chan State
}

// New creates an orchestrator. The last used model is read from preferences.
func New(ctx context.Context, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buf := opts.UpdateBuffer
	if buf <= 0 {
		buf = 32
	}
	asset := opts.RequiredAsset
	if asset == "" {
		asset = "orthophoto.tif"
	}

	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	o := &Orchestrator{
		client:     opts.Client,
		task:       opts.Task,
		overlays:   opts.Overlays,
		prefs:      opts.Prefs,
		history:    opts.History,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "orchestrator"),
		asset:      asset,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		model:      models.DefaultModel,
		updates:    make(chan State, buf),
	}
	// A persistent surface may hand over an overlay from an earlier run.
	o.state.Overlay = o.overlays.Current()

	if o.prefs != nil {
		stored, err := o.prefs.Get(ctx, prefs.KeyLastModel)
		switch {
		case errors.Is(err, prefs.ErrNotFound):
		case err != nil:
			o.logger.Warn("failed to read model preference", "error", err)
		default:
			o.model = models.ModelOrDefault(stored)
			if o.model != stored {
				o.logger.Warn("stored model not in catalog, using default", "stored", stored, "model", o.model)
			}
		}
	}
	return o
}

// Activate checks the task prerequisite. A missing asset or a failed lookup
// blocks submission until the next Activate.
func (o *Orchestrator) Activate(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.mu.Unlock()

	ok, err := o.task.PrerequisitePresent(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	var blocked *PrerequisiteMissingError
	switch {
	case err != nil:
		blocked = &PrerequisiteMissingError{Asset: o.asset, Err: err}
	case !ok:
		blocked = &PrerequisiteMissingError{Asset: o.asset}
	}

	o.state.Activated = true
	o.state.Blocked = nil
	if blocked != nil {
		o.state.Blocked = blocked
		o.logger.Warn("submission blocked", "error", blocked)
	}
	o.publishLocked()

	if blocked != nil {
		return blocked
	}
	return nil
}

// Submit starts a job for req. A job already in flight is cancelled; the
// newest submission always wins. Any existing overlay is removed first.
func (o *Orchestrator) Submit(req client.Request) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case !o.state.Activated:
		o.mu.Unlock()
		return ErrNotActivated
	case o.state.Blocked != nil:
		err := o.state.Blocked
		o.mu.Unlock()
		return err
	}

	prevHandle, prevCancel := o.abandonLocked()

	if err := o.overlays.Remove(); err != nil {
		o.logger.Warn("failed to remove previous overlay", "error", err)
	}

	gen := o.state.Generation + 1
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.jobCancel = cancel
	o.state = State{
		Phase:      PhaseSubmitting,
		Generation: gen,
		Params:     req.Params(),
		Activated:  true,
	}
	o.publishLocked()
	o.wg.Add(1)
	o.mu.Unlock()

	// The client may be delivering progress to us under its own lock, so it is
	// only called without holding mu.
	o.release(prevHandle, prevCancel)

	go o.run(ctx, cancel, gen, req)
	return nil
}

// Teardown returns to Idle, cancelling any job in flight. The overlay stays on
// the surface. A new Activate is required before the next Submit.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	h, cancel := o.teardownLocked()
	o.publishLocked()
	o.mu.Unlock()

	o.release(h, cancel)
}

// RemoveOverlay removes the current overlay. It is a no-op without one.
func (o *Orchestrator) RemoveOverlay() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.overlays.Current() == nil {
		return nil
	}

	err := o.overlays.Remove()
	o.state.Overlay = nil
	if o.state.Phase == PhaseSucceeded {
		o.state.Phase = PhaseIdle
	}
	o.publishLocked()
	return err
}

// DismissError clears a failure and returns to Idle.
func (o *Orchestrator) DismissError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state.Phase != PhaseFailed {
		return
	}
	o.state.Phase = PhaseIdle
	o.state.Err = nil
	o.publishLocked()
}

// Export returns the file name and GeoJSON text of the current overlay.
func (o *Orchestrator) Export() (string, string, error) {
	ov := o.overlays.Current()
	if ov == nil {
		return "", "", ErrNoOverlay
	}
	text, err := o.overlays.ExportAsText(ov)
	if err != nil {
		return "", "", err
	}
	return overlay.ExportFilename(ov.Tag), text, nil
}

// Model returns the selected detection model.
func (o *Orchestrator) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.model
}

// SelectModel changes the model used by SubmitModel.
func (o *Orchestrator) SelectModel(name string) error {
	if !models.ValidModel(name) {
		return ErrUnknownModel
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.model = name
	return nil
}

// SubmitModel submits a job for the selected model.
func (o *Orchestrator) SubmitModel() error {
	return o.Submit(client.ModelRequest(o.Model()))
}

// State returns the current snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Updates delivers a snapshot after every transition. When the buffer is full
// the oldest pending snapshot is dropped. The channel is closed by Close.
func (o *Orchestrator) Updates() <-chan State {
	return o.updates
}

// Close tears down, waits for job goroutines to exit and closes Updates.
// The overlay is left on the surface.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		h, cancel := o.teardownLocked()
		o.publishLocked()
		o.closed = true
		o.mu.Unlock()

		o.release(h, cancel)
		o.baseCancel()
		o.wg.Wait()

		o.mu.Lock()
		close(o.updates)
		o.mu.Unlock()
	})
}

// abandonLocked detaches the in-flight job, if any, and returns what must be
// released once mu is dropped.
func (o *Orchestrator) abandonLocked() (client.Handle, context.CancelFunc) {
	if !o.state.Phase.Busy() {
		return "", nil
	}
	h, cancel := o.state.Handle, o.jobCancel
	o.jobCancel = nil
	o.logger.Info("cancelling job in flight", "generation", o.state.Generation, "job_handle", h)
	return h, cancel
}

func (o *Orchestrator) teardownLocked() (client.Handle, context.CancelFunc) {
	h, cancel := o.abandonLocked()
	o.state = State{
		Phase:      PhaseIdle,
		Generation: o.state.Generation + 1,
		Overlay:    o.overlays.Current(),
	}
	return h, cancel
}

func (o *Orchestrator) release(h client.Handle, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if h != "" {
		o.client.Cancel(h)
	}
}

func (o *Orchestrator) snapshotLocked() State {
	return o.state.clone()
}

func (o *Orchestrator) publishLocked() {
	if o.closed {
		return
	}
	s := o.snapshotLocked()
	for {
		select {
		case o.updates <- s:
			return
		default:
		}
		select {
		case <-o.updates:
		default:
		}
	}
}

// currentLocked reports whether gen still owns the state.
func (o *Orchestrator) currentLocked(gen uint64) bool {
	return !o.closed && o.state.Generation == gen
}

// run drives one submission to a terminal state.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, gen uint64, req client.Request) {
	defer o.wg.Done()
	defer cancel()

	j := &jobRun{gen: gen, req: req, started: time.Now()}
	logCtx := config.ContextAttrs(ctx, slog.Uint64("job_generation", gen), slog.String("tag", req.Tag()))

	start := time.Now()
	h, err := o.client.Submit(ctx, req)
	o.timing(metrics.OpSubmit, start)
	if err != nil {
		o.fail(logCtx, j, err)
		return
	}
	j.handle = h
	logCtx = config.ContextAttrs(logCtx, slog.String("job_handle", string(h)))

	o.mu.Lock()
	if !o.currentLocked(gen) {
		o.mu.Unlock()
		o.client.Cancel(h)
		o.stale(logCtx, j)
		return
	}
	o.state.Phase = PhaseRunning
	o.state.Handle = h
	o.state.Progress = nil
	if model := req.Get("model"); model != "" && models.ValidModel(model) {
		o.model = model
	}
	o.publishLocked()
	o.mu.Unlock()
	o.logger.InfoContext(logCtx, "job running")

	o.saveModel(ctx, req)

	start = time.Now()
	raw, err := o.client.Poll(ctx, h, func(p float64) { o.progress(j, p) })
	o.timing(metrics.OpWait, start)
	if err != nil {
		o.fail(logCtx, j, err)
		return
	}

	start = time.Now()
	coll, err := result.Parse(raw)
	o.timing(metrics.OpValidate, start)
	if err != nil {
		o.fail(logCtx, j, err)
		return
	}

	o.mu.Lock()
	if !o.currentLocked(gen) {
		o.mu.Unlock()
		o.stale(logCtx, j)
		return
	}
	start = time.Now()
	ov, err := o.overlays.Materialize(coll, req.Tag())
	o.timing(metrics.OpMaterialize, start)
	if err != nil {
		o.mu.Unlock()
		o.fail(logCtx, j, &OverlayError{Err: err})
		return
	}
	o.state.Phase = PhaseSucceeded
	o.state.Overlay = ov
	o.state.Err = nil
	j.lastProgress = o.state.Progress
	o.jobCancel = nil
	o.publishLocked()
	o.mu.Unlock()

	o.logger.InfoContext(logCtx, "job succeeded", "features", coll.Len(), "classified", coll.Classified())
	o.outcome(metrics.OutcomeSucceeded)
	o.record(ctx, j, models.RunInput{
		Status:     models.RunStatusSucceeded,
		Features:   coll.Len(),
		Classified: coll.Classified(),
	})
}

// jobRun carries per-submission bookkeeping for logs and history.
type jobRun struct {
	gen          uint64
	req          client.Request
	handle       client.Handle
	started      time.Time
	lastProgress *float64
}

func (o *Orchestrator) progress(j *jobRun, p float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(j.gen) || o.state.Phase != PhaseRunning {
		return
	}
	o.state.Progress = &p
	o.publishLocked()
}

// fail moves the current generation to Failed. Errors of superseded
// generations are discarded.
func (o *Orchestrator) fail(ctx context.Context, j *jobRun, err error) {
	o.mu.Lock()
	if !o.currentLocked(j.gen) {
		o.mu.Unlock()
		o.stale(ctx, j)
		return
	}
	o.state.Phase = PhaseFailed
	o.state.Err = err
	o.state.Overlay = nil
	j.lastProgress = o.state.Progress
	o.jobCancel = nil
	o.publishLocked()
	o.mu.Unlock()

	kind := ErrorKind(err)
	o.logger.ErrorContext(ctx, "job failed", "kind", kind, "error", err)
	o.outcome(metrics.OutcomeFailed + ":" + kind)
	o.record(ctx, j, models.RunInput{
		Status:    models.RunStatusFailed,
		ErrorKind: kind,
		Error:     err.Error(),
	})
}

// stale handles the end of a superseded generation.
func (o *Orchestrator) stale(ctx context.Context, j *jobRun) {
	o.logger.DebugContext(ctx, "discarding stale job result")
	o.outcome(metrics.OutcomeStale)
	if j.handle != "" {
		o.record(ctx, j, models.RunInput{Status: models.RunStatusCanceled})
	}
}

func (o *Orchestrator) saveModel(ctx context.Context, req client.Request) {
	model := req.Get("model")
	if o.prefs == nil || model == "" {
		return
	}
	if err := o.prefs.Set(ctx, prefs.KeyLastModel, model); err != nil {
		o.logger.WarnContext(ctx, "failed to save model preference", "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, j *jobRun, in models.RunInput) {
	if o.history == nil {
		return
	}
	in.Handle = string(j.handle)
	in.Tag = j.req.Tag()
	in.Params = j.req.Params()
	in.Generation = j.gen
	in.LastProgress = j.lastProgress
	in.StartedAt = j.started
	in.FinishedAt = time.Now()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.history.RecordRun(rctx, in); err != nil {
		o.logger.WarnContext(ctx, "failed to record job history", "error", err)
	}
}

func (o *Orchestrator) timing(op string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordTiming(op, time.Since(start))
	}
}

func (o *Orchestrator) outcome(name string) {
	if o.metrics != nil {
		o.metrics.RecordOutcome(name)
	}
}
