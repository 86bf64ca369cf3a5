package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/metrics"
	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/prefs"
	"github.com/raphaelgruber/objdetect-go/internal/result"
	"github.com/raphaelgruber/objdetect-go/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const validResult = `{
	"type": "FeatureCollection",
	"features": [
		{"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}, "properties": {"class": "car", "score": 0.87}},
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [2,3]}, "properties": {}}
	]
}`

type harness struct {
	o       *service.Orchestrator
	client  *fakeClient
	task    *fakeTask
	surface *overlay.MemorySurface
	prefs   *prefs.FileStore
	history *fakeHistory
	metrics *metrics.Collector
}

func newHarness(t *testing.T, mods ...func(*service.Options)) *harness {
	t.Helper()
	h := &harness{
		client:  newFakeClient(),
		task:    &fakeTask{present: true},
		surface: overlay.NewMemorySurface(),
		prefs:   prefs.NewFileStore(filepath.Join(t.TempDir(), "prefs.yaml")),
		history: &fakeHistory{},
		metrics: metrics.NewCollector(),
	}
	opts := service.Options{
		Client:   h.client,
		Task:     h.task,
		Overlays: overlay.NewManager(h.surface),
		Prefs:    h.prefs,
		History:  h.history,
		Metrics:  h.metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, mod := range mods {
		mod(&opts)
	}
	h.o = service.New(context.Background(), opts)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Activate(context.Background()))
}

// waitFor polls until cond holds for the current state and returns it.
func (h *harness) waitFor(t *testing.T, desc string, cond func(service.State) bool) service.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.o.State()) }, 2*time.Second, time.Millisecond, desc)
	return h.o.State()
}

func (h *harness) waitPhase(t *testing.T, phase service.Phase) service.State {
	t.Helper()
	return h.waitFor(t, "phase "+phase.String(), func(s service.State) bool { return s.Phase == phase })
}

func (h *harness) waitRunning(t *testing.T, handle client.Handle) service.State {
	t.Helper()
	return h.waitFor(t, "running "+string(handle), func(s service.State) bool {
		return s.Phase == service.PhaseRunning && s.Handle == handle
	})
}

func (h *harness) waitOutcome(t *testing.T, name string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Outcomes[name] >= n
	}, 2*time.Second, time.Millisecond, "outcome "+name)
}

// succeed runs one job for model to completion.
func (h *harness) succeed(t *testing.T, model string, handle client.Handle) service.State {
	t.Helper()
	require.NoError(t, h.o.Submit(client.ModelRequest(model)))
	job := h.client.await(t, handle)
	h.waitRunning(t, handle)
	job.finish(validResult, nil)
	return h.waitPhase(t, service.PhaseSucceeded)
}

func TestSuccessfulDetection(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	s := h.o.State()
	assert.Contains(t, []service.Phase{service.PhaseSubmitting, service.PhaseRunning}, s.Phase)
	assert.Equal(t, uint64(1), s.Generation)

	job := h.client.await(t, "h1")
	s = h.waitRunning(t, "h1")
	assert.Nil(t, s.Progress, "no progress before the backend reports one")

	job.sendProgress(t, 10)
	job.sendProgress(t, 47)
	s = h.waitFor(t, "progress 47", func(s service.State) bool { return s.Progress != nil && *s.Progress == 47 })
	assert.Equal(t, service.PhaseRunning, s.Phase)

	job.finish(validResult, nil)
	s = h.waitPhase(t, service.PhaseSucceeded)
	require.NotNil(t, s.Overlay)
	assert.Equal(t, 2, s.Overlay.Len())
	assert.Equal(t, "cars", s.Overlay.Tag)
	require.Len(t, s.Overlay.Popups, 2)
	assert.Equal(t, "car", s.Overlay.Popups[0].Label)
	assert.Equal(t, "0.870", s.Overlay.Popups[0].Confidence)
	assert.Nil(t, s.Overlay.Popups[1])
	assert.Len(t, h.surface.Layers(), 1)
	assert.NoError(t, s.Err)

	v, err := h.prefs.Get(context.Background(), prefs.KeyLastModel)
	require.NoError(t, err)
	assert.Equal(t, "cars", v)

	require.Eventually(t, func() bool { return len(h.history.all()) == 1 }, 2*time.Second, time.Millisecond)
	run := h.history.all()[0]
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, "h1", run.Handle)
	assert.Equal(t, "cars", run.Tag)
	assert.Equal(t, 2, run.Features)
	assert.Equal(t, 1, run.Classified)
	require.NotNil(t, run.LastProgress)
	assert.Equal(t, 47.0, *run.LastProgress)

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Outcomes[metrics.OutcomeSucceeded])
	assert.NotNil(t, snap.Submit)
	assert.NotNil(t, snap.Materialize)
}

func TestBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	job := h.client.await(t, "h1")
	h.waitRunning(t, "h1")
	job.sendProgress(t, 5)
	job.finish("", &client.JobError{Kind: client.JobErrorBackend, Handle: "h1", Message: "OOM"})

	s := h.waitPhase(t, service.PhaseFailed)
	require.Error(t, s.Err)
	assert.Contains(t, s.Err.Error(), "OOM")
	assert.Equal(t, service.KindJob, service.ErrorKind(s.Err))
	assert.Nil(t, s.Overlay)
	assert.Empty(t, h.surface.Layers())

	require.Eventually(t, func() bool { return len(h.history.all()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, models.RunStatusFailed, h.history.all()[0].Status)
	assert.Equal(t, service.KindJob, h.history.all()[0].ErrorKind)

	h.o.DismissError()
	s = h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase)
	assert.NoError(t, s.Err)
}

func TestLastSubmitWins(t *testing.T) {
	h := newHarness(t)
	h.client.ignoreCancel = true
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	first := h.client.await(t, "h1")
	h.waitRunning(t, "h1")
	first.sendProgress(t, 30)

	require.NoError(t, h.o.Submit(client.ModelRequest("boats")))
	assert.Contains(t, h.client.canceledHandles(), client.Handle("h1"))

	second := h.client.await(t, "h2")
	s := h.waitRunning(t, "h2")
	assert.Equal(t, uint64(2), s.Generation)
	assert.Nil(t, s.Progress, "progress resets for the new job")

	second.finish(validResult, nil)
	s = h.waitPhase(t, service.PhaseSucceeded)
	assert.Equal(t, "boats", s.Overlay.Tag)

	// The abandoned job completes late; its result must be discarded.
	first.finish(validResult, nil)
	h.waitOutcome(t, metrics.OutcomeStale, 1)

	s = h.o.State()
	assert.Equal(t, service.PhaseSucceeded, s.Phase)
	assert.Equal(t, "boats", s.Overlay.Tag)
	assert.Equal(t, client.Handle("h2"), s.Handle)
	require.Len(t, h.surface.Layers(), 1)
	assert.Equal(t, "boats", h.surface.Layers()[0].Tag)
}

func TestSupersededFailureIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.client.ignoreCancel = true
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	first := h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	require.NoError(t, h.o.Submit(client.ModelRequest("planes")))
	second := h.client.await(t, "h2")
	h.waitRunning(t, "h2")

	first.finish("", &client.JobError{Kind: client.JobErrorBackend, Handle: "h1", Message: "OOM"})
	h.waitOutcome(t, metrics.OutcomeStale, 1)

	s := h.o.State()
	assert.Equal(t, service.PhaseRunning, s.Phase)
	assert.NoError(t, s.Err)

	second.finish(validResult, nil)
	h.waitPhase(t, service.PhaseSucceeded)
}

func TestSupersededProgressIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	first := h.client.await(t, "h1")
	h.waitRunning(t, "h1")
	first.sendProgress(t, 30)
	h.waitFor(t, "progress 30", func(s service.State) bool { return s.Progress != nil && *s.Progress == 30 })

	require.NoError(t, h.o.Submit(client.ModelRequest("boats")))
	second := h.client.await(t, "h2")
	h.waitRunning(t, "h2")

	h.client.lateProgress(t, "h1", 99)

	s := h.o.State()
	assert.Equal(t, service.PhaseRunning, s.Phase)
	assert.Equal(t, client.Handle("h2"), s.Handle)
	assert.Nil(t, s.Progress, "progress from the abandoned job must not surface")

	second.sendProgress(t, 12)
	s = h.waitFor(t, "progress 12", func(s service.State) bool { return s.Progress != nil })
	assert.Equal(t, 12.0, *s.Progress)

	h.client.lateProgress(t, "h1", 99)
	assert.Equal(t, 12.0, *h.o.State().Progress)

	second.finish(validResult, nil)
	h.waitPhase(t, service.PhaseSucceeded)
}

func TestProgressAfterTeardownIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	h.o.Teardown()
	h.waitPhase(t, service.PhaseIdle)
	h.client.lateProgress(t, "h1", 50)

	s := h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase)
	assert.Nil(t, s.Progress)
}

func TestConsecutiveRunsShareOneLayer(t *testing.T) {
	dir := t.TempDir()
	run := func(model string) (service.State, *overlay.DirSurface) {
		surface, err := overlay.NewDirSurface(dir)
		require.NoError(t, err)
		m, err := overlay.OpenManager(surface)
		require.NoError(t, err)

		h := newHarness(t, func(o *service.Options) { o.Overlays = m })
		before := h.o.State()
		h.activate(t)
		h.succeed(t, model, "h1")
		h.o.Close()
		return before, surface
	}

	before, _ := run("cars")
	assert.Nil(t, before.Overlay)

	before, surface := run("boats")
	require.NotNil(t, before.Overlay, "overlay of the previous run is adopted")
	assert.Equal(t, "cars", before.Overlay.Tag)

	layers, err := surface.List()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, "boats", layers[0].Tag)
}

func TestTeardownKeepsOverlay(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.succeed(t, "cars", "h1")

	h.o.Teardown()
	s := h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase)
	assert.False(t, s.Activated)
	require.NotNil(t, s.Overlay, "teardown never removes the overlay")
	assert.Len(t, h.surface.Layers(), 1)

	require.ErrorIs(t, h.o.Submit(client.ModelRequest("cars")), service.ErrNotActivated)

	h.activate(t)
	require.NoError(t, h.o.Submit(client.ModelRequest("boats")))
	assert.Empty(t, h.surface.Layers(), "a new submission removes the old overlay")
	assert.Nil(t, h.o.State().Overlay)
}

func TestTeardownCancelsRunningJob(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	h.o.Teardown()
	assert.Equal(t, service.PhaseIdle, h.o.State().Phase)
	assert.Contains(t, h.client.canceledHandles(), client.Handle("h1"))

	h.waitOutcome(t, metrics.OutcomeStale, 1)
	s := h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase)
	assert.NoError(t, s.Err, "cancellation is not surfaced as a failure")

	require.Eventually(t, func() bool { return len(h.history.all()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, models.RunStatusCanceled, h.history.all()[0].Status)
}

func TestPrerequisiteMissing(t *testing.T) {
	h := newHarness(t)
	h.task.present = false

	err := h.o.Activate(context.Background())
	var pre *service.PrerequisiteMissingError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "orthophoto.tif", pre.Asset)

	err = h.o.Submit(client.ModelRequest("cars"))
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, service.KindPrerequisite, service.ErrorKind(err))

	s := h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase, "never reaches submitting")
	assert.Error(t, s.Blocked)
	assert.Zero(t, h.client.submissions())

	// Blocking is permanent until the next activation.
	h.task.mu.Lock()
	h.task.present = true
	h.task.mu.Unlock()
	require.ErrorAs(t, h.o.Submit(client.ModelRequest("cars")), &pre)

	h.activate(t)
	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	assert.Nil(t, h.o.State().Blocked)
}

func TestPrerequisiteLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.task.err = errors.New("404 Not Found")

	err := h.o.Activate(context.Background())
	var pre *service.PrerequisiteMissingError
	require.ErrorAs(t, err, &pre)
	assert.ErrorContains(t, err, "404")
	require.ErrorAs(t, h.o.Submit(client.ModelRequest("cars")), &pre)
}

func TestSubmitBeforeActivate(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.o.Submit(client.ModelRequest("cars")), service.ErrNotActivated)
	assert.Equal(t, service.PhaseIdle, h.o.State().Phase)
	assert.Zero(t, h.client.submissions())
}

func TestProgressNotMonotonic(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	job := h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	job.sendProgress(t, 60)
	h.waitFor(t, "progress 60", func(s service.State) bool { return s.Progress != nil && *s.Progress == 60 })
	job.sendProgress(t, 30)
	s := h.waitFor(t, "progress 30", func(s service.State) bool { return s.Progress != nil && *s.Progress == 30 })
	assert.Equal(t, service.PhaseRunning, s.Phase)
}

func TestValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind result.ValidationKind
	}{
		{"malformed", "not json", result.MalformedPayload},
		{"schema", `{"type":"Feature"}`, result.SchemaMismatch},
		{"half classified", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"class":"car"}}]}`, result.SchemaMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)

			require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
			job := h.client.await(t, "h1")
			h.waitRunning(t, "h1")
			job.finish(tt.raw, nil)

			s := h.waitPhase(t, service.PhaseFailed)
			var verr *result.ValidationError
			require.ErrorAs(t, s.Err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
			assert.Equal(t, service.KindValidation, service.ErrorKind(s.Err))
			assert.Empty(t, h.surface.Layers())
			h.waitOutcome(t, metrics.OutcomeFailed+":"+service.KindValidation, 1)
		})
	}
}

func TestSurfaceFailure(t *testing.T) {
	h := newHarness(t, func(o *service.Options) {
		o.Overlays = overlay.NewManager(failingSurface{})
	})
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	job := h.client.await(t, "h1")
	h.waitRunning(t, "h1")
	job.finish(validResult, nil)

	s := h.waitPhase(t, service.PhaseFailed)
	assert.Equal(t, service.KindOverlay, service.ErrorKind(s.Err))
	assert.ErrorContains(t, s.Err, "map not ready")
	assert.Nil(t, s.Overlay)

	_, _, err := h.o.Export()
	require.ErrorIs(t, err, service.ErrNoOverlay)
}

func TestSubmissionFailure(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.succeed(t, "cars", "h1")

	h.client.mu.Lock()
	h.client.submitErr = &client.SubmissionError{Message: "invalid model"}
	h.client.mu.Unlock()

	require.NoError(t, h.o.Submit(client.ModelRequest("boats")))
	s := h.waitPhase(t, service.PhaseFailed)
	assert.Equal(t, service.KindSubmission, service.ErrorKind(s.Err))
	assert.Empty(t, h.surface.Layers(), "the previous overlay is removed on submit")

	v, err := h.prefs.Get(context.Background(), prefs.KeyLastModel)
	require.NoError(t, err)
	assert.Equal(t, "cars", v, "failed submissions do not change the preference")
}

func TestRemoveOverlay(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.succeed(t, "cars", "h1")

	require.NoError(t, h.o.RemoveOverlay())
	s := h.o.State()
	assert.Equal(t, service.PhaseIdle, s.Phase)
	assert.Nil(t, s.Overlay)
	assert.Empty(t, h.surface.Layers())

	require.NoError(t, h.o.RemoveOverlay(), "removing twice is a no-op")
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	_, _, err := h.o.Export()
	require.ErrorIs(t, err, service.ErrNoOverlay)

	h.succeed(t, "coffee", "h1")
	name, text, err := h.o.Export()
	require.NoError(t, err)
	assert.Equal(t, "coffee.geojson", name)

	coll, err := result.Parse([]byte(text))
	require.NoError(t, err)
	require.Equal(t, 2, coll.Len())
	require.NotNil(t, coll.Features[0].Class)
	assert.Equal(t, "car", coll.Features[0].Class.Label)
	assert.Equal(t, 0.87, coll.Features[0].Class.Score)
	assert.Contains(t, text, "\n    \"type\"")
}

func TestModelPreference(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   string
	}{
		{"unset", "", models.DefaultModel},
		{"stored", "boats", "boats"},
		{"unknown stored", "trees", models.DefaultModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := prefs.NewFileStore(filepath.Join(t.TempDir(), "prefs.yaml"))
			if tt.stored != "" {
				require.NoError(t, store.Set(context.Background(), prefs.KeyLastModel, tt.stored))
			}
			h := newHarness(t, func(o *service.Options) { o.Prefs = store })
			assert.Equal(t, tt.want, h.o.Model())
		})
	}
}

func TestSelectModel(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.ErrorIs(t, h.o.SelectModel("trees"), service.ErrUnknownModel)
	assert.Equal(t, models.DefaultModel, h.o.Model())

	require.NoError(t, h.o.SelectModel("planes"))
	require.NoError(t, h.o.SubmitModel())
	h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	h.client.mu.Lock()
	assert.Equal(t, "planes", h.client.submitted[0].Get("model"))
	h.client.mu.Unlock()

	require.Eventually(t, func() bool {
		v, err := h.prefs.Get(context.Background(), prefs.KeyLastModel)
		return err == nil && v == "planes"
	}, 2*time.Second, time.Millisecond)
}

func TestUpdatesKeepNewest(t *testing.T) {
	h := newHarness(t, func(o *service.Options) { o.UpdateBuffer = 2 })
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	job := h.client.await(t, "h1")
	h.waitRunning(t, "h1")
	for i := 1; i <= 20; i++ {
		job.sendProgress(t, float64(i))
	}
	h.waitFor(t, "progress 20", func(s service.State) bool { return s.Progress != nil && *s.Progress == 20 })

	var last service.State
	n := 0
drain:
	for {
		select {
		case s := <-h.o.Updates():
			last = s
			n++
		default:
			break drain
		}
	}
	assert.LessOrEqual(t, n, 2)
	require.NotNil(t, last.Progress)
	assert.Equal(t, 20.0, *last.Progress)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.o.Submit(client.ModelRequest("cars")))
	h.client.await(t, "h1")
	h.waitRunning(t, "h1")

	h.o.Close()
	h.o.Close()

	for range h.o.Updates() {
	}
	require.ErrorIs(t, h.o.Submit(client.ModelRequest("cars")), service.ErrClosed)
	require.ErrorIs(t, h.o.Activate(context.Background()), service.ErrClosed)
	assert.Equal(t, service.PhaseIdle, h.o.State().Phase)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&client.SubmissionError{Message: "x"}, service.KindSubmission},
		{fmt.Errorf("wrapped: %w", &client.JobError{Kind: client.JobErrorTimeout}), service.KindJob},
		{&result.ValidationError{Kind: result.SchemaMismatch}, service.KindValidation},
		{&service.OverlayError{Err: errors.New("x")}, service.KindOverlay},
		{overlay.ErrOverlayExists, service.KindOverlay},
		{&service.PrerequisiteMissingError{Asset: "orthophoto.tif"}, service.KindPrerequisite},
		{errors.New("boom"), service.KindInternal},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, service.ErrorKind(tt.err))
		})
	}
}
