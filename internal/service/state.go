package service

import (
	"maps"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
)

// Phase is the lifecycle position of the orchestrator.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseRunning
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitting:
		return "submitting"
	case PhaseRunning:
		return "running"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Busy reports whether a job is in flight.
func (p Phase) Busy() bool {
	return p == PhaseSubmitting || p == PhaseRunning
}

// State is a snapshot of the orchestrator.
type State struct {
	Phase      Phase
	Generation uint64
	Handle     client.Handle
	Progress   *float64 // nil until the backend reports one
	Overlay    *overlay.Overlay
	Err        error // set in PhaseFailed
	Params     map[string]string

	Activated bool
	Blocked   error // *PrerequisiteMissingError while submission is blocked
}

// clone returns a copy that shares nothing mutable with s.
func (s State) clone() State {
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	s.Params = maps.Clone(s.Params)
	return s
}
