package service

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/result"
)

var (
	// ErrNotActivated is returned by Submit before Activate, and after Teardown.
	ErrNotActivated = errors.New("orchestrator not activated")

	// ErrNoOverlay is returned by Export when no overlay exists.
	ErrNoOverlay = errors.New("no overlay to export")

	// ErrUnknownModel is returned by SelectModel for names outside the catalog.
	ErrUnknownModel = errors.New("unknown detection model")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// PrerequisiteMissingError blocks submission until the next activation.
type PrerequisiteMissingError struct {
	Asset string
	Err   error // lookup failure, nil when the asset is simply absent
}

func (e *PrerequisiteMissingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot check for %s: %v", e.Asset, e.Err)
	}
	return fmt.Sprintf("task has no %s asset; reprocess the task to generate it", e.Asset)
}

func (e *PrerequisiteMissingError) Unwrap() error {
	return e.Err
}

// OverlayError wraps a failure to attach a validated result to the surface.
type OverlayError struct {
	Err error
}

func (e *OverlayError) Error() string {
	return "materialize overlay: " + e.Err.Error()
}

func (e *OverlayError) Unwrap() error {
	return e.Err
}

// Error kinds reported by ErrorKind.
const (
	KindSubmission   = "submission"
	KindJob          = "job"
	KindValidation   = "validation"
	KindOverlay      = "overlay"
	KindPrerequisite = "prerequisite"
	KindInternal     = "internal"
)

// ErrorKind classifies err for logs, metrics and job history. It returns ""
// for nil.
func ErrorKind(err error) string {
	var (
		pre *PrerequisiteMissingError
		sub *client.SubmissionError
		job *client.JobError
		val *result.ValidationError
		ovl *OverlayError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pre):
		return KindPrerequisite
	case errors.As(err, &sub):
		return KindSubmission
	case errors.As(err, &job):
		return KindJob
	case errors.As(err, &val):
		return KindValidation
	case errors.As(err, &ovl), errors.Is(err, overlay.ErrOverlayExists):
		return KindOverlay
	default:
		return KindInternal
	}
}
