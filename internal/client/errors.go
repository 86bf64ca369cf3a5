package client

import (
	"errors"
	"fmt"
)

// ErrCanceled is wrapped by JobError when a handle was cancelled.
var ErrCanceled = errors.New("job canceled")

// SubmissionError means the backend rejected the request before a job handle
// existed, or the request never reached it.
type SubmissionError struct {
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("submit job: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("submit job: %v", e.Err)
	default:
		return "submit job: " + e.Message
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// JobErrorKind classifies failures after a handle was issued.
type JobErrorKind string

const (
	JobErrorBackend   JobErrorKind = "backend"
	JobErrorTimeout   JobErrorKind = "timeout"
	JobErrorTransport JobErrorKind = "transport"
	JobErrorCanceled  JobErrorKind = "canceled"
)

// JobError is a backend-reported failure, a timeout, a transport failure while
// waiting, or a cancellation.
type JobError struct {
	Kind    JobErrorKind
	Handle  Handle
	Message string
	Err     error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("job %s %s", e.Handle, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Unwrap() error {
	return e.Err
}
