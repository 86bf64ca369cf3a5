package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Run statuses for terminal jobs.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// DetectionRun is a persisted record of one finished detection job.
type DetectionRun struct {
	ID           surrealmodels.RecordID `json:"id"`
	Handle       string                 `json:"handle"`
	Tag          string                 `json:"tag"`
	Params       map[string]string      `json:"params,omitempty"`
	Status       string                 `json:"status"`
	ErrorKind    *string                `json:"error_kind,omitempty"`
	Error        *string                `json:"error,omitempty"`
	Features     int                    `json:"features"`
	Classified   int                    `json:"classified"`
	LastProgress *float64               `json:"last_progress,omitempty"`
	Generation   uint64                 `json:"generation"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// RunInput holds the fields recorded when a job reaches a terminal state.
type RunInput struct {
	ID           string // generated if empty
	Handle       string
	Tag          string
	Params       map[string]string
	Status       string
	ErrorKind    string
	Error        string
	Features     int
	Classified   int
	LastProgress *float64
	Generation   uint64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns how long the run took.
func (r DetectionRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
