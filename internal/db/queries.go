package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// StatusCount is the number of runs with a given status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// QueryRecordRun stores a finished run and returns it.
func (c *Client) QueryRecordRun(ctx context.Context, in models.RunInput) (*models.DetectionRun, error) {
	id := in.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	params := in.Params
	if params == nil {
		params = map[string]string{}
	}

	vars := map[string]any{
		"id":            id,
		"handle":        in.Handle,
		"tag":           in.Tag,
		"params":        params,
		"status":        in.Status,
		"error_kind":    optionalString(in.ErrorKind),
		"error":         optionalString(in.Error),
		"features":      in.Features,
		"classified":    in.Classified,
		"last_progress": in.LastProgress,
		"generation":    in.Generation,
		"started_at":    in.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":   in.FinishedAt.UTC().Format(time.RFC3339Nano),
	}

	results, err := surrealdb.Query[[]models.DetectionRun](ctx, c.db, `
		CREATE type::record("detection_run", $id) SET
			handle = $handle,
			tag = $tag,
			params = $params,
			status = $status,
			error_kind = $error_kind,
			error = $error,
			features = $features,
			classified = $classified,
			last_progress = $last_progress,
			generation = $generation,
			started_at = type::datetime($started_at),
			finished_at = type::datetime($finished_at)
		RETURN AFTER
	`, vars)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("record run: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// QueryGetRun retrieves a run by ID. Returns ErrNotFound if it does not exist.
func (c *Client) QueryGetRun(ctx context.Context, id string) (*models.DetectionRun, error) {
	results, err := surrealdb.Query[[]models.DetectionRun](ctx, c.db, `
		SELECT * FROM type::record("detection_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// QueryListRuns returns recent runs, newest first, optionally filtered by status.
func (c *Client) QueryListRuns(ctx context.Context, status *string, limit int) ([]models.DetectionRun, error) {
	if limit <= 0 {
		limit = 20
	}

	statusClause := ""
	vars := map[string]any{"limit": limit}
	if status != nil {
		statusClause = "WHERE status = $status"
		vars["status"] = *status
	}

	sql := fmt.Sprintf(`
		SELECT * FROM detection_run %s
		ORDER BY finished_at DESC
		LIMIT $limit
	`, statusClause)

	results, err := surrealdb.Query[[]models.DetectionRun](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.DetectionRun{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryCountByStatus returns run counts grouped by status.
func (c *Client) QueryCountByStatus(ctx context.Context) ([]StatusCount, error) {
	results, err := surrealdb.Query[[]StatusCount](ctx, c.db, `
		SELECT status, count() AS count FROM detection_run GROUP BY status ORDER BY status
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []StatusCount{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryDeleteRun deletes a run by ID.
// Returns count of deleted (0 if not found - idempotent).
func (c *Client) QueryDeleteRun(ctx context.Context, id string) (int, error) {
	results, err := surrealdb.Query[[]models.DetectionRun](ctx, c.db, `
		DELETE type::record("detection_run", $id) RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return 0, fmt.Errorf("delete run: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// RecordRun implements the orchestrator's history recorder.
func (c *Client) RecordRun(ctx context.Context, in models.RunInput) error {
	_, err := c.QueryRecordRun(ctx, in)
	return err
}

// optionalString maps "" to NONE.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
