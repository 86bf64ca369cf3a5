package client

import (
	"context"
	"fmt"
	"slices"
)

// TaskDescriptor is the subset of the host task the detector depends on.
type TaskDescriptor struct {
	ID              string   `json:"id"`
	Project         int      `json:"project"`
	AvailableAssets []string `json:"available_assets"`
}

// Task fetches the configured task descriptor.
func (c *Client) Task(ctx context.Context) (*TaskDescriptor, error) {
	var td TaskDescriptor
	endpoint := c.endpoint("api", "projects", c.cfg.Project, "tasks", c.cfg.Task) + "/"
	if err := c.getJSON(ctx, endpoint, &td); err != nil {
		return nil, fmt.Errorf("get task %s/%s: %w", c.cfg.Project, c.cfg.Task, err)
	}
	return &td, nil
}

// PrerequisitePresent reports whether the task has the asset detection needs.
func (c *Client) PrerequisitePresent(ctx context.Context) (bool, error) {
	td, err := c.Task(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(td.AvailableAssets, c.cfg.RequiredAsset), nil
}

// RequiredAsset returns the asset name checked by PrerequisitePresent.
func (c *Client) RequiredAsset() string {
	return c.cfg.RequiredAsset
}
