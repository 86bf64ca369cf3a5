package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/objdetect-go/internal/db"
	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/spf13/cobra"
)

var (
	jobsStatus string
	jobsLimit  int
	jobsCounts bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [run-id]",
	Short: "List or inspect recorded detection runs",
	Long: `List finished detection runs from the job history, or inspect one run by ID.

Requires OBJDETECT_HISTORY_URL to point at a SurrealDB instance.

Examples:
  objdetect jobs                     # Latest runs
  objdetect jobs --status failed     # Only failed runs
  objdetect jobs --counts            # Runs per status
  objdetect jobs 3f9a2c1b            # Show details for one run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (succeeded, failed, canceled)")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum number of runs")
	jobsCmd.Flags().BoolVar(&jobsCounts, "counts", false, "show run counts per status")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	history, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if history == nil {
		return errors.New("job history is disabled (set OBJDETECT_HISTORY_URL)")
	}
	defer func() { _ = history.Close(context.Background()) }()

	switch {
	case len(args) == 1:
		return showRun(ctx, history, args[0])
	case jobsCounts:
		return countRuns(ctx, history)
	default:
		return listRuns(ctx, history)
	}
}

func listRuns(ctx context.Context, history *db.Client) error {
	var status *string
	if jobsStatus != "" {
		switch jobsStatus {
		case models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusCanceled:
		default:
			return fmt.Errorf("invalid status: %s", jobsStatus)
		}
		status = &jobsStatus
	}

	runs, err := history.QueryListRuns(ctx, status, jobsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-10s %-10s %-10s %-9s %-10s %s\n", "ID", "MODEL", "STATUS", "FEATURES", "DURATION", "FINISHED")
	fmt.Println("--------------------------------------------------------------------------")

	for _, r := range runs {
		fmt.Printf("%-10s %-10s %-10s %-9d %-10s %s\n",
			models.MustRecordIDString(r.ID), r.Params["model"], r.Status, r.Features,
			r.Duration().Round(time.Second), r.FinishedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func countRuns(ctx context.Context, history *db.Client) error {
	counts, err := history.QueryCountByStatus(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	for _, c := range counts {
		fmt.Printf("%-10s %d\n", c.Status, c.Count)
	}
	return nil
}

func showRun(ctx context.Context, history *db.Client, id string) error {
	r, err := history.QueryGetRun(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", models.MustRecordIDString(r.ID))
	fmt.Printf("  Job: %s\n", r.Handle)
	fmt.Printf("  Tag: %s\n", r.Tag)
	for k, v := range r.Params {
		fmt.Printf("  Param %s: %s\n", k, v)
	}
	fmt.Printf("  Status: %s\n", r.Status)
	fmt.Printf("  Started: %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
	fmt.Printf("  Duration: %s\n", r.Duration().Round(time.Second))
	if r.LastProgress != nil {
		fmt.Printf("  Last progress: %.0f%%\n", *r.LastProgress)
	}
	if r.Status == models.RunStatusSucceeded {
		fmt.Printf("  Features: %d (%d classified)\n", r.Features, r.Classified)
	}
	if r.Error != nil && *r.Error != "" {
		kind := ""
		if r.ErrorKind != nil {
			kind = *r.ErrorKind + ": "
		}
		fmt.Printf("  Error: %s%s\n", kind, *r.Error)
	}
	return nil
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <run-id>",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		history, err := openHistory(ctx)
		if err != nil {
			return err
		}
		if history == nil {
			return errors.New("job history is disabled (set OBJDETECT_HISTORY_URL)")
		}
		defer func() { _ = history.Close(context.Background()) }()

		n, err := history.QueryDeleteRun(ctx, args[0])
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("Run %s not found\n", args[0])
			return nil
		}
		fmt.Printf("Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsRmCmd)
}
