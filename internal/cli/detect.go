package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/raphaelgruber/objdetect-go/internal/metrics"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	detectProject string
	detectTask    string
	detectModel   string
	detectExport  string
	detectPlain   bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run object detection on a processed task",
	Long: `Submit an object detection job for a task, follow its progress and keep
the validated result as a map overlay in the layers directory.

The task must have an orthophoto. Without --model the last used model is
selected (see 'objdetect models').

Examples:
  objdetect detect --project 1 --task 4f1c...
  objdetect detect --project 1 --task 4f1c... --model boats --export ./out`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().StringVarP(&detectProject, "project", "p", "", "project ID")
	detectCmd.Flags().StringVarP(&detectTask, "task", "t", "", "task ID")
	detectCmd.Flags().StringVarP(&detectModel, "model", "m", "", "detection model (default: last used)")
	detectCmd.Flags().StringVarP(&detectExport, "export", "o", "", "write the result as GeoJSON into this directory")
	detectCmd.Flags().BoolVar(&detectPlain, "plain", false, "print plain progress lines instead of the interactive view")
	_ = detectCmd.MarkFlagRequired("project")
	_ = detectCmd.MarkFlagRequired("task")
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jc, err := newJobClient(detectProject, detectTask)
	if err != nil {
		return err
	}

	store, closePrefs, err := openPrefs(ctx)
	if err != nil {
		return err
	}
	defer closePrefs()

	surface, err := openLayers()
	if err != nil {
		return err
	}

	overlays, err := overlay.OpenManager(surface)
	if err != nil {
		logger.Warn("previous overlay not restored", "error", err)
		overlays = overlay.NewManager(surface)
	}

	collector := metrics.NewCollector()
	opts := service.Options{
		Client:        jc,
		Task:          jc,
		Overlays:      overlays,
		Prefs:         store,
		Metrics:       collector,
		Logger:        logger,
		RequiredAsset: jc.RequiredAsset(),
	}

	history, err := openHistory(ctx)
	if err != nil {
		logger.Warn("job history unavailable", "error", err)
	}
	if history != nil {
		defer history.Close(context.Background())
		opts.History = history
	}

	orch := service.New(ctx, opts)
	defer orch.Close()

	if detectModel != "" {
		if err := orch.SelectModel(detectModel); err != nil {
			return fmt.Errorf("%w: %s (see 'objdetect models')", err, detectModel)
		}
	}

	if err := orch.Activate(ctx); err != nil {
		return err
	}
	if err := orch.SubmitModel(); err != nil {
		return err
	}
	initial := orch.State()

	interactive := !detectPlain && term.IsTerminal(int(os.Stdout.Fd()))
	var final service.State
	if interactive {
		final, err = detectInteractive(ctx, orch, initial)
	} else {
		final, err = detectPlainLines(ctx, orch, initial)
	}
	if err != nil {
		return err
	}

	if verbose {
		printRunStats(collector.Snapshot())
	}

	switch final.Phase {
	case service.PhaseSucceeded:
		if !interactive {
			fmt.Print(overlaySummary(final))
		}
		if detectExport != "" {
			return exportOverlay(orch, detectExport)
		}
		return nil
	case service.PhaseFailed:
		if interactive {
			// The UI already printed the failure.
			return errReported
		}
		return fmt.Errorf("detection failed (%s): %w", service.ErrorKind(final.Err), final.Err)
	default:
		return errors.New("detection canceled")
	}
}

// errReported marks a failure the progress UI already showed.
var errReported = errors.New("detection failed")

// IsReported reports whether err was already shown to the user.
func IsReported(err error) bool {
	return errors.Is(err, errReported)
}

func detectInteractive(ctx context.Context, orch *service.Orchestrator, initial service.State) (service.State, error) {
	quit, err := RunDetectProgress(orch.Updates(), initial)
	if err != nil {
		orch.Teardown()
		return service.State{}, err
	}
	if quit || ctx.Err() != nil {
		orch.Teardown()
	}
	return orch.State(), nil
}

// detectPlainLines logs phase changes and progress until the job ends or ctx
// is cancelled.
func detectPlainLines(ctx context.Context, orch *service.Orchestrator, initial service.State) (service.State, error) {
	gen := initial.Generation
	fmt.Printf("Submitting %s...\n", initial.Params["model"])

	lastPhase := initial.Phase
	for {
		select {
		case <-ctx.Done():
			orch.Teardown()
			fmt.Println("Detection canceled.")
			return orch.State(), nil
		case s, ok := <-orch.Updates():
			if !ok {
				return orch.State(), nil
			}
			if s.Generation != gen {
				continue
			}
			if s.Phase != lastPhase && s.Phase == service.PhaseRunning {
				fmt.Printf("Job %s running\n", s.Handle)
			}
			lastPhase = s.Phase
			switch s.Phase {
			case service.PhaseRunning:
				if s.Progress != nil {
					fmt.Printf("  %.0f%%\n", *s.Progress)
				}
			case service.PhaseSucceeded, service.PhaseFailed:
				return s, nil
			}
		}
	}
}

// exportOverlay writes the current overlay into dir.
func exportOverlay(orch *service.Orchestrator, dir string) error {
	name, text, err := orch.Export()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}
