// Package cli provides the command-line interface for objdetect.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/objdetect-go/internal/client"
	"github.com/raphaelgruber/objdetect-go/internal/config"
	"github.com/raphaelgruber/objdetect-go/internal/db"
	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/raphaelgruber/objdetect-go/internal/prefs"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Global config and logger
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "objdetect",
	Short: "Run object detection jobs and manage their map overlays",
	Long: `objdetect submits object detection jobs for a processed task to the
job backend, follows their progress, validates the GeoJSON result and keeps
it as a map overlay that can be listed, exported or removed.

Configuration is read from OBJDETECT_* environment variables and an optional
.env file in the working directory.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "job backend URL (overrides OBJDETECT_SERVER_URL)")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(layersCmd)
}

// newJobClient creates a backend client for one task.
func newJobClient(project, task string) (*client.Client, error) {
	return client.New(client.Config{
		ServerURL:     cfg.ServerURL,
		Token:         cfg.Token,
		Plugin:        cfg.Plugin,
		Project:       project,
		Task:          task,
		RequiredAsset: cfg.RequiredAsset,
		Transport:     cfg.Transport,
		StreamURL:     cfg.StreamURL,
		PollInterval:  cfg.PollInterval,
		MaxPollErrors: cfg.MaxPollErrors,
		JobTimeout:    cfg.JobTimeout,
	}, logger)
}

// openPrefs opens the configured preference backend.
func openPrefs(ctx context.Context) (prefs.Store, func(), error) {
	switch cfg.PrefsBackend {
	case "redis":
		store, err := prefs.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "file", "":
		return prefs.NewFileStore(cfg.PrefsFile), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown preferences backend %q", cfg.PrefsBackend)
	}
}

// openHistory connects to the job history store. It returns nil when history
// is not configured.
func openHistory(ctx context.Context) (*db.Client, error) {
	if cfg.HistoryURL == "" {
		return nil, nil
	}
	c, err := db.NewClient(ctx, db.Config{
		URL:       cfg.HistoryURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to history store: %w", err)
	}
	if err := c.InitSchema(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return c, nil
}

// openLayers opens the layers directory used as the map surface.
func openLayers() (*overlay.DirSurface, error) {
	return overlay.NewDirSurface(cfg.LayersDir)
}
