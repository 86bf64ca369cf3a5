package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/objdetect-go/internal/models"
	"github.com/raphaelgruber/objdetect-go/internal/prefs"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the available detection models",
	Long: `List the detection models offered by the detector plugin.

The model used by the last successful submission is marked with '*'.

Examples:
  objdetect models`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, closePrefs, err := openPrefs(ctx)
	if err != nil {
		return err
	}
	defer closePrefs()

	last, err := store.Get(ctx, prefs.KeyLastModel)
	if err != nil && !errors.Is(err, prefs.ErrNotFound) {
		logger.Warn("read model preference", "error", err)
	}
	selected := models.ModelOrDefault(last)

	fmt.Printf("  %-10s %-22s %s\n", "NAME", "LABEL", "VERSION")
	for _, m := range models.Catalog {
		mark := " "
		if m.Name == selected {
			mark = "*"
		}
		fmt.Printf("%s %-10s %-22s %s\n", mark, m.Name, m.Label, m.Version)
	}
	return nil
}
