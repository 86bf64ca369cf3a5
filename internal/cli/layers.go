package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/objdetect-go/internal/overlay"
	"github.com/spf13/cobra"
)

var layersOut string

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Manage stored map overlays",
	Long: `List, export or remove the detection overlays kept in the layers directory
(OBJDETECT_LAYERS_DIR). Layers are addressed by ID or any unique ID prefix;
'layers list' shows the first 8 characters. The layer marked '*' is the one
the next 'objdetect detect' replaces.

Examples:
  objdetect layers list
  objdetect layers export 1a2b3c4d --out ./out
  objdetect layers rm 1a2b3c4d`,
}

var layersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored overlays",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, err := openLayers()
		if err != nil {
			return err
		}
		layers, err := surface.List()
		if err != nil {
			return err
		}
		if len(layers) == 0 {
			fmt.Println("No layers found")
			return nil
		}

		fmt.Printf("  %-8s  %-24s %-9s %s\n", "ID", "TAG", "FEATURES", "ADDED")
		fmt.Println("----------------------------------------------------------------")
		for _, l := range layers {
			mark := " "
			if l.Current {
				mark = "*"
			}
			fmt.Printf("%s %-8s  %-24s %-9d %s\n", mark, shortID(l.ID), l.Tag, l.Features, l.Added.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var layersRmCmd = &cobra.Command{
	Use:   "rm <layer-id>",
	Short: "Remove a stored overlay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, err := openLayers()
		if err != nil {
			return err
		}
		if err := surface.Remove(args[0]); err != nil {
			return layerError(args[0], err)
		}
		fmt.Printf("Removed layer %s\n", args[0])
		return nil
	},
}

var layersExportCmd = &cobra.Command{
	Use:   "export <layer-id>",
	Short: "Write a stored overlay as GeoJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, err := openLayers()
		if err != nil {
			return err
		}
		info, data, err := surface.Load(args[0])
		if err != nil {
			return layerError(args[0], err)
		}

		if err := os.MkdirAll(layersOut, 0755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
		path := filepath.Join(layersOut, overlay.ExportFilename(info.Tag))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Printf("Exported to %s\n", path)
		return nil
	},
}

// shortID returns the first 8 characters of a layer ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// layerError turns lookup failures into user-facing messages.
func layerError(id string, err error) error {
	switch {
	case errors.Is(err, overlay.ErrLayerNotFound):
		return fmt.Errorf("layer not found: %s", id)
	case errors.Is(err, overlay.ErrAmbiguousLayer):
		return fmt.Errorf("layer id %s matches several layers, use more characters", id)
	default:
		return err
	}
}

func init() {
	layersExportCmd.Flags().StringVarP(&layersOut, "out", "o", ".", "output directory")

	layersCmd.AddCommand(layersListCmd)
	layersCmd.AddCommand(layersRmCmd)
	layersCmd.AddCommand(layersExportCmd)
}
