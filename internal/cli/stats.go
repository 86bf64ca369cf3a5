package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/raphaelgruber/objdetect-go/internal/metrics"
)

// printRunStats displays the timings collected during a detect run.
func printRunStats(s metrics.Snapshot) {
	fmt.Printf("\nRun Statistics\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", s.UptimeSeconds)

	ops := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{"Submit", s.Submit},
		{"Wait", s.Wait},
		{"Validate", s.Validate},
		{"Materialize", s.Materialize},
	}
	for _, o := range ops {
		if o.op == nil {
			continue
		}
		fmt.Printf("\n%s:\n", o.name)
		printOpStats(o.op)
	}

	if len(s.Outcomes) > 0 {
		fmt.Printf("\nOutcomes:\n")
		for _, name := range slices.Sorted(maps.Keys(s.Outcomes)) {
			fmt.Printf("  %-20s %d\n", name, s.Outcomes[name])
		}
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
