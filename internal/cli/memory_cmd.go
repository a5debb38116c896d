// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/memory"
)

func newMemoryCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect heap usage",
	}

	var asJSON bool
	report := &cobra.Command{
		Use:   "report",
		Short: "Take a heap sample and print a memory report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Monitor.Sample()
			r := a.Monitor.GenerateMemoryReport()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			printMemoryReport(cmd.OutOrStdout(), r)
			return nil
		},
	}
	report.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(report)
	return cmd
}

func printMemoryReport(w io.Writer, r memory.Report) {
	fmt.Fprintln(w, TitleStyle.Render("Memory"))
	fmt.Fprintln(w, RenderKV("Level", levelStyle(r.Level).Render(r.Level.String())))
	fmt.Fprintln(w, RenderKV("Heap used", fmt.Sprintf("%.1f MB", r.Current.UsedMB())))
	if r.Current.HeapLimit > 0 {
		fmt.Fprintln(w, RenderKV("Heap limit", fmt.Sprintf("%.1f MB (%.0f%%)",
			float64(r.Current.HeapLimit)/(1<<20), r.Current.Percent())))
	}
	fmt.Fprintln(w, RenderKV("Peak / average", fmt.Sprintf("%.1f / %.1f MB",
		float64(r.PeakUsed)/(1<<20), float64(r.AverageUsed)/(1<<20))))
	fmt.Fprintln(w, RenderKV("Samples", r.Samples))
	fmt.Fprintln(w, RenderKV("Goroutines", r.Goroutines))
	fmt.Fprintln(w, RenderKV("Listeners", r.Listeners))
	fmt.Fprintln(w, RenderKV("GC cycles", r.NumGC))
	if r.LeakSuspected {
		fmt.Fprintln(w, WarningStyle.Render("Heap has grown on every recent sample; possible leak."))
	}
}

func levelStyle(l memory.Level) interface{ Render(...string) string } {
	switch l {
	case memory.Healthy:
		return SuccessStyle
	case memory.Warning:
		return WarningStyle
	default:
		return ErrorStyle
	}
}
