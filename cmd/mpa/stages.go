// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/stages"
)

func (a *app) stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages [workflow]",
		Short: "Lists the stage types, or the stages of a workflow",
		Long: "Without arguments, lists the registered stage types. Given a workflow file, lists its stages, " +
			"whether they run in the current --mode, and the last results recorded in --results_dir.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := stages.DefaultRegistry()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, t := range registry.Types() {
					_, _ = fmt.Fprintln(out, t)
				}
				return nil
			}
			specs, recipes, err := stages.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			results := map[string]stages.Result{}
			if a.settings.ResultsDir != "" {
				if results, err = stages.ReadResults(a.settings.ResultsDir); err != nil {
					return err
				}
			}
			printWorkflow(out, specs, recipes, results, a.settings.Mode)
			return nil
		},
	}
}

func printWorkflow(w io.Writer, specs []stages.StageSpec, recipes []config.Config, results map[string]stages.Result, mode string) {
	table := newReportTable(lipgloss.Left)
	table.Headers("Stage", "Type", "Modes", "Runs", "Task adapt", "Last result")
	for ii, spec := range specs {
		name := spec.Name
		if name == "" {
			name = spec.Type
		}
		stage := stages.NewStage(name, recipes[ii], spec.Modes, nil, nil)
		runs := stage.Accepts(mode)
		taskAdapt := "-"
		if ta, found, err := recipes[ii].TaskAdaptSection(); err != nil {
			taskAdapt = "invalid"
		} else if found {
			taskAdapt = strings.TrimSpace(ta.Type + " " + ta.Op)
		}
		last := ""
		if result, found := results[name]; found {
			switch {
			case result.Skipped:
				last = "skipped"
			case result.Message != "":
				last = result.Message
			case result.FinalCheckpoint != "":
				last = result.FinalCheckpoint
			default:
				last = "ok"
			}
		}
		table.Row(!runs, name, spec.Type, strings.Join(spec.Modes, ","), fmt.Sprint(runs), taskAdapt, last)
	}
	table.Print(w, fmt.Sprintf("Workflow stages, mode %q", mode))
}
