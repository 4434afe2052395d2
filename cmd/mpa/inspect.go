// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
)

// maxListedClasses in the summary, the remaining are elided.
const maxListedClasses = 8

func (a *app) inspectCmd() *cobra.Command {
	var listVars, glossary bool
	var prefix string
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>...",
		Short: "Summarizes checkpoints: label space, tasks and weights",
		Long: "Summarizes one or more checkpoints, side by side. A checkpoint is given by its directory (the " +
			"latest checkpoint is used), by its base name or by a .safetensors file.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded := make([]loadedCheckpoint, len(args))
			for ii, path := range args {
				state, meta, err := checkpoints.Load(path)
				if err != nil {
					return err
				}
				loaded[ii] = loadedCheckpoint{path: path, state: state.WithPrefix(prefix), meta: meta}
			}
			out := cmd.OutOrStdout()
			summarize(out, loaded)
			if listVars {
				for _, c := range loaded {
					listVariables(out, c, glossary)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listVars, "vars", false, "Lists the variables of each checkpoint.")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only variables with the given name prefix are considered.")
	cmd.Flags().BoolVar(&glossary, "glossary", true, "Explains the statistics columns of --vars.")
	return cmd
}

type loadedCheckpoint struct {
	path  string
	state checkpoints.StateDict
	meta  checkpoints.ModelMeta
}

// shortNames returns for each path the shortest label that tells it apart from the others: the path
// component where they differ, or the base name if they don't.
func shortNames(paths ...string) []string {
	split := make([][]string, len(paths))
	for ii, p := range paths {
		split[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, parts := range split {
		var differing []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(differing, kk) {
					differing = append(differing, kk)
				}
			}
		}
		slices.Sort(differing)
		switch len(differing) {
		case 0:
			names[ii] = parts[len(parts)-1]
		case 1:
			names[ii] = parts[differing[0]]
		default:
			names[ii] = parts[differing[0]] + "..." + parts[differing[len(differing)-1]]
		}
	}
	return names
}

func allEqual[E any](values []E, equal func(a, b E) bool) bool {
	for ii := 1; ii < len(values); ii++ {
		if !equal(values[0], values[ii]) {
			return false
		}
	}
	return true
}

func listClasses(classes []string) string {
	if len(classes) <= maxListedClasses {
		return strings.Join(classes, ", ")
	}
	return strings.Join(classes[:maxListedClasses], ", ") + fmt.Sprintf(", ... (+%d)", len(classes)-maxListedClasses)
}

// summarize prints one column per checkpoint. Rows that differ across checkpoints are highlighted.
func summarize(w io.Writer, loaded []loadedCheckpoint) {
	paths := make([]string, len(loaded))
	for ii, c := range loaded {
		paths[ii] = c.path
	}
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, shortNames(paths...)...)...)

	row := func(name string, highlight bool, value func(c loadedCheckpoint) string) {
		cells := []string{name}
		for _, c := range loaded {
			cells = append(cells, value(c))
		}
		table.Row(highlight && len(loaded) > 1, cells...)
	}
	sameClasses := allEqual(loaded, func(a, b loadedCheckpoint) bool { return slices.Equal(a.meta.Classes, b.meta.Classes) })
	row("# classes", !sameClasses, func(c loadedCheckpoint) string { return humanize.Comma(int64(len(c.meta.Classes))) })
	row("classes", !sameClasses, func(c loadedCheckpoint) string { return listClasses(c.meta.Classes) })
	if slices.ContainsFunc(loaded, func(c loadedCheckpoint) bool { return len(c.meta.Tasks) > 0 }) {
		row("tasks", false, func(c loadedCheckpoint) string {
			var tasks []string
			for _, task := range c.meta.Tasks {
				tasks = append(tasks, fmt.Sprintf("%s(%d)", task.Name, len(task.Classes)))
			}
			return strings.Join(tasks, ", ")
		})
	}
	for _, key := range []string{"run_id", "seed", "exp_name"} {
		if slices.ContainsFunc(loaded, func(c loadedCheckpoint) bool { _, found := c.meta.Extra[key]; return found }) {
			row(key, false, func(c loadedCheckpoint) string {
				if value, found := c.meta.Extra[key]; found {
					return fmt.Sprint(value)
				}
				return ""
			})
		}
	}
	row("# variables", false, func(c loadedCheckpoint) string { return humanize.Comma(int64(len(c.state))) })
	row("# parameters", false, func(c loadedCheckpoint) string { return humanize.Comma(int64(c.state.NumParameters())) })
	row("# bytes", false, func(c loadedCheckpoint) string { return humanize.Bytes(uint64(c.state.Memory())) })
	table.Print(w, "Summary")
}

// listVariables prints the shape and statistics of each variable of the checkpoint, sorted by name.
func listVariables(w io.Writer, c loadedCheckpoint, glossary bool) {
	table := newReportTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "DType", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, name := range c.state.Names() {
		t := c.state[name]
		shape := t.Shape()
		var mav, rms, maxAV string
		stats, ok := valueStats(t)
		switch {
		case ok && shape.Size() == 1:
			mav = fmt.Sprintf("%8v", stats.first)
		case ok:
			mav = fmt.Sprintf("%.3g", stats.mav)
			rms = fmt.Sprintf("%.3g", stats.rms)
			maxAV = fmt.Sprintf("%.3g", stats.maxAV)
		case shape.Size() == 1:
			mav = fmt.Sprintf("%8v", t.Value())
		}
		table.Row(ok && math.IsNaN(stats.mav), name, shape.DType.String(), fmt.Sprint(shape.Dimensions),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())), mav, rms, maxAV)
	}
	table.Print(w, fmt.Sprintf("Variables of %q", c.path))
	if glossary {
		_, _ = fmt.Fprintln(w, "  Scalar/MAV: if the variable is a scalar the value itself, else the Mean Absolute Value")
		_, _ = fmt.Fprintln(w, "  RMS: Root Mean Square")
		_, _ = fmt.Fprintln(w, "  MaxAV: Max Absolute Value")
		_, _ = fmt.Fprintln(w, "  Highlighted rows have NaN values.")
	}
}

type floatStats struct {
	first, mav, rms, maxAV float64
}

// valueStats of a float tensor. ok is false for other dtypes or empty tensors.
func valueStats(t *tensors.Tensor) (s floatStats, ok bool) {
	if t.Shape().Size() == 0 {
		return
	}
	accumulate := func(n int, at func(i int) float64) {
		var sumAbs, sumSquares float64
		s.first = at(0)
		for i := range n {
			v := at(i)
			sumAbs += math.Abs(v)
			sumSquares += v * v
			s.maxAV = max(s.maxAV, math.Abs(v))
		}
		s.mav = sumAbs / float64(n)
		s.rms = math.Sqrt(sumSquares / float64(n))
		ok = true
	}
	switch t.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData(t, func(flat []float32) {
			accumulate(len(flat), func(i int) float64 { return float64(flat[i]) })
		})
	case dtypes.Float64:
		tensors.ConstFlatData(t, func(flat []float64) {
			accumulate(len(flat), func(i int) float64 { return flat[i] })
		})
	case dtypes.Float16:
		tensors.ConstFlatData(t, func(flat []float16.Float16) {
			accumulate(len(flat), func(i int) float64 { return float64(flat[i].Float32()) })
		})
	}
	return
}
