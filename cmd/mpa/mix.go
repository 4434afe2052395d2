// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/ml/weightmix"
)

type mixFlags struct {
	src, model, output, kind, prefix string
	classes                          []string
	teacher                          bool
}

func (a *app) mixCmd() *cobra.Command {
	var f mixFlags
	cmd := &cobra.Command{
		Use:   "mix",
		Short: "Mixes the head weights of a checkpoint into a model with a different label space",
		Long: "Loads the checkpoint --src and the freshly initialized model --model, and copies the head rows " +
			"of the classes they share from --src into the model head. The resulting checkpoint, with the " +
			"model classes, is saved into --output.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, baseName, err := mix(f)
			if err != nil {
				return err
			}
			printMixReport(cmd.OutOrStdout(), report)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %q saved in %q\n", baseName, f.output)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.src, "src", "", "Checkpoint with the trained weights.")
	flags.StringVar(&f.model, "model", "", "Checkpoint of the model to mix the weights into.")
	flags.StringVar(&f.output, "output", "", "Directory where the mixed checkpoint is saved.")
	flags.StringVar(&f.kind, "kind", "det", "Head kind: det (single-stage detector) or cls (linear classifier).")
	flags.StringVar(&f.prefix, "prefix", "", "Prefix of the parameter names in --src.")
	flags.StringSliceVar(&f.classes, "classes", nil, "Classes of the model, if not in the --model meta data.")
	flags.BoolVar(&f.teacher, "teacher", false,
		"--src is a teacher/student detector: its teacher weights are used.")
	for _, name := range []string{"src", "model", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func mix(f mixFlags) (report weightmix.Report, baseName string, err error) {
	srcState, srcMeta, err := checkpoints.Load(f.src)
	if err != nil {
		return
	}
	if err = srcMeta.RequireClasses(f.src); err != nil {
		return
	}
	if f.teacher {
		srcState = weightmix.TeacherState(srcState)
	}
	modelState, modelMeta, err := checkpoints.Load(f.model)
	if err != nil {
		return
	}
	if len(f.classes) > 0 {
		modelMeta.Classes = f.classes
	}
	if err = modelMeta.RequireClasses(f.model); err != nil {
		return
	}

	var mixer *weightmix.Mixer
	switch f.kind {
	case "det":
		mixer = weightmix.NewDetectionMixer(srcMeta.Classes, modelMeta.Classes)
	case "cls":
		mixer = weightmix.NewClassifierMixer(srcMeta.Classes, modelMeta.Classes)
	default:
		err = errors.Errorf("unknown head kind %q, valid kinds are det and cls", f.kind)
		return
	}
	mixed, report, err := mixer.WithPrefix(f.prefix).Transform(modelState, srcState)
	if err != nil {
		return
	}
	handler, err := checkpoints.Build().Dir(f.output).Keep(-1).Done()
	if err != nil {
		return
	}
	meta := modelMeta.Clone()
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	meta.Extra["mixed_from"] = f.src
	baseName, err = handler.Save(mixed, meta, 0)
	if err == nil {
		klog.Infof("mixed %d parameters (%s) into %q", len(report.Mixed), humanize.Bytes(uint64(mixed.Memory())), baseName)
	}
	return
}

func printMixReport(w io.Writer, report weightmix.Report) {
	if report.Pattern == "" {
		_, _ = fmt.Fprintln(w, "No class-dependent head parameters found, the checkpoint was saved unchanged.")
		return
	}
	table := newReportTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Parameter", "Source anchors x classes", "Model anchors x classes", "Rows copied")
	for _, p := range report.Mixed {
		table.Row(p.RowsCopied == 0, p.Name,
			fmt.Sprintf("%d x %d", p.Src.NumAnchors, p.Src.NumClasses),
			fmt.Sprintf("%d x %d", p.Dst.NumAnchors, p.Dst.NumClasses),
			humanize.Comma(int64(p.RowsCopied)))
	}
	for _, name := range report.Skipped {
		table.Row(true, name, "skipped", "", "")
	}
	table.Print(w, fmt.Sprintf("Head %q, %d levels, mapping %s", report.Pattern, report.Levels, report.Mapping))
}
