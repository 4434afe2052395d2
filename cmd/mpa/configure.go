// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/stages"
)

// configureFlags of the configure subcommand.
type configureFlags struct {
	task, recipe, model, data, checkpoint, output string
	irPath, pretrained, preStageRes             string
	training                                    bool
}

func (a *app) configureCmd() *cobra.Command {
	var f configureFlags
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Resolves the configuration of a stage and prints it as YAML",
		Long: "Merges the recipe, the model and the data configurations, adapts the model head and the " +
			"training data to the classes of the checkpoint and of the data, and prints the final configuration.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("train") {
				f.training = a.settings.Mode == stages.ModeTrain
			}
			cfg, err := a.configure(cmd, f)
			if err != nil {
				return err
			}
			if f.output != "" {
				klog.Infof("writing configuration to %q", f.output)
				return cfg.WriteFile(f.output)
			}
			contents, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(contents)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.task, "task", "cls", "Task of the stage: cls, det or seg.")
	flags.StringVar(&f.recipe, "recipe", "", "Recipe file of the stage.")
	flags.StringVar(&f.model, "model", "", "Model configuration file.")
	flags.StringVar(&f.data, "data", "", "Data configuration file.")
	flags.StringVar(&f.checkpoint, "ckpt", "", "Checkpoint the model is initialized from.")
	flags.StringVar(&f.output, "output", "", "File where the configuration is written, instead of the standard output.")
	flags.StringVar(&f.irPath, "ir_path", "", "OpenVINO model of OMZ backbones.")
	flags.StringVar(&f.pretrained, "pretrained", "", "Overrides load_from.")
	flags.StringVar(&f.preStageRes, "pre_stage_res", "", "Result of a previous stage, used as pseudo-labels.")
	flags.BoolVar(&f.training, "train", true, "Configure for training, otherwise for evaluation. Defaults to whether --mode is train.")
	_ = cmd.MarkFlagRequired("recipe")
	return cmd
}

// loadOptional loads the configuration file if path is not empty, else returns an empty configuration.
func loadOptional(path string) (config.Config, error) {
	if path == "" {
		return config.New(), nil
	}
	return config.LoadFile(path)
}

// configure resolves the stage configuration. Models that need their channels probed can not be
// configured without a framework, and fail.
func (a *app) configure(cmd *cobra.Command, f configureFlags) (config.Config, error) {
	recipe, err := config.LoadFile(f.recipe)
	if err != nil {
		return nil, err
	}
	if a.settings.WorkDir != "" {
		recipe["work_dir"] = a.settings.WorkDir
	}
	model, err := loadOptional(f.model)
	if err != nil {
		return nil, err
	}
	dataCfg, err := loadOptional(f.data)
	if err != nil {
		return nil, err
	}
	stage := stages.NewStage(f.task, recipe, nil, nil, nil)
	opts := stages.Options{
		Mode:        a.settings.Mode,
		IRPath:      f.irPath,
		Pretrained:  f.pretrained,
		PreStageRes: f.preStageRes,
	}
	ctx := cmd.Context()
	switch f.task {
	case "cls":
		return (&stages.ClsStage{Stage: stage}).Configure(ctx, model, f.checkpoint, dataCfg, f.training, opts)
	case "det":
		return (&stages.DetStage{Stage: stage}).Configure(ctx, model, f.checkpoint, dataCfg, f.training, opts)
	case "seg":
		return (&stages.SegStage{Stage: stage}).Configure(ctx, model, f.checkpoint, dataCfg, f.training, opts)
	}
	return nil, errors.Errorf("unknown task %q, valid tasks are cls, det and seg", f.task)
}
