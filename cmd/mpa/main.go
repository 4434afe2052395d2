// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mpa prepares models for class-incremental training: it resolves stage configurations, inspects and
// mixes checkpoints, and plans the incremental sampler epochs.
//
// Settings are read from .mpa.yaml (current directory or home), MPA_* environment variables and flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/internal/settings"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is shared by the subcommands.
type app struct {
	v        *viper.Viper
	settings settings.Settings
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	a := &app{v: v}
	root := &cobra.Command{
		Use:   "mpa",
		Short: "Model preparation for class-incremental learning",
		Long: "mpa adapts model heads, checkpoints and training data to a new label space. " +
			"It resolves the stage configurations consumed by the training framework.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default .mpa.yaml)")
	flags.String("mode", "train", "mode the stages are configured for: train, eval, infer or export")
	flags.String("work_dir", "", "overrides the work_dir of the recipes")
	flags.String("results_dir", "", "directory where stage results and metrics are recorded")
	flags.Bool("color", true, "use colors in the reports")
	for _, name := range []string{"mode", "work_dir", "results_dir", "color"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	root.AddCommand(a.configureCmd(), a.inspectCmd(), a.mixCmd(), a.planCmd(), a.stagesCmd())
	return root
}

// init reads the configuration file and the settings.
func (a *app) init(cmd *cobra.Command) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else {
		a.v.SetConfigName(".mpa")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
	}
	a.v.SetEnvPrefix("MPA")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()
	if err := a.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return err
		}
	}
	var err error
	a.settings, err = settings.Load(a.v)
	if err != nil {
		return err
	}
	if !a.settings.Color {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	klog.V(1).Infof("settings: %+v", a.settings)
	return nil
}
