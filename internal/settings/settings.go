// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package settings holds the configuration of the mpa command line tool.
// Values are populated from .mpa.yaml, MPA_* environment variables and flags.
package settings

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/1cmy2/model-preparation-algorithm/stages"
)

// SamplerSettings configure the incremental sampler plans.
type SamplerSettings struct {
	BatchSize     int     `mapstructure:"batch_size"`
	Seed          int64   `mapstructure:"seed"`
	EfficientMode bool    `mapstructure:"efficient_mode"`
	OldNewRatio   float64 `mapstructure:"old_new_ratio"`
	Epochs        int     `mapstructure:"epochs"`
}

// Settings of a mpa session.
type Settings struct {
	// Mode the stages are configured for.
	Mode string `mapstructure:"mode"`

	// WorkDir overrides the work_dir of the recipes, if set.
	WorkDir string `mapstructure:"work_dir"`

	// ResultsDir where stage results and metrics are recorded.
	ResultsDir string `mapstructure:"results_dir"`

	// Color enables colors in the reports.
	Color bool `mapstructure:"color"`

	Sampler SamplerSettings `mapstructure:"sampler"`
}

// SetDefaults registers the built-in defaults in v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", stages.ModeTrain)
	v.SetDefault("work_dir", "")
	v.SetDefault("results_dir", "")
	v.SetDefault("color", true)
	v.SetDefault("sampler.batch_size", 8)
	v.SetDefault("sampler.seed", 0)
	v.SetDefault("sampler.efficient_mode", false)
	v.SetDefault("sampler.old_new_ratio", -1.0)
	v.SetDefault("sampler.epochs", 1)
}

// Load reads the settings from v, the global viper if nil, applying the defaults for any value not set
// by the config file, environment or flags.
func Load(v *viper.Viper) (Settings, error) {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return s, errors.Wrap(err, "decoding settings")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate the settings values.
func (s Settings) Validate() error {
	modes := []string{stages.ModeTrain, stages.ModeEval, stages.ModeInfer, stages.ModeExport}
	if !slices.Contains(modes, s.Mode) {
		return errors.Errorf("invalid mode %q, valid modes are %q", s.Mode, modes)
	}
	if s.Sampler.BatchSize <= 0 {
		return errors.Errorf("sampler.batch_size must be > 0, got %d", s.Sampler.BatchSize)
	}
	if s.Sampler.Epochs <= 0 {
		return errors.Errorf("sampler.epochs must be > 0, got %d", s.Sampler.Epochs)
	}
	return nil
}
