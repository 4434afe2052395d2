// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
)

// ExportDir is the sub-directory of work_dir where models are exported.
const ExportDir = "export"

// ExportInputShape is the image shape, channels first, used to trace the exported model.
var ExportInputShape = []int{3, 128, 128}

// ClsExporter exports a classification model to OpenVINO IR files.
type ClsExporter struct {
	ClsStage
}

// NewClsExporter creates a ClsExporter for the stage.
func NewClsExporter(stage *Stage) *ClsExporter {
	return &ClsExporter{ClsStage: ClsStage{Stage: stage}}
}

// NormValues returns the mean and scale (std) values of the first Normalize step of the test pipeline.
// Without one, the mean is 0 and the scale 1 for the 3 channels.
func NormValues(cfg config.Config) (mean, scale []float64, err error) {
	mean, scale = []float64{0, 0, 0}, []float64{1, 1, 1}
	for _, elem := range cfg.GetList("data.test.pipeline") {
		step, ok := elem.(config.Config)
		if !ok || step["type"] != "Normalize" {
			continue
		}
		var norm struct {
			Mean []float64 `mapstructure:"mean"`
			Std  []float64 `mapstructure:"std"`
		}
		if err := step.Decode("", &norm); err != nil {
			return nil, nil, err
		}
		return norm.Mean, norm.Std, nil
	}
	return mean, scale, nil
}

// Run configures the model for evaluation and exports it into <work_dir>/export. The result
// outputs are the paths of the "bin" and "xml" files. A failed export is reported in the result message,
// not as an error.
func (e *ClsExporter) Run(ctx context.Context, in Input) (Result, error) {
	if !e.Accepts(in.Options.mode()) {
		klog.Warningf("mode for this stage %s", in.Options.mode())
		return Result{Skipped: true}, nil
	}
	if err := e.requireFramework(); err != nil {
		return Result{}, err
	}
	cfg, err := e.Configure(ctx, in.ModelConfig, in.Checkpoint, in.DataConfig, false, in.Options)
	if err != nil {
		return Result{}, err
	}
	outputDir, err := filepath.Abs(filepath.Join(cfg.GetString("work_dir", "."), ExportDir))
	if err != nil {
		return Result{}, errors.Wrap(err, "resolving export directory")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return Result{}, errors.Wrapf(err, "creating export directory %q", outputDir)
	}
	mean, scale, err := NormValues(cfg)
	if err != nil {
		return Result{}, err
	}
	loadFrom := cfg.GetString("load_from", "")
	klog.Infof("load checkpoint from %s", loadFrom)
	err = e.Framework.Export(ctx, ExportJob{
		Config:      cfg,
		Checkpoint:  loadFrom,
		OutputDir:   outputDir,
		InputShape:  ExportInputShape,
		MeanValues:  mean,
		ScaleValues: scale,
		DataType:    "FP32",
		InputNames:  []string{"data"},
		OutputNames: []string{"logits", "features", "vector"},
	})
	if err != nil {
		klog.Errorf("export failed: %+v", err)
		return Result{Message: fmt.Sprintf("exception %v", err)}, nil
	}

	outputs := map[string]string{}
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return Result{}, errors.Wrapf(err, "listing %q", outputDir)
	}
	for _, entry := range entries {
		for _, ext := range []string{"bin", "xml"} {
			if _, found := outputs[ext]; !found && strings.HasSuffix(entry.Name(), "."+ext) {
				outputs[ext] = filepath.Join(outputDir, entry.Name())
			}
		}
	}
	if len(outputs) != 2 {
		return Result{}, errors.Errorf("export into %q did not produce the bin and xml files", outputDir)
	}
	klog.Info("Exporting completed")
	return Result{Outputs: outputs}, nil
}
