// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
)

// SegInferrer runs a segmentation model over a dataset.
type SegInferrer struct {
	SegStage
}

// NewSegInferrer creates a SegInferrer for the stage.
func NewSegInferrer(stage *Stage) *SegInferrer {
	return &SegInferrer{SegStage: SegStage{Stage: stage}}
}

// Run configures the model for evaluation and returns the classes and the segmentation outputs for the
// dataset selected by "input_source": "test" (the default), "val" or "train".
func (i *SegInferrer) Run(ctx context.Context, in Input) (Result, error) {
	if !i.Accepts(in.Options.mode()) {
		return Result{Skipped: true}, nil
	}
	if err := i.requireFramework(); err != nil {
		return Result{}, err
	}
	cfg, err := i.Configure(ctx, in.ModelConfig, in.Checkpoint, in.DataConfig, false, in.Options)
	if err != nil {
		return Result{}, err
	}
	klog.Info("infer!")
	workDir, err := filepath.Abs(cfg.GetString("work_dir", "."))
	if err != nil {
		return Result{}, errors.Wrap(err, "resolving work_dir")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return Result{}, errors.Wrapf(err, "creating work_dir %q", workDir)
	}

	test, found := cfg.Sub("data.test")
	if !found {
		return Result{}, errors.New("data.test is not configured")
	}
	samplesPerGPU := test.GetInt("samples_per_gpu", 1)
	test.Pop("samples_per_gpu")
	if samplesPerGPU > 1 {
		test["pipeline"] = replaceImageToTensor(test.GetList("pipeline"))
	}

	inputSource := cfg.GetString("input_source", "test")
	klog.Infof("Inferring on input source: data.%s", inputSource)
	var source config.Config
	if inputSource == "train" {
		source, err = TrainDataConfig(cfg)
		if err != nil {
			return Result{}, err
		}
	} else if source, found = cfg.Sub("data." + inputSource); !found {
		return Result{}, errors.Errorf("input source data.%s is not configured", inputSource)
	}
	dataset := test.Clone()
	if classes, found := source.Get("classes"); found {
		dataset["classes"] = classes
		dataset["new_classes"] = []any{}
	}
	classes := targetClasses(cfg, dataset)

	if model, found := cfg.Sub("model"); found {
		model["pretrained"] = nil
		clearRFPPretrained(model["neck"])
	}
	outputs, err := i.Framework.Infer(ctx, InferJob{
		Config:        cfg,
		Data:          dataset,
		Classes:       classes,
		Checkpoint:    cfg.GetString("load_from", ""),
		SamplesPerGPU: samplesPerGPU,
	})
	if err != nil {
		return Result{}, errors.WithMessage(err, "inference")
	}
	return Result{Classes: classes, Segmentations: outputs}, nil
}

// clearRFPPretrained removes the pretrained weights of recursive feature pyramid backbones in the neck,
// which may be a single section or a list.
func clearRFPPretrained(neck any) {
	var necks []any
	switch n := neck.(type) {
	case config.Config:
		necks = []any{n}
	case []any:
		necks = n
	}
	for _, elem := range necks {
		if section, ok := elem.(config.Config); ok {
			if rfp, found := section.Sub("rfp_backbone"); found && rfp["pretrained"] != nil {
				rfp["pretrained"] = nil
			}
		}
	}
}

// replaceImageToTensor returns a copy of the pipeline with ImageToTensor steps replaced by
// DefaultFormatBundle, as needed for batched inference. MultiScaleFlipAug transforms are replaced recursively.
func replaceImageToTensor(pipeline []any) []any {
	out := make([]any, len(pipeline))
	for ii, elem := range pipeline {
		step, ok := elem.(config.Config)
		if !ok {
			out[ii] = elem
			continue
		}
		switch step["type"] {
		case "MultiScaleFlipAug":
			step = step.Clone()
			step["transforms"] = replaceImageToTensor(step.GetList("transforms"))
			out[ii] = step
		case "ImageToTensor":
			klog.Warning(`"ImageToTensor" pipeline is replaced by "DefaultFormatBundle" for batch inference. ` +
				"It is recommended to manually replace it in the test data pipeline in your config file.")
			out[ii] = config.Config{"type": "DefaultFormatBundle"}
		default:
			out[ii] = step
		}
	}
	return out
}
