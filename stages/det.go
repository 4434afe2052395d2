// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// DetectionDatasets are the detection datasets supporting class-incremental adaptation.
var DetectionDatasets = []string{"CocoDataset", "VOCDataset", "CustomDataset"}

// Pipeline and dataset types inserted by the detection stage.
const (
	AdaptClassLabelsType     = "AdaptClassLabels"
	TaskAdaptEvalDatasetType = "TaskAdaptEvalDataset"
)

// DetStage configures detection stages.
type DetStage struct {
	*Stage
}

// Configure returns the final configuration for a detection run. With a "task_adapt" section, the box
// head is resized to the model classes, the head weights of the checkpoint are mixed in by class name
// (model.task_adapt), training labels are remapped by an AdaptClassLabels pipeline step, and the
// evaluation datasets are wrapped to report results in the data class order.
func (s *DetStage) Configure(ctx context.Context, modelCfg config.Config, ckpt string, dataCfg config.Config,
	training bool, opts Options) (config.Config, error) {
	klog.Infof("configure: training=%v", training)
	cfg := s.Recipe.Clone()
	mergeModel(cfg, modelCfg)
	if err := checkTask(cfg, "detection"); err != nil {
		return nil, err
	}
	if err := setLoadFrom(cfg, ckpt, opts); err != nil {
		return nil, err
	}
	if dataCfg != nil {
		cfg.Merge(dataCfg)
	}
	if cfg.Has("task_adapt") {
		modelClasses, err := s.configureTask(cfg, training)
		if err != nil {
			return nil, err
		}
		s.ModelClasses = modelClasses
	}
	if err := configureHyperparams(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *DetStage) configureTask(cfg config.Config, training bool) ([]string, error) {
	ta, _, err := cfg.TaskAdaptSection()
	if err != nil {
		return nil, err
	}
	op, err := taskadapt.ParseOp(ta.Op)
	if err != nil {
		return nil, err
	}
	policy, err := data.ParseUnmappedPolicy(cfg.GetString("task_adapt.unmapped", ""))
	if err != nil {
		return nil, errors.Wrapf(taskadapt.ErrConfiguration, "task_adapt.unmapped: %v", err)
	}
	train, err := TrainDataConfig(cfg)
	if err != nil {
		return nil, err
	}
	dataType := train.GetString("type", "")
	if !inList(dataType, DetectionDatasets) {
		return nil, errors.Wrapf(taskadapt.ErrUnsupportedDataset, "class incremental detection for %q is not supported", dataType)
	}
	meta, err := ModelMeta(cfg)
	if err != nil {
		return nil, err
	}
	orgModelClasses := ModelClasses(cfg, meta)
	dataClasses, err := DataClasses(cfg)
	if err != nil {
		return nil, err
	}

	var modelClasses []string
	if training {
		modelClasses, _, err = taskadapt.RefineClasses(orgModelClasses, dataClasses, op)
		if err != nil {
			return nil, err
		}
		newClasses := taskadapt.NewClassesDelta(modelClasses, orgModelClasses)
		train["classes"] = dataClasses
		train["new_classes"] = newClasses
		if err := insertAdaptClassLabels(train, dataClasses, modelClasses, policy); err != nil {
			return nil, err
		}
		if len(orgModelClasses) > 0 {
			cfg.MustSet("model.task_adapt", config.Config{
				"src_classes": orgModelClasses,
				"dst_classes": modelClasses,
			})
		}
		if err := upsertTaskAdaptHook(cfg, orgModelClasses, modelClasses, len(newClasses) > 0, ta.EfficientMode); err != nil {
			return nil, err
		}
		s.Metrics.observeAdaptation(s.Name, len(orgModelClasses), len(modelClasses), len(newClasses))
	} else {
		modelClasses = orgModelClasses
		if len(modelClasses) == 0 {
			modelClasses = dataClasses
		}
	}
	if len(modelClasses) == 0 {
		return nil, errors.Wrap(taskadapt.ErrValidation, "no model classes: neither the checkpoint nor the data has classes")
	}
	cfg.MustSet("task_adapt.final", modelClasses)
	if err := setBoxHeadClasses(cfg, len(modelClasses)); err != nil {
		return nil, err
	}
	for _, split := range []string{"val", "test"} {
		if err := wrapEvalDataset(cfg, split, modelClasses); err != nil {
			return nil, err
		}
	}
	klog.Infof("Task Adaptation: %q => %q", orgModelClasses, modelClasses)
	return modelClasses, nil
}

// setBoxHeadClasses sets num_classes of the box head: model.roi_head.bbox_head for two-stage
// detectors, or else model.bbox_head.
func setBoxHeadClasses(cfg config.Config, numClasses int) error {
	path := "model.bbox_head.num_classes"
	if cfg.Has("model.roi_head.bbox_head") {
		path = "model.roi_head.bbox_head.num_classes"
	}
	return cfg.Set(path, numClasses)
}

// insertAdaptClassLabels adds the label remapping step to the train pipeline, right after the
// annotations are loaded. An existing step is replaced.
func insertAdaptClassLabels(train config.Config, srcClasses, dstClasses []string, policy data.UnmappedPolicy) error {
	step := config.Config{
		"type":        AdaptClassLabelsType,
		"src_classes": srcClasses,
		"dst_classes": dstClasses,
		"unmapped":    policy.String(),
	}
	value, found := train["pipeline"]
	pipeline, isList := value.([]any)
	if found && value != nil && !isList {
		return errors.Wrapf(taskadapt.ErrConfiguration, "train pipeline holds a %T, not a list", value)
	}
	at := 0
	for ii, elem := range pipeline {
		stepCfg, ok := elem.(config.Config)
		if !ok {
			continue
		}
		switch stepCfg["type"] {
		case AdaptClassLabelsType:
			pipeline[ii] = step
			return nil
		case "LoadAnnotations":
			at = ii + 1
		}
	}
	pipeline = append(pipeline, nil)
	copy(pipeline[at+1:], pipeline[at:])
	pipeline[at] = step
	train["pipeline"] = pipeline
	return nil
}

// wrapEvalDataset wraps data.<split> into a TaskAdaptEvalDataset, keeping the original type in "org_type".
func wrapEvalDataset(cfg config.Config, split string, modelClasses []string) error {
	section, found := cfg.Sub("data." + split)
	if !found {
		return nil
	}
	if section["type"] == TaskAdaptEvalDatasetType {
		section["model_classes"] = modelClasses
		return nil
	}
	wrapped := section.Clone()
	wrapped["org_type"] = section["type"]
	wrapped["type"] = TaskAdaptEvalDatasetType
	wrapped["model_classes"] = modelClasses
	return cfg.Set("data."+split, wrapped)
}
