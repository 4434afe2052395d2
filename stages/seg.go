// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// SegIncrDatasetType is the segmentation dataset partitioning its samples into old and new ones.
const SegIncrDatasetType = "SegIncrVOCDataset"

// SegStage configures segmentation stages. Segmentation label spaces always start with the
// data.SegBackground class.
type SegStage struct {
	*Stage
}

// withBackground returns classes prefixed with data.SegBackground, unless already there.
func withBackground(classes []string) []string {
	if len(classes) > 0 && classes[0] == data.SegBackground {
		return slices.Clone(classes)
	}
	return append([]string{data.SegBackground}, classes...)
}

// withoutBackground returns classes without data.SegBackground.
func withoutBackground(classes []string) []string {
	return slices.DeleteFunc(slices.Clone(classes), func(c string) bool { return c == data.SegBackground })
}

// Configure returns the final configuration for a segmentation run. With a "task_adapt" section the
// model classes are refined from the checkpoint and the data classes (background first), recorded in
// task_adapt.final, and used to size the decode head(s).
func (s *SegStage) Configure(ctx context.Context, modelCfg config.Config, ckpt string, dataCfg config.Config,
	training bool, opts Options) (config.Config, error) {
	klog.Infof("configure: training=%v", training)
	cfg := s.Recipe.Clone()
	mergeModel(cfg, modelCfg)
	if err := checkTask(cfg, "segmentation"); err != nil {
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

func (s *SegStage) configureTask(cfg config.Config, training bool) ([]string, error) {
	ta, _, err := cfg.TaskAdaptSection()
	if err != nil {
		return nil, err
	}
	op, err := taskadapt.ParseOp(ta.Op)
	if err != nil {
		return nil, err
	}
	meta, err := ModelMeta(cfg)
	if err != nil {
		return nil, err
	}
	orgModelClasses := withoutBackground(ModelClasses(cfg, meta))
	dataClasses, err := DataClasses(cfg)
	if err != nil {
		return nil, err
	}
	dataClasses = withoutBackground(dataClasses)

	var modelClasses []string
	if training {
		train, err := TrainDataConfig(cfg)
		if err != nil {
			return nil, err
		}
		if dataType := train.GetString("type", ""); dataType != SegIncrDatasetType {
			return nil, errors.Wrapf(taskadapt.ErrUnsupportedDataset,
				"class incremental segmentation needs a %s, got %q", SegIncrDatasetType, dataType)
		}
		modelClasses, _, err = taskadapt.RefineClasses(orgModelClasses, dataClasses, op)
		if err != nil {
			return nil, err
		}
		newClasses := taskadapt.NewClassesDelta(modelClasses, orgModelClasses)
		train["classes"] = withBackground(dataClasses)
		train["new_classes"] = newClasses
		if len(orgModelClasses) > 0 {
			cfg.MustSet("model.task_adapt", config.Config{
				"src_classes": withBackground(orgModelClasses),
				"dst_classes": withBackground(modelClasses),
			})
		}
		if err := upsertTaskAdaptHook(cfg, withBackground(orgModelClasses), withBackground(modelClasses),
			len(newClasses) > 0, ta.EfficientMode); err != nil {
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
	modelClasses = withBackground(modelClasses)
	cfg.MustSet("task_adapt.final", modelClasses)
	if err := setDecodeHeadClasses(cfg, len(modelClasses)); err != nil {
		return nil, err
	}
	klog.Infof("Task Adaptation: %q => %q", withBackground(orgModelClasses), modelClasses)
	return modelClasses, nil
}

// setDecodeHeadClasses sets num_classes of model.decode_head, which may be a list of heads (cascade).
func setDecodeHeadClasses(cfg config.Config, numClasses int) error {
	value, _ := cfg.Get("model.decode_head")
	if heads, ok := value.([]any); ok {
		for _, head := range heads {
			if section, ok := head.(config.Config); ok {
				section["num_classes"] = numClasses
			}
		}
		return nil
	}
	return cfg.Set("model.decode_head.num_classes", numClasses)
}

// targetClasses returns task_adapt.final, or the classes of the dataset section.
func targetClasses(cfg, dataset config.Config) []string {
	if classes, found := cfg.GetStrings("task_adapt.final"); found {
		return classes
	}
	classes, _ := dataset.GetStrings("classes")
	return classes
}
