// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

var (
	// ClassIncrementalDatasets are the classification datasets supporting the "mpa" adaptation.
	ClassIncrementalDatasets = []string{"MPAClsDataset", "ClsDirDataset", "ClsTVDataset"}

	// PseudoLabelDatasets are the classification datasets accepting the results of a previous stage.
	PseudoLabelDatasets = []string{"ClassIncDataset", "LwfTaskIncDataset", "ClsTVDataset"}

	// WeightMixClassifiers are the classifiers that mix the checkpoint head weights into the new head.
	WeightMixClassifiers = []string{"SAMImageClassifier"}
)

// OmzBackbone is the backbone type wrapping an OpenVINO model.
const OmzBackbone = "OmzBackboneCls"

// ProbeInputShape is the image shape, channels first, used to probe the backbone output channels.
var ProbeInputShape = []int{3, 224, 224}

// ClsStage configures classification stages.
type ClsStage struct {
	*Stage
}

// Configure returns the final configuration for a classification run: the recipe merged with modelCfg
// and dataCfg, with the model head adapted to the classes (or tasks) of the training data if the recipe
// has a "task_adapt" section. ckpt, if not empty, is the checkpoint to start from.
func (s *ClsStage) Configure(ctx context.Context, modelCfg config.Config, ckpt string, dataCfg config.Config,
	training bool, opts Options) (config.Config, error) {
	klog.Infof("configure: training=%v", training)

	cfg := s.Recipe.Clone()
	mergeModel(cfg, modelCfg)
	if err := checkTask(cfg, "classification"); err != nil {
		return nil, err
	}
	if err := s.configureModel(ctx, cfg); err != nil {
		return nil, err
	}
	if ckpt != "" {
		path, err := CheckpointPath(ckpt)
		if err != nil {
			return nil, err
		}
		cfg["load_from"] = path
	}

	if cfg.GetString("model.backbone.type", "") == OmzBackbone {
		if opts.IRPath == "" {
			return nil, errors.Wrap(taskadapt.ErrConfiguration, "OMZ model needs OpenVINO bin/XML files")
		}
		cfg.MustSet("model.backbone.model_path", opts.IRPath)
	}
	if err := setLoadFrom(cfg, "", opts); err != nil {
		return nil, err
	}

	if dataCfg != nil {
		cfg.Merge(dataCfg)
	}

	if cfg.Has("task_adapt") {
		meta, err := ModelMeta(cfg)
		if err != nil {
			return nil, err
		}
		modelTasks, dstClasses, err := s.configureTask(cfg, training, &meta, opts)
		if err != nil {
			return nil, err
		}
		if modelTasks != nil {
			s.ModelTasks = modelTasks
		}
		if dstClasses != nil {
			s.ModelClasses = dstClasses
		}
	} else {
		if !cfg.Has("data.num_classes") {
			train, err := TrainDataConfig(cfg)
			if err != nil {
				return nil, err
			}
			classes, _ := train.GetStrings("classes")
			if err := cfg.Set("data.num_classes", len(classes)); err != nil {
				return nil, err
			}
		}
		value, _ := cfg.Get("data.num_classes")
		if err := cfg.Set("model.head.num_classes", value); err != nil {
			return nil, err
		}
	}

	if topk := cfg.GetList("model.head.topk"); topk != nil {
		if cfg.GetInt("model.head.num_classes", 0) < 5 {
			cfg.MustSet("model.head.topk", []any{1})
		} else {
			cfg.MustSet("model.head.topk", []any{1, 5})
		}
	}

	if err := configureHyperparams(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureModel updates the in_channels of the neck and head when they are not positive, by probing
// the output channels of the backbone (and neck) with the framework.
func (s *ClsStage) configureModel(ctx context.Context, cfg config.Config) error {
	needsUpdate := func(path string) bool {
		return cfg.Has(path) && cfg.GetInt(path, 0) <= 0
	}
	if !needsUpdate("model.neck.in_channels") && !needsUpdate("model.head.in_channels") {
		return nil
	}
	if s.Framework == nil {
		return errors.Wrap(taskadapt.ErrConfiguration, "in_channels must be probed, but no framework is available")
	}
	backbone, found := cfg.Sub("model.backbone")
	if !found {
		return errors.Wrap(taskadapt.ErrConfiguration, "model.backbone is not configured")
	}
	klog.V(1).Infof("input shape for backbone %v", ProbeInputShape)
	output, err := s.Framework.ProbeOutputChannels(ctx, backbone, ProbeInputShape)
	if err != nil {
		return errors.WithMessage(err, "probing backbone output channels")
	}
	if neck, found := cfg.Sub("model.neck"); found && neck.Has("in_channels") {
		klog.Infof("'in_channels' config in model.neck is updated from %v to %d", neck["in_channels"], output)
		neck["in_channels"] = output
		klog.V(1).Infof("input shape for neck [%d]", output)
		output, err = s.Framework.ProbeOutputChannels(ctx, neck, []int{output})
		if err != nil {
			return errors.WithMessage(err, "probing neck output channels")
		}
	}
	if head, found := cfg.Sub("model.head"); found && head.Has("in_channels") {
		klog.Infof("'in_channels' config in model.head is updated from %v to %d", head["in_channels"], output)
		head["in_channels"] = output
	}
	return nil
}

// configureTask adapts the head and the training data to the label space refined from the checkpoint meta
// and the training data. It returns the tasks (task-incremental) or classes (class-incremental) of the model.
func (s *ClsStage) configureTask(cfg config.Config, training bool, meta *checkpoints.ModelMeta, opts Options) (
	modelTasks taskadapt.TaskSet, dstClasses []string, err error) {
	ta, _, err := cfg.TaskAdaptSection()
	if err != nil {
		return nil, nil, err
	}
	op, err := taskadapt.ParseOp(ta.Op)
	if err != nil {
		return nil, nil, err
	}
	train, err := TrainDataConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	head, err := cfg.Section("model.head")
	if err != nil {
		return nil, nil, err
	}
	loadFrom := cfg.GetString("load_from", "")

	modelClasses := ModelClasses(cfg, *meta)
	dataClasses, err := DataClasses(cfg)
	if err != nil {
		return nil, nil, err
	}
	if len(modelClasses) > 0 {
		head["num_classes"] = len(modelClasses)
		meta.Classes = modelClasses
	} else if len(dataClasses) > 0 {
		head["num_classes"] = len(dataClasses)
		meta.Classes = dataClasses
	}
	if newClasses, _ := train.GetStrings("new_classes"); len(newClasses) == 0 {
		train["new_classes"] = taskadapt.NewClassesDelta(dataClasses, modelClasses)
	}

	var trainTasks taskadapt.TaskSet
	if train.Has("tasks") {
		if err := train.Decode("tasks", &trainTasks); err != nil {
			return nil, nil, err
		}
	}
	newClasses, _ := train.GetStrings("new_classes")
	var oldTasks taskadapt.TaskSet
	var oldClasses []string

	if training {
		switch {
		case len(trainTasks) > 0:
			if err := meta.RequireTasks(loadFrom); err != nil {
				return nil, nil, err
			}
			modelTasks, oldTasks, err = taskadapt.RefineTasks(meta.Tasks, trainTasks, op)
			if err != nil {
				return nil, nil, err
			}
			head["old_tasks"] = taskSetValue(oldTasks)
			if value, _ := head.Get("tasks"); value == nil {
				klog.Infof("'tasks' in model.head is None. updated with configuration on train data %v", trainTasks)
				head["tasks"] = taskSetValue(trainTasks)
			}
		case train.Has("new_classes"):
			if err := meta.RequireClasses(loadFrom); err != nil {
				return nil, nil, err
			}
			dstClasses, oldClasses, err = taskadapt.RefineClasses(meta.Classes, newClasses, op)
			if err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, errors.Wrap(taskadapt.ErrConfiguration,
				`"new_classes" or "tasks" should be defined for incremental learning w/ current model`)
		}

		if ta.Type == "mpa" {
			dataType := train.GetString("type", "")
			if !inList(dataType, ClassIncrementalDatasets) || dstClasses == nil {
				return nil, nil, errors.Wrapf(taskadapt.ErrUnsupportedDataset,
					"class incremental learning for %q is not yet supported", dataType)
			}
			if inList(cfg.GetString("model.type", ""), WeightMixClassifiers) {
				cfg.MustSet("model.task_adapt", config.Config{
					"src_classes": modelClasses,
					"dst_classes": dataClasses,
				})
			}
			delta := taskadapt.NewClassesDelta(dstClasses, oldClasses)
			train["new_classes"] = delta
			train["classes"] = dstClasses
			head["num_classes"] = len(dstClasses)
			gamma := 3
			if ta.EfficientMode {
				gamma = 2
			}
			head["loss"] = config.Config{
				"type":        "SoftmaxFocalLoss",
				"loss_weight": 1.0,
				"gamma":       gamma,
				"reduction":   "none",
			}
			// A REPLACE without new classes only removes classes: nothing to oversample.
			samplerFlag := len(delta) > 0
			if err := upsertTaskAdaptHook(cfg, oldClasses, dstClasses, samplerFlag, ta.EfficientMode); err != nil {
				return nil, nil, err
			}
			s.Metrics.observeAdaptation(s.Name, len(oldClasses), len(dstClasses), len(delta))
		}
	} else {
		switch {
		case len(trainTasks) > 0:
			if err := meta.RequireTasks(loadFrom); err != nil {
				return nil, nil, err
			}
			head["tasks"] = taskSetValue(meta.Tasks)
		case len(newClasses) > 0:
			if err := meta.RequireClasses(loadFrom); err != nil {
				return nil, nil, err
			}
			dstClasses, _, err = taskadapt.RefineClasses(meta.Classes, newClasses, op)
			if err != nil {
				return nil, nil, err
			}
			head["num_classes"] = len(dstClasses)
		}
	}

	if opts.PreStageRes != "" {
		klog.Infof("pre-stage dataset: %s", opts.PreStageRes)
		dataType := train.GetString("type", "")
		if !inList(dataType, PseudoLabelDatasets) {
			return nil, nil, errors.Wrapf(taskadapt.ErrUnsupportedDataset, "pseudo label loading for %q is not yet supported", dataType)
		}
		train["pre_stage_res"] = opts.PreStageRes
		switch {
		case len(trainTasks) > 0:
			train["model_tasks"] = taskSetValue(modelTasks)
			head["old_tasks"] = taskSetValue(oldTasks)
		case train.Has("classes") && dstClasses != nil:
			train["dst_classes"] = dstClasses
			for _, split := range []string{"val", "test"} {
				if section, found := cfg.Sub("data." + split); found {
					section["dst_classes"] = dstClasses
				}
			}
			head["num_classes"] = len(dstClasses)
			head["num_old_classes"] = len(oldClasses)
		}
	}
	return modelTasks, dstClasses, nil
}

// taskSetValue converts a TaskSet into a configuration section.
func taskSetValue(ts taskadapt.TaskSet) config.Config {
	section := make(config.Config, len(ts))
	for name, classes := range ts {
		section[name] = append([]string(nil), classes...)
	}
	return section
}
