// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages turns a recipe, a model configuration, a checkpoint and a data configuration into the
// final configuration consumed by a training framework, adapting the model head and the training data
// to the classes (or tasks) of the new data. It also runs the stages that drive the framework:
// segmentation training and inference, and classification export.
//
// Stages are created by name through a Registry, and executed by a Runner that records their results.
package stages

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
	"github.com/1cmy2/model-preparation-algorithm/ml/hooks"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// Run modes of a stage.
const (
	ModeTrain  = "train"
	ModeEval   = "eval"
	ModeInfer  = "infer"
	ModeExport = "export"
)

// Hyperparams overriding the recipe.
type Hyperparams struct {
	// BatchSize per device, written to data.samples_per_gpu.
	BatchSize *int `mapstructure:"bs"`

	// LR of the optimizer, written to optimizer.lr.
	LR *float64 `mapstructure:"lr"`
}

// Options of a stage run.
type Options struct {
	// Mode of the run, ModeTrain if empty. Stages not configured for the mode do nothing.
	Mode string

	// IRPath is the OpenVINO model used by OMZ backbones.
	IRPath string

	// Pretrained overrides load_from if set.
	Pretrained string

	// PreStageRes is the result of a previous stage used for pseudo-labels.
	PreStageRes string

	// Hyperparams overriding the recipe, if not nil.
	Hyperparams *Hyperparams
}

func (o Options) mode() string {
	if o.Mode == "" {
		return ModeTrain
	}
	return o.Mode
}

// TrainJob is what a framework needs to run one training worker.
type TrainJob struct {
	// Config is the final configuration. It must not be changed by the framework.
	Config config.Config

	// Rank of the worker and WorldSize the number of workers. GPU is the device id, -1 for the default device.
	Rank, WorldSize, GPU int

	// Classes the model is trained on, in head output order.
	Classes []string

	// Meta to store in every checkpoint saved.
	Meta checkpoints.ModelMeta

	// Hooks built from the "custom_hooks" of Config. Each worker has its own set.
	Hooks *hooks.Set

	// WorkDir where checkpoints and logs are written.
	WorkDir string

	// Timestamp of the run, used to name logs.
	Timestamp string

	// BatchSize per device, from data.samples_per_gpu.
	BatchSize int

	// Partition of the training samples into old and new ones. Only set for class-incremental train
	// data whose annotations are on disk.
	Partition *sampler.Partition

	// Labels yields the training label maps remapped to Classes, in the incremental sampler order: the
	// same order TaskAdaptHook installs in the hooks.Run. Set with Partition.
	Labels train.Dataset
}

// NewRun returns the hooks.Run a framework starts the worker with.
func (job TrainJob) NewRun() *hooks.Run {
	run := hooks.NewRun()
	run.BatchSize = job.BatchSize
	run.Partition = job.Partition
	run.SharedData["classes"] = job.Classes
	return run
}

// InferJob is what a framework needs to run inference.
type InferJob struct {
	Config config.Config

	// Data is the dataset section to infer on.
	Data config.Config

	// Classes of the model.
	Classes []string

	// Checkpoint to load, if not empty.
	Checkpoint string

	// SamplesPerGPU is the inference batch size.
	SamplesPerGPU int
}

// ExportJob is what a framework needs to export a model.
type ExportJob struct {
	Config     config.Config
	Checkpoint string

	// OutputDir where the exported files are written.
	OutputDir string

	// InputShape of one image, channels first.
	InputShape []int

	// MeanValues and ScaleValues of the input normalization, per channel.
	MeanValues, ScaleValues []float64

	// DataType of the exported model, e.g. "FP32".
	DataType string

	InputNames, OutputNames []string
}

// Framework is the training framework the stages drive: it builds the models, and runs training,
// inference and export with a configuration prepared by the stages.
type Framework interface {
	// ProbeOutputChannels builds the module described by moduleCfg, runs it on a random input of the
	// given shape (without batch dimension) and returns the number of output channels.
	ProbeOutputChannels(ctx context.Context, moduleCfg config.Config, inputShape []int) (int, error)

	// Train runs one training worker.
	Train(ctx context.Context, job TrainJob) error

	// Infer returns the model outputs for each sample of the dataset.
	Infer(ctx context.Context, job InferJob) ([]*tensors.Tensor, error)

	// Export writes the exported model files into job.OutputDir.
	Export(ctx context.Context, job ExportJob) error
}

// Stage holds what is common to all stages: the base recipe and the run modes it accepts.
type Stage struct {
	// Name of the stage, as used in the results.
	Name string

	// Modes the stage runs in. Empty means only ModeTrain.
	Modes []string

	// Recipe is the base configuration. It is cloned, never changed, by Configure.
	Recipe config.Config

	Framework Framework
	Metrics   *Metrics

	// ModelClasses and ModelTasks are the label space of the model after the last Configure.
	ModelClasses []string
	ModelTasks   taskadapt.TaskSet
}

// NewStage creates a Stage. recipe may be nil.
func NewStage(name string, recipe config.Config, modes []string, framework Framework, metrics *Metrics) *Stage {
	if recipe == nil {
		recipe = config.New()
	}
	return &Stage{Name: name, Modes: modes, Recipe: recipe, Framework: framework, Metrics: metrics}
}

// Accepts returns whether the stage runs in the given mode.
func (s *Stage) Accepts(mode string) bool {
	if len(s.Modes) == 0 {
		return mode == ModeTrain
	}
	return slices.Contains(s.Modes, mode)
}

func (s *Stage) requireFramework() error {
	if s.Framework == nil {
		return errors.Errorf("stage %q has no framework to run with", s.Name)
	}
	return nil
}

// mergeModel merges the model configuration into the recipe clone cfg. If the recipe has no model,
// only the model section of modelCfg is used.
func mergeModel(cfg, modelCfg config.Config) {
	if modelCfg == nil {
		return
	}
	if cfg.Has("model") {
		cfg.Merge(modelCfg)
		return
	}
	if model, found := modelCfg.Sub("model"); found {
		cfg["model"] = model.Clone()
	}
}

// checkTask pops model.task and checks it is the expected one.
func checkTask(cfg config.Config, task string) error {
	value, _ := cfg.Pop("model.task")
	if value != task {
		return errors.Wrapf(taskadapt.ErrConfiguration, "given model config (task %v) is not supported by %s recipe", value, task)
	}
	return nil
}

// TrainDataConfig returns the section of the training dataset, descending through dataset wrappers
// (like RepeatDataset, that hold the wrapped one under "dataset") and taking the first of a list.
// The section returned is shared with cfg.
func TrainDataConfig(cfg config.Config) (config.Config, error) {
	value, found := cfg.Get("data.train")
	if !found {
		return nil, errors.Wrap(taskadapt.ErrConfiguration, "data.train is not configured")
	}
	for {
		if list, ok := value.([]any); ok {
			if len(list) == 0 {
				return nil, errors.Wrap(taskadapt.ErrConfiguration, "data.train is an empty list")
			}
			value = list[0]
			continue
		}
		section, ok := value.(config.Config)
		if !ok {
			return nil, errors.Wrapf(taskadapt.ErrConfiguration, "data.train holds a %T, not a dataset", value)
		}
		if inner, found := section["dataset"]; found && inner != nil {
			value = inner
			continue
		}
		return section, nil
	}
}

// ModelMeta reads the meta of the checkpoint in load_from. It returns an empty meta if load_from is not set.
func ModelMeta(cfg config.Config) (checkpoints.ModelMeta, error) {
	loadFrom := cfg.GetString("load_from", "")
	if loadFrom == "" {
		return checkpoints.ModelMeta{}, nil
	}
	meta, err := checkpoints.ReadMeta(loadFrom)
	if err != nil {
		return checkpoints.ModelMeta{}, errors.WithMessagef(err, "reading model meta from load_from")
	}
	return meta, nil
}

// ModelClasses returns the classes of the model: the CLASSES of its meta, or else model.classes.
func ModelClasses(cfg config.Config, meta checkpoints.ModelMeta) []string {
	if len(meta.Classes) > 0 {
		return slices.Clone(meta.Classes)
	}
	classes, _ := cfg.GetStrings("model.classes")
	return slices.Clone(classes)
}

// DataClasses returns the classes of the training data: "data_classes" (which is removed from the
// section) or else "classes".
func DataClasses(cfg config.Config) ([]string, error) {
	train, err := TrainDataConfig(cfg)
	if err != nil {
		return nil, err
	}
	if train.Has("data_classes") {
		classes, ok := train.GetStrings("data_classes")
		if !ok {
			return nil, errors.Wrap(taskadapt.ErrConfiguration, "data_classes is not a list of classes")
		}
		train.Pop("data_classes")
		return slices.Clone(classes), nil
	}
	classes, _ := train.GetStrings("classes")
	return slices.Clone(classes), nil
}

// CheckpointPath resolves the path of a model checkpoint: "~" is expanded and the path made absolute.
// It returns an error if nothing exists at the path.
func CheckpointPath(ckpt string) (string, error) {
	path := data.ReplaceTildeInDir(ckpt)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolving checkpoint path %q", ckpt)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", errors.Wrapf(err, "checkpoint %q", ckpt)
	}
	return abs, nil
}

// setLoadFrom sets load_from from the checkpoint, then from the pretrained override.
func setLoadFrom(cfg config.Config, ckpt string, opts Options) error {
	if ckpt != "" {
		path, err := CheckpointPath(ckpt)
		if err != nil {
			return err
		}
		cfg["load_from"] = path
	}
	if opts.Pretrained != "" {
		klog.Infof("Overriding load_from -> %s", opts.Pretrained)
		cfg["load_from"] = opts.Pretrained
	}
	return nil
}

// configureHyperparams applies opts.Hyperparams, or the "hyperparams" section of the recipe.
func configureHyperparams(cfg config.Config, opts Options) error {
	hp := opts.Hyperparams
	if hp == nil {
		if !cfg.Has("hyperparams") {
			return nil
		}
		hp = &Hyperparams{}
		if err := cfg.Decode("hyperparams", hp); err != nil {
			return err
		}
	}
	if hp.BatchSize != nil {
		if err := cfg.Set("data.samples_per_gpu", *hp.BatchSize); err != nil {
			return err
		}
	}
	if hp.LR != nil {
		if err := cfg.Set("optimizer.lr", *hp.LR); err != nil {
			return err
		}
	}
	return nil
}

// upsertTaskAdaptHook adds (or replaces) the TaskAdaptHook of the recipe.
func upsertTaskAdaptHook(cfg config.Config, srcClasses, dstClasses []string, samplerFlag, efficientMode bool) error {
	hook := config.Config{
		"type":           hooks.TaskAdaptHookName,
		"src_classes":    slices.Clone(srcClasses),
		"dst_classes":    slices.Clone(dstClasses),
		"model_type":     cfg.GetString("model.type", ""),
		"sampler_flag":   samplerFlag,
		"efficient_mode": efficientMode,
	}
	if seed, found := cfg.Get("seed"); found && seed != nil {
		hook["seed"] = seed
	}
	return cfg.UpsertCustomHook(hook)
}

func inList(value string, list []string) bool { return slices.Contains(list, value) }
