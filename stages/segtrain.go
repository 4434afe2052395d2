// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
	"github.com/1cmy2/model-preparation-algorithm/ml/hooks"
)

// Checkpoint names written by segmentation training. The best checkpoints are suffixed by the
// iteration (or epoch) they were saved at.
const (
	LatestCheckpoint    = "latest"
	BestMDicePattern    = "best_mDice_*"
	BestMIoUPattern     = "best_mIoU_*"
	IterBasedRunnerType = "IterBasedRunner"
)

// SegTrainer trains a segmentation model.
type SegTrainer struct {
	SegStage

	// Hooks instantiates the "custom_hooks" of the configuration. hooks.DefaultRegistry() if nil.
	Hooks *hooks.Registry
}

// NewSegTrainer creates a SegTrainer for the stage.
func NewSegTrainer(stage *Stage) *SegTrainer {
	return &SegTrainer{SegStage: SegStage{Stage: stage}}
}

// Run configures the training, runs one framework worker per GPU and returns the final checkpoint:
// the best mIoU checkpoint if any, or else the best mDice one, or else the latest.
func (t *SegTrainer) Run(ctx context.Context, in Input) (Result, error) {
	if !t.Accepts(in.Options.mode()) {
		return Result{Skipped: true}, nil
	}
	if err := t.requireFramework(); err != nil {
		return Result{}, err
	}
	cfg, err := t.Configure(ctx, in.ModelConfig, in.Checkpoint, in.DataConfig, true, in.Options)
	if err != nil {
		return Result{}, err
	}
	if cfg.GetString("runner.type", "") == IterBasedRunnerType {
		cfg["runner"] = config.Config{
			"type":      IterBasedRunnerType,
			"max_iters": cfg.GetInt("runner.max_iters", 0),
		}
	}
	klog.Info("train!")

	workDir, err := filepath.Abs(cfg.GetString("work_dir", "."))
	if err != nil {
		return Result{}, errors.Wrap(err, "resolving work_dir")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return Result{}, errors.Wrapf(err, "creating work_dir %q", workDir)
	}
	timestamp := time.Now().Format("20060102_150405")

	devices, err := gpuIDs(cfg)
	if err != nil {
		return Result{}, err
	}
	distributed := len(devices) > 1
	klog.Infof("gpu_ids = %v, distributed = %v", devices, distributed)

	train, err := TrainDataConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	classes := targetClasses(cfg, train)
	runID := uuid.NewString()
	meta := checkpoints.ModelMeta{
		Classes: classes,
		Extra: map[string]any{
			"run_id":   runID,
			"seed":     cfg["seed"],
			"exp_name": workDir,
		},
	}
	if cfg.Has("checkpoint_config") {
		cfg.MustSet("checkpoint_config.meta", config.Config{"CLASSES": classes})
	}

	if distributed && cfg.GetBool("dist_params.linear_scale_lr", false) {
		lr := cfg.GetFloat("optimizer.lr", 0)
		newLR := float64(len(devices)) * lr
		klog.Infof("enabled linear scaling rule to the learning rate. changed LR from %g to %g", lr, newLR)
		cfg.MustSet("optimizer.lr", newLR)
	}

	registry := t.Hooks
	if registry == nil {
		registry = hooks.DefaultRegistry()
	}
	var hookCfgs []config.Config
	for _, hookCfg := range cfg.CustomHooks() {
		hookType, _ := hookCfg["type"].(string)
		if !registry.Has(hookType) {
			klog.V(1).Infof("custom hook %q is left to the framework", hookType)
			continue
		}
		hookCfgs = append(hookCfgs, hookCfg)
	}
	batchSize := cfg.GetInt("data.samples_per_gpu", 1)
	incr, err := segIncrDataset(train)
	if err != nil {
		return Result{}, err
	}
	var labelSets []*data.PrefetchDataset
	defer func() {
		for _, labels := range labelSets {
			labels.Stop()
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	for rank, gpu := range devices {
		// Hooks keep state (e.g. the sampler), so each worker builds its own.
		hookSet, err := registry.BuildSet(hookCfgs)
		if err != nil {
			return Result{}, err
		}
		job := TrainJob{
			Config:    cfg,
			Rank:      rank,
			WorldSize: len(devices),
			GPU:       gpu,
			Classes:   classes,
			Meta:      meta.Clone(),
			Hooks:     hookSet,
			WorkDir:   workDir,
			Timestamp: timestamp,
			BatchSize: batchSize,
		}
		if incr != nil {
			partition := incr.Partition()
			job.Partition = &partition
			labels, err := segLabels(cfg, train, incr, classes, batchSize)
			if err != nil {
				return Result{}, err
			}
			labelSets = append(labelSets, labels)
			job.Labels = labels
		}
		g.Go(func() error {
			if err := t.Framework.Train(gCtx, job); err != nil {
				return errors.WithMessagef(err, "training worker %d (gpu %d)", job.Rank, job.GPU)
			}
			return nil
		})
	}
	err = g.Wait()
	t.Metrics.observeWorkers(t.Name, len(devices))
	if err != nil {
		return Result{}, err
	}

	finalCkpt := filepath.Join(workDir, LatestCheckpoint)
	for _, pattern := range []string{BestMDicePattern, BestMIoUPattern} {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			return Result{}, errors.Wrapf(err, "listing %s checkpoints", pattern)
		}
		if len(matches) > 0 {
			finalCkpt = matches[0]
		}
	}
	return Result{RunID: runID, FinalCheckpoint: finalCkpt, Classes: classes}, nil
}

// gpuIDs returns the list in gpu_ids, which may also be a single number. Without gpu_ids a single
// worker runs on the default device, -1.
func gpuIDs(cfg config.Config) ([]int, error) {
	value, found := cfg.Get("gpu_ids")
	if !found || value == nil {
		return []int{-1}, nil
	}
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return []int{-1}, nil
		}
		var ids []int
		if err := cfg.Decode("gpu_ids", &ids); err != nil {
			return nil, err
		}
		return ids, nil
	}
	return []int{cfg.GetInt("gpu_ids", -1)}, nil
}

// segIncrDataset loads the annotations of a SegIncrDatasetType train section and partitions its samples
// into old and new ones. It returns nil if the section has no ann_dir: the framework reads the data itself.
// ann_dir and split are relative to data_root, if set.
func segIncrDataset(train config.Config) (*data.SegIncrDataset, error) {
	if train.GetString("type", "") != SegIncrDatasetType {
		return nil, nil
	}
	annDir := train.GetString("ann_dir", "")
	if annDir == "" {
		return nil, nil
	}
	root := train.GetString("data_root", "")
	underRoot := func(p string) string {
		if root == "" || p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	classes, _ := train.GetStrings("classes")
	newClasses, _ := train.GetStrings("new_classes")
	ds, err := data.BuildSegIncr(underRoot(annDir), withoutBackground(classes), newClasses).
		Split(underRoot(train.GetString("split", ""))).
		Suffix(train.GetString("seg_map_suffix", ".png")).
		Done()
	if err != nil {
		return nil, errors.WithMessage(err, "loading the class incremental train data")
	}
	if ds.Len() == 0 {
		return nil, errors.Errorf("class incremental train data in %q has no samples", annDir)
	}
	return ds, nil
}

// segLabels returns the label maps of ds remapped to the model classes, batched in the order of the
// incremental sampler configured like TaskAdaptHook, and prefetched.
func segLabels(cfg, train config.Config, ds *data.SegIncrDataset, classes []string, batchSize int) (
	*data.PrefetchDataset, error) {
	dataClasses, _ := ds.Classes()
	adapter, err := data.NewSegAdapter(dataClasses, withoutBackground(classes), data.DropUnmapped)
	if err != nil {
		return nil, err
	}
	s, err := sampler.New(ds.Partition(), batchSize,
		sampler.WithEfficientMode(cfg.GetBool("task_adapt.efficient_mode", false)),
		sampler.WithSeed(int64(cfg.GetInt("seed", 0))))
	if err != nil {
		return nil, err
	}
	width, height, err := labelSize(train, ds)
	if err != nil {
		return nil, err
	}
	batches := data.NewSegBatchDataset(ds, sampler.NewDataset(SegIncrDatasetType, s), adapter, width, height, 0)
	return data.Prefetch(batches, 2), nil
}

// labelSize returns the crop size of the RandomCrop step of the train pipeline, or else the size of the
// first label map.
func labelSize(train config.Config, ds *data.SegIncrDataset) (width, height int, err error) {
	for _, elem := range train.GetList("pipeline") {
		step, ok := elem.(config.Config)
		if !ok || step["type"] != "RandomCrop" {
			continue
		}
		var crop []int
		if err = step.Decode("crop_size", &crop); err != nil {
			return 0, 0, err
		}
		if len(crop) != 2 || crop[0] <= 0 || crop[1] <= 0 {
			return 0, 0, errors.Errorf("invalid RandomCrop crop_size %v, want [height, width]", crop)
		}
		return crop[1], crop[0], nil
	}
	m, err := ds.Sample(0)
	if err != nil {
		return 0, 0, err
	}
	return m.Width, m.Height, nil
}
