// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
	"github.com/1cmy2/model-preparation-algorithm/ml/hooks"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

type fakeFramework struct {
	mu        sync.Mutex
	trainJobs []TrainJob
	inferJobs []InferJob
	exports   []ExportJob
	failRank  int
	failAll   bool

	// onTrain, if set, is called by every training worker, concurrently.
	onTrain func(job TrainJob) error
}

func newFakeFramework() *fakeFramework { return &fakeFramework{failRank: -1} }

func (f *fakeFramework) ProbeOutputChannels(_ context.Context, _ config.Config, inputShape []int) (int, error) {
	if len(inputShape) == 3 {
		return 1280, nil
	}
	return 256, nil
}

func (f *fakeFramework) Train(_ context.Context, job TrainJob) error {
	f.mu.Lock()
	f.trainJobs = append(f.trainJobs, job)
	f.mu.Unlock()
	if job.Rank == f.failRank {
		return errors.New("out of memory")
	}
	if f.onTrain != nil {
		return f.onTrain(job)
	}
	return nil
}

func (f *fakeFramework) Infer(_ context.Context, job InferJob) ([]*tensors.Tensor, error) {
	f.inferJobs = append(f.inferJobs, job)
	return []*tensors.Tensor{
		tensors.FromValue([][]float32{{0.1, 0.9}}),
		tensors.FromValue([][]float32{{0.8, 0.2}}),
	}, nil
}

func (f *fakeFramework) Export(_ context.Context, job ExportJob) error {
	f.exports = append(f.exports, job)
	if f.failAll {
		return errors.New("unsupported operator")
	}
	for _, name := range []string{"model.bin", "model.xml", "model.mapping"} {
		if err := os.WriteFile(filepath.Join(job.OutputDir, name), []byte("x"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// parseYAML parses a recipe written in YAML.
func parseYAML(t *testing.T, contents string) config.Config {
	cfg, err := config.Parse([]byte(contents), "yaml")
	require.NoError(t, err)
	return cfg
}

// saveMeta saves a checkpoint with the given meta and no parameters, and returns its directory.
func saveMeta(t *testing.T, meta checkpoints.ModelMeta) string {
	dir := t.TempDir()
	handler, err := checkpoints.Build().Dir(dir).Done()
	require.NoError(t, err)
	_, err = handler.Save(checkpoints.StateDict{}, meta, 10)
	require.NoError(t, err)
	return dir
}

func getStrings(t *testing.T, cfg config.Config, path string) []string {
	values, found := cfg.GetStrings(path)
	require.True(t, found, "%q not found or not a list of strings", path)
	return values
}

func TestHelpers(t *testing.T) {
	cfg := parseYAML(t, `
data:
  train:
    - type: RepeatDataset
      dataset:
        type: ClsTVDataset
        data_classes: [a, b]
        classes: [c]
`)
	train, err := TrainDataConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ClsTVDataset", train["type"])
	classes, err := DataClasses(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, classes)
	assert.False(t, train.Has("data_classes"))
	classes, err = DataClasses(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, classes)

	_, err = TrainDataConfig(config.New())
	assert.ErrorIs(t, err, taskadapt.ErrConfiguration)

	meta, err := ModelMeta(cfg)
	require.NoError(t, err)
	assert.Empty(t, meta.Classes)
	assert.Equal(t, []string{"x"}, ModelClasses(parseYAML(t, "model: {classes: [x]}"), meta))
	assert.Equal(t, []string{"y"}, ModelClasses(cfg, checkpoints.ModelMeta{Classes: []string{"y"}}))

	_, err = CheckpointPath(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	stage := NewStage("test", nil, nil, nil, nil)
	assert.True(t, stage.Accepts(ModeTrain))
	assert.False(t, stage.Accepts(ModeExport))
}

const clsRecipe = `
seed: 7
task_adapt:
  type: mpa
  op: MERGE
  efficient_mode: true
model:
  type: SAMImageClassifier
  task: classification
  backbone: {type: MobileNetV3}
  head: {num_classes: 2, topk: [1, 5]}
data:
  train: {type: ClsTVDataset, classes: [dog, bird, fish, cow]}
  val: {type: ClsTVDataset}
  test: {type: ClsTVDataset}
custom_hooks:
  - {type: TaskAdaptHook, sampler_flag: false}
  - {type: EMAHook}
`

func TestClsConfigureClassIncremental(t *testing.T) {
	ckpt := saveMeta(t, checkpoints.ModelMeta{Classes: []string{"cat", "dog"}})
	metrics := NewMetrics()
	stage := &ClsStage{NewStage("cls", parseYAML(t, clsRecipe), nil, newFakeFramework(), metrics)}
	cfg, err := stage.Configure(context.Background(), nil, ckpt, nil, true, Options{})
	require.NoError(t, err)

	dst := []string{"cat", "dog", "bird", "fish", "cow"}
	assert.Equal(t, dst, stage.ModelClasses)
	assert.Equal(t, dst, getStrings(t, cfg, "data.train.classes"))
	assert.Equal(t, []string{"bird", "fish", "cow"}, getStrings(t, cfg, "data.train.new_classes"))
	assert.Equal(t, 5, cfg.GetInt("model.head.num_classes", 0))
	assert.Equal(t, "SoftmaxFocalLoss", cfg.GetString("model.head.loss.type", ""))
	assert.Equal(t, 2, cfg.GetInt("model.head.loss.gamma", 0))
	assert.Equal(t, []any{1, 5}, cfg.GetList("model.head.topk"))
	assert.Equal(t, []string{"cat", "dog"}, getStrings(t, cfg, "model.task_adapt.src_classes"))
	assert.Equal(t, []string{"dog", "bird", "fish", "cow"}, getStrings(t, cfg, "model.task_adapt.dst_classes"))
	assert.False(t, cfg.Has("model.task"))
	assert.Equal(t, ckpt, cfg.GetString("load_from", ""))
	assert.False(t, stage.Recipe.Has("load_from"), "recipe must not be changed")

	hookCfgs := cfg.CustomHooks()
	require.Len(t, hookCfgs, 2)
	hook, _, err := hooks.DefaultRegistry().Build(hookCfgs[0])
	require.NoError(t, err)
	taHook := hook.(*hooks.TaskAdaptHook)
	assert.Equal(t, []string{"cat", "dog"}, taHook.SrcClasses)
	assert.Equal(t, dst, taHook.DstClasses)
	assert.Equal(t, "SAMImageClassifier", taHook.ModelType)
	assert.True(t, taHook.SamplerFlag)
	assert.True(t, taHook.EfficientMode)
	assert.Equal(t, int64(7), taHook.Seed)
	assert.Equal(t, "EMAHook", hookCfgs[1]["type"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Adaptations.WithLabelValues("cls")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.NewClasses.WithLabelValues("cls")))

	// Pseudo labels from a previous stage.
	stage = &ClsStage{NewStage("cls", parseYAML(t, clsRecipe), nil, nil, nil)}
	cfg, err = stage.Configure(context.Background(), nil, ckpt, nil, true, Options{PreStageRes: "pre.npy"})
	require.NoError(t, err)
	assert.Equal(t, "pre.npy", cfg.GetString("data.train.pre_stage_res", ""))
	assert.Equal(t, dst, getStrings(t, cfg, "data.val.dst_classes"))
	assert.Equal(t, 2, cfg.GetInt("model.head.num_old_classes", 0))
}

func TestClsConfigureErrors(t *testing.T) {
	ctx := context.Background()
	ckpt := saveMeta(t, checkpoints.ModelMeta{Classes: []string{"cat", "dog"}})
	configure := func(recipe config.Config, ckpt string, opts Options) error {
		stage := &ClsStage{NewStage("cls", recipe, nil, nil, nil)}
		_, err := stage.Configure(ctx, nil, ckpt, nil, true, opts)
		return err
	}

	recipe := parseYAML(t, clsRecipe)
	recipe.MustSet("model.task", "detection")
	assert.ErrorIs(t, configure(recipe, ckpt, Options{}), taskadapt.ErrConfiguration)

	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("data.train.type", "ImageNet")
	assert.ErrorIs(t, configure(recipe, ckpt, Options{}), taskadapt.ErrUnsupportedDataset)

	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("task_adapt.op", "APPEND")
	assert.ErrorIs(t, configure(recipe, ckpt, Options{}), taskadapt.ErrConfiguration)

	// REPLACE with the same classes: nothing to train on.
	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("task_adapt.op", "REPLACE")
	recipe.MustSet("data.train.classes", []any{"cat", "dog"})
	assert.ErrorIs(t, configure(recipe, ckpt, Options{}), taskadapt.ErrValidation)

	// No checkpoint and no data classes.
	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("data.train", config.Config{"type": "ClsTVDataset", "new_classes": []any{"owl"}})
	assert.ErrorIs(t, configure(recipe, "", Options{}), taskadapt.ErrMetadataMissing)

	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("model.backbone.type", OmzBackbone)
	assert.ErrorIs(t, configure(recipe, ckpt, Options{}), taskadapt.ErrConfiguration)
	require.NoError(t, configure(recipe, ckpt, Options{IRPath: "model.xml"}))

	recipe = parseYAML(t, clsRecipe)
	recipe.MustSet("data.train.type", "MPAClsDataset")
	assert.ErrorIs(t, configure(recipe, ckpt, Options{PreStageRes: "pre.npy"}), taskadapt.ErrUnsupportedDataset)
}

func TestClsConfigureEval(t *testing.T) {
	ckpt := saveMeta(t, checkpoints.ModelMeta{Classes: []string{"cat", "dog"}})
	recipe := parseYAML(t, clsRecipe)
	recipe.MustSet("data.train.classes", []any{"cat", "dog", "bird"})
	stage := &ClsStage{NewStage("cls", recipe, nil, nil, nil)}
	cfg, err := stage.Configure(context.Background(), nil, ckpt, nil, false, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.GetInt("model.head.num_classes", 0))
	assert.Equal(t, []any{1}, cfg.GetList("model.head.topk"))
	assert.Equal(t, []string{"cat", "dog", "bird"}, stage.ModelClasses)
	assert.Empty(t, cfg.CustomHooks()[0]["src_classes"], "eval leaves the hooks alone")
}

func TestClsConfigureTasks(t *testing.T) {
	ckpt := saveMeta(t, checkpoints.ModelMeta{Tasks: taskadapt.TaskSet{"color": {"red"}}})
	recipe := parseYAML(t, `
task_adapt: {op: MERGE}
model:
  task: classification
  head: {tasks: null}
data:
  train:
    type: LwfTaskIncDataset
    tasks: {color: [red, blue], shape: [round]}
`)
	stage := &ClsStage{NewStage("cls", recipe, nil, nil, nil)}
	cfg, err := stage.Configure(context.Background(), nil, ckpt, nil, true, Options{})
	require.NoError(t, err)
	assert.Equal(t, taskadapt.TaskSet{"color": {"red", "blue"}, "shape": {"round"}}, stage.ModelTasks)
	oldTasks, _ := cfg.Get("model.head.old_tasks")
	assert.Equal(t, config.Config{"color": []string{"red"}}, oldTasks)
	tasks, _ := cfg.Get("model.head.tasks")
	assert.Equal(t, config.Config{"color": []string{"red", "blue"}, "shape": []string{"round"}}, tasks)

	// Without tasks in the checkpoint.
	ckpt = saveMeta(t, checkpoints.ModelMeta{Classes: []string{"cat"}})
	stage = &ClsStage{NewStage("cls", recipe, nil, nil, nil)}
	_, err = stage.Configure(context.Background(), nil, ckpt, nil, true, Options{})
	assert.ErrorIs(t, err, taskadapt.ErrMetadataMissing)
}

func TestClsConfigureModel(t *testing.T) {
	recipe := parseYAML(t, `
model:
  backbone: {type: EfficientNetV2}
  neck: {type: GlobalAveragePooling, in_channels: 0}
  head: {type: LinearClsHead, in_channels: -1}
data:
  train: {classes: [a, b, c]}
`)
	modelCfg := parseYAML(t, "model: {task: classification}")
	bs, lr := 16, 0.01
	opts := Options{Hyperparams: &Hyperparams{BatchSize: &bs, LR: &lr}}

	stage := &ClsStage{NewStage("cls", recipe, nil, nil, nil)}
	_, err := stage.Configure(context.Background(), modelCfg, "", nil, true, opts)
	assert.ErrorIs(t, err, taskadapt.ErrConfiguration, "no framework to probe with")

	stage = &ClsStage{NewStage("cls", recipe, nil, newFakeFramework(), nil)}
	cfg, err := stage.Configure(context.Background(), modelCfg, "", nil, true, opts)
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.GetInt("model.neck.in_channels", 0))
	assert.Equal(t, 256, cfg.GetInt("model.head.in_channels", 0))
	assert.Equal(t, 3, cfg.GetInt("model.head.num_classes", 0))
	assert.Equal(t, 3, cfg.GetInt("data.num_classes", 0))
	assert.Equal(t, 16, cfg.GetInt("data.samples_per_gpu", 0))
	assert.Equal(t, 0.01, cfg.GetFloat("optimizer.lr", 0))

	// Hyperparams from the recipe.
	recipe.MustSet("hyperparams", config.Config{"bs": 4})
	cfg, err = stage.Configure(context.Background(), modelCfg, "", nil, true, Options{Pretrained: "weights.bin"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.GetInt("data.samples_per_gpu", 0))
	assert.Equal(t, "weights.bin", cfg.GetString("load_from", ""))
}

func TestDetConfigure(t *testing.T) {
	ckpt := saveMeta(t, checkpoints.ModelMeta{Classes: []string{"car", "person"}})
	recipe := parseYAML(t, `
task_adapt: {type: mpa, op: MERGE}
model:
  task: detection
  type: ATSS
  bbox_head: {num_classes: 80}
data:
  train:
    type: CocoDataset
    classes: [person, bicycle]
    pipeline:
      - {type: LoadImageFromFile}
      - {type: LoadAnnotations, with_bbox: true}
      - {type: Resize}
  val: {type: CocoDataset, ann_file: val.json}
`)
	stage := &DetStage{NewStage("det", recipe, nil, nil, nil)}
	cfg, err := stage.Configure(context.Background(), nil, ckpt, nil, true, Options{})
	require.NoError(t, err)

	modelClasses := []string{"car", "person", "bicycle"}
	assert.Equal(t, modelClasses, stage.ModelClasses)
	assert.Equal(t, modelClasses, getStrings(t, cfg, "task_adapt.final"))
	assert.Equal(t, 3, cfg.GetInt("model.bbox_head.num_classes", 0))
	assert.Equal(t, []string{"bicycle"}, getStrings(t, cfg, "data.train.new_classes"))
	assert.Equal(t, []string{"car", "person"}, getStrings(t, cfg, "model.task_adapt.src_classes"))
	assert.Equal(t, TaskAdaptEvalDatasetType, cfg.GetString("data.val.type", ""))
	assert.Equal(t, "CocoDataset", cfg.GetString("data.val.org_type", ""))
	assert.Equal(t, "val.json", cfg.GetString("data.val.ann_file", ""))
	assert.False(t, cfg.Has("data.test"))

	pipeline := cfg.GetList("data.train.pipeline")
	require.Len(t, pipeline, 4)
	step := pipeline[2].(config.Config)
	assert.Equal(t, AdaptClassLabelsType, step["type"])
	var adapt struct {
		Src      []string `mapstructure:"src_classes"`
		Dst      []string `mapstructure:"dst_classes"`
		Unmapped string   `mapstructure:"unmapped"`
	}
	require.NoError(t, step.Decode("", &adapt))
	policy, err := data.ParseUnmappedPolicy(adapt.Unmapped)
	require.NoError(t, err)
	adapter := data.NewLabelAdapter(adapt.Src, adapt.Dst, policy)
	label, ok, err := adapter.ClassLabel(0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, label, "person is the 2nd class of the model")

	// Configuring again replaces the step.
	stage.Recipe = cfg
	cfg.MustSet("model.task", "detection")
	cfg, err = stage.Configure(context.Background(), nil, ckpt, nil, true, Options{})
	require.NoError(t, err)
	assert.Len(t, cfg.GetList("data.train.pipeline"), 4)

	recipe.MustSet("data.train.type", "LVISDataset")
	_, err = (&DetStage{NewStage("det", recipe, nil, nil, nil)}).Configure(context.Background(), nil, ckpt, nil, true, Options{})
	assert.ErrorIs(t, err, taskadapt.ErrUnsupportedDataset)
}

const segRecipe = `
seed: 3
task_adapt: {op: MERGE}
model:
  task: segmentation
  type: EncoderDecoder
  decode_head: [{num_classes: 2}, {num_classes: 2}]
data:
  train:
    type: RepeatDataset
    dataset: {type: SegIncrVOCDataset, classes: [background, road, car]}
gpu_ids: [0, 1]
dist_params: {linear_scale_lr: true}
optimizer: {lr: 0.01}
runner: {type: IterBasedRunner, max_iters: 100, max_epochs: 3}
checkpoint_config: {interval: 1}
custom_hooks:
  - {type: NoBiasDecayHook}
  - {type: EMAHook}
`

func TestSegTrainer(t *testing.T) {
	ckpt := saveMeta(t, checkpoints.ModelMeta{Classes: []string{"background", "road"}})
	workDir := t.TempDir()
	recipe := parseYAML(t, segRecipe)
	recipe["work_dir"] = workDir
	for _, name := range []string{"best_mDice_iter_10", "best_mIoU_iter_20"} {
		require.NoError(t, os.WriteFile(filepath.Join(workDir, name), nil, 0644))
	}

	fw := newFakeFramework()
	metrics := NewMetrics()
	trainer := NewSegTrainer(NewStage("seg", recipe, []string{ModeTrain}, fw, metrics))
	result, err := trainer.Run(context.Background(), Input{Checkpoint: ckpt})
	require.NoError(t, err)

	classes := []string{"background", "road", "car"}
	assert.Equal(t, filepath.Join(workDir, "best_mIoU_iter_20"), result.FinalCheckpoint)
	assert.Equal(t, classes, result.Classes)
	assert.NotEmpty(t, result.RunID)
	require.Len(t, fw.trainJobs, 2)
	gpus := map[int]bool{}
	for _, job := range fw.trainJobs {
		gpus[job.GPU] = true
		assert.Equal(t, 2, job.WorldSize)
		assert.Equal(t, classes, job.Classes)
		assert.Equal(t, classes, job.Meta.Classes)
		assert.Equal(t, result.RunID, job.Meta.Extra["run_id"])
		assert.Equal(t, 2, job.Hooks.Len(), "NoBiasDecayHook and TaskAdaptHook")
		assert.InDelta(t, 0.02, job.Config.GetFloat("optimizer.lr", 0), 1e-9)
		assert.Equal(t, config.Config{"type": IterBasedRunnerType, "max_iters": 100}, job.Config["runner"])
		assert.Equal(t, classes, getStrings(t, job.Config, "checkpoint_config.meta.CLASSES"))
		for _, head := range job.Config.GetList("model.decode_head") {
			assert.Equal(t, 3, head.(config.Config)["num_classes"])
		}
		assert.Equal(t, []string{"car"}, getStrings(t, job.Config, "data.train.dataset.new_classes"))
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, gpus)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Workers.WithLabelValues("seg")))
	assert.NotSame(t, fw.trainJobs[0].Hooks, fw.trainJobs[1].Hooks)

	// Other modes are skipped.
	result, err = trainer.Run(context.Background(), Input{Checkpoint: ckpt, Options: Options{Mode: ModeEval}})
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	// A failing worker fails the stage.
	fw = newFakeFramework()
	fw.failRank = 1
	trainer = NewSegTrainer(NewStage("seg", recipe, nil, fw, nil))
	_, err = trainer.Run(context.Background(), Input{Checkpoint: ckpt})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	// Single device, no best checkpoints.
	recipe = parseYAML(t, segRecipe)
	recipe["work_dir"] = t.TempDir()
	delete(recipe, "gpu_ids")
	fw = newFakeFramework()
	result, err = NewSegTrainer(NewStage("seg", recipe, nil, fw, nil)).Run(context.Background(), Input{Checkpoint: ckpt})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(recipe.GetString("work_dir", ""), LatestCheckpoint), result.FinalCheckpoint)
	require.Len(t, fw.trainJobs, 1)
	assert.Equal(t, -1, fw.trainJobs[0].GPU)
	assert.InDelta(t, 0.01, fw.trainJobs[0].Config.GetFloat("optimizer.lr", 0), 1e-9)
	assert.Nil(t, fw.trainJobs[0].Partition, "no annotations on disk")
	assert.Nil(t, fw.trainJobs[0].Labels)

	t.Run("annotations on disk", func(t *testing.T) {
		// Label maps in the data label space [background, road, car].
		annDir := t.TempDir()
		segMaps := map[string][]uint8{
			"a": {0, 1, 1, 0},
			"b": {2, 2, 0, 1},
			"c": {1, data.SegIgnoreLabel, 0, 0},
			"d": {2, 0, 0, 0},
		}
		for name, pix := range segMaps {
			m := &data.SegMap{Width: 2, Height: 2, Pix: pix}
			require.NoError(t, data.SaveSegMap(m, filepath.Join(annDir, name+".png")))
		}
		want := [][]uint8{{0, 1, 1, 0}, {2, 2, 0, 1}, {1, 0, 0, 0}, {2, 0, 0, 0}}

		recipe := parseYAML(t, segRecipe)
		recipe["work_dir"] = t.TempDir()
		recipe.MustSet("data.samples_per_gpu", 3)
		recipe.MustSet("data.train.dataset.data_root", filepath.Dir(annDir))
		recipe.MustSet("data.train.dataset.ann_dir", filepath.Base(annDir))

		fw := newFakeFramework()
		var mu sync.Mutex
		seen := map[int][]int{}
		fw.onTrain = func(job TrainJob) error {
			// Runs once per worker: the hooks install the sampler order, and the labels follow it.
			run := job.NewRun()
			if err := job.Hooks.BeforeEpoch(run); err != nil {
				return err
			}
			for {
				_, indices, _, err := run.Dataset.Yield()
				_, labelIndices, labels, labelsErr := job.Labels.Yield()
				if err != nil || labelsErr != nil {
					assert.ErrorIs(t, err, io.EOF)
					assert.ErrorIs(t, labelsErr, io.EOF)
					return nil
				}
				batch := indices[0].Value().([]int32)
				assert.Equal(t, batch, labelIndices[0].Value().([]int32))
				maps := labels[0].Value().([][][]uint8)
				for ii, idx := range batch {
					assert.Equal(t, want[idx], append(slices.Clone(maps[ii][0]), maps[ii][1]...), "sample %d", idx)
					mu.Lock()
					seen[job.Rank] = append(seen[job.Rank], int(idx))
					mu.Unlock()
				}
			}
		}
		_, err := NewSegTrainer(NewStage("seg", recipe, nil, fw, nil)).Run(context.Background(), Input{Checkpoint: ckpt})
		require.NoError(t, err)
		require.Len(t, fw.trainJobs, 2)
		for _, job := range fw.trainJobs {
			require.NotNil(t, job.Partition)
			assert.Equal(t, sampler.Partition{Old: []int{0, 2}, New: []int{1, 3}}, *job.Partition)
			assert.Equal(t, 3, job.BatchSize)
		}
		assert.ElementsMatch(t, []int{0, 1, 2, 3}, seen[0])
		assert.Equal(t, seen[0], seen[1], "every worker derives the same order")
	})
}

func TestSegInferrer(t *testing.T) {
	recipe := parseYAML(t, `
model:
  task: segmentation
  pretrained: backbone.bin
  neck: {rfp_backbone: {pretrained: rfp.bin}}
input_source: train
data:
  train: {type: SegIncrVOCDataset, classes: [background, road]}
  test:
    type: VOCDataset
    samples_per_gpu: 2
    pipeline:
      - {type: LoadImageFromFile}
      - type: MultiScaleFlipAug
        transforms: [{type: Resize}, {type: ImageToTensor}]
`)
	recipe["work_dir"] = t.TempDir()
	fw := newFakeFramework()
	inferrer := NewSegInferrer(NewStage("infer", recipe, []string{ModeInfer}, fw, nil))
	result, err := inferrer.Run(context.Background(), Input{Options: Options{Mode: ModeInfer}})
	require.NoError(t, err)
	assert.Equal(t, []string{"background", "road"}, result.Classes)
	assert.Len(t, result.Segmentations, 2)

	require.Len(t, fw.inferJobs, 1)
	job := fw.inferJobs[0]
	assert.Equal(t, 2, job.SamplesPerGPU)
	assert.Equal(t, []string{"background", "road"}, job.Classes)
	assert.Empty(t, job.Data.GetList("new_classes"))
	assert.False(t, job.Data.Has("samples_per_gpu"))
	transforms := job.Data.GetList("pipeline")[1].(config.Config).GetList("transforms")
	assert.Equal(t, "DefaultFormatBundle", transforms[1].(config.Config)["type"])
	assert.Nil(t, job.Config["model"].(config.Config)["pretrained"])
	value, _ := job.Config.Get("model.neck.rfp_backbone.pretrained")
	assert.Nil(t, value)
}

const exportRecipe = `
model:
  task: classification
  head: {num_classes: 2}
data:
  train: {classes: [a, b]}
  test:
    pipeline:
      - {type: Resize}
      - {type: Normalize, mean: [123.675, 116.28, 103.53], std: [58.395, 57.12, 57.375]}
`

func TestClsExporter(t *testing.T) {
	recipe := parseYAML(t, exportRecipe)
	workDir := t.TempDir()
	recipe["work_dir"] = workDir
	fw := newFakeFramework()
	exporter := NewClsExporter(NewStage("export", recipe, []string{ModeExport}, fw, nil))

	result, err := exporter.Run(context.Background(), Input{Options: Options{Mode: ModeTrain}})
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	result, err = exporter.Run(context.Background(), Input{Options: Options{Mode: ModeExport}})
	require.NoError(t, err)
	exportDir := filepath.Join(workDir, ExportDir)
	assert.Equal(t, map[string]string{
		"bin": filepath.Join(exportDir, "model.bin"),
		"xml": filepath.Join(exportDir, "model.xml"),
	}, result.Outputs)
	require.Len(t, fw.exports, 1)
	assert.Equal(t, []float64{123.675, 116.28, 103.53}, fw.exports[0].MeanValues)
	assert.Equal(t, []float64{58.395, 57.12, 57.375}, fw.exports[0].ScaleValues)
	assert.Equal(t, "FP32", fw.exports[0].DataType)

	// A failed export is reported in the message.
	fw.failAll = true
	result, err = exporter.Run(context.Background(), Input{Options: Options{Mode: ModeExport}})
	require.NoError(t, err)
	assert.Contains(t, result.Message, "unsupported operator")
	assert.Empty(t, result.Outputs)

	mean, scale, err := NormValues(config.New())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, mean)
	assert.Equal(t, []float64{1, 1, 1}, scale)
}

func TestRunner(t *testing.T) {
	dir := t.TempDir()
	workflow := map[string]any{
		"stages": []any{
			map[string]any{"type": "ClsExporter", "name": "export", "mode": []any{ModeExport}, "config": "export.yaml"},
			map[string]any{"type": "SegTrainer", "mode": ModeTrain},
		},
	}
	contents, err := yaml.Marshal(workflow)
	require.NoError(t, err)
	workflowPath := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(workflowPath, contents, 0644))
	recipe := parseYAML(t, exportRecipe)
	recipe["work_dir"] = filepath.Join(dir, "work")
	require.NoError(t, recipe.WriteFile(filepath.Join(dir, "export.yaml")))

	specs, recipes, err := LoadWorkflow(workflowPath)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, StageSpec{Type: "ClsExporter", Name: "export", Modes: []string{ModeExport}, Config: "export.yaml"}, specs[0])
	assert.Equal(t, []string{ModeTrain}, specs[1].Modes)
	assert.Equal(t, "classification", recipes[0].GetString("model.task", ""))
	assert.Empty(t, recipes[1])

	metrics := NewMetrics()
	runner := &Runner{Registry: DefaultRegistry(), Framework: newFakeFramework(), Metrics: metrics, ResultsDir: dir}
	results, err := runner.RunAll(context.Background(), specs, recipes, Input{Options: Options{Mode: ModeExport}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].Skipped)

	recorded, err := ReadResults(dir)
	require.NoError(t, err)
	require.Contains(t, recorded, "export")
	assert.Equal(t, results[0].RunID, recorded["export"].RunID)
	assert.Equal(t, results[0].Outputs, recorded["export"].Outputs)
	assert.True(t, recorded["SegTrainer"].Skipped)
	assert.True(t, data.FileExists(filepath.Join(dir, MetricsFile)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StageRuns.WithLabelValues("export", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StageRuns.WithLabelValues("SegTrainer", "skipped")))

	_, err = runner.Run(context.Background(), StageSpec{Type: "ClsTrainer"}, config.New(), Input{})
	assert.Error(t, err)
	assert.Equal(t, []string{"ClsExporter", "SegInferrer", "SegTrainer"}, DefaultRegistry().Types())
}
