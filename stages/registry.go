// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/config"
	"github.com/1cmy2/model-preparation-algorithm/ml/data"
)

// Input of a stage run.
type Input struct {
	ModelConfig config.Config
	Checkpoint  string
	DataConfig  config.Config
	Options     Options
}

// Result of a stage run, as recorded in ResultsFile.
type Result struct {
	Stage   string `toml:"stage"`
	RunID   string `toml:"run_id,omitempty"`
	Skipped bool   `toml:"skipped,omitempty"`

	// FinalCheckpoint of a training stage.
	FinalCheckpoint string `toml:"final_ckpt,omitempty"`

	// Classes of the model.
	Classes []string `toml:"classes,omitempty"`

	// Outputs are the files written, by kind.
	Outputs map[string]string `toml:"outputs,omitempty"`

	// Message explains a failure that is not an error of the stage, e.g. a failed export.
	Message string `toml:"msg,omitempty"`

	// Segmentations are the outputs of inference, one per sample. Only their number is recorded.
	Segmentations    []*tensors.Tensor `toml:"-"`
	NumSegmentations int               `toml:"num_segmentations,omitempty"`
}

// Runnable is a stage that can be run.
type Runnable interface {
	Run(ctx context.Context, in Input) (Result, error)
}

// Factory creates a Runnable for the stage.
type Factory func(stage *Stage) Runnable

// Registry maps a stage type to its Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a Registry with the stages of this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("SegTrainer", func(s *Stage) Runnable { return NewSegTrainer(s) })
	r.Register("SegInferrer", func(s *Stage) Runnable { return NewSegInferrer(s) })
	r.Register("ClsExporter", func(s *Stage) Runnable { return NewClsExporter(s) })
	return r
}

// Register a factory for the stage type. It panics if the type is already registered.
func (r *Registry) Register(stageType string, factory Factory) {
	if _, found := r.factories[stageType]; found {
		panic(fmt.Sprintf("stage type %q registered twice", stageType))
	}
	r.factories[stageType] = factory
}

// Types returns the registered stage types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StageSpec describes one stage of a workflow.
type StageSpec struct {
	// Type of the stage, as registered.
	Type string `mapstructure:"type"`

	// Name of the stage in the results, Type if empty.
	Name string `mapstructure:"name"`

	// Modes the stage runs in.
	Modes []string `mapstructure:"mode"`

	// Config is the recipe file of the stage, relative to the workflow file.
	Config string `mapstructure:"config"`
}

func (s StageSpec) name() string {
	if s.Name == "" {
		return s.Type
	}
	return s.Name
}

// ResultsFile is the name of the file, in the Runner ResultsDir, where stage results are recorded.
const ResultsFile = "stage_results.toml"

// MetricsFile is the name of the file, in the Runner ResultsDir, where metrics are written.
const MetricsFile = "metrics.prom"

// Runner creates and runs stages, recording their results.
type Runner struct {
	Registry  *Registry
	Framework Framework
	Metrics   *Metrics

	// ResultsDir where ResultsFile and MetricsFile are written. Nothing is written if empty.
	ResultsDir string
}

// Run the stage described by spec, with the given recipe.
func (r *Runner) Run(ctx context.Context, spec StageSpec, recipe config.Config, in Input) (Result, error) {
	factory, found := r.Registry.factories[spec.Type]
	if !found {
		return Result{}, errors.Errorf("unknown stage type %q, registered types are %q", spec.Type, r.Registry.Types())
	}
	name := spec.name()
	stage := NewStage(name, recipe, spec.Modes, r.Framework, r.Metrics)
	klog.Infof("running stage %q (%s)", name, spec.Type)
	result, err := factory(stage).Run(ctx, in)
	r.Metrics.observeRun(name, err, result.Skipped)
	if err != nil {
		return Result{}, errors.WithMessagef(err, "stage %q", name)
	}
	result.Stage = name
	if result.RunID == "" {
		result.RunID = uuid.NewString()
	}
	result.NumSegmentations = len(result.Segmentations)
	if r.ResultsDir != "" {
		if err := r.record(result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// RunAll runs the stages in order. The final checkpoint of a stage, if any, is the input checkpoint of
// the next ones.
func (r *Runner) RunAll(ctx context.Context, specs []StageSpec, recipes []config.Config, in Input) ([]Result, error) {
	if len(specs) != len(recipes) {
		return nil, errors.Errorf("%d stages but %d recipes", len(specs), len(recipes))
	}
	results := make([]Result, 0, len(specs))
	for ii, spec := range specs {
		result, err := r.Run(ctx, spec, recipes[ii], in)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.FinalCheckpoint != "" {
			in.Checkpoint = result.FinalCheckpoint
		}
	}
	return results, nil
}

// record adds the result to ResultsFile, replacing any previous result of the same stage, and writes
// the metrics.
func (r *Runner) record(result Result) error {
	if err := os.MkdirAll(r.ResultsDir, 0755); err != nil {
		return errors.Wrapf(err, "creating results directory %q", r.ResultsDir)
	}
	results, err := ReadResults(r.ResultsDir)
	if err != nil {
		return err
	}
	results[result.Stage] = result
	contents, err := toml.Marshal(results)
	if err != nil {
		return errors.Wrap(err, "encoding stage results")
	}
	path := filepath.Join(r.ResultsDir, ResultsFile)
	if err := os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return r.Metrics.WriteToTextfile(filepath.Join(r.ResultsDir, MetricsFile))
}

// ReadResults reads the results recorded in dir, by stage name. It returns an empty map if there are none.
func ReadResults(dir string) (map[string]Result, error) {
	results := map[string]Result{}
	path := filepath.Join(dir, ResultsFile)
	if !data.FileExists(path) {
		return results, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	if err := toml.Unmarshal(contents, &results); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return results, nil
}

// LoadWorkflow reads a workflow file listing its stages under "stages", and loads the recipe of each
// stage from its "config" path, relative to the workflow file. Stages without a config get an empty recipe.
func LoadWorkflow(path string) ([]StageSpec, []config.Config, error) {
	workflow, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var specs []StageSpec
	if err := workflow.Decode("stages", &specs); err != nil {
		return nil, nil, err
	}
	recipes := make([]config.Config, len(specs))
	for ii, spec := range specs {
		if spec.Type == "" {
			return nil, nil, errors.Errorf("workflow %q: stage #%d has no type", path, ii)
		}
		if spec.Config == "" {
			recipes[ii] = config.New()
			continue
		}
		recipePath := spec.Config
		if !filepath.IsAbs(recipePath) {
			recipePath = filepath.Join(filepath.Dir(path), recipePath)
		}
		recipes[ii], err = config.LoadFile(recipePath)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "workflow %q, stage %q", path, spec.name())
		}
	}
	return specs, recipes, nil
}
