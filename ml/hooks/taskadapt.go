// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
)

// TaskAdaptHookName is the configuration type of TaskAdaptHook.
const TaskAdaptHookName = "TaskAdaptHook"

// TaskAdaptHook switches the training data ordering to the incremental sampler before every epoch, so
// that samples with new classes are spread evenly over the epoch.
type TaskAdaptHook struct {
	SrcClasses    []string `mapstructure:"src_classes"`
	DstClasses    []string `mapstructure:"dst_classes"`
	ModelType     string   `mapstructure:"model_type"`
	SamplerFlag   bool     `mapstructure:"sampler_flag"`
	EfficientMode bool     `mapstructure:"efficient_mode"`
	Seed          int64    `mapstructure:"seed"`

	sampler *sampler.Sampler
	dataset *sampler.Dataset
}

var (
	_ BeforeRunHook   = (*TaskAdaptHook)(nil)
	_ BeforeEpochHook = (*TaskAdaptHook)(nil)
)

// Name implements Hook.
func (h *TaskAdaptHook) Name() string { return TaskAdaptHookName }

// BeforeRun implements BeforeRunHook.
func (h *TaskAdaptHook) BeforeRun(run *Run) error {
	klog.Infof("Task Adaptation: %q => %q", h.SrcClasses, h.DstClasses)
	klog.Infof("- Efficient Mode: %v", h.EfficientMode)
	return nil
}

// BeforeEpoch implements BeforeEpochHook: if the sampler is enabled, run.Dataset is replaced by the
// sample indices of the epoch in incremental order.
func (h *TaskAdaptHook) BeforeEpoch(run *Run) error {
	if !h.SamplerFlag {
		return nil
	}
	if h.sampler == nil {
		if run.Partition == nil {
			return errors.New("incremental sampler enabled, but the training data has no old/new partition")
		}
		var err error
		h.sampler, err = sampler.New(*run.Partition, run.BatchSize,
			sampler.WithEfficientMode(h.EfficientMode), sampler.WithSeed(h.Seed))
		if err != nil {
			return err
		}
		h.dataset = sampler.NewDataset("incremental", h.sampler)
	}
	h.dataset.SetEpoch(run.Epoch)
	run.Dataset = h.dataset
	return nil
}
