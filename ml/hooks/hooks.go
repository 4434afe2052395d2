// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hooks implements the training hooks configured by recipes under "custom_hooks": they are
// called by the training framework at the start of a run and around every epoch, and can change the
// data ordering or the optimizer parameter groups.
//
// Hooks are instantiated from their configuration by a Registry, and run in priority order by a Set.
package hooks

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"

	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
)

// Priority of hooks, the lowest values are run first.
type Priority int

// Named priorities, as used in recipe configurations.
const (
	PriorityHighest     Priority = 0
	PriorityVeryHigh    Priority = 10
	PriorityHigh        Priority = 30
	PriorityAboveNormal Priority = 40
	PriorityNormal      Priority = 50
	PriorityBelowNormal Priority = 60
	PriorityLow         Priority = 70
	PriorityVeryLow     Priority = 90
	PriorityLowest      Priority = 100
)

var priorityNames = map[string]Priority{
	"HIGHEST":      PriorityHighest,
	"VERY_HIGH":    PriorityVeryHigh,
	"HIGH":         PriorityHigh,
	"ABOVE_NORMAL": PriorityAboveNormal,
	"NORMAL":       PriorityNormal,
	"BELOW_NORMAL": PriorityBelowNormal,
	"LOW":          PriorityLow,
	"VERY_LOW":     PriorityVeryLow,
	"LOWEST":       PriorityLowest,
}

// ParsePriority accepts a priority name (case-insensitive) or number. Empty means PriorityNormal.
func ParsePriority(value string) (Priority, error) {
	if value == "" {
		return PriorityNormal, nil
	}
	if p, found := priorityNames[strings.ToUpper(value)]; found {
		return p, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("invalid hook priority %q", value)
	}
	return Priority(n), nil
}

// Run is the state of a training run, as seen and modified by hooks.
type Run struct {
	// Epoch about to start (BeforeEpoch) or just finished (AfterEpoch), starting from 0.
	Epoch int

	// Dataset feeding the training. Hooks may replace it.
	Dataset train.Dataset

	// BatchSize per device.
	BatchSize int

	// Partition of the training samples into old and new ones, for class-incremental datasets.
	Partition *sampler.Partition

	// Params of the model, used to build optimizer parameter groups.
	Params []Param

	// ParamGroups of the optimizer. The first one holds the base settings.
	ParamGroups []ParamGroup

	// SharedData allows hooks to publish information to each other and to the framework.
	SharedData map[string]any
}

// NewRun creates a Run with an empty SharedData.
func NewRun() *Run {
	return &Run{SharedData: make(map[string]any)}
}

// Hook is implemented by all hooks. A hook also implements one or more of BeforeRunHook, BeforeEpochHook
// and AfterEpochHook.
type Hook interface {
	// Name of the hook, the "type" used in configurations.
	Name() string
}

// BeforeRunHook is called once, before training starts.
type BeforeRunHook interface {
	BeforeRun(run *Run) error
}

// BeforeEpochHook is called before each epoch.
type BeforeEpochHook interface {
	BeforeEpoch(run *Run) error
}

// AfterEpochHook is called after each epoch.
type AfterEpochHook interface {
	AfterEpoch(run *Run) error
}

type hookWithPriority struct {
	hook     Hook
	priority Priority
}

// Set holds hooks and calls them in priority order. Hooks with the same priority are called in the
// order they were added.
type Set struct {
	hooks []hookWithPriority
}

// Add a hook with the given priority.
func (s *Set) Add(priority Priority, hook Hook) {
	s.hooks = append(s.hooks, hookWithPriority{hook: hook, priority: priority})
	sort.SliceStable(s.hooks, func(i, j int) bool {
		return s.hooks[i].priority < s.hooks[j].priority
	})
}

// Len returns the number of hooks.
func (s *Set) Len() int { return len(s.hooks) }

// Hooks returns the hooks in calling order.
func (s *Set) Hooks() []Hook {
	hooks := make([]Hook, len(s.hooks))
	for ii, h := range s.hooks {
		hooks[ii] = h.hook
	}
	return hooks
}

// enumerate calls fn for every hook in priority order, stopping at the first error.
func (s *Set) enumerate(stage string, fn func(h Hook) error) error {
	for _, h := range s.hooks {
		if err := fn(h.hook); err != nil {
			return errors.WithMessagef(err, "%s(hook %q)", stage, h.hook.Name())
		}
	}
	return nil
}

// BeforeRun calls the BeforeRunHook hooks.
func (s *Set) BeforeRun(run *Run) error {
	return s.enumerate("BeforeRun", func(h Hook) error {
		if hook, ok := h.(BeforeRunHook); ok {
			return hook.BeforeRun(run)
		}
		return nil
	})
}

// BeforeEpoch calls the BeforeEpochHook hooks.
func (s *Set) BeforeEpoch(run *Run) error {
	return s.enumerate("BeforeEpoch", func(h Hook) error {
		if hook, ok := h.(BeforeEpochHook); ok {
			return hook.BeforeEpoch(run)
		}
		return nil
	})
}

// AfterEpoch calls the AfterEpochHook hooks.
func (s *Set) AfterEpoch(run *Run) error {
	return s.enumerate("AfterEpoch", func(h Hook) error {
		if hook, ok := h.(AfterEpochHook); ok {
			return hook.AfterEpoch(run)
		}
		return nil
	})
}
