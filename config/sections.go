// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/pkg/errors"
)

// TaskAdapt is the "task_adapt" section of a recipe.
type TaskAdapt struct {
	// Type of adaptation: "mpa" adapts the model head and the data, anything else only the head.
	Type string `mapstructure:"type"`

	// Op is how the checkpoint classes and the new classes are combined: "REPLACE" or "MERGE".
	Op string `mapstructure:"op"`

	// EfficientMode shortens the epochs of the incremental sampler.
	EfficientMode bool `mapstructure:"efficient_mode"`

	// Final is the list of target classes, when given explicitly.
	Final []string `mapstructure:"final"`
}

// TaskAdaptSection decodes the "task_adapt" section. found is false if the recipe has none.
func (c Config) TaskAdaptSection() (ta TaskAdapt, found bool, err error) {
	if !c.Has("task_adapt") {
		return ta, false, nil
	}
	if value, _ := c.Get("task_adapt"); value == nil {
		return ta, true, nil
	}
	err = c.Decode("task_adapt", &ta)
	return ta, true, err
}

// CustomHooksKey is the list of hook configurations, each with a "type".
const CustomHooksKey = "custom_hooks"

// CustomHooks returns the hook sections listed under CustomHooksKey. Entries that are not sections are ignored.
func (c Config) CustomHooks() []Config {
	var hooks []Config
	for _, value := range c.GetList(CustomHooksKey) {
		if hook, ok := value.(Config); ok {
			hooks = append(hooks, hook)
		}
	}
	return hooks
}

// UpsertCustomHook replaces the first custom hook of the same "type" as hook, or appends hook to the list.
func (c Config) UpsertCustomHook(hook Config) error {
	hookType, _ := hook["type"].(string)
	if hookType == "" {
		return errors.New("config: custom hook has no type")
	}
	value, found := c[CustomHooksKey]
	list, isList := value.([]any)
	if found && value != nil && !isList {
		return errors.Errorf("config: %s holds a %T, not a list", CustomHooksKey, value)
	}
	for ii, elem := range list {
		if existing, ok := elem.(Config); ok && existing["type"] == hookType {
			list[ii] = hook
			return nil
		}
	}
	c[CustomHooksKey] = append(list, hook)
	return nil
}
