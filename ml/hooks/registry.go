// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/1cmy2/model-preparation-algorithm/config"
)

// Factory creates a hook from its configuration section.
type Factory func(cfg config.Config) (Hook, error)

// Registry maps a hook "type" to its Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a Registry with the hooks of this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TaskAdaptHookName, func(cfg config.Config) (Hook, error) {
		h := &TaskAdaptHook{ModelType: "FasterRCNN"}
		if err := cfg.Decode("", h); err != nil {
			return nil, err
		}
		return h, nil
	})
	r.Register(NoBiasDecayHookName, func(config.Config) (Hook, error) {
		return NoBiasDecayHook{}, nil
	})
	return r
}

// Register a factory for the hook type. It panics if the type is already registered.
func (r *Registry) Register(hookType string, factory Factory) {
	if _, found := r.factories[hookType]; found {
		panic(fmt.Sprintf("hook type %q registered twice", hookType))
	}
	r.factories[hookType] = factory
}

// Has returns whether the hook type is registered.
func (r *Registry) Has(hookType string) bool {
	_, found := r.factories[hookType]
	return found
}

// Types returns the registered hook types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates the hook described by cfg. The keys "type" and "priority" are not passed to the factory.
func (r *Registry) Build(cfg config.Config) (Hook, Priority, error) {
	hookType, _ := cfg["type"].(string)
	factory, found := r.factories[hookType]
	if !found {
		return nil, 0, errors.Errorf("unknown hook type %q, registered types are %q", hookType, r.Types())
	}
	args := cfg.Clone()
	delete(args, "type")
	priorityValue := args["priority"]
	delete(args, "priority")
	var priority Priority
	var err error
	switch p := priorityValue.(type) {
	case nil:
		priority = PriorityNormal
	case string:
		priority, err = ParsePriority(p)
	case int:
		priority = Priority(p)
	case int64:
		priority = Priority(p)
	default:
		err = errors.Errorf("invalid priority %v of type %T", p, p)
	}
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "hook %q", hookType)
	}
	hook, err := factory(args)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "creating hook %q", hookType)
	}
	return hook, priority, nil
}

// BuildSet creates a Set with the hooks of every configuration. Hook types not registered are an error.
func (r *Registry) BuildSet(cfgs []config.Config) (*Set, error) {
	set := &Set{}
	for _, cfg := range cfgs {
		hook, priority, err := r.Build(cfg)
		if err != nil {
			return nil, err
		}
		set.Add(priority, hook)
	}
	return set, nil
}
