// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// StateDict maps a parameter name (e.g. "bbox_head.cls_convs.0.weight") to its value.
// It is the serialized form of a model's weights as seen by the stages: names are matched
// exactly, with an optional prefix.
type StateDict map[string]*tensors.Tensor

// Names returns the parameter names in sorted order.
func (s StateDict) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a new map with the same tensors: replacing an entry in the clone doesn't affect the original.
func (s StateDict) Clone() StateDict {
	clone := make(StateDict, len(s))
	for name, t := range s {
		clone[name] = t
	}
	return clone
}

// Memory returns the total number of bytes used by the parameters.
func (s StateDict) Memory() uintptr {
	var total uintptr
	for _, t := range s {
		total += t.Memory()
	}
	return total
}

// NumParameters returns the total number of scalar values over all parameters.
func (s StateDict) NumParameters() int {
	var total int
	for _, t := range s {
		total += t.Size()
	}
	return total
}

// WithPrefix returns the subset of parameters whose name starts with prefix, with the prefix removed.
func (s StateDict) WithPrefix(prefix string) StateDict {
	sub := make(StateDict)
	for name, t := range s {
		if strings.HasPrefix(name, prefix) {
			sub[strings.TrimPrefix(name, prefix)] = t
		}
	}
	return sub
}

// ModelMeta is stored along with the weights of a checkpoint, and describes the label space the
// model head was trained on. It is written when the checkpoint is saved, and read before the
// head of a new model is configured.
type ModelMeta struct {
	// Classes the head outputs, in output order.
	Classes []string `json:"CLASSES,omitempty"`

	// Tasks for task-incremental heads.
	Tasks taskadapt.TaskSet `json:"tasks,omitempty"`

	// Extra holds free-form information (run id, seed, versions).
	Extra map[string]any `json:"extra,omitempty"`
}

// RequireClasses returns an error wrapping taskadapt.ErrMetadataMissing if the meta has no classes.
// source is used in the message to tell where the meta was read from.
func (m ModelMeta) RequireClasses(source string) error {
	if len(m.Classes) == 0 {
		return errors.Wrapf(taskadapt.ErrMetadataMissing, "can not find CLASSES meta data from %q", source)
	}
	return nil
}

// RequireTasks returns an error wrapping taskadapt.ErrMetadataMissing if the meta has no tasks.
func (m ModelMeta) RequireTasks(source string) error {
	if len(m.Tasks) == 0 {
		return errors.Wrapf(taskadapt.ErrMetadataMissing, "can not find tasks meta data from %q", source)
	}
	return nil
}

// Clone returns a deep copy of the classes and tasks. Extra values are copied shallowly.
func (m ModelMeta) Clone() ModelMeta {
	clone := ModelMeta{
		Classes: taskadapt.ClassList(m.Classes).Clone(),
		Tasks:   m.Tasks.Clone(),
	}
	if m.Extra != nil {
		clone.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}
