// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskadapt

import (
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// Op is how the label space of the checkpoint combines with the one declared by the training data.
type Op int

const (
	// OpReplace discards the old label space: the model is trained on the new classes (or tasks) only.
	OpReplace Op = iota

	// OpMerge keeps the old label space and appends what is new.
	OpMerge
)

// String implements fmt.Stringer, and returns the configuration name of the operation.
func (op Op) String() string {
	switch op {
	case OpReplace:
		return "REPLACE"
	case OpMerge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// ParseOp parses the `task_adapt.op` configuration value. An empty value defaults to OpReplace.
// Values are case-sensitive.
func ParseOp(value string) (Op, error) {
	switch value {
	case "", "REPLACE":
		return OpReplace, nil
	case "MERGE":
		return OpMerge, nil
	}
	return OpReplace, errors.Wrapf(ErrConfiguration, "%q is not supported for task_adapt options", value)
}

// RefineClasses computes the destination class list from the classes in the checkpoint (old) and the
// classes of the training data (new):
//
//   - OpReplace: dst is a copy of newClasses. It fails with ErrValidation if newClasses is empty.
//   - OpMerge: dst is oldClasses followed by the classes of newClasses not already present, in order.
//
// oldOut is always oldClasses, returned for the weight mixing that follows.
func RefineClasses(oldClasses, newClasses []string, op Op) (dst, oldOut []string, err error) {
	switch op {
	case OpReplace:
		if len(newClasses) == 0 {
			return nil, nil, errors.Wrap(ErrValidation, "data classes should contain at least one class")
		}
		dst = slices.Clone(newClasses)
	case OpMerge:
		dst = make([]string, 0, len(oldClasses)+len(newClasses))
		dst = append(dst, oldClasses...)
		dst = appendMissing(dst, newClasses)
	default:
		return nil, nil, errors.Wrapf(ErrConfiguration, "%s is not supported for task_adapt options", op)
	}
	return dst, oldClasses, nil
}

// TaskSet maps a task name to its classes. Used for task-incremental learning.
type TaskSet map[string][]string

// Names returns the task names in sorted order.
func (ts TaskSet) Names() []string {
	names := make([]string, 0, len(ts))
	for name := range ts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the task set.
func (ts TaskSet) Clone() TaskSet {
	if ts == nil {
		return nil
	}
	clone := make(TaskSet, len(ts))
	for name, classes := range ts {
		clone[name] = slices.Clone(classes)
	}
	return clone
}

// NumClasses returns the total number of classes over all tasks.
func (ts TaskSet) NumClasses() int {
	var n int
	for _, classes := range ts {
		n += len(classes)
	}
	return n
}

// RefineTasks is the task-incremental counterpart of RefineClasses:
//
//   - OpReplace: dst is newTasks as is, and oldOut is empty.
//   - OpMerge: dst is a deep copy of oldTasks where each task's classes are extended with the
//     missing classes of the same task in newTasks; tasks only in newTasks are added as is.
//     oldOut is oldTasks.
func RefineTasks(oldTasks, newTasks TaskSet, op Op) (dst, oldOut TaskSet, err error) {
	switch op {
	case OpReplace:
		return newTasks.Clone(), TaskSet{}, nil
	case OpMerge:
		dst = oldTasks.Clone()
		if dst == nil {
			dst = make(TaskSet, len(newTasks))
		}
		for _, task := range newTasks.Names() {
			classes := newTasks[task]
			if current, found := dst[task]; found && len(current) > 0 {
				dst[task] = appendMissing(current, classes)
			} else {
				dst[task] = slices.Clone(classes)
			}
		}
		return dst, oldTasks, nil
	}
	return nil, nil, errors.Wrapf(ErrConfiguration, "%s is not supported for task_adapt options", op)
}

// NewClassesDelta returns the classes of dst that are not in old, preserving the order of dst.
// An empty delta means there is nothing new to learn, and the incremental sampler is not needed.
func NewClassesDelta(dst, old []string) []string {
	oldSet := make(map[string]struct{}, len(old))
	for _, c := range old {
		oldSet[c] = struct{}{}
	}
	delta := make([]string, 0, len(dst))
	for _, c := range dst {
		if _, found := oldSet[c]; !found {
			delta = append(delta, c)
			oldSet[c] = struct{}{}
		}
	}
	return delta
}

// appendMissing appends to list the elements of candidates not yet present, in order.
func appendMissing(list, candidates []string) []string {
	present := make(map[string]struct{}, len(list)+len(candidates))
	for _, c := range list {
		present[c] = struct{}{}
	}
	for _, c := range candidates {
		if _, found := present[c]; found {
			continue
		}
		present[c] = struct{}{}
		list = append(list, c)
	}
	return list
}
