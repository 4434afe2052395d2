// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package taskadapt holds the label space arithmetic used by class- and task-incremental learning:
// mapping class indices between two class lists by name, and refining (replacing or merging) the
// classes or tasks a model is trained on.
//
// All mappings are derived from class names, never from positions: the position of a class is not
// stable across REPLACE/MERGE operations nor across datasets listing the same classes in a different
// order.
package taskadapt

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NoClass is the value of a ClassMapping entry that has no counterpart in the source class list.
const NoClass = -1

// BackgroundClass is the name appended to both label spaces when mixing detection heads,
// which carry an implicit background class after the foreground ones.
const BackgroundClass = "__BG__"

// ClassList is an ordered list of unique class names. The order binds output indices to names.
type ClassList []string

// Index returns the position of name in the list, or NoClass if absent.
func (l ClassList) Index(name string) int {
	for ii, c := range l {
		if c == name {
			return ii
		}
	}
	return NoClass
}

// Has returns whether name is in the list.
func (l ClassList) Has(name string) bool { return l.Index(name) != NoClass }

// Clone returns a copy of the list. A nil list stays nil.
func (l ClassList) Clone() ClassList {
	if l == nil {
		return nil
	}
	return append(ClassList(nil), l...)
}

// ClassMapping maps each destination index to the index of the class with the same name
// in the source list, or NoClass.
type ClassMapping []int

// MapClassNames builds the mapping from each position of dst to the position of the same name in src.
//
// The result has always len(dst) entries. Each entry is resolved independently, so appending
// classes to dst never changes the entries of the classes already there.
// Names are matched exactly (case-sensitive). Duplicated names are not supported: the first match wins.
func MapClassNames(src, dst []string) ClassMapping {
	srcIndex := make(map[string]int, len(src))
	for ii, name := range src {
		if _, found := srcIndex[name]; !found {
			srcIndex[name] = ii
		}
	}
	mapping := make(ClassMapping, len(dst))
	for ii, name := range dst {
		if srcIdx, found := srcIndex[name]; found {
			mapping[ii] = srcIdx
		} else {
			mapping[ii] = NoClass
		}
	}
	return mapping
}

// LabelMapping returns the mapping indexed by source label: entry i is the index in dst of the
// class src[i], or NoClass. This is the form used to rewrite ground-truth labels.
func LabelMapping(src, dst []string) ClassMapping {
	return MapClassNames(dst, src)
}

// WithBackground returns a copy of classes with BackgroundClass appended.
func WithBackground(classes []string) []string {
	out := make([]string, 0, len(classes)+1)
	out = append(out, classes...)
	return append(out, BackgroundClass)
}

// NumMapped returns how many entries have a source counterpart.
func (m ClassMapping) NumMapped() int {
	var n int
	for _, v := range m {
		if v != NoClass {
			n++
		}
	}
	return n
}

// IsIdentity returns true if every entry maps to its own position.
func (m ClassMapping) IsIdentity() bool {
	for ii, v := range m {
		if v != ii {
			return false
		}
	}
	return true
}

// Validate checks that every entry is NoClass or a valid index into a source list of size numSrc.
func (m ClassMapping) Validate(numSrc int) error {
	for ii, v := range m {
		if v != NoClass && (v < 0 || v >= numSrc) {
			return errors.Errorf("class mapping entry %d is %d, out of range for %d source classes", ii, v, numSrc)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (m ClassMapping) String() string {
	parts := make([]string, len(m))
	for ii, v := range m {
		parts[ii] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MapCategoriesByClassOrder aligns annotation category ids with the order of classes:
// label i corresponds to the category whose name is classes[i].
//
// It returns the category id to label map, and the category ids in label order.
// Classes without a category are skipped, and the labels of the following classes keep their position.
func MapCategoriesByClassOrder(classes []string, categories map[int]string) (cat2label map[int]int, catIDs []int) {
	byName := make(map[string]int, len(categories))
	for id, name := range categories {
		if prev, found := byName[name]; !found || id < prev {
			byName[name] = id
		}
	}
	cat2label = make(map[int]int, len(classes))
	catIDs = make([]int, 0, len(classes))
	for ii, name := range classes {
		id, found := byName[name]
		if !found {
			continue
		}
		cat2label[id] = ii
		catIDs = append(catIDs, id)
	}
	return
}
