// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data holds the dataset side of task adaptation: rewriting ground-truth labels from the
// dataset's label space into the model's, partitioning segmentation samples into old-class-only and
// new-class samples, and reordering evaluation results.
//
// The label rewriting policy for labels that have no counterpart in the destination label space is
// given by UnmappedPolicy; DropUnmapped is the default, and the number of dropped labels is logged.
package data

import (
	"os"
	"os/user"
	"path"

	"github.com/pkg/errors"
)

// FileExists returns true if file or directory exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	panic(err)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return path.Join(usr.HomeDir, dir[1:])
}

// UnmappedPolicy tells what to do with a ground-truth label whose class is absent from the
// destination label space.
type UnmappedPolicy int

const (
	// DropUnmapped removes the label (the box, for detection; the pixel becomes background, for
	// segmentation) and counts it.
	DropUnmapped UnmappedPolicy = iota

	// ErrorOnUnmapped fails the rewriting.
	ErrorOnUnmapped
)

// String implements fmt.Stringer.
func (p UnmappedPolicy) String() string {
	switch p {
	case DropUnmapped:
		return "drop"
	case ErrorOnUnmapped:
		return "error"
	}
	return "unknown"
}

// ParseUnmappedPolicy parses "drop" (or "") and "error".
func ParseUnmappedPolicy(value string) (UnmappedPolicy, error) {
	switch value {
	case "", "drop":
		return DropUnmapped, nil
	case "error":
		return ErrorOnUnmapped, nil
	}
	return DropUnmapped, errors.Errorf("unknown unmapped label policy %q, valid values are \"drop\" or \"error\"", value)
}
