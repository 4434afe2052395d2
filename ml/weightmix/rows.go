// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weightmix carries pretrained classification-head weights over to a head with a different
// label space: rows of the class-dependent parameters are copied by class name, so the classes known
// by both heads keep their trained weights and the new classes keep their fresh initialization.
//
// A class-dependent parameter is a tensor whose first axis is organized as num_anchors groups of
// num_classes rows, row anchor*num_classes+class. Classification heads have a single anchor.
package weightmix

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// Layout describes how the first axis of a class-dependent parameter is organized.
type Layout struct {
	NumAnchors, NumClasses int
}

// RowLayout returns the layout of t for numClasses classes: anchors are rows/numClasses, rounded down.
func RowLayout(t *tensors.Tensor, numClasses int) Layout {
	rows := t.Shape().Dimensions[0]
	return Layout{NumAnchors: rows / numClasses, NumClasses: numClasses}
}

// rowBytes returns the number of bytes per row of the first axis of t.
func rowBytes(t *tensors.Tensor) int {
	rows := t.Shape().Dimensions[0]
	if rows == 0 {
		return 0
	}
	return int(t.Memory()) / rows
}

// MixRows copies, for every anchor group present in both tensors, the row mapping[m] of the src group
// into the row m of the dst group, for every m with mapping[m] >= 0. Other rows of dst are untouched.
//
// dst is modified in place: pass a clone to preserve the original. numDst and numSrc are the number of
// classes of dst and src, and mapping is given in the destination order (see taskadapt.MapClassNames).
//
// It returns the number of rows copied.
func MixRows(dst, src *tensors.Tensor, mapping taskadapt.ClassMapping, numDst, numSrc int) (copied int, err error) {
	if dst.DType() != src.DType() {
		return 0, errors.Errorf("cannot mix rows of %s into %s: dtypes differ", src.Shape(), dst.Shape())
	}
	if dst.Shape().Rank() == 0 || src.Shape().Rank() == 0 {
		return 0, errors.Errorf("cannot mix rows of scalars (src=%s, dst=%s)", src.Shape(), dst.Shape())
	}
	if numDst <= 0 || numSrc <= 0 {
		return 0, errors.Errorf("invalid number of classes: %d destination, %d source", numDst, numSrc)
	}
	if len(mapping) != numDst {
		return 0, errors.Errorf("mapping has %d entries, but there are %d destination classes", len(mapping), numDst)
	}
	if err = mapping.Validate(numSrc); err != nil {
		return 0, err
	}
	dstRowBytes, srcRowBytes := rowBytes(dst), rowBytes(src)
	if dstRowBytes != srcRowBytes {
		return 0, errors.Errorf("cannot mix rows of %s into %s: row sizes differ", src.Shape(), dst.Shape())
	}

	dstLayout, srcLayout := RowLayout(dst, numDst), RowLayout(src, numSrc)
	numAnchors := min(dstLayout.NumAnchors, srcLayout.NumAnchors)
	err = exceptions.TryCatch[error](func() {
		src.ConstBytes(func(srcData []byte) {
			dst.MutableBytes(func(dstData []byte) {
				for anchor := range numAnchors {
					for m, c := range mapping {
						if c < 0 {
							continue
						}
						copyRow(dstData, srcData, anchor*numDst+m, anchor*numSrc+c, dstRowBytes)
						copied++
					}
				}
			})
		})
	})
	return
}

func copyRow(dstData, srcData []byte, dstRow, srcRow, rowBytes int) {
	dstStart, srcStart := dstRow*rowBytes, srcRow*rowBytes
	if dstStart+rowBytes > len(dstData) || srcStart+rowBytes > len(srcData) {
		exceptions.Panicf("row copy out of bounds: src row %d of %d bytes, dst row %d of %d bytes",
			srcRow, len(srcData), dstRow, len(dstData))
	}
	copy(dstData[dstStart:dstStart+rowBytes], srcData[srcStart:srcStart+rowBytes])
}
