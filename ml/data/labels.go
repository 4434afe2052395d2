// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// Box is a bounding box in [x1, y1, x2, y2] format.
type Box [4]float32

// LabelAdapter rewrites ground-truth labels given in the source (dataset) label space into
// the destination (model) label space.
//
// It is not safe for concurrent use: it keeps count of the dropped labels.
type LabelAdapter struct {
	srcClasses, dstClasses []string
	srcToDst               taskadapt.ClassMapping
	policy                 UnmappedPolicy
	dropped                int
}

// NewLabelAdapter creates a LabelAdapter for the given source and destination class lists.
func NewLabelAdapter(srcClasses, dstClasses []string, policy UnmappedPolicy) *LabelAdapter {
	a := &LabelAdapter{
		srcClasses: srcClasses,
		dstClasses: dstClasses,
		srcToDst:   taskadapt.LabelMapping(srcClasses, dstClasses),
		policy:     policy,
	}
	klog.V(1).Infof("AdaptClassLabels: src_classes=%q dst_classes=%q src2dst=%s", srcClasses, dstClasses, a.srcToDst)
	return a
}

// Mapping returns the mapping from source label to destination label. Don't modify it.
func (a *LabelAdapter) Mapping() taskadapt.ClassMapping { return a.srcToDst }

// Dropped returns the number of labels dropped so far.
func (a *LabelAdapter) Dropped() int { return a.dropped }

// mapLabel returns the destination label of the source label, or NoClass if it is not mapped.
// Labels out of range of the source class list are always an error.
func (a *LabelAdapter) mapLabel(label int) (int, error) {
	if label < 0 || label >= len(a.srcToDst) {
		return taskadapt.NoClass, errors.Errorf("label %d out of range for %d source classes", label, len(a.srcToDst))
	}
	dst := a.srcToDst[label]
	if dst == taskadapt.NoClass && a.policy == ErrorOnUnmapped {
		return dst, errors.Errorf("label %d (%q) has no counterpart in the destination classes %q",
			label, a.srcClasses[label], a.dstClasses)
	}
	return dst, nil
}

// ClassLabel rewrites the label of a classification sample. It returns ok=false if the class has no
// counterpart in the destination label space and the policy is DropUnmapped: the sample has no
// valid label and should be skipped.
func (a *LabelAdapter) ClassLabel(label int) (dst int, ok bool, err error) {
	dst, err = a.mapLabel(label)
	if err != nil {
		return taskadapt.NoClass, false, err
	}
	if dst == taskadapt.NoClass {
		a.dropped++
		return dst, false, nil
	}
	return dst, true, nil
}

// DetectionLabels rewrites the per-box labels of a detection sample. Boxes whose class has no
// counterpart in the destination label space are removed from the positive targets (policy
// DropUnmapped, the count is logged) or fail the rewrite (ErrorOnUnmapped).
//
// boxes can be nil, in which case only labels are rewritten. Otherwise, it must have the same
// length as labels. The inputs are not modified.
func (a *LabelAdapter) DetectionLabels(labels []int, boxes []Box) (dstLabels []int, dstBoxes []Box, err error) {
	if boxes != nil && len(boxes) != len(labels) {
		return nil, nil, errors.Errorf("detection sample has %d labels but %d boxes", len(labels), len(boxes))
	}
	dstLabels = make([]int, 0, len(labels))
	if boxes != nil {
		dstBoxes = make([]Box, 0, len(boxes))
	}
	var dropped int
	for ii, label := range labels {
		var dst int
		dst, err = a.mapLabel(label)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "box #%d", ii)
		}
		if dst == taskadapt.NoClass {
			dropped++
			continue
		}
		dstLabels = append(dstLabels, dst)
		if boxes != nil {
			dstBoxes = append(dstBoxes, boxes[ii])
		}
	}
	if dropped > 0 {
		a.dropped += dropped
		klog.Warningf("AdaptClassLabels: dropped %d of %d boxes with classes absent from %q", dropped, len(labels), a.dstClasses)
	}
	return
}

// SegBackground is the name of the class 0 of segmentation label maps.
const SegBackground = "background"

// SegIgnoreLabel is the pixel value used by annotations to mark pixels to ignore.
// It is normalized to background before remapping.
const SegIgnoreLabel = 255

// SegAdapter rewrites segmentation label maps. Pixel value 0 is the background, pixel value i > 0
// is the class i-1 of the class list.
//
// It is safe for concurrent use.
type SegAdapter struct {
	srcClasses, dstClasses []string
	srcToDst               taskadapt.ClassMapping
	policy                 UnmappedPolicy
	dropped                atomic.Int64
}

// MaxSegClasses is the largest label space, background included, a uint8 label map can hold: the value
// SegIgnoreLabel is reserved.
const MaxSegClasses = SegIgnoreLabel

// NewSegAdapter creates a SegAdapter. The class lists don't include the background.
// It fails if the destination label space doesn't fit in MaxSegClasses.
func NewSegAdapter(srcClasses, dstClasses []string, policy UnmappedPolicy) (*SegAdapter, error) {
	src := withSegBackground(srcClasses)
	dst := withSegBackground(dstClasses)
	if len(dst) > MaxSegClasses {
		return nil, errors.Errorf("segmentation label space has %d classes (including background), "+
			"label maps hold at most %d", len(dst), MaxSegClasses)
	}
	return &SegAdapter{
		srcClasses: src,
		dstClasses: dst,
		srcToDst:   taskadapt.LabelMapping(src, dst),
		policy:     policy,
	}, nil
}

func withSegBackground(classes []string) []string {
	out := make([]string, 0, len(classes)+1)
	out = append(out, SegBackground)
	return append(out, classes...)
}

// Dropped returns the number of pixels turned into background because their class is not in the destination.
func (a *SegAdapter) Dropped() int { return int(a.dropped.Load()) }

// Remap rewrites the label map in place: pixels marked SegIgnoreLabel become background, and every other
// pixel value is mapped to the destination label space.
func (a *SegAdapter) Remap(segMap *SegMap) error {
	var dropped int
	for ii, v := range segMap.Pix {
		if v == SegIgnoreLabel {
			segMap.Pix[ii] = 0
			continue
		}
		if int(v) >= len(a.srcToDst) {
			return errors.Errorf("pixel #%d has label %d, out of range for %d classes (including background)",
				ii, v, len(a.srcToDst))
		}
		dst := a.srcToDst[v]
		if dst == taskadapt.NoClass {
			if a.policy == ErrorOnUnmapped {
				return errors.Errorf("pixel #%d has label %d (%q), absent from the destination classes %q",
					ii, v, a.srcClasses[v], a.dstClasses)
			}
			dropped++
			dst = 0
		}
		segMap.Pix[ii] = uint8(dst)
	}
	if dropped > 0 {
		a.dropped.Add(int64(dropped))
		klog.V(1).Infof("segmentation label remap: %d pixels with unmapped classes set to background", dropped)
	}
	return nil
}
