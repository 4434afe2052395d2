// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// Detection is one detected box in [x1, y1, x2, y2, score] format.
type Detection [5]float32

// Box returns the box part of the detection.
func (d Detection) Box() Box { return Box{d[0], d[1], d[2], d[3]} }

// Score returns the confidence of the detection.
func (d Detection) Score() float32 { return d[4] }

// ImageDetections holds the detections of one image, grouped per class: ImageDetections[c] are the
// boxes detected for class c.
type ImageDetections [][]Detection

// EvalAdapter reorders detection results given in the model's class order into the evaluated dataset's
// class order, so that a model trained on a different label space can be evaluated against the dataset.
type EvalAdapter struct {
	dataClasses, modelClasses []string
	dataToModel               taskadapt.ClassMapping
}

// NewEvalAdapter creates an EvalAdapter for a dataset with dataClasses and a model outputting modelClasses.
func NewEvalAdapter(dataClasses, modelClasses []string) *EvalAdapter {
	return &EvalAdapter{
		dataClasses:  dataClasses,
		modelClasses: modelClasses,
		dataToModel:  taskadapt.MapClassNames(modelClasses, dataClasses),
	}
}

// Mapping returns, for each dataset class, the model class index or taskadapt.NoClass.
func (a *EvalAdapter) Mapping() taskadapt.ClassMapping { return a.dataToModel }

// AdaptResults returns the results in dataset-class order. Classes the model doesn't predict get empty
// results. The input is not modified, but the per-class slices are shared.
func (a *EvalAdapter) AdaptResults(results []ImageDetections) []ImageDetections {
	adapted := make([]ImageDetections, len(results))
	for ii, result := range results {
		perClass := make(ImageDetections, len(a.dataToModel))
		for dataIdx, modelIdx := range a.dataToModel {
			if modelIdx >= 0 && modelIdx < len(result) {
				perClass[dataIdx] = result[modelIdx]
			} else {
				perClass[dataIdx] = []Detection{}
			}
		}
		adapted[ii] = perClass
	}
	return adapted
}

// TeacherOutput is the prediction of a teacher detector for one image: detections and their labels.
type TeacherOutput struct {
	Detections []Detection
	Labels     []int
}

// PseudoLabels are the confident teacher detections of one image, used as targets for unlabeled images.
type PseudoLabels struct {
	Boxes  []Box
	Labels []int
}

// GeneratePseudoLabels keeps the teacher detections with confidence strictly above confThreshold.
// ratio is the fraction of all teacher detections kept, 0 if there were none.
func GeneratePseudoLabels(outputs []TeacherOutput, confThreshold float32) (pseudo []PseudoLabels, ratio float64) {
	pseudo = make([]PseudoLabels, len(outputs))
	var numAll, numPseudo int
	for ii, output := range outputs {
		for jj, det := range output.Detections {
			if det.Score() > confThreshold {
				pseudo[ii].Boxes = append(pseudo[ii].Boxes, det.Box())
				pseudo[ii].Labels = append(pseudo[ii].Labels, output.Labels[jj])
			}
		}
		numAll += len(output.Detections)
		numPseudo += len(pseudo[ii].Boxes)
	}
	if numAll > 0 {
		ratio = float64(numPseudo) / float64(numAll)
	}
	klog.V(2).Infof("pseudo labels: %d / %d", numPseudo, numAll)
	return
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	area := func(x Box) float64 {
		return float64(max(x[2]-x[0], 0)) * float64(max(x[3]-x[1], 0))
	}
	inter := Box{max(a[0], b[0]), max(a[1], b[1]), min(a[2], b[2]), min(a[3], b[3])}
	interArea := area(inter)
	union := area(a) + area(b) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// PseudoLabelRecall returns the fraction of ground-truth boxes matched by a pseudo box with IoU >= iouThreshold.
// Ground-truth and pseudo boxes are matched one-to-one, greedily by highest IoU, per image.
// It returns 0 if there are no ground-truth boxes.
func PseudoLabelRecall(pseudo, groundTruth [][]Box, iouThreshold float64) float64 {
	var numGT, numMatched int
	for ii, gts := range groundTruth {
		numGT += len(gts)
		var proposals []Box
		if ii < len(pseudo) {
			proposals = pseudo[ii]
		}
		for _, iou := range greedyMatch(gts, proposals) {
			if iou >= iouThreshold {
				numMatched++
			}
		}
	}
	if numGT == 0 {
		return 0
	}
	return float64(numMatched) / float64(numGT)
}

// greedyMatch repeatedly picks the ground-truth/proposal pair with the highest IoU among unused ones.
// It returns the IoU of each match.
func greedyMatch(gts, proposals []Box) []float64 {
	if len(gts) == 0 || len(proposals) == 0 {
		return nil
	}
	ious := make([][]float64, len(gts))
	for ii, gt := range gts {
		ious[ii] = make([]float64, len(proposals))
		for jj, p := range proposals {
			ious[ii][jj] = IoU(gt, p)
		}
	}
	usedGT := make([]bool, len(gts))
	usedProposal := make([]bool, len(proposals))
	matches := make([]float64, 0, min(len(gts), len(proposals)))
	for range min(len(gts), len(proposals)) {
		bestGT, bestProposal, best := -1, -1, -1.0
		for ii := range gts {
			if usedGT[ii] {
				continue
			}
			for jj := range proposals {
				if !usedProposal[jj] && ious[ii][jj] > best {
					bestGT, bestProposal, best = ii, jj, ious[ii][jj]
				}
			}
		}
		usedGT[bestGT] = true
		usedProposal[bestProposal] = true
		matches = append(matches, best)
	}
	return matches
}
