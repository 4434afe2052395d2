// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weightmix

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// rowsTensor creates a [rows, cols] float32 tensor where element (r, c) = base + 10*r + c.
func rowsTensor(base float32, rows, cols int) *tensors.Tensor {
	flat := make([]float32, rows*cols)
	for r := range rows {
		for c := range cols {
			flat[r*cols+c] = base + float32(10*r+c)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, rows, cols)
}

func rows(t *tensors.Tensor) [][]float32 {
	return t.Value().([][]float32)
}

func TestMixRowsIdentity(t *testing.T) {
	dst := rowsTensor(1000, 6, 2)
	src := rowsTensor(0, 6, 2)
	mapping := taskadapt.MapClassNames([]string{"a", "b", "c"}, []string{"a", "b", "c"})
	copied, err := MixRows(dst, src, mapping, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, copied)
	assert.Equal(t, rows(src), rows(dst))
}

func TestMixRowsErrors(t *testing.T) {
	mapping := taskadapt.ClassMapping{0, 1}
	_, err := MixRows(rowsTensor(0, 2, 2), rowsTensor(0, 2, 3), mapping, 2, 2)
	assert.Error(t, err, "row sizes differ")

	f16 := tensors.FromFlatDataAndDimensions([]float16.Float16{0, 0, 0, 0}, 2, 2)
	_, err = MixRows(rowsTensor(0, 2, 2), f16, mapping, 2, 2)
	assert.Error(t, err, "dtypes differ")

	_, err = MixRows(rowsTensor(0, 2, 2), rowsTensor(0, 2, 2), taskadapt.ClassMapping{0}, 2, 2)
	assert.Error(t, err, "mapping length")

	_, err = MixRows(rowsTensor(0, 2, 2), rowsTensor(0, 2, 2), taskadapt.ClassMapping{0, 5}, 2, 2)
	assert.Error(t, err, "mapping out of range")
}

func TestDetectionMixerPartial(t *testing.T) {
	// Checkpoint: [a, b, BG] x 2 anchors. Model: [b, c, a, BG] x 2 anchors.
	srcClasses := []string{"a", "b"}
	dstClasses := []string{"b", "c", "a"}
	const cols = 3
	model := checkpoints.StateDict{
		"bbox_head.cls_convs.0.weight": rowsTensor(1000, 8, cols),
		"bbox_head.cls_convs.0.bias":   rowsTensor(2000, 8, 1),
		"bbox_head.reg_convs.0.weight": rowsTensor(3000, 4, cols),
	}
	ckpt := checkpoints.StateDict{
		"bbox_head.cls_convs.0.weight": rowsTensor(0, 6, cols),
		"bbox_head.cls_convs.0.bias":   rowsTensor(500, 6, 1),
		"bbox_head.reg_convs.0.weight": rowsTensor(700, 4, cols),
	}
	originalCkptWeight := ckpt["bbox_head.cls_convs.0.weight"]

	mixed, report, err := NewDetectionMixer(srcClasses, dstClasses).Transform(model, ckpt)
	require.NoError(t, err)
	assert.Equal(t, "plain", report.Pattern)
	assert.Equal(t, 1, report.Levels)
	assert.Equal(t, taskadapt.ClassMapping{1, taskadapt.NoClass, 0, 2}, report.Mapping)
	require.Len(t, report.Mixed, 2)
	assert.Equal(t, Layout{NumAnchors: 2, NumClasses: 3}, report.Mixed[0].Src)
	assert.Equal(t, Layout{NumAnchors: 2, NumClasses: 4}, report.Mixed[0].Dst)
	assert.Equal(t, 6, report.Mixed[0].RowsCopied)
	assert.Equal(t, []string{"bbox_head.cls_convs.1.weight"}, report.Skipped)

	weight := rows(mixed["bbox_head.cls_convs.0.weight"])
	src := rows(originalCkptWeight)
	modelWeight := rows(model["bbox_head.cls_convs.0.weight"])
	for anchor := range 2 {
		assert.Equal(t, src[anchor*3+1], weight[anchor*4+0], "b")
		assert.Equal(t, modelWeight[anchor*4+1], weight[anchor*4+1], "c untouched")
		assert.Equal(t, src[anchor*3+0], weight[anchor*4+2], "a")
		assert.Equal(t, src[anchor*3+2], weight[anchor*4+3], "background")
	}

	// Unrelated parameters are passed through, inputs are not modified.
	assert.Same(t, ckpt["bbox_head.reg_convs.0.weight"], mixed["bbox_head.reg_convs.0.weight"])
	assert.Same(t, originalCkptWeight, ckpt["bbox_head.cls_convs.0.weight"])
	assert.Equal(t, float32(1010), rows(model["bbox_head.cls_convs.0.weight"])[1][0])
}

func TestDetectionMixerLevels(t *testing.T) {
	classes := []string{"a"}
	model := checkpoints.StateDict{}
	ckpt := checkpoints.StateDict{}
	for level := range 3 {
		for _, name := range DetectionHeadPatterns()[1].ParamNames(level) {
			model[name] = rowsTensor(100, 4, 2)
			ckpt["ema."+name] = rowsTensor(0, 4, 2)
		}
	}
	ckpt["ema.bbox_head.cls_convs.0.0.weight"] = rowsTensor(0, 1, 1)
	// Level 1 bias exists only in the model: the level is mixed up to the missing name.
	delete(ckpt, "ema.bbox_head.cls_convs.1.3.bias")

	mixed, report, err := NewDetectionMixer(classes, classes).WithPrefix("ema.").Transform(model, ckpt)
	require.NoError(t, err)
	assert.Equal(t, "depth-wise", report.Pattern)
	assert.Equal(t, 3, report.Levels)
	assert.Len(t, report.Mixed, 5)
	assert.Equal(t, []string{"ema.bbox_head.cls_convs.1.3.bias", "ema.bbox_head.cls_convs.3.3.weight"}, report.Skipped)
	assert.NotContains(t, mixed, "ema.bbox_head.cls_convs.1.3.bias")
	assert.Equal(t, rows(ckpt["ema.bbox_head.cls_convs.2.3.weight"]), rows(mixed["ema.bbox_head.cls_convs.2.3.weight"]))
}

func TestClassifierMixerFloat16(t *testing.T) {
	half := func(values ...float32) []float16.Float16 {
		out := make([]float16.Float16, len(values))
		for ii, v := range values {
			out[ii] = float16.Fromfloat32(v)
		}
		return out
	}
	model := checkpoints.StateDict{
		"head.fc.weight": tensors.FromFlatDataAndDimensions(half(9, 9, 9, 9, 9, 9), 3, 2),
		"head.fc.bias":   tensors.FromFlatDataAndDimensions(half(9, 9, 9), 3),
	}
	ckpt := checkpoints.StateDict{
		"head.fc.weight": tensors.FromFlatDataAndDimensions(half(1, 2, 3, 4), 2, 2),
		"head.fc.bias":   tensors.FromFlatDataAndDimensions(half(5, 6), 2),
	}
	mixed, report, err := NewClassifierMixer([]string{"cat", "dog"}, []string{"dog", "bird", "cat"}).Transform(model, ckpt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Levels)
	assert.Equal(t, half(3, 4, 9, 9, 1, 2), tensors.CopyFlatData[float16.Float16](mixed["head.fc.weight"]))
	assert.Equal(t, half(6, 9, 5), tensors.CopyFlatData[float16.Float16](mixed["head.fc.bias"]))
}

func TestMixerNoPattern(t *testing.T) {
	ckpt := checkpoints.StateDict{"backbone.conv.weight": rowsTensor(0, 1, 1)}
	mixed, report, err := NewClassifierMixer([]string{"a"}, []string{"b"}).Transform(checkpoints.StateDict{}, ckpt)
	require.NoError(t, err)
	assert.Empty(t, report.Pattern)
	assert.Equal(t, ckpt, mixed)
}

func TestTeacherState(t *testing.T) {
	w := rowsTensor(0, 1, 1)
	redirected := RedirectToTeacher(checkpoints.StateDict{"backbone.w": w, "model_s.backbone.w": w})
	assert.ElementsMatch(t, []string{"model_t.backbone.w", "model_s.backbone.w"}, redirected.Names())
	plain := TeacherState(redirected)
	assert.ElementsMatch(t, []string{"backbone.w", "model_s.backbone.w"}, plain.Names())
}
