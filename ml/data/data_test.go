// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
)

func TestParseUnmappedPolicy(t *testing.T) {
	p, err := ParseUnmappedPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropUnmapped, p)
	p, err = ParseUnmappedPolicy("error")
	require.NoError(t, err)
	assert.Equal(t, ErrorOnUnmapped, p)
	assert.Equal(t, "error", p.String())
	_, err = ParseUnmappedPolicy("ignore")
	assert.Error(t, err)
}

func TestLabelAdapter(t *testing.T) {
	src := []string{"a", "b", "c"}
	dst := []string{"c", "a"}
	boxes := []Box{{0, 0, 1, 1}, {1, 1, 2, 2}, {2, 2, 3, 3}}

	t.Run("drop", func(t *testing.T) {
		a := NewLabelAdapter(src, dst, DropUnmapped)
		labels, outBoxes, err := a.DetectionLabels([]int{0, 1, 2}, boxes)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 0}, labels)
		assert.Equal(t, []Box{boxes[0], boxes[2]}, outBoxes)
		assert.Equal(t, 1, a.Dropped())
		assert.Len(t, boxes, 3, "input must not be modified")

		label, ok, err := a.ClassLabel(2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, label)
		_, ok, err = a.ClassLabel(1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 2, a.Dropped())

		labels, outBoxes, err = a.DetectionLabels([]int{2, 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0}, labels)
		assert.Nil(t, outBoxes)
	})

	t.Run("error", func(t *testing.T) {
		a := NewLabelAdapter(src, dst, ErrorOnUnmapped)
		_, _, err := a.DetectionLabels([]int{0, 1}, boxes[:2])
		require.Error(t, err)
		_, _, err = a.ClassLabel(1)
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		a := NewLabelAdapter(src, dst, DropUnmapped)
		_, _, err := a.DetectionLabels([]int{5}, nil)
		require.Error(t, err)
		_, _, err = a.DetectionLabels([]int{0, 1}, boxes)
		require.Error(t, err)
	})
}

func TestSegAdapter(t *testing.T) {
	m := &SegMap{Width: 4, Height: 1, Pix: []uint8{0, 1, 2, SegIgnoreLabel}}
	a, err := NewSegAdapter([]string{"cat", "dog"}, []string{"dog", "bird"}, DropUnmapped)
	require.NoError(t, err)
	require.NoError(t, a.Remap(m))
	assert.Equal(t, []uint8{0, 0, 1, 0}, m.Pix)
	assert.Equal(t, 1, a.Dropped())

	// Ignore label is always normalized, even under the error policy.
	m = &SegMap{Width: 2, Height: 1, Pix: []uint8{SegIgnoreLabel, 2}}
	a, err = NewSegAdapter([]string{"cat", "dog"}, []string{"dog", "bird"}, ErrorOnUnmapped)
	require.NoError(t, err)
	require.NoError(t, a.Remap(m))
	assert.Equal(t, []uint8{0, 1}, m.Pix)

	m = &SegMap{Width: 1, Height: 1, Pix: []uint8{1}}
	assert.Error(t, a.Remap(m))

	m = &SegMap{Width: 1, Height: 1, Pix: []uint8{7}}
	assert.Error(t, a.Remap(m))

	t.Run("label space too large", func(t *testing.T) {
		classes := make([]string, MaxSegClasses)
		for ii := range classes {
			classes[ii] = fmt.Sprintf("class_%03d", ii)
		}
		_, err := NewSegAdapter(classes[:2], classes, DropUnmapped)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at most 255")

		// The largest label space that fits: the last class is pixel value 254.
		a, err := NewSegAdapter(classes[:2], classes[:MaxSegClasses-1], DropUnmapped)
		require.NoError(t, err)
		m := &SegMap{Width: 2, Height: 1, Pix: []uint8{1, 2}}
		require.NoError(t, a.Remap(m))
		assert.Equal(t, []uint8{1, 2}, m.Pix)
	})
}

func TestPartitionSegMaps(t *testing.T) {
	classes := []string{"cat", "dog", "bird"}
	maps := []*SegMap{
		{Width: 2, Height: 1, Pix: []uint8{0, 1}},
		{Width: 2, Height: 1, Pix: []uint8{3, SegIgnoreLabel}},
		{Width: 2, Height: 1, Pix: []uint8{SegIgnoreLabel, SegIgnoreLabel}},
	}
	p := PartitionSegMaps(maps, classes, []string{"bird"})
	assert.Equal(t, []int{1}, p.New)
	assert.Equal(t, []int{0, 2}, p.Old)

	// Unknown new classes match nothing.
	p = PartitionSegMaps(maps, classes, []string{"tree"})
	assert.Empty(t, p.New)
	assert.Len(t, p.Old, 3)
}

func TestSegMapFromImage(t *testing.T) {
	palette := color.Palette{color.Black, color.White, color.Gray{Y: 128}}
	img := image.NewPaletted(image.Rect(0, 0, 3, 2), palette)
	img.SetColorIndex(2, 1, 2)
	m, err := SegMapFromImage(img)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 0, 0, 0, 2}, m.Pix)
	assert.Equal(t, uint8(2), m.At(2, 1))

	_, err = SegMapFromImage(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.Error(t, err)

	resized := m.Resize(6, 4)
	assert.Equal(t, 6, resized.Width)
	assert.Equal(t, 4, resized.Height)
	for _, v := range resized.Pix {
		assert.Contains(t, []uint8{0, 2}, v)
	}
}

func writeSegMaps(t *testing.T, dir string, maps map[string][]uint8) {
	for name, pix := range maps {
		m := &SegMap{Width: 2, Height: 2, Pix: pix}
		require.NoError(t, SaveSegMap(m, path.Join(dir, name+".png")))
	}
}

func TestSegIncrDataset(t *testing.T) {
	dir := t.TempDir()
	writeSegMaps(t, dir, map[string][]uint8{
		"a": {0, 3, 3, 0},
		"b": {1, 1, 0, 0},
		"c": {2, SegIgnoreLabel, 0, 0},
	})
	split := path.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(split, []byte("a\nc\n\nb\n"), 0644))

	classes := []string{"cat", "dog", "bird"}
	ds, err := BuildSegIncr(dir, classes, []string{"bird"}).Split(split).Progress(false).Done()
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, "c", ds.Name(1))
	assert.Equal(t, sampler.Partition{Old: []int{1, 2}, New: []int{0}}, ds.Partition())

	m, err := ds.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, []uint8{2, SegIgnoreLabel, 0, 0}, m.Pix)

	// Without a split every annotation in the directory is a sample.
	all, err := BuildSegIncr(dir, classes, []string{"bird"}).Progress(false).Done()
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())

	_, err = BuildSegIncr(dir, classes, nil).Split(path.Join(dir, "missing.txt")).Progress(false).Done()
	assert.Error(t, err)

	t.Run("batches", func(t *testing.T) {
		s, err := sampler.New(ds.Partition(), 2, sampler.WithSeed(3))
		require.NoError(t, err)
		adapter, err := NewSegAdapter(classes, classes, DropUnmapped)
		require.NoError(t, err)
		batches := NewSegBatchDataset(ds, sampler.NewDataset("seg", s), adapter, 4, 2, 2)
		var count int
		for {
			_, inputs, labels, err := batches.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Len(t, labels, 1)
			n := inputs[0].Shape().Dimensions[0]
			assert.Equal(t, []int{n, 2, 4}, labels[0].Shape().Dimensions)
			count += n
		}
		assert.Equal(t, 3, count)
	})
}

func TestPrefetch(t *testing.T) {
	s, err := sampler.New(sampler.Partition{Old: []int{0, 1, 2, 3, 4}, New: []int{5, 6}}, 2, sampler.WithSeed(9))
	require.NoError(t, err)
	pd := Prefetch(sampler.NewDataset("idx", s), 2)
	defer pd.Stop()

	readEpoch := func() []int {
		var got []int
		for {
			_, inputs, _, err := pd.Yield()
			if err == io.EOF {
				return got
			}
			require.NoError(t, err)
			for _, idx := range inputs[0].Value().([]int32) {
				got = append(got, int(idx))
			}
		}
	}
	assert.Equal(t, s.Epoch(0), readEpoch())
	pd.Reset()
	assert.Equal(t, s.Epoch(1), readEpoch())

	pd.Stop()
	_, _, _, err = pd.Yield()
	assert.Error(t, err)
	pd.Reset()
}

func TestEvalAdapter(t *testing.T) {
	a := NewEvalAdapter([]string{"a", "b", "c"}, []string{"c", "a"})
	detC := Detection{0, 0, 1, 1, 0.9}
	detA := Detection{1, 1, 2, 2, 0.8}
	results := []ImageDetections{{{detC}, {detA}}}
	adapted := a.AdaptResults(results)
	require.Len(t, adapted, 1)
	assert.Equal(t, ImageDetections{{detA}, {}, {detC}}, adapted[0])
	assert.Len(t, results[0], 2)
}

func TestPseudoLabels(t *testing.T) {
	outputs := []TeacherOutput{
		{
			Detections: []Detection{{0, 0, 10, 10, 0.9}, {5, 5, 6, 6, 0.5}},
			Labels:     []int{1, 2},
		},
		{
			Detections: []Detection{{0, 0, 4, 4, 0.8}},
			Labels:     []int{0},
		},
	}
	pseudo, ratio := GeneratePseudoLabels(outputs, 0.7)
	require.Len(t, pseudo, 2)
	assert.Equal(t, []Box{{0, 0, 10, 10}}, pseudo[0].Boxes)
	assert.Equal(t, []int{1}, pseudo[0].Labels)
	assert.Equal(t, []int{0}, pseudo[1].Labels)
	assert.InDelta(t, 2.0/3.0, ratio, 1e-9)

	_, ratio = GeneratePseudoLabels(nil, 0.7)
	assert.Equal(t, 0.0, ratio)

	assert.InDelta(t, 1.0, IoU(Box{0, 0, 10, 10}, Box{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, IoU(Box{0, 0, 1, 1}, Box{2, 2, 3, 3}), 1e-9)
	assert.InDelta(t, 1.0/3.0, IoU(Box{0, 0, 10, 10}, Box{5, 0, 15, 10}), 1e-6)

	gt := [][]Box{{{0, 0, 10, 10}, {20, 20, 30, 30}}, {}}
	recall := PseudoLabelRecall([][]Box{pseudo[0].Boxes, pseudo[1].Boxes}, gt, 0.5)
	assert.InDelta(t, 0.5, recall, 1e-9)
	assert.Equal(t, 0.0, PseudoLabelRecall(nil, nil, 0.5))
}
