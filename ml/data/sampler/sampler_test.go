// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePartition(numOld, numNew int) Partition {
	var p Partition
	for ii := range numOld + numNew {
		if ii%3 == 0 && len(p.New) < numNew || len(p.Old) == numOld {
			p.New = append(p.New, ii)
		} else {
			p.Old = append(p.Old, ii)
		}
	}
	return p
}

func TestEpochCoversEverySampleOnce(t *testing.T) {
	for _, sizes := range [][2]int{{10, 3}, {3, 10}, {0, 7}, {7, 0}, {1, 1}, {100, 1}} {
		p := makePartition(sizes[0], sizes[1])
		s, err := New(p, 4, WithSeed(42))
		require.NoError(t, err)
		require.Equal(t, p.Len(), s.Len())
		for epoch := range 3 {
			order := s.Epoch(epoch)
			sorted := append([]int(nil), order...)
			sort.Ints(sorted)
			want := make([]int, p.Len())
			for ii := range want {
				want[ii] = ii
			}
			assert.Equal(t, want, sorted, "sizes=%v epoch=%d", sizes, epoch)
		}
	}
}

func TestEpochSpreadsNewSamples(t *testing.T) {
	p := makePartition(40, 10)
	isNew := make(map[int]bool)
	for _, idx := range p.New {
		isNew[idx] = true
	}
	const batchSize = 5
	s, err := New(p, batchSize, WithSeed(7))
	require.NoError(t, err)
	order := s.Epoch(3)
	L := len(order)
	numNew := len(p.New)

	var count int
	for k, idx := range order {
		if isNew[idx] {
			count++
		}
		prefix := k + 1
		assert.Equal(t, (prefix*numNew+L-1)/L, count, "prefix %d", prefix)
	}

	minPerBatch := batchSize * numNew / L
	for start := 0; start < L; start += batchSize {
		var inBatch int
		for _, idx := range order[start:min(start+batchSize, L)] {
			if isNew[idx] {
				inBatch++
			}
		}
		assert.GreaterOrEqual(t, inBatch, minPerBatch, "batch starting at %d", start)
	}
}

func TestEpochDeterminism(t *testing.T) {
	p := makePartition(20, 5)
	s1, err := New(p, 4, WithSeed(11))
	require.NoError(t, err)
	s2, err := New(p, 4, WithSeed(11))
	require.NoError(t, err)
	assert.Equal(t, s1.Epoch(2), s2.Epoch(2))
	assert.NotEqual(t, s1.Epoch(0), s1.Epoch(1))
}

func TestEfficientMode(t *testing.T) {
	p := makePartition(90, 10)
	s, err := New(p, 8, WithEfficientMode(true), WithSeed(1))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, s.Ratio(), 1e-9)
	assert.Equal(t, 40, s.Len())

	isNew := make(map[int]bool)
	for _, idx := range p.New {
		isNew[idx] = true
	}
	order := s.Epoch(0)
	require.Len(t, order, 40)
	var numNew int
	seen := make(map[int]bool)
	for _, idx := range order {
		assert.False(t, seen[idx], "index %d repeated", idx)
		seen[idx] = true
		if isNew[idx] {
			numNew++
		}
	}
	assert.Equal(t, 10, numNew)

	// Ratio override, capped at the dataset size.
	s, err = New(p, 8, WithEfficientMode(true), WithOldNewRatio(100))
	require.NoError(t, err)
	assert.Equal(t, 100, s.Len())
	s, err = New(p, 8, WithEfficientMode(true), WithOldNewRatio(0.5))
	require.NoError(t, err)
	assert.Equal(t, 15, s.Len())

	// A ratio too large for an int still caps the epoch at every sample once.
	s, err = New(Partition{Old: []int{0, 1, 2}, New: []int{3}}, 2, WithEfficientMode(true), WithOldNewRatio(1e300))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())
	order := s.Epoch(0)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, order)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Partition{Old: []int{0, 1}, New: []int{1}}, 2)
	assert.Error(t, err)
	_, err = New(Partition{New: []int{0}}, 0)
	assert.Error(t, err)
	_, err = New(Partition{New: []int{0}}, 1, WithOldNewRatio(math.Inf(1)))
	assert.Error(t, err)
}

func TestDataset(t *testing.T) {
	p := makePartition(6, 1)
	s, err := New(p, 3, WithSeed(5))
	require.NoError(t, err)
	assert.Equal(t, 3, s.NumBatches())
	ds := NewDataset("incr", s)
	assert.Equal(t, "incr", ds.Name())

	var got []int
	var sizes []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Empty(t, labels)
		indices := inputs[0].Value().([]int32)
		sizes = append(sizes, len(indices))
		for _, idx := range indices {
			got = append(got, int(idx))
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, s.Epoch(0), got)

	ds.Reset()
	assert.Equal(t, 1, ds.Epoch())
	batch, err := ds.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, s.Epoch(1)[:3], batch)
}
