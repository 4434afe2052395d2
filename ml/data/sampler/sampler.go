// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler orders the samples of a class-incremental training epoch so that the samples with
// new classes are spread evenly among the samples with only old classes.
//
// The order of an epoch is a pure function of the partition, the options and the epoch number: every
// worker of a multi-device training derives the same order without communicating.
package sampler

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Partition of the dataset sample indices into samples with only old classes and samples with at least
// one new class.
type Partition struct {
	Old, New []int
}

// Len returns the total number of samples.
func (p Partition) Len() int { return len(p.Old) + len(p.New) }

// Validate checks that no index is repeated and that no index is negative.
func (p Partition) Validate() error {
	seen := make(map[int]bool, p.Len())
	for _, group := range [][]int{p.Old, p.New} {
		for _, idx := range group {
			if idx < 0 {
				return errors.Errorf("negative sample index %d in partition", idx)
			}
			if seen[idx] {
				return errors.Errorf("sample index %d appears more than once in partition", idx)
			}
			seen[idx] = true
		}
	}
	return nil
}

// Sampler generates the sample order of each epoch.
type Sampler struct {
	old, new      []int
	batchSize     int
	efficientMode bool
	seed          int64
	ratio         float64
	length        int
}

// Option configures a Sampler.
type Option func(s *Sampler)

// WithEfficientMode sets whether epochs are shortened to the new samples plus a random subset of the
// old ones. Default is false, every sample is used once per epoch.
func WithEfficientMode(efficient bool) Option {
	return func(s *Sampler) { s.efficientMode = efficient }
}

// WithSeed sets the seed of the random shuffles. Default is 0.
func WithSeed(seed int64) Option {
	return func(s *Sampler) { s.seed = seed }
}

// WithOldNewRatio overrides the number of old samples per new sample used by the efficient mode.
// The default is sqrt(|old|/|new|).
func WithOldNewRatio(ratio float64) Option {
	return func(s *Sampler) { s.ratio = ratio }
}

// New creates a Sampler for the partition. If the partition has no new samples, all samples are
// treated as new and the order is a plain shuffle.
func New(partition Partition, batchSize int, options ...Option) (*Sampler, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("sampler batch size must be > 0, got %d", batchSize)
	}
	if err := partition.Validate(); err != nil {
		return nil, err
	}
	s := &Sampler{
		old:       partition.Old,
		new:       partition.New,
		batchSize: batchSize,
		ratio:     -1,
	}
	if len(s.new) == 0 {
		s.new, s.old = s.old, nil
	}
	for _, option := range options {
		option(s)
	}
	if s.ratio < 0 {
		s.ratio = 0
		if len(s.new) > 0 {
			s.ratio = math.Sqrt(float64(len(s.old)) / float64(len(s.new)))
		}
	}
	if math.IsNaN(s.ratio) || math.IsInf(s.ratio, 0) {
		return nil, errors.Errorf("invalid old/new ratio %g", s.ratio)
	}
	s.length = len(s.old) + len(s.new)
	if s.efficientMode {
		// Clamped as a float: a huge ratio overflows int.
		s.length = int(min(float64(s.length), math.Floor(float64(len(s.new))*(1+s.ratio))))
	}
	klog.V(1).Infof("incremental sampler: %d old, %d new samples, ratio=%.3f, efficient=%v, epoch length=%d",
		len(s.old), len(s.new), s.ratio, s.efficientMode, s.length)
	return s, nil
}

// Len returns the number of samples in each epoch.
func (s *Sampler) Len() int { return s.length }

// BatchSize returns the batch size the sampler was created with.
func (s *Sampler) BatchSize() int { return s.batchSize }

// NumBatches returns the number of batches in each epoch, counting the last partial batch.
func (s *Sampler) NumBatches() int { return (s.length + s.batchSize - 1) / s.batchSize }

// Ratio returns the old/new ratio in use.
func (s *Sampler) Ratio() float64 { return s.ratio }

// EfficientMode returns whether epochs are subsampled.
func (s *Sampler) EfficientMode() bool { return s.efficientMode }

// Epoch returns the sample indices for the given epoch, in order. It returns a new slice on each call.
//
// Every new sample appears exactly once. In non-efficient mode every old sample also appears exactly once.
// New samples are spread so that every prefix of length k holds ceil(k*numNew/Len()) of them.
func (s *Sampler) Epoch(epoch int) []int {
	rng := rand.New(rand.NewPCG(uint64(s.seed), uint64(epoch)))
	newOrder := shuffled(rng, s.new)
	oldOrder := shuffled(rng, s.old)
	numNew := len(newOrder)
	oldOrder = oldOrder[:s.length-numNew]

	order := make([]int, 0, s.length)
	var newPlaced, oldPlaced int
	for k := range s.length {
		// Number of new samples that must be in the prefix of length k+1, rounded up.
		wantNew := ((k+1)*numNew + s.length - 1) / s.length
		if newPlaced < wantNew {
			order = append(order, newOrder[newPlaced])
			newPlaced++
		} else {
			order = append(order, oldOrder[oldPlaced])
			oldPlaced++
		}
	}
	return order
}

func shuffled(rng *rand.Rand, indices []int) []int {
	out := make([]int, len(indices))
	copy(out, indices)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
