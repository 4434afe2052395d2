// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// Dataset yields batches of sample indices, in the order given by a Sampler. It implements train.Dataset:
// the data loading itself is left to the consumer, which reads the samples by index.
//
// The first epoch is epoch 0, and Reset moves to the next epoch.
type Dataset struct {
	name    string
	sampler *Sampler

	mu    sync.Mutex
	epoch int
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset from the sampler, starting at epoch 0.
func NewDataset(name string, sampler *Sampler) *Dataset {
	return &Dataset{
		name:    name,
		sampler: sampler,
		order:   sampler.Epoch(0),
	}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Sampler returns the sampler generating the order.
func (ds *Dataset) Sampler() *Sampler { return ds.sampler }

// Epoch returns the current epoch.
func (ds *Dataset) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// SetEpoch restarts the dataset at the beginning of the given epoch.
func (ds *Dataset) SetEpoch(epoch int) {
	order := ds.sampler.Epoch(epoch)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch = epoch
	ds.order = order
	ds.next = 0
}

// Reset implements train.Dataset. It moves to the next epoch.
func (ds *Dataset) Reset() {
	ds.SetEpoch(ds.Epoch() + 1)
}

// NextBatch returns the next batch of sample indices, or io.EOF at the end of the epoch.
// The last batch of the epoch may be smaller than the batch size.
func (ds *Dataset) NextBatch() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.sampler.BatchSize(), len(ds.order))
	batch := ds.order[ds.next:end]
	ds.next = end
	return batch, nil
}

// Yield implements train.Dataset. It yields one input, the int32 sample indices of the batch, and no labels.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var batch []int
	batch, err = ds.NextBatch()
	if err != nil {
		return
	}
	indices := make([]int32, len(batch))
	for ii, idx := range batch {
		indices[ii] = int32(idx)
	}
	inputs = []*tensors.Tensor{tensors.FromValue(indices)}
	return
}
