// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
)

// SegBatchDataset yields the remapped label maps of a SegIncrDataset, in the batch order given by an
// incremental sampler.
//
// Each batch has one input, the int32 sample indices shaped [batch_size], and one label, the uint8 label
// maps shaped [batch_size, height, width] in the destination label space.
type SegBatchDataset struct {
	source        *SegIncrDataset
	indices       *sampler.Dataset
	adapter       *SegAdapter
	width, height int
	parallelism   int
}

var _ train.Dataset = (*SegBatchDataset)(nil)

// NewSegBatchDataset creates the dataset. Label maps are resized (nearest-neighbor) to width x height when
// needed, and loaded with up to parallelism goroutines per batch (all of them if parallelism <= 0).
func NewSegBatchDataset(source *SegIncrDataset, indices *sampler.Dataset, adapter *SegAdapter,
	width, height, parallelism int) *SegBatchDataset {
	return &SegBatchDataset{
		source:      source,
		indices:     indices,
		adapter:     adapter,
		width:       width,
		height:      height,
		parallelism: parallelism,
	}
}

// Name implements train.Dataset.
func (ds *SegBatchDataset) Name() string {
	return fmt.Sprintf("%s [SegBatch %dx%d]", ds.indices.Name(), ds.width, ds.height)
}

// Reset implements train.Dataset: it moves to the next epoch of the sampler.
func (ds *SegBatchDataset) Reset() { ds.indices.Reset() }

// Yield implements train.Dataset.
func (ds *SegBatchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var batch []int
	batch, err = ds.indices.NextBatch()
	if err != nil {
		return
	}
	pixels := ds.width * ds.height
	flat := make([]uint8, len(batch)*pixels)
	var g errgroup.Group
	if ds.parallelism > 0 {
		g.SetLimit(ds.parallelism)
	}
	for ii, idx := range batch {
		g.Go(func() error {
			m, err := ds.source.Sample(idx)
			if err != nil {
				return err
			}
			if err = ds.adapter.Remap(m); err != nil {
				return errors.WithMessagef(err, "sample %q", ds.source.Name(idx))
			}
			if m.Width != ds.width || m.Height != ds.height {
				m = m.Resize(ds.width, ds.height)
			}
			copy(flat[ii*pixels:(ii+1)*pixels], m.Pix)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return
	}
	indices := make([]int32, len(batch))
	for ii, idx := range batch {
		indices[ii] = int32(idx)
	}
	inputs = []*tensors.Tensor{tensors.FromValue(indices)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, len(batch), ds.height, ds.width)}
	return
}
