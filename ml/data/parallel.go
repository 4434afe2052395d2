// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchDataset generates the batches of a train.Dataset in a background goroutine, ahead of
// the consumer. Batches are yielded in the same order as the wrapped dataset yields them, so the order
// set by an incremental sampler is preserved.
//
// Create it with Prefetch, and call Stop when finished, to release the goroutine.
type PrefetchDataset struct {
	ds     train.Dataset
	buffer int

	mu            sync.Mutex
	err           error
	cache         chan yieldUnit
	epochFinished chan struct{}
	stopEpoch     chan struct{}
	stopped       chan struct{}
	stopOnce      sync.Once
}

var _ train.Dataset = (*PrefetchDataset)(nil)

type yieldUnit struct {
	spec           any
	inputs, labels []*tensors.Tensor
}

// Prefetch starts generating the batches of ds in the background, keeping up to buffer batches ready.
// If buffer <= 0, one batch is kept ready.
func Prefetch(ds train.Dataset, buffer int) *PrefetchDataset {
	if buffer <= 0 {
		buffer = 1
	}
	pd := &PrefetchDataset{
		ds:      ds,
		buffer:  buffer,
		stopped: make(chan struct{}),
	}
	pd.startEpoch()
	return pd
}

func (pd *PrefetchDataset) startEpoch() {
	cache := make(chan yieldUnit, pd.buffer)
	epochFinished := make(chan struct{})
	stopEpoch := make(chan struct{})
	pd.mu.Lock()
	pd.cache, pd.epochFinished, pd.stopEpoch = cache, epochFinished, stopEpoch
	pd.mu.Unlock()

	go func() {
		defer close(epochFinished)
		for {
			var unit yieldUnit
			var err error
			unit.spec, unit.inputs, unit.labels, err = pd.ds.Yield()
			if err == io.EOF {
				return
			}
			if err != nil {
				klog.Errorf("prefetch of dataset %q failed: %+v", pd.ds.Name(), err)
				pd.mu.Lock()
				if pd.err == nil {
					pd.err = err
				}
				pd.mu.Unlock()
				return
			}
			select {
			case <-stopEpoch:
				return
			case <-pd.stopped:
				return
			case cache <- unit:
			}
		}
	}()
}

// Name implements train.Dataset.
func (pd *PrefetchDataset) Name() string {
	return pd.ds.Name() + " [Prefetch]"
}

// Reset implements train.Dataset. Batches prefetched for the current epoch are discarded.
func (pd *PrefetchDataset) Reset() {
	select {
	case <-pd.stopped:
		return
	default:
	}
	pd.mu.Lock()
	cache, epochFinished, stopEpoch := pd.cache, pd.epochFinished, pd.stopEpoch
	pd.mu.Unlock()
	close(stopEpoch)
	// Drain until the producer exits, so it is not blocked on a full cache.
	for done := false; !done; {
		select {
		case <-cache:
		case <-epochFinished:
			done = true
		}
	}
	pd.mu.Lock()
	pd.err = nil
	pd.mu.Unlock()
	pd.ds.Reset()
	pd.startEpoch()
}

// Yield implements train.Dataset.
func (pd *PrefetchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	pd.mu.Lock()
	cache, epochFinished := pd.cache, pd.epochFinished
	pd.mu.Unlock()

	var unit yieldUnit
	select {
	case <-pd.stopped:
		err = errors.Errorf("dataset %q used after Stop", pd.Name())
		return
	case unit = <-cache:
	case <-epochFinished:
		// The producer is done, but the cache may still hold batches.
		select {
		case unit = <-cache:
		default:
			pd.mu.Lock()
			err = pd.err
			pd.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return
		}
	}
	return unit.spec, unit.inputs, unit.labels, nil
}

// Stop the background generation. The dataset can no longer be used.
func (pd *PrefetchDataset) Stop() {
	pd.stopOnce.Do(func() { close(pd.stopped) })
}
