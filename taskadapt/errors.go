// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskadapt

import "github.com/pkg/errors"

// Error kinds raised while computing the adapted label space. They are always returned wrapped
// with a message (errors.Wrapf), use errors.Is to test for the kind.
//
// All of them are fatal to the current run: the label space determines the shape of the model head,
// so it must be resolved before any training starts.
var (
	// ErrConfiguration is returned for unsupported adaptation operations or missing required keys.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is returned when the inputs are well-formed but semantically invalid,
	// e.g. a REPLACE with no classes.
	ErrValidation = errors.New("validation error")

	// ErrMetadataMissing is returned when the checkpoint lacks the CLASSES or tasks metadata
	// needed for the adaptation.
	ErrMetadataMissing = errors.New("checkpoint metadata missing")

	// ErrUnsupportedDataset is returned when adaptation is requested for a dataset type not in
	// the supported allow-list.
	ErrUnsupportedDataset = errors.New("unsupported dataset")
)
