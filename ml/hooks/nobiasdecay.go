// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModuleKind classifies the module owning a parameter.
type ModuleKind int

const (
	// ModuleConvLinear are convolutions and fully connected layers.
	ModuleConvLinear ModuleKind = iota

	// ModuleAffine are other modules with a weight or a bias, like normalization layers.
	ModuleAffine

	// ModuleOther are leaf modules with parameters that are neither weight nor bias.
	ModuleOther
)

// ModuleKindOf returns the kind of a module given its type name, e.g. "Conv2d" or "BatchNorm2d".
func ModuleKindOf(moduleType string) ModuleKind {
	switch {
	case strings.HasPrefix(moduleType, "Conv"), moduleType == "Linear":
		return ModuleConvLinear
	case strings.Contains(moduleType, "Norm"):
		return ModuleAffine
	}
	return ModuleOther
}

// Param describes a model parameter.
type Param struct {
	Name   string
	Module ModuleKind
}

// IsBias returns whether the parameter is a bias.
func (p Param) IsBias() bool { return strings.HasSuffix(p.Name, ".bias") || p.Name == "bias" }

// IsWeight returns whether the parameter is a weight.
func (p Param) IsWeight() bool { return strings.HasSuffix(p.Name, ".weight") || p.Name == "weight" }

// ParamGroup is a set of parameters sharing optimizer settings.
type ParamGroup struct {
	Params      []string
	LR          float64
	WeightDecay float64
}

// NoBiasDecayHookName is the configuration type of NoBiasDecayHook.
const NoBiasDecayHookName = "NoBiasDecayHook"

// NoBiasDecayHook splits the parameters into 3 optimizer groups: weights with weight decay, biases without
// weight decay and with twice the learning rate, and normalization weights without weight decay.
type NoBiasDecayHook struct{}

var _ BeforeRunHook = NoBiasDecayHook{}

// Name implements Hook.
func (NoBiasDecayHook) Name() string { return NoBiasDecayHookName }

// BeforeRun implements BeforeRunHook. It replaces run.ParamGroups, using the first group as the base settings.
func (NoBiasDecayHook) BeforeRun(run *Run) error {
	if len(run.ParamGroups) == 0 {
		return errors.New("no optimizer parameter group to derive the no-bias-decay groups from")
	}
	base := run.ParamGroups[0]
	weightDecay := ParamGroup{LR: base.LR, WeightDecay: base.WeightDecay}
	biasNoDecay := ParamGroup{LR: 2 * base.LR}
	weightNoDecay := ParamGroup{LR: base.LR}
	for _, p := range run.Params {
		switch {
		case p.Module == ModuleConvLinear && p.IsBias(), p.Module == ModuleAffine && p.IsBias():
			biasNoDecay.Params = append(biasNoDecay.Params, p.Name)
		case p.Module == ModuleConvLinear && p.IsWeight():
			weightDecay.Params = append(weightDecay.Params, p.Name)
		case p.Module == ModuleAffine:
			weightNoDecay.Params = append(weightNoDecay.Params, p.Name)
		default:
			weightDecay.Params = append(weightDecay.Params, p.Name)
		}
	}
	klog.Info("No Bias Decay Enable")
	run.ParamGroups = []ParamGroup{weightDecay, biasNoDecay, weightNoDecay}
	return nil
}
