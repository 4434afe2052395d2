// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weightmix

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/checkpoints"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// DefaultMaxLevels is the maximum number of feature levels probed in detection heads.
const DefaultMaxLevels = 10

// HeadPattern describes the class-dependent parameters of one family of heads.
type HeadPattern struct {
	// Name of the family, for logging.
	Name string

	// Probe is the parameter whose presence in the checkpoint selects this pattern.
	Probe string

	// Params are the class-dependent parameter names. If Leveled, they are format strings with one %d
	// for the feature level.
	Params []string

	// Leveled heads have one set of parameters per feature level.
	Leveled bool
}

// ParamNames returns the parameter names for the given level.
func (p HeadPattern) ParamNames(level int) []string {
	if !p.Leveled {
		return p.Params
	}
	names := make([]string, len(p.Params))
	for ii, format := range p.Params {
		names[ii] = fmt.Sprintf(format, level)
	}
	return names
}

// DetectionHeadPatterns returns the patterns of single-stage detection heads, plain and depth-wise
// (conv, bn, act, conv: the classifier is the 4th module of each level).
func DetectionHeadPatterns() []HeadPattern {
	return []HeadPattern{
		{
			Name:    "plain",
			Probe:   "bbox_head.cls_convs.0.weight",
			Params:  []string{"bbox_head.cls_convs.%d.weight", "bbox_head.cls_convs.%d.bias"},
			Leveled: true,
		},
		{
			Name:    "depth-wise",
			Probe:   "bbox_head.cls_convs.0.0.weight",
			Params:  []string{"bbox_head.cls_convs.%d.3.weight", "bbox_head.cls_convs.%d.3.bias"},
			Leveled: true,
		},
	}
}

// ClassifierHeadPatterns returns the pattern of linear classification heads.
func ClassifierHeadPatterns() []HeadPattern {
	return []HeadPattern{
		{
			Name:   "linear",
			Probe:  "head.fc.weight",
			Params: []string{"head.fc.weight", "head.fc.bias"},
		},
	}
}

// Mixer transforms a checkpoint state so that it can be loaded into a model whose head has a different
// label space.
type Mixer struct {
	// SrcClasses are the classes of the checkpoint, DstClasses the classes of the model.
	SrcClasses, DstClasses []string

	// Background appends taskadapt.BackgroundClass to both class lists: the head has an extra
	// background row per anchor.
	Background bool

	// Prefix of the checkpoint parameter names. Model parameter names have no prefix.
	Prefix string

	// Patterns are tried in order, the first whose probe is found in the checkpoint is used.
	Patterns []HeadPattern

	// MaxLevels probed for leveled patterns.
	MaxLevels int
}

// NewDetectionMixer creates a Mixer for single-stage detectors.
func NewDetectionMixer(srcClasses, dstClasses []string) *Mixer {
	return &Mixer{
		SrcClasses: srcClasses,
		DstClasses: dstClasses,
		Background: true,
		Patterns:   DetectionHeadPatterns(),
		MaxLevels:  DefaultMaxLevels,
	}
}

// NewClassifierMixer creates a Mixer for image classifiers with a linear head.
func NewClassifierMixer(srcClasses, dstClasses []string) *Mixer {
	return &Mixer{
		SrcClasses: srcClasses,
		DstClasses: dstClasses,
		Patterns:   ClassifierHeadPatterns(),
		MaxLevels:  1,
	}
}

// WithPrefix sets the checkpoint parameter name prefix and returns the Mixer.
func (m *Mixer) WithPrefix(prefix string) *Mixer {
	m.Prefix = prefix
	return m
}

// MixedParam reports one mixed parameter.
type MixedParam struct {
	Name       string
	Src, Dst   Layout
	RowsCopied int
}

// Report of a Transform.
type Report struct {
	// Pattern used, empty if no pattern matched the checkpoint.
	Pattern string

	// Mapping from destination class to source class, background included.
	Mapping taskadapt.ClassMapping

	Mixed   []MixedParam
	Skipped []string
	Levels  int
}

// String implements fmt.Stringer.
func (r Report) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "pattern=%q levels=%d mapping=%s", r.Pattern, r.Levels, r.Mapping)
	for _, p := range r.Mixed {
		_, _ = fmt.Fprintf(&sb, "\n  %s: %dx%d -> %dx%d, %d rows", p.Name,
			p.Src.NumAnchors, p.Src.NumClasses, p.Dst.NumAnchors, p.Dst.NumClasses, p.RowsCopied)
	}
	for _, name := range r.Skipped {
		_, _ = fmt.Fprintf(&sb, "\n  skipped %s", name)
	}
	return sb.String()
}

func (m *Mixer) classes() (src, dst []string) {
	if m.Background {
		return taskadapt.WithBackground(m.SrcClasses), taskadapt.WithBackground(m.DstClasses)
	}
	return m.SrcClasses, m.DstClasses
}

// Transform returns a new checkpoint state where each class-dependent parameter is replaced by a clone of
// the corresponding model parameter, with the rows of the classes known by the checkpoint copied over from
// the checkpoint. Parameters not involved are shared with checkpoint. Neither model nor checkpoint is modified.
//
// Levels are probed in order, and probing stops at the first level without any parameter in both states.
// A parameter missing in either state is skipped (and logged) along with the remaining ones of its level.
func (m *Mixer) Transform(model, checkpoint checkpoints.StateDict) (mixed checkpoints.StateDict, report Report, err error) {
	mixed = checkpoint.Clone()
	srcClasses, dstClasses := m.classes()
	report.Mapping = taskadapt.MapClassNames(srcClasses, dstClasses)
	klog.Infof("weight mixing: %q -> %q", srcClasses, dstClasses)

	var pattern *HeadPattern
	for ii := range m.Patterns {
		if _, found := checkpoint[m.Prefix+m.Patterns[ii].Probe]; found {
			pattern = &m.Patterns[ii]
			break
		}
	}
	if pattern == nil {
		klog.Infof("weight mixing: no class-dependent head parameters found with prefix %q", m.Prefix)
		return
	}
	report.Pattern = pattern.Name

	numLevels := 1
	if pattern.Leveled {
		numLevels = max(m.MaxLevels, 1)
	}
	for level := range numLevels {
		levelFound := false
		for _, name := range pattern.ParamNames(level) {
			ckptName := m.Prefix + name
			modelParam, inModel := model[name]
			ckptParam, inCheckpoint := checkpoint[ckptName]
			if !inModel || !inCheckpoint {
				klog.V(1).Infof("Skipping weight copy: %s", ckptName)
				report.Skipped = append(report.Skipped, ckptName)
				break
			}
			levelFound = true

			param := modelParam.LocalClone()
			var copied int
			copied, err = MixRows(param, ckptParam, report.Mapping, len(dstClasses), len(srcClasses))
			if err != nil {
				err = errors.WithMessagef(err, "mixing %q", ckptName)
				return nil, report, err
			}
			mp := MixedParam{
				Name:       ckptName,
				Src:        RowLayout(ckptParam, len(srcClasses)),
				Dst:        RowLayout(param, len(dstClasses)),
				RowsCopied: copied,
			}
			klog.V(1).Infof("Mixing %s: %dx%d -> %dx%d anchors", name,
				mp.Src.NumAnchors, mp.Src.NumClasses, mp.Dst.NumAnchors, mp.Dst.NumClasses)
			report.Mixed = append(report.Mixed, mp)
			mixed[ckptName] = param
		}
		if !levelFound {
			break
		}
		report.Levels++
	}
	return
}

const (
	teacherPrefix = "model_t."
	studentPrefix = "model_s."
)

// TeacherState returns the state of a teacher/student detector as seen from outside: the teacher's
// parameters without their "model_t." qualifier. Student parameters are kept as auxiliary entries.
func TeacherState(state checkpoints.StateDict) checkpoints.StateDict {
	out := make(checkpoints.StateDict, len(state))
	for name, t := range state {
		out[strings.ReplaceAll(name, teacherPrefix, "")] = t
	}
	return out
}

// RedirectToTeacher prepares a plain detector state to be loaded into a teacher/student detector: every
// parameter not belonging to the student is loaded into the teacher.
func RedirectToTeacher(state checkpoints.StateDict) checkpoints.StateDict {
	out := make(checkpoints.StateDict, len(state))
	for name, t := range state {
		if !strings.Contains(name, studentPrefix) {
			name = teacherPrefix + name
		}
		out[name] = t
	}
	return out
}
