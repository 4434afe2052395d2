// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"image"
	"os"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
	"github.com/1cmy2/model-preparation-algorithm/taskadapt"
)

// SegMap is a segmentation label map: one class label per pixel, row-major.
type SegMap struct {
	Width, Height int
	Pix           []uint8
}

// NewSegMap returns a zeroed (all background) label map.
func NewSegMap(width, height int) *SegMap {
	return &SegMap{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the label of pixel (x, y).
func (m *SegMap) At(x, y int) uint8 { return m.Pix[y*m.Width+x] }

// Set the label of pixel (x, y).
func (m *SegMap) Set(x, y int, label uint8) { m.Pix[y*m.Width+x] = label }

// Labels returns whether each label value is present in the map, with SegIgnoreLabel counted as background.
func (m *SegMap) Labels() (present [256]bool) {
	for _, v := range m.Pix {
		if v == SegIgnoreLabel {
			v = 0
		}
		present[v] = true
	}
	return
}

// Gray returns the label map as a grayscale image, pixel intensity being the label.
func (m *SegMap) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	copy(img.Pix, m.Pix)
	return img
}

// Resize returns a new label map resized with nearest-neighbor sampling, so no new label values are created.
func (m *SegMap) Resize(width, height int) *SegMap {
	resized := imaging.Resize(m.Gray(), width, height, imaging.NearestNeighbor)
	out := NewSegMap(width, height)
	for y := range height {
		for x := range width {
			out.Set(x, y, resized.Pix[y*resized.Stride+4*x])
		}
	}
	return out
}

// SegMapFromImage converts a decoded annotation image into a label map. Paletted images use the
// palette index as the label, grayscale images the intensity.
func SegMapFromImage(img image.Image) (*SegMap, error) {
	bounds := img.Bounds()
	m := NewSegMap(bounds.Dx(), bounds.Dy())
	var pix []uint8
	var stride int
	switch typed := img.(type) {
	case *image.Paletted:
		pix, stride = typed.Pix, typed.Stride
	case *image.Gray:
		pix, stride = typed.Pix, typed.Stride
	default:
		return nil, errors.Errorf("segmentation annotation must be a paletted or grayscale image, got %T", img)
	}
	for y := range m.Height {
		copy(m.Pix[y*m.Width:(y+1)*m.Width], pix[y*stride:y*stride+m.Width])
	}
	return m, nil
}

// LoadSegMap reads a label map from an image file (usually ".png").
func LoadSegMap(filePath string) (*SegMap, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open segmentation annotation %q", filePath)
	}
	m, err := SegMapFromImage(img)
	if err != nil {
		return nil, errors.WithMessagef(err, "segmentation annotation %q", filePath)
	}
	return m, nil
}

// SaveSegMap writes the label map as a grayscale image, the format is given by the file extension.
func SaveSegMap(m *SegMap, filePath string) error {
	if err := imaging.Save(m.Gray(), filePath); err != nil {
		return errors.Wrapf(err, "failed to save segmentation map to %q", filePath)
	}
	return nil
}

// newClassLabels returns the pixel values (in the background-prefixed label space of classes) of the new classes.
func newClassLabels(classes, newClasses []string) (isNew [256]bool) {
	full := withSegBackground(classes)
	for _, label := range taskadapt.MapClassNames(full, newClasses) {
		if label > 0 && label < len(isNew) {
			isNew[label] = true
		}
	}
	return
}

// PartitionSegMaps splits the samples into those containing at least one pixel of a new class and those
// that only contain old classes (or background). classes and newClasses don't include the background:
// label i > 0 is classes[i-1].
func PartitionSegMaps(maps []*SegMap, classes, newClasses []string) sampler.Partition {
	isNew := newClassLabels(classes, newClasses)
	var p sampler.Partition
	for ii, m := range maps {
		if hasAnyLabel(m.Labels(), isNew) {
			p.New = append(p.New, ii)
		} else {
			p.Old = append(p.Old, ii)
		}
	}
	return p
}

func hasAnyLabel(present, wanted [256]bool) bool {
	for label := range present {
		if present[label] && wanted[label] {
			return true
		}
	}
	return false
}

// SegIncrDataset is a segmentation dataset on disk prepared for class-incremental training: it knows which
// samples contain new classes. The label maps are read on demand.
type SegIncrDataset struct {
	annDir, suffix      string
	names               []string
	classes, newClasses []string
	partition           sampler.Partition
}

// SegIncrConfig is created with BuildSegIncr and holds the configuration to load a SegIncrDataset.
type SegIncrConfig struct {
	annDir, splitFile, suffix string
	classes, newClasses       []string
	showProgress              bool
}

// BuildSegIncr creates a configuration to load a SegIncrDataset from the annotations directory annDir.
// classes is the full label space (without background) and newClasses its subset being added.
//
// Call Done when finished configuring.
func BuildSegIncr(annDir string, classes, newClasses []string) *SegIncrConfig {
	return &SegIncrConfig{
		annDir:       ReplaceTildeInDir(annDir),
		suffix:       ".png",
		classes:      classes,
		newClasses:   newClasses,
		showProgress: true,
	}
}

// Split sets the file listing the sample names, one per line. If not set, every file in annDir with the
// annotation suffix is a sample.
func (c *SegIncrConfig) Split(splitFile string) *SegIncrConfig {
	c.splitFile = ReplaceTildeInDir(splitFile)
	return c
}

// Suffix sets the annotation file suffix. Default is ".png".
func (c *SegIncrConfig) Suffix(suffix string) *SegIncrConfig {
	c.suffix = suffix
	return c
}

// Progress enables or disables the progress bar while scanning the annotations. Default is true.
func (c *SegIncrConfig) Progress(show bool) *SegIncrConfig {
	c.showProgress = show
	return c
}

// Done reads the split and scans every annotation to partition the samples.
func (c *SegIncrConfig) Done() (*SegIncrDataset, error) {
	names, err := c.sampleNames()
	if err != nil {
		return nil, err
	}
	ds := &SegIncrDataset{
		annDir:     c.annDir,
		suffix:     c.suffix,
		names:      names,
		classes:    c.classes,
		newClasses: c.newClasses,
	}
	isNew := newClassLabels(c.classes, c.newClasses)

	var bar *progressbar.ProgressBar
	if c.showProgress {
		bar = progressbar.NewOptions(len(names),
			progressbar.OptionSetDescription("Scanning segmentation maps"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.Theme{Saucer: "=", SaucerHead: ">", SaucerPadding: " ", BarStart: "[", BarEnd: "]"}),
		)
	}
	for ii := range names {
		m, err := ds.Sample(ii)
		if err != nil {
			return nil, err
		}
		if hasAnyLabel(m.Labels(), isNew) {
			ds.partition.New = append(ds.partition.New, ii)
		} else {
			ds.partition.Old = append(ds.partition.Old, ii)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.Infof("segmentation dataset %q: %d samples, %d with new classes %q",
		c.annDir, len(names), len(ds.partition.New), c.newClasses)
	return ds, nil
}

func (c *SegIncrConfig) sampleNames() ([]string, error) {
	if c.splitFile == "" {
		entries, err := os.ReadDir(c.annDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list annotations directory %q", c.annDir)
		}
		var names []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), c.suffix) {
				names = append(names, strings.TrimSuffix(entry.Name(), c.suffix))
			}
		}
		return names, nil
	}
	f, err := os.Open(c.splitFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split file %q", c.splitFile)
	}
	defer func() { _ = f.Close() }()
	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading split file %q", c.splitFile)
	}
	return names, nil
}

// Len returns the number of samples.
func (ds *SegIncrDataset) Len() int { return len(ds.names) }

// Name of the sample i.
func (ds *SegIncrDataset) Name(i int) string { return ds.names[i] }

// Classes returns the label space (without background) and the new classes.
func (ds *SegIncrDataset) Classes() (classes, newClasses []string) { return ds.classes, ds.newClasses }

// Partition returns the old-only and new-class sample indices.
func (ds *SegIncrDataset) Partition() sampler.Partition { return ds.partition }

// Sample reads the label map of sample i from disk.
func (ds *SegIncrDataset) Sample(i int) (*SegMap, error) {
	if i < 0 || i >= len(ds.names) {
		return nil, errors.Errorf("sample %d out of range, dataset has %d samples", i, len(ds.names))
	}
	return LoadSegMap(path.Join(ds.annDir, ds.names[i]+ds.suffix))
}
