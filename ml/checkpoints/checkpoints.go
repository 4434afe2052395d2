// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of model weights (a StateDict) together with the
// ModelMeta describing the label space the weights were trained on.
//
// A checkpoint directory holds pairs of files sharing a base name: a JSON metadata file and a binary
// file with the raw contents of each parameter, concatenated. Base names sort in creation order:
//
//	checkpoint-n0000003-20240101-120000-step-00001000.json
//	checkpoint-n0000003-20240101-120000-step-00001000.bin
//
// The Handler is created with Build, configured with the various options and finally with Config.Done:
//
//	handler, err := checkpoints.Build().Dir(*flagCheckpoint).Keep(3).Done()
//	…
//	_, err = handler.Save(state, checkpoints.ModelMeta{Classes: classes}, globalStep)
//
// Stages usually only need ReadMeta and Load, which accept either a checkpoint directory (the latest
// checkpoint is used) or the path to one checkpoint's metadata file.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/data"
)

// DirPermMode is the permission (before umask) of the directories created for checkpoints.
var DirPermMode = os.FileMode(0770)

// Config of a Handler, created with Build. Configuration errors are kept and returned by Done.
type Config struct {
	err  error
	dir  string
	keep int
}

// Build returns a Config for a Handler. Dir must be set before calling Done.
func Build() *Config {
	return &Config{keep: 1}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the checkpoints directory, creating it if needed. A leading "~" is expanded to the home directory.
func (c *Config) Dir(dir string) *Config {
	c.dir = data.ReplaceTildeInDir(dir)
	switch fi, err := os.Stat(c.dir); {
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.dir, DirPermMode); err != nil {
			c.setError(errors.Wrapf(err, "creating checkpoints directory %q", c.dir))
		}
	case err != nil:
		c.setError(errors.Wrapf(err, "checking checkpoints directory %q", c.dir))
	case !fi.IsDir():
		c.setError(errors.Errorf("checkpoints directory %q is a file", c.dir))
	}
	return c
}

// Keep sets how many checkpoints are kept when saving a new one, -1 to keep them all. Default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done returns the configured Handler, or the first configuration error.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints directory not configured")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	return h, nil
}

// Handler saves and loads checkpoints in one directory. See example in package documentation.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	Meta ModelMeta

	// Variables in the order they are stored in the binary file.
	Variables []serializedVar
}

// serializedVar contains information about the parameter that was serialized.
type serializedVar struct {
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the shape.
	DType dtypes.DType

	// Pos, Length in bytes in the file.
	Pos, Length int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base file name of the checkpoints in the directory in time order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	return listCheckpoints(h.config.dir)
}

func listCheckpoints(dir string) (checkpoints []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, jsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// Latest returns the base name of the most recent checkpoint, or an error if there are none.
func (h *Handler) Latest() (string, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.Errorf("%s has no checkpoints", h)
	}
	return list[len(list)-1], nil
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// Save creates a new checkpoint with the given parameters and meta, and returns its base name.
// Parameters are stored sorted by name. Older checkpoints beyond the configured Keep are removed.
func (h *Handler) Save(state StateDict, meta ModelMeta, globalStep int64) (baseName string, err error) {
	baseName = h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}

	serialized := serializedData{
		Meta:      meta,
		Variables: make([]serializedVar, 0, len(state)),
	}
	pos := 0
	for _, name := range state.Names() {
		value := state[name]
		var n int
		var rawLen int
		value.ConstBytes(func(rawData []byte) {
			rawLen = len(rawData)
			n, err = varFile.Write(rawData)
		})
		if err != nil {
			_ = varFile.Close()
			return "", errors.Wrapf(err, "%s: failed to write parameter %s", h, name)
		}
		if n != rawLen {
			_ = varFile.Close()
			return "", errors.Errorf("%s: failed to write parameter %s -- %d bytes requested, %d bytes written", h, name, rawLen, n)
		}
		shape := value.Shape()
		serialized.Variables = append(serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    shape.Dimensions,
			DType:         shape.DType,
			Pos:           pos,
			Length:        rawLen,
		})
		pos += rawLen
	}
	if err = varFile.Close(); err != nil {
		return "", errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	// The metadata is written last: a checkpoint is only listed once its json file exists.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = jsonFile.Close()
		return "", errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return "", errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("saved checkpoint %q: %d parameters, %s", baseName, len(state), humanize.Bytes(uint64(pos)))

	// Remove excess checkpoints.
	return baseName, h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{jsonNameSuffix, varDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// Load reads the parameters and meta of the checkpoint with the given base name.
func (h *Handler) Load(baseName string) (StateDict, ModelMeta, error) {
	return loadCheckpoint(h.config.dir, baseName)
}

// LoadLatest reads the most recent checkpoint.
func (h *Handler) LoadLatest() (StateDict, ModelMeta, error) {
	baseName, err := h.Latest()
	if err != nil {
		return nil, ModelMeta{}, err
	}
	return h.Load(baseName)
}

// LoadMeta reads only the metadata of the checkpoint with the given base name.
func (h *Handler) LoadMeta(baseName string) (ModelMeta, error) {
	serialized, err := readSerialized(h.config.dir, baseName)
	if err != nil {
		return ModelMeta{}, err
	}
	return serialized.Meta, nil
}

func readSerialized(dir, baseName string) (*serializedData, error) {
	jsonFileName := filepath.Join(dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint metadata file %s", jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	var serialized *serializedData
	if err = json.NewDecoder(jsonFile).Decode(&serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to decode contents of checkpoint metadata file %s", jsonFileName)
	}
	if serialized == nil {
		return nil, errors.Errorf("checkpoint metadata file %s is empty", jsonFileName)
	}
	return serialized, nil
}

func loadCheckpoint(dir, baseName string) (StateDict, ModelMeta, error) {
	if klog.V(1).Enabled() {
		klog.Infof("loading: %q\n", baseName)
	}
	serialized, err := readSerialized(dir, baseName)
	if err != nil {
		return nil, ModelMeta{}, err
	}
	varFileName := filepath.Join(dir, baseName+varDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return nil, ModelMeta{}, errors.Wrapf(err, "failed to open checkpoint data file %s", varFileName)
	}
	defer func() { _ = varFile.Close() }()

	state := make(StateDict, len(serialized.Variables))
	for _, varInfo := range serialized.Variables {
		value := tensors.FromShape(shapes.Make(varInfo.DType, varInfo.Dimensions...))
		section := io.NewSectionReader(varFile, int64(varInfo.Pos), int64(varInfo.Length))
		var n, rawLen int
		value.MutableBytes(func(rawBytes []byte) {
			rawLen = len(rawBytes)
			n, err = io.ReadFull(section, rawBytes)
		})
		if err != nil {
			return nil, ModelMeta{}, errors.Wrapf(err, "failed to read parameter %q of checkpoint data file %s at position %d",
				varInfo.ParameterName, varFileName, varInfo.Pos)
		}
		if n != rawLen || rawLen != varInfo.Length {
			return nil, ModelMeta{}, errors.Errorf("failed to read parameter %q of checkpoint data file %s "+
				"at position %d -- read %d bytes, wanted %d bytes", varInfo.ParameterName, varFileName, varInfo.Pos, n, varInfo.Length)
		}
		state[varInfo.ParameterName] = value
	}
	return state, serialized.Meta, nil
}

// resolve splits a checkpoint path into directory and base name. The path can be a checkpoint
// directory (its latest checkpoint is used), a checkpoint's json or bin file, or a base name path.
func resolve(checkpointPath string) (dir, baseName string, err error) {
	checkpointPath = data.ReplaceTildeInDir(checkpointPath)
	fi, err := os.Stat(checkpointPath)
	if err == nil && fi.IsDir() {
		list, err := listCheckpoints(checkpointPath)
		if err != nil {
			return "", "", err
		}
		if len(list) == 0 {
			return "", "", errors.Errorf("no checkpoints found in %q", checkpointPath)
		}
		return checkpointPath, list[len(list)-1], nil
	}
	dir, baseName = filepath.Split(checkpointPath)
	baseName = strings.TrimSuffix(strings.TrimSuffix(baseName, jsonNameSuffix), varDataSuffix)
	if !data.FileExists(filepath.Join(dir, baseName+jsonNameSuffix)) {
		return "", "", errors.Errorf("checkpoint %q not found", checkpointPath)
	}
	return dir, baseName, nil
}

// ReadMeta reads the ModelMeta of the checkpoint at checkpointPath. See Load for the accepted paths.
func ReadMeta(checkpointPath string) (ModelMeta, error) {
	if strings.HasSuffix(checkpointPath, SafetensorsSuffix) {
		return ReadSafetensorsMeta(checkpointPath)
	}
	dir, baseName, err := resolve(checkpointPath)
	if err != nil {
		return ModelMeta{}, err
	}
	serialized, err := readSerialized(dir, baseName)
	if err != nil {
		return ModelMeta{}, err
	}
	return serialized.Meta, nil
}

// Load reads the parameters and meta of the checkpoint at checkpointPath: either a checkpoint directory,
// in which case the most recent checkpoint is used, the path to one checkpoint's json or bin file, or a
// .safetensors file.
func Load(checkpointPath string) (StateDict, ModelMeta, error) {
	if strings.HasSuffix(checkpointPath, SafetensorsSuffix) {
		return ReadSafetensors(checkpointPath)
	}
	dir, baseName, err := resolve(checkpointPath)
	if err != nil {
		return nil, ModelMeta{}, err
	}
	return loadCheckpoint(dir, baseName)
}
