// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/1cmy2/model-preparation-algorithm/ml/data"
)

// SafetensorsSuffix is the file suffix of weights exported by PyTorch tooling. Load and ReadMeta accept
// such files directly.
const SafetensorsSuffix = ".safetensors"

// safetensorsMetadataKey holds the free-form string metadata of the file. The ModelMeta is stored in it
// as JSON under the "CLASSES", "tasks" and "extra" keys.
const safetensorsMetadataKey = "__metadata__"

var safetensorsDTypes = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"I16":  dtypes.Int16,
	"I8":   dtypes.Int8,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

type safetensorsEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets []uint64 `json:"data_offsets"`

	name string
}

func (e *safetensorsEntry) shape() (shapes.Shape, error) {
	dtype, found := safetensorsDTypes[e.DType]
	if !found {
		return shapes.Shape{}, errors.Errorf("tensor %q: unsupported dtype %q", e.name, e.DType)
	}
	shape := shapes.Make(dtype, e.Shape...)
	if len(e.Offsets) != 2 || e.Offsets[1] < e.Offsets[0] {
		return shape, errors.Errorf("tensor %q: invalid data_offsets %v", e.name, e.Offsets)
	}
	if size := uintptr(e.Offsets[1] - e.Offsets[0]); size != shape.Memory() {
		return shape, errors.Errorf("tensor %q: shape %s takes %d bytes, but data_offsets reserve %d",
			e.name, shape, shape.Memory(), size)
	}
	return shape, nil
}

// readSafetensorsHeader reads the header of the file: the tensors sorted by their offsets, and the
// string metadata.
func readSafetensorsHeader(r io.Reader) (entries []*safetensorsEntry, metadata map[string]string, err error) {
	var headerLen uint64
	if err = binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read safetensors header length")
	}
	header := make([]byte, headerLen)
	if _, err = io.ReadFull(r, header); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read safetensors header")
	}
	var raw map[string]json.RawMessage
	if err = json.Unmarshal(header, &raw); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	for name, value := range raw {
		if name == safetensorsMetadataKey {
			if err = json.Unmarshal(value, &metadata); err != nil {
				return nil, nil, errors.Wrapf(err, "failed to parse %q", safetensorsMetadataKey)
			}
			continue
		}
		entry := &safetensorsEntry{name: name}
		if err = json.Unmarshal(value, entry); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse header of tensor %q", name)
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *safetensorsEntry) int {
		if len(a.Offsets) == 0 || len(b.Offsets) == 0 {
			return len(a.Offsets) - len(b.Offsets)
		}
		switch {
		case a.Offsets[0] < b.Offsets[0]:
			return -1
		case a.Offsets[0] > b.Offsets[0]:
			return 1
		}
		return 0
	})
	return entries, metadata, nil
}

func metaFromSafetensors(metadata map[string]string) (meta ModelMeta, err error) {
	if classes, found := metadata["CLASSES"]; found {
		if err = json.Unmarshal([]byte(classes), &meta.Classes); err != nil {
			return meta, errors.Wrap(err, "failed to parse CLASSES metadata")
		}
	}
	if tasks, found := metadata["tasks"]; found {
		if err = json.Unmarshal([]byte(tasks), &meta.Tasks); err != nil {
			return meta, errors.Wrap(err, "failed to parse tasks metadata")
		}
	}
	if extra, found := metadata["extra"]; found {
		if err = json.Unmarshal([]byte(extra), &meta.Extra); err != nil {
			return meta, errors.Wrap(err, "failed to parse extra metadata")
		}
	}
	return meta, nil
}

// ReadSafetensors reads all the tensors of a .safetensors file, and the ModelMeta stored in its metadata,
// if any.
func ReadSafetensors(filePath string) (StateDict, ModelMeta, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, ModelMeta{}, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)
	entries, metadata, err := readSafetensorsHeader(r)
	if err != nil {
		return nil, ModelMeta{}, errors.WithMessagef(err, "reading %q", filePath)
	}
	meta, err := metaFromSafetensors(metadata)
	if err != nil {
		return nil, ModelMeta{}, errors.WithMessagef(err, "reading %q", filePath)
	}

	state := make(StateDict, len(entries))
	var offset uint64
	for _, entry := range entries {
		shape, err := entry.shape()
		if err != nil {
			return nil, ModelMeta{}, errors.WithMessagef(err, "reading %q", filePath)
		}
		if entry.Offsets[0] != offset {
			return nil, ModelMeta{}, errors.Errorf("%q: tensor %q data is not contiguous, expected offset %d, got %d",
				filePath, entry.name, offset, entry.Offsets[0])
		}
		offset = entry.Offsets[1]
		value := tensors.FromShape(shape)
		value.MutableBytes(func(rawBytes []byte) {
			_, err = io.ReadFull(r, rawBytes)
		})
		if err != nil {
			return nil, ModelMeta{}, errors.Wrapf(err, "%q: failed to read tensor %q", filePath, entry.name)
		}
		state[entry.name] = value
	}
	klog.V(1).Infof("read %d tensors from %q", len(state), filePath)
	return state, meta, nil
}

// ReadSafetensorsMeta reads only the ModelMeta of a .safetensors file.
func ReadSafetensorsMeta(filePath string) (ModelMeta, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return ModelMeta{}, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	_, metadata, err := readSafetensorsHeader(bufio.NewReader(f))
	if err != nil {
		return ModelMeta{}, errors.WithMessagef(err, "reading %q", filePath)
	}
	return metaFromSafetensors(metadata)
}

// WriteSafetensors writes the state into a .safetensors file, tensors sorted by name, with the ModelMeta
// in its metadata.
func WriteSafetensors(filePath string, state StateDict, meta ModelMeta) error {
	metadata := map[string]string{"format": "pt"}
	values := map[string]any{}
	if len(meta.Classes) > 0 {
		values["CLASSES"] = meta.Classes
	}
	if len(meta.Tasks) > 0 {
		values["tasks"] = meta.Tasks
	}
	if len(meta.Extra) > 0 {
		values["extra"] = meta.Extra
	}
	for key, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to encode %s metadata", key)
		}
		metadata[key] = string(encoded)
	}
	header := map[string]any{safetensorsMetadataKey: metadata}
	names := state.Names()
	var offset uint64
	for _, name := range names {
		value := state[name]
		code := ""
		for c, dtype := range safetensorsDTypes {
			if dtype == value.DType() {
				code = c
				break
			}
		}
		if code == "" {
			return errors.Errorf("tensor %q: dtype %s can not be stored in safetensors", name, value.DType())
		}
		size := uint64(value.Shape().Memory())
		header[name] = safetensorsEntry{DType: code, Shape: value.Shape().Dimensions, Offsets: []uint64{offset, offset + size}}
		offset += size
	}
	encodedHeader, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// The header is padded with spaces to 8 bytes, so the data is aligned.
	if rem := len(encodedHeader) % 8; rem != 0 {
		encodedHeader = append(encodedHeader, []byte(strings.Repeat(" ", 8-rem))...)
	}

	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, uint64(len(encodedHeader)))
	if err == nil {
		_, err = w.Write(encodedHeader)
	}
	for _, name := range names {
		if err != nil {
			break
		}
		state[name].ConstBytes(func(rawBytes []byte) {
			_, err = w.Write(rawBytes)
		})
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}
