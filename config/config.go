// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds recipe configurations: nested trees of settings for the model, the data,
// the optimizer and the training hooks, addressed with dotted paths like "model.head.num_classes".
//
// A Config is a map of string keys to values, where values are scalars, lists ([]any) or nested
// maps. Sub-trees returned by Sub are shared with their parent, so stages can edit a section in place.
//
// Configurations are loaded from YAML, JSON or TOML files (see LoadFile), merged with Merge, and
// typed sections are decoded into structs with Decode.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config is a nested configuration tree.
type Config map[string]any

// DeleteKey, when set to true in a map being merged, replaces the destination map instead of merging into it.
const DeleteKey = "_delete_"

// New returns an empty Config.
func New() Config { return Config{} }

// FromMap converts m into a Config, normalizing nested maps (including map[any]any) into Config.
// The values are not copied: use Clone for that.
func FromMap(m map[string]any) Config {
	return normalize(m).(Config)
}

func normalize(value any) any {
	switch v := value.(type) {
	case Config:
		for key, elem := range v {
			v[key] = normalize(elem)
		}
		return v
	case map[string]any:
		c := make(Config, len(v))
		for key, elem := range v {
			c[key] = normalize(elem)
		}
		return c
	case map[any]any:
		c := make(Config, len(v))
		for key, elem := range v {
			c[fmt.Sprint(key)] = normalize(elem)
		}
		return c
	case []any:
		for ii, elem := range v {
			v[ii] = normalize(elem)
		}
		return v
	case []map[string]any:
		list := make([]any, len(v))
		for ii, elem := range v {
			list[ii] = normalize(elem)
		}
		return list
	case []Config:
		list := make([]any, len(v))
		for ii, elem := range v {
			list[ii] = elem
		}
		return list
	}
	return value
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get returns the value at the dotted path.
func (c Config) Get(path string) (value any, found bool) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return c, true
	}
	node := c
	for ii, key := range keys {
		value, found = node[key]
		if !found {
			return nil, false
		}
		if ii == len(keys)-1 {
			return value, true
		}
		node, found = value.(Config)
		if !found {
			return nil, false
		}
	}
	return nil, false
}

// Has returns whether there is a value (possibly nil) at the dotted path.
func (c Config) Has(path string) bool {
	_, found := c.Get(path)
	return found
}

// Set the value at the dotted path, creating intermediary sections as needed. Maps are normalized to Config.
// It returns an error if an intermediary key holds a value that is not a section.
func (c Config) Set(path string, value any) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return errors.New("config: cannot set an empty path")
	}
	node := c
	for ii, key := range keys[:len(keys)-1] {
		next, found := node[key]
		if !found || next == nil {
			sub := Config{}
			node[key] = sub
			node = sub
			continue
		}
		sub, ok := next.(Config)
		if !ok {
			return errors.Errorf("config: cannot set %q, %q holds a %T", path, strings.Join(keys[:ii+1], "."), next)
		}
		node = sub
	}
	node[keys[len(keys)-1]] = normalize(value)
	return nil
}

// MustSet is like Set, but panics on error. Use it for paths whose sections are known to exist.
func (c Config) MustSet(path string, value any) {
	if err := c.Set(path, value); err != nil {
		panic(err)
	}
}

// Pop removes and returns the value at the dotted path.
func (c Config) Pop(path string) (value any, found bool) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil, false
	}
	parent := c
	if len(keys) > 1 {
		parent, found = c.Sub(strings.Join(keys[:len(keys)-1], "."))
		if !found {
			return nil, false
		}
	}
	last := keys[len(keys)-1]
	value, found = parent[last]
	delete(parent, last)
	return
}

// Sub returns the section at the dotted path. The section is shared: changes to it are seen by c.
func (c Config) Sub(path string) (Config, bool) {
	value, found := c.Get(path)
	if !found {
		return nil, false
	}
	sub, ok := value.(Config)
	return sub, ok
}

// Section returns the section at the dotted path, creating it (and intermediary ones) if missing.
func (c Config) Section(path string) (Config, error) {
	if sub, found := c.Sub(path); found {
		return sub, nil
	}
	if c.Has(path) {
		value, _ := c.Get(path)
		if value != nil {
			return nil, errors.Errorf("config: %q holds a %T, not a section", path, value)
		}
	}
	sub := Config{}
	if err := c.Set(path, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Keys returns the keys of the section, sorted.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the string at path, or defaultValue if it is missing or not a string.
func (c Config) GetString(path, defaultValue string) string {
	if value, found := c.Get(path); found {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return defaultValue
}

// GetBool returns the bool at path, or defaultValue if it is missing or not a bool.
func (c Config) GetBool(path string, defaultValue bool) bool {
	if value, found := c.Get(path); found {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetInt returns the integer at path, or defaultValue if it is missing or not a number.
func (c Config) GetInt(path string, defaultValue int) int {
	if value, found := c.Get(path); found {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case int32:
			return int(v)
		case uint64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// GetFloat returns the number at path, or defaultValue if it is missing or not a number.
func (c Config) GetFloat(path string, defaultValue float64) float64 {
	if value, found := c.Get(path); found {
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return defaultValue
}

// GetStrings returns the list of strings at path. found is false if the path is missing, or if it is
// not a list of strings.
func (c Config) GetStrings(path string) (values []string, found bool) {
	value, found := c.Get(path)
	if !found {
		return nil, false
	}
	return toStrings(value)
}

func toStrings(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, len(v))
		for ii, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, false
			}
			out[ii] = s
		}
		return out, true
	}
	return nil, false
}

// GetList returns the list at path, or nil if it is missing or not a list.
func (c Config) GetList(path string) []any {
	value, _ := c.Get(path)
	list, _ := value.([]any)
	return list
}

// Clone returns a deep copy of the tree: sections and lists are copied, scalars are shared.
func (c Config) Clone() Config {
	return cloneValue(c).(Config)
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Config:
		clone := make(Config, len(v))
		for key, elem := range v {
			clone[key] = cloneValue(elem)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for ii, elem := range v {
			clone[ii] = cloneValue(elem)
		}
		return clone
	case []string:
		return append([]string(nil), v...)
	}
	return value
}

// Merge other into c, recursively: sections are merged key by key, every other value of other replaces
// the one in c. A section of other with DeleteKey set to true replaces the section of c instead.
// Values of other are cloned, so later changes to other don't affect c.
func (c Config) Merge(other Config) {
	for key, value := range other {
		if key == DeleteKey {
			continue
		}
		otherSub, isSection := value.(Config)
		if !isSection {
			c[key] = cloneValue(value)
			continue
		}
		replace, _ := otherSub[DeleteKey].(bool)
		sub, found := c[key].(Config)
		if !found || replace {
			sub = Config{}
			c[key] = sub
		}
		sub.Merge(otherSub)
	}
}

// Merged returns a new Config with other merged into a clone of c.
func (c Config) Merged(other Config) Config {
	merged := c.Clone()
	merged.Merge(other)
	return merged
}

// Decode the section at path (or the whole tree if path is "") into out, a pointer to a struct or map,
// using `mapstructure` field tags. Numbers and strings are converted as needed.
func (c Config) Decode(path string, out any) error {
	value, found := c.Get(path)
	if !found {
		return errors.Errorf("config: %q not found", path)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errors.Wrap(err, "config: creating decoder")
	}
	if err = decoder.Decode(value); err != nil {
		return errors.Wrapf(err, "config: decoding %q", path)
	}
	return nil
}

// Encode converts a struct (with `mapstructure` tags) or map into a section.
func Encode(in any) (Config, error) {
	var m map[string]any
	if err := mapstructure.Decode(in, &m); err != nil {
		return nil, errors.Wrapf(err, "config: encoding %T", in)
	}
	return FromMap(m), nil
}
