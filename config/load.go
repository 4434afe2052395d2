// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// BaseKey lists files (relative to the including file) to be loaded and merged before the file itself.
const BaseKey = "_base_"

// Parse decodes configuration data. format is "yaml", "json" or "toml".
func Parse(data []byte, format string) (Config, error) {
	m := map[string]any{}
	switch format {
	case "yaml", "yml", "json":
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrapf(err, "config: parsing %s", format)
		}
	case "toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "config: parsing toml")
		}
	default:
		return nil, errors.Errorf("config: unknown format %q", format)
	}
	if m == nil {
		m = map[string]any{}
	}
	return FromMap(m), nil
}

func formatFromPath(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// LoadFile reads the configuration file, the format is given by its extension (.yaml, .yml, .json or .toml).
//
// Files listed under BaseKey are loaded first (recursively) and merged in order, and the file contents
// are merged last.
func LoadFile(path string) (Config, error) {
	return loadFile(path, map[string]bool{})
}

func loadFile(path string, visiting map[string]bool) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: resolving %q", path)
	}
	if visiting[absPath] {
		return nil, errors.Errorf("config: %q includes itself through %s", path, BaseKey)
	}
	visiting[absPath] = true
	defer delete(visiting, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q", path)
	}
	c, err := Parse(data, formatFromPath(absPath))
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", path)
	}
	baseValue, hasBase := c[BaseKey]
	if !hasBase {
		return c, nil
	}
	delete(c, BaseKey)
	var bases []string
	if s, ok := baseValue.(string); ok {
		bases = []string{s}
	} else if bases, ok = toStrings(baseValue); !ok {
		return nil, errors.Errorf("config: %q has an invalid %s, it must be a file name or list of file names", path, BaseKey)
	}
	merged := New()
	for _, base := range bases {
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(absPath), base)
		}
		baseConfig, err := loadFile(base, visiting)
		if err != nil {
			return nil, err
		}
		klog.V(2).Infof("config %q: merged base %q", path, base)
		merged.Merge(baseConfig)
	}
	merged.Merge(c)
	return merged, nil
}

// YAML returns the configuration encoded as YAML, with sorted keys.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return nil, errors.Wrap(err, "config: encoding yaml")
	}
	return data, nil
}

// WriteFile saves the configuration, the format is given by the file extension: TOML for ".toml", YAML otherwise.
func (c Config) WriteFile(path string) error {
	var data []byte
	var err error
	if formatFromPath(path) == "toml" {
		data, err = toml.Marshal(map[string]any(c))
		if err != nil {
			err = errors.Wrap(err, "config: encoding toml")
		}
	} else {
		data, err = c.YAML()
	}
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "config: writing %q", path)
	}
	return nil
}
