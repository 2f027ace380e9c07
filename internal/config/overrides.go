// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ApplyOverrides modifies the configuration with the given settings, typically given in the command line.
//
// Each setting has the format "<key>=<value>", where key is a dotted path into the YAML configuration,
// e.g. "training.epochs=10" or "optimizer.args.lr=0.01". Elements of lists are addressed by index:
// "pruning.pruning_plan.0.epoch=2". The value is parsed as YAML, so "[8,16]" sets a list and
// "{name: features.2, epoch: 3}" a whole plan entry. A setting may also hold several settings separated by
// ";", and "file:<path>" reads settings from a file, one or more per line, skipping empty lines and lines
// starting with "#".
//
// Unknown keys are an error. cfg is only modified if all settings are applied successfully.
// It returns the keys that were set.
func (cfg *Config) ApplyOverrides(settings ...string) (keysSet []string, err error) {
	tree, err := cfg.toTree()
	if err != nil {
		return nil, err
	}
	for _, setting := range settings {
		keysSet, err = applySettings(tree, setting, keysSet)
		if err != nil {
			return nil, err
		}
	}
	contents, err := yaml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode configuration with overrides")
	}
	newCfg := &Config{}
	if err = decodeInto(bytes.NewReader(contents), newCfg); err != nil {
		return nil, errors.WithMessagef(err, "applying overrides %q", keysSet)
	}
	*cfg = *newCfg
	return keysSet, nil
}

func (cfg *Config) toTree() (map[string]any, error) {
	contents, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	tree := make(map[string]any)
	if err = yaml.Unmarshal(contents, &tree); err != nil {
		return nil, errors.Wrapf(err, "failed to convert configuration")
	}
	return tree, nil
}

func applySettings(tree map[string]any, settings string, keysSet []string) ([]string, error) {
	var err error
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
			contents, err := os.ReadFile(filePath)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
			}
			for _, line := range strings.Split(string(contents), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				if keysSet, err = applySettings(tree, line, keysSet); err != nil {
					return nil, err
				}
			}
			continue
		}
		key, valueStr, found := strings.Cut(setting, "=")
		if !found || key == "" {
			return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		var value any
		if err = yaml.Unmarshal([]byte(valueStr), &value); err != nil {
			return nil, errors.Wrapf(err, "failed to parse value %q for %q", valueStr, key)
		}
		if err = setKey(tree, strings.Split(key, "."), value); err != nil {
			return nil, errors.WithMessagef(err, "setting %q", key)
		}
		keysSet = append(keysSet, key)
	}
	return keysSet, nil
}

// setKey sets value in the path of keys of the tree decoded from YAML. Missing maps are created, so
// that optional sections (e.g. scheduler) can be set; unknown keys are caught when decoding the result.
func setKey(node any, keys []string, value any) error {
	key := keys[0]
	last := len(keys) == 1
	switch n := node.(type) {
	case map[string]any:
		if last {
			n[key] = value
			return nil
		}
		child, found := n[key]
		if !found || child == nil {
			child = make(map[string]any)
			n[key] = child
		}
		return setKey(child, keys[1:], value)
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(n) {
			return errors.Errorf("invalid list index %q (list has %d elements), to add elements set the whole list", key, len(n))
		}
		if last {
			n[idx] = value
			return nil
		}
		return setKey(n[idx], keys[1:], value)
	default:
		return errors.Errorf("key %q is not inside a section or list", key)
	}
}
