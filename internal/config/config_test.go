// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// Marshal and parse back gives the same configuration.
	contents := must.M1(cfg.Marshal())
	parsed := must.M1(Parse(strings.NewReader(string(contents))))
	assert.Equal(t, must.M1(cfg.Marshal()), must.M1(parsed.Marshal()))
}

func TestLoadExample(t *testing.T) {
	cfg := must.M1(Load(filepath.Join("..", "..", "cmd", "kdp", "example.yaml")))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.Training.Epochs)
	require.Len(t, cfg.Pruning.PruningPlan, 3)
	entry := cfg.Pruning.PruningPlan[1]
	assert.Equal(t, "features.2", entry.Name)
	require.NotNil(t, entry.CompressRate)
	assert.Equal(t, 0.75, *entry.CompressRate)
	require.NotNil(t, entry.LR)
	assert.Equal(t, 0.02, *entry.LR)
	assert.Nil(t, cfg.Pruning.PruningPlan[0].LR)
	require.NotNil(t, cfg.EvalDataset)
	assert.Equal(t, 128, cfg.EvalDataset.NumExamples)
}

func TestParse(t *testing.T) {
	// Partial files keep the defaults.
	cfg := must.M1(Parse(strings.NewReader("training:\n  epochs: 9\n")))
	assert.Equal(t, 9, cfg.Training.Epochs)
	assert.Equal(t, Default().Training.BatchSize, cfg.Training.BatchSize)
	assert.Equal(t, "sgd", cfg.Optimizer.Type)

	// The optimizer section is replaced as a whole.
	cfg = must.M1(Parse(strings.NewReader("optimizer:\n  type: adam\n  args: {lr: 0.001}\n")))
	assert.Equal(t, map[string]any{"lr": 0.001}, cfg.Optimizer.Args)
	require.NoError(t, cfg.Validate())

	// Unknown fields.
	_, err := Parse(strings.NewReader("training:\n  epoch: 9\n"))
	require.ErrorContains(t, err, "epoch")

	// Empty file.
	cfg = must.M1(Parse(strings.NewReader("")))
	assert.Equal(t, Default().Training, cfg.Training)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(cfg *Config){
		"dataset mismatch":   func(cfg *Config) { cfg.Dataset.NumClasses = 3 },
		"no epochs":          func(cfg *Config) { cfg.Training.Epochs = 0 },
		"unknown optimizer":  func(cfg *Config) { cfg.Optimizer.Type = "rmsprop" },
		"bad scheduler args": func(cfg *Config) { cfg.Scheduler.Args = map[string]any{"foo": 1} },
		"bad compress rate":  func(cfg *Config) { cfg.Pruning.CompressRate = 1.5 },
		"nested plan": func(cfg *Config) {
			cfg.Pruning.PruningPlan[1].Name = cfg.Pruning.PruningPlan[0].Name + ".weight"
		},
		"bad hint path":      func(cfg *Config) { cfg.Distillation.HintLayers = []string{"features..0"} },
		"zero temperature":   func(cfg *Config) { cfg.Distillation.Temperature = 0 },
		"no loss":            func(cfg *Config) { cfg.Distillation = Distillation{Temperature: 1} },
		"bad keep":           func(cfg *Config) { cfg.Checkpoint = Checkpoint{Dir: "/tmp/x", Keep: 0} },
		"negative steps":     func(cfg *Config) { cfg.Training.StepsPerEpoch = -1 },
		"bad parallelism":    func(cfg *Config) { cfg.Training.Parallelism = -2 },
	} {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	// Plan entries after the last epoch are allowed.
	cfg := Default()
	cfg.Training.Epochs = 1
	assert.NoError(t, cfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	keys, err := cfg.ApplyOverrides(
		"training.epochs=12;optimizer.args.lr=0.1",
		"pruning.pruning_plan.0.epoch=2",
		"pruning.pruning_plan.1.compress_rate=0.25",
		"model.filters=[4,4,4]",
		"checkpoint.dir=/tmp/kdp",
		"training.steps_per_epoch=3;training.parallelism=2",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"training.epochs", "optimizer.args.lr", "pruning.pruning_plan.0.epoch",
		"pruning.pruning_plan.1.compress_rate", "model.filters", "checkpoint.dir",
		"training.steps_per_epoch", "training.parallelism"}, keys)
	assert.Equal(t, 12, cfg.Training.Epochs)
	assert.Equal(t, 0.1, cfg.Optimizer.Args["lr"])
	assert.Equal(t, 0.9, cfg.Optimizer.Args["momentum"])
	assert.Equal(t, 2, cfg.Pruning.PruningPlan[0].Epoch)
	require.NotNil(t, cfg.Pruning.PruningPlan[1].CompressRate)
	assert.Equal(t, 0.25, *cfg.Pruning.PruningPlan[1].CompressRate)
	assert.Equal(t, []int{4, 4, 4}, cfg.Model.Filters)
	assert.Equal(t, "/tmp/kdp", cfg.Checkpoint.Dir)
	assert.Equal(t, 3, cfg.Training.StepsPerEpoch)
	assert.Equal(t, 2, cfg.Training.Parallelism)
	require.NoError(t, cfg.Validate())

	// Settings from a file.
	settingsFile := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsFile, []byte("# comment\n\ntraining.batch_size=8\ndistillation.temperature=2;distillation.hint_weight=0\n"), 0o644))
	keys = must.M1(cfg.ApplyOverrides("file:" + settingsFile))
	assert.Len(t, keys, 3)
	assert.Equal(t, 8, cfg.Training.BatchSize)
	assert.Equal(t, 2.0, cfg.Distillation.Temperature)
	assert.Zero(t, cfg.Distillation.HintWeight)

	// Failures leave cfg unchanged.
	before := must.M1(cfg.Marshal())
	for _, setting := range []string{
		"training.nope=1",
		"training.epochs",
		"pruning.pruning_plan.7.epoch=1",
		"training.epochs.x=1",
		"training.epochs=[1",
		"file:/does/not/exist",
	} {
		_, err := cfg.ApplyOverrides(setting)
		assert.Error(t, err, setting)
	}
	assert.Equal(t, before, must.M1(cfg.Marshal()))
}
