// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a distillation with progressive pruning run, as read from
// a YAML file and optionally modified by command-line overrides.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/kdp/pkg/ml/datasets"
	"github.com/gomlx/kdp/pkg/ml/models"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/pruning"
	"github.com/gomlx/kdp/pkg/ml/train/kdp"
	"github.com/gomlx/kdp/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config of a run.
type Config struct {
	Model        models.CNNConfig            `yaml:"model"`
	Dataset      datasets.SyntheticConfig    `yaml:"dataset"`
	EvalDataset  *datasets.SyntheticConfig   `yaml:"eval_dataset,omitempty"`
	Training     Training                    `yaml:"training"`
	Optimizer    optimizers.Config           `yaml:"optimizer"`
	Scheduler    *optimizers.SchedulerConfig `yaml:"scheduler,omitempty"`
	Pruning      Pruning                     `yaml:"pruning"`
	Distillation Distillation                `yaml:"distillation"`
	Checkpoint   Checkpoint                  `yaml:"checkpoint"`
}

// Training loop settings.
type Training struct {
	// Epochs of distillation.
	Epochs int `yaml:"epochs"`

	// PretrainEpochs the teacher is trained on the labels before distillation starts. 0 skips it.
	PretrainEpochs int `yaml:"pretrain_epochs"`

	BatchSize int `yaml:"batch_size"`

	// ShuffleSeed for the training dataset. 0 disables shuffling.
	ShuffleSeed uint64 `yaml:"shuffle_seed"`

	// StepsPerEpoch caps the number of training batches of each epoch (pretraining included). 0 uses
	// the whole dataset.
	StepsPerEpoch int `yaml:"steps_per_epoch,omitempty"`

	// Parallelism is the number of goroutines used by the layers to process the examples of a batch.
	// 0 keeps the default (the number of CPUs), 1 runs sequentially and -1 is unlimited.
	Parallelism int `yaml:"parallelism,omitempty"`
}

// Pruning settings: the pruner defaults and the plan.
type Pruning struct {
	CompressRate          float64            `yaml:"compress_rate"`
	Transform             nn.SeparableConfig `yaml:"transform"`
	Seed                  uint64             `yaml:"seed"`
	PruningPlan           kdp.Plan           `yaml:"pruning_plan"`
	KeepReplacedTrainable bool               `yaml:"keep_replaced_trainable"`
}

// Distillation loss settings. The loss is
// CrossEntropyWeight*CE(student, labels) + DistillWeight*KD(student, teacher) + HintWeight*Hint.
type Distillation struct {
	HintLayers         []string `yaml:"hint_layers"`
	Temperature        float64  `yaml:"temperature"`
	CrossEntropyWeight float64  `yaml:"cross_entropy_weight"`
	DistillWeight      float64  `yaml:"distill_weight"`
	HintWeight         float64  `yaml:"hint_weight"`
}

// Checkpoint settings. Checkpoints are disabled if Dir is empty.
type Checkpoint struct {
	Dir string `yaml:"dir"`

	// Keep this many checkpoints, -1 to keep all.
	Keep int `yaml:"keep"`
}

// PrunerConfig returns the configuration for pruning.New.
func (p Pruning) PrunerConfig() pruning.Config {
	return pruning.Config{CompressRate: p.CompressRate, Transform: p.Transform, Seed: p.Seed}
}

// Default returns the configuration used when no file is given: a small CNN on synthetic 1x8x8 images,
// pruning one convolution per epoch.
func Default() *Config {
	model := models.DefaultCNNConfig()
	convs := model.ConvPaths()
	lr := 0.02
	return &Config{
		Model: model,
		Dataset: datasets.SyntheticConfig{
			NumExamples: 256,
			NumClasses:  model.NumClasses,
			Channels:    model.Channels,
			Height:      model.Height,
			Width:       model.Width,
			Noise:       0.3,
			Seed:        1,
		},
		Training: Training{Epochs: 5, PretrainEpochs: 3, BatchSize: 32, ShuffleSeed: 7},
		Optimizer: optimizers.Config{
			Type: "sgd",
			Args: map[string]any{"lr": 0.05, "momentum": 0.9},
		},
		Scheduler: &optimizers.SchedulerConfig{
			Type: "step",
			Args: map[string]any{"step_size": 2, "gamma": 0.5},
		},
		Pruning: Pruning{
			CompressRate: 0.5,
			Transform:    nn.DefaultSeparableConfig,
			Seed:         3,
			PruningPlan: kdp.Plan{
				{Name: convs[0], Epoch: 1},
				{Name: convs[1], Epoch: 2, LR: &lr},
				{Name: convs[2], Epoch: 3},
			},
		},
		Distillation: Distillation{
			HintLayers:         convs,
			Temperature:        4,
			CrossEntropyWeight: 1,
			DistillWeight:      0.5,
			HintWeight:         1,
		},
		Checkpoint: Checkpoint{Keep: 1},
	}
}

// Load reads the configuration from the YAML file in path. Fields not set in the file keep the values of
// Default. Unknown fields are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open configuration file")
	}
	defer func() { _ = f.Close() }()
	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// Parse reads a YAML configuration from r, on top of Default.
//
// The optimizer and scheduler sections, if present, replace the default ones as a whole, so that
// arguments of the default optimizer don't leak into a different one.
func Parse(r io.Reader) (*Config, error) {
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration")
	}
	var sections map[string]any
	if err = yaml.Unmarshal(contents, &sections); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration")
	}
	cfg := Default()
	if _, found := sections["optimizer"]; found {
		cfg.Optimizer = optimizers.Config{}
	}
	if _, found := sections["scheduler"]; found {
		cfg.Scheduler = nil
	}
	if err = decodeInto(bytes.NewReader(contents), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to parse configuration")
	}
	return nil
}

// Marshal the configuration to YAML.
func (cfg *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to encode configuration")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed to encode configuration")
	}
	return buf.Bytes(), nil
}

// Validate the configuration. Plan entries scheduled after the last epoch are only warned about.
func (cfg *Config) Validate() error {
	if err := cfg.Model.Validate(); err != nil {
		return err
	}
	for name, ds := range map[string]*datasets.SyntheticConfig{"dataset": &cfg.Dataset, "eval_dataset": cfg.EvalDataset} {
		if ds == nil {
			continue
		}
		if err := ds.Validate(); err != nil {
			return errors.WithMessagef(err, "%s", name)
		}
		if ds.NumClasses != cfg.Model.NumClasses || ds.Channels != cfg.Model.Channels ||
			ds.Height != cfg.Model.Height || ds.Width != cfg.Model.Width {
			return errors.Errorf("%s shape (%d classes, %dx%dx%d) doesn't match the model (%d classes, %dx%dx%d)",
				name, ds.NumClasses, ds.Channels, ds.Height, ds.Width,
				cfg.Model.NumClasses, cfg.Model.Channels, cfg.Model.Height, cfg.Model.Width)
		}
	}
	t := cfg.Training
	if t.Epochs <= 0 || t.BatchSize <= 0 || t.PretrainEpochs < 0 {
		return errors.Errorf("training: epochs and batch_size must be > 0 and pretrain_epochs >= 0, got %+v", t)
	}
	if t.StepsPerEpoch < 0 || t.Parallelism < -1 {
		return errors.Errorf("training: steps_per_epoch must be >= 0 and parallelism >= -1, got %+v", t)
	}
	if _, err := cfg.Optimizer.Factory(); err != nil {
		return errors.WithMessage(err, "optimizer")
	}
	if cfg.Scheduler != nil {
		if _, err := cfg.Scheduler.Factory(); err != nil {
			return errors.WithMessage(err, "scheduler")
		}
	}
	if _, err := pruning.New(cfg.Pruning.PrunerConfig()); err != nil {
		return errors.WithMessage(err, "pruning")
	}
	if err := cfg.Pruning.PruningPlan.Validate(); err != nil {
		return err
	}
	if last := cfg.Pruning.PruningPlan.LastEpoch(); last > t.Epochs {
		klog.Warningf("pruning plan has entries for epoch %d, but training runs only %d epochs", last, t.Epochs)
	}
	d := cfg.Distillation
	for _, path := range d.HintLayers {
		if _, err := nn.ParsePath(path); err != nil {
			return errors.WithMessage(err, "distillation.hint_layers")
		}
	}
	if d.Temperature <= 0 {
		return errors.Errorf("distillation.temperature must be > 0, got %g", d.Temperature)
	}
	if d.CrossEntropyWeight < 0 || d.DistillWeight < 0 || d.HintWeight < 0 {
		return errors.Errorf("distillation weights must be >= 0, got %+v", d)
	}
	if d.CrossEntropyWeight+d.DistillWeight+d.HintWeight == 0 {
		return errors.New("distillation: at least one loss weight must be > 0")
	}
	if cfg.Checkpoint.Dir != "" && (cfg.Checkpoint.Keep == 0 || cfg.Checkpoint.Keep < -1) {
		return errors.Errorf("checkpoint.keep must be -1 or > 0, got %d", cfg.Checkpoint.Keep)
	}
	return nil
}
