// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Scheduler sets the learning rate of the optimizer groups as a function of the epoch.
type Scheduler interface {
	// Name of the schedule, e.g. "cosine".
	Name() string

	// Epoch returns the number of times Step was called.
	Epoch() int

	// LR returns the learning rate for a group with the given initial learning rate, at the given epoch.
	LR(initialLR float64, epoch int) float64

	// Step advances one epoch and sets the LR of every group of opt from its InitialLR.
	Step(opt Interface)
}

// SchedulerConfig describes a scheduler, as found in configuration files.
type SchedulerConfig struct {
	Type string         `yaml:"type" mapstructure:"type"`
	Args map[string]any `yaml:"args" mapstructure:"args"`
}

// SchedulerFactory creates a new scheduler, starting at epoch 0.
type SchedulerFactory func() (Scheduler, error)

// StepArgs for the "step" scheduler: the learning rate is multiplied by Gamma every StepSize epochs.
type StepArgs struct {
	StepSize int     `mapstructure:"step_size"`
	Gamma    float64 `mapstructure:"gamma"`
}

// ExponentialArgs for the "exponential" scheduler: the learning rate is multiplied by Gamma every epoch.
type ExponentialArgs struct {
	Gamma float64 `mapstructure:"gamma"`
}

// CosineArgs for the "cosine" scheduler: cosine annealing from the initial learning rate down to EtaMin
// over TMax epochs.
type CosineArgs struct {
	TMax   int     `mapstructure:"t_max"`
	EtaMin float64 `mapstructure:"eta_min"`
}

// KnownSchedulers maps scheduler names to their constructors from decoded config arguments.
var KnownSchedulers = map[string]func(args map[string]any) (Scheduler, error){
	"constant": func(args map[string]any) (Scheduler, error) {
		if err := DecodeArgs(args, &struct{}{}); err != nil {
			return nil, err
		}
		return NewSchedule("constant", func(initialLR float64, _ int) float64 { return initialLR }), nil
	},
	"step": func(args map[string]any) (Scheduler, error) {
		a := StepArgs{Gamma: 0.1}
		if err := DecodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.StepSize <= 0 || a.Gamma <= 0 {
			return nil, errors.Errorf("step scheduler: step_size and gamma must be > 0, got %+v", a)
		}
		return NewSchedule("step", func(initialLR float64, epoch int) float64 {
			return initialLR * math.Pow(a.Gamma, float64(epoch/a.StepSize))
		}), nil
	},
	"exponential": func(args map[string]any) (Scheduler, error) {
		var a ExponentialArgs
		if err := DecodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Gamma <= 0 {
			return nil, errors.Errorf("exponential scheduler: gamma must be > 0, got %g", a.Gamma)
		}
		return NewSchedule("exponential", func(initialLR float64, epoch int) float64 {
			return initialLR * math.Pow(a.Gamma, float64(epoch))
		}), nil
	},
	"cosine": func(args map[string]any) (Scheduler, error) {
		var a CosineArgs
		if err := DecodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.TMax <= 0 || a.EtaMin < 0 {
			return nil, errors.Errorf("cosine scheduler: t_max must be > 0 and eta_min >= 0, got %+v", a)
		}
		return NewSchedule("cosine", func(initialLR float64, epoch int) float64 {
			return a.EtaMin + (initialLR-a.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(a.TMax)))/2
		}), nil
	},
}

// NewScheduler creates the scheduler described by cfg. An empty type means "constant".
func NewScheduler(cfg SchedulerConfig) (Scheduler, error) {
	name := strings.ToLower(cfg.Type)
	if name == "" {
		name = "constant"
	}
	ctor, found := KnownSchedulers[name]
	if !found {
		return nil, errors.Errorf("unknown scheduler type %q, known types are %q", cfg.Type,
			slices.Sorted(maps.Keys(KnownSchedulers)))
	}
	s, err := ctor(cfg.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "scheduler %q", cfg.Type)
	}
	return s, nil
}

// Factory validates the configuration and returns a SchedulerFactory for it.
func (cfg SchedulerConfig) Factory() (SchedulerFactory, error) {
	if _, err := NewScheduler(cfg); err != nil {
		return nil, err
	}
	return func() (Scheduler, error) { return NewScheduler(cfg) }, nil
}

// ScheduleFn returns the learning rate at epoch for a group with the given initial learning rate.
type ScheduleFn func(initialLR float64, epoch int) float64

// NewSchedule creates a Scheduler from a schedule function.
func NewSchedule(name string, fn ScheduleFn) Scheduler {
	return &schedule{name: name, fn: fn}
}

type schedule struct {
	name  string
	fn    ScheduleFn
	epoch int
}

func (s *schedule) Name() string { return s.name }
func (s *schedule) Epoch() int   { return s.epoch }

func (s *schedule) LR(initialLR float64, epoch int) float64 { return s.fn(initialLR, epoch) }

func (s *schedule) Step(opt Interface) {
	s.epoch++
	for _, group := range opt.ParamGroups() {
		group.LR = s.fn(group.InitialLR, s.epoch)
	}
}
