/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package optimizers implements optimizers over groups of nn.Parameter, and learning rate schedulers.
//
// Optimizers hold an ordered list of parameter groups, each with its own learning rate, plus per-parameter
// state (momentum, moments). The groups can be changed while training, as blocks of the model are replaced:
// new groups are added with AddParamGroup, and parameters no longer in the model are dropped with RemoveParams.
// Every such structural change increases the optimizer Version.
//
// To change an optimizer atomically, work on a Clone and swap it in only when all changes succeeded.
package optimizers

import (
	"slices"
	"strings"

	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ErrOptimizerInconsistency is returned when the optimizer parameter groups don't match the model:
// a parameter in more than one group, a trainable parameter in no group, or a group parameter no longer in the model.
var ErrOptimizerInconsistency = errors.New("optimizer state inconsistent with model")

// ParamGroup is a set of parameters sharing the same hyperparameters.
type ParamGroup struct {
	Params []*nn.Parameter

	// LR is the current learning rate, updated by schedulers.
	LR float64

	// InitialLR is the learning rate the group was created with, used by schedulers as the base value.
	InitialLR float64

	// WeightDecay for the group.
	WeightDecay float64
}

// NumTrainable returns the number of trainable elements in the group.
func (g *ParamGroup) NumTrainable() int {
	var n int
	for _, p := range g.Params {
		if p.Trainable {
			n += p.Size()
		}
	}
	return n
}

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, e.g. "sgd".
	Name() string

	// ParamGroups returns the live parameter groups, in order. Their LR can be changed directly,
	// but changes to the list of parameters must go through AddParamGroup and RemoveParams.
	ParamGroups() []*ParamGroup

	// AddParamGroup appends a new group with the given parameters. If lr <= 0 the optimizer default is used.
	// It fails, without changes, if any of the parameters is already in a group.
	AddParamGroup(params []*nn.Parameter, lr float64) error

	// RemoveParams removes the given parameters from every group, dropping their state.
	// Groups left empty are removed. It returns the number of parameters removed.
	RemoveParams(params ...*nn.Parameter) int

	// SetLR sets the current and the initial learning rate of every group, as if the groups had been
	// created with lr. Schedulers compute later learning rates from the new value.
	SetLR(lr float64)

	// DefaultLR returns the learning rate used for new groups.
	DefaultLR() float64

	// Step updates every trainable parameter that has a gradient. Frozen parameters and
	// parameters without gradients are skipped.
	Step() error

	// ZeroGrad clears the gradients of all parameters in the groups.
	ZeroGrad()

	// Clone returns a deep copy of the optimizer: groups and per-parameter state are copied, the
	// parameters themselves are shared.
	Clone() Interface

	// Version is increased at every structural change (groups added or parameters removed).
	Version() int
}

// Config describes an optimizer, as found in configuration files.
type Config struct {
	// Type of the optimizer, one of KnownOptimizers (case-insensitive).
	Type string `yaml:"type" mapstructure:"type"`

	// Args of the optimizer, decoded into the optimizer specific arguments, e.g. SGDArgs.
	Args map[string]any `yaml:"args" mapstructure:"args"`
}

// Factory creates an optimizer over an initial set of parameters (one group).
type Factory func(params []*nn.Parameter) (Interface, error)

var (
	// KnownOptimizers maps optimizer names to their constructors from decoded config arguments.
	KnownOptimizers = map[string]func(args map[string]any) (Interface, error){
		"sgd": func(args map[string]any) (Interface, error) {
			var sgdArgs SGDArgs
			if err := DecodeArgs(args, &sgdArgs); err != nil {
				return nil, err
			}
			return StochasticGradientDescent().FromArgs(sgdArgs).Done()
		},
		"adam": func(args map[string]any) (Interface, error) {
			var adamArgs AdamArgs
			if err := DecodeArgs(args, &adamArgs); err != nil {
				return nil, err
			}
			return Adam().FromArgs(adamArgs).Done()
		},
		"adamw": func(args map[string]any) (Interface, error) {
			adamArgs := AdamArgs{WeightDecay: 0.01}
			if err := DecodeArgs(args, &adamArgs); err != nil {
				return nil, err
			}
			return Adam().FromArgs(adamArgs).Decoupled(true).Done()
		},
	}
)

// KnownOptimizerNames returns the sorted names of KnownOptimizers.
func KnownOptimizerNames() []string {
	return slices.Sorted(maps.Keys(KnownOptimizers))
}

// DecodeArgs decodes a configuration map into target (a pointer to an args struct), using the
// "mapstructure" tags. Unknown keys are an error, and numbers may be given as strings.
func DecodeArgs(args map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return errors.Wrap(err, "creating args decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return errors.Wrapf(err, "decoding args %v", args)
	}
	return nil
}

// New creates the optimizer described by cfg, with no parameter groups.
func New(cfg Config) (Interface, error) {
	ctor, found := KnownOptimizers[strings.ToLower(cfg.Type)]
	if !found {
		return nil, errors.Errorf("unknown optimizer type %q, known types are %q", cfg.Type, KnownOptimizerNames())
	}
	opt, err := ctor(cfg.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "optimizer %q", cfg.Type)
	}
	return opt, nil
}

// Factory validates the configuration and returns a Factory for it.
func (cfg Config) Factory() (Factory, error) {
	if _, err := New(cfg); err != nil {
		return nil, err
	}
	return func(params []*nn.Parameter) (Interface, error) {
		opt, err := New(cfg)
		if err != nil {
			return nil, err
		}
		if err := opt.AddParamGroup(params, 0); err != nil {
			return nil, err
		}
		return opt, nil
	}, nil
}

// CheckConsistency verifies the optimizer groups against the model rooted at root: no parameter may be in
// two groups, every trainable parameter of the model must be in one group, and every group parameter
// must be part of the model. It returns an error wrapping ErrOptimizerInconsistency otherwise.
func CheckConsistency(opt Interface, root nn.Block) error {
	inModel := make(map[*nn.Parameter]string)
	for _, np := range nn.NamedParameters(root) {
		inModel[np.Parameter] = np.Name
	}
	inGroup := make(map[*nn.Parameter]int)
	for groupIdx, group := range opt.ParamGroups() {
		for _, p := range group.Params {
			if prevIdx, found := inGroup[p]; found {
				return errors.Wrapf(ErrOptimizerInconsistency, "parameter %s is in groups #%d and #%d", p, prevIdx, groupIdx)
			}
			if _, found := inModel[p]; !found {
				return errors.Wrapf(ErrOptimizerInconsistency, "parameter %s of group #%d is not part of the model", p, groupIdx)
			}
			inGroup[p] = groupIdx
		}
	}
	for _, np := range nn.NamedParameters(root) {
		if !np.Trainable {
			continue
		}
		if _, found := inGroup[np.Parameter]; !found {
			return errors.Wrapf(ErrOptimizerInconsistency, "trainable parameter %q is not in any optimizer group", np.Name)
		}
	}
	return nil
}

// NumTrainable returns the number of trainable elements across all groups of the optimizer.
func NumTrainable(opt Interface) int {
	var n int
	for _, g := range opt.ParamGroups() {
		n += g.NumTrainable()
	}
	return n
}

// groups implements the parameter groups bookkeeping shared by all optimizers.
type groups struct {
	name        string
	defaultLR   float64
	weightDecay float64
	list        []*ParamGroup
	version     int
}

func (g *groups) Name() string               { return g.name }
func (g *groups) ParamGroups() []*ParamGroup { return g.list }
func (g *groups) DefaultLR() float64         { return g.defaultLR }
func (g *groups) Version() int               { return g.version }

func (g *groups) contains(p *nn.Parameter) bool {
	for _, group := range g.list {
		if slices.Contains(group.Params, p) {
			return true
		}
	}
	return false
}

func (g *groups) AddParamGroup(params []*nn.Parameter, lr float64) error {
	for i, p := range params {
		if p == nil {
			return errors.Errorf("%s.AddParamGroup: parameter #%d is nil", g.name, i)
		}
		if g.contains(p) || slices.Contains(params[:i], p) {
			return errors.Errorf("%s.AddParamGroup: parameter %s is already in a group", g.name, p)
		}
	}
	if lr <= 0 {
		lr = g.defaultLR
	}
	g.list = append(g.list, &ParamGroup{
		Params:      slices.Clone(params),
		LR:          lr,
		InitialLR:   lr,
		WeightDecay: g.weightDecay,
	})
	g.version++
	return nil
}

// removeParams removes the parameters from the groups and returns the ones removed.
func (g *groups) removeParams(params []*nn.Parameter) []*nn.Parameter {
	toRemove := make(map[*nn.Parameter]bool, len(params))
	for _, p := range params {
		toRemove[p] = true
	}
	var removed []*nn.Parameter
	for _, group := range g.list {
		group.Params = slices.DeleteFunc(group.Params, func(p *nn.Parameter) bool {
			if toRemove[p] {
				removed = append(removed, p)
				return true
			}
			return false
		})
	}
	g.list = slices.DeleteFunc(g.list, func(group *ParamGroup) bool { return len(group.Params) == 0 })
	if len(removed) > 0 {
		g.version++
	}
	return removed
}

func (g *groups) SetLR(lr float64) {
	for _, group := range g.list {
		group.LR = lr
		group.InitialLR = lr
	}
}

func (g *groups) ZeroGrad() {
	for _, group := range g.list {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}

func (g *groups) clone() groups {
	c := *g
	c.list = make([]*ParamGroup, len(g.list))
	for i, group := range g.list {
		groupCopy := *group
		groupCopy.Params = slices.Clone(group.Params)
		c.list[i] = &groupCopy
	}
	return c
}
