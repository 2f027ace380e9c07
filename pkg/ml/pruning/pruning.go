// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pruning implements norm-based filter pruning ("Pruning Filters for Efficient ConvNets"):
// the output units (convolution filters or linear rows) with the smallest L2 norm are removed, and a freshly
// initialized transform block restores the original number of output channels.
package pruning

import (
	"cmp"
	"math/rand/v2"
	"slices"

	queue "github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedLayer is returned for layers that can't be pruned.
	ErrUnsupportedLayer = errors.New("unsupported layer for pruning")

	// ErrInvalidPruneRatio is returned when the compress rate is outside (0, 1], or leads to no kept units.
	ErrInvalidPruneRatio = errors.New("invalid prune ratio")
)

// Config of a Pruner.
type Config struct {
	// CompressRate is the default ratio of kept units, in (0, 1].
	CompressRate float64 `mapstructure:"compress_rate" yaml:"compress_rate"`

	// Transform configures the depthwise stage of the convolution transform blocks.
	Transform nn.SeparableConfig `mapstructure:"transform" yaml:"transform"`

	// Seed for the initialization of the transform blocks.
	Seed uint64 `mapstructure:"seed" yaml:"seed"`
}

// Pruner prunes Conv2D and Linear layers.
type Pruner struct {
	config Config
	rng    *rand.Rand
}

// New creates a Pruner. It validates that the transform depthwise stage preserves the spatial size,
// and that the default compress rate is valid.
func New(config Config) (*Pruner, error) {
	if config.Transform.Dilation == 0 {
		config.Transform.Dilation = 1
	}
	if err := config.Transform.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "pruning transform")
	}
	if err := checkRate(config.CompressRate); err != nil {
		return nil, err
	}
	return &Pruner{config: config, rng: nn.NewRand(config.Seed)}, nil
}

// CompressRate returns the default compress rate.
func (p *Pruner) CompressRate() float64 { return p.config.CompressRate }

// Config returns the pruner configuration.
func (p *Pruner) Config() Config { return p.config }

func checkRate(rate float64) error {
	if !(rate > 0 && rate <= 1) {
		return errors.Wrapf(ErrInvalidPruneRatio, "compress rate %g must be in (0, 1]", rate)
	}
	return nil
}

// NumKept returns floor(compressRate * outDim), the number of units kept when pruning a layer with outDim units.
func NumKept(compressRate float64, outDim int) int {
	return int(compressRate * float64(outDim))
}

// outputUnits returns the number of output units and the size of each flattened unit.
func outputUnits(layer nn.Block) (numUnits, unitSize int, err error) {
	switch l := layer.(type) {
	case *nn.Conv2D:
		if l.Groups() != 1 {
			return 0, 0, errors.Wrapf(ErrUnsupportedLayer, "%s: grouped convolutions can't have filters removed", l)
		}
		return l.OutChannels(), l.Weight.Size() / l.OutChannels(), nil
	case *nn.Linear:
		return l.OutFeatures(), l.InFeatures(), nil
	}
	return 0, 0, errors.Wrapf(ErrUnsupportedLayer, "expected Conv2D or Linear, got %s", nn.Describe(layer))
}

// unitNorm is a candidate for the top-k selection.
type unitNorm struct {
	index int
	norm  float64
}

// KeptUnits returns the indices of the numKept output units with the largest L2 norm, in ascending order.
// Ties are broken in favor of the lower index.
func KeptUnits(layer nn.Block, numKept int) ([]int, error) {
	numUnits, unitSize, err := outputUnits(layer)
	if err != nil {
		return nil, err
	}
	if numKept <= 0 || numKept > numUnits {
		return nil, errors.Wrapf(ErrInvalidPruneRatio, "%s: can't keep %d of %d units", nn.Describe(layer), numKept, numUnits)
	}
	weights := layer.Parameters()[0].Value.Data()
	pq := queue.NewWith(func(a, b any) int {
		x, y := a.(unitNorm), b.(unitNorm)
		if c := cmp.Compare(y.norm, x.norm); c != 0 {
			return c
		}
		return cmp.Compare(x.index, y.index)
	})
	for unit := range numUnits {
		pq.Enqueue(unitNorm{index: unit, norm: floats.Norm(weights[unit*unitSize:(unit+1)*unitSize], 2)})
	}
	kept := make([]int, 0, numKept)
	for len(kept) < numKept {
		v, _ := pq.Dequeue()
		kept = append(kept, v.(unitNorm).index)
	}
	slices.Sort(kept)
	return kept, nil
}

// NormBasedPruning returns a new layer of the same kind and hyper-parameters as layer, but with only the
// numKeptFilter output units of largest L2 norm. The kept weights (and biases) are copied verbatim, in
// ascending original order, and the new layer parameters are frozen.
func (p *Pruner) NormBasedPruning(layer nn.Block, numKeptFilter int) (nn.Block, error) {
	kept, err := KeptUnits(layer, numKeptFilter)
	if err != nil {
		return nil, err
	}
	switch l := layer.(type) {
	case *nn.Conv2D:
		pruned := l.Config().Channels(numKeptFilter).Trainable(false).Done(nil)
		copyUnits(l.Weight, pruned.Weight, kept)
		if l.Bias != nil {
			copyUnits(l.Bias, pruned.Bias, kept)
		}
		return pruned, nil
	case *nn.Linear:
		pruned := l.Config().Features(numKeptFilter).Trainable(false).Done(nil)
		copyUnits(l.Weight, pruned.Weight, kept)
		if l.Bias != nil {
			copyUnits(l.Bias, pruned.Bias, kept)
		}
		return pruned, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedLayer, "%s", nn.Describe(layer))
}

// copyUnits copies the given units (slices along the first axis) of from into consecutive units of to.
func copyUnits(from, to *nn.Parameter, units []int) {
	unitSize := from.Value.Size() / from.Value.Dim(0)
	src, dst := from.Value.Data(), to.Value.Data()
	for i, unit := range units {
		copy(dst[i*unitSize:(i+1)*unitSize], src[unit*unitSize:(unit+1)*unitSize])
	}
}

// TransformBlock creates the trainable block restoring `in` pruned output units of layer to `out` units:
//
//   - Conv2D: depthwise Conv2D(in, in, groups=in) followed by a point-wise Conv2D(in, out, kernel=1).
//   - Linear: a per-feature Scale(in) followed by Linear(in, out).
func (p *Pruner) TransformBlock(layer nn.Block, in, out int) (nn.Block, error) {
	switch layer.(type) {
	case *nn.Conv2D:
		cfg := p.config.Transform
		cfg.Stride = 1
		return nn.NewDepthwiseSeparable(in, out, cfg, p.rng)
	case *nn.Linear:
		return nn.NewSequential(nn.NewScale(in), nn.NewLinear(in, out).Done(p.rng)), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedLayer, "no transform block for %s", nn.Describe(layer))
}

// PruneBlock prunes one layer and returns Sequential{pruned layer, transform block}, with the same
// number of outputs as layer.
func (p *Pruner) PruneBlock(layer nn.Block, compressRate float64) (*nn.Sequential, error) {
	if err := checkRate(compressRate); err != nil {
		return nil, err
	}
	numUnits, _, err := outputUnits(layer)
	if err != nil {
		return nil, err
	}
	numKept := NumKept(compressRate, numUnits)
	pruned, err := p.NormBasedPruning(layer, numKept)
	if err != nil {
		return nil, err
	}
	transform, err := p.TransformBlock(layer, numKept, numUnits)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("pruned %s to %d/%d units (compress rate %g)", nn.Describe(layer), numKept, numUnits, compressRate)
	return nn.NewSequential(pruned, transform), nil
}

// Prune prunes each layer with compressRate, returning one block per layer, in the same order.
// If compressRate is 0 the pruner default is used.
func (p *Pruner) Prune(layers []nn.Block, compressRate float64) ([]nn.Block, error) {
	if compressRate == 0 {
		compressRate = p.config.CompressRate
	}
	blocks := make([]nn.Block, len(layers))
	for i, layer := range layers {
		block, err := p.PruneBlock(layer, compressRate)
		if err != nil {
			return nil, errors.WithMessagef(err, "pruning layer #%d", i)
		}
		blocks[i] = block
	}
	return blocks, nil
}
