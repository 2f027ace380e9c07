// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kdp/internal/config"
	"github.com/gomlx/kdp/internal/workerspool"
	"github.com/gomlx/kdp/pkg/ml/checkpoints"
	"github.com/gomlx/kdp/pkg/ml/datasets"
	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/models"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/pruning"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/gomlx/kdp/pkg/ml/train/kdp"
	"github.com/gomlx/kdp/pkg/ml/train/losses"
	"github.com/gomlx/kdp/pkg/ml/train/metrics"
	"github.com/gomlx/kdp/pkg/ml/train/optimizers"
	"github.com/gomlx/kdp/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunOptions control the output of Run.
type RunOptions struct {
	// Out is where reports are written. Required.
	Out io.Writer

	// ProgressBar enables the per-epoch progress bar and summaries.
	ProgressBar bool
}

// Result of a Run.
type Result struct {
	Student     *distill.Student
	Events      []kdp.Event
	MetricNames []string

	// TrainMetrics of the last step of distillation.
	TrainMetrics []float64

	// EvalMetrics on the evaluation dataset, if one is configured.
	EvalMetrics []float64

	// Checkpoints directory, if checkpoints were saved.
	Checkpoints string
}

// interruptHookName is the name of the loop hook that stops training when the context is cancelled.
const interruptHookName = "kdp.cli.interrupt"

func attachInterrupt(ctx context.Context, loop *train.Loop) {
	loop.OnStep(interruptHookName, -1000, func(_ *train.Loop, _ []float64) error {
		return context.Cause(ctx)
	})
}

// Run pretrains the teacher (if configured), and then distills it into a progressively pruned student,
// following cfg, which must be valid.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions) (*Result, error) {
	teacher, err := models.NewCNN(cfg.Model)
	if err != nil {
		return nil, err
	}
	trainDS, err := datasets.Synthetic("train", cfg.Dataset)
	if err != nil {
		return nil, err
	}
	trainDS.BatchSize(cfg.Training.BatchSize, false)
	if cfg.Training.ShuffleSeed != 0 {
		trainDS.Shuffle(cfg.Training.ShuffleSeed)
	}
	trainData := datasets.Take(trainDS, cfg.Training.StepsPerEpoch)
	var evalDS *datasets.InMemoryDataset
	if cfg.EvalDataset != nil {
		if evalDS, err = datasets.Synthetic("eval", *cfg.EvalDataset); err != nil {
			return nil, err
		}
		evalDS.BatchSize(cfg.Training.BatchSize, false)
	}
	newOptimizer, err := cfg.Optimizer.Factory()
	if err != nil {
		return nil, err
	}
	var newScheduler optimizers.SchedulerFactory
	if cfg.Scheduler != nil {
		if newScheduler, err = cfg.Scheduler.Factory(); err != nil {
			return nil, err
		}
	}

	if p := cfg.Training.Parallelism; p != 0 {
		workerspool.Default.SetMaxParallelism(p)
	}
	if workerspool.Default.IsUnlimited() {
		klog.V(1).Infof("unlimited parallelism per batch")
	} else {
		klog.V(1).Infof("parallelism per batch: %d", workerspool.Default.MaxParallelism())
	}

	if cfg.Training.PretrainEpochs > 0 {
		if err = pretrain(ctx, teacher, trainData, newOptimizer, cfg.Training.PretrainEpochs, opts); err != nil {
			return nil, errors.WithMessage(err, "pretraining teacher")
		}
	}

	student := distill.New(teacher)
	if err = student.RegisterHintLayers(cfg.Distillation.HintLayers...); err != nil {
		return nil, err
	}
	pruner, err := pruning.New(cfg.Pruning.PrunerConfig())
	if err != nil {
		return nil, err
	}
	controller, err := kdp.New(student, pruner, cfg.Pruning.PruningPlan, kdp.Options{
		NewOptimizer:          newOptimizer,
		NewScheduler:          newScheduler,
		KeepReplacedTrainable: cfg.Pruning.KeepReplacedTrainable,
	})
	if err != nil {
		return nil, err
	}

	d := cfg.Distillation
	lossFn := losses.Weighted(
		losses.Term{Weight: d.CrossEntropyWeight, Loss: losses.CrossEntropy},
		losses.Term{Weight: d.DistillWeight, Loss: losses.KnowledgeDistillation(d.Temperature)},
		losses.Term{Weight: d.HintWeight, Loss: losses.Hint},
	)
	trainer := train.NewTrainer(train.DistillModel(student), lossFn, controller, metrics.NewAccuracy()).
		WithEvalLoss(losses.CrossEntropy)
	loop := train.NewLoop(trainer)
	controller.Attach(loop)
	attachInterrupt(ctx, loop)
	if opts.ProgressBar {
		commandline.AttachProgressBarTo(loop, opts.Out,
			func() (string, string) { return "Trainable params", humanize.Comma(int64(student.NumTrainableParams())) },
			func() (string, string) { return "Learning rates", learningRates(controller.Optimizer()) },
		)
	}

	result := &Result{Student: student, MetricNames: trainer.MetricNames()}
	if cfg.Checkpoint.Dir != "" {
		handler, err := checkpoints.Build(cfg.Checkpoint.Dir).Keep(cfg.Checkpoint.Keep).Done()
		if err != nil {
			return nil, err
		}
		const priority = 100 // Runs after the other end of epoch hooks.
		train.EveryNEpochs(loop, 1, "checkpointing", priority, handler.OnEpochEndFn(student))
		result.Checkpoints = handler.Dir()
		klog.Infof("saving checkpoints to %q (run %s)", handler.Dir(), handler.RunID())
	}

	klog.Infof("distilling %s parameters for %d epochs, pruning plan with %d entries",
		humanize.Comma(int64(nn.NumParameters(student.Model()))), cfg.Training.Epochs, len(cfg.Pruning.PruningPlan))
	result.TrainMetrics, err = loop.RunEpochs(trainData, cfg.Training.Epochs)
	result.Events = controller.Events()
	if err != nil {
		return result, err
	}
	_, _ = fmt.Fprintf(opts.Out, "\n%s\n%s\n", student.DumpTrainableParams(), student.DumpBlocksInfo())

	if evalDS != nil {
		result.EvalMetrics, err = trainer.Eval(evalDS)
		if err != nil {
			return result, err
		}
		commandline.WriteResults(opts.Out, evalDS.Name(), result.MetricNames, result.EvalMetrics)
	}
	return result, nil
}

// pretrain trains teacher on the labels alone.
func pretrain(ctx context.Context, teacher nn.Block, ds train.Dataset, newOptimizer optimizers.Factory,
	epochs int, opts RunOptions) error {
	opt, err := newOptimizer(nn.TrainableParameters(teacher))
	if err != nil {
		return err
	}
	trainer := train.NewTrainer(train.BlockModel(teacher), losses.CrossEntropy, train.Static(opt, nil), metrics.NewAccuracy())
	loop := train.NewLoop(trainer)
	attachInterrupt(ctx, loop)
	if opts.ProgressBar {
		_, _ = fmt.Fprintln(opts.Out, "Pretraining teacher:")
		commandline.AttachProgressBarTo(loop, opts.Out)
	}
	values, err := loop.RunEpochs(ds, epochs)
	if err != nil {
		return err
	}
	klog.Infof("teacher pretrained for %d epochs: loss=%g accuracy=%g", epochs, values[0], values[1])
	return nil
}

func learningRates(opt optimizers.Interface) string {
	if opt == nil {
		return "-"
	}
	parts := make([]string, 0, len(opt.ParamGroups()))
	for _, group := range opt.ParamGroups() {
		parts = append(parts, fmt.Sprintf("%.3g", group.LR))
	}
	return strings.Join(parts, ", ")
}
