package galaxc

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamTrainSteps is the context param with the number of training
	// steps.
	ParamTrainSteps = "train_steps"

	// ParamCheckpointPath is the context param with the checkpoint
	// directory. Empty disables checkpointing.
	ParamCheckpointPath = "checkpoint"

	// ParamNumCheckpoints is the context param with the number of past
	// checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"
)

// Train trains the model on trainDS, based on the configuration in ctx,
// and reports a final evaluation on the given eval datasets. If a
// checkpoint directory is configured it resumes from it and saves
// periodically while training.
func Train(backend backends.Backend, ctx *context.Context, model *Model,
	trainDS train.Dataset, evalDSs ...train.Dataset) error {
	// Params read before checkpoint loading are not overwritten by it.
	trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 1000)

	checkpoint, numCheckpointsToKeep, err := buildCheckpoint(ctx)
	if err != nil {
		return err
	}
	if checkpoint != nil {
		globalStep := int(optimizers.GetGlobalStep(ctx))
		if globalStep != 0 {
			fmt.Printf("> restarting training from global_step=%d (training until %d)\n", globalStep, trainSteps)
		}
		if trainSteps <= globalStep {
			fmt.Printf("> training already reached train_steps=%d, use Eval for a performance reading\n", trainSteps)
			return nil
		}
		trainSteps -= globalStep
	}

	trainer := newTrainer(backend, ctx, model)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil && numCheckpointsToKeep > 1 {
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	if _, err = loop.RunSteps(trainDS, trainSteps); err != nil {
		return errors.WithMessage(err, "while running training steps")
	}
	fmt.Printf("\t[Step %d] median train step: %s\n", loop.LoopStep, loop.MedianTrainStepDuration())
	fmt.Printf("\tmodel: %d parameters, %s\n", model.NumTrainableParams(ctx), model.ModelSize(ctx))
	if checkpoint != nil && numCheckpointsToKeep <= 1 {
		if err = checkpoint.Save(); err != nil {
			klog.Errorf("Failed to save final checkpoint: %+v", err)
		}
	}

	if len(evalDSs) > 0 {
		fmt.Println()
		if err = commandline.ReportEval(trainer, evalDSs...); err != nil {
			return errors.WithMessage(err, "while reporting eval")
		}
	}
	return nil
}

// Eval loads the checkpoint configured in ctx and reports an evaluation of
// the model on each dataset.
func Eval(backend backends.Backend, ctx *context.Context, model *Model, evalDSs ...train.Dataset) error {
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	if checkpointPath == "" {
		return errors.Errorf("no checkpoint configured in the context param %q", ParamCheckpointPath)
	}
	if _, _, err := buildCheckpoint(ctx); err != nil {
		return err
	}
	fmt.Printf("Model in %q trained for %d steps.\n", checkpointPath, optimizers.GetGlobalStep(ctx))

	trainer := newTrainer(backend, ctx, model)
	for _, ds := range evalDSs {
		start := time.Now()
		if err := commandline.ReportEval(trainer, ds); err != nil {
			return errors.WithMessagef(err, "while reporting eval on %q", ds.Name())
		}
		fmt.Printf("\telapsed %s (%s)\n", time.Since(start), ds.Name())
	}
	return nil
}

// buildCheckpoint sets up checkpointing from the context params. It loads
// the latest checkpoint into ctx if one exists. A nil handler (with nil
// error) means checkpointing is disabled.
func buildCheckpoint(ctx *context.Context) (*checkpoints.Handler, int, error) {
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 5)
	if checkpointPath == "" {
		return nil, numCheckpointsToKeep, nil
	}
	checkpointPath = mldata.ReplaceTildeInDir(checkpointPath)
	builder := checkpoints.Build(ctx).Dir(checkpointPath)
	if numCheckpointsToKeep > 1 {
		builder = builder.Keep(numCheckpointsToKeep)
	}
	checkpoint, err := builder.Done()
	if err != nil {
		return nil, numCheckpointsToKeep, errors.WithMessagef(err, "while setting up checkpoint in %q (keep=%d)",
			checkpointPath, numCheckpointsToKeep)
	}
	return checkpoint, numCheckpointsToKeep, nil
}

// newTrainer builds the trainer for the multi-label objective: binary
// cross-entropy on the per-label logits, with binary-logits accuracy
// metrics and the optimizer configured in the context.
func newTrainer(backend backends.Backend, ctx *context.Context, model *Model) *train.Trainer {
	meanAccuracy := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracy := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx, model.ModelFn,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})
}
