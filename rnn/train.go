package rnn

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/JulienPeloton/SuperNNova/datasets"
	"github.com/JulienPeloton/SuperNNova/metrics"
)

// ErrNumericDivergence marks a non-finite loss or metric during training.
// It is fatal: the run aborts and no checkpoint is taken for the epoch.
var ErrNumericDivergence = errors.New("non-finite loss")

// Config holds the training hyperparameters.
type Config struct {
	// Module is the registered model name, recorded in checkpoints.
	Module string

	NbClasses int

	// NbEpoch is the maximum epoch count. Default 50.
	NbEpoch int

	// BatchSize for training and evaluation batches. Default 128.
	BatchSize int

	// LearningRate is the initial rate. Default 1e-3.
	LearningRate float64

	// LRFactor shrinks the rate on plateau. Default 0.5.
	LRFactor float64

	// MinLR is the rate floor; training stops once the rate reaches or
	// falls below it. Default 1e-7.
	MinLR float64

	// Patience in epochs for the plateau policy. Default 10.
	Patience int

	// Optimizer is "adam" (default) or "sgd".
	Optimizer string

	// WeightDecay for the optimizer. Default 1e-6.
	WeightDecay float64

	// ClipNorm is the global gradient-norm clip. Zero disables.
	ClipNorm float64

	// DumpDir receives the best-validation checkpoint (net.gob).
	DumpDir string
}

func (c Config) withDefaults() Config {
	if c.NbEpoch == 0 {
		c.NbEpoch = 50
	}
	if c.BatchSize == 0 {
		c.BatchSize = 128
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-3
	}
	if c.LRFactor == 0 {
		c.LRFactor = 0.5
	}
	if c.MinLR == 0 {
		c.MinLR = 1e-7
	}
	if c.Patience == 0 {
		c.Patience = 10
	}
	if c.WeightDecay == 0 {
		c.WeightDecay = 1e-6
	}
	return c
}

// Data is the minimal interface the trainer needs from a dataset. Using an
// interface here keeps the package decoupled from the concrete CSV-backed
// dataset and lets tests drive the loop with in-memory batches.
type Data interface {
	Shuffle()
	NumBatches(split string, batchSize int) int
	NumExamples(split string) int
	Iterate(split string, batchSize int, fn func(*datasets.Batch) error) error
	Norms() (flux, fluxErr, deltaTime datasets.Norm)
}

// History records the per-epoch metric curves. All per-metric series share
// the same length as Epochs; Append enforces the invariant.
type History struct {
	Epochs []int
	Train  map[string][]float64
	Val    map[string][]float64

	BestValLoss float64
	BestEpoch   int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{
		Train:       make(map[string][]float64),
		Val:         make(map[string][]float64),
		BestValLoss: math.Inf(1),
		BestEpoch:   -1,
	}
}

// Append adds one epoch's train/val metric sets. Both sets must carry the
// same metric names on every call.
func (h *History) Append(epoch int, train, val map[string]float64) error {
	h.Epochs = append(h.Epochs, epoch)
	for name, v := range train {
		h.Train[name] = append(h.Train[name], v)
	}
	for name, v := range val {
		h.Val[name] = append(h.Val[name], v)
	}
	n := len(h.Epochs)
	for name, series := range h.Train {
		if len(series) != n {
			return fmt.Errorf("train metric %q has %d entries after epoch %d", name, len(series), n)
		}
	}
	for name, series := range h.Val {
		if len(series) != n {
			return fmt.Errorf("val metric %q has %d entries after epoch %d", name, len(series), n)
		}
	}
	return nil
}

// EvalPass runs the model over a full split in the given mode and returns
// the concatenated probabilities and targets in iteration order.
func EvalPass(m Model, ds Data, split string, batchSize int, mode Mode) ([][]float32, []int, error) {
	nBatches := ds.NumBatches(split, batchSize)
	if nBatches == 0 {
		return nil, nil, fmt.Errorf("split %q has no batches", split)
	}
	var probs [][]float32
	var targets []int
	err := ds.Iterate(split, batchSize, func(b *datasets.Batch) error {
		_, p, t, err := ForwardPass(m, b, nBatches, mode)
		if err != nil {
			return err
		}
		probs = append(probs, p...)
		targets = append(targets, t...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return probs, targets, nil
}

// Train runs the epoch loop: forward/backward over training batches with
// optimizer updates, a no-gradient validation pass per epoch, checkpointing
// on validation log-loss improvement, and plateau-driven learning-rate
// reduction with a floor stopping condition.
func Train(cfg Config, m Model, ds Data) (*History, error) {
	cfg = cfg.withDefaults()
	if m.NumClasses() != cfg.NbClasses {
		return nil, fmt.Errorf("configured nb_classes=%d disagrees with model output dimensionality %d", cfg.NbClasses, m.NumClasses())
	}

	opt, err := NewOptimizer(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	opt.WeightDecay = cfg.WeightDecay
	opt.ClipNorm = cfg.ClipNorm
	sched := NewPlateauScheduler(opt, cfg.LRFactor, cfg.Patience, cfg.MinLR)

	if nm, ok := m.(Normalized); ok {
		flux, fluxErr, dt := ds.Norms()
		nm.SetNormalization(flux, fluxErr, dt)
	}

	nTrainBatches := ds.NumBatches("train", cfg.BatchSize)
	if nTrainBatches == 0 {
		return nil, fmt.Errorf("training split is empty")
	}

	history := NewHistory()
	checkpointPath := filepath.Join(cfg.DumpDir, "net.gob")

	for epoch := 0; epoch < cfg.NbEpoch; epoch++ {
		ds.Shuffle()

		var trainProbs [][]float32
		var trainTargets []int
		err := ds.Iterate("train", cfg.BatchSize, func(b *datasets.Batch) error {
			loss, probs, targets, err := ForwardPass(m, b, nTrainBatches, ModeTrain)
			if err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fmt.Errorf("%w at epoch %d", ErrNumericDivergence, epoch)
			}
			regScale := float32(1.0 / float64(b.Size()*nTrainBatches))
			if err := m.Backward(LossGradient(probs, targets), regScale); err != nil {
				return err
			}
			opt.Step(m.Params())
			trainProbs = append(trainProbs, probs...)
			trainTargets = append(trainTargets, targets...)
			return nil
		})
		if err != nil {
			return history, fmt.Errorf("training stage: %w", err)
		}

		valProbs, valTargets, err := EvalPass(m, ds, "val", cfg.BatchSize, ModeEval)
		if err != nil {
			return history, fmt.Errorf("training stage: validation pass: %w", err)
		}

		trainMetrics := metrics.Evaluation(trainProbs, trainTargets, cfg.NbClasses)
		valMetrics := metrics.Evaluation(valProbs, valTargets, cfg.NbClasses)
		if err := history.Append(epoch+1, trainMetrics, valMetrics); err != nil {
			return history, err
		}

		valLoss := valMetrics["log_loss"]
		if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
			return history, fmt.Errorf("training stage: %w: validation log-loss at epoch %d", ErrNumericDivergence, epoch)
		}

		if valLoss < history.BestValLoss {
			history.BestValLoss = valLoss
			history.BestEpoch = epoch
			if cfg.DumpDir != "" {
				if err := SaveCheckpoint(checkpointPath, cfg.Module, m); err != nil {
					return history, fmt.Errorf("training stage: %w", err)
				}
			}
		}

		lr := sched.Step(valLoss)
		logrus.WithFields(logrus.Fields{
			"epoch":      epoch + 1,
			"train_loss": trainMetrics["log_loss"],
			"val_loss":   valLoss,
			"train_acc":  trainMetrics["accuracy"],
			"val_acc":    valMetrics["accuracy"],
			"lr":         lr,
		}).Info("epoch complete")

		if lr <= cfg.MinLR {
			logrus.Info("minimum learning rate reached, ending training")
			break
		}
	}
	return history, nil
}
