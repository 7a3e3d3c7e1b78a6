// Package rnn trains sequence classifiers over padded, masked light-curve
// batches. It provides the model contract and registry, an in-process
// recurrent classifier with Monte-Carlo-dropout and Bayesian-prior variants,
// the forward evaluator, a first-order optimizer, a plateau learning-rate
// scheduler and the epoch training loop.
package rnn

import (
	"fmt"
	"sort"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

// Mode selects the computation mode for a forward pass.
type Mode int

const (
	// ModeTrain records a gradient tape and applies training-time
	// stochasticity (dropout).
	ModeTrain Mode = iota

	// ModeEval is deterministic and records no tape.
	ModeEval

	// ModeSample keeps inference-time stochasticity active for Monte Carlo
	// sampling but records no tape. For models without inference
	// stochasticity this behaves like ModeEval.
	ModeSample
)

// Param couples a named weight buffer with its gradient accumulator. Both
// slices always share the same length.
type Param struct {
	Name string
	W    []float32
	G    []float32
}

// Model is the contract every registered module implements: a callable on a
// light-curve batch returning unnormalized per-class scores [N][K], with
// backpropagation through the most recent ModeTrain forward.
type Model interface {
	// Forward runs the batch through the network and returns scores [N][K].
	Forward(b *datasets.Batch, mode Mode) ([][]float32, error)

	// Backward accumulates gradients for the last ModeTrain forward given
	// the loss gradient with respect to the scores. regScale scales any
	// model-intrinsic regularization gradient (1 / (batch_size *
	// num_batches), matching the loss-side scaling in ForwardPass).
	Backward(dScores [][]float32, regScale float32) error

	// Params exposes the learnable parameters for the optimizer and
	// checkpointing.
	Params() []*Param

	// NumClasses returns the output dimensionality K.
	NumClasses() int
}

// Regularized is implemented by models that carry an auxiliary divergence
// term (e.g. a weight-prior KL). ForwardPass adds
// Regularizer()/(batch_size*num_batches) to the loss.
type Regularized interface {
	Regularizer() float64
}

// Normalized is implemented by models with learnable normalization constants
// loaded from dataset-level statistics prior to training.
type Normalized interface {
	SetNormalization(flux, fluxErr, deltaTime datasets.Norm)
}

// Constructor builds a model from an architecture config.
type Constructor func(cfg NetConfig) (Model, error)

var registry = map[string]Constructor{}

// Register makes a model constructor available under a module name. It
// panics on duplicate registration, which indicates a programming error.
func Register(name string, fn Constructor) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("rnn: module %q registered twice", name))
	}
	registry[name] = fn
}

// New resolves a configuration-named module to its constructor and builds
// the model.
func New(module string, cfg NetConfig) (Model, error) {
	fn, ok := registry[module]
	if !ok {
		return nil, fmt.Errorf("unknown module %q (available: %v)", module, Modules())
	}
	return fn(cfg)
}

// Modules lists the registered module names in sorted order.
func Modules() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
