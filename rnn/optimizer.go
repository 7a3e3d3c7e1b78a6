package rnn

import (
	"fmt"
	"math"
)

// Optimizer applies first-order updates to model parameters. It supports
// Adam (default) and plain SGD, with optional global-norm gradient clipping
// and decoupled weight decay.
type Optimizer struct {
	// Method selects the update rule: "adam" or "sgd".
	Method string

	// Beta1, Beta2, Epsilon are the Adam hyperparameters.
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// WeightDecay is an L2 penalty applied at update time.
	WeightDecay float64

	// ClipNorm is the global gradient-norm clipping threshold. Zero
	// disables clipping.
	ClipNorm float64

	lr   float64
	step int

	// Adam moment buffers, keyed by parameter name.
	m map[string][]float64
	v map[string][]float64
}

// NewOptimizer creates an optimizer with sensible defaults for zero-valued
// hyperparameters.
func NewOptimizer(method string, lr float64) (*Optimizer, error) {
	switch method {
	case "":
		method = "adam"
	case "adam", "sgd":
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want adam or sgd)", method)
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be > 0, got %g", lr)
	}
	return &Optimizer{
		Method:  method,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		lr:      lr,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}, nil
}

// LR returns the current learning rate.
func (o *Optimizer) LR() float64 { return o.lr }

// SetLR sets the learning rate; the plateau scheduler drives this.
func (o *Optimizer) SetLR(lr float64) { o.lr = lr }

// Step applies one update to the parameters and zeroes their gradient
// accumulators.
func (o *Optimizer) Step(params []*Param) {
	if o.ClipNorm > 0 {
		sum := 0.0
		for _, p := range params {
			for _, g := range p.G {
				sum += float64(g) * float64(g)
			}
		}
		if norm := math.Sqrt(sum); norm > o.ClipNorm {
			scale := float32(o.ClipNorm / norm)
			for _, p := range params {
				for i := range p.G {
					p.G[i] *= scale
				}
			}
		}
	}

	o.step++
	for _, p := range params {
		switch o.Method {
		case "sgd":
			for i := range p.W {
				g := float64(p.G[i]) + o.WeightDecay*float64(p.W[i])
				p.W[i] -= float32(o.lr * g)
				p.G[i] = 0
			}
		default: // adam
			mBuf, ok := o.m[p.Name]
			if !ok {
				mBuf = make([]float64, len(p.W))
				o.m[p.Name] = mBuf
			}
			vBuf, ok := o.v[p.Name]
			if !ok {
				vBuf = make([]float64, len(p.W))
				o.v[p.Name] = vBuf
			}
			bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
			bc2 := 1 - math.Pow(o.Beta2, float64(o.step))
			for i := range p.W {
				g := float64(p.G[i]) + o.WeightDecay*float64(p.W[i])
				mBuf[i] = o.Beta1*mBuf[i] + (1-o.Beta1)*g
				vBuf[i] = o.Beta2*vBuf[i] + (1-o.Beta2)*g*g
				mHat := mBuf[i] / bc1
				vHat := vBuf[i] / bc2
				p.W[i] -= float32(o.lr * mHat / (math.Sqrt(vHat) + o.Epsilon))
				p.G[i] = 0
			}
		}
	}
}
