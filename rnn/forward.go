package rnn

import (
	"fmt"
	"math"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

// ForwardPass runs one batch through the model and applies the loss
// contract: cross-entropy between unnormalized scores and integer targets,
// averaged over the batch, plus regularizer/(batch_size*num_batches) when
// the model carries a divergence term. numBatches is the batch count of a
// full pass over the split, used to scale the dataset-level regularizer
// down to a per-example, per-batch contribution.
//
// The returned probabilities are the softmax of the scores; the loss itself
// is computed from the unnormalized scores for numerical stability. Targets
// outside [0, K) (out-of-distribution examples in the test split)
// contribute no loss but still receive probabilities.
func ForwardPass(m Model, b *datasets.Batch, numBatches int, mode Mode) (loss float64, probs [][]float32, targets []int, err error) {
	if numBatches < 1 {
		return 0, nil, nil, fmt.Errorf("numBatches must be >= 1, got %d", numBatches)
	}
	n := b.Size()
	if n == 0 {
		return 0, nil, nil, fmt.Errorf("empty batch")
	}

	scores, err := m.Forward(b, mode)
	if err != nil {
		return 0, nil, nil, err
	}
	k := m.NumClasses()
	if len(scores) != n {
		return 0, nil, nil, fmt.Errorf("model returned %d score rows for a batch of %d", len(scores), n)
	}
	for i := range scores {
		if len(scores[i]) != k {
			return 0, nil, nil, fmt.Errorf("model score width %d disagrees with configured class count %d", len(scores[i]), k)
		}
	}

	probs = make([][]float32, n)
	total := 0.0
	counted := 0
	for i := 0; i < n; i++ {
		lse := logSumExp(scores[i])
		p := make([]float32, k)
		for c := 0; c < k; c++ {
			p[c] = float32(math.Exp(float64(scores[i][c]) - lse))
		}
		probs[i] = p
		if t := b.Target[i]; t >= 0 && t < k {
			total += lse - float64(scores[i][t])
			counted++
		}
	}
	if counted > 0 {
		total /= float64(counted)
	}

	if reg, ok := m.(Regularized); ok {
		total += reg.Regularizer() / float64(n*numBatches)
	}
	return total, probs, b.Target, nil
}

// LossGradient returns the gradient of the mean cross-entropy with respect
// to the unnormalized scores: (softmax - onehot) / n over in-range targets.
// Rows with out-of-range targets get a zero gradient.
func LossGradient(probs [][]float32, targets []int) [][]float32 {
	n := len(probs)
	counted := 0
	for _, t := range targets {
		if t >= 0 && t < len(probs[0]) {
			counted++
		}
	}
	if counted == 0 {
		counted = 1
	}
	inv := float32(1.0 / float64(counted))

	d := make([][]float32, n)
	for i := 0; i < n; i++ {
		k := len(probs[i])
		row := make([]float32, k)
		if t := targets[i]; t >= 0 && t < k {
			for c := 0; c < k; c++ {
				row[c] = probs[i][c] * inv
			}
			row[t] -= inv
		}
		d[i] = row
	}
	return d
}

// logSumExp computes log(sum(exp(x))) with the max-subtraction trick.
func logSumExp(x []float32) float64 {
	maxV := float64(x[0])
	for _, v := range x[1:] {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(float64(v) - maxV)
	}
	return maxV + math.Log(sum)
}
