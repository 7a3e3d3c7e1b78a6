package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batch holds one padded mini-batch of light curves. All per-step arrays share
// the leading [N][T] dimensions; ragged sequences are padded up to the longest
// sequence in the batch and Mask marks which steps are real observations.
// Padding positions hold zeros in every magnitude field and must never
// contribute to a loss or a truncated-window prediction.
type Batch struct {
	// Flux and FluxErr are the per-step, per-channel measurements, [N][T][C].
	Flux    [][][]float32
	FluxErr [][][]float32

	// FilterID is the categorical channel tag for each step, [N][T].
	FilterID [][]int32

	// DeltaTime is the time elapsed since the previous observation, [N][T].
	DeltaTime [][]float32

	// Mask is true where a step is a real observation, [N][T].
	Mask [][]bool

	// Target is the integer class label per example.
	Target []int

	// SNID is the opaque sequence identifier per example.
	SNID []string

	// Meta holds optional static per-example features, [N][M]. Nil when no
	// metadata features are configured.
	Meta [][]float32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Flux) }

// MaxLen returns the padded sequence length T of the batch.
func (b *Batch) MaxLen() int {
	if len(b.Flux) == 0 {
		return 0
	}
	return len(b.Flux[0])
}

// Channels returns the channel count C of the batch.
func (b *Batch) Channels() int {
	if len(b.Flux) == 0 || len(b.Flux[0]) == 0 {
		return 0
	}
	return len(b.Flux[0][0])
}

// Validate checks that all per-step arrays share the [N][T] leading
// dimensions. It catches construction bugs early rather than deep inside a
// forward pass.
func (b *Batch) Validate() error {
	n := b.Size()
	if len(b.FluxErr) != n || len(b.FilterID) != n || len(b.DeltaTime) != n || len(b.Mask) != n {
		return fmt.Errorf("batch per-step arrays disagree on N: flux=%d fluxerr=%d flt=%d time=%d mask=%d",
			n, len(b.FluxErr), len(b.FilterID), len(b.DeltaTime), len(b.Mask))
	}
	if len(b.Target) != n || len(b.SNID) != n {
		return fmt.Errorf("batch metadata arrays disagree on N: target=%d snid=%d expected=%d",
			len(b.Target), len(b.SNID), n)
	}
	if b.Meta != nil && len(b.Meta) != n {
		return fmt.Errorf("batch meta has %d rows, expected %d", len(b.Meta), n)
	}
	t := b.MaxLen()
	for i := 0; i < n; i++ {
		if len(b.Flux[i]) != t || len(b.FluxErr[i]) != t || len(b.FilterID[i]) != t ||
			len(b.DeltaTime[i]) != t || len(b.Mask[i]) != t {
			return fmt.Errorf("example %d has inconsistent sequence length (expected %d)", i, t)
		}
	}
	return nil
}

// BatchFlat stores a batch in flat contiguous buffers along with shape
// metadata, ready for conversion into gomlx tensors (or any other tensor
// type).
type BatchFlat struct {
	Flux      []float32
	FluxErr   []float32
	FilterID  []int32
	DeltaTime []float32
	Mask      []bool
	Target    []int64

	N, T, C int
}

// Flatten copies the batch into contiguous buffers.
func (b *Batch) Flatten() (*BatchFlat, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	n, t, c := b.Size(), b.MaxLen(), b.Channels()
	f := &BatchFlat{
		Flux:      make([]float32, n*t*c),
		FluxErr:   make([]float32, n*t*c),
		FilterID:  make([]int32, n*t),
		DeltaTime: make([]float32, n*t),
		Mask:      make([]bool, n*t),
		Target:    make([]int64, n),
		N:         n, T: t, C: c,
	}
	for i := 0; i < n; i++ {
		f.Target[i] = int64(b.Target[i])
		for j := 0; j < t; j++ {
			copy(f.Flux[(i*t+j)*c:], b.Flux[i][j])
			copy(f.FluxErr[(i*t+j)*c:], b.FluxErr[i][j])
			f.FilterID[i*t+j] = b.FilterID[i][j]
			f.DeltaTime[i*t+j] = b.DeltaTime[i][j]
			f.Mask[i*t+j] = b.Mask[i][j]
		}
	}
	return f, nil
}

// ToGomlxTensors converts the batch into gomlx tensors: one per input field
// in the model contract order (flux, fluxerr, filter id, delta time, mask)
// plus the target tensor.
func (b *Batch) ToGomlxTensors() (inputs []*tensors.Tensor, target *tensors.Tensor, err error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	n := b.Size()
	flt := make([][]int32, n)
	mask := make([][]bool, n)
	targets := make([]int64, n)
	for i := 0; i < n; i++ {
		flt[i] = b.FilterID[i]
		mask[i] = b.Mask[i]
		targets[i] = int64(b.Target[i])
	}
	inputs = []*tensors.Tensor{
		tensors.FromAnyValue(b.Flux),
		tensors.FromAnyValue(b.FluxErr),
		tensors.FromAnyValue(flt),
		tensors.FromAnyValue(b.DeltaTime),
		tensors.FromAnyValue(mask),
	}
	target = tensors.FromAnyValue(targets)
	return inputs, target, nil
}
