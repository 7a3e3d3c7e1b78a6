package monte

import (
	"fmt"
	"math"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

// Truncate restricts every example of b to the observations taken no later
// than the example's reference time plus offset. Reference times and the
// offset are expressed on the elapsed-time axis, the cumulative sum of the
// per-step delta times over valid observations.
//
// For each example the kept prefix length L is determined as follows: a
// requested time below zero (or a NaN reference) places the window before
// the first observation and yields L = 0, the out-of-bounds marker. Otherwise
// L covers every observation up to and including the first one whose elapsed
// time reaches the requested time, clamped to the example's length.
//
// The returned batch shares no storage with b. Its time dimension shrinks to
// the longest kept prefix (at least one step so the batch keeps a valid
// shape); steps beyond an example's prefix are zeroed with a false mask, and
// out-of-bounds examples are fully masked out.
func Truncate(b *datasets.Batch, refs []float32, offset float32) (*datasets.Batch, []int, error) {
	n := b.Size()
	if len(refs) != n {
		return nil, nil, fmt.Errorf("got %d reference times for a batch of %d", len(refs), n)
	}

	lengths := make([]int, n)
	newT := 1
	for i := 0; i < n; i++ {
		valid := 0
		for t := range b.Mask[i] {
			if b.Mask[i][t] {
				valid++
			}
		}
		requested := refs[i] + offset
		if valid == 0 || math.IsNaN(float64(requested)) || requested < 0 {
			lengths[i] = 0
			continue
		}
		idx := valid
		elapsed := float32(0)
		for t := 0; t < valid; t++ {
			elapsed += b.DeltaTime[i][t]
			if elapsed >= requested {
				idx = t
				break
			}
		}
		l := idx + 1
		if l > valid {
			l = valid
		}
		lengths[i] = l
		if l > newT {
			newT = l
		}
	}

	c := b.Channels()
	out := &datasets.Batch{
		Flux:      make([][][]float32, n),
		FluxErr:   make([][][]float32, n),
		FilterID:  make([][]int32, n),
		DeltaTime: make([][]float32, n),
		Mask:      make([][]bool, n),
		Target:    append([]int(nil), b.Target...),
		SNID:      append([]string(nil), b.SNID...),
	}
	if b.Meta != nil {
		out.Meta = make([][]float32, n)
		for i := range b.Meta {
			out.Meta[i] = append([]float32(nil), b.Meta[i]...)
		}
	}
	for i := 0; i < n; i++ {
		out.Flux[i] = make([][]float32, newT)
		out.FluxErr[i] = make([][]float32, newT)
		out.FilterID[i] = make([]int32, newT)
		out.DeltaTime[i] = make([]float32, newT)
		out.Mask[i] = make([]bool, newT)
		for t := 0; t < newT; t++ {
			if t < lengths[i] {
				out.Flux[i][t] = append([]float32(nil), b.Flux[i][t]...)
				out.FluxErr[i][t] = append([]float32(nil), b.FluxErr[i][t]...)
				out.FilterID[i][t] = b.FilterID[i][t]
				out.DeltaTime[i][t] = b.DeltaTime[i][t]
				out.Mask[i][t] = true
			} else {
				out.Flux[i][t] = make([]float32, c)
				out.FluxErr[i][t] = make([]float32, c)
			}
		}
	}
	return out, lengths, nil
}
