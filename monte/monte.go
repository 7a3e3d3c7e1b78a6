// Package monte runs Monte Carlo inference over a trained light-curve
// classifier: repeated stochastic forward passes per example, time-windowed
// truncation around each identifier's reference peak time, and
// per-identifier aggregation (median, mean, standard deviation) of the
// sampled class probabilities.
package monte

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/JulienPeloton/SuperNNova/datasets"
	"github.com/JulienPeloton/SuperNNova/metrics"
	"github.com/JulienPeloton/SuperNNova/rnn"
)

// Dataset is the minimal interface the Monte engine needs from the
// prediction dataset. Using an interface here avoids importing the concrete
// CSV-backed type and lets tests drive the engine with in-memory batches.
type Dataset interface {
	// NumExamples returns the example count of a split.
	NumExamples(split string) int

	// Iterate walks a split in batches of at most batchSize examples.
	Iterate(split string, batchSize int, fn func(*datasets.Batch) error) error

	// PeakTime returns the reference peak time of an identifier on the
	// elapsed-time axis, and whether one is known.
	PeakTime(snid string) (float32, bool)
}

// Monte runs the sampled-inference stage: for each example it evaluates the
// model NumSamples times on the full sequence and once more per truncation
// window, then reduces the collected probabilities per identifier.
type Monte struct {
	DS    Dataset
	Model rnn.Model

	// NumSamples is the stochastic forward-pass count per example per
	// window. Deterministic models get identical samples.
	NumSamples int

	// Offsets are the peak-relative window ends, in elapsed-time units.
	Offsets []float32

	// BatchSize bounds the per-pass batch width.
	BatchSize int
}

// NewMonte creates a Monte engine with the default window set and a single
// sample per example. ds and model must be non-nil.
func NewMonte(ds Dataset, model rnn.Model) (*Monte, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if model == nil {
		return nil, errors.New("model cannot be nil")
	}
	return &Monte{
		DS:         ds,
		Model:      model,
		NumSamples: 1,
		Offsets:    []float32{-2, -1, 0, 1, 2},
		BatchSize:  128,
	}, nil
}

// SetNumSamples overrides the per-example sample count. n must be >= 1.
func (m *Monte) SetNumSamples(n int) error {
	if n < 1 {
		return fmt.Errorf("num samples must be >= 1, got %d", n)
	}
	m.NumSamples = n
	return nil
}

// SetOffsets replaces the peak-relative window set. An empty slice disables
// windowed inference, leaving only the full-sequence pass.
func (m *Monte) SetOffsets(offsets []float32) {
	m.Offsets = append([]float32(nil), offsets...)
}

// SetBatchSize overrides the inference batch width.
func (m *Monte) SetBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", n)
	}
	m.BatchSize = n
	return nil
}

// FullKey is the accumulator key of the untruncated pass.
const FullKey = "all"

// OffsetKey names the accumulator entry of a peak-relative window.
func OffsetKey(offset float32) string {
	switch {
	case offset == 0:
		return "PEAKMJD"
	case offset > 0:
		return fmt.Sprintf("PEAKMJD+%g", offset)
	default:
		return fmt.Sprintf("PEAKMJD%g", offset)
	}
}

// Accumulator collects the sampled class probabilities of a run: one
// [numElem][numSamples][nbClasses] block per window key, NaN-filled so that
// windows a forward pass never reaches keep their sentinel. Every slot is
// written at most once.
type Accumulator struct {
	Keys    []string
	Probs   map[string][][][]float64
	Targets []int
	SNIDs   []string

	filled map[string][][]bool
}

// NewAccumulator allocates a sentinel-filled accumulator.
func NewAccumulator(keys []string, numElem, numSamples, nbClasses int) *Accumulator {
	a := &Accumulator{
		Keys:    append([]string(nil), keys...),
		Probs:   make(map[string][][][]float64, len(keys)),
		Targets: make([]int, numElem),
		SNIDs:   make([]string, numElem),
		filled:  make(map[string][][]bool, len(keys)),
	}
	for _, key := range keys {
		block := make([][][]float64, numElem)
		filled := make([][]bool, numElem)
		for e := 0; e < numElem; e++ {
			block[e] = make([][]float64, numSamples)
			filled[e] = make([]bool, numSamples)
			for s := 0; s < numSamples; s++ {
				row := make([]float64, nbClasses)
				for c := range row {
					row[c] = math.NaN()
				}
				block[e][s] = row
			}
		}
		a.Probs[key] = block
		a.filled[key] = filled
	}
	return a
}

// NumElem returns the element capacity of the accumulator.
func (a *Accumulator) NumElem() int { return len(a.Targets) }

// NumSamples returns the per-element sample capacity.
func (a *Accumulator) NumSamples() int {
	if len(a.Keys) == 0 || a.NumElem() == 0 {
		return 0
	}
	return len(a.Probs[a.Keys[0]][0])
}

// Set records one sampled probability vector. Writing a slot twice is an
// error.
func (a *Accumulator) Set(key string, elem, sample int, probs []float32) error {
	block, ok := a.Probs[key]
	if !ok {
		return fmt.Errorf("unknown accumulator key %q", key)
	}
	if elem < 0 || elem >= len(block) {
		return fmt.Errorf("element %d out of range [0, %d)", elem, len(block))
	}
	if sample < 0 || sample >= len(block[elem]) {
		return fmt.Errorf("sample %d out of range [0, %d)", sample, len(block[elem]))
	}
	if a.filled[key][elem][sample] {
		return fmt.Errorf("slot (%s, %d, %d) written twice", key, elem, sample)
	}
	row := block[elem][sample]
	if len(probs) != len(row) {
		return fmt.Errorf("probability vector has %d classes, accumulator expects %d", len(probs), len(row))
	}
	for c, v := range probs {
		row[c] = float64(v)
	}
	a.filled[key][elem][sample] = true
	return nil
}

// Result holds the aggregated predictions and accuracy summary of one run.
type Result struct {
	Keys      []string
	NbClasses int

	// Predictions maps each window key to one aggregated prediction per
	// identifier, in first-seen order.
	Predictions map[string][]metrics.WindowPrediction

	// Accuracy is the argmax-of-median accuracy per window key, computed
	// after dropping identifiers without a prediction for that window.
	Accuracy map[string]float64

	// MeanAccuracy is the full-window accuracy of the mean estimator.
	MeanAccuracy float64

	// Acc keeps the raw per-sample probabilities for the prediction table.
	Acc *Accumulator
}

// Run performs sampled inference over a split and aggregates the results.
func (m *Monte) Run(split string) (*Result, error) {
	if m.NumSamples < 1 {
		return nil, fmt.Errorf("num samples must be >= 1, got %d", m.NumSamples)
	}
	if m.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", m.BatchSize)
	}
	numElem := m.DS.NumExamples(split)
	if numElem == 0 {
		return nil, fmt.Errorf("split %q is empty", split)
	}
	nbClasses := m.Model.NumClasses()

	keys := []string{FullKey}
	for _, off := range m.Offsets {
		keys = append(keys, OffsetKey(off))
	}
	acc := NewAccumulator(keys, numElem, m.NumSamples, nbClasses)
	numBatches := (numElem + m.BatchSize - 1) / m.BatchSize

	elem := 0
	err := m.DS.Iterate(split, m.BatchSize, func(b *datasets.Batch) error {
		n := b.Size()
		if elem+n > numElem {
			return fmt.Errorf("iteration produced more than %d examples", numElem)
		}
		full := make([]int, n)
		for i := 0; i < n; i++ {
			acc.SNIDs[elem+i] = b.SNID[i]
			acc.Targets[elem+i] = b.Target[i]
			full[i] = elem + i
		}
		if err := m.sampleInto(acc, FullKey, b, full, numBatches); err != nil {
			return err
		}

		refs := make([]float32, n)
		for i := 0; i < n; i++ {
			peak, ok := m.DS.PeakTime(b.SNID[i])
			if !ok {
				peak = float32(math.NaN())
			}
			refs[i] = peak
		}
		for _, off := range m.Offsets {
			tb, lengths, err := Truncate(b, refs, off)
			if err != nil {
				return err
			}
			var rows, elems []int
			for i, l := range lengths {
				if l > 0 {
					rows = append(rows, i)
					elems = append(elems, elem+i)
				}
			}
			if len(rows) == 0 {
				// Every example falls before its first observation for
				// this window; the sentinels stand.
				continue
			}
			sub := selectRows(tb, rows)
			if err := m.sampleInto(acc, OffsetKey(off), sub, elems, numBatches); err != nil {
				return err
			}
		}
		elem += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prediction stage: %w", err)
	}
	if elem != numElem {
		return nil, fmt.Errorf("prediction stage: iterated %d of %d examples", elem, numElem)
	}

	preds := Aggregate(acc, nbClasses)
	res := &Result{
		Keys:        keys,
		NbClasses:   nbClasses,
		Predictions: preds,
		Accuracy:    make(map[string]float64, len(keys)),
		Acc:         acc,
	}
	for _, key := range keys {
		res.Accuracy[key] = accuracyOf(preds[key], nbClasses, false)
	}
	res.MeanAccuracy = accuracyOf(preds[FullKey], nbClasses, true)
	return res, nil
}

// sampleInto runs NumSamples stochastic passes over b and records the
// resulting probabilities at the given accumulator elements. The sampled
// loss is discarded; numBatches is the split's batch count so the forward
// call matches its contract anyway.
func (m *Monte) sampleInto(acc *Accumulator, key string, b *datasets.Batch, elems []int, numBatches int) error {
	for s := 0; s < m.NumSamples; s++ {
		_, probs, _, err := rnn.ForwardPass(m.Model, b, numBatches, rnn.ModeSample)
		if err != nil {
			return err
		}
		for i, e := range elems {
			if err := acc.Set(key, e, s, probs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectRows builds a batch view of the given rows. The row-level slices are
// shared with b, which is safe because forward passes never mutate batches.
func selectRows(b *datasets.Batch, rows []int) *datasets.Batch {
	out := &datasets.Batch{
		Flux:      make([][][]float32, len(rows)),
		FluxErr:   make([][][]float32, len(rows)),
		FilterID:  make([][]int32, len(rows)),
		DeltaTime: make([][]float32, len(rows)),
		Mask:      make([][]bool, len(rows)),
		Target:    make([]int, len(rows)),
		SNID:      make([]string, len(rows)),
	}
	if b.Meta != nil {
		out.Meta = make([][]float32, len(rows))
	}
	for i, r := range rows {
		out.Flux[i] = b.Flux[r]
		out.FluxErr[i] = b.FluxErr[r]
		out.FilterID[i] = b.FilterID[r]
		out.DeltaTime[i] = b.DeltaTime[r]
		out.Mask[i] = b.Mask[r]
		out.Target[i] = b.Target[r]
		out.SNID[i] = b.SNID[r]
		if b.Meta != nil {
			out.Meta[i] = b.Meta[r]
		}
	}
	return out
}

// Aggregate reduces the accumulated samples to one prediction per
// identifier and window key: the per-class median, mean, and standard
// deviation over every non-sentinel sample of the identifier's rows. An
// identifier whose samples are all sentinels for a window gets NaN in every
// class slot.
func Aggregate(acc *Accumulator, nbClasses int) map[string][]metrics.WindowPrediction {
	var order []string
	groups := make(map[string][]int)
	for e, snid := range acc.SNIDs {
		if _, seen := groups[snid]; !seen {
			order = append(order, snid)
		}
		groups[snid] = append(groups[snid], e)
	}

	out := make(map[string][]metrics.WindowPrediction, len(acc.Keys))
	for _, key := range acc.Keys {
		block := acc.Probs[key]
		preds := make([]metrics.WindowPrediction, 0, len(order))
		for _, snid := range order {
			elems := groups[snid]
			p := metrics.WindowPrediction{
				SNID:   snid,
				Target: acc.Targets[elems[0]],
				Median: make([]float64, nbClasses),
				Mean:   make([]float64, nbClasses),
				Std:    make([]float64, nbClasses),
			}
			for c := 0; c < nbClasses; c++ {
				var vals []float64
				for _, e := range elems {
					for _, row := range block[e] {
						if !math.IsNaN(row[c]) {
							vals = append(vals, row[c])
						}
					}
				}
				if len(vals) == 0 {
					p.Median[c] = math.NaN()
					p.Mean[c] = math.NaN()
					p.Std[c] = math.NaN()
					continue
				}
				p.Median[c] = median(vals)
				p.Mean[c] = stat.Mean(vals, nil)
				if len(vals) == 1 {
					p.Std[c] = 0
				} else {
					p.Std[c] = stat.StdDev(vals, nil)
				}
			}
			preds = append(preds, p)
		}
		out[key] = preds
	}
	return out
}

// accuracyOf computes the fraction of identifiers whose estimator argmax
// matches the target, dropping missing predictions and out-of-distribution
// targets before taking the fraction.
func accuracyOf(preds []metrics.WindowPrediction, nbClasses int, useMean bool) float64 {
	var correct, total int
	for _, p := range preds {
		if !p.Valid() || p.Target < 0 || p.Target >= nbClasses {
			continue
		}
		est := p.Median
		if useMean {
			est = p.Mean
		}
		total++
		best := 0
		for c := 1; c < len(est); c++ {
			if est[c] > est[best] {
				best = c
			}
		}
		if best == p.Target {
			correct++
		}
	}
	if total == 0 {
		return math.NaN()
	}
	return float64(correct) / float64(total)
}

// median sorts a copy of vals and returns the middle value, averaging the
// two central values for even counts.
func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// WritePredictions writes the per-sample prediction table as CSV, one row
// per (identifier row, sample) with the raw class probabilities of every
// window plus the identifier's aggregated median/mean/std columns. The file
// is written atomically via a temp file and rename.
func WritePredictions(path string, res *Result) error {
	acc := res.Acc
	aggIndex := make(map[string]map[string]metrics.WindowPrediction, len(res.Keys))
	for _, key := range res.Keys {
		byID := make(map[string]metrics.WindowPrediction, len(res.Predictions[key]))
		for _, p := range res.Predictions[key] {
			byID[p.SNID] = p
		}
		aggIndex[key] = byID
	}

	header := []string{"snid", "target", "sample"}
	for _, key := range res.Keys {
		for c := 0; c < res.NbClasses; c++ {
			header = append(header, fmt.Sprintf("%s_class%d", key, c))
		}
	}
	for _, key := range res.Keys {
		for c := 0; c < res.NbClasses; c++ {
			header = append(header,
				fmt.Sprintf("%s_class%d_median", key, c),
				fmt.Sprintf("%s_class%d_mean", key, c),
				fmt.Sprintf("%s_class%d_std", key, c))
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "pred-*.csv")
	if err != nil {
		return fmt.Errorf("unable to create temp prediction file: %w", err)
	}
	w := csv.NewWriter(tmp)
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := w.Write(header); err != nil {
		return fail(err)
	}
	numSamples := acc.NumSamples()
	for e := 0; e < acc.NumElem(); e++ {
		snid := acc.SNIDs[e]
		for s := 0; s < numSamples; s++ {
			row := []string{snid, strconv.Itoa(acc.Targets[e]), strconv.Itoa(s)}
			for _, key := range res.Keys {
				for c := 0; c < res.NbClasses; c++ {
					row = append(row, formatProb(acc.Probs[key][e][s][c]))
				}
			}
			for _, key := range res.Keys {
				agg := aggIndex[key][snid]
				for c := 0; c < res.NbClasses; c++ {
					row = append(row,
						formatProb(agg.Median[c]),
						formatProb(agg.Mean[c]),
						formatProb(agg.Std[c]))
				}
			}
			if err := w.Write(row); err != nil {
				return fail(err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to move prediction file into place: %w", err)
	}
	return nil
}

func formatProb(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
