package rnn

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

// mockData serves prebuilt train/val batches through the Data interface.
type mockData struct {
	train, val []*datasets.Batch
}

func (m *mockData) split(name string) []*datasets.Batch {
	if name == "val" {
		return m.val
	}
	return m.train
}

func (m *mockData) Shuffle() {}

func (m *mockData) NumBatches(split string, batchSize int) int {
	return len(m.split(split))
}

func (m *mockData) NumExamples(split string) int {
	n := 0
	for _, b := range m.split(split) {
		n += b.Size()
	}
	return n
}

func (m *mockData) Iterate(split string, batchSize int, fn func(*datasets.Batch) error) error {
	for _, b := range m.split(split) {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockData) Norms() (flux, fluxErr, deltaTime datasets.Norm) {
	id := datasets.Norm{Mean: 0, Std: 1}
	return id, id, id
}

// classBatch builds a trivially separable batch: class 0 examples carry
// positive flux, class 1 negative.
func classBatch(n int) *datasets.Batch {
	const T = 2
	b := &datasets.Batch{
		Flux:      make([][][]float32, n),
		FluxErr:   make([][][]float32, n),
		FilterID:  make([][]int32, n),
		DeltaTime: make([][]float32, n),
		Mask:      make([][]bool, n),
		Target:    make([]int, n),
		SNID:      make([]string, n),
	}
	for i := 0; i < n; i++ {
		cls := i % 2
		sign := float32(1)
		if cls == 1 {
			sign = -1
		}
		b.Target[i] = cls
		b.Flux[i] = make([][]float32, T)
		b.FluxErr[i] = make([][]float32, T)
		b.FilterID[i] = make([]int32, T)
		b.DeltaTime[i] = make([]float32, T)
		b.Mask[i] = make([]bool, T)
		for t := 0; t < T; t++ {
			b.Flux[i][t] = []float32{sign * 2}
			b.FluxErr[i][t] = []float32{0.1}
			b.DeltaTime[i][t] = 1
			b.Mask[i][t] = true
		}
	}
	return b
}

func TestTrainReducesLoss(t *testing.T) {
	ds := &mockData{
		train: []*datasets.Batch{classBatch(16)},
		val:   []*datasets.Batch{classBatch(8)},
	}
	m, err := New("vanilla", NetConfig{NbClasses: 2, Channels: 1, HiddenSize: 8, NumEmbeddings: 2, Seed: 3})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	dump := t.TempDir()
	cfg := Config{
		Module:       "vanilla",
		NbClasses:    2,
		NbEpoch:      40,
		BatchSize:    16,
		LearningRate: 0.01,
		Patience:     50,
		ClipNorm:     5,
		DumpDir:      dump,
	}
	history, err := Train(cfg, m, ds)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	if len(history.Epochs) == 0 {
		t.Fatal("empty training history")
	}
	for name, series := range history.Train {
		if len(series) != len(history.Epochs) {
			t.Fatalf("train series %q has %d entries for %d epochs", name, len(series), len(history.Epochs))
		}
	}
	for name, series := range history.Val {
		if len(series) != len(history.Epochs) {
			t.Fatalf("val series %q has %d entries for %d epochs", name, len(series), len(history.Epochs))
		}
	}

	losses := history.Train["log_loss"]
	if last := losses[len(losses)-1]; !(last < losses[0]) {
		t.Fatalf("training loss did not decrease: first=%v last=%v", losses[0], last)
	}
	if !(history.BestValLoss < math.Log(2)) {
		t.Fatalf("best validation loss %v never beat the uniform baseline", history.BestValLoss)
	}
	if history.BestEpoch < 0 {
		t.Fatalf("no best epoch recorded")
	}
	if _, err := os.Stat(filepath.Join(dump, "net.gob")); err != nil {
		t.Fatalf("best checkpoint not written: %v", err)
	}
}

func TestTrainClassCountMismatch(t *testing.T) {
	ds := &mockData{
		train: []*datasets.Batch{classBatch(8)},
		val:   []*datasets.Batch{classBatch(4)},
	}
	m, err := New("vanilla", NetConfig{NbClasses: 3, Channels: 1, HiddenSize: 4, NumEmbeddings: 2, Seed: 3})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	cfg := Config{Module: "vanilla", NbClasses: 2, DumpDir: t.TempDir()}
	if _, err := Train(cfg, m, ds); err == nil {
		t.Fatal("class-count mismatch did not error")
	}
}

func TestTrainStopsAtMinLR(t *testing.T) {
	ds := &mockData{
		train: []*datasets.Batch{classBatch(8)},
		val:   []*datasets.Batch{classBatch(4)},
	}
	m, err := New("vanilla", NetConfig{NbClasses: 2, Channels: 1, HiddenSize: 4, NumEmbeddings: 2, Seed: 3})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	// Aggressive schedule: any plateau drops straight to the floor and the
	// loop must stop well before the epoch limit.
	cfg := Config{
		Module:       "vanilla",
		NbClasses:    2,
		NbEpoch:      500,
		LearningRate: 1e-6,
		LRFactor:     0.01,
		MinLR:        1e-6,
		Patience:     1,
		DumpDir:      t.TempDir(),
	}
	history, err := Train(cfg, m, ds)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	// The starting rate already sits at the floor, so the first epoch ends
	// the run.
	if len(history.Epochs) != 1 {
		t.Fatalf("trained for %d epochs, want 1", len(history.Epochs))
	}
}

// flatModel scores every example identically, so validation loss improves on
// the first epoch only and then plateaus forever.
type flatModel struct{ k int }

func (m *flatModel) Forward(b *datasets.Batch, mode Mode) ([][]float32, error) {
	out := make([][]float32, b.Size())
	for i := range out {
		out[i] = make([]float32, m.k)
	}
	return out, nil
}

func (m *flatModel) Backward(dScores [][]float32, regScale float32) error { return nil }
func (m *flatModel) Params() []*Param                                     { return nil }
func (m *flatModel) NumClasses() int                                      { return m.k }

func TestTrainPlateauStops(t *testing.T) {
	ds := &mockData{
		train: []*datasets.Batch{classBatch(8)},
		val:   []*datasets.Batch{classBatch(4)},
	}
	// lr 4e-7 with factor 0.5 needs exactly two reductions to hit the 1e-7
	// floor. Patience 1 tolerates one flat epoch per reduction, so on a
	// never-improving loss the reductions land after epochs 3 and 5 and the
	// loop must halt at epoch 5, far from the epoch limit.
	cfg := Config{
		Module:       "vanilla",
		NbClasses:    2,
		NbEpoch:      50,
		LearningRate: 4e-7,
		LRFactor:     0.5,
		MinLR:        1e-7,
		Patience:     1,
		DumpDir:      t.TempDir(),
	}
	history, err := Train(cfg, &flatModel{k: 2}, ds)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	if len(history.Epochs) != 5 {
		t.Fatalf("trained for %d epochs, want 5 (stop when the rate reaches the floor)", len(history.Epochs))
	}
	if history.BestEpoch != 0 {
		t.Fatalf("best epoch = %d, want 0 on a plateaued loss", history.BestEpoch)
	}
	losses := history.Val["log_loss"]
	for i := 1; i < len(losses); i++ {
		if !approxEqual(losses[i], losses[0], 1e-9) {
			t.Fatalf("validation loss moved on a constant model: %v", losses)
		}
	}
}

func TestHistoryAppendInvariant(t *testing.T) {
	h := NewHistory()
	set := map[string]float64{"accuracy": 0.5, "log_loss": 0.7}
	if err := h.Append(1, set, set); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	// dropping a metric on the second epoch breaks the equal-length invariant
	if err := h.Append(2, map[string]float64{"accuracy": 0.6}, set); err == nil {
		t.Fatal("unequal series lengths did not error")
	}
}
