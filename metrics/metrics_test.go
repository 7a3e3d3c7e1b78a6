package metrics

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestEvaluationKnownValues(t *testing.T) {
	probs := [][]float32{
		{0.9, 0.1},
		{0.2, 0.8},
		{0.6, 0.4},
	}
	targets := []int{0, 1, 1}
	got := Evaluation(probs, targets, 2)
	if !approxEqual(got["accuracy"], 2.0/3.0, 1e-9) {
		t.Fatalf("accuracy = %v, want 2/3", got["accuracy"])
	}
	wantLoss := -(math.Log(0.9) + math.Log(0.8) + math.Log(0.4)) / 3
	if !approxEqual(got["log_loss"], wantLoss, 1e-6) {
		t.Fatalf("log_loss = %v, want %v", got["log_loss"], wantLoss)
	}
}

func TestEvaluationExcludesOutOfRange(t *testing.T) {
	probs := [][]float32{
		{0.9, 0.1},
		{0.5, 0.5},
	}
	got := Evaluation(probs, []int{0, 7}, 2)
	if got["accuracy"] != 1 {
		t.Fatalf("accuracy = %v, want 1 with the out-of-range target dropped", got["accuracy"])
	}
	if !approxEqual(got["log_loss"], -math.Log(0.9), 1e-6) {
		t.Fatalf("log_loss = %v, want %v", got["log_loss"], -math.Log(0.9))
	}

	empty := Evaluation(probs, []int{7, 7}, 2)
	if !math.IsNaN(empty["accuracy"]) || !math.IsNaN(empty["log_loss"]) {
		t.Fatalf("all-out-of-range targets should yield NaN metrics, got %v", empty)
	}
}

func pred(snid string, target int, median ...float64) WindowPrediction {
	std := make([]float64, len(median))
	return WindowPrediction{SNID: snid, Target: target, Median: median, Mean: median, Std: std}
}

func TestPerformanceDropsInvalidAndOOD(t *testing.T) {
	preds := []WindowPrediction{
		pred("a", 0, 0.8, 0.2),
		pred("b", 1, 0.3, 0.7),
		pred("c", 1, 0.9, 0.1),   // wrong
		pred("ood", 9, 0.9, 0.1), // out of distribution
		pred("gap", 0, math.NaN(), math.NaN()), // no in-bounds window
	}
	rows := Performance("PEAKMJD", preds, 2)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Name != "PEAKMJD_accuracy" || !approxEqual(rows[0].Value, 2.0/3.0, 1e-9) {
		t.Fatalf("accuracy row = %+v, want PEAKMJD_accuracy 2/3", rows[0])
	}
	// class 0 recall 1, class 1 recall 1/2
	if rows[1].Name != "PEAKMJD_balanced_accuracy" || !approxEqual(rows[1].Value, 0.75, 1e-9) {
		t.Fatalf("balanced row = %+v, want PEAKMJD_balanced_accuracy 0.75", rows[1])
	}
}

func TestCalibrationConfidentCorrect(t *testing.T) {
	preds := []WindowPrediction{
		pred("a", 0, 1, 0),
		pred("b", 1, 0, 1),
	}
	if ece := Calibration(preds, 2, 10); !approxEqual(ece, 0, 1e-12) {
		t.Fatalf("calibration error = %v, want 0 for perfectly confident correct predictions", ece)
	}
	if ece := Calibration(nil, 2, 10); !math.IsNaN(ece) {
		t.Fatalf("calibration over no predictions = %v, want NaN", ece)
	}
}

func TestCalibrationGap(t *testing.T) {
	// Confidence 0.9 but only half correct: one bin, gap 0.4.
	a := pred("a", 0, 0.9, 0.1)
	b := pred("b", 1, 0.9, 0.1)
	if ece := Calibration([]WindowPrediction{a, b}, 2, 10); !approxEqual(ece, 0.4, 1e-9) {
		t.Fatalf("calibration error = %v, want 0.4", ece)
	}
}

func TestUncertaintySplitsOOD(t *testing.T) {
	in := pred("a", 0, 0.8, 0.2)
	in.Std = []float64{0.1, 0.3}
	ood := pred("x", 9, 0.5, 0.5)
	ood.Std = []float64{0.4, 0.4}

	rows := Uncertainty([]WindowPrediction{in}, 2)
	if len(rows) != 1 || rows[0].Name != "mean_std" {
		t.Fatalf("without OOD targets got rows %+v, want single mean_std", rows)
	}
	if !approxEqual(rows[0].Value, 0.2, 1e-9) {
		t.Fatalf("mean_std = %v, want 0.2", rows[0].Value)
	}

	rows = Uncertainty([]WindowPrediction{in, ood}, 2)
	if len(rows) != 2 || rows[1].Name != "mean_std_ood" {
		t.Fatalf("with OOD targets got rows %+v, want mean_std and mean_std_ood", rows)
	}
	if !approxEqual(rows[1].Value, 0.4, 1e-9) {
		t.Fatalf("mean_std_ood = %v, want 0.4", rows[1].Value)
	}
}

func TestEntropyRows(t *testing.T) {
	certain := pred("a", 0, 1, 0)
	uniform := pred("x", 9, 0.5, 0.5)
	rows := EntropyRows([]WindowPrediction{certain, uniform}, 2)
	if len(rows) != 2 {
		t.Fatalf("got rows %+v, want in-distribution and OOD entries", rows)
	}
	if !approxEqual(rows[0].Value, 0, 1e-9) {
		t.Fatalf("mean_entropy = %v, want 0 for a one-hot prediction", rows[0].Value)
	}
	if !approxEqual(rows[1].Value, math.Log(2), 1e-9) {
		t.Fatalf("mean_entropy_ood = %v, want ln 2 for a uniform prediction", rows[1].Value)
	}
}

func TestClassificationRate(t *testing.T) {
	confident := pred("a", 0, 0.9, 0.1)
	hesitant := pred("b", 1, 0.45, 0.55)
	oodConfident := pred("x", 9, 0.8, 0.2)
	rows := ClassificationRate([]WindowPrediction{confident, hesitant, oodConfident}, 2, 0.7)
	if len(rows) != 2 {
		t.Fatalf("got rows %+v, want in-distribution and OOD entries", rows)
	}
	if !approxEqual(rows[0].Value, 0.5, 1e-9) {
		t.Fatalf("classification_rate = %v, want 0.5", rows[0].Value)
	}
	if !approxEqual(rows[1].Value, 1, 1e-9) {
		t.Fatalf("classification_rate_ood = %v, want 1", rows[1].Value)
	}
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "METRICS.csv")
	rows := []Row{
		{Name: "all_accuracy", Value: 0.75},
		{Name: "mean_entropy", Value: math.NaN()},
	}
	if err := WriteCSV(path, rows); err != nil {
		t.Fatalf("WriteCSV error: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header plus 2 rows", len(records))
	}
	if records[0][0] != "metric" || records[0][1] != "value" {
		t.Fatalf("bad header: %v", records[0])
	}
	if records[1][0] != "all_accuracy" || records[1][1] != "0.75" {
		t.Fatalf("bad first row: %v", records[1])
	}
	if records[2][1] != "NaN" {
		t.Fatalf("NaN value serialized as %q", records[2][1])
	}
}
