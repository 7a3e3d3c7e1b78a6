// Package metrics computes evaluation tables for light-curve classifiers:
// the per-epoch training metrics (accuracy, log-loss) and the post-inference
// METRICS.csv table built from aggregated Monte Carlo predictions
// (calibration, per-window performance, and uncertainty statistics for
// out-of-distribution types).
package metrics

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// Evaluation returns the training-loop metric set for a block of class
// probabilities: "accuracy" and "log_loss". Targets outside [0, nbClasses)
// are excluded from both averages.
func Evaluation(probs [][]float32, targets []int, nbClasses int) map[string]float64 {
	var sumLoss float64
	var correct, counted int
	for i, p := range probs {
		t := targets[i]
		if t < 0 || t >= nbClasses {
			continue
		}
		counted++
		if argmax32(p) == t {
			correct++
		}
		pt := float64(p[t])
		if pt < 1e-15 {
			pt = 1e-15
		}
		sumLoss -= math.Log(pt)
	}
	out := map[string]float64{
		"accuracy": math.NaN(),
		"log_loss": math.NaN(),
	}
	if counted > 0 {
		out["accuracy"] = float64(correct) / float64(counted)
		out["log_loss"] = sumLoss / float64(counted)
	}
	return out
}

// WindowPrediction is one identifier's aggregated prediction for a single
// time window: per-class median, mean and standard deviation over the Monte
// Carlo samples. A window that produced no in-bounds prediction carries NaN
// in every class slot.
type WindowPrediction struct {
	SNID   string
	Target int
	Median []float64
	Mean   []float64
	Std    []float64
}

// Valid reports whether the window produced a usable prediction.
func (p WindowPrediction) Valid() bool {
	for _, v := range p.Median {
		if math.IsNaN(v) {
			return false
		}
	}
	return len(p.Median) > 0
}

// inDistribution reports whether the target lies in the trained class range.
func (p WindowPrediction) inDistribution(nbClasses int) bool {
	return p.Target >= 0 && p.Target < nbClasses
}

// Row is one line of the METRICS.csv table.
type Row struct {
	Name  string
	Value float64
}

// Performance computes accuracy and balanced accuracy of the median
// estimator for one window. Identifiers without a valid prediction and
// out-of-distribution targets are dropped before averaging.
func Performance(window string, preds []WindowPrediction, nbClasses int) []Row {
	perClassCorrect := make([]float64, nbClasses)
	perClassTotal := make([]float64, nbClasses)
	var correct, total int
	for _, p := range preds {
		if !p.Valid() || !p.inDistribution(nbClasses) {
			continue
		}
		total++
		perClassTotal[p.Target]++
		if argmax64(p.Median) == p.Target {
			correct++
			perClassCorrect[p.Target]++
		}
	}
	acc := math.NaN()
	if total > 0 {
		acc = float64(correct) / float64(total)
	}
	var recallSum float64
	var supported int
	for c := 0; c < nbClasses; c++ {
		if perClassTotal[c] > 0 {
			recallSum += perClassCorrect[c] / perClassTotal[c]
			supported++
		}
	}
	balanced := math.NaN()
	if supported > 0 {
		balanced = recallSum / float64(supported)
	}
	return []Row{
		{Name: window + "_accuracy", Value: acc},
		{Name: window + "_balanced_accuracy", Value: balanced},
	}
}

// Calibration returns the reliability-bin calibration error: top-class
// confidence is bucketed into nBins equal-width bins and the count-weighted
// absolute gap between bin confidence and bin accuracy is summed.
func Calibration(preds []WindowPrediction, nbClasses, nBins int) float64 {
	if nBins <= 0 {
		nBins = 10
	}
	binConf := make([]float64, nBins)
	binAcc := make([]float64, nBins)
	binCount := make([]float64, nBins)
	var total float64
	for _, p := range preds {
		if !p.Valid() || !p.inDistribution(nbClasses) {
			continue
		}
		top := argmax64(p.Median)
		conf := p.Median[top]
		bin := int(conf * float64(nBins))
		if bin >= nBins {
			bin = nBins - 1
		}
		if bin < 0 {
			bin = 0
		}
		binConf[bin] += conf
		if top == p.Target {
			binAcc[bin]++
		}
		binCount[bin]++
		total++
	}
	if total == 0 {
		return math.NaN()
	}
	var ece float64
	for b := 0; b < nBins; b++ {
		if binCount[b] == 0 {
			continue
		}
		gap := math.Abs(binAcc[b]/binCount[b] - binConf[b]/binCount[b])
		ece += binCount[b] / total * gap
	}
	return ece
}

// Uncertainty reports the mean Monte Carlo spread (standard deviation
// averaged over classes then identifiers), split into in-distribution and
// out-of-distribution targets. The OOD row is present only when OOD targets
// occur in the input.
func Uncertainty(preds []WindowPrediction, nbClasses int) []Row {
	var in, ood []float64
	for _, p := range preds {
		if !p.Valid() {
			continue
		}
		spread := stat.Mean(p.Std, nil)
		if p.inDistribution(nbClasses) {
			in = append(in, spread)
		} else {
			ood = append(ood, spread)
		}
	}
	rows := []Row{{Name: "mean_std", Value: meanOrNaN(in)}}
	if len(ood) > 0 {
		rows = append(rows, Row{Name: "mean_std_ood", Value: meanOrNaN(ood)})
	}
	return rows
}

// EntropyRows reports the mean predictive entropy of the median estimator,
// split by distribution membership as in Uncertainty.
func EntropyRows(preds []WindowPrediction, nbClasses int) []Row {
	var in, ood []float64
	for _, p := range preds {
		if !p.Valid() {
			continue
		}
		h := stat.Entropy(renormalized(p.Median))
		if p.inDistribution(nbClasses) {
			in = append(in, h)
		} else {
			ood = append(ood, h)
		}
	}
	rows := []Row{{Name: "mean_entropy", Value: meanOrNaN(in)}}
	if len(ood) > 0 {
		rows = append(rows, Row{Name: "mean_entropy_ood", Value: meanOrNaN(ood)})
	}
	return rows
}

// ClassificationRate is the fraction of identifiers whose top median
// probability clears the threshold, split by distribution membership. A low
// rate on OOD targets indicates the classifier abstains where it should.
func ClassificationRate(preds []WindowPrediction, nbClasses int, threshold float64) []Row {
	var in, ood []float64
	for _, p := range preds {
		if !p.Valid() {
			continue
		}
		classified := 0.0
		if p.Median[argmax64(p.Median)] >= threshold {
			classified = 1.0
		}
		if p.inDistribution(nbClasses) {
			in = append(in, classified)
		} else {
			ood = append(ood, classified)
		}
	}
	rows := []Row{{Name: "classification_rate", Value: meanOrNaN(in)}}
	if len(ood) > 0 {
		rows = append(rows, Row{Name: "classification_rate_ood", Value: meanOrNaN(ood)})
	}
	return rows
}

// WriteCSV writes the metric table atomically via a temp file and rename.
func WriteCSV(path string, rows []Row) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "metrics-*.csv")
	if err != nil {
		return fmt.Errorf("unable to create temp metrics file: %w", err)
	}
	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"metric", "value"}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.Name, strconv.FormatFloat(r.Value, 'g', -1, 64)}); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to move metrics file into place: %w", err)
	}
	return nil
}

func renormalized(p []float64) []float64 {
	var sum float64
	for _, v := range p {
		sum += v
	}
	out := make([]float64, len(p))
	if sum <= 0 {
		return out
	}
	for i, v := range p {
		out[i] = v / sum
	}
	return out
}

func meanOrNaN(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

func argmax32(p []float32) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

func argmax64(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
