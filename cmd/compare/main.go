// Command compare evaluates two prediction runs side by side. It reads the
// PRED.csv tables the supernnova command writes, reports per-window accuracy
// for both runs, and optionally writes a scatter plot of the two runs' median
// target-class probabilities plus a per-window accuracy CSV.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/JulienPeloton/SuperNNova/monte"
)

func main() {
	aPath := flag.String("a", "", "baseline PRED.csv path")
	bPath := flag.String("b", "", "candidate PRED.csv path")
	outDir := flag.String("out", "plots", "output directory for the comparison plot")
	outCSV := flag.String("out-csv", "", "if set, write per-window accuracy CSV to this path")
	plotKey := flag.String("plot-key", monte.FullKey, "window key to plot")
	flag.Parse()

	if *aPath == "" || *bPath == "" {
		logrus.Fatal("both -a and -b prediction files are required")
	}

	a, err := monte.ReadPredictions(*aPath)
	if err != nil {
		logrus.WithError(err).Fatal("unable to read baseline predictions")
	}
	b, err := monte.ReadPredictions(*bPath)
	if err != nil {
		logrus.WithError(err).Fatal("unable to read candidate predictions")
	}
	if a.NbClasses != b.NbClasses {
		logrus.Fatalf("runs disagree on class count: %d vs %d", a.NbClasses, b.NbClasses)
	}

	type accRow struct {
		key        string
		accA, accB float64
	}
	var rows []accRow
	for _, key := range a.Keys {
		if _, ok := b.Predictions[key]; !ok {
			logrus.WithField("window", key).Warn("window missing from candidate run, skipping")
			continue
		}
		row := accRow{key: key, accA: a.Accuracy(key), accB: b.Accuracy(key)}
		rows = append(rows, row)
		logrus.WithFields(logrus.Fields{
			"window":     row.key,
			"accuracy_a": row.accA,
			"accuracy_b": row.accB,
			"delta":      row.accB - row.accA,
		}).Info("window accuracy")
	}
	if len(rows) == 0 {
		logrus.Fatal("the two runs share no window keys")
	}

	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			logrus.WithError(err).Fatal("unable to create accuracy CSV")
		}
		w := csv.NewWriter(f)
		_ = w.Write([]string{"window", "accuracy_a", "accuracy_b", "delta"})
		for _, r := range rows {
			_ = w.Write([]string{
				r.key,
				strconv.FormatFloat(r.accA, 'g', -1, 64),
				strconv.FormatFloat(r.accB, 'g', -1, 64),
				strconv.FormatFloat(r.accB-r.accA, 'g', -1, 64),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			logrus.WithError(err).Fatal("unable to write accuracy CSV")
		}
		if err := f.Close(); err != nil {
			logrus.WithError(err).Fatal("unable to close accuracy CSV")
		}
		logrus.WithField("path", *outCSV).Info("accuracy table written")
	}

	if err := plotRuns(*outDir, *plotKey, a, b); err != nil {
		logrus.WithError(err).Fatal("unable to generate comparison plot")
	}
	logrus.WithField("dir", *outDir).Info("comparison plot written")
}

// plotRuns scatters the two runs' median target-class probability per
// identifier, one point per identifier the runs share. Points on the diagonal
// mean the runs agree; correct and incorrect identifiers get separate colors.
func plotRuns(outDir, key string, a, b *monte.PredictionTable) error {
	byID := make(map[string]int, len(b.Predictions[key]))
	for i, p := range b.Predictions[key] {
		byID[p.SNID] = i
	}

	var agree, disagree plotter.XYs
	for _, pa := range a.Predictions[key] {
		idx, ok := byID[pa.SNID]
		if !ok || pa.Target < 0 || pa.Target >= a.NbClasses {
			continue
		}
		pb := b.Predictions[key][idx]
		x, y := pa.Median[pa.Target], pb.Median[pa.Target]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		pt := plotter.XY{X: x, Y: y}
		if argmaxOf(pa.Median) == argmaxOf(pb.Median) {
			agree = append(agree, pt)
		} else {
			disagree = append(disagree, pt)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Median target probability, window %s", key)
	p.X.Label.Text = "run A"
	p.Y.Label.Text = "run B"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	diag := plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}}
	line, err := plotter.NewLine(diag)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	line.Width = vg.Points(0.8)
	p.Add(line)

	sa, err := plotter.NewScatter(agree)
	if err != nil {
		return err
	}
	sa.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	sa.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(sa)
	p.Legend.Add("same class", sa)

	sd, err := plotter.NewScatter(disagree)
	if err != nil {
		return err
	}
	sd.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 220}
	sd.GlyphStyle.Radius = vg.Points(2.4)
	p.Add(sd)
	p.Legend.Add("different class", sd)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "compare_predictions.png"))
}

func argmaxOf(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
