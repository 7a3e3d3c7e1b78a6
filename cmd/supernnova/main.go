package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/JulienPeloton/SuperNNova/datasets"
	"github.com/JulienPeloton/SuperNNova/metrics"
	"github.com/JulienPeloton/SuperNNova/monte"
	"github.com/JulienPeloton/SuperNNova/rnn"
)

// defaultConfigJSON is the embedded configuration used when the user did not
// provide a --config path. The resolved configuration is always written to
// <dump_dir>/cf.json so a run can be reproduced from its artifacts.
const defaultConfigJSON = `{
  "dataset": {
    "processed_dir": "processed",
    "nb_classes": 2,
    "metadata_features": [],
    "data_fraction": 1.0
  },
  "model": {
    "module": "variational",
    "hidden_size": 32,
    "dropout": 0.2,
    "prior_sigma": 1.0
  },
  "training": {
    "nb_epoch": 50,
    "batch_size": 128,
    "learning_rate": 0.001,
    "lr_factor": 0.5,
    "min_lr": 1e-7,
    "patience": 10,
    "optimizer": "adam",
    "weight_decay": 1e-6,
    "clip_norm": 0
  },
  "prediction": {
    "num_inference_samples": 50,
    "offsets": [-2, -1, 0, 1, 2],
    "classification_threshold": 0.5
  },
  "dump_dir": "dump",
  "seed": 0
}
`

// runConfig mirrors the JSON configuration layout. Pointer fields
// distinguish "absent" from "explicit zero" during the merge.
type runConfig struct {
	Dataset struct {
		ProcessedDir     string   `json:"processed_dir"`
		NbClasses        int      `json:"nb_classes"`
		MetadataFeatures []string `json:"metadata_features"`
		DataFraction     float64  `json:"data_fraction"`
	} `json:"dataset"`
	Model struct {
		Module     string  `json:"module"`
		HiddenSize int     `json:"hidden_size"`
		Dropout    float64 `json:"dropout"`
		PriorSigma float64 `json:"prior_sigma"`
	} `json:"model"`
	Training struct {
		NbEpoch      int     `json:"nb_epoch"`
		BatchSize    int     `json:"batch_size"`
		LearningRate float64 `json:"learning_rate"`
		LRFactor     float64 `json:"lr_factor"`
		MinLR        float64 `json:"min_lr"`
		Patience     int     `json:"patience"`
		Optimizer    string  `json:"optimizer"`
		WeightDecay  float64 `json:"weight_decay"`
		ClipNorm     float64 `json:"clip_norm"`
	} `json:"training"`
	Prediction struct {
		NumInferenceSamples     int       `json:"num_inference_samples"`
		Offsets                 []float32 `json:"offsets"`
		ClassificationThreshold float64   `json:"classification_threshold"`
	} `json:"prediction"`
	DumpDir string `json:"dump_dir"`
	Seed    int64  `json:"seed"`
}

func loadConfig(path string) (*runConfig, error) {
	cfg := &runConfig{}
	if err := json.Unmarshal([]byte(defaultConfigJSON), cfg); err != nil {
		return nil, fmt.Errorf("parse embedded default config: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// parseOffsets parses a comma-separated offset list, e.g. "-2,-1,0,1,2".
func parseOffsets(s string) ([]float32, error) {
	var out []float32
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", tok, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func main() {
	configPath := flag.String("config", "", "path to JSON configuration file (optional; embedded defaults used when empty)")
	dataDir := flag.String("data", "", "processed dataset directory (overrides config)")
	dumpDir := flag.String("dump", "", "output directory for checkpoints, tables and plots (overrides config)")
	module := flag.String("module", "", "model module: vanilla, variational or bayesian (overrides config)")
	seed := flag.Int64("seed", -1, "random seed for splits, weight init and dropout sampling (overrides config when >= 0)")
	nbClasses := flag.Int("nb-classes", 0, "number of in-distribution classes (overrides config when > 0)")
	epochs := flag.Int("epochs", 0, "maximum training epochs (overrides config when > 0)")
	batchSize := flag.Int("batch-size", 0, "batch size (overrides config when > 0)")
	learningRate := flag.Float64("learning-rate", 0, "initial learning rate (overrides config when > 0)")
	dataFraction := flag.Float64("data-fraction", 0, "fraction of identifiers to keep (overrides config when > 0)")
	numSamples := flag.Int("num-samples", 0, "inference samples per example per window (overrides config when > 0)")
	offsetsFlag := flag.String("offsets", "", "comma-separated peak-relative window offsets (overrides config)")
	doTrain := flag.Bool("train", true, "run the training stage")
	doPredict := flag.Bool("predict", true, "run the prediction and metrics stages")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}

	// CLI flags override JSON values.
	if *dataDir != "" {
		cfg.Dataset.ProcessedDir = *dataDir
	}
	if *dumpDir != "" {
		cfg.DumpDir = *dumpDir
	}
	if *module != "" {
		cfg.Model.Module = *module
	}
	if *seed >= 0 {
		cfg.Seed = *seed
	}
	if *nbClasses > 0 {
		cfg.Dataset.NbClasses = *nbClasses
	}
	if *epochs > 0 {
		cfg.Training.NbEpoch = *epochs
	}
	if *batchSize > 0 {
		cfg.Training.BatchSize = *batchSize
	}
	if *learningRate > 0 {
		cfg.Training.LearningRate = *learningRate
	}
	if *dataFraction > 0 {
		cfg.Dataset.DataFraction = *dataFraction
	}
	if *numSamples > 0 {
		cfg.Prediction.NumInferenceSamples = *numSamples
	}
	if *offsetsFlag != "" {
		offs, err := parseOffsets(*offsetsFlag)
		if err != nil {
			logrus.Fatal(err)
		}
		cfg.Prediction.Offsets = offs
	}

	if *printEffectiveConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			logrus.Fatal(err)
		}
		fmt.Println(string(out))
		os.Exit(0)
	}

	if err := run(cfg, *doTrain, *doPredict); err != nil {
		logrus.Fatal(err)
	}
}

func run(cfg *runConfig, doTrain, doPredict bool) error {
	if err := prepareDumpDir(cfg.DumpDir, doTrain); err != nil {
		return err
	}
	cfPath := filepath.Join(cfg.DumpDir, "cf.json")
	if doTrain {
		if err := writeResolvedConfig(cfPath, cfg); err != nil {
			return err
		}
	} else {
		// Predict with the configuration the checkpoint was trained under,
		// keeping only the current prediction settings.
		if err := reloadSavedConfig(cfg, cfPath); err != nil {
			return fmt.Errorf("prediction without training requires %s: %w", cfPath, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"data":   cfg.Dataset.ProcessedDir,
		"dump":   cfg.DumpDir,
		"module": cfg.Model.Module,
		"seed":   cfg.Seed,
	}).Info("starting run")

	opts := datasets.Options{
		ProcessedDir:     cfg.Dataset.ProcessedDir,
		NbClasses:        cfg.Dataset.NbClasses,
		MetadataFeatures: cfg.Dataset.MetadataFeatures,
		DataFraction:     cfg.Dataset.DataFraction,
		Seed:             cfg.Seed,
	}
	splitsPath := filepath.Join(cfg.DumpDir, "data_splits.csv")
	if !doTrain {
		// Reuse the training run's split assignment for prediction-only runs.
		train, val, test, err := readSplits(splitsPath)
		if err != nil {
			return fmt.Errorf("prediction without training requires %s: %w", splitsPath, err)
		}
		opts.SNIDTrain, opts.SNIDVal, opts.SNIDTest = train, val, test
	}
	ds, err := datasets.NewLightCurveDataset(opts)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"train": ds.NumExamples("train"),
		"val":   ds.NumExamples("val"),
		"test":  ds.NumExamples("test"),
	}).Info("dataset loaded")
	if doTrain {
		if err := writeSplits(splitsPath, ds.SNIDs("train"), ds.SNIDs("val"), ds.SNIDs("test")); err != nil {
			return err
		}
	}

	netCfg := rnn.NetConfig{
		NbClasses:  cfg.Dataset.NbClasses,
		Channels:   ds.Channels(),
		HiddenSize: cfg.Model.HiddenSize,
		MetaDim:    len(cfg.Dataset.MetadataFeatures),
		Dropout:    cfg.Model.Dropout,
		PriorSigma: cfg.Model.PriorSigma,
		Seed:       cfg.Seed,
	}
	model, err := rnn.New(cfg.Model.Module, netCfg)
	if err != nil {
		return err
	}

	checkpointPath := filepath.Join(cfg.DumpDir, "net.gob")
	if doTrain {
		trainCfg := rnn.Config{
			Module:       cfg.Model.Module,
			NbClasses:    cfg.Dataset.NbClasses,
			NbEpoch:      cfg.Training.NbEpoch,
			BatchSize:    cfg.Training.BatchSize,
			LearningRate: cfg.Training.LearningRate,
			LRFactor:     cfg.Training.LRFactor,
			MinLR:        cfg.Training.MinLR,
			Patience:     cfg.Training.Patience,
			Optimizer:    cfg.Training.Optimizer,
			WeightDecay:  cfg.Training.WeightDecay,
			ClipNorm:     cfg.Training.ClipNorm,
			DumpDir:      cfg.DumpDir,
		}
		history, err := rnn.Train(trainCfg, model, ds)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"best_epoch":    history.BestEpoch + 1,
			"best_val_loss": history.BestValLoss,
		}).Info("training complete")
		if err := plotLoss(filepath.Join(cfg.DumpDir, "loss.png"), history); err != nil {
			return fmt.Errorf("plot loss curves: %w", err)
		}
	}

	if !doPredict {
		return nil
	}

	// Predict with the best checkpoint, not the last epoch's weights.
	if err := rnn.LoadCheckpoint(checkpointPath, cfg.Model.Module, model); err != nil {
		return fmt.Errorf("load checkpoint %s: %w", checkpointPath, err)
	}

	engine, err := monte.NewMonte(ds, model)
	if err != nil {
		return err
	}
	if err := engine.SetNumSamples(cfg.Prediction.NumInferenceSamples); err != nil {
		return err
	}
	engine.SetOffsets(cfg.Prediction.Offsets)
	if cfg.Training.BatchSize > 0 {
		if err := engine.SetBatchSize(cfg.Training.BatchSize); err != nil {
			return err
		}
	}
	res, err := engine.Run("test")
	if err != nil {
		return err
	}
	if err := monte.WritePredictions(filepath.Join(cfg.DumpDir, "PRED.csv"), res); err != nil {
		return err
	}

	for _, key := range res.Keys {
		logrus.WithFields(logrus.Fields{
			"window":   key,
			"accuracy": res.Accuracy[key],
		}).Info("test accuracy")
	}
	logrus.WithField("accuracy", res.MeanAccuracy).Info("test accuracy (mean estimator)")

	rows := metricsRows(cfg, res)
	if err := metrics.WriteCSV(filepath.Join(cfg.DumpDir, "METRICS.csv"), rows); err != nil {
		return err
	}
	logrus.WithField("dump", cfg.DumpDir).Info("run complete")
	return nil
}

// metricsRows assembles the METRICS.csv table: per-window performance,
// calibration of the full window, and the OOD-sensitive uncertainty block.
func metricsRows(cfg *runConfig, res *monte.Result) []metrics.Row {
	var rows []metrics.Row
	for _, key := range res.Keys {
		rows = append(rows, metrics.Performance(key, res.Predictions[key], res.NbClasses)...)
	}
	full := res.Predictions[monte.FullKey]
	rows = append(rows, metrics.Row{Name: "calibration_error", Value: metrics.Calibration(full, res.NbClasses, 10)})
	rows = append(rows, metrics.Uncertainty(full, res.NbClasses)...)
	rows = append(rows, metrics.EntropyRows(full, res.NbClasses)...)
	rows = append(rows, metrics.ClassificationRate(full, res.NbClasses, cfg.Prediction.ClassificationThreshold)...)
	return rows
}

// prepareDumpDir makes the dump directory available. Training runs start
// from a clean directory so no artifact of an earlier run (old checkpoint,
// prediction table) can survive into this one.
func prepareDumpDir(path string, fresh bool) error {
	if fresh {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clear dump dir %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create dump dir %s: %w", path, err)
	}
	return nil
}

// reloadSavedConfig replaces the dataset, model and seed sections with the
// ones recorded by the training run that produced the dump dir. Prediction
// settings keep their currently merged values.
func reloadSavedConfig(cfg *runConfig, path string) error {
	saved, err := loadConfig(path)
	if err != nil {
		return err
	}
	cfg.Dataset = saved.Dataset
	cfg.Model = saved.Model
	cfg.Seed = saved.Seed
	return nil
}

// writeResolvedConfig writes cf.json atomically via a temp file and rename.
func writeResolvedConfig(path string, cfg *runConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resolved config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "cf-*.json")
	if err != nil {
		return fmt.Errorf("unable to create temp config file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write resolved config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to move config file into place: %w", err)
	}
	return nil
}

// writeSplits writes data_splits.csv atomically via a temp file and rename.
func writeSplits(path string, train, val, test []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "splits-*.csv")
	if err != nil {
		return fmt.Errorf("unable to create temp split file: %w", err)
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"snid", "split"}); err != nil {
		return fail(err)
	}
	for _, group := range []struct {
		name  string
		snids []string
	}{{"train", train}, {"val", val}, {"test", test}} {
		for _, snid := range group.snids {
			if err := w.Write([]string{snid, group.name}); err != nil {
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
		return fmt.Errorf("unable to move split file into place: %w", err)
	}
	return nil
}

func readSplits(path string) (train, val, test []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue
		}
		switch rec[1] {
		case "train":
			train = append(train, rec[0])
		case "val":
			val = append(val, rec[0])
		case "test":
			test = append(test, rec[0])
		default:
			return nil, nil, nil, fmt.Errorf("unknown split %q at line %d of %s", rec[1], i+1, path)
		}
	}
	return train, val, test, nil
}

// plotLoss writes a PNG of the train/val log-loss curves over epochs.
func plotLoss(path string, h *rnn.History) error {
	p := plot.New()
	p.Title.Text = "Training curves"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "log loss"

	trainXY := make(plotter.XYs, 0, len(h.Epochs))
	valXY := make(plotter.XYs, 0, len(h.Epochs))
	for i, e := range h.Epochs {
		trainXY = append(trainXY, plotter.XY{X: float64(e), Y: h.Train["log_loss"][i]})
		valXY = append(valXY, plotter.XY{X: float64(e), Y: h.Val["log_loss"][i]})
	}

	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return err
	}
	trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	trainLine.Width = vg.Points(1.2)
	p.Add(trainLine)
	p.Legend.Add("train", trainLine)

	valLine, err := plotter.NewLine(valXY)
	if err != nil {
		return err
	}
	valLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	valLine.Width = vg.Points(1.2)
	p.Add(valLine)
	p.Legend.Add("val", valLine)

	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
