package monte

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/JulienPeloton/SuperNNova/metrics"
)

// PredictionTable is a prediction file read back into memory: the aggregated
// per-identifier estimates of every time window, keyed the same way Result
// keys them. Raw per-sample rows are folded away; only the aggregate columns
// survive the round trip.
type PredictionTable struct {
	Keys      []string
	NbClasses int

	// Predictions maps window key to per-identifier aggregates in file order.
	Predictions map[string][]metrics.WindowPrediction
}

// Accuracy returns the median-estimator accuracy for one window of the table.
func (t *PredictionTable) Accuracy(key string) float64 {
	return accuracyOf(t.Predictions[key], t.NbClasses, false)
}

type aggColumn struct {
	key   string
	class int
	stat  int // 0 median, 1 mean, 2 std
}

// ReadPredictions loads a CSV written by WritePredictions. Only the
// aggregate median/mean/std columns are read; the file's window keys and
// class count are discovered from the header.
func ReadPredictions(path string) (*PredictionTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prediction file %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read prediction header: %w", err)
	}
	if len(header) < 3 || header[0] != "snid" || header[1] != "target" || header[2] != "sample" {
		return nil, fmt.Errorf("unexpected prediction header: %v", header)
	}

	cols := make(map[int]aggColumn)
	var keys []string
	seenKey := make(map[string]bool)
	nbClasses := 0
	for i, name := range header[3:] {
		stat := -1
		base := name
		switch {
		case strings.HasSuffix(name, "_median"):
			stat, base = 0, strings.TrimSuffix(name, "_median")
		case strings.HasSuffix(name, "_mean"):
			stat, base = 1, strings.TrimSuffix(name, "_mean")
		case strings.HasSuffix(name, "_std"):
			stat, base = 2, strings.TrimSuffix(name, "_std")
		default:
			// raw per-sample column
			continue
		}
		sep := strings.LastIndex(base, "_class")
		if sep < 0 {
			return nil, fmt.Errorf("unparseable aggregate column %q", name)
		}
		class, err := strconv.Atoi(base[sep+len("_class"):])
		if err != nil {
			return nil, fmt.Errorf("unparseable class in column %q: %w", name, err)
		}
		key := base[:sep]
		if !seenKey[key] {
			seenKey[key] = true
			keys = append(keys, key)
		}
		if class+1 > nbClasses {
			nbClasses = class + 1
		}
		cols[i+3] = aggColumn{key: key, class: class, stat: stat}
	}
	if len(keys) == 0 || nbClasses == 0 {
		return nil, fmt.Errorf("prediction file %s carries no aggregate columns", path)
	}

	table := &PredictionTable{
		Keys:        keys,
		NbClasses:   nbClasses,
		Predictions: make(map[string][]metrics.WindowPrediction, len(keys)),
	}
	// aggregate columns repeat on every sample row; keep the first row per
	// identifier
	seenID := make(map[string]bool)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read prediction row: %w", err)
		}
		snid := record[0]
		if seenID[snid] {
			continue
		}
		seenID[snid] = true
		target, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("parse target for %s: %w", snid, err)
		}
		byKey := make(map[string]*metrics.WindowPrediction, len(keys))
		for _, key := range keys {
			byKey[key] = &metrics.WindowPrediction{
				SNID:   snid,
				Target: target,
				Median: make([]float64, nbClasses),
				Mean:   make([]float64, nbClasses),
				Std:    make([]float64, nbClasses),
			}
		}
		for idx, col := range cols {
			v, err := strconv.ParseFloat(record[idx], 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s column for %s: %w", header[idx], snid, err)
			}
			p := byKey[col.key]
			switch col.stat {
			case 0:
				p.Median[col.class] = v
			case 1:
				p.Mean[col.class] = v
			case 2:
				p.Std[col.class] = v
			}
		}
		for _, key := range keys {
			table.Predictions[key] = append(table.Predictions[key], *byKey[key])
		}
	}
	return table, nil
}
