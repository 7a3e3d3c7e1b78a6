package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// LightCurveDataset loads a processed supernova light-curve dataset from CSV
// files and presents it as padded mini-batches grouped by SNID.
//
// The dataset is lazy: observation files are indexed once at construction and
// individual curves are only read when a batch is assembled. Two kinds of
// files live under the processed directory:
//
//   - observations*.csv: one row per observation step with columns
//     "snid", "delta_time", "flt" and per-channel "flux_<k>" / "fluxerr_<k>"
//     columns (channel count discovered from the header).
//   - header.csv: one row per SNID with columns "snid", "target",
//     "peak_time", optionally "sntype" and any configured metadata feature
//     columns.
type LightCurveDataset struct {
	// BatchSize used when yielding batches through the gomlx Dataset hooks.
	BatchSize int

	opts Options

	csvPaths []string

	// Column layout discovered from the first observations file.
	snidCol, timeCol, fltCol int
	fluxCols, fluxErrCols    []int

	// curveLoc maps SNID to the file and row indices holding its steps.
	curveLoc map[string]curveLocation

	headers map[string]*headerInfo

	splits map[string][]string

	rng *rand.Rand

	fluxNorm, fluxErrNorm, timeNorm Norm

	// yieldIter backs the gomlx Yield/Restart hooks.
	yieldIter *BatchIterator
}

// Options configures dataset loading and split assignment.
type Options struct {
	// ProcessedDir is the directory holding observations*.csv and header.csv.
	ProcessedDir string

	// NbClasses is the number of in-distribution classes. Examples whose
	// target falls outside [0, NbClasses) are excluded from the train and
	// validation splits but kept in the test split so out-of-distribution
	// behavior can be evaluated.
	NbClasses int

	// MetadataFeatures names header columns to expose as static per-example
	// features. Empty means no Meta block in batches.
	MetadataFeatures []string

	// DataFraction keeps only this fraction of the identifiers (applied
	// after shuffling). Zero or negative means use everything.
	DataFraction float64

	// Seed drives identifier shuffling. Set once at construction.
	Seed int64

	// Pre-assigned splits. When all three are empty a fresh 80/10/10
	// assignment is drawn; otherwise the given assignment is reused as-is
	// (the prediction stage reloads the training split this way).
	SNIDTrain, SNIDVal, SNIDTest []string
}

// Norm holds a mean/scale pair for one input magnitude.
type Norm struct {
	Mean float32
	Std  float32
}

type curveLocation struct {
	fileIdx int
	rows    []int
}

type headerInfo struct {
	target   int
	peakTime float32
	snType   int
	meta     []float32
}

// curve is one fully-read light curve, prior to padding.
type curve struct {
	deltaTime []float32
	filterID  []int32
	flux      [][]float32
	fluxErr   [][]float32
}

// NewLightCurveDataset indexes the processed directory, assigns splits and
// computes normalization statistics from the training split.
func NewLightCurveDataset(opts Options) (*LightCurveDataset, error) {
	if opts.NbClasses < 2 {
		return nil, fmt.Errorf("nb_classes must be >= 2, got %d", opts.NbClasses)
	}
	pattern := filepath.Join(opts.ProcessedDir, "observations*.csv")
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no observation CSV files found matching pattern: %s", pattern)
	}
	sort.Strings(csvPaths)

	ds := &LightCurveDataset{
		BatchSize: 32,
		opts:      opts,
		csvPaths:  csvPaths,
		curveLoc:  make(map[string]curveLocation),
		headers:   make(map[string]*headerInfo),
		splits:    make(map[string][]string),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}

	if err := ds.initializeColumns(); err != nil {
		return nil, err
	}
	if err := ds.buildCurveIndex(); err != nil {
		return nil, err
	}
	if err := ds.loadHeaders(); err != nil {
		return nil, err
	}
	if err := ds.assignSplits(); err != nil {
		return nil, err
	}
	if err := ds.computeNorms(); err != nil {
		return nil, err
	}
	return ds, nil
}

// initializeColumns reads the first observations CSV to determine the column
// layout, including the per-channel flux/fluxerr column pairs.
func (d *LightCurveDataset) initializeColumns() error {
	file, err := os.Open(d.csvPaths[0])
	if err != nil {
		return fmt.Errorf("open first observations CSV %s: %w", d.csvPaths[0], err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read observations header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	required := []string{"snid", "delta_time", "flt"}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("required column %q not found in observations CSV", col)
		}
	}
	d.snidCol = colIndex["snid"]
	d.timeCol = colIndex["delta_time"]
	d.fltCol = colIndex["flt"]

	// Channels are numbered flux_0, fluxerr_0, flux_1, ... Discover them in
	// order until a gap.
	for c := 0; ; c++ {
		fi, okF := colIndex[fmt.Sprintf("flux_%d", c)]
		ei, okE := colIndex[fmt.Sprintf("fluxerr_%d", c)]
		if !okF && !okE {
			break
		}
		if okF != okE {
			return fmt.Errorf("channel %d has flux without fluxerr (or vice versa)", c)
		}
		d.fluxCols = append(d.fluxCols, fi)
		d.fluxErrCols = append(d.fluxErrCols, ei)
	}
	if len(d.fluxCols) == 0 {
		return fmt.Errorf("no flux_<k>/fluxerr_<k> channel columns found in observations CSV")
	}
	return nil
}

// buildCurveIndex scans all observation files and records, per SNID, which
// file and rows hold its steps. Rows are kept in file order, which is the
// time order of the processed data.
func (d *LightCurveDataset) buildCurveIndex() error {
	for fileIdx, path := range d.csvPaths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		reader := csv.NewReader(file)
		if _, err := reader.Read(); err != nil {
			file.Close()
			return fmt.Errorf("read header of %s: %w", path, err)
		}
		rowIdx := 0
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("read %s row %d: %w", path, rowIdx, err)
			}
			snid := strings.TrimSpace(record[d.snidCol])
			loc, ok := d.curveLoc[snid]
			if ok && loc.fileIdx != fileIdx {
				file.Close()
				return fmt.Errorf("SNID %s appears in multiple observation files", snid)
			}
			loc.fileIdx = fileIdx
			loc.rows = append(loc.rows, rowIdx)
			d.curveLoc[snid] = loc
			rowIdx++
		}
		file.Close()
	}
	if len(d.curveLoc) == 0 {
		return fmt.Errorf("observation files contain no rows")
	}
	return nil
}

// loadHeaders reads header.csv into memory. Header data is small (one row
// per SNID) so it is kept resident, unlike the observation rows.
func (d *LightCurveDataset) loadHeaders() error {
	path := filepath.Join(d.opts.ProcessedDir, "header.csv")
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open header CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header CSV header row: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range []string{"snid", "target", "peak_time"} {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("required column %q not found in header CSV", col)
		}
	}
	snTypeCol, hasSNType := colIndex["sntype"]

	metaCols := make([]int, len(d.opts.MetadataFeatures))
	for i, name := range d.opts.MetadataFeatures {
		idx, ok := colIndex[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("metadata feature column %q not found in header CSV", name)
		}
		metaCols[i] = idx
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read header CSV row: %w", err)
		}
		snid := strings.TrimSpace(record[colIndex["snid"]])
		target, err := parseInt(record[colIndex["target"]])
		if err != nil {
			return fmt.Errorf("parse target for SNID %s: %w", snid, err)
		}
		peak, err := parseFloat32(record[colIndex["peak_time"]])
		if err != nil {
			return fmt.Errorf("parse peak_time for SNID %s: %w", snid, err)
		}
		info := &headerInfo{target: target, peakTime: peak, snType: target}
		if hasSNType {
			st, err := parseInt(record[snTypeCol])
			if err != nil {
				return fmt.Errorf("parse sntype for SNID %s: %w", snid, err)
			}
			info.snType = st
		}
		if len(metaCols) > 0 {
			info.meta = make([]float32, len(metaCols))
			for i, idx := range metaCols {
				v, err := parseFloat32(record[idx])
				if err != nil {
					return fmt.Errorf("parse metadata %q for SNID %s: %w", d.opts.MetadataFeatures[i], snid, err)
				}
				info.meta[i] = v
			}
		}
		d.headers[snid] = info
	}
	return nil
}

// assignSplits draws a fresh 80/10/10 assignment, or reuses pre-assigned
// splits when the Options carry one.
func (d *LightCurveDataset) assignSplits() error {
	if len(d.opts.SNIDTrain)+len(d.opts.SNIDVal)+len(d.opts.SNIDTest) > 0 {
		d.splits["train"] = append([]string(nil), d.opts.SNIDTrain...)
		d.splits["val"] = append([]string(nil), d.opts.SNIDVal...)
		d.splits["test"] = append([]string(nil), d.opts.SNIDTest...)
		for _, split := range []string{"train", "val", "test"} {
			for _, snid := range d.splits[split] {
				if _, ok := d.curveLoc[snid]; !ok {
					return fmt.Errorf("%s split references unknown SNID %s", split, snid)
				}
			}
		}
		return nil
	}

	// Deterministic order before shuffling so the seed fully determines the
	// assignment.
	snids := make([]string, 0, len(d.curveLoc))
	for snid := range d.curveLoc {
		if _, ok := d.headers[snid]; !ok {
			return fmt.Errorf("SNID %s has observations but no header row", snid)
		}
		snids = append(snids, snid)
	}
	sort.Strings(snids)
	d.rng.Shuffle(len(snids), func(i, j int) {
		snids[i], snids[j] = snids[j], snids[i]
	})

	if frac := d.opts.DataFraction; frac > 0 && frac < 1 {
		keep := int(float64(len(snids)) * frac)
		if keep < 1 {
			keep = 1
		}
		snids = snids[:keep]
	}

	// Out-of-distribution identifiers (target outside the class range) only
	// ever land in the test split.
	inDist := make([]string, 0, len(snids))
	var ood []string
	for _, snid := range snids {
		if t := d.headers[snid].target; t >= 0 && t < d.opts.NbClasses {
			inDist = append(inDist, snid)
		} else {
			ood = append(ood, snid)
		}
	}

	nTrain := int(float64(len(inDist)) * 0.8)
	nVal := int(float64(len(inDist)) * 0.1)
	if nTrain == 0 || nVal == 0 || nTrain+nVal >= len(inDist) {
		return fmt.Errorf("dataset too small to split: %d in-distribution identifiers", len(inDist))
	}
	d.splits["train"] = inDist[:nTrain]
	d.splits["val"] = inDist[nTrain : nTrain+nVal]
	d.splits["test"] = append(inDist[nTrain+nVal:len(inDist):len(inDist)], ood...)
	return nil
}

// computeNorms streams over the training split's observations and computes
// mean/std pairs for flux, flux error and delta time.
func (d *LightCurveDataset) computeNorms() error {
	trainSet := make(map[string]bool, len(d.splits["train"]))
	for _, snid := range d.splits["train"] {
		trainSet[snid] = true
	}
	var sum, sumSq [3]float64
	var count [3]float64

	for _, path := range d.csvPaths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		reader := csv.NewReader(file)
		if _, err := reader.Read(); err != nil {
			file.Close()
			return fmt.Errorf("read header of %s: %w", path, err)
		}
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("read %s: %w", path, err)
			}
			if !trainSet[strings.TrimSpace(record[d.snidCol])] {
				continue
			}
			for c := range d.fluxCols {
				fv, err := parseFloat32(record[d.fluxCols[c]])
				if err != nil {
					file.Close()
					return fmt.Errorf("parse flux: %w", err)
				}
				ev, err := parseFloat32(record[d.fluxErrCols[c]])
				if err != nil {
					file.Close()
					return fmt.Errorf("parse fluxerr: %w", err)
				}
				sum[0] += float64(fv)
				sumSq[0] += float64(fv) * float64(fv)
				count[0]++
				sum[1] += float64(ev)
				sumSq[1] += float64(ev) * float64(ev)
				count[1]++
			}
			tv, err := parseFloat32(record[d.timeCol])
			if err != nil {
				file.Close()
				return fmt.Errorf("parse delta_time: %w", err)
			}
			sum[2] += float64(tv)
			sumSq[2] += float64(tv) * float64(tv)
			count[2]++
		}
		file.Close()
	}

	norms := make([]Norm, 3)
	for i := range norms {
		if count[i] == 0 {
			return fmt.Errorf("training split has no observations to normalize over")
		}
		mean := sum[i] / count[i]
		variance := sumSq[i]/count[i] - mean*mean
		std := math.Sqrt(math.Max(variance, 0))
		if std == 0 {
			std = 1
		}
		norms[i] = Norm{Mean: float32(mean), Std: float32(std)}
	}
	d.fluxNorm, d.fluxErrNorm, d.timeNorm = norms[0], norms[1], norms[2]
	return nil
}

// Norms returns the flux, flux-error and delta-time normalization statistics
// computed from the training split.
func (d *LightCurveDataset) Norms() (flux, fluxErr, deltaTime Norm) {
	return d.fluxNorm, d.fluxErrNorm, d.timeNorm
}

// Channels returns the number of flux channels per step.
func (d *LightCurveDataset) Channels() int { return len(d.fluxCols) }

// SNIDs returns the identifiers assigned to the given split
// ("train", "val" or "test").
func (d *LightCurveDataset) SNIDs(split string) []string {
	return d.splits[split]
}

// NumExamples returns the number of identifiers in a split.
func (d *LightCurveDataset) NumExamples(split string) int {
	return len(d.splits[split])
}

// NumBatches returns how many batches a full pass over the split yields for
// the given batch size.
func (d *LightCurveDataset) NumBatches(split string, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(d.splits[split]) + batchSize - 1) / batchSize
}

// PeakTime returns the per-example reference time for an identifier.
func (d *LightCurveDataset) PeakTime(snid string) (float32, bool) {
	info, ok := d.headers[snid]
	if !ok {
		return 0, false
	}
	return info.peakTime, true
}

// SNType returns the raw type tag for an identifier, used by the metrics
// stage to recognize out-of-distribution examples. Falls back to the target
// when the header carries no sntype column.
func (d *LightCurveDataset) SNType(snid string) (int, bool) {
	info, ok := d.headers[snid]
	if !ok {
		return 0, false
	}
	return info.snType, true
}

// Shuffle reshuffles the training split order in place. The dataset RNG is
// seeded once at construction; per-epoch shuffles draw from it without
// reseeding.
func (d *LightCurveDataset) Shuffle() {
	train := d.splits["train"]
	d.rng.Shuffle(len(train), func(i, j int) {
		train[i], train[j] = train[j], train[i]
	})
}

// loadCurve reads all observation rows for one SNID.
func (d *LightCurveDataset) loadCurve(snid string) (*curve, error) {
	loc, ok := d.curveLoc[snid]
	if !ok {
		return nil, fmt.Errorf("SNID %s not found in observation index", snid)
	}
	file, err := os.Open(d.csvPaths[loc.fileIdx])
	if err != nil {
		return nil, fmt.Errorf("open observations CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	want := make(map[int]int, len(loc.rows))
	for pos, row := range loc.rows {
		want[row] = pos
	}

	steps := len(loc.rows)
	channels := len(d.fluxCols)
	cv := &curve{
		deltaTime: make([]float32, steps),
		filterID:  make([]int32, steps),
		flux:      make([][]float32, steps),
		fluxErr:   make([][]float32, steps),
	}

	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read observations row %d: %w", rowIdx, err)
		}
		if pos, ok := want[rowIdx]; ok {
			tv, err := parseFloat32(record[d.timeCol])
			if err != nil {
				return nil, fmt.Errorf("parse delta_time for SNID %s: %w", snid, err)
			}
			fl, err := parseInt(record[d.fltCol])
			if err != nil {
				return nil, fmt.Errorf("parse flt for SNID %s: %w", snid, err)
			}
			cv.deltaTime[pos] = tv
			cv.filterID[pos] = int32(fl)
			cv.flux[pos] = make([]float32, channels)
			cv.fluxErr[pos] = make([]float32, channels)
			for c := 0; c < channels; c++ {
				fv, err := parseFloat32(record[d.fluxCols[c]])
				if err != nil {
					return nil, fmt.Errorf("parse flux for SNID %s: %w", snid, err)
				}
				ev, err := parseFloat32(record[d.fluxErrCols[c]])
				if err != nil {
					return nil, fmt.Errorf("parse fluxerr for SNID %s: %w", snid, err)
				}
				cv.flux[pos][c] = fv
				cv.fluxErr[pos][c] = ev
			}
		}
		rowIdx++
	}
	return cv, nil
}

// MakeBatch assembles a padded batch for the given identifiers.
func (d *LightCurveDataset) MakeBatch(snids []string) (*Batch, error) {
	if len(snids) == 0 {
		return nil, fmt.Errorf("empty identifier list")
	}
	curves := make([]*curve, len(snids))
	maxLen := 0
	for i, snid := range snids {
		cv, err := d.loadCurve(snid)
		if err != nil {
			return nil, err
		}
		curves[i] = cv
		if len(cv.deltaTime) > maxLen {
			maxLen = len(cv.deltaTime)
		}
	}

	n := len(snids)
	channels := len(d.fluxCols)
	withMeta := len(d.opts.MetadataFeatures) > 0

	b := &Batch{
		Flux:      make([][][]float32, n),
		FluxErr:   make([][][]float32, n),
		FilterID:  make([][]int32, n),
		DeltaTime: make([][]float32, n),
		Mask:      make([][]bool, n),
		Target:    make([]int, n),
		SNID:      append([]string(nil), snids...),
	}
	if withMeta {
		b.Meta = make([][]float32, n)
	}

	for i, cv := range curves {
		info, ok := d.headers[snids[i]]
		if !ok {
			return nil, fmt.Errorf("SNID %s has no header row", snids[i])
		}
		b.Target[i] = info.target
		if withMeta {
			b.Meta[i] = append([]float32(nil), info.meta...)
		}

		b.Flux[i] = make([][]float32, maxLen)
		b.FluxErr[i] = make([][]float32, maxLen)
		b.FilterID[i] = make([]int32, maxLen)
		b.DeltaTime[i] = make([]float32, maxLen)
		b.Mask[i] = make([]bool, maxLen)
		for t := 0; t < maxLen; t++ {
			if t < len(cv.deltaTime) {
				b.Flux[i][t] = append([]float32(nil), cv.flux[t]...)
				b.FluxErr[i][t] = append([]float32(nil), cv.fluxErr[t]...)
				b.FilterID[i][t] = cv.filterID[t]
				b.DeltaTime[i][t] = cv.deltaTime[t]
				b.Mask[i][t] = true
			} else {
				b.Flux[i][t] = make([]float32, channels)
				b.FluxErr[i][t] = make([]float32, channels)
			}
		}
	}
	return b, nil
}

// BatchIterator walks a split in fixed-size batches.
type BatchIterator struct {
	ds        *LightCurveDataset
	snids     []string
	batchSize int
	pos       int
}

// Iterator returns a batch iterator over a split. The identifier order is
// captured at creation time, so a train-split iterator created after
// Shuffle sees the shuffled order.
func (d *LightCurveDataset) Iterator(split string, batchSize int) *BatchIterator {
	return &BatchIterator{
		ds:        d,
		snids:     append([]string(nil), d.splits[split]...),
		batchSize: batchSize,
	}
}

// Next returns the next batch, or io.EOF once the split is exhausted.
func (it *BatchIterator) Next() (*Batch, error) {
	if it.pos >= len(it.snids) {
		return nil, io.EOF
	}
	end := it.pos + it.batchSize
	if end > len(it.snids) {
		end = len(it.snids)
	}
	batch, err := it.ds.MakeBatch(it.snids[it.pos:end])
	if err != nil {
		return nil, err
	}
	it.pos = end
	return batch, nil
}

// Iterate walks a split batch by batch, invoking fn for each. Iteration
// stops at the first error from fn.
func (d *LightCurveDataset) Iterate(split string, batchSize int, fn func(*Batch) error) error {
	it := d.Iterator(split, batchSize)
	for {
		batch, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// Name identifies the dataset for the gomlx train.Dataset interface.
func (d *LightCurveDataset) Name() string { return "LightCurveDataset" }

// Yield returns the next training batch as gomlx tensors, implementing the
// gomlx train.Dataset interface. Batch size is taken from the BatchSize
// field.
func (d *LightCurveDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.yieldIter == nil {
		d.yieldIter = d.Iterator("train", d.BatchSize)
	}
	batch, err := d.yieldIter.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	in, target, err := batch.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, in, []*tensors.Tensor{target}, nil
}

// Restart resets the Yield cursor for a new epoch.
func (d *LightCurveDataset) Restart() error {
	d.yieldIter = nil
	return nil
}
