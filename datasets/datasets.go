package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package loads a processed light-curve dataset from CSV files and
// presents it as padded, masked mini-batches suitable for training a
// sequence classifier.
//
// The dataset uses lazy loading - it indexes observation files once and only
// reads the actual rows when a batch is assembled, minimizing memory usage
// for large processed datasets.
//
// Notes on gomlx tensors:
//   - Converting batches into gomlx tensors is a small, well-defined step on
//     top of the Batch type (see Batch.Flatten and Batch.ToGomlxTensors).
//     Training code that runs on a gomlx backend can consume the dataset
//     through the Yield/Restart hooks below; the in-process trainer in the
//     rnn package consumes Batch values directly.
//
// Layout and intended usage:
//
// LightCurveDataset
//   - Indexes observations*.csv (one row per observation step) and
//     header.csv (one row per SNID) under a processed directory
//   - Assigns disjoint train/val/test identifier splits, or reuses a split
//     assignment saved by an earlier training run
//   - Computes flux / flux-error / delta-time normalization statistics from
//     the training split
//   - Assembles padded batches grouped by SNID on demand
//
// The dataset implements this interface in order to interact with gomlx
// training loops and batching utilities.
type Dataset interface {
	NumExamples(split string) int
	NumBatches(split string, batchSize int) int
	MakeBatch(snids []string) (*Batch, error)
	Shuffle()

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Restart() error
}
