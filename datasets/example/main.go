package main

// Example command that demonstrates loading a processed light-curve directory,
// assembling a padded batch and converting it into gomlx tensors.
//
// The dataset loads lazily - observation files are indexed at construction and
// individual curves are only read when a batch is assembled.
//
// Usage:
//   go run ./example -data ../processed
//
// The processed directory must hold observations*.csv and header.csv files.

import (
	"flag"
	"fmt"
	"log"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

func main() {
	dataDir := flag.String("data", "../processed", "processed light-curve directory")
	nbClasses := flag.Int("nb-classes", 2, "number of in-distribution classes")
	flag.Parse()

	ds, err := datasets.NewLightCurveDataset(datasets.Options{
		ProcessedDir: *dataDir,
		NbClasses:    *nbClasses,
		Seed:         42,
	})
	if err != nil {
		log.Fatalf("failed to load light-curve dataset: %v", err)
	}

	fmt.Printf("Loaded processed directory: %s\n", *dataDir)
	for _, split := range []string{"train", "val", "test"} {
		fmt.Printf("  %s split: %d identifiers\n", split, ds.NumExamples(split))
	}
	flux, fluxErr, deltaTime := ds.Norms()
	fmt.Printf("Training-split norms: flux=%+v fluxerr=%+v delta_time=%+v\n", flux, fluxErr, deltaTime)

	// Build one small batch from the head of the training split.
	snids := ds.SNIDs("train")
	n := min(8, len(snids))
	if n == 0 {
		log.Fatal("training split is empty")
	}
	fmt.Printf("Loading batch of %d light curves...\n", n)
	batch, err := ds.MakeBatch(snids[:n])
	if err != nil {
		log.Fatalf("failed to build batch: %v", err)
	}
	fmt.Printf("  Batch shape: [%d examples, %d steps, %d channels]\n",
		batch.Size(), batch.MaxLen(), batch.Channels())
	real := 0
	for _, row := range batch.Mask {
		for _, m := range row {
			if m {
				real++
			}
		}
	}
	fmt.Printf("  Real observations: %d of %d padded steps\n", real, batch.Size()*batch.MaxLen())

	inputs, target, err := batch.ToGomlxTensors()
	if err != nil {
		log.Fatalf("failed to convert batch to gomlx tensors: %v", err)
	}
	fmt.Printf("Created gomlx tensors: %d input fields, target=%T\n", len(inputs), target)

	fmt.Println("\nExample completed successfully!")
	fmt.Println("Note: observation CSVs were only read when the batch was assembled.")
}
