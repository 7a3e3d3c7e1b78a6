package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareDumpDirFresh(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "dump")
	if err := os.MkdirAll(dump, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(dump, "net.gob")
	if err := os.WriteFile(stale, []byte("old weights"), 0o644); err != nil {
		t.Fatalf("write stale artifact: %v", err)
	}

	// a training run clears earlier artifacts
	if err := prepareDumpDir(dump, true); err != nil {
		t.Fatalf("prepareDumpDir error: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale artifact survived a fresh training run")
	}
	if info, err := os.Stat(dump); err != nil || !info.IsDir() {
		t.Fatalf("dump dir missing after prepare: %v", err)
	}

	// a prediction-only run must keep the training run's artifacts
	if err := os.WriteFile(stale, []byte("trained weights"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := prepareDumpDir(dump, false); err != nil {
		t.Fatalf("prepareDumpDir error: %v", err)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("checkpoint removed by a prediction-only run: %v", err)
	}
}

func TestWriteSplitsAtomicRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data_splits.csv")
	train := []string{"sn-00", "sn-01"}
	val := []string{"sn-02"}
	test := []string{"sn-03", "ood-00"}
	if err := writeSplits(path, train, val, test); err != nil {
		t.Fatalf("writeSplits error: %v", err)
	}

	gotTrain, gotVal, gotTest, err := readSplits(path)
	if err != nil {
		t.Fatalf("readSplits error: %v", err)
	}
	for _, pair := range []struct {
		name      string
		got, want []string
	}{{"train", gotTrain, train}, {"val", gotVal, val}, {"test", gotTest, test}} {
		if len(pair.got) != len(pair.want) {
			t.Fatalf("%s split read back as %v, want %v", pair.name, pair.got, pair.want)
		}
		for i := range pair.want {
			if pair.got[i] != pair.want[i] {
				t.Fatalf("%s split read back as %v, want %v", pair.name, pair.got, pair.want)
			}
		}
	}

	// no temp file left beside the final artifact
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "data_splits.csv" {
		t.Fatalf("unexpected files in dump dir: %v", entries)
	}
}

func TestResolvedConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cf.json")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	cfg.Model.Module = "bayesian"
	cfg.Dataset.NbClasses = 3
	cfg.Seed = 99
	if err := writeResolvedConfig(path, cfg); err != nil {
		t.Fatalf("writeResolvedConfig error: %v", err)
	}

	back, err := loadConfig(path)
	if err != nil {
		t.Fatalf("read back config: %v", err)
	}
	if back.Model.Module != "bayesian" || back.Dataset.NbClasses != 3 || back.Seed != 99 {
		t.Fatalf("config did not survive the roundtrip: %+v", back)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "cf.json" {
		t.Fatalf("unexpected files in dump dir: %v", entries)
	}
}

func TestReloadSavedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cf.json")
	saved, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	saved.Model.Module = "vanilla"
	saved.Model.HiddenSize = 64
	saved.Dataset.NbClasses = 3
	saved.Seed = 7
	if err := writeResolvedConfig(path, saved); err != nil {
		t.Fatalf("writeResolvedConfig error: %v", err)
	}

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	cfg.Model.Module = "variational"
	cfg.Prediction.NumInferenceSamples = 5
	if err := reloadSavedConfig(cfg, path); err != nil {
		t.Fatalf("reloadSavedConfig error: %v", err)
	}
	// the recorded dataset/model/seed win; prediction settings stay merged
	if cfg.Model.Module != "vanilla" || cfg.Model.HiddenSize != 64 {
		t.Fatalf("model section not reloaded: %+v", cfg.Model)
	}
	if cfg.Dataset.NbClasses != 3 || cfg.Seed != 7 {
		t.Fatalf("dataset/seed not reloaded: classes=%d seed=%d", cfg.Dataset.NbClasses, cfg.Seed)
	}
	if cfg.Prediction.NumInferenceSamples != 5 {
		t.Fatalf("prediction settings overwritten: %+v", cfg.Prediction)
	}

	if err := reloadSavedConfig(cfg, filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("missing saved config did not error")
	}
}
