package rnn

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// checkpointFormat is the on-disk gob layout for model parameters.
// It includes metadata to validate integrity on load.
type checkpointFormat struct {
	Version int
	Module  string
	Weights map[string][]float32
}

const checkpointVersion = 1

// SaveCheckpoint writes the model parameters to the given path using
// encoding/gob. It performs an atomic write (create temp file then rename)
// so an aborted run never leaves a partially-written checkpoint behind.
func SaveCheckpoint(path, module string, m Model) error {
	if path == "" {
		return fmt.Errorf("empty checkpoint path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	ck := checkpointFormat{
		Version: checkpointVersion,
		Module:  module,
		Weights: make(map[string][]float32),
	}
	for _, p := range m.Params() {
		ck.Weights[p.Name] = append([]float32(nil), p.W...)
	}
	if err := gob.NewEncoder(tmpFile).Encode(&ck); err != nil {
		return fmt.Errorf("encode checkpoint to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp checkpoint to target: %w", err)
	}
	return nil
}

// LoadCheckpoint restores model parameters from a checkpoint file. The
// module name and every parameter shape must match the receiving model.
func LoadCheckpoint(path, module string, m Model) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer fh.Close()

	var ck checkpointFormat
	if err := gob.NewDecoder(fh).Decode(&ck); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return fmt.Errorf("checkpoint version mismatch: file=%d expected=%d", ck.Version, checkpointVersion)
	}
	if ck.Module != module {
		return fmt.Errorf("checkpoint module mismatch: file=%q expected=%q", ck.Module, module)
	}
	for _, p := range m.Params() {
		w, ok := ck.Weights[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %q", p.Name)
		}
		if len(w) != len(p.W) {
			return fmt.Errorf("checkpoint parameter %q has %d weights, model expects %d", p.Name, len(w), len(p.W))
		}
		copy(p.W, w)
	}
	return nil
}
