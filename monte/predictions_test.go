package monte

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestReadPredictionsRoundtrip(t *testing.T) {
	ds, model := testScenario()
	eng, err := NewMonte(ds, model)
	if err != nil {
		t.Fatalf("NewMonte error: %v", err)
	}
	eng.SetOffsets([]float32{0})
	res, err := eng.Run("test")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "PRED.csv")
	if err := WritePredictions(path, res); err != nil {
		t.Fatalf("WritePredictions error: %v", err)
	}

	table, err := ReadPredictions(path)
	if err != nil {
		t.Fatalf("ReadPredictions error: %v", err)
	}
	if table.NbClasses != res.NbClasses {
		t.Fatalf("read %d classes, wrote %d", table.NbClasses, res.NbClasses)
	}
	if len(table.Keys) != len(res.Keys) {
		t.Fatalf("read keys %v, wrote %v", table.Keys, res.Keys)
	}
	for i, key := range res.Keys {
		if table.Keys[i] != key {
			t.Fatalf("read keys %v, wrote %v", table.Keys, res.Keys)
		}
	}

	for _, key := range res.Keys {
		want := res.Predictions[key]
		got := table.Predictions[key]
		if len(got) != len(want) {
			t.Fatalf("window %s: read %d identifiers, wrote %d", key, len(got), len(want))
		}
		for i := range want {
			if got[i].SNID != want[i].SNID || got[i].Target != want[i].Target {
				t.Fatalf("window %s row %d: got %s/%d, want %s/%d",
					key, i, got[i].SNID, got[i].Target, want[i].SNID, want[i].Target)
			}
			for c := range want[i].Median {
				wm, gm := want[i].Median[c], got[i].Median[c]
				if math.IsNaN(wm) != math.IsNaN(gm) || (!math.IsNaN(wm) && !approxEqual(wm, gm, 1e-12)) {
					t.Fatalf("window %s row %d class %d: median %v read as %v", key, i, c, wm, gm)
				}
				if !math.IsNaN(want[i].Std[c]) && !approxEqual(want[i].Std[c], got[i].Std[c], 1e-12) {
					t.Fatalf("window %s row %d class %d: std %v read as %v",
						key, i, c, want[i].Std[c], got[i].Std[c])
				}
			}
		}
		if wa, ga := res.Accuracy[key], table.Accuracy(key); math.IsNaN(wa) != math.IsNaN(ga) ||
			(!math.IsNaN(wa) && !approxEqual(wa, ga, 1e-12)) {
			t.Fatalf("window %s: accuracy %v read back as %v", key, wa, ga)
		}
	}
}

func TestReadPredictionsRejectsForeignTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.csv")
	if err := os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := ReadPredictions(path); err == nil {
		t.Fatal("foreign CSV did not error")
	}
}
