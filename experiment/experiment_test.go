package experiment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"phonet/hparams"
)

func testParams(t *testing.T) hparams.Hyperparams {
	t.Helper()
	hp := hparams.Default()
	hp.Paths.DataFolder = t.TempDir()
	hp.Paths.OutputFolder = filepath.Join(t.TempDir(), "exp")
	return hp
}

func TestCreateWritesResolvedParams(t *testing.T) {
	hp := testParams(t)
	e, err := Create(hp, []string{"epochs=2"})
	if err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}
	defer e.Close()

	if e.RunID == "" {
		t.Error("Expected a run id")
	}
	for _, dir := range []string{hp.SaveFolder(), hp.ManifestFolder()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("Expected directory %s: %v", dir, err)
		}
	}

	contents, err := os.ReadFile(filepath.Join(hp.Paths.OutputFolder, "hyperparams.toml"))
	if err != nil {
		t.Fatalf("Failed to read resolved params: %v", err)
	}
	text := string(contents)
	if !strings.Contains(text, e.RunID) {
		t.Error("Expected run id in resolved params")
	}
	if !strings.Contains(text, "epochs=2") {
		t.Error("Expected overrides recorded in resolved params")
	}
	if !strings.Contains(text, "output_folder") {
		t.Error("Expected merged configuration in resolved params")
	}
}

func TestCreateRejectsSecondRun(t *testing.T) {
	hp := testParams(t)
	e, err := Create(hp, nil)
	if err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}
	defer e.Close()

	if _, err := Create(hp, nil); err == nil {
		t.Error("Expected second run on the same directory to fail")
	}
}

func TestCloseReleasesLock(t *testing.T) {
	hp := testParams(t)
	e, err := Create(hp, nil)
	if err != nil {
		t.Fatalf("Failed to create experiment: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	second, err := Create(hp, nil)
	if err != nil {
		t.Fatalf("Expected relock after close, got %v", err)
	}
	second.Close()
}
