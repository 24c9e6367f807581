package hparams

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
[paths]
data_folder = "/data/timit"
output_folder = "/tmp/exp"
`

func TestLoadFillsDefaults(t *testing.T) {
	hp, err := Load(writeConfig(t, minimalConfig), nil)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if hp.Epochs != 50 {
		t.Errorf("Expected default 50 epochs, got %d", hp.Epochs)
	}
	if hp.Optimizer.Type != "adam" {
		t.Errorf("Expected default adam optimizer, got %q", hp.Optimizer.Type)
	}
	if hp.Paths.DataFolder != "/data/timit" {
		t.Errorf("Expected data folder from file, got %q", hp.Paths.DataFolder)
	}
}

func TestLoadAppliesFileValues(t *testing.T) {
	cfg := `
epochs = 3
ctc_weight = 0.5
` + minimalConfig + `
[model]
encoder_hidden = 64
`
	hp, err := Load(writeConfig(t, cfg), nil)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if hp.Epochs != 3 {
		t.Errorf("Expected 3 epochs, got %d", hp.Epochs)
	}
	if hp.CTCWeight != 0.5 {
		t.Errorf("Expected ctc_weight 0.5, got %v", hp.CTCWeight)
	}
	if hp.Model.EncoderHidden != 64 {
		t.Errorf("Expected encoder_hidden 64, got %d", hp.Model.EncoderHidden)
	}
	if hp.Model.EncoderLayers != 2 {
		t.Errorf("Expected default encoder_layers 2, got %d", hp.Model.EncoderLayers)
	}
}

func TestLoadOverrides(t *testing.T) {
	overrides := []string{
		"epochs=2",
		"optimizer.learning_rate=0.25",
		"optimizer.type=\"sgd\"",
		"paths.output_folder=\"/tmp/other\"",
	}
	hp, err := Load(writeConfig(t, minimalConfig), overrides)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if hp.Epochs != 2 {
		t.Errorf("Expected override epochs 2, got %d", hp.Epochs)
	}
	if hp.Optimizer.LearningRate != 0.25 {
		t.Errorf("Expected override learning rate 0.25, got %v", hp.Optimizer.LearningRate)
	}
	if hp.Optimizer.Type != "sgd" {
		t.Errorf("Expected override optimizer sgd, got %q", hp.Optimizer.Type)
	}
	if hp.Paths.OutputFolder != "/tmp/other" {
		t.Errorf("Expected override output folder, got %q", hp.Paths.OutputFolder)
	}
}

func TestLoadOverrideBareString(t *testing.T) {
	hp, err := Load(writeConfig(t, minimalConfig), []string{"scheduler.type=step"})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if hp.Scheduler.Type != "step" {
		t.Errorf("Expected bare-string override, got %q", hp.Scheduler.Type)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name      string
		config    string
		overrides []string
	}{
		{"missing paths", "epochs = 3\n", nil},
		{"bad ctc weight", minimalConfig, []string{"ctc_weight=1.5"}},
		{"bad beam size", minimalConfig, []string{"decode.beam_size=0"}},
		{"negative min decode ratio", minimalConfig, []string{"decode.min_decode_ratio=-0.1"}},
		{"min decode ratio above max", minimalConfig, []string{"decode.min_decode_ratio=1.5"}},
		{"unknown optimizer", minimalConfig, []string{"optimizer.type=\"rmsprop\""}},
		{"malformed override", minimalConfig, []string{"epochs"}},
	}
	for _, c := range cases {
		if _, err := Load(writeConfig(t, c.config), c.overrides); err == nil {
			t.Errorf("%s: expected an error, got nil", c.name)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	hp := Default()
	hp.Paths.OutputFolder = "/tmp/exp"
	if hp.SaveFolder() != filepath.Join("/tmp/exp", "save") {
		t.Errorf("Unexpected save folder %q", hp.SaveFolder())
	}
	if hp.ReportFile() != filepath.Join("/tmp/exp", "wer_test.txt") {
		t.Errorf("Unexpected report file %q", hp.ReportFile())
	}
}
