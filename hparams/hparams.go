// Package hparams loads the experiment hyperparameters from a TOML file
// with command-line override merging.
package hparams

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Paths locates the corpus and the experiment output tree.
type Paths struct {
	DataFolder   string `toml:"data_folder"`
	OutputFolder string `toml:"output_folder"`
}

// Model sizes the recognizer.
type Model struct {
	SampleRate    int  `toml:"sample_rate"`
	NumFilters    int  `toml:"num_filters"`
	Deltas        bool `toml:"deltas"`
	EncoderHidden int  `toml:"encoder_hidden"`
	EncoderLayers int  `toml:"encoder_layers"`
	EmbeddingDim  int  `toml:"embedding_dim"`
	DecoderHidden int  `toml:"decoder_hidden"`
	AttentionDim  int  `toml:"attention_dim"`
}

// Optimizer selects and configures the update rule.
type Optimizer struct {
	Type         string  `toml:"type"` // "sgd" or "adam"
	LearningRate float64 `toml:"learning_rate"`
	Momentum     float64 `toml:"momentum"`
	WeightDecay  float64 `toml:"weight_decay"`
	Nesterov     bool    `toml:"nesterov"`
}

// Scheduler selects and configures learning-rate annealing.
type Scheduler struct {
	Type                 string  `toml:"type"` // "newbob" or "step"
	Factor               float64 `toml:"factor"`
	ImprovementThreshold float64 `toml:"improvement_threshold"`
	Patient              int     `toml:"patient"`
	StepEvery            int     `toml:"step_every"`
}

// Decode configures the validation and test searchers.
type Decode struct {
	BeamSize       int     `toml:"beam_size"`
	EOSThreshold   float64 `toml:"eos_threshold"`
	MinDecodeRatio float64 `toml:"min_decode_ratio"`
	MaxDecodeRatio float64 `toml:"max_decode_ratio"`
}

// Augment configures training-time spectrogram masking.
type Augment struct {
	Enabled   bool `toml:"enabled"`
	TimeMasks int  `toml:"time_masks"`
	TimeWidth int  `toml:"time_width"`
	FreqMasks int  `toml:"freq_masks"`
	FreqWidth int  `toml:"freq_width"`
}

// Hyperparams is the full experiment configuration.
type Hyperparams struct {
	Seed            int64   `toml:"seed"`
	Epochs          int     `toml:"epochs"`
	BatchSize       int     `toml:"batch_size"`
	CTCWeight       float64 `toml:"ctc_weight"`
	LabelSmoothing  float64 `toml:"label_smoothing"`
	KeepCheckpoints int     `toml:"keep_checkpoints"`

	Paths     Paths     `toml:"paths"`
	Model     Model     `toml:"model"`
	Optimizer Optimizer `toml:"optimizer"`
	Scheduler Scheduler `toml:"scheduler"`
	Decode    Decode    `toml:"decode"`
	Augment   Augment   `toml:"augment"`
}

// Default returns the baseline TIMIT configuration.
func Default() Hyperparams {
	return Hyperparams{
		Seed:            1234,
		Epochs:          50,
		BatchSize:       8,
		CTCWeight:       0.2,
		LabelSmoothing:  0.0,
		KeepCheckpoints: 1,
		Model: Model{
			SampleRate:    16000,
			NumFilters:    40,
			EncoderHidden: 256,
			EncoderLayers: 2,
			EmbeddingDim:  128,
			DecoderHidden: 256,
			AttentionDim:  128,
		},
		Optimizer: Optimizer{
			Type:         "adam",
			LearningRate: 1e-3,
		},
		Scheduler: Scheduler{
			Type:                 "newbob",
			Factor:               0.8,
			ImprovementThreshold: 0.0025,
			Patient:              0,
			StepEvery:            10,
		},
		Decode: Decode{
			BeamSize:       16,
			EOSThreshold:   1.5,
			MinDecodeRatio: 0.0,
			MaxDecodeRatio: 1.0,
		},
	}
}

// Load parses the TOML file, applies key=value overrides against the raw
// tree, and decodes into the defaults.
func Load(path string, overrides []string) (Hyperparams, error) {
	hp := Default()

	contents, err := os.ReadFile(path)
	if err != nil {
		return hp, fmt.Errorf("read hyperparameters: %w", err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(contents, &tree); err != nil {
		return hp, fmt.Errorf("parse hyperparameters: %w", err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	for _, override := range overrides {
		if err := applyOverride(tree, override); err != nil {
			return hp, err
		}
	}

	merged, err := toml.Marshal(tree)
	if err != nil {
		return hp, fmt.Errorf("merge overrides: %w", err)
	}
	if err := toml.Unmarshal(merged, &hp); err != nil {
		return hp, fmt.Errorf("decode hyperparameters: %w", err)
	}
	if err := hp.Validate(); err != nil {
		return hp, err
	}
	return hp, nil
}

// applyOverride merges one "section.key=value" pair into the raw tree. The
// value is parsed as a TOML scalar, falling back to a string.
func applyOverride(tree map[string]any, override string) error {
	key, value, ok := strings.Cut(override, "=")
	if !ok {
		return fmt.Errorf("override %q is not key=value", override)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("override %q has an empty key", override)
	}

	parts := strings.Split(key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parseScalar(value)
	return nil
}

func parseScalar(value string) any {
	var doc map[string]any
	if err := toml.Unmarshal([]byte("v = "+value), &doc); err == nil {
		if v, ok := doc["v"]; ok {
			return v
		}
	}
	return strings.TrimSpace(value)
}

// Validate checks ranges the training flow depends on.
func (hp Hyperparams) Validate() error {
	if hp.Paths.DataFolder == "" || hp.Paths.OutputFolder == "" {
		return fmt.Errorf("paths.data_folder and paths.output_folder are required")
	}
	if hp.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", hp.Epochs)
	}
	if hp.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", hp.BatchSize)
	}
	if hp.CTCWeight < 0 || hp.CTCWeight > 1 {
		return fmt.Errorf("ctc_weight must be in [0, 1], got %v", hp.CTCWeight)
	}
	if hp.LabelSmoothing < 0 || hp.LabelSmoothing >= 1 {
		return fmt.Errorf("label_smoothing must be in [0, 1), got %v", hp.LabelSmoothing)
	}
	if hp.Decode.BeamSize < 1 {
		return fmt.Errorf("decode.beam_size must be at least 1, got %d", hp.Decode.BeamSize)
	}
	if hp.Decode.MaxDecodeRatio <= 0 {
		return fmt.Errorf("decode.max_decode_ratio must be positive, got %v", hp.Decode.MaxDecodeRatio)
	}
	if hp.Decode.MinDecodeRatio < 0 {
		return fmt.Errorf("decode.min_decode_ratio must not be negative, got %v", hp.Decode.MinDecodeRatio)
	}
	if hp.Decode.MinDecodeRatio > hp.Decode.MaxDecodeRatio {
		return fmt.Errorf("decode.min_decode_ratio %v exceeds decode.max_decode_ratio %v",
			hp.Decode.MinDecodeRatio, hp.Decode.MaxDecodeRatio)
	}
	switch hp.Optimizer.Type {
	case "sgd", "adam":
	default:
		return fmt.Errorf("unknown optimizer type %q", hp.Optimizer.Type)
	}
	switch hp.Scheduler.Type {
	case "newbob", "step":
	default:
		return fmt.Errorf("unknown scheduler type %q", hp.Scheduler.Type)
	}
	return nil
}

// SaveFolder is the checkpoint directory inside the experiment output.
func (hp Hyperparams) SaveFolder() string {
	return filepath.Join(hp.Paths.OutputFolder, "save")
}

// ManifestFolder holds the prepared corpus manifest.
func (hp Hyperparams) ManifestFolder() string {
	return filepath.Join(hp.Paths.OutputFolder, "prepared")
}

// ReportFile is where the test-stage scoring report is written.
func (hp Hyperparams) ReportFile() string {
	return filepath.Join(hp.Paths.OutputFolder, "wer_test.txt")
}

// TrainLogFile is the plain-text training log appender target.
func (hp Hyperparams) TrainLogFile() string {
	return filepath.Join(hp.Paths.OutputFolder, "train_log.txt")
}
