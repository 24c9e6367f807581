package features

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestFbankShapes verifies the frame count and feature width for a known
// waveform length.
func TestFbankShapes(t *testing.T) {
	cfg := DefaultFbankConfig(16000)
	fb, err := NewFbank(cfg)
	if err != nil {
		t.Fatalf("NewFbank failed: %v", err)
	}

	// One second of audio: window 400 samples, hop 160.
	wave := make([]float64, 16000)
	for i := range wave {
		wave[i] = math.Sin(2 * math.Pi * 440 * float64(i) / 16000)
	}

	feats, err := fb.Compute(wave)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	frames, dims := feats.Dims()
	if want := fb.NumFrames(len(wave)); frames != want {
		t.Errorf("expected %d frames, got %d", want, frames)
	}
	if dims != cfg.NumFilters {
		t.Errorf("expected %d feature dims, got %d", cfg.NumFilters, dims)
	}
}

// TestFbankDeltasDoubleWidth checks delta appending.
func TestFbankDeltasDoubleWidth(t *testing.T) {
	cfg := DefaultFbankConfig(16000)
	cfg.Deltas = true
	fb, err := NewFbank(cfg)
	if err != nil {
		t.Fatalf("NewFbank failed: %v", err)
	}
	if fb.FeatureSize() != 2*cfg.NumFilters {
		t.Errorf("expected feature size %d, got %d", 2*cfg.NumFilters, fb.FeatureSize())
	}
	wave := make([]float64, 8000)
	feats, err := fb.Compute(wave)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if _, dims := feats.Dims(); dims != 2*cfg.NumFilters {
		t.Errorf("expected %d dims with deltas, got %d", 2*cfg.NumFilters, dims)
	}
}

// TestFbankTooShort expects an error for sub-window waveforms.
func TestFbankTooShort(t *testing.T) {
	fb, err := NewFbank(DefaultFbankConfig(16000))
	if err != nil {
		t.Fatalf("NewFbank failed: %v", err)
	}
	if _, err := fb.Compute(make([]float64, 100)); err == nil {
		t.Error("expected error for waveform shorter than one window")
	}
}

// TestNormalizerStandardizes feeds a fixed batch and expects near-zero mean
// and unit variance afterwards.
func TestNormalizerStandardizes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	feats := mat.NewDense(200, 3, nil)
	for i := 0; i < 200; i++ {
		for j := 0; j < 3; j++ {
			feats.Set(i, j, rng.NormFloat64()*float64(j+1)+float64(j)*5)
		}
	}

	n := NewNormalizer(3)
	if err := n.Apply(feats, 200, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for j := 0; j < 3; j++ {
		var sum, sumSq float64
		for i := 0; i < 200; i++ {
			v := feats.At(i, j)
			sum += v
			sumSq += v * v
		}
		mean := sum / 200
		variance := sumSq/200 - mean*mean
		if math.Abs(mean) > 1e-6 {
			t.Errorf("dim %d: mean %f after normalization, expected ~0", j, mean)
		}
		if math.Abs(variance-1) > 1e-6 {
			t.Errorf("dim %d: variance %f after normalization, expected ~1", j, variance)
		}
	}
}

// TestNormalizerStateRoundTrip saves and restores running statistics.
func TestNormalizerStateRoundTrip(t *testing.T) {
	n := NewNormalizer(2)
	feats := mat.NewDense(10, 2, nil)
	for i := 0; i < 10; i++ {
		feats.Set(i, 0, float64(i))
		feats.Set(i, 1, float64(i)*2)
	}
	if err := n.Apply(feats, 10, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	state, err := n.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}

	restored := NewNormalizer(2)
	if err := restored.UnmarshalState(state); err != nil {
		t.Fatalf("UnmarshalState failed: %v", err)
	}
	if restored.Count() != n.Count() {
		t.Errorf("expected count %f after restore, got %f", n.Count(), restored.Count())
	}

	wrongDim := NewNormalizer(3)
	if err := wrongDim.UnmarshalState(state); err == nil {
		t.Error("expected dim mismatch error")
	}
}

// TestAugmenterMasksInsideBounds ensures masking only touches real frames.
func TestAugmenterMasksInsideBounds(t *testing.T) {
	cfg := AugmentConfig{Enabled: true, TimeMasks: 3, TimeWidth: 4, FreqMasks: 2, FreqWidth: 2}
	aug := NewAugmenter(cfg, rand.New(rand.NewSource(5)))

	feats := mat.NewDense(20, 8, nil)
	for i := 0; i < 20; i++ {
		for j := 0; j < 8; j++ {
			feats.Set(i, j, 1)
		}
	}
	frames := 12
	aug.Apply(feats, frames)

	// Time masks must not reach into padding rows.
	for i := frames; i < 20; i++ {
		for j := 0; j < 8; j++ {
			if feats.At(i, j) != 1 {
				t.Fatalf("padding row %d modified by augmentation", i)
			}
		}
	}
}

// TestAugmenterDisabled is a no-op pass-through.
func TestAugmenterDisabled(t *testing.T) {
	aug := NewAugmenter(AugmentConfig{}, rand.New(rand.NewSource(1)))
	feats := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	aug.Apply(feats, 4)
	if feats.At(0, 0) != 1 || feats.At(3, 1) != 8 {
		t.Error("disabled augmenter modified features")
	}
}
