package features

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// AugmentConfig controls spectrogram masking applied during training.
type AugmentConfig struct {
	Enabled   bool
	TimeMasks int // number of time masks per utterance
	TimeWidth int // maximum masked frames per mask
	FreqMasks int // number of frequency masks per utterance
	FreqWidth int // maximum masked filter channels per mask
}

// Augmenter applies time and frequency masking to feature matrices. Masked
// regions are set to zero; callers mask normalized features, after the
// running statistics update, so zero sits at the feature mean.
type Augmenter struct {
	cfg AugmentConfig
	rng *rand.Rand
}

// NewAugmenter creates an augmenter with its own seeded source.
func NewAugmenter(cfg AugmentConfig, rng *rand.Rand) *Augmenter {
	return &Augmenter{cfg: cfg, rng: rng}
}

// Apply masks feats in place. frames bounds the real (unpadded) region.
func (a *Augmenter) Apply(feats *mat.Dense, frames int) {
	if !a.cfg.Enabled {
		return
	}
	rows, cols := feats.Dims()
	if frames > rows {
		frames = rows
	}

	for i := 0; i < a.cfg.TimeMasks; i++ {
		width := a.rng.Intn(a.cfg.TimeWidth + 1)
		if width == 0 || width >= frames {
			continue
		}
		start := a.rng.Intn(frames - width)
		for t := start; t < start+width; t++ {
			for d := 0; d < cols; d++ {
				feats.Set(t, d, 0)
			}
		}
	}

	for i := 0; i < a.cfg.FreqMasks; i++ {
		width := a.rng.Intn(a.cfg.FreqWidth + 1)
		if width == 0 || width >= cols {
			continue
		}
		start := a.rng.Intn(cols - width)
		for d := start; d < start+width; d++ {
			for t := 0; t < frames; t++ {
				feats.Set(t, d, 0)
			}
		}
	}
}
