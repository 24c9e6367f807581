package training

import (
	"fmt"

	"phonet/features"
	"phonet/layers"
)

// ModelConfig sizes the recognizer: feature pipeline, encoder, and the
// attention decoder stack.
type ModelConfig struct {
	SampleRate    int
	NumFilters    int
	Deltas        bool
	EncoderHidden int
	EncoderLayers int
	EmbeddingDim  int
	DecoderHidden int
	AttentionDim  int
	Classes       int // output classes including the blank
	Seed          int64
	Augment       features.AugmentConfig
}

// Model is the full recognizer: feature pipeline plus the updatable module
// collection (encoder, CTC head, embedding, attention decoder, seq head).
type Model struct {
	Fbank      *features.Fbank
	Normalizer *features.Normalizer
	Augmenter  *features.Augmenter
	Encoder    *layers.Encoder
	CTCLin     *layers.Linear
	Emb        *layers.Embedding
	Dec        *layers.AttentionDecoder
	SeqLin     *layers.Linear
	Modules    *layers.ModuleList
}

// NewModel assembles the recognizer from the configuration.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.Classes < 2 {
		return nil, fmt.Errorf("model needs at least 2 output classes, got %d", cfg.Classes)
	}
	fbankCfg := features.DefaultFbankConfig(cfg.SampleRate)
	if cfg.NumFilters > 0 {
		fbankCfg.NumFilters = cfg.NumFilters
	}
	fbankCfg.Deltas = cfg.Deltas
	fbank, err := features.NewFbank(fbankCfg)
	if err != nil {
		return nil, err
	}

	rng := layers.NewRNG(cfg.Seed)
	encoder, err := layers.NewEncoder("enc", fbank.FeatureSize(), cfg.EncoderHidden, cfg.EncoderLayers, rng)
	if err != nil {
		return nil, err
	}
	ctcLin := layers.NewLinear("ctc_lin", encoder.OutputSize(), cfg.Classes, true, rng)
	emb := layers.NewEmbedding("emb", cfg.Classes, cfg.EmbeddingDim, rng)
	dec := layers.NewAttentionDecoder("dec", cfg.EmbeddingDim, encoder.OutputSize(), cfg.DecoderHidden, cfg.AttentionDim, rng)
	seqLin := layers.NewLinear("seq_lin", dec.OutputSize(), cfg.Classes, true, rng)

	m := &Model{
		Fbank:      fbank,
		Normalizer: features.NewNormalizer(fbank.FeatureSize()),
		Augmenter:  features.NewAugmenter(cfg.Augment, layers.NewRNG(cfg.Seed+1)),
		Encoder:    encoder,
		CTCLin:     ctcLin,
		Emb:        emb,
		Dec:        dec,
		SeqLin:     seqLin,
	}
	m.Modules = layers.NewModuleList(encoder, ctcLin, emb, dec, seqLin)
	return m, nil
}
