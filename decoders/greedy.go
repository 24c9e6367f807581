// Package decoders converts decoder network outputs into label hypotheses,
// greedily during validation and with beam search at test time.
package decoders

import (
	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// Model bundles the autoregressive decoding stack: label embedding,
// attention decoder, and sequence output projection.
type Model struct {
	Emb    *layers.Embedding
	Dec    *layers.AttentionDecoder
	SeqLin *layers.Linear
	BOS    int
	EOS    int
}

// GreedySearcher decodes by taking the most likely label at every step.
type GreedySearcher struct {
	Model          Model
	MinDecodeRatio float64
	MaxDecodeRatio float64
}

// Search decodes one batch of encoder states. enc is timestep-major with
// [batch, dim] rows; encLens gives the valid frame count per utterance.
// Returned hypotheses carry neither BOS nor EOS.
func (s *GreedySearcher) Search(enc []*layers.Node, encLens []int) [][]int {
	batch, _ := enc[0].Dims()
	minSteps, maxSteps := decodeWindow(len(enc), s.MinDecodeRatio, s.MaxDecodeRatio)

	hyps := make([][]int, batch)
	done := make([]bool, batch)
	prev := make([]int, batch)
	for i := range prev {
		prev[i] = s.Model.BOS
	}

	h := s.Model.Dec.InitState(batch)
	keys := s.Model.Dec.ProjectKeys(enc)
	for step := 0; step < maxSteps; step++ {
		emb := s.Model.Emb.Lookup(prev)
		var out *layers.Node
		out, h = s.Model.Dec.Step(emb, h, enc, keys, encLens)
		logits := s.Model.SeqLin.Apply(out)

		skip := -1
		if step < minSteps {
			skip = s.Model.EOS
		}
		allDone := true
		for b := 0; b < batch; b++ {
			if done[b] {
				continue
			}
			label := argmaxRow(logits.Value, b, skip)
			if label == s.Model.EOS {
				done[b] = true
				continue
			}
			hyps[b] = append(hyps[b], label)
			prev[b] = label
			allDone = false
		}
		if allDone {
			break
		}
	}
	return hyps
}

// decodeWindow converts relative decode ratios into step bounds against the
// encoder length.
func decodeWindow(encFrames int, minRatio, maxRatio float64) (minSteps, maxSteps int) {
	minSteps = int(minRatio * float64(encFrames))
	maxSteps = int(maxRatio * float64(encFrames))
	if maxSteps < 1 {
		maxSteps = 1
	}
	return minSteps, maxSteps
}

// argmaxRow returns the column with the largest value in one row, skipping
// the given index when it is non-negative.
func argmaxRow(v *mat.Dense, row, skip int) int {
	_, cols := v.Dims()
	best, bestVal := -1, 0.0
	for c := 0; c < cols; c++ {
		if c == skip {
			continue
		}
		if best < 0 || v.At(row, c) > bestVal {
			best, bestVal = c, v.At(row, c)
		}
	}
	return best
}
