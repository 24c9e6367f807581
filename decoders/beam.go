package decoders

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// BeamSearcher decodes with a fixed-width beam, accepting EOS only when it
// is competitive with the best continuation, and ranks finished hypotheses
// by length-normalized log probability.
type BeamSearcher struct {
	Model          Model
	BeamSize       int
	EOSThreshold   float64
	MinDecodeRatio float64
	MaxDecodeRatio float64
}

type beamHyp struct {
	tokens []int
	score  float64
	state  []float64 // decoder hidden row
}

// Search decodes every utterance of the batch independently.
func (s *BeamSearcher) Search(enc []*layers.Node, encLens []int) [][]int {
	batch, _ := enc[0].Dims()
	hyps := make([][]int, batch)
	for b := 0; b < batch; b++ {
		frames := encLens[b]
		if frames < 1 {
			frames = 1
		}
		hyps[b] = s.searchOne(sliceUtterance(enc, b, frames))
	}
	return hyps
}

// searchOne runs the beam over a single utterance's encoder states, each a
// [1, dim] node.
func (s *BeamSearcher) searchOne(enc []*layers.Node) []int {
	beamSize := s.BeamSize
	if beamSize < 1 {
		beamSize = 1
	}
	minSteps, maxSteps := decodeWindow(len(enc), s.MinDecodeRatio, s.MaxDecodeRatio)
	encLens := []int{len(enc)}
	keys := s.Model.Dec.ProjectKeys(enc)

	_, hidden := s.Model.Dec.InitState(1).Dims()
	alive := []beamHyp{{tokens: nil, score: 0, state: make([]float64, hidden)}}
	var finished []beamHyp

	for step := 0; step < maxSteps && len(alive) > 0; step++ {
		// Run every live hypothesis as one batch row.
		prev := make([]int, len(alive))
		states := mat.NewDense(len(alive), hidden, nil)
		for i, hyp := range alive {
			prev[i] = s.Model.BOS
			if len(hyp.tokens) > 0 {
				prev[i] = hyp.tokens[len(hyp.tokens)-1]
			}
			states.SetRow(i, hyp.state)
		}

		emb := s.Model.Emb.Lookup(prev)
		out, hNew := s.Model.Dec.Step(emb, layers.Input(states), repeatRows(enc, len(alive)), repeatRows(keys, len(alive)), repeatLens(encLens[0], len(alive)))
		logp := layers.LogSoftmax(s.Model.SeqLin.Apply(out))

		type candidate struct {
			hyp   int
			label int
			score float64
		}
		var candidates []candidate
		_, classes := logp.Dims()
		for i := range alive {
			rowBest := logp.Value.At(i, 0)
			for c := 1; c < classes; c++ {
				if v := logp.Value.At(i, c); v > rowBest {
					rowBest = v
				}
			}
			for c := 0; c < classes; c++ {
				lp := logp.Value.At(i, c)
				if c == s.Model.EOS {
					// EOS must be competitive and past the minimum length.
					if step < minSteps || lp < s.EOSThreshold*rowBest {
						continue
					}
				}
				candidates = append(candidates, candidate{hyp: i, label: c, score: alive[i].score + lp})
			}
		}
		sort.Slice(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })

		var next []beamHyp
		for _, c := range candidates {
			if len(next) >= beamSize {
				break
			}
			parent := alive[c.hyp]
			if c.label == s.Model.EOS {
				finished = append(finished, beamHyp{
					tokens: append([]int(nil), parent.tokens...),
					score:  c.score / float64(len(parent.tokens)+1),
				})
				continue
			}
			tokens := make([]int, 0, len(parent.tokens)+1)
			tokens = append(tokens, parent.tokens...)
			tokens = append(tokens, c.label)
			next = append(next, beamHyp{
				tokens: tokens,
				score:  c.score,
				state:  append([]float64(nil), hNew.Value.RawRowView(c.hyp)...),
			})
		}
		alive = next
		if len(finished) >= beamSize {
			break
		}
	}

	// Hypotheses still alive at the step limit count as finished.
	for _, hyp := range alive {
		score := hyp.score
		if len(hyp.tokens) > 0 {
			score /= float64(len(hyp.tokens))
		}
		finished = append(finished, beamHyp{tokens: hyp.tokens, score: score})
	}
	if len(finished) == 0 {
		return nil
	}
	best := finished[0]
	for _, hyp := range finished[1:] {
		if hyp.score > best.score {
			best = hyp
		}
	}
	return best.tokens
}

// sliceUtterance extracts one utterance's valid encoder frames as [1, dim]
// nodes.
func sliceUtterance(enc []*layers.Node, row, frames int) []*layers.Node {
	out := make([]*layers.Node, frames)
	for t := 0; t < frames; t++ {
		_, dim := enc[t].Dims()
		v := mat.NewDense(1, dim, nil)
		v.SetRow(0, enc[t].Value.RawRowView(row))
		out[t] = layers.Input(v)
	}
	return out
}

// repeatRows tiles each single-row node to the given row count so the beam
// can step as one batch.
func repeatRows(states []*layers.Node, rows int) []*layers.Node {
	if rows == 1 {
		return states
	}
	out := make([]*layers.Node, len(states))
	for t, state := range states {
		_, dim := state.Dims()
		v := mat.NewDense(rows, dim, nil)
		for r := 0; r < rows; r++ {
			v.SetRow(r, state.Value.RawRowView(0))
		}
		out[t] = layers.Input(v)
	}
	return out
}

func repeatLens(frames, rows int) []int {
	lens := make([]int, rows)
	for i := range lens {
		lens[i] = frames
	}
	return lens
}
