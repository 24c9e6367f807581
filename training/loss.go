package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// CTCLoss computes the Connectionist Temporal Classification loss over
// timestep-major log-probabilities. logProbs[t] is [batch, classes] and must
// already be log-softmax normalized. targets hold per-utterance label
// sequences without blanks; inputLens the valid frame count per utterance.
// The returned scalar node is the batch mean of per-utterance negative log
// likelihoods, with exact gradients into every timestep.
func CTCLoss(logProbs []*layers.Node, targets [][]int, inputLens []int, blank int) (*layers.Node, error) {
	if len(logProbs) == 0 {
		return nil, fmt.Errorf("ctc: empty input sequence")
	}
	batch, classes := logProbs[0].Dims()
	if len(targets) != batch || len(inputLens) != batch {
		return nil, fmt.Errorf("ctc: batch mismatch: %d inputs, %d targets, %d lengths", batch, len(targets), len(inputLens))
	}
	if blank < 0 || blank >= classes {
		return nil, fmt.Errorf("ctc: blank index %d out of range [0, %d)", blank, classes)
	}

	// Per-timestep gradient accumulators, filled during the forward pass
	// and replayed by the backward closure.
	grads := make([]*mat.Dense, len(logProbs))
	for t := range grads {
		grads[t] = mat.NewDense(batch, classes, nil)
	}

	var total float64
	for b := 0; b < batch; b++ {
		T := inputLens[b]
		if T <= 0 || T > len(logProbs) {
			return nil, fmt.Errorf("ctc: utterance %d has invalid length %d", b, T)
		}
		ext := extendWithBlanks(targets[b], blank)
		S := len(ext)
		if S > 2*T+1 {
			return nil, fmt.Errorf("ctc: utterance %d label length %d cannot align to %d frames", b, len(targets[b]), T)
		}

		nll, gradFill, err := ctcForwardBackward(logProbs, b, T, ext, blank)
		if err != nil {
			return nil, fmt.Errorf("ctc: utterance %d: %v", b, err)
		}
		total += nll
		for t := 0; t < T; t++ {
			for k := 0; k < classes; k++ {
				grads[t].Set(b, k, gradFill[t][k]/float64(batch))
			}
		}
	}

	loss := layers.Custom(mat.NewDense(1, 1, []float64{total / float64(batch)}), logProbs, func(out *layers.Node) {
		g := out.Grad.At(0, 0)
		for t, lp := range logProbs {
			var scaled mat.Dense
			scaled.Scale(g, grads[t])
			layers.Accumulate(lp, &scaled)
		}
	})
	return loss, nil
}

// extendWithBlanks interleaves blanks around the label sequence:
// [a b] -> [- a - b -].
func extendWithBlanks(labels []int, blank int) []int {
	ext := make([]int, 2*len(labels)+1)
	for i := range ext {
		ext[i] = blank
	}
	for i, l := range labels {
		ext[2*i+1] = l
	}
	return ext
}

// ctcForwardBackward runs the log-domain forward-backward recursion for one
// utterance and returns its NLL plus dNLL/dlogp per frame and class.
func ctcForwardBackward(logProbs []*layers.Node, b, T int, ext []int, blank int) (float64, [][]float64, error) {
	S := len(ext)
	negInf := math.Inf(-1)

	lp := func(t, k int) float64 { return logProbs[t].Value.At(b, k) }

	// Forward variables include the emission at t.
	alpha := make([][]float64, T)
	for t := range alpha {
		alpha[t] = make([]float64, S)
		for s := range alpha[t] {
			alpha[t][s] = negInf
		}
	}
	alpha[0][0] = lp(0, ext[0])
	if S > 1 {
		alpha[0][1] = lp(0, ext[1])
	}
	for t := 1; t < T; t++ {
		for s := 0; s < S; s++ {
			a := alpha[t-1][s]
			if s > 0 {
				a = logAdd(a, alpha[t-1][s-1])
			}
			if s > 1 && ext[s] != blank && ext[s] != ext[s-2] {
				a = logAdd(a, alpha[t-1][s-2])
			}
			if a == negInf {
				continue
			}
			alpha[t][s] = a + lp(t, ext[s])
		}
	}

	logP := alpha[T-1][S-1]
	if S > 1 {
		logP = logAdd(logP, alpha[T-1][S-2])
	}
	if math.IsInf(logP, -1) {
		return 0, nil, fmt.Errorf("no valid alignment")
	}

	// Suffix variables exclude the emission at t: beta[t][s] is the log
	// probability of completing the extended sequence from t+1 on.
	beta := make([][]float64, T)
	for t := range beta {
		beta[t] = make([]float64, S)
		for s := range beta[t] {
			beta[t][s] = negInf
		}
	}
	beta[T-1][S-1] = 0
	if S > 1 {
		beta[T-1][S-2] = 0
	}
	for t := T - 2; t >= 0; t-- {
		for s := 0; s < S; s++ {
			v := negInf
			v = logAdd(v, beta[t+1][s]+lp(t+1, ext[s]))
			if s+1 < S {
				v = logAdd(v, beta[t+1][s+1]+lp(t+1, ext[s+1]))
			}
			if s+2 < S && ext[s+2] != blank && ext[s+2] != ext[s] {
				v = logAdd(v, beta[t+1][s+2]+lp(t+1, ext[s+2]))
			}
			beta[t][s] = v
		}
	}

	_, classes := logProbs[0].Dims()
	grad := make([][]float64, T)
	for t := 0; t < T; t++ {
		grad[t] = make([]float64, classes)
		for s := 0; s < S; s++ {
			g := alpha[t][s] + beta[t][s] - logP
			if math.IsInf(g, -1) {
				continue
			}
			grad[t][ext[s]] -= math.Exp(g)
		}
	}
	return -logP, grad, nil
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// SeqNLL computes the sequence negative log-likelihood over the
// teacher-forced decoder outputs. logProbs[t] is [batch, classes]; targets
// are the EOS-appended label sequences. The loss is the token mean over all
// valid positions. A non-zero smoothing in [0, 1) mixes in the uniform
// negative log-likelihood (label smoothing).
func SeqNLL(logProbs []*layers.Node, targets [][]int, smoothing float64) (*layers.Node, error) {
	if len(logProbs) == 0 {
		return nil, fmt.Errorf("seq nll: empty input sequence")
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("seq nll: smoothing %v out of range [0, 1)", smoothing)
	}
	batch, _ := logProbs[0].Dims()
	if len(targets) != batch {
		return nil, fmt.Errorf("seq nll: batch mismatch: %d inputs, %d targets", batch, len(targets))
	}

	var totalTokens float64
	for _, tgt := range targets {
		totalTokens += float64(len(tgt))
	}
	if totalTokens == 0 {
		return nil, fmt.Errorf("seq nll: no target tokens")
	}

	steps := make([]*layers.Node, 0, len(logProbs))
	for t, lp := range logProbs {
		idx := make([]int, batch)
		weights := make([]float64, batch)
		active := false
		for b, tgt := range targets {
			if t < len(tgt) {
				idx[b] = tgt[t]
				weights[b] = 1
				active = true
			}
		}
		if !active {
			break
		}
		nll := layers.PickNLL(lp, idx, weights, totalTokens)
		if smoothing > 0 {
			uniform := layers.MeanNLL(lp, weights, totalTokens)
			nll = layers.AddScalars(layers.Scale(nll, 1-smoothing), layers.Scale(uniform, smoothing))
		}
		steps = append(steps, nll)
	}
	return layers.AddScalars(steps...), nil
}
