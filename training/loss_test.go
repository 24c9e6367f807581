package training

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

func logProbNode(rows int, probs ...float64) *layers.Node {
	cols := len(probs) / rows
	v := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v.Set(r, c, math.Log(probs[r*cols+c]))
		}
	}
	return layers.Input(v)
}

func TestCTCLossSingleFrame(t *testing.T) {
	// One frame, one target label: the only path emits the label directly.
	lp := logProbNode(1, 0.25, 0.75)
	loss, err := CTCLoss([]*layers.Node{lp}, [][]int{{1}}, []int{1}, 0)
	if err != nil {
		t.Fatalf("Failed to compute CTC loss: %v", err)
	}
	got, err := loss.Item()
	if err != nil {
		t.Fatalf("Expected scalar loss: %v", err)
	}
	want := -math.Log(0.75)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected loss %v, got %v", want, got)
	}
}

func TestCTCLossTwoFrames(t *testing.T) {
	// Two uniform frames, target [1]: valid paths are (1,1), (blank,1),
	// (1,blank), total probability 3/4.
	lp1 := logProbNode(1, 0.5, 0.5)
	lp2 := logProbNode(1, 0.5, 0.5)
	loss, err := CTCLoss([]*layers.Node{lp1, lp2}, [][]int{{1}}, []int{2}, 0)
	if err != nil {
		t.Fatalf("Failed to compute CTC loss: %v", err)
	}
	got, _ := loss.Item()
	want := -math.Log(0.75)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected loss %v, got %v", want, got)
	}
}

func TestCTCLossValidation(t *testing.T) {
	lp := logProbNode(1, 0.5, 0.5)
	if _, err := CTCLoss(nil, nil, nil, 0); err == nil {
		t.Error("Expected error for empty input, got nil")
	}
	if _, err := CTCLoss([]*layers.Node{lp}, [][]int{{1}}, []int{1}, 5); err == nil {
		t.Error("Expected error for out-of-range blank, got nil")
	}
	if _, err := CTCLoss([]*layers.Node{lp}, [][]int{{1}, {1}}, []int{1}, 0); err == nil {
		t.Error("Expected error for batch mismatch, got nil")
	}
}

func TestCTCLossGradientCheck(t *testing.T) {
	rng := layers.NewRNG(21)
	rows, cols, frames := 2, 3, 4
	raw := make([][]float64, frames)
	for f := range raw {
		raw[f] = make([]float64, rows*cols)
		for i := range raw[f] {
			raw[f][i] = rng.NormFloat64()
		}
	}
	targets := [][]int{{1, 2}, {2}}
	lens := []int{4, 3}

	build := func() (*layers.Node, []*layers.Node) {
		logits := make([]*layers.Node, frames)
		lps := make([]*layers.Node, frames)
		for f := range raw {
			logits[f] = layers.Input(mat.NewDense(rows, cols, append([]float64(nil), raw[f]...)))
			lps[f] = layers.LogSoftmax(logits[f])
		}
		loss, err := CTCLoss(lps, targets, lens, 0)
		if err != nil {
			panic(err)
		}
		return loss, logits
	}

	loss, logits := build()
	if err := layers.Backward(loss); err != nil {
		t.Fatalf("Failed backward: %v", err)
	}

	const eps = 1e-6
	for f := 0; f < frames; f++ {
		for i := 0; i < 3; i++ { // spot-check a few coordinates per frame
			idx := (f*7 + i*3) % (rows * cols)
			orig := raw[f][idx]

			raw[f][idx] = orig + eps
			plus, _ := build()
			vPlus, _ := plus.Item()

			raw[f][idx] = orig - eps
			minus, _ := build()
			vMinus, _ := minus.Item()
			raw[f][idx] = orig

			numeric := (vPlus - vMinus) / (2 * eps)
			analytic := logits[f].Grad.At(idx/cols, idx%cols)
			if math.Abs(numeric-analytic) > 1e-4 {
				t.Errorf("Frame %d coord %d: numeric %v, analytic %v", f, idx, numeric, analytic)
			}
		}
	}
}

func TestSeqNLLTokenMean(t *testing.T) {
	// Two steps, two utterances; the second target has two tokens.
	lp1 := logProbNode(2, 0.2, 0.8, 0.5, 0.5)
	lp2 := logProbNode(2, 0.3, 0.7, 0.9, 0.1)
	targets := [][]int{{1}, {0, 1}}

	loss, err := SeqNLL([]*layers.Node{lp1, lp2}, targets, 0)
	if err != nil {
		t.Fatalf("Failed to compute NLL: %v", err)
	}
	got, _ := loss.Item()
	want := -(math.Log(0.8) + math.Log(0.5) + math.Log(0.1)) / 3
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected loss %v, got %v", want, got)
	}
}

func TestSeqNLLLabelSmoothing(t *testing.T) {
	lp := logProbNode(1, 0.2, 0.8)
	targets := [][]int{{1}}

	plain, err := SeqNLL([]*layers.Node{lp}, targets, 0)
	if err != nil {
		t.Fatalf("Failed plain NLL: %v", err)
	}
	smoothed, err := SeqNLL([]*layers.Node{logProbNode(1, 0.2, 0.8)}, targets, 0.1)
	if err != nil {
		t.Fatalf("Failed smoothed NLL: %v", err)
	}

	plainVal, _ := plain.Item()
	smoothVal, _ := smoothed.Item()
	uniform := -(math.Log(0.2) + math.Log(0.8)) / 2
	want := 0.9*plainVal + 0.1*uniform
	if math.Abs(smoothVal-want) > 1e-9 {
		t.Errorf("Expected smoothed loss %v, got %v", want, smoothVal)
	}

	if _, err := SeqNLL([]*layers.Node{lp}, targets, 1.0); err == nil {
		t.Error("Expected error for smoothing 1.0, got nil")
	}
}
