package optimizer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// quadratic builds a single-parameter loss f(w) = sum(w^2) and returns the
// parameter plus a closure that runs forward/backward once.
func quadratic(init []float64) (*layers.Param, func() float64) {
	w := layers.Weight(mat.NewDense(1, len(init), append([]float64(nil), init...)))
	p := &layers.Param{Name: "w", W: w}
	step := func() float64 {
		sq := layers.Mul(w, w)
		_, c := sq.Dims()
		ones := layers.Input(mat.NewDense(c, 1, onesSlice(c)))
		loss := layers.MatMul(sq, ones)
		_ = layers.Backward(loss)
		v, _ := loss.Item()
		return v
	}
	return p, step
}

func onesSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// TestDefaultConfigs checks the documented defaults.
func TestDefaultConfigs(t *testing.T) {
	sgd := DefaultSGDConfig()
	if sgd.LearningRate != 0.01 || sgd.Momentum != 0 {
		t.Errorf("unexpected SGD defaults: %+v", sgd)
	}
	adam := DefaultAdamConfig()
	if adam.LearningRate != 0.001 || adam.Beta1 != 0.9 || adam.Beta2 != 0.999 {
		t.Errorf("unexpected Adam defaults: %+v", adam)
	}
}

// TestSGDReducesQuadratic runs a few steps on f(w)=||w||^2 and expects the
// loss to shrink monotonically.
func TestSGDReducesQuadratic(t *testing.T) {
	p, run := quadratic([]float64{1.5, -2.0, 0.7})
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Param{p})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	prev := math.Inf(1)
	for i := 0; i < 10; i++ {
		opt.ZeroGrad()
		loss := run()
		if loss >= prev {
			t.Fatalf("step %d: loss %f did not decrease from %f", i, loss, prev)
		}
		prev = loss
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
}

// TestAdamReducesQuadratic does the same for Adam.
func TestAdamReducesQuadratic(t *testing.T) {
	p, run := quadratic([]float64{2.0, -1.0})
	opt, err := NewAdam(DefaultAdamConfig(), []*layers.Param{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	first := math.Inf(1)
	var last float64
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		loss := run()
		if i == 0 {
			first = loss
		}
		last = loss
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if last >= first {
		t.Errorf("Adam failed to reduce loss: first %f, last %f", first, last)
	}
}

// TestSGDInvalidConfig rejects bad hyperparameters.
func TestSGDInvalidConfig(t *testing.T) {
	if _, err := NewSGD(SGDConfig{LearningRate: 0}, nil); err == nil {
		t.Error("expected error for zero learning rate")
	}
	if _, err := NewSGD(SGDConfig{LearningRate: 0.1, Nesterov: true}, nil); err == nil {
		t.Error("expected error for nesterov without momentum")
	}
}

// TestAdamStateRoundTrip serializes moments after a step and restores them
// into a fresh optimizer.
func TestAdamStateRoundTrip(t *testing.T) {
	p, run := quadratic([]float64{1.0, 2.0})
	opt, err := NewAdam(DefaultAdamConfig(), []*layers.Param{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	opt.ZeroGrad()
	run()
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	state, err := opt.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}

	p2, _ := quadratic([]float64{1.0, 2.0})
	restored, err := NewAdam(DefaultAdamConfig(), []*layers.Param{p2})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	if err := restored.UnmarshalState(state); err != nil {
		t.Fatalf("UnmarshalState failed: %v", err)
	}
	if restored.StepCount() != 1 {
		t.Errorf("expected step count 1 after restore, got %d", restored.StepCount())
	}
	for i := 0; i < 2; i++ {
		if got, want := restored.m["w"].At(0, i), opt.m["w"].At(0, i); got != want {
			t.Errorf("m[%d]: expected %f, got %f", i, want, got)
		}
	}
}

// TestSGDStateRejectsWrongType guards against cross-optimizer restores.
func TestSGDStateRejectsWrongType(t *testing.T) {
	p, run := quadratic([]float64{1.0})
	adam, _ := NewAdam(DefaultAdamConfig(), []*layers.Param{p})
	run()
	_ = adam.Step()
	state, _ := adam.MarshalState()

	p2, _ := quadratic([]float64{1.0})
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.5}, []*layers.Param{p2})
	if err := sgd.UnmarshalState(state); err == nil {
		t.Error("expected state type mismatch error")
	}
}
