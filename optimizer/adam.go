package optimizer

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// AdamConfig holds Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the standard Adam settings.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam update rule with bias correction.
type Adam struct {
	config    AdamConfig
	params    []*layers.Param
	m         map[string]*mat.Dense
	v         map[string]*mat.Dense
	stepCount uint64
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(config AdamConfig, params []*layers.Param) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): beta1=%f beta2=%f", config.Beta1, config.Beta2)
	}
	a := &Adam{
		config: config,
		params: params,
		m:      make(map[string]*mat.Dense, len(params)),
		v:      make(map[string]*mat.Dense, len(params)),
	}
	for _, p := range params {
		r, c := p.W.Value.Dims()
		a.m[p.Name] = mat.NewDense(r, c, nil)
		a.v[p.Name] = mat.NewDense(r, c, nil)
	}
	return a, nil
}

// Step applies one Adam update.
func (a *Adam) Step() error {
	a.stepCount++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.stepCount))

	for _, p := range a.params {
		grad := paramGrad(p)
		applyWeightDecay(grad, p.W.Value, a.config.WeightDecay)

		m := a.m[p.Name]
		v := a.v[p.Name]
		r, c := grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := grad.At(i, j)
				mi := a.config.Beta1*m.At(i, j) + (1-a.config.Beta1)*g
				vi := a.config.Beta2*v.At(i, j) + (1-a.config.Beta2)*g*g
				m.Set(i, j, mi)
				v.Set(i, j, vi)

				mHat := mi / bc1
				vHat := vi / bc2
				p.W.Value.Set(i, j, p.W.Value.At(i, j)-a.config.LearningRate*mHat/(math.Sqrt(vHat)+a.config.Epsilon))
			}
		}
	}
	return nil
}

// ZeroGrad clears accumulated gradients on all parameters.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.W.ZeroGrad()
	}
}

// UpdateLearningRate sets a new learning rate.
func (a *Adam) UpdateLearningRate(lr float64) { a.config.LearningRate = lr }

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.config.LearningRate }

// StepCount returns the number of updates applied.
func (a *Adam) StepCount() uint64 { return a.stepCount }

// MarshalState serializes moment estimates and the step count.
func (a *Adam) MarshalState() ([]byte, error) {
	st := State{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
	}
	for _, p := range a.params {
		st.StateData = append(st.StateData, denseToTensor(p.Name, "m", a.m[p.Name]))
		st.StateData = append(st.StateData, denseToTensor(p.Name, "v", a.v[p.Name]))
	}
	return json.Marshal(st)
}

// UnmarshalState restores moment estimates from a checkpoint.
func (a *Adam) UnmarshalState(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode adam state: %v", err)
	}
	if err := validateStateType("Adam", &st); err != nil {
		return err
	}
	if lr, ok := st.Parameters["learning_rate"].(float64); ok {
		a.config.LearningRate = lr
	}
	if sc, ok := st.Parameters["step_count"].(float64); ok {
		a.stepCount = uint64(sc)
	}
	for _, tensor := range st.StateData {
		var dst map[string]*mat.Dense
		switch tensor.StateType {
		case "m":
			dst = a.m
		case "v":
			dst = a.v
		default:
			continue
		}
		if _, ok := dst[tensor.Param]; !ok {
			return fmt.Errorf("%s moment for unknown parameter %q", tensor.StateType, tensor.Param)
		}
		d, err := tensorToDense(tensor)
		if err != nil {
			return err
		}
		dst[tensor.Param] = d
	}
	return nil
}
