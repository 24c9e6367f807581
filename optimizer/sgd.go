package optimizer

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// SGDConfig holds SGD hyperparameters.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns plain gradient descent at lr 0.01.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// SGD implements stochastic gradient descent with optional momentum,
// weight decay and Nesterov acceleration.
type SGD struct {
	config   SGDConfig
	params   []*layers.Param
	velocity map[string]*mat.Dense
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(config SGDConfig, params []*layers.Param) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a non-zero momentum factor")
	}
	s := &SGD{config: config, params: params}
	if config.Momentum > 0 {
		s.velocity = make(map[string]*mat.Dense, len(params))
		for _, p := range params {
			r, c := p.W.Value.Dims()
			s.velocity[p.Name] = mat.NewDense(r, c, nil)
		}
	}
	return s, nil
}

// Step applies one SGD update.
func (s *SGD) Step() error {
	for _, p := range s.params {
		grad := paramGrad(p)
		applyWeightDecay(grad, p.W.Value, s.config.WeightDecay)

		update := grad
		if s.config.Momentum > 0 {
			vel := s.velocity[p.Name]
			var scaledVel mat.Dense
			scaledVel.Scale(s.config.Momentum, vel)
			vel.Add(&scaledVel, grad)
			if s.config.Nesterov {
				var look mat.Dense
				look.Scale(s.config.Momentum, vel)
				look.Add(&look, grad)
				update = &look
			} else {
				update = vel
			}
		}

		var delta mat.Dense
		delta.Scale(-s.config.LearningRate, update)
		p.W.Value.Add(p.W.Value, &delta)
	}
	return nil
}

// ZeroGrad clears accumulated gradients on all parameters.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.W.ZeroGrad()
	}
}

// UpdateLearningRate sets a new learning rate.
func (s *SGD) UpdateLearningRate(lr float64) { s.config.LearningRate = lr }

// LR returns the current learning rate.
func (s *SGD) LR() float64 { return s.config.LearningRate }

// MarshalState serializes momentum buffers and hyperparameters.
func (s *SGD) MarshalState() ([]byte, error) {
	st := State{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
		},
	}
	for _, p := range s.params {
		if vel, ok := s.velocity[p.Name]; ok {
			st.StateData = append(st.StateData, denseToTensor(p.Name, "velocity", vel))
		}
	}
	return json.Marshal(st)
}

// UnmarshalState restores momentum buffers from a checkpoint.
func (s *SGD) UnmarshalState(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode sgd state: %v", err)
	}
	if err := validateStateType("SGD", &st); err != nil {
		return err
	}
	if lr, ok := st.Parameters["learning_rate"].(float64); ok {
		s.config.LearningRate = lr
	}
	for _, tensor := range st.StateData {
		if tensor.StateType != "velocity" {
			continue
		}
		if _, ok := s.velocity[tensor.Param]; !ok {
			return fmt.Errorf("velocity for unknown parameter %q", tensor.Param)
		}
		d, err := tensorToDense(tensor)
		if err != nil {
			return err
		}
		s.velocity[tensor.Param] = d
	}
	return nil
}
